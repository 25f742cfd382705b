package types

import "time"

// HealthState 健康状态
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// severity orders states so the worst one can be picked.
func (s HealthState) severity() int {
	switch s {
	case HealthHealthy:
		return 0
	case HealthDegraded:
		return 1
	default:
		return 2
	}
}

// Worse returns the more severe of s and o.
func (s HealthState) Worse(o HealthState) HealthState {
	if o.severity() > s.severity() {
		return o
	}
	return s
}

// ComponentHealth 单个组件的健康检查结果
type ComponentHealth struct {
	Name      string            `json:"name"`
	Status    HealthState       `json:"status"`
	Message   string            `json:"message,omitempty"`
	Latency   time.Duration     `json:"latency"`
	CheckedAt time.Time         `json:"checked_at"`
	Details   map[string]string `json:"details,omitempty"`
}

// Healthy builds a healthy component status.
func Healthy(name string, latency time.Duration) ComponentHealth {
	return ComponentHealth{Name: name, Status: HealthHealthy, Latency: latency, CheckedAt: time.Now()}
}

// Unhealthy builds an unhealthy component status carrying err's text.
func Unhealthy(name string, err error) ComponentHealth {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return ComponentHealth{Name: name, Status: HealthUnhealthy, Message: msg, CheckedAt: time.Now()}
}

// HealthStatus 整体健康状况，每次检查重新计算，从不持久化
type HealthStatus struct {
	Overall    HealthState                `json:"overall"`
	Components map[string]ComponentHealth `json:"component_statuses"`
	ErrorCount int64                      `json:"error_count"`
	LastError  string                     `json:"last_error,omitempty"`
	CheckedAt  time.Time                  `json:"checked_at"`
}
