package service

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentmem/types"
)

// =============================================================================
// 🏥 健康检查
// =============================================================================

// 组件名
const (
	ComponentShortTerm  = "short_term"
	ComponentMediumTerm = "medium_term"
	ComponentLongTerm   = "long_term"
	ComponentCache      = "cache"
	ComponentANN        = "ann"
	ComponentService    = "service"
)

type healthCheck struct {
	name     string
	required bool
	check    func(ctx context.Context) *types.ComponentHealth
}

// CheckHealth 并发检查各组件。必需组件（短期、中期）不健康时整体不健康，
// 必需组件降级或可选组件（缓存、ANN、长期）异常时整体降级。
func (s *MemoryService) CheckHealth(ctx context.Context) types.HealthStatus {
	ctx, span := s.tracer.Start(ctx, "memory.check_health")
	defer span.End()

	status := types.HealthStatus{
		Overall:    types.HealthHealthy,
		Components: make(map[string]types.ComponentHealth),
		ErrorCount: s.ErrorCount(),
		LastError:  s.LastError(),
		CheckedAt:  s.now(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != stateReady {
		h := types.Unhealthy(ComponentService, s.notReady())
		status.Components[ComponentService] = h
		status.Overall = types.HealthUnhealthy
		span.SetAttributes(attribute.String("memory.health", string(status.Overall)))
		return status
	}

	if timeout := s.cfg.Service.HealthTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	checks := s.healthChecks()
	results := make([]*types.ComponentHealth, len(checks))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checks {
		i, c := i, c
		g.Go(func() error {
			results[i] = c.check(gctx)
			return nil
		})
	}
	_ = g.Wait()

	for i, c := range checks {
		h := results[i]
		if h == nil {
			continue
		}
		status.Components[c.name] = *h
		s.metrics.RecordHealth(c.name, severity(h.Status))

		switch {
		case c.required:
			status.Overall = status.Overall.Worse(h.Status)
		case h.Status != types.HealthHealthy:
			status.Overall = status.Overall.Worse(types.HealthDegraded)
		}
	}

	span.SetAttributes(attribute.String("memory.health", string(status.Overall)))
	return status
}

// healthChecks 已启用组件的检查列表，调用方持有读锁
func (s *MemoryService) healthChecks() []healthCheck {
	c := s.chains
	short := s.tiers.ShortTerm()

	checks := []healthCheck{{
		name:     ComponentShortTerm,
		required: true,
		check: func(ctx context.Context) *types.ComponentHealth {
			h := types.Healthy(ComponentShortTerm, 0)
			h.Details = map[string]string{
				"len":      strconv.Itoa(short.Len()),
				"capacity": strconv.Itoa(short.Capacity()),
				"evicted":  strconv.FormatUint(short.Evicted(), 10),
			}
			return &h
		},
	}}

	if c.mediumProxy != nil {
		checks = append(checks, healthCheck{
			name:     ComponentMediumTerm,
			required: true,
			check: func(ctx context.Context) *types.ComponentHealth {
				h := c.mediumProxy.CheckHealth(ctx)
				return &h
			},
		})
	}
	if c.cache != nil {
		checks = append(checks, healthCheck{
			name: ComponentCache,
			check: func(ctx context.Context) *types.ComponentHealth {
				h := c.cache.CacheHealth(ctx)
				return &h
			},
		})
	}
	if c.longProxy != nil {
		checks = append(checks, healthCheck{
			name: ComponentLongTerm,
			check: func(ctx context.Context) *types.ComponentHealth {
				h := c.longProxy.CheckHealth(ctx)
				return &h
			},
		})
	}
	if c.ranker.ANN() != nil {
		checks = append(checks, healthCheck{
			name:  ComponentANN,
			check: c.ranker.CheckHealth,
		})
	}
	return checks
}

func severity(state types.HealthState) int {
	switch state {
	case types.HealthHealthy:
		return 0
	case types.HealthDegraded:
		return 1
	default:
		return 2
	}
}

// Ready 必需组件都可用时为 true
func (s *MemoryService) Ready(ctx context.Context) bool {
	return s.CheckHealth(ctx).Overall != types.HealthUnhealthy
}
