// Package resilient 为任意 storage.Store 叠加熔断与重试能力。
package resilient

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmem/circuitbreaker"
	"github.com/BaSui01/agentmem/internal/metrics"
	"github.com/BaSui01/agentmem/retry"
	"github.com/BaSui01/agentmem/storage"
	"github.com/BaSui01/agentmem/types"
)

// Config 弹性代理配置
type Config struct {
	// Name 后端名称，用于日志、指标与错误
	Name string

	// CircuitBreaker 熔断器配置，nil 使用默认值
	CircuitBreaker *circuitbreaker.Config

	// RetryPolicy 重试策略，nil 使用默认值。ShouldRetry 会被代理接管
	RetryPolicy *retry.RetryPolicy
}

// DefaultConfig 返回默认配置
func DefaultConfig(name string) Config {
	return Config{
		Name:           name,
		CircuitBreaker: circuitbreaker.DefaultConfig(),
		RetryPolicy:    retry.DefaultRetryPolicy(),
	}
}

// Proxy 具有弹性能力的 Store 包装器。
// 每次调用：重试器 -> 熔断器 -> 被包装的 Store。
// 熔断打开后立即停止重试，快速失败不触达后端。
type Proxy struct {
	inner   storage.Store
	name    string
	breaker circuitbreaker.CircuitBreaker
	retryer retry.Retryer
	metrics *metrics.Collector
	logger  *zap.Logger
}

// New 创建弹性代理，collector 可为空
func New(inner storage.Store, config Config, collector *metrics.Collector, logger *zap.Logger) *Proxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Name == "" {
		config.Name = "storage"
	}

	p := &Proxy{
		inner:   inner,
		name:    config.Name,
		metrics: collector,
		logger:  logger.With(zap.String("component", "resilient_proxy"), zap.String("backend", config.Name)),
	}

	cbConfig := circuitbreaker.DefaultConfig()
	if config.CircuitBreaker != nil {
		copied := *config.CircuitBreaker
		cbConfig = &copied
	}
	cbConfig.Name = config.Name
	userHook := cbConfig.OnStateChange
	cbConfig.OnStateChange = func(from, to circuitbreaker.State) {
		p.onStateChange(from, to)
		if userHook != nil {
			userHook(from, to)
		}
	}
	p.breaker = circuitbreaker.NewCircuitBreaker(cbConfig, logger)

	policy := retry.DefaultRetryPolicy()
	if config.RetryPolicy != nil {
		copied := *config.RetryPolicy
		policy = &copied
	}
	policy.ShouldRetry = p.shouldRetry
	p.retryer = retry.NewBackoffRetryer(policy, logger)

	return p
}

// shouldRetry 只重试瞬时错误，熔断打开后不再重试
func (p *Proxy) shouldRetry(err error) bool {
	return types.IsTransient(err) && p.breaker.State() != circuitbreaker.StateOpen
}

func (p *Proxy) onStateChange(from, to circuitbreaker.State) {
	p.metrics.RecordCircuitTransition(p.name, from.String(), to.String(), int(to))
	p.logger.Info("circuit state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// State 当前熔断状态
func (p *Proxy) State() circuitbreaker.State {
	return p.breaker.State()
}

// Unwrap 返回被包装的 Store
func (p *Proxy) Unwrap() storage.Store {
	return p.inner
}

// =============================================================================
// 🛡️ 调用封装
// =============================================================================

// call 对单个存储操作执行 重试(熔断(fn))，并把耗尽的失败归类为读/写错误
func call[T any](ctx context.Context, p *Proxy, op string, write bool, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	attempts := 0

	v, err := retry.DoTyped(p.retryer, ctx, func(ctx context.Context) (T, error) {
		attempts++
		if attempts > 1 {
			p.metrics.RecordRetry(p.name, op)
		}
		return circuitbreaker.CallTyped(p.breaker, ctx, fn)
	})
	p.metrics.RecordStorageOp(p.name, op, err, time.Since(start))

	if err != nil {
		var zero T
		return zero, p.classify(op, write, attempts, err)
	}
	return v, nil
}

// classify 客户端错误、熔断与取消原样返回，其余包装为 WriteError / QueryError
func (p *Proxy) classify(op string, write bool, attempts int, err error) error {
	switch {
	case types.IsValidation(err), types.IsNotFound(err), types.IsCircuitOpen(err),
		types.IsDependencyMissing(err), errors.Is(err, context.Canceled):
		return err
	}

	p.logger.Warn("storage operation failed",
		zap.String("op", op),
		zap.Int("attempts", attempts),
		zap.String("circuit_state", p.breaker.State().String()),
		zap.Error(err),
	)
	if write {
		return types.NewWriteError(op, err).WithBackend(p.name)
	}
	return types.NewQueryError(op, err).WithBackend(p.name)
}

// =============================================================================
// 🎯 Store 接口实现
// =============================================================================

// SaveItem 实现 storage.Store
func (p *Proxy) SaveItem(ctx context.Context, item *types.MemoryItem) (string, error) {
	if err := storage.ValidateItem(item); err != nil {
		return "", err
	}
	return call(ctx, p, "save_item", true, func(ctx context.Context) (string, error) {
		return p.inner.SaveItem(ctx, item)
	})
}

// GetItem 实现 storage.Store
func (p *Proxy) GetItem(ctx context.Context, id string) (*types.MemoryItem, error) {
	return call(ctx, p, "get_item", false, func(ctx context.Context) (*types.MemoryItem, error) {
		return p.inner.GetItem(ctx, id)
	})
}

// QueryItems 实现 storage.Store
func (p *Proxy) QueryItems(ctx context.Context, ownerID string, filter storage.QueryFilter, limit int) ([]*types.MemoryItem, error) {
	if err := storage.ValidateQuery(ownerID, limit); err != nil {
		return nil, err
	}
	return call(ctx, p, "query_items", false, func(ctx context.Context) ([]*types.MemoryItem, error) {
		return p.inner.QueryItems(ctx, ownerID, filter, limit)
	})
}

// SaveAgentRecord 实现 storage.Store
func (p *Proxy) SaveAgentRecord(ctx context.Context, record *types.AgentRecord) (string, error) {
	if err := storage.ValidateRecord(record); err != nil {
		return "", err
	}
	return call(ctx, p, "save_agent_record", true, func(ctx context.Context) (string, error) {
		return p.inner.SaveAgentRecord(ctx, record)
	})
}

// DeleteItems 实现 storage.Store
func (p *Proxy) DeleteItems(ctx context.Context, filter storage.DeleteFilter) (int64, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	return call(ctx, p, "delete_items", true, func(ctx context.Context) (int64, error) {
		return p.inner.DeleteItems(ctx, filter)
	})
}

// CheckHealth 实现 storage.Store，在被包装组件的结果上叠加熔断状态。
// 健康检查本身不经过熔断器，也不计入失败次数。
func (p *Proxy) CheckHealth(ctx context.Context) types.ComponentHealth {
	h := p.inner.CheckHealth(ctx)
	h.Name = p.name

	state := p.breaker.State()
	details := make(map[string]string, len(h.Details)+1)
	for k, v := range h.Details {
		details[k] = v
	}
	details["circuit_state"] = state.String()
	h.Details = details

	switch state {
	case circuitbreaker.StateOpen:
		h.Status = types.HealthUnhealthy
		if h.Message == "" {
			h.Message = "circuit open"
		}
	case circuitbreaker.StateHalfOpen:
		h.Status = h.Status.Worse(types.HealthDegraded)
		if h.Message == "" {
			h.Message = "circuit half-open"
		}
	}
	return h
}

// Close 实现 storage.Store
func (p *Proxy) Close() error {
	return p.inner.Close()
}

var _ storage.Store = (*Proxy)(nil)
