// Package circuitbreaker 提供存储调用使用的三态熔断器。
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmem/types"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// Name 被保护的后端名称，用于日志与错误
	Name string

	// Threshold 连续失败次数阈值（触发熔断）
	Threshold int

	// Timeout 单次调用超时时间，0 表示只使用调用方的 context
	Timeout time.Duration

	// ResetTimeout 熔断恢复等待时间（从 Open -> HalfOpen）
	ResetTimeout time.Duration

	// HalfOpenMaxCalls 半开状态下允许通过的探测请求数
	HalfOpenMaxCalls int

	// IsFailure 判断错误是否计入熔断失败，默认排除校验与不存在错误
	IsFailure func(err error) bool

	// OnStateChange 状态变更回调，在释放内部锁后按发生顺序同步调用。
	// 回调内不能调用 Call 或 Reset。
	OnStateChange func(from State, to State)

	// Now 测试用时钟
	Now func() time.Time
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Threshold:        5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

// CircuitBreaker 熔断器接口
type CircuitBreaker interface {
	// Call 执行调用，如果熔断器打开则直接返回 CircuitOpen 错误
	Call(ctx context.Context, fn func(ctx context.Context) error) error

	// State 获取当前状态
	State() State

	// Snapshot 获取状态与计数
	Snapshot() Snapshot

	// Reset 重置熔断器（手动恢复）
	Reset()
}

// Snapshot 熔断器状态快照
type Snapshot struct {
	State        State
	FailureCount int
	OpenedAt     time.Time
	Probes       int
}

// 错误定义
var (
	ErrCircuitOpen            = errors.New("circuit breaker is open")
	ErrTooManyCallsInHalfOpen = errors.New("too many calls in half-open state")
)

type transition struct {
	from, to State
}

// outcome 一次调用对熔断计数的影响
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	// outcomeIgnored 调用方取消，后端没有给出结果
	outcomeIgnored
)

// breaker 熔断器实现
type breaker struct {
	config *Config
	logger *zap.Logger

	mu           sync.Mutex
	notifyMu     sync.Mutex // 串行化状态回调
	pending      []transition
	state        State
	failureCount int       // 连续失败次数
	openedAt     time.Time // 最近一次进入 Open 的时间
	probes       int       // 当前半开周期已放行的探测数
	generation   uint64    // 每次状态切换递增，丢弃过期周期的调用结果
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(config *Config, logger *zap.Logger) CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// 参数校验
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.Timeout < 0 {
		config.Timeout = 0
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 2
	}
	if config.IsFailure == nil {
		config.IsFailure = defaultIsFailure
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &breaker{
		config: config,
		logger: logger.With(zap.String("component", "circuit_breaker"), zap.String("backend", config.Name)),
		state:  StateClosed,
	}
}

func defaultIsFailure(err error) bool {
	return err != nil && !types.IsClientError(err) && !errors.Is(err, context.Canceled)
}

// Call 实现 CircuitBreaker.Call
// 核心逻辑：状态机转换 + 失败计数 + 超时控制
func (b *breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	gen, err := b.beforeCall()
	if err != nil {
		return err
	}

	callCtx := ctx
	if b.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.config.Timeout)
		defer cancel()
	}

	err = fn(callCtx)
	if err != nil && callCtx.Err() != nil && ctx.Err() == nil {
		// 单次调用超时，归类为瞬时失败
		err = types.NewUnavailableError(b.config.Name, fmt.Errorf("call timed out: %w", err))
	}

	b.afterCall(gen, b.outcomeOf(ctx, err))
	return err
}

func (b *breaker) outcomeOf(ctx context.Context, err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
		return outcomeIgnored
	case b.config.IsFailure(err):
		return outcomeFailure
	default:
		return outcomeSuccess
	}
}

// beforeCall 调用前检查，返回本次调用所属的周期
func (b *breaker) beforeCall() (uint64, error) {
	b.mu.Lock()
	defer b.unlock()

	switch b.state {
	case StateClosed:
		return b.generation, nil

	case StateOpen:
		if b.config.Now().Sub(b.openedAt) < b.config.ResetTimeout {
			return 0, b.openError(ErrCircuitOpen)
		}
		b.setState(StateHalfOpen)
		b.probes = 1
		b.logger.Info("circuit breaker half-open, probing backend")
		return b.generation, nil

	case StateHalfOpen:
		if b.probes >= b.config.HalfOpenMaxCalls {
			return 0, b.openError(ErrTooManyCallsInHalfOpen)
		}
		b.probes++
		return b.generation, nil

	default:
		return 0, fmt.Errorf("unknown circuit breaker state: %v", b.state)
	}
}

func (b *breaker) openError(cause error) error {
	return types.NewCircuitOpenError(b.config.Name).WithCause(cause)
}

// afterCall 调用后处理
func (b *breaker) afterCall(gen uint64, result outcome) {
	b.mu.Lock()
	defer b.unlock()

	if gen != b.generation {
		// 调用开始后状态已切换，结果不再代表当前周期
		return
	}
	switch result {
	case outcomeSuccess:
		b.onSuccess()
	case outcomeFailure:
		b.onFailure()
	case outcomeIgnored:
		// 释放探测名额，状态与连续失败数不变
		if b.state == StateHalfOpen && b.probes > 0 {
			b.probes--
		}
	}
}

// onSuccess 处理成功调用
func (b *breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		b.logger.Info("circuit breaker closed after successful probe",
			zap.Int("probes", b.probes),
		)
		b.setState(StateClosed)
		b.failureCount = 0
		b.probes = 0
	}
}

// onFailure 处理失败调用
func (b *breaker) onFailure() {
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.config.Threshold {
			b.logger.Warn("circuit breaker opened",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.Threshold),
			)
			b.openedAt = b.config.Now()
			b.setState(StateOpen)
		}

	case StateHalfOpen:
		b.logger.Warn("probe failed, circuit breaker re-opened",
			zap.Int("probes", b.probes),
		)
		b.openedAt = b.config.Now()
		b.setState(StateOpen)
		b.probes = 0
	}
}

// setState 设置状态并触发回调
func (b *breaker) setState(newState State) {
	oldState := b.state
	if oldState == newState {
		return
	}
	b.state = newState
	b.generation++

	if b.config.OnStateChange != nil {
		b.pending = append(b.pending, transition{from: oldState, to: newState})
	}
}

// unlock 释放 mu，随后依次回调本次持锁期间发生的状态变更。
// notifyMu 在释放 mu 之前获取，回调顺序与状态变更顺序一致。
func (b *breaker) unlock() {
	pending := b.pending
	b.pending = nil
	if len(pending) == 0 {
		b.mu.Unlock()
		return
	}
	b.notifyMu.Lock()
	b.mu.Unlock()
	defer b.notifyMu.Unlock()
	for _, t := range pending {
		b.config.OnStateChange(t.from, t.to)
	}
}

// State 实现 CircuitBreaker.State
func (b *breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot 实现 CircuitBreaker.Snapshot
func (b *breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:        b.state,
		FailureCount: b.failureCount,
		OpenedAt:     b.openedAt,
		Probes:       b.probes,
	}
}

// Reset 实现 CircuitBreaker.Reset
func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.unlock()

	oldState := b.state
	b.setState(StateClosed)
	b.failureCount = 0
	b.probes = 0

	b.logger.Info("circuit breaker reset",
		zap.String("from_state", oldState.String()),
	)
}
