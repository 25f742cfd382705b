package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmem/cache"
	"github.com/BaSui01/agentmem/config"
	"github.com/BaSui01/agentmem/internal/metrics"
	"github.com/BaSui01/agentmem/memory"
	"github.com/BaSui01/agentmem/ranking"
	"github.com/BaSui01/agentmem/storage"
	"github.com/BaSui01/agentmem/types"
)

const instrumentationName = "github.com/BaSui01/agentmem/service"

type lifecycle int32

const (
	stateNew lifecycle = iota
	stateReady
	stateClosed
)

// =============================================================================
// 🔧 选项
// =============================================================================

// Option 服务选项
type Option func(*MemoryService)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(s *MemoryService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics 设置指标收集器
func WithMetrics(collector *metrics.Collector) Option {
	return func(s *MemoryService) { s.metrics = collector }
}

// WithTracerProvider 设置 TracerProvider，默认 noop
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *MemoryService) {
		if tp != nil {
			s.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithMeterProvider 通过 OTel 导出操作耗时，默认 noop
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *MemoryService) {
		if mp != nil {
			s.meter = mp.Meter(instrumentationName)
		}
	}
}

// WithClock 设置时钟，影响 ID 之外的所有时间判断
func WithClock(now func() time.Time) Option {
	return func(s *MemoryService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAdapters 用给定的适配器替代按配置创建的后端，弹性代理与缓存层照常叠加。
// 对应层级在配置中关闭时忽略。
func WithAdapters(medium, long storage.Store) Option {
	return func(s *MemoryService) {
		s.adapters = &adapterSet{medium: medium, long: long, name: "injected"}
	}
}

// WithCacheKV 用给定的缓存后端替代按配置创建的后端
func WithCacheKV(kv cache.KV) Option {
	return func(s *MemoryService) { s.kv = kv }
}

// WithANN 用给定的 ANN 后端替代按配置创建的后端
func WithANN(ann ranking.ANN) Option {
	return func(s *MemoryService) { s.ann = ann }
}

// =============================================================================
// 🧠 MemoryService
// =============================================================================

// MemoryService 记忆核心门面，并发安全
type MemoryService struct {
	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
	meter   metric.Meter
	opTime  metric.Float64Histogram
	now     func() time.Time

	// 注入的依赖，Initialize 时优先于配置
	adapters *adapterSet
	kv       cache.KV
	ann      ranking.ANN

	mu     sync.RWMutex
	state  lifecycle
	cfg    config.Config
	chains *chains
	tiers  *memory.TieredManager

	cleanupCancel context.CancelFunc
	cleanupDone   chan struct{}

	errorCount atomic.Int64
	errMu      sync.Mutex
	lastError  string
}

// New 创建未初始化的服务
func New(opts ...Option) *MemoryService {
	s := &MemoryService{
		logger: zap.NewNop(),
		tracer: noop.NewTracerProvider().Tracer(instrumentationName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "memory_service"))
	if s.meter == nil {
		s.meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	hist, err := s.meter.Float64Histogram("agentmem.operation.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of memory service operations"))
	if err != nil {
		s.logger.Warn("otel histogram unavailable", zap.Error(err))
		hist, _ = metricnoop.NewMeterProvider().Meter(instrumentationName).Float64Histogram("agentmem.operation.duration")
	}
	s.opTime = hist
	return s
}

// Initialize 校验配置、组装各层级并启动后台清理。只能成功调用一次。
func (s *MemoryService) Initialize(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return types.NewValidationError("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return types.NewValidationError("invalid config").WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateReady:
		return types.NewValidationError("memory service is already initialized")
	case stateClosed:
		return types.NewDependencyError("memory service (closed)")
	}

	c, err := s.build(ctx, cfg)
	if err != nil {
		return err
	}

	s.cfg = *cfg
	s.chains = c
	s.tiers = memory.NewTieredManager(memory.Config{
		ShortTermMaxItems: cfg.Memory.ShortTermMaxItems,
		Promotion: memory.PromotionPolicy{
			MinTextLen:          cfg.Memory.PromoteMinTextLen,
			ConfidenceThreshold: cfg.Memory.PromoteConfidence,
			Sources:             cfg.Memory.PromoteSources,
		},
		SemanticCandidateLimit: cfg.Memory.SemanticCandidateLimit,
		Now:                    s.now,
	}, memory.Tiers{
		Medium: c.medium,
		Long:   c.long,
		Ranker: c.ranker,
	}, s.metrics, s.logger)

	if interval := cfg.Service.CleanupInterval; interval > 0 {
		loopCtx, cancel := context.WithCancel(context.Background())
		s.cleanupCancel = cancel
		s.cleanupDone = make(chan struct{})
		go s.cleanupLoop(loopCtx, interval, s.cleanupDone)
	}

	s.state = stateReady
	s.logger.Info("memory service initialized",
		zap.String("backend", c.backend),
		zap.Bool("medium_term", c.medium != nil),
		zap.Bool("long_term", c.long != nil),
		zap.Bool("cache", c.cache != nil),
		zap.Bool("ann", c.ranker.ANN() != nil),
		zap.Duration("cleanup_interval", cfg.Service.CleanupInterval),
	)
	return nil
}

// Close 停止后台清理并关闭所有层级，可重复调用
func (s *MemoryService) Close() error {
	s.mu.Lock()
	if s.state != stateReady {
		s.state = stateClosed
		s.mu.Unlock()
		return nil
	}
	s.state = stateClosed
	cancel, done, tiers := s.cleanupCancel, s.cleanupDone, s.tiers
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	err := tiers.Close()
	if err != nil {
		s.logger.Warn("memory service closed with errors", zap.Error(err))
		return err
	}
	s.logger.Info("memory service closed")
	return nil
}

// cleanupLoop 定期删除过期条目，直到 ctx 取消
func (s *MemoryService) cleanupLoop(ctx context.Context, interval time.Duration, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("background cleanup failed", zap.Error(err))
			}
		}
	}
}

// =============================================================================
// 🔍 调用包装
// =============================================================================

// run 在读锁内执行 fn，统一处理 span、指标与错误计数。
// 持有读锁使 Close 等待进行中的调用结束。
func (s *MemoryService) run(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context, tiers *memory.TieredManager) error) error {
	ctx, span := s.tracer.Start(ctx, "memory."+op, trace.WithAttributes(attrs...))
	defer span.End()
	start := time.Now()

	err := func() error {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.state != stateReady {
			return s.notReady()
		}
		return fn(ctx, s.tiers)
	}()

	elapsed := time.Since(start)
	s.metrics.RecordServiceOp(op, err, elapsed)
	opAttrs := []attribute.KeyValue{attribute.String("operation", op)}
	if err != nil {
		opAttrs = append(opAttrs, attribute.String("error.type", string(types.GetErrorCode(err))))
	}
	s.opTime.Record(ctx, elapsed.Seconds(), metric.WithAttributes(opAttrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(types.GetErrorCode(err)))
		s.recordError(op, err)
	}
	return err
}

func (s *MemoryService) notReady() error {
	if s.state == stateClosed {
		return types.NewDependencyError("memory service (closed)")
	}
	return types.NewDependencyError("memory service (not initialized)")
}

// recordError 校验与不存在属于调用方问题，不计入错误计数
func (s *MemoryService) recordError(op string, err error) {
	if types.IsClientError(err) {
		s.logger.Debug("operation rejected", zap.String("operation", op), zap.Error(err))
		return
	}
	s.errorCount.Add(1)
	s.errMu.Lock()
	s.lastError = op + ": " + err.Error()
	s.errMu.Unlock()
	s.logger.Warn("operation failed", zap.String("operation", op), zap.Error(err))
}

// ErrorCount 自启动以来的失败操作数
func (s *MemoryService) ErrorCount() int64 {
	return s.errorCount.Load()
}

// LastError 最近一次失败的描述
func (s *MemoryService) LastError() string {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastError
}

// Config 返回初始化时使用的配置副本
func (s *MemoryService) Config() config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}
