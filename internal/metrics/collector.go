package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// 存储与服务调用的延迟分布，单位秒
var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10}

// Collector 指标收集器。所有方法对 nil 接收者安全，未注入时即为 no-op。
type Collector struct {
	// 存储指标
	storageOpsTotal   *prometheus.CounterVec
	storageOpDuration *prometheus.HistogramVec
	storageRetries    *prometheus.CounterVec

	// 熔断指标
	circuitState       *prometheus.GaugeVec
	circuitTransitions *prometheus.CounterVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheErrors *prometheus.CounterVec

	// 排序指标
	rankerRequests  *prometheus.CounterVec
	rankerFallbacks *prometheus.CounterVec

	// 分层指标
	tierWrites     *prometheus.CounterVec
	promotions     prometheus.Counter
	cleanupDeleted *prometheus.CounterVec

	// 服务指标
	serviceOpsTotal   *prometheus.CounterVec
	serviceOpDuration *prometheus.HistogramVec
	healthStatus      *prometheus.GaugeVec

	// 数据库连接池指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，reg 为空时注册到默认 Registry
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: name, Help: help, Buckets: latencyBuckets,
		}, labels)
	}

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),

		storageOpsTotal: counter("storage_operations_total",
			"Total number of storage operations", "backend", "operation", "status"),
		storageOpDuration: histogram("storage_operation_duration_seconds",
			"Storage operation duration in seconds, including retries", "backend", "operation"),
		storageRetries: counter("storage_retries_total",
			"Total number of storage call retries", "backend", "operation"),

		circuitState: gauge("circuit_state",
			"Circuit breaker state (0=closed, 1=open, 2=half_open)", "backend"),
		circuitTransitions: counter("circuit_transitions_total",
			"Total number of circuit breaker state transitions", "backend", "from_state", "to_state"),

		cacheHits:   counter("cache_hits_total", "Total number of cache hits", "cache_type", "operation"),
		cacheMisses: counter("cache_misses_total", "Total number of cache misses", "cache_type", "operation"),
		cacheErrors: counter("cache_errors_total",
			"Total number of absorbed cache backend errors", "cache_type", "operation"),

		rankerRequests: counter("ranker_requests_total", "Total number of ranking requests by scorer", "scorer"),
		rankerFallbacks: counter("ranker_fallbacks_total",
			"Total number of ANN failures answered by the exact scorer", "ann_backend"),

		tierWrites: counter("tier_writes_total", "Total number of tier writes", "tier", "status"),
		promotions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "long_term_promotions_total",
			Help:      "Total number of items promoted to the long-term tier",
		}),
		cleanupDeleted: counter("cleanup_deleted_total",
			"Total number of expired items removed by cleanup", "tier"),

		serviceOpsTotal: counter("service_operations_total",
			"Total number of memory service operations", "operation", "status"),
		serviceOpDuration: histogram("service_operation_duration_seconds",
			"Memory service operation duration in seconds", "operation"),
		healthStatus: gauge("component_health",
			"Component health from the last check (0=healthy, 1=degraded, 2=unhealthy)", "component"),

		dbConnectionsOpen: gauge("db_connections_open", "Number of open database connections", "database"),
		dbConnectionsIdle: gauge("db_connections_idle", "Number of idle database connections", "database"),
	}

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🗄️ 存储指标记录
// =============================================================================

// RecordStorageOp 记录一次存储操作（含重试的总耗时）
func (c *Collector) RecordStorageOp(backend, operation string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	c.storageOpsTotal.WithLabelValues(backend, operation, status(err)).Inc()
	c.storageOpDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordRetry 记录一次重试
func (c *Collector) RecordRetry(backend, operation string) {
	if c == nil {
		return
	}
	c.storageRetries.WithLabelValues(backend, operation).Inc()
}

// RecordCircuitTransition 记录熔断状态切换并更新当前状态
func (c *Collector) RecordCircuitTransition(backend, from, to string, toValue int) {
	if c == nil {
		return
	}
	c.circuitTransitions.WithLabelValues(backend, from, to).Inc()
	c.circuitState.WithLabelValues(backend).Set(float64(toValue))
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType, operation string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cacheType, operation).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType, operation string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cacheType, operation).Inc()
}

// RecordCacheError 记录被吸收的缓存错误
func (c *Collector) RecordCacheError(cacheType, operation string) {
	if c == nil {
		return
	}
	c.cacheErrors.WithLabelValues(cacheType, operation).Inc()
}

// =============================================================================
// 🔍 排序与分层指标记录
// =============================================================================

// RecordRank 记录一次排序所用的打分器
func (c *Collector) RecordRank(scorer string) {
	if c == nil {
		return
	}
	c.rankerRequests.WithLabelValues(scorer).Inc()
}

// RecordRankerFallback 记录 ANN 失败后回退到精确打分
func (c *Collector) RecordRankerFallback(annBackend string) {
	if c == nil {
		return
	}
	c.rankerFallbacks.WithLabelValues(annBackend).Inc()
}

// RecordTierWrite 记录分层写入
func (c *Collector) RecordTierWrite(tier string, err error) {
	if c == nil {
		return
	}
	c.tierWrites.WithLabelValues(tier, status(err)).Inc()
}

// RecordPromotion 记录长期记忆晋升
func (c *Collector) RecordPromotion() {
	if c == nil {
		return
	}
	c.promotions.Inc()
}

// RecordCleanup 记录过期清理数量
func (c *Collector) RecordCleanup(tier string, deleted int64) {
	if c == nil || deleted <= 0 {
		return
	}
	c.cleanupDeleted.WithLabelValues(tier).Add(float64(deleted))
}

// =============================================================================
// 🧩 服务指标记录
// =============================================================================

// RecordServiceOp 记录一次服务操作
func (c *Collector) RecordServiceOp(operation string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	c.serviceOpsTotal.WithLabelValues(operation, status(err)).Inc()
	c.serviceOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHealth 记录组件健康状态
func (c *Collector) RecordHealth(component string, value int) {
	if c == nil {
		return
	}
	c.healthStatus.WithLabelValues(component).Set(float64(value))
}

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func status(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}
