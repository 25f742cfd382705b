package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/agentmem/storage"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 agentmem 的完整配置结构
type Config struct {
	// Storage 持久化后端
	Storage StorageConfig `yaml:"storage" env:"STORAGE"`

	// Cache 缓存层
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Resilience 熔断与重试
	Resilience ResilienceConfig `yaml:"resilience" env:"RESILIENCE"`

	// Memory 分层记忆
	Memory MemoryConfig `yaml:"memory" env:"MEMORY"`

	// Ranking 相似度排序与 ANN 后端
	Ranking RankingConfig `yaml:"ranking" env:"RANKING"`

	// Service 服务层限制与后台任务
	Service ServiceConfig `yaml:"service" env:"SERVICE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics Prometheus 指标
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// StorageConfig 存储后端配置
type StorageConfig struct {
	// 后端: memory, document, relational
	Backend string `yaml:"backend" env:"BACKEND"`
	// 分块删除的单批条数
	DeleteBatchSize int `yaml:"delete_batch_size" env:"DELETE_BATCH_SIZE"`
	// 删除分块的速率上限，0 表示不限速
	DeleteChunksPerSecond float64 `yaml:"delete_chunks_per_second" env:"DELETE_CHUNKS_PER_SECOND"`
	// 关系型数据库
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
	// MongoDB
	Mongo MongoConfig `yaml:"mongo" env:"MONGO"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 完整连接串，非空时忽略下面的分项
	DSN string `yaml:"dsn" env:"DSN"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名，sqlite 时为文件路径
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 连接最大空闲时间
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
	// 连接池健康检查间隔
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
	// 启动时用 GORM 建表，生产环境用 migrate 命令
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// MongoConfig MongoDB 配置
type MongoConfig struct {
	URI              string `yaml:"uri" env:"URI"`
	Database         string `yaml:"database" env:"DATABASE"`
	ItemCollection   string `yaml:"item_collection" env:"ITEM_COLLECTION"`
	RecordCollection string `yaml:"record_collection" env:"RECORD_COLLECTION"`

	// 长期记忆使用独立集合，与中期记忆互不覆盖
	LongTermCollection string        `yaml:"long_term_collection" env:"LONG_TERM_COLLECTION"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	EnsureIndexes      bool          `yaml:"ensure_indexes" env:"ENSURE_INDEXES"`
	TLS                TLSConfig     `yaml:"tls" env:"TLS"`
}

// CacheConfig 缓存层配置
type CacheConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 后端: redis, local
	Backend string `yaml:"backend" env:"BACKEND"`
	// 键前缀
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// 条目与查询结果的缓存时间
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// Redis 不可达时退回进程内缓存
	FallbackToLocal bool `yaml:"fallback_to_local" env:"FALLBACK_TO_LOCAL"`
	// 进程内缓存的过期清理间隔
	LocalCleanupInterval time.Duration `yaml:"local_cleanup_interval" env:"LOCAL_CLEANUP_INTERVAL"`
	// Redis
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 客户端重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 连接超时
	DialTimeout time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	// 健康检查间隔
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
	// TLS
	TLS TLSConfig `yaml:"tls" env:"TLS"`
}

// TLSConfig 后端连接的客户端 TLS
type TLSConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 自定义 CA 证书（PEM）
	CAFile string `yaml:"ca_file" env:"CA_FILE"`
	// 覆盖证书校验的主机名
	ServerName string `yaml:"server_name" env:"SERVER_NAME"`
	// 跳过证书校验，仅用于测试环境
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// ResilienceConfig 熔断与重试配置，作用于每个存储代理
type ResilienceConfig struct {
	// 连续失败多少次后熔断
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	// 熔断后多久进入半开
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
	// 半开状态放行的探测数
	HalfOpenProbeLimit int `yaml:"half_open_probe_limit" env:"HALF_OPEN_PROBE_LIMIT"`
	// 单次后端调用超时，0 表示只受调用方 context 约束
	CallTimeout time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
	// 最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 初始退避
	BaseDelay time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	// 最大退避
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// 退避因子
	BackoffFactor float64 `yaml:"backoff_factor" env:"BACKOFF_FACTOR"`
	// 是否抖动
	Jitter bool `yaml:"jitter" env:"JITTER"`
}

// MemoryConfig 分层记忆配置
type MemoryConfig struct {
	// 短期记忆容量
	ShortTermMaxItems int `yaml:"short_term_max_items" env:"SHORT_TERM_MAX_ITEMS"`
	// 是否启用中期记忆
	EnableMediumTerm bool `yaml:"enable_medium_term" env:"ENABLE_MEDIUM_TERM"`
	// 是否启用长期记忆
	EnableLongTerm bool `yaml:"enable_long_term" env:"ENABLE_LONG_TERM"`
	// 文本长度超过该值时晋升长期记忆
	PromoteMinTextLen int `yaml:"promote_min_text_len" env:"PROMOTE_MIN_TEXT_LEN"`
	// confidence 超过该值时晋升
	PromoteConfidence float64 `yaml:"promote_confidence" env:"PROMOTE_CONFIDENCE"`
	// 这些 source 的条目总是晋升
	PromoteSources []string `yaml:"promote_sources" env:"PROMOTE_SOURCES"`
	// 语义检索扫描的长期候选上限
	SemanticCandidateLimit int `yaml:"semantic_candidate_limit" env:"SEMANTIC_CANDIDATE_LIMIT"`
}

// RankingConfig 排序配置
type RankingConfig struct {
	// ANN 后端: none, qdrant, chromem
	ANN string `yaml:"ann" env:"ANN"`
	// ANN 连续失败多少次后暂停委托
	ANNFailureThreshold int `yaml:"ann_failure_threshold" env:"ANN_FAILURE_THRESHOLD"`
	// 暂停委托后多久重试
	ANNRetryAfter time.Duration `yaml:"ann_retry_after" env:"ANN_RETRY_AFTER"`
	// Qdrant
	Qdrant QdrantConfig `yaml:"qdrant" env:"QDRANT"`
	// chromem
	Chromem ChromemConfig `yaml:"chromem" env:"CHROMEM"`
}

// QdrantConfig Qdrant 向量存储配置
type QdrantConfig struct {
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// REST 端口
	Port int `yaml:"port" env:"PORT"`
	// 完整地址，非空时忽略 Host/Port
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// API Key（可选）
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 集合名
	Collection string `yaml:"collection" env:"COLLECTION"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 集合不存在时自动创建
	AutoCreateCollection bool `yaml:"auto_create_collection" env:"AUTO_CREATE_COLLECTION"`
	// TLS
	TLS TLSConfig `yaml:"tls" env:"TLS"`
}

// ChromemConfig 嵌入式向量库配置
type ChromemConfig struct {
	// 持久化目录，空表示纯内存
	PersistDir string `yaml:"persist_dir" env:"PERSIST_DIR"`
	// 候选过滤前多取的倍数
	Oversample int `yaml:"oversample" env:"OVERSAMPLE"`
}

// ServiceConfig 服务层配置
type ServiceConfig struct {
	// 向量维度
	EmbeddingDimension int `yaml:"embedding_dimension" env:"EMBEDDING_DIMENSION"`
	// 历史与检索的条数上限
	MaxHistoryLimit int `yaml:"max_history_limit" env:"MAX_HISTORY_LIMIT"`
	// 重复判定的时间窗口
	DuplicateWindow time.Duration `yaml:"duplicate_window" env:"DUPLICATE_WINDOW"`
	// 写入前去重
	DedupeOnAdd bool `yaml:"dedupe_on_add" env:"DEDUPE_ON_ADD"`
	// 后台过期清理间隔，0 表示不启动
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	// 单个组件健康检查的超时
	HealthTimeout time.Duration `yaml:"health_timeout" env:"HEALTH_TIMEOUT"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// OTLP gRPC 连接的 TLS，未启用时使用明文
	TLS TLSConfig `yaml:"tls" env:"TLS"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// serve 模式下 /metrics 的监听地址
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
}

// =============================================================================
// 🔍 校验
// =============================================================================

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	backend, err := storage.ParseBackendType(c.Storage.Backend)
	if err != nil {
		errs = append(errs, err.Error())
	}
	if c.Storage.DeleteBatchSize <= 0 {
		errs = append(errs, "storage.delete_batch_size must be positive")
	}
	if c.Storage.DeleteChunksPerSecond < 0 {
		errs = append(errs, "storage.delete_chunks_per_second must not be negative")
	}
	switch backend {
	case storage.BackendRelational:
		switch strings.ToLower(c.Storage.Database.Driver) {
		case "postgres", "postgresql", "pg", "mysql", "mariadb", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Sprintf("unsupported database driver: %q", c.Storage.Database.Driver))
		}
		if c.Storage.Database.DSN == "" && c.Storage.Database.Name == "" {
			errs = append(errs, "storage.database.name or dsn is required")
		}
	case storage.BackendDocument:
		if c.Storage.Mongo.URI == "" {
			errs = append(errs, "storage.mongo.uri is required")
		}
		if c.Storage.Mongo.LongTermCollection != "" && c.Storage.Mongo.LongTermCollection == c.Storage.Mongo.ItemCollection {
			errs = append(errs, "storage.mongo.long_term_collection must differ from item_collection")
		}
	}

	if c.Cache.Enabled {
		switch c.Cache.Backend {
		case "redis":
			if c.Cache.Redis.Addr == "" {
				errs = append(errs, "cache.redis.addr is required")
			}
		case "local":
		default:
			errs = append(errs, fmt.Sprintf("unsupported cache backend: %q", c.Cache.Backend))
		}
		if c.Cache.TTL <= 0 {
			errs = append(errs, "cache.ttl must be positive")
		}
	}

	r := c.Resilience
	if r.FailureThreshold <= 0 {
		errs = append(errs, "resilience.failure_threshold must be positive")
	}
	if r.RecoveryTimeout <= 0 {
		errs = append(errs, "resilience.recovery_timeout must be positive")
	}
	if r.HalfOpenProbeLimit <= 0 {
		errs = append(errs, "resilience.half_open_probe_limit must be positive")
	}
	if r.MaxRetries < 0 {
		errs = append(errs, "resilience.max_retries must not be negative")
	}
	if r.BaseDelay <= 0 || r.MaxDelay < r.BaseDelay {
		errs = append(errs, "resilience delays must satisfy 0 < base_delay <= max_delay")
	}
	if r.BackoffFactor < 1 {
		errs = append(errs, "resilience.backoff_factor must be >= 1")
	}

	m := c.Memory
	if m.ShortTermMaxItems <= 0 {
		errs = append(errs, "memory.short_term_max_items must be positive")
	}
	if m.PromoteConfidence < 0 || m.PromoteConfidence > 1 {
		errs = append(errs, "memory.promote_confidence must be between 0 and 1")
	}
	if m.PromoteMinTextLen < 0 {
		errs = append(errs, "memory.promote_min_text_len must not be negative")
	}
	if m.SemanticCandidateLimit <= 0 {
		errs = append(errs, "memory.semantic_candidate_limit must be positive")
	}

	switch c.Ranking.ANN {
	case "", "none", "chromem":
	case "qdrant":
		if c.Ranking.Qdrant.Collection == "" {
			errs = append(errs, "ranking.qdrant.collection is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported ann backend: %q", c.Ranking.ANN))
	}

	s := c.Service
	if s.EmbeddingDimension <= 0 {
		errs = append(errs, "service.embedding_dimension must be positive")
	}
	if s.MaxHistoryLimit <= 0 {
		errs = append(errs, "service.max_history_limit must be positive")
	}
	if s.DuplicateWindow < 0 || s.CleanupInterval < 0 {
		errs = append(errs, "service durations must not be negative")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log level: %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("invalid log format: %q", c.Log.Format))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DurableTierEnabled 是否至少启用了一个持久层
func (c *Config) DurableTierEnabled() bool {
	return c.Memory.EnableMediumTerm || c.Memory.EnableLongTerm
}
