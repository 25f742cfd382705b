// =============================================================================
// 📦 agentmem 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Storage:    DefaultStorageConfig(),
		Cache:      DefaultCacheConfig(),
		Resilience: DefaultResilienceConfig(),
		Memory:     DefaultMemoryConfig(),
		Ranking:    DefaultRankingConfig(),
		Service:    DefaultServiceConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
		Metrics:    DefaultMetricsConfig(),
	}
}

// DefaultStorageConfig 返回默认存储配置，默认使用进程内后端
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Backend:         "memory",
		DeleteBatchSize: 500,
		Database:        DefaultDatabaseConfig(),
		Mongo:           DefaultMongoConfig(),
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:              "postgres",
		Host:                "localhost",
		Port:                5432,
		User:                "agentmem",
		Name:                "agentmem",
		SSLMode:             "disable",
		MaxOpenConns:        25,
		MaxIdleConns:        5,
		ConnMaxLifetime:     5 * time.Minute,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultMongoConfig 返回默认 MongoDB 配置
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:                "mongodb://localhost:27017",
		Database:           "agentmem",
		ItemCollection:     "memory_items",
		RecordCollection:   "agent_records",
		LongTermCollection: "long_term_items",
		ConnectTimeout:     10 * time.Second,
		EnsureIndexes:      true,
	}
}

// DefaultCacheConfig 返回默认缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:              true,
		Backend:              "local",
		Namespace:            "agentmem",
		TTL:                  3600 * time.Second,
		FallbackToLocal:      true,
		LocalCleanupInterval: time.Minute,
		Redis: RedisConfig{
			Addr:                "localhost:6379",
			DB:                  0,
			PoolSize:            10,
			MinIdleConns:        2,
			MaxRetries:          3,
			DialTimeout:         5 * time.Second,
			HealthCheckInterval: 30 * time.Second,
		},
	}
}

// DefaultResilienceConfig 返回默认熔断与重试配置
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		FailureThreshold:   5,
		RecoveryTimeout:    30 * time.Second,
		HalfOpenProbeLimit: 2,
		MaxRetries:         3,
		BaseDelay:          100 * time.Millisecond,
		MaxDelay:           5 * time.Second,
		BackoffFactor:      2,
	}
}

// DefaultMemoryConfig 返回默认分层记忆配置
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		ShortTermMaxItems:      1000,
		EnableMediumTerm:       true,
		EnableLongTerm:         true,
		PromoteMinTextLen:      100,
		PromoteConfidence:      0.7,
		PromoteSources:         []string{"user"},
		SemanticCandidateLimit: 500,
	}
}

// DefaultRankingConfig 返回默认排序配置，不使用 ANN
func DefaultRankingConfig() RankingConfig {
	return RankingConfig{
		ANN:                 "none",
		ANNFailureThreshold: 3,
		ANNRetryAfter:       30 * time.Second,
		Qdrant: QdrantConfig{
			Host:                 "localhost",
			Port:                 6333,
			Collection:           "agentmem_long_term",
			Timeout:              10 * time.Second,
			AutoCreateCollection: true,
		},
		Chromem: ChromemConfig{
			Oversample: 4,
		},
	}
}

// DefaultServiceConfig 返回默认服务配置
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		EmbeddingDimension: 1536,
		MaxHistoryLimit:    100,
		DuplicateWindow:    5 * time.Minute,
		CleanupInterval:    10 * time.Minute,
		HealthTimeout:      5 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentmem",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:    true,
		Namespace:  "agentmem",
		ListenAddr: ":9091",
	}
}
