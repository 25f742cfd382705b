package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentmem.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// --- Loader 测试 ---

func TestLoader_DefaultsOnly(t *testing.T) {
	cfg, err := NewLoader().WithEnv(nil).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: relational
  delete_batch_size: 200
  database:
    driver: sqlite
    name: /tmp/agentmem.db
    auto_migrate: true
cache:
  backend: redis
  ttl: 10m
  redis:
    addr: "redis.example.com:6379"
    db: 1
resilience:
  failure_threshold: 3
  recovery_timeout: 1m
memory:
  short_term_max_items: 50
  promote_sources: [user, import]
ranking:
  ann: chromem
service:
  embedding_dimension: 8
  dedupe_on_add: true
log:
  level: debug
  format: console
`)

	cfg, err := NewLoader().WithConfigPath(path).WithEnv(nil).Load()
	require.NoError(t, err)

	assert.Equal(t, "relational", cfg.Storage.Backend)
	assert.Equal(t, 200, cfg.Storage.DeleteBatchSize)
	assert.Equal(t, "sqlite", cfg.Storage.Database.Driver)
	assert.True(t, cfg.Storage.Database.AutoMigrate)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "redis.example.com:6379", cfg.Cache.Redis.Addr)
	assert.Equal(t, 1, cfg.Cache.Redis.DB)
	assert.Equal(t, 3, cfg.Resilience.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Resilience.RecoveryTimeout)
	assert.Equal(t, 50, cfg.Memory.ShortTermMaxItems)
	assert.Equal(t, []string{"user", "import"}, cfg.Memory.PromoteSources)
	assert.Equal(t, "chromem", cfg.Ranking.ANN)
	assert.Equal(t, 8, cfg.Service.EmbeddingDimension)
	assert.True(t, cfg.Service.DedupeOnAdd)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 未出现在文件中的字段保留默认值
	assert.Equal(t, 2, cfg.Resilience.HalfOpenProbeLimit)
	assert.Equal(t, 100, cfg.Service.MaxHistoryLimit)
}

func TestLoader_PromotionDefaultsPerField(t *testing.T) {
	path := writeConfig(t, `
memory:
  promote_min_text_len: 0
  promote_sources: []
`)
	cfg, err := NewLoader().WithConfigPath(path).WithEnv(nil).Load()
	require.NoError(t, err)
	assert.Zero(t, cfg.Memory.PromoteMinTextLen, "explicit zero is kept")
	assert.Empty(t, cfg.Memory.PromoteSources)
	assert.Equal(t, 0.7, cfg.Memory.PromoteConfidence, "unset fields keep their default")
}

func TestLoader_LoadFromEnv(t *testing.T) {
	cfg, err := NewLoader().WithEnv(map[string]string{
		"AGENTMEM_STORAGE_BACKEND":                  "mongo",
		"AGENTMEM_STORAGE_MONGO_URI":                "mongodb://db:27017",
		"AGENTMEM_RESILIENCE_MAX_RETRIES":           "5",
		"AGENTMEM_RESILIENCE_BASE_DELAY":            "250ms",
		"AGENTMEM_RESILIENCE_BACKOFF_FACTOR":        "1.5",
		"AGENTMEM_MEMORY_ENABLE_LONG_TERM":          "false",
		"AGENTMEM_MEMORY_PROMOTE_SOURCES":           "user, tool",
		"AGENTMEM_SERVICE_EMBEDDING_DIMENSION":      "384",
		"AGENTMEM_CACHE_REDIS_HEALTH_CHECK_INTERVAL": "0s",
		"AGENTMEM_LOG_LEVEL":                        "warn",
	}).Load()
	require.NoError(t, err)

	assert.Equal(t, "mongo", cfg.Storage.Backend)
	assert.Equal(t, "mongodb://db:27017", cfg.Storage.Mongo.URI)
	assert.Equal(t, 5, cfg.Resilience.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Resilience.BaseDelay)
	assert.InDelta(t, 1.5, cfg.Resilience.BackoffFactor, 0.001)
	assert.False(t, cfg.Memory.EnableLongTerm)
	assert.Equal(t, []string{"user", "tool"}, cfg.Memory.PromoteSources)
	assert.Equal(t, 384, cfg.Service.EmbeddingDimension)
	assert.Zero(t, cfg.Cache.Redis.HealthCheckInterval)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
service:
  max_history_limit: 40
  embedding_dimension: 16
`)

	cfg, err := NewLoader().
		WithConfigPath(path).
		WithEnv(map[string]string{"AGENTMEM_SERVICE_MAX_HISTORY_LIMIT": "60"}).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 60, cfg.Service.MaxHistoryLimit)
	assert.Equal(t, 16, cfg.Service.EmbeddingDimension)
}

func TestLoader_ProcessEnvironment(t *testing.T) {
	t.Setenv("AGENTMEM_CACHE_NAMESPACE", "from-process")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, "from-process", cfg.Cache.Namespace)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	cfg, err := NewLoader().
		WithEnvPrefix("MYAPP").
		WithEnv(map[string]string{
			"MYAPP_CACHE_NAMESPACE":    "custom",
			"AGENTMEM_CACHE_NAMESPACE": "ignored",
		}).
		Load()
	require.NoError(t, err)
	assert.Equal(t, "custom", cfg.Cache.Namespace)
}

func TestLoader_BadEnvValue(t *testing.T) {
	_, err := NewLoader().WithEnv(map[string]string{
		"AGENTMEM_RESILIENCE_RECOVERY_TIMEOUT": "soon",
	}).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENTMEM_RESILIENCE_RECOVERY_TIMEOUT")
}

func TestLoader_ValidationRunsByDefault(t *testing.T) {
	_, err := NewLoader().WithEnv(map[string]string{
		"AGENTMEM_MEMORY_PROMOTE_CONFIDENCE": "1.5",
	}).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "promote_confidence")
}

func TestLoader_WithValidator(t *testing.T) {
	_, err := NewLoader().
		WithEnv(nil).
		WithValidator(func(cfg *Config) error {
			if cfg.Storage.Backend == "memory" {
				return assert.AnError
			}
			return nil
		}).
		Load()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath("/non/existent/path/agentmem.yaml").
		WithEnv(nil).
		Load()
	require.NoError(t, err)
	assert.Equal(t, 1536, cfg.Service.EmbeddingDimension)
}

func TestLoader_EmptyFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(writeConfig(t, "")).WithEnv(nil).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
service:
  max_history_limit: [invalid
  this is not valid yaml
`)
	_, err := NewLoader().WithConfigPath(path).WithEnv(nil).Load()
	assert.Error(t, err)
}

func TestLoader_StrictFileRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
service:
  max_histroy_limit: 10
`)
	_, err := NewLoader().WithConfigPath(path).WithEnv(nil).Load()
	require.NoError(t, err)

	_, err = NewLoader().WithConfigPath(path).WithEnv(nil).WithStrictFile().Load()
	assert.Error(t, err)
}

func TestEnvKeys(t *testing.T) {
	keys := EnvKeys(DefaultEnvPrefix)
	assert.Contains(t, keys, "AGENTMEM_STORAGE_DATABASE_DSN")
	assert.Contains(t, keys, "AGENTMEM_RESILIENCE_FAILURE_THRESHOLD")
	assert.Contains(t, keys, "AGENTMEM_RANKING_QDRANT_COLLECTION")
	for _, k := range keys {
		assert.True(t, strings.HasPrefix(k, "AGENTMEM_"), k)
	}
}

// --- Config 方法测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid default config", modify: func(c *Config) {}},
		{
			name:    "unknown backend",
			modify:  func(c *Config) { c.Storage.Backend = "cassandra" },
			wantErr: "unsupported storage backend",
		},
		{
			name: "relational needs a known driver",
			modify: func(c *Config) {
				c.Storage.Backend = "relational"
				c.Storage.Database.Driver = "oracle"
			},
			wantErr: "unsupported database driver",
		},
		{
			name: "document long-term collection must differ",
			modify: func(c *Config) {
				c.Storage.Backend = "document"
				c.Storage.Mongo.LongTermCollection = c.Storage.Mongo.ItemCollection
			},
			wantErr: "long_term_collection",
		},
		{
			name:    "redis cache needs addr",
			modify:  func(c *Config) { c.Cache.Backend = "redis"; c.Cache.Redis.Addr = "" },
			wantErr: "cache.redis.addr",
		},
		{
			name:   "disabled cache is not checked",
			modify: func(c *Config) { c.Cache.Enabled = false; c.Cache.Backend = "memcached" },
		},
		{
			name:    "zero failure threshold",
			modify:  func(c *Config) { c.Resilience.FailureThreshold = 0 },
			wantErr: "failure_threshold",
		},
		{
			name:    "max delay below base delay",
			modify:  func(c *Config) { c.Resilience.MaxDelay = time.Millisecond },
			wantErr: "base_delay <= max_delay",
		},
		{
			name:    "backoff factor below one",
			modify:  func(c *Config) { c.Resilience.BackoffFactor = 0.5 },
			wantErr: "backoff_factor",
		},
		{
			name:    "unknown ann",
			modify:  func(c *Config) { c.Ranking.ANN = "faiss" },
			wantErr: "unsupported ann backend",
		},
		{
			name:    "zero embedding dimension",
			modify:  func(c *Config) { c.Service.EmbeddingDimension = 0 },
			wantErr: "embedding_dimension",
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: "invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Service.MaxHistoryLimit = 0
	cfg.Memory.ShortTermMaxItems = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_history_limit")
	assert.Contains(t, err.Error(), "short_term_max_items")
}

func TestLoader_AppliedEnv(t *testing.T) {
	l := NewLoader().WithEnv(map[string]string{
		"AGENTMEM_LOG_LEVEL":       "debug",
		"AGENTMEM_CACHE_NAMESPACE": "ns",
		"AGENTMEM_CACHE_TTL":       "",
		"UNRELATED":                "x",
	})
	_, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"AGENTMEM_CACHE_NAMESPACE", "AGENTMEM_LOG_LEVEL"}, l.AppliedEnv())
}

func TestParseInto_Rejects(t *testing.T) {
	var s struct {
		Small int8
		Ratio float64
	}
	v := reflect.ValueOf(&s).Elem()
	assert.Error(t, parseInto(v.Field(0), "300"), "overflows int8")
	assert.Error(t, parseInto(v.Field(1), "abc"))
	require.NoError(t, parseInto(v.Field(1), "0.25"))
	assert.InDelta(t, 0.25, s.Ratio, 1e-9)
}
