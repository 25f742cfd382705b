package service

import (
	"context"
	"crypto/tls"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmem/cache"
	"github.com/BaSui01/agentmem/circuitbreaker"
	"github.com/BaSui01/agentmem/config"
	"github.com/BaSui01/agentmem/internal/database"
	"github.com/BaSui01/agentmem/internal/migration"
	"github.com/BaSui01/agentmem/internal/tlsutil"
	"github.com/BaSui01/agentmem/ranking"
	"github.com/BaSui01/agentmem/retry"
	"github.com/BaSui01/agentmem/storage"
	"github.com/BaSui01/agentmem/storage/mongostore"
	"github.com/BaSui01/agentmem/storage/resilient"
	"github.com/BaSui01/agentmem/storage/sqlstore"
)

// =============================================================================
// 🔗 存储链组装
// =============================================================================

// adapterSet 中期与长期适配器，两者可共享同一个连接
type adapterSet struct {
	medium storage.Store
	long   storage.Store
	name   string
}

func (a *adapterSet) close() {
	if a.long != nil {
		_ = a.long.Close()
	}
	if a.medium != nil {
		_ = a.medium.Close()
	}
}

// chains 组装好的各层级
type chains struct {
	backend string

	// medium 中期链顶端，启用缓存时为 cache，否则为 mediumProxy
	medium      storage.Store
	mediumProxy *resilient.Proxy
	cache       *cache.Layer

	long      storage.Store
	longProxy *resilient.Proxy

	ranker *ranking.Ranker
}

// build 按配置组装：适配器 -> 弹性代理 -> 缓存层（仅中期），以及排序器
func (s *MemoryService) build(ctx context.Context, cfg *config.Config) (*chains, error) {
	adapters, err := s.openAdapters(ctx, cfg)
	if err != nil {
		return nil, err
	}

	c := &chains{backend: adapters.name}

	if adapters.medium != nil {
		c.mediumProxy = resilient.New(adapters.medium, proxyConfig("medium_term_"+adapters.name, cfg.Resilience), s.metrics, s.logger)
		c.medium = c.mediumProxy

		if cfg.Cache.Enabled {
			kv, err := s.openKV(cfg.Cache)
			if err != nil {
				adapters.close()
				return nil, err
			}
			c.cache = cache.NewLayer(c.mediumProxy, kv, cache.LayerConfig{
				Namespace: cfg.Cache.Namespace,
				TTL:       cfg.Cache.TTL,
				Now:       s.now,
			}, s.metrics, s.logger)
			c.medium = c.cache
		}
	}

	if adapters.long != nil {
		c.longProxy = resilient.New(adapters.long, proxyConfig("long_term_"+adapters.name, cfg.Resilience), s.metrics, s.logger)
		c.long = c.longProxy
	}

	var ann ranking.ANN
	if c.long != nil {
		ann, err = s.openANN(cfg)
		if err != nil {
			c.close()
			return nil, err
		}
	}
	c.ranker = ranking.New(ann, ranking.Config{
		ANNFailureThreshold: cfg.Ranking.ANNFailureThreshold,
		ANNRetryAfter:       cfg.Ranking.ANNRetryAfter,
		Now:                 s.now,
	}, s.metrics, s.logger)

	return c, nil
}

// close 关闭链顶端，由各装饰器向下传递
func (c *chains) close() {
	if c.long != nil {
		_ = c.long.Close()
	}
	if c.medium != nil {
		_ = c.medium.Close()
	}
}

// proxyConfig 把配置映射到熔断器与重试策略
func proxyConfig(name string, rc config.ResilienceConfig) resilient.Config {
	return resilient.Config{
		Name: name,
		CircuitBreaker: &circuitbreaker.Config{
			Threshold:        rc.FailureThreshold,
			ResetTimeout:     rc.RecoveryTimeout,
			HalfOpenMaxCalls: rc.HalfOpenProbeLimit,
			Timeout:          rc.CallTimeout,
		},
		RetryPolicy: &retry.RetryPolicy{
			MaxRetries:   rc.MaxRetries,
			InitialDelay: rc.BaseDelay,
			MaxDelay:     rc.MaxDelay,
			Multiplier:   rc.BackoffFactor,
			Jitter:       rc.Jitter,
		},
	}
}

// openAdapters 创建已启用层级的适配器。长期层级使用独立的表或集合，
// 与中期共享同一个连接池或客户端。
func (s *MemoryService) openAdapters(ctx context.Context, cfg *config.Config) (*adapterSet, error) {
	wantMedium, wantLong := cfg.Memory.EnableMediumTerm, cfg.Memory.EnableLongTerm

	if s.adapters != nil {
		set := &adapterSet{name: s.adapters.name}
		if wantMedium {
			set.medium = s.adapters.medium
		}
		if wantLong {
			set.long = s.adapters.long
		}
		return set, nil
	}
	if !wantMedium && !wantLong {
		return &adapterSet{name: string(storage.BackendMemory)}, nil
	}

	backend, err := storage.ParseBackendType(cfg.Storage.Backend)
	if err != nil {
		return nil, err
	}

	switch backend {
	case storage.BackendDocument:
		return s.openDocument(ctx, cfg, wantMedium, wantLong)
	case storage.BackendRelational:
		return s.openRelational(cfg, wantMedium, wantLong)
	default:
		set := &adapterSet{name: string(storage.BackendMemory)}
		storeCfg := storage.MemoryStoreConfig{DeleteBatchSize: cfg.Storage.DeleteBatchSize, Now: s.now}
		if wantMedium {
			set.medium = storage.NewMemoryStore(storeCfg, s.logger)
		}
		if wantLong {
			set.long = storage.NewMemoryStore(storeCfg, s.logger.With(zap.String("tier", "long_term")))
		}
		return set, nil
	}
}

func (s *MemoryService) openDocument(ctx context.Context, cfg *config.Config, wantMedium, wantLong bool) (*adapterSet, error) {
	mc := cfg.Storage.Mongo
	tlsCfg, err := buildTLS(mc.TLS)
	if err != nil {
		return nil, fmt.Errorf("mongo tls: %w", err)
	}
	base := mongostore.Config{
		URI:                   mc.URI,
		Database:              mc.Database,
		ItemCollection:        mc.ItemCollection,
		RecordCollection:      mc.RecordCollection,
		ConnectTimeout:        mc.ConnectTimeout,
		DeleteBatchSize:       cfg.Storage.DeleteBatchSize,
		DeleteChunksPerSecond: cfg.Storage.DeleteChunksPerSecond,
		EnsureIndexes:         mc.EnsureIndexes,
		TLSConfig:             tlsCfg,
		Now:                   s.now,
	}
	longCfg := base
	longCfg.ItemCollection = mc.LongTermCollection

	set := &adapterSet{name: string(storage.BackendDocument)}
	if !wantMedium {
		long, err := mongostore.New(ctx, longCfg, s.logger)
		if err != nil {
			return nil, err
		}
		set.long = long
		return set, nil
	}

	medium, err := mongostore.New(ctx, base, s.logger)
	if err != nil {
		return nil, err
	}
	set.medium = medium
	if wantLong {
		long, err := mongostore.NewWithClient(ctx, medium.Client(), longCfg, s.logger)
		if err != nil {
			_ = medium.Close()
			return nil, err
		}
		set.long = long
	}
	return set, nil
}

func (s *MemoryService) openRelational(cfg *config.Config, wantMedium, wantLong bool) (*adapterSet, error) {
	dc := cfg.Storage.Database
	_, dsn, err := migration.DSN(dc)
	if err != nil {
		return nil, err
	}
	pool, err := database.Open(dc.Driver, dsn, database.PoolConfig{
		MaxIdleConns:        dc.MaxIdleConns,
		MaxOpenConns:        dc.MaxOpenConns,
		ConnMaxLifetime:     dc.ConnMaxLifetime,
		ConnMaxIdleTime:     dc.ConnMaxIdleTime,
		HealthCheckInterval: dc.HealthCheckInterval,
	}, s.metrics, s.logger)
	if err != nil {
		return nil, err
	}

	set := &adapterSet{name: string(storage.BackendRelational)}
	open := func(table string) (storage.Store, error) {
		return sqlstore.New(pool, sqlstore.Config{
			DeleteBatchSize:       cfg.Storage.DeleteBatchSize,
			DeleteChunksPerSecond: cfg.Storage.DeleteChunksPerSecond,
			ItemTable:             table,
			AutoMigrate:           dc.AutoMigrate,
			Now:                   s.now,
		}, s.logger)
	}

	if wantMedium {
		if set.medium, err = open(sqlstore.DefaultItemTable); err != nil {
			_ = pool.Close()
			return nil, err
		}
	}
	if wantLong {
		if set.long, err = open(sqlstore.LongTermItemTable); err != nil {
			_ = pool.Close()
			return nil, err
		}
	}
	return set, nil
}

// openKV 创建缓存后端。Redis 不可达且允许回退时使用进程内缓存。
func (s *MemoryService) openKV(cc config.CacheConfig) (cache.KV, error) {
	if s.kv != nil {
		return s.kv, nil
	}
	local := func() cache.KV {
		return cache.NewLocalKV(cache.LocalConfig{
			DefaultTTL:      cc.TTL,
			CleanupInterval: cc.LocalCleanupInterval,
		}, s.logger)
	}
	if cc.Backend != "redis" {
		return local(), nil
	}
	tlsCfg, err := buildTLS(cc.Redis.TLS)
	if err != nil {
		return nil, fmt.Errorf("redis tls: %w", err)
	}

	kv, err := cache.NewRedisKV(cache.RedisConfig{
		Addr:                cc.Redis.Addr,
		Password:            cc.Redis.Password,
		DB:                  cc.Redis.DB,
		DefaultTTL:          cc.TTL,
		MaxRetries:          cc.Redis.MaxRetries,
		PoolSize:            cc.Redis.PoolSize,
		MinIdleConns:        cc.Redis.MinIdleConns,
		HealthCheckInterval: cc.Redis.HealthCheckInterval,
		DialTimeout:         cc.Redis.DialTimeout,
		TLSConfig:           tlsCfg,
	}, s.logger)
	if err == nil {
		return kv, nil
	}
	if !cc.FallbackToLocal {
		return nil, fmt.Errorf("open redis cache: %w", err)
	}
	s.logger.Warn("redis cache unavailable, falling back to local cache",
		zap.String("addr", cc.Redis.Addr),
		zap.Error(err),
	)
	return local(), nil
}

// openANN 创建长期排序使用的 ANN 后端，none 时返回 nil
func (s *MemoryService) openANN(cfg *config.Config) (ranking.ANN, error) {
	if s.ann != nil {
		return s.ann, nil
	}
	return newANN(cfg.Ranking, cfg.Service.EmbeddingDimension, s.logger)
}

func newANN(rc config.RankingConfig, dimension int, logger *zap.Logger) (ranking.ANN, error) {
	switch rc.ANN {
	case "qdrant":
		tlsCfg, err := buildTLS(rc.Qdrant.TLS)
		if err != nil {
			return nil, fmt.Errorf("qdrant tls: %w", err)
		}
		return ranking.NewQdrantANN(ranking.QdrantConfig{
			Host:                 rc.Qdrant.Host,
			Port:                 rc.Qdrant.Port,
			BaseURL:              rc.Qdrant.BaseURL,
			APIKey:               rc.Qdrant.APIKey,
			Collection:           rc.Qdrant.Collection,
			Timeout:              rc.Qdrant.Timeout,
			AutoCreateCollection: rc.Qdrant.AutoCreateCollection,
			VectorSize:           dimension,
			TLSConfig:            tlsCfg,
		}, logger), nil
	case "chromem":
		ann, err := ranking.NewChromemANN(ranking.ChromemConfig{
			PersistDir: rc.Chromem.PersistDir,
			Oversample: rc.Chromem.Oversample,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open chromem ann: %w", err)
		}
		return ann, nil
	default:
		return nil, nil
	}
}

func buildTLS(tc config.TLSConfig) (*tls.Config, error) {
	return tlsutil.Build(tlsutil.Options{
		Enabled:            tc.Enabled,
		CAFile:             tc.CAFile,
		ServerName:         tc.ServerName,
		InsecureSkipVerify: tc.InsecureSkipVerify,
	})
}
