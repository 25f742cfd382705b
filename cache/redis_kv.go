package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 💾 Redis 缓存后端
// =============================================================================

// RedisConfig Redis 缓存配置
type RedisConfig struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 默认过期时间
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`

	// 健康检查间隔，0 表示不启动
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`

	// 连接超时
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`

	// TLSConfig 非空时使用 TLS 连接
	TLSConfig *tls.Config `yaml:"-" json:"-"`
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:                "localhost:6379",
		DefaultTTL:          time.Hour,
		MaxRetries:          3,
		PoolSize:            10,
		MinIdleConns:        2,
		HealthCheckInterval: 30 * time.Second,
		DialTimeout:         5 * time.Second,
	}
}

// RedisKV 基于 go-redis 的 KV 实现
type RedisKV struct {
	client *redis.Client
	config RedisConfig
	logger *zap.Logger

	mu      sync.RWMutex
	closed  bool
	healthy bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewRedisKV 创建 Redis 缓存后端并测试连接
func NewRedisKV(config RedisConfig, logger *zap.Logger) (*RedisKV, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = time.Hour
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		TLSConfig:    config.TLSConfig,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	kv := &RedisKV{
		client:  client,
		config:  config,
		logger:  logger.With(zap.String("component", "cache_redis")),
		healthy: true,
		done:    make(chan struct{}),
	}

	// 启动健康检查
	if config.HealthCheckInterval > 0 {
		kv.wg.Add(1)
		go kv.healthCheckLoop()
	}

	kv.logger.Info("redis cache initialized",
		zap.String("addr", config.Addr),
		zap.Int("pool_size", config.PoolSize),
	)

	return kv, nil
}

// Name 实现 KV
func (r *RedisKV) Name() string { return "redis" }

func (r *RedisKV) acquire() error {
	if r.closed {
		return ErrClosed
	}
	return nil
}

// Get 实现 KV
func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.acquire(); err != nil {
		return nil, err
	}

	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get failed: %w", err)
	}
	return val, nil
}

// Set 实现 KV
func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.acquire(); err != nil {
		return err
	}

	if ttl <= 0 {
		ttl = r.config.DefaultTTL
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set failed: %w", err)
	}
	return nil
}

// Delete 实现 KV
func (r *RedisKV) Delete(ctx context.Context, keys ...string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.acquire(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache delete failed: %w", err)
	}
	return nil
}

// AddToSet 实现 KV，SADD 与 EXPIRE 在同一个事务管道内执行
func (r *RedisKV) AddToSet(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.acquire(); err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = r.config.DefaultTTL
	}

	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, args...)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache sadd failed: %w", err)
	}
	return nil
}

// SetMembers 实现 KV
func (r *RedisKV) SetMembers(ctx context.Context, key string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.acquire(); err != nil {
		return nil, err
	}

	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("cache smembers failed: %w", err)
	}
	return members, nil
}

// DeletePrefix 实现 KV，使用 SCAN 游标遍历避免阻塞 Redis
func (r *RedisKV) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.acquire(); err != nil {
		return 0, err
	}

	var (
		cursor  uint64
		deleted int64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			return deleted, fmt.Errorf("cache scan failed: %w", err)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("cache delete failed: %w", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// Ping 检查 Redis 连接
func (r *RedisKV) Ping(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.acquire(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}

// Healthy 最近一次后台健康检查的结果
func (r *RedisKV) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.closed && r.healthy
}

// Close 关闭连接并停止健康检查
func (r *RedisKV) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("closing redis cache")
	return r.client.Close()
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

// healthCheckLoop 健康检查循环
func (r *RedisKV) healthCheckLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.client.Ping(ctx).Err()
		cancel()

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		changed := r.healthy != (err == nil)
		r.healthy = err == nil
		r.mu.Unlock()

		switch {
		case err != nil && changed:
			r.logger.Error("cache health check failed", zap.Error(err))
		case err == nil && changed:
			r.logger.Info("cache recovered")
		default:
			r.logger.Debug("cache health check", zap.Bool("healthy", err == nil))
		}
	}
}

// =============================================================================
// 📊 统计信息
// =============================================================================

// Stats 连接池统计信息
func (r *RedisKV) Stats() map[string]string {
	s := r.client.PoolStats()
	return map[string]string{
		"pool_hits":    strconv.FormatUint(uint64(s.Hits), 10),
		"pool_misses":  strconv.FormatUint(uint64(s.Misses), 10),
		"pool_timeout": strconv.FormatUint(uint64(s.Timeouts), 10),
		"total_conns":  strconv.FormatUint(uint64(s.TotalConns), 10),
		"idle_conns":   strconv.FormatUint(uint64(s.IdleConns), 10),
	}
}

var _ KV = (*RedisKV)(nil)
