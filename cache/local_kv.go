package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// LocalConfig 进程内缓存配置
type LocalConfig struct {
	DefaultTTL      time.Duration `yaml:"default_ttl" json:"default_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// LocalKV 基于 go-cache 的进程内 KV，janitor 协程负责过期清理
type LocalKV struct {
	cache  *gocache.Cache
	logger *zap.Logger

	// setMu 串行化集合的读改写
	setMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// NewLocalKV 创建进程内缓存后端
func NewLocalKV(config LocalConfig, logger *zap.Logger) *LocalKV {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = time.Hour
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = config.DefaultTTL * 2
	}
	return &LocalKV{
		cache:  gocache.New(config.DefaultTTL, config.CleanupInterval),
		logger: logger.With(zap.String("component", "cache_local")),
	}
}

// Name 实现 KV
func (l *LocalKV) Name() string { return "local" }

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.DefaultExpiration
	}
	return ttl
}

// Get 实现 KV，返回副本
func (l *LocalKV) Get(ctx context.Context, key string) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	v, ok := l.cache.Get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), b...), nil
}

// Set 实现 KV
func (l *LocalKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	l.cache.Set(key, append([]byte(nil), value...), ttlOrDefault(ttl))
	return nil
}

// Delete 实现 KV
func (l *LocalKV) Delete(ctx context.Context, keys ...string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	for _, k := range keys {
		l.cache.Delete(k)
	}
	return nil
}

// AddToSet 实现 KV。集合按值替换保存，读取方拿到的快照不会被并发修改。
func (l *LocalKV) AddToSet(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	if len(members) == 0 {
		return nil
	}

	l.setMu.Lock()
	defer l.setMu.Unlock()

	next := make(map[string]struct{})
	if v, ok := l.cache.Get(key); ok {
		if cur, ok := v.(map[string]struct{}); ok {
			for m := range cur {
				next[m] = struct{}{}
			}
		}
	}
	for _, m := range members {
		next[m] = struct{}{}
	}
	l.cache.Set(key, next, ttlOrDefault(ttl))
	return nil
}

// SetMembers 实现 KV
func (l *LocalKV) SetMembers(ctx context.Context, key string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	v, ok := l.cache.Get(key)
	if !ok {
		return nil, nil
	}
	set, _ := v.(map[string]struct{})
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out, nil
}

// DeletePrefix 实现 KV
func (l *LocalKV) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrClosed
	}

	var n int64
	for k := range l.cache.Items() {
		if strings.HasPrefix(k, prefix) {
			l.cache.Delete(k)
			n++
		}
	}
	return n, nil
}

// Len 键数量，包含尚未被 janitor 清理的过期键
func (l *LocalKV) Len() int {
	return l.cache.ItemCount()
}

// Ping 实现 KV
func (l *LocalKV) Ping(ctx context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	return nil
}

// Close 清空缓存。go-cache 的 janitor 随 Cache 被回收而退出。
func (l *LocalKV) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.cache.Flush()
	return nil
}

var _ KV = (*LocalKV)(nil)
