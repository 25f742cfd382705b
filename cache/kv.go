package cache

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// 🔑 KV 抽象
// =============================================================================

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("cache miss")

// ErrClosed 缓存后端已关闭
var ErrClosed = errors.New("cache is closed")

// IsCacheMiss 判断是否为缓存未命中错误
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// KV 缓存后端。实现必须可并发调用，TTL 由后端自行过期。
type KV interface {
	// Name 后端名称，用作指标标签
	Name() string

	// Get 读取值，不存在时返回 ErrCacheMiss
	Get(ctx context.Context, key string) ([]byte, error)

	// Set 写入值，ttl <= 0 时使用后端默认 TTL
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete 删除键，不存在的键忽略
	Delete(ctx context.Context, keys ...string) error

	// AddToSet 向集合添加成员并刷新集合 TTL
	AddToSet(ctx context.Context, key string, ttl time.Duration, members ...string) error

	// SetMembers 读取集合成员，不存在时返回空
	SetMembers(ctx context.Context, key string) ([]string, error)

	// DeletePrefix 删除所有以 prefix 开头的键，返回删除数量
	DeletePrefix(ctx context.Context, prefix string) (int64, error)

	// Ping 检查后端可用性
	Ping(ctx context.Context) error

	// Close 释放连接与后台任务
	Close() error
}
