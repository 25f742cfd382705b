package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmem/internal/metrics"
	"github.com/BaSui01/agentmem/storage"
	"github.com/BaSui01/agentmem/types"
)

// =============================================================================
// 🗂️ 缓存层
// =============================================================================

// LayerConfig 缓存层配置
type LayerConfig struct {
	// Namespace 键前缀，不同实例共享 Redis 时用于隔离
	Namespace string

	// TTL 条目与查询结果的缓存时间
	TTL time.Duration

	// Now 测试用时钟
	Now func() time.Time
}

// Layer 读穿透、写穿透的缓存装饰器，实现 storage.Store。
// 缓存后端故障只记录日志与指标，不影响存储操作的结果。
// 回填前后都比对写入代数，读到旧值的回填不会覆盖并发写入的结果。
type Layer struct {
	// writes 每次存储写入或删除完成后递增
	writes atomic.Uint64

	store     storage.Store
	kv        KV
	namespace string
	ttl       time.Duration
	now       func() time.Time
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewLayer 创建缓存层
func NewLayer(store storage.Store, kv KV, config LayerConfig, collector *metrics.Collector, logger *zap.Logger) *Layer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Namespace == "" {
		config.Namespace = "agentmem"
	}
	if config.TTL <= 0 {
		config.TTL = time.Hour
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Layer{
		store:     store,
		kv:        kv,
		namespace: config.Namespace,
		ttl:       config.TTL,
		now:       config.Now,
		metrics:   collector,
		logger: logger.With(
			zap.String("component", "cache_layer"),
			zap.String("cache_type", kv.Name()),
		),
	}
}

// Unwrap 返回被装饰的存储
func (l *Layer) Unwrap() storage.Store { return l.store }

// ---------------------------------------------------------------------------
// 键
// ---------------------------------------------------------------------------

func (l *Layer) itemKey(id string) string {
	return l.namespace + ":item:" + id
}

func (l *Layer) queryPrefix() string {
	return l.namespace + ":query:"
}

func (l *Layer) queryKey(owner string, filter storage.QueryFilter, limit int) string {
	return l.queryPrefix() + owner + ":" + filter.Key() + ":" + strconv.Itoa(limit)
}

func (l *Layer) ownerKey(owner string) string {
	return l.namespace + ":owner:" + owner
}

// ttlFor 缓存时间不超过条目剩余寿命，已过期返回 0
func (l *Layer) ttlFor(items ...*types.MemoryItem) time.Duration {
	ttl := l.ttl
	now := l.now()
	for _, it := range items {
		if it.ExpiresAt == nil {
			continue
		}
		left := it.ExpiresAt.Sub(now)
		if left <= 0 {
			return 0
		}
		if left < ttl {
			ttl = left
		}
	}
	return ttl
}

// absorb 记录并吞掉缓存错误
func (l *Layer) absorb(op string, err error) {
	if err == nil {
		return
	}
	l.metrics.RecordCacheError(l.kv.Name(), op)
	l.logger.Warn("cache unavailable, falling through", zap.String("operation", op), zap.Error(err))
}

// ---------------------------------------------------------------------------
// storage.Store
// ---------------------------------------------------------------------------

// GetItem 读穿透：命中直接返回，未命中读存储后回填
func (l *Layer) GetItem(ctx context.Context, id string) (*types.MemoryItem, error) {
	if id == "" {
		return nil, types.NewValidationError("id is required")
	}

	key := l.itemKey(id)
	if raw, err := l.kv.Get(ctx, key); err == nil {
		var item types.MemoryItem
		if jerr := json.Unmarshal(raw, &item); jerr == nil {
			l.metrics.RecordCacheHit(l.kv.Name(), "get_item")
			return &item, nil
		}
		l.absorb("get_item", l.kv.Delete(ctx, key))
	} else if !IsCacheMiss(err) {
		l.absorb("get_item", err)
	}
	l.metrics.RecordCacheMiss(l.kv.Name(), "get_item")

	gen := l.writes.Load()
	item, err := l.store.GetItem(ctx, id)
	if err != nil {
		// 不缓存 NotFound
		return nil, err
	}
	if ttl := l.ttlFor(item); ttl > 0 {
		if raw, jerr := json.Marshal(item); jerr == nil {
			l.fill(ctx, gen, key, raw, ttl, "")
		}
	}
	return item, nil
}

// QueryItems 读穿透，查询结果按 owner 索引以便写入时失效
func (l *Layer) QueryItems(ctx context.Context, ownerID string, filter storage.QueryFilter, limit int) ([]*types.MemoryItem, error) {
	if err := storage.ValidateQuery(ownerID, limit); err != nil {
		return nil, err
	}

	key := l.queryKey(ownerID, filter, limit)
	if raw, err := l.kv.Get(ctx, key); err == nil {
		var items []*types.MemoryItem
		if jerr := json.Unmarshal(raw, &items); jerr == nil {
			l.metrics.RecordCacheHit(l.kv.Name(), "query_items")
			return items, nil
		}
		l.absorb("query_items", l.kv.Delete(ctx, key))
	} else if !IsCacheMiss(err) {
		l.absorb("query_items", err)
	}
	l.metrics.RecordCacheMiss(l.kv.Name(), "query_items")

	gen := l.writes.Load()
	items, err := l.store.QueryItems(ctx, ownerID, filter, limit)
	if err != nil {
		return nil, err
	}

	ttl := l.ttlFor(items...)
	if filter.IncludeExpired {
		ttl = l.ttl
	}
	if ttl > 0 {
		if raw, jerr := json.Marshal(items); jerr == nil {
			l.fill(ctx, gen, key, raw, ttl, ownerID)
		}
	}
	return items, nil
}

// fill 回填读穿透结果。gen 为读存储前的写入代数：
// 写入先于回填完成时放弃回填；回填后发现写入则撤回刚写的键。
// owner 非空时把键加入该 owner 的索引，索引集合比查询结果活得久，失效时不会漏掉。
func (l *Layer) fill(ctx context.Context, gen uint64, key string, raw []byte, ttl time.Duration, owner string) {
	if l.writes.Load() != gen {
		l.logger.Debug("stale fill skipped", zap.String("key", key))
		return
	}
	if err := l.kv.Set(ctx, key, raw, ttl); err != nil {
		l.absorb("set", err)
		return
	}
	if owner != "" {
		l.absorb("index", l.kv.AddToSet(ctx, l.ownerKey(owner), l.ttl, key))
	}
	if l.writes.Load() != gen {
		l.logger.Debug("stale fill withdrawn", zap.String("key", key))
		l.absorb("evict", l.kv.Delete(ctx, key))
	}
}

// SaveItem 写穿透：先写存储，成功后更新条目缓存并失效该 owner 的查询结果
func (l *Layer) SaveItem(ctx context.Context, item *types.MemoryItem) (string, error) {
	id, err := l.store.SaveItem(ctx, item)
	if err != nil {
		return "", err
	}
	l.writes.Add(1)
	l.putItem(ctx, item)
	l.evictOwner(ctx, item.OwnerID)
	return id, nil
}

// SaveAgentRecord 直接写存储，Agent 记录不缓存
func (l *Layer) SaveAgentRecord(ctx context.Context, record *types.AgentRecord) (string, error) {
	return l.store.SaveAgentRecord(ctx, record)
}

// DeleteItems 先删存储，再按条件失效缓存。部分失败时同样失效。
func (l *Layer) DeleteItems(ctx context.Context, filter storage.DeleteFilter) (int64, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}

	n, err := l.store.DeleteItems(ctx, filter)
	if n > 0 || err != nil {
		l.writes.Add(1)
		l.evict(ctx, filter)
	}
	return n, err
}

// evict 无法按 owner 分解的条件会扩大失效范围
func (l *Layer) evict(ctx context.Context, filter storage.DeleteFilter) {
	switch {
	case len(filter.IDs) == 0 && filter.OwnerID == "":
		l.flush(ctx)
		return
	case filter.OwnerID != "":
		l.evictOwner(ctx, filter.OwnerID)
	default:
		_, err := l.kv.DeletePrefix(ctx, l.queryPrefix())
		l.absorb("evict", err)
	}

	if len(filter.IDs) > 0 {
		keys := make([]string, 0, len(filter.IDs))
		for _, id := range filter.IDs {
			keys = append(keys, l.itemKey(id))
		}
		l.absorb("evict", l.kv.Delete(ctx, keys...))
		return
	}
	// 只有 owner 条件时条目 ID 未知，清空条目缓存
	_, err := l.kv.DeletePrefix(ctx, l.namespace+":item:")
	l.absorb("evict", err)
}

func (l *Layer) flush(ctx context.Context) {
	n, err := l.kv.DeletePrefix(ctx, l.namespace+":")
	if err != nil {
		l.absorb("flush", err)
		return
	}
	l.logger.Debug("cache namespace flushed", zap.Int64("keys", n))
}

func (l *Layer) putItem(ctx context.Context, item *types.MemoryItem) {
	ttl := l.ttlFor(item)
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return
	}
	l.absorb("set", l.kv.Set(ctx, l.itemKey(item.ID), raw, ttl))
}

func (l *Layer) evictOwner(ctx context.Context, owner string) {
	idx := l.ownerKey(owner)
	keys, err := l.kv.SetMembers(ctx, idx)
	if err != nil {
		l.absorb("evict", err)
		return
	}
	keys = append(keys, idx)
	l.absorb("evict", l.kv.Delete(ctx, keys...))
}

// CheckHealth 存储健康状态叠加缓存状态，缓存不可用时降级
func (l *Layer) CheckHealth(ctx context.Context) types.ComponentHealth {
	h := l.store.CheckHealth(ctx)
	cache := l.CacheHealth(ctx)

	details := make(map[string]string, len(h.Details)+1)
	for k, v := range h.Details {
		details[k] = v
	}
	details["cache"] = string(cache.Status)
	h.Details = details

	if cache.Status != types.HealthHealthy {
		h.Status = h.Status.Worse(types.HealthDegraded)
		if h.Message == "" {
			h.Message = "cache unavailable: " + cache.Message
		}
	}
	return h
}

// CacheHealth 只检查缓存后端
func (l *Layer) CacheHealth(ctx context.Context) types.ComponentHealth {
	name := "cache_" + l.kv.Name()
	start := time.Now()
	if err := l.kv.Ping(ctx); err != nil {
		h := types.Unhealthy(name, err)
		h.Latency = time.Since(start)
		return h
	}
	h := types.Healthy(name, time.Since(start))
	if s, ok := l.kv.(interface{ Stats() map[string]string }); ok {
		h.Details = s.Stats()
	}
	return h
}

// Close 关闭缓存与存储，错误合并返回
func (l *Layer) Close() error {
	var errs []error
	if err := l.kv.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := l.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

var _ storage.Store = (*Layer)(nil)
