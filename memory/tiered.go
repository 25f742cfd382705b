package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmem/internal/metrics"
	"github.com/BaSui01/agentmem/ranking"
	"github.com/BaSui01/agentmem/storage"
	"github.com/BaSui01/agentmem/types"
)

// DefaultSemanticCandidateLimit 语义检索时从长期记忆读取的候选上限
const DefaultSemanticCandidateLimit = 500

// =============================================================================
// 🧠 分层记忆管理器
// =============================================================================

// Config 分层记忆配置
type Config struct {
	// ShortTermMaxItems 短期记忆容量
	ShortTermMaxItems int

	// Promotion 长期记忆晋升策略
	Promotion PromotionPolicy

	// SemanticCandidateLimit 语义检索的长期候选上限
	SemanticCandidateLimit int

	// Now 测试用时钟
	Now func() time.Time
}

// Tiers 持久层级，nil 表示该层级未启用
type Tiers struct {
	// Medium 中期记忆：cache.Layer -> resilient.Proxy -> 适配器
	Medium storage.Store

	// Long 长期记忆存储链，可与中期共享适配器
	Long storage.Store

	// Ranker 长期记忆排序器，nil 时使用精确打分
	Ranker *ranking.Ranker
}

// TierCounts 删除结果。Items 为去重后的条目数，同一条目在多个层级只计一次；
// Short / Medium / Long 为各层级实际删除的记录数，用于指标与追踪。
type TierCounts struct {
	Items  int64 `json:"items"`
	Short  int64 `json:"short"`
	Medium int64 `json:"medium"`
	Long   int64 `json:"long"`
}

func (c TierCounts) empty() bool {
	return c.Short == 0 && c.Medium == 0 && c.Long == 0
}

// TieredManager 短期 / 中期 / 长期三层记忆。
// 短期写入从不失败；中期写入失败返回给调用方；长期写入失败只记录日志。
type TieredManager struct {
	short  *ShortTerm
	medium storage.Store
	long   storage.Store
	ranker *ranking.Ranker

	policy         PromotionPolicy
	candidateLimit int
	now            func() time.Time

	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewTieredManager 创建分层记忆管理器
func NewTieredManager(config Config, tiers Tiers, collector *metrics.Collector, logger *zap.Logger) *TieredManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SemanticCandidateLimit <= 0 {
		config.SemanticCandidateLimit = DefaultSemanticCandidateLimit
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if tiers.Ranker == nil {
		tiers.Ranker = ranking.New(nil, ranking.Config{}, collector, logger)
	}

	m := &TieredManager{
		short:          NewShortTerm(config.ShortTermMaxItems),
		medium:         tiers.Medium,
		long:           tiers.Long,
		ranker:         tiers.Ranker,
		policy:         config.Promotion,
		candidateLimit: config.SemanticCandidateLimit,
		now:            config.Now,
		metrics:        collector,
		logger:         logger.With(zap.String("component", "tiered_memory")),
	}
	m.logger.Info("tiered memory ready",
		zap.Int("short_term_capacity", m.short.Capacity()),
		zap.Bool("medium_term", m.medium != nil),
		zap.Bool("long_term", m.long != nil),
		zap.Bool("ann", m.ranker.ANN() != nil),
	)
	return m
}

// ShortTerm 短期记忆
func (m *TieredManager) ShortTerm() *ShortTerm { return m.short }

// Medium 中期存储，未启用时为 nil
func (m *TieredManager) Medium() storage.Store { return m.medium }

// Long 长期存储，未启用时为 nil
func (m *TieredManager) Long() storage.Store { return m.long }

// Ranker 长期记忆排序器
func (m *TieredManager) Ranker() *ranking.Ranker { return m.ranker }

// Policy 晋升策略
func (m *TieredManager) Policy() PromotionPolicy { return m.policy }

// degradable 后端故障可降级处理；校验错误、调用方取消与未归类错误照常返回
func degradable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case types.IsCircuitOpen(err), types.IsTransient(err):
		return true
	}
	switch types.GetErrorCode(err) {
	case types.ErrQueryFailed, types.ErrWriteFailed:
		return true
	}
	return false
}

// =============================================================================
// ✍️ 写入
// =============================================================================

// Add 写入条目：短期总是写入，中期启用时写入，满足晋升策略时写入长期。
// 中期写入失败时撤回短期副本，失败的写入不会出现在后续读取中。
// 同 ID 的更新未满足晋升策略时，长期中的旧版本被移除。
func (m *TieredManager) Add(ctx context.Context, item *types.MemoryItem) error {
	if err := storage.ValidateItem(item); err != nil {
		return err
	}

	if evicted := m.short.Put(item); evicted > 0 {
		m.logger.Debug("short-term evicted", zap.Int("count", evicted))
	}
	m.metrics.RecordTierWrite(string(TierShort), nil)

	if m.medium != nil {
		_, err := m.medium.SaveItem(ctx, item)
		m.metrics.RecordTierWrite(string(TierMedium), err)
		if err != nil {
			m.short.Delete(storage.DeleteFilter{IDs: []string{item.ID}})
			return err
		}
		m.short.MarkDurable(item.ID)
	}

	if m.long == nil {
		return nil
	}
	if m.policy.ShouldPromote(item) {
		m.promote(ctx, item)
	} else if m.long != m.medium {
		m.forgetLong(ctx, item.ID)
	}
	return nil
}

// promote 长期写入是尽力而为，失败只记录
func (m *TieredManager) promote(ctx context.Context, item *types.MemoryItem) {
	_, err := m.long.SaveItem(ctx, item)
	m.metrics.RecordTierWrite(string(TierLong), err)
	if err != nil {
		m.logTierFailure("long-term write failed", TierLong, err, zap.String("item_id", item.ID))
		return
	}
	m.metrics.RecordPromotion()
	if m.medium == nil {
		m.short.MarkDurable(item.ID)
	}

	if ann := m.ranker.ANN(); ann != nil && len(item.Embedding) > 0 {
		if err := ann.Index(ctx, []*types.MemoryItem{item}); err != nil {
			m.logger.Warn("ann index failed",
				zap.String("ann", ann.Name()),
				zap.String("item_id", item.ID),
				zap.Error(err),
			)
		}
	}
}

// forgetLong 移除长期中同 ID 的旧版本，失败只记录
func (m *TieredManager) forgetLong(ctx context.Context, id string) {
	n, err := m.long.DeleteItems(ctx, storage.DeleteFilter{IDs: []string{id}})
	if err != nil {
		m.logTierFailure("long-term stale copy not removed", TierLong, err, zap.String("item_id", id))
		return
	}
	if n == 0 {
		return
	}
	m.logger.Debug("long-term copy superseded", zap.String("item_id", id))
	if ann := m.ranker.ANN(); ann != nil {
		if err := ann.Remove(ctx, []string{id}); err != nil {
			m.logger.Warn("ann remove failed", zap.String("ann", ann.Name()), zap.Error(err))
		}
	}
}

// SaveAgentRecord 写入中期存储，中期未启用时写入长期存储，两者都未启用返回 DependencyError
func (m *TieredManager) SaveAgentRecord(ctx context.Context, record *types.AgentRecord) (string, error) {
	switch {
	case m.medium != nil:
		return m.medium.SaveAgentRecord(ctx, record)
	case m.long != nil:
		return m.long.SaveAgentRecord(ctx, record)
	default:
		return "", types.NewDependencyError("durable memory store")
	}
}

// =============================================================================
// 📖 读取
// =============================================================================

// GetHistory 先读短期，不足时合并中期，仍不足时以最近条目的向量为种子合并长期语义结果。
// 去重按条目 ID（无 ID 时按内容哈希加时间），按 短期 -> 中期 -> 长期 的新鲜度保留
// 先出现的副本，最后按 created_at 倒序截断。
// 持久层级读失败只降级，除非所有启用的持久层级都失败且短期为空。
func (m *TieredManager) GetHistory(ctx context.Context, ownerID, sessionID string, limit int, filter storage.QueryFilter) ([]*types.MemoryItem, error) {
	if err := storage.ValidateQuery(ownerID, limit); err != nil {
		return nil, err
	}
	if sessionID != "" {
		filter.SessionID = sessionID
	}
	now := m.now()

	short := tierResult{tier: TierShort, items: m.short.List(ownerID, filter, limit, now)}
	medium := tierResult{tier: TierMedium}
	long := tierResult{tier: TierLong}

	enabled, failed := 0, 0
	var lastErr error

	if len(short.items) < limit && m.medium != nil {
		enabled++
		items, err := m.medium.QueryItems(ctx, ownerID, filter, limit)
		if err != nil {
			if !degradable(err) {
				return nil, err
			}
			failed++
			lastErr = err
			m.logTierFailure("medium-term read degraded", TierMedium, err, zap.String("owner_id", ownerID))
		}
		medium.items = items
	}

	if countDistinct(short, medium) < limit && m.long != nil {
		enabled++
		items, err := m.longHistory(ctx, ownerID, filter, limit, seedOf(short, medium))
		if err != nil {
			if !degradable(err) {
				return nil, err
			}
			failed++
			lastErr = err
			m.logTierFailure("long-term read degraded", TierLong, err, zap.String("owner_id", ownerID))
		}
		long.items = items
	}

	if enabled > 0 && failed == enabled && len(short.items) == 0 {
		return nil, lastErr
	}
	return mergeTiers(limit, short, medium, long), nil
}

// seedOf 已收集条目中最新的一条带向量条目
func seedOf(results ...tierResult) *types.MemoryItem {
	var seed *types.MemoryItem
	for _, r := range results {
		for _, item := range r.items {
			if len(item.Embedding) == 0 {
				continue
			}
			if seed == nil || item.CreatedAt.After(seed.CreatedAt) {
				seed = item
			}
		}
	}
	return seed
}

// longHistory 有种子向量时做语义检索，否则退化为按时间查询
func (m *TieredManager) longHistory(ctx context.Context, ownerID string, filter storage.QueryFilter, limit int, seed *types.MemoryItem) ([]*types.MemoryItem, error) {
	if seed == nil {
		return m.long.QueryItems(ctx, ownerID, filter, limit)
	}
	candidates, err := m.long.QueryItems(ctx, ownerID, filter, m.candidateLimit)
	if err != nil {
		return nil, err
	}
	scored := m.ranker.Rank(ctx, seed.Embedding, candidates, limit)
	out := make([]*types.MemoryItem, 0, len(scored))
	for _, s := range scored {
		out = append(out, s.Item)
	}
	return out, nil
}

// SemanticSearch 在长期候选与短期条目中按向量相似度检索 topK。
// 长期候选交给排序器（可能走 ANN），只存在于短期的条目用精确打分，
// 未晋升的条目同样可以被召回。
func (m *TieredManager) SemanticSearch(ctx context.Context, ownerID string, query []float32, topK int) ([]ranking.Scored, error) {
	if topK <= 0 {
		return []ranking.Scored{}, nil
	}
	now := m.now()

	short := m.short.List(ownerID, storage.QueryFilter{}, m.short.Capacity(), now)
	var long []*types.MemoryItem
	if m.long != nil {
		items, err := m.long.QueryItems(ctx, ownerID, storage.QueryFilter{}, m.candidateLimit)
		if err != nil {
			if !degradable(err) || len(short) == 0 {
				return nil, err
			}
			m.logTierFailure("long-term candidates unavailable", TierLong, err, zap.String("owner_id", ownerID))
		}
		long = items
	}

	seen := make(map[string]struct{}, len(long))
	for _, it := range long {
		seen[dedupKey(it)] = struct{}{}
	}
	shortOnly := make([]*types.MemoryItem, 0, len(short))
	for _, it := range short {
		if _, dup := seen[dedupKey(it)]; !dup {
			shortOnly = append(shortOnly, tagged(it, TierShort))
		}
	}
	for i, it := range long {
		long[i] = tagged(it, TierLong)
	}

	var out []ranking.Scored
	if len(long) > 0 {
		out = append(out, m.ranker.Rank(ctx, query, long, topK)...)
	}
	out = append(out, m.ranker.Exact(query, shortOnly, topK)...)
	ranking.SortScored(out)
	if len(out) > topK {
		out = out[:topK]
	}
	if out == nil {
		out = []ranking.Scored{}
	}
	return out, nil
}

// Get 依次查短期、中期、长期
func (m *TieredManager) Get(ctx context.Context, id string) (*types.MemoryItem, error) {
	if id == "" {
		return nil, types.NewValidationError("item id is required")
	}
	if item, ok := m.short.Get(id, m.now()); ok {
		return tagged(item, TierShort), nil
	}

	var lastErr error
	for _, t := range []struct {
		tier  Tier
		store storage.Store
	}{{TierMedium, m.medium}, {TierLong, m.long}} {
		if t.store == nil {
			continue
		}
		item, err := t.store.GetItem(ctx, id)
		if err == nil {
			return tagged(item, t.tier), nil
		}
		if types.IsNotFound(err) {
			continue
		}
		if !degradable(err) {
			return nil, err
		}
		lastErr = err
		m.logTierFailure("tier read degraded", t.tier, err, zap.String("item_id", id))
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, types.NewNotFoundError("memory item", id)
}

// =============================================================================
// 🧹 删除与清理
// =============================================================================

// Delete 在所有启用的层级执行删除，每个层级都会尝试，错误合并返回
func (m *TieredManager) Delete(ctx context.Context, filter storage.DeleteFilter) (TierCounts, error) {
	if err := filter.Validate(); err != nil {
		return TierCounts{}, err
	}

	var (
		counts   TierCounts
		volatile int64
		errs     []error
	)
	counts.Short, volatile = m.short.Purge(filter)

	if m.medium != nil {
		n, err := m.medium.DeleteItems(ctx, filter)
		counts.Medium = n
		if err != nil {
			errs = append(errs, fmt.Errorf("medium-term delete: %w", err))
		}
	}
	if m.long != nil {
		n, err := m.long.DeleteItems(ctx, filter)
		counts.Long = n
		if err != nil {
			errs = append(errs, fmt.Errorf("long-term delete: %w", err))
		}
		// 非 ID 过滤删除后 ANN 中可能残留向量，排序时会被候选集过滤掉
		if ann := m.ranker.ANN(); ann != nil && len(filter.IDs) > 0 {
			if err := ann.Remove(ctx, filter.IDs); err != nil {
				m.logger.Warn("ann remove failed", zap.String("ann", ann.Name()), zap.Error(err))
			}
		}
	}

	counts.Items = m.distinct(counts, volatile)
	return counts, errors.Join(errs...)
}

// distinct 去重后的删除数。中期是短期与长期的超集；中期未启用时，
// 长期之外只需加上从未写入持久层级的短期条目。
func (m *TieredManager) distinct(counts TierCounts, volatile int64) int64 {
	switch {
	case m.medium != nil:
		return counts.Medium + volatile
	case m.long != nil:
		return counts.Long + volatile
	default:
		return counts.Short
	}
}

// CleanupExpired 删除各层级在 now 时已过期的条目
func (m *TieredManager) CleanupExpired(ctx context.Context, now time.Time) (TierCounts, error) {
	filter := storage.DeleteFilter{ExpiredBefore: now}
	var (
		counts   TierCounts
		volatile int64
		errs     []error
	)
	counts.Short, volatile = m.short.Purge(filter)
	m.metrics.RecordCleanup(string(TierShort), counts.Short)

	if m.medium != nil {
		n, err := m.medium.DeleteItems(ctx, filter)
		counts.Medium = n
		m.metrics.RecordCleanup(string(TierMedium), n)
		if err != nil {
			errs = append(errs, fmt.Errorf("medium-term cleanup: %w", err))
		}
	}
	if m.long != nil {
		n, err := m.long.DeleteItems(ctx, filter)
		counts.Long = n
		m.metrics.RecordCleanup(string(TierLong), n)
		if err != nil {
			errs = append(errs, fmt.Errorf("long-term cleanup: %w", err))
		}
	}

	counts.Items = m.distinct(counts, volatile)
	if !counts.empty() {
		m.logger.Info("expired items removed",
			zap.Int64("items", counts.Items),
			zap.Int64("short", counts.Short),
			zap.Int64("medium", counts.Medium),
			zap.Int64("long", counts.Long),
		)
	}
	return counts, errors.Join(errs...)
}

// Close 按 长期 -> 中期 -> 短期 的顺序关闭，单个层级失败不影响其余层级
func (m *TieredManager) Close() error {
	var errs []error
	if ann := m.ranker.ANN(); ann != nil {
		if err := ann.Close(); err != nil {
			m.logger.Warn("close ann failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("close ann: %w", err))
		}
	}
	if m.long != nil && m.long != m.medium {
		if err := m.long.Close(); err != nil {
			m.logger.Warn("close long-term failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("close long-term: %w", err))
		}
	}
	if m.medium != nil {
		if err := m.medium.Close(); err != nil {
			m.logger.Warn("close medium-term failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("close medium-term: %w", err))
		}
	}
	m.short.Clear()
	return errors.Join(errs...)
}

func (m *TieredManager) logTierFailure(msg string, tier Tier, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("tier", string(tier)), zap.Error(err))
	if types.IsCircuitOpen(err) {
		m.logger.Debug(msg, fields...)
		return
	}
	m.logger.Warn(msg, fields...)
}
