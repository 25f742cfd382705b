package ranking

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmem/circuitbreaker"
	"github.com/BaSui01/agentmem/internal/metrics"
	"github.com/BaSui01/agentmem/types"
)

// =============================================================================
// 🔍 相似度排序
// =============================================================================

// Scored 带分数的候选条目
type Scored struct {
	Item  *types.MemoryItem
	Score float64
}

// Config 排序器配置
type Config struct {
	// ANNFailureThreshold ANN 连续失败多少次后暂停委托
	ANNFailureThreshold int

	// ANNRetryAfter 暂停委托后多久重新尝试 ANN
	ANNRetryAfter time.Duration

	// Now 测试用时钟
	Now func() time.Time
}

// Ranker 余弦相似度排序器。配置了 ANN 且可用时委托给 ANN，失败时回退到精确打分。
type Ranker struct {
	ann     ANN
	breaker circuitbreaker.CircuitBreaker
	metrics *metrics.Collector
	logger  *zap.Logger
}

// New 创建排序器，ann 可为 nil
func New(ann ANN, config Config, collector *metrics.Collector, logger *zap.Logger) *Ranker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ANNFailureThreshold <= 0 {
		config.ANNFailureThreshold = 3
	}
	if config.ANNRetryAfter <= 0 {
		config.ANNRetryAfter = 30 * time.Second
	}

	r := &Ranker{
		ann:     ann,
		metrics: collector,
		logger:  logger.With(zap.String("component", "ranker")),
	}
	if ann != nil {
		r.breaker = circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
			Name:             "ann_" + ann.Name(),
			Threshold:        config.ANNFailureThreshold,
			ResetTimeout:     config.ANNRetryAfter,
			HalfOpenMaxCalls: 1,
			Now:              config.Now,
		}, r.logger)
	}
	return r
}

// ANN 返回配置的 ANN 后端，可能为 nil
func (r *Ranker) ANN() ANN { return r.ann }

// Rank 对候选条目打分，按分数降序返回至多 topK 个。
// 同分时 created_at 较新者在前，再按 ID 升序。维度不一致或没有向量的候选被跳过。
func (r *Ranker) Rank(ctx context.Context, query []float32, candidates []*types.MemoryItem, topK int) []Scored {
	if len(candidates) == 0 || topK <= 0 || len(query) == 0 {
		return []Scored{}
	}

	if r.ann != nil {
		hits, err := circuitbreaker.CallTyped(r.breaker, ctx, func(ctx context.Context) ([]Hit, error) {
			return r.ann.Search(ctx, query, topK, candidates)
		})
		if err == nil {
			r.metrics.RecordRank(r.ann.Name())
			return mapHits(hits, candidates, topK)
		}
		r.fallback(err)
	}

	return r.Exact(query, candidates, topK)
}

// Exact 只用精确打分，不经过 ANN。用于未写入 ANN 索引的候选（例如短期记忆）。
func (r *Ranker) Exact(query []float32, candidates []*types.MemoryItem, topK int) []Scored {
	if len(candidates) == 0 || topK <= 0 || len(query) == 0 {
		return []Scored{}
	}
	r.metrics.RecordRank("exact")
	return r.exact(query, candidates, topK)
}

func (r *Ranker) fallback(err error) {
	r.metrics.RecordRankerFallback(r.ann.Name())
	if types.IsCircuitOpen(err) {
		r.logger.Debug("ann paused, using exact scorer", zap.String("ann", r.ann.Name()))
		return
	}
	if types.IsTransient(err) {
		r.logger.Warn("ann unavailable, using exact scorer", zap.String("ann", r.ann.Name()), zap.Error(err))
		return
	}
	// 非瞬时错误同样回退，但以 Error 级别记录以免掩盖缺陷
	r.logger.Error("ann search failed, using exact scorer", zap.String("ann", r.ann.Name()), zap.Error(err))
}

// exact 精确余弦打分
func (r *Ranker) exact(query []float32, candidates []*types.MemoryItem, topK int) []Scored {
	out := make([]Scored, 0, len(candidates))
	skipped := 0
	for _, c := range candidates {
		if c == nil || len(c.Embedding) != len(query) {
			skipped++
			continue
		}
		out = append(out, Scored{Item: c, Score: Cosine(query, c.Embedding)})
	}
	if skipped > 0 {
		r.logger.Debug("candidates skipped on dimension mismatch",
			zap.Int("skipped", skipped),
			zap.Int("dimension", len(query)),
		)
	}

	SortScored(out)
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

// mapHits 把 ANN 命中映射回候选集合，候选集外的命中丢弃，顺序保持 ANN 返回的顺序
func mapHits(hits []Hit, candidates []*types.MemoryItem, topK int) []Scored {
	byID := make(map[string]*types.MemoryItem, len(candidates))
	for _, c := range candidates {
		if c != nil {
			byID[c.ID] = c
		}
	}
	out := make([]Scored, 0, len(hits))
	seen := make(map[string]struct{}, len(hits))
	for _, h := range hits {
		item, ok := byID[h.ID]
		if !ok {
			continue
		}
		if _, dup := seen[h.ID]; dup {
			continue
		}
		seen[h.ID] = struct{}{}
		out = append(out, Scored{Item: item, Score: h.Score})
		if len(out) == topK {
			break
		}
	}
	return out
}

// CheckHealth ANN 健康状态，未配置时返回 nil
func (r *Ranker) CheckHealth(ctx context.Context) *types.ComponentHealth {
	if r.ann == nil {
		return nil
	}
	name := "ann_" + r.ann.Name()
	start := time.Now()
	if err := r.ann.Ping(ctx); err != nil {
		h := types.Unhealthy(name, err)
		h.Latency = time.Since(start)
		return &h
	}
	h := types.Healthy(name, time.Since(start))
	h.Details = map[string]string{"circuit_state": r.breaker.State().String()}
	if r.breaker.State() != circuitbreaker.StateClosed {
		h.Status = types.HealthDegraded
	}
	return &h
}

// Cosine dot(a,b)/(|a||b|)，零向量得 0，调用方保证等长
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// SortScored 分数降序，同分 created_at 新者在前，再按 ID 升序
func SortScored(s []Scored) {
	sort.SliceStable(s, func(i, j int) bool {
		a, b := s[i], s[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Item.CreatedAt.Equal(b.Item.CreatedAt) {
			return a.Item.CreatedAt.After(b.Item.CreatedAt)
		}
		return a.Item.ID < b.Item.ID
	})
}
