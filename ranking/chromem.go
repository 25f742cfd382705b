package ranking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmem/types"
)

// ChromemConfig 嵌入式向量库配置
type ChromemConfig struct {
	// PersistDir 非空时持久化到该目录，否则纯内存
	PersistDir string `yaml:"persist_dir" json:"persist_dir"`

	// Oversample 候选过滤前多取的倍数
	Oversample int `yaml:"oversample" json:"oversample"`
}

// ChromemANN 基于 chromem-go 的嵌入式 ANN 后端，每个 owner 一个集合
type ChromemANN struct {
	db         *chromem.DB
	oversample int
	logger     *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// ErrANNClosed ANN 后端已关闭
var ErrANNClosed = errors.New("ann backend is closed")

// NewChromemANN 创建 chromem 后端
func NewChromemANN(cfg ChromemConfig, logger *zap.Logger) (*ChromemANN, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Oversample <= 0 {
		cfg.Oversample = 4
	}

	db := chromem.NewDB()
	if cfg.PersistDir != "" {
		var err error
		db, err = chromem.NewPersistentDB(cfg.PersistDir, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}

	return &ChromemANN{
		db:         db,
		oversample: cfg.Oversample,
		logger:     logger.With(zap.String("component", "ann_chromem")),
	}, nil
}

// Name 实现 ANN
func (c *ChromemANN) Name() string { return "chromem" }

func collectionName(owner string) string {
	return "owner_" + owner
}

func (c *ChromemANN) check() error {
	if c.closed {
		return ErrANNClosed
	}
	return nil
}

// Index 实现 ANN。零向量无法归一化，直接跳过。
func (c *ChromemANN) Index(ctx context.Context, items []*types.MemoryItem) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.check(); err != nil {
		return err
	}

	for _, it := range items {
		if it == nil || len(it.Embedding) == 0 || isZero(it.Embedding) {
			continue
		}
		// 不提供 embedding func：条目总是自带向量
		col, err := c.db.GetOrCreateCollection(collectionName(it.OwnerID), nil, nil)
		if err != nil {
			return fmt.Errorf("get collection: %w", err)
		}
		err = col.AddDocument(ctx, chromem.Document{
			ID:        it.ID,
			Content:   it.Text,
			Embedding: append([]float32(nil), it.Embedding...),
			Metadata: map[string]string{
				"owner_id":   it.OwnerID,
				"created_at": strconv.FormatInt(it.CreatedAt.Unix(), 10),
			},
		})
		if err != nil {
			return fmt.Errorf("add document %s: %w", it.ID, err)
		}
	}
	return nil
}

// Remove 实现 ANN，owner 未知时遍历所有集合
func (c *ChromemANN) Remove(ctx context.Context, ids []string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.check(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	for name, col := range c.db.ListCollections() {
		if err := col.Delete(ctx, nil, nil, ids...); err != nil {
			return fmt.Errorf("delete from %s: %w", name, err)
		}
	}
	return nil
}

// Search 实现 ANN，只检索候选条目所属 owner 的集合
func (c *ChromemANN) Search(ctx context.Context, query []float32, topK int, candidates []*types.MemoryItem) ([]Hit, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.check(); err != nil {
		return nil, err
	}
	if topK <= 0 || len(candidates) == 0 {
		return []Hit{}, nil
	}
	if len(query) == 0 || isZero(query) {
		return nil, types.NewValidationError("query embedding must be non-zero")
	}

	allowed := make(map[string]struct{}, len(candidates))
	owners := make(map[string]struct{})
	for _, cand := range candidates {
		if cand == nil {
			continue
		}
		allowed[cand.ID] = struct{}{}
		owners[cand.OwnerID] = struct{}{}
	}

	var hits []Hit
	for owner := range owners {
		col := c.db.GetCollection(collectionName(owner), nil)
		if col == nil {
			continue
		}
		n := topK * c.oversample
		if count := col.Count(); n > count {
			n = count
		}
		if n == 0 {
			continue
		}
		results, err := col.QueryEmbedding(ctx, query, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", owner, err)
		}
		for _, r := range results {
			if _, ok := allowed[r.ID]; ok {
				hits = append(hits, Hit{ID: r.ID, Score: float64(r.Similarity)})
			}
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Count 所有集合中的向量数
func (c *ChromemANN) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, col := range c.db.ListCollections() {
		n += col.Count()
	}
	return n
}

// Ping 实现 ANN
func (c *ChromemANN) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.check()
}

// Close 实现 ANN
func (c *ChromemANN) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

var _ ANN = (*ChromemANN)(nil)
