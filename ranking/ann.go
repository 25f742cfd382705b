package ranking

import (
	"context"

	"github.com/BaSui01/agentmem/types"
)

// Hit ANN 返回的命中
type Hit struct {
	ID    string
	Score float64
}

// ANN 近似最近邻后端。Search 只在候选集合内检索，结果按相似度降序。
type ANN interface {
	// Name 后端名称，用作指标标签
	Name() string

	// Index 写入或更新条目向量，没有向量的条目忽略
	Index(ctx context.Context, items []*types.MemoryItem) error

	// Remove 删除条目向量，不存在的 ID 忽略
	Remove(ctx context.Context, ids []string) error

	// Search 在候选集合内检索 topK
	Search(ctx context.Context, query []float32, topK int, candidates []*types.MemoryItem) ([]Hit, error)

	// Ping 检查后端可用性
	Ping(ctx context.Context) error

	// Close 释放资源
	Close() error
}
