package storage

import (
	"context"
	"sort"
	"strings"

	"github.com/BaSui01/agentmem/types"
)

// BackendType 存储后端类型
type BackendType string

const (
	BackendMemory     BackendType = "memory"
	BackendDocument   BackendType = "document"
	BackendRelational BackendType = "relational"
)

// ParseBackendType 解析配置中的后端名称，支持常见别名
func ParseBackendType(s string) (BackendType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "memory", "in-memory", "inmemory", "":
		return BackendMemory, nil
	case "document", "document-store", "mongo", "mongodb":
		return BackendDocument, nil
	case "relational", "sql", "postgres", "mysql", "sqlite":
		return BackendRelational, nil
	default:
		return "", types.NewValidationError("unsupported storage backend: %s", s)
	}
}

// DefaultDeleteBatchSize 单次删除请求的默认最大条数
const DefaultDeleteBatchSize = 500

// Store 存储端口，所有适配器与装饰器都实现该接口。
// 每个方法只隔离到一次后端调用，且必须可被并发调用。
type Store interface {
	// SaveItem 保存条目，ID 已存在时覆盖（upsert）
	SaveItem(ctx context.Context, item *types.MemoryItem) (string, error)

	// GetItem 按 ID 读取，不存在时返回 NotFound 错误
	GetItem(ctx context.Context, id string) (*types.MemoryItem, error)

	// QueryItems 查询某个 owner 的条目，按 created_at 倒序，最多 limit 条
	QueryItems(ctx context.Context, ownerID string, filter QueryFilter, limit int) ([]*types.MemoryItem, error)

	// SaveAgentRecord 保存 Agent 原始记录（upsert）
	SaveAgentRecord(ctx context.Context, record *types.AgentRecord) (string, error)

	// DeleteItems 按过滤条件删除，空过滤器返回校验错误
	DeleteItems(ctx context.Context, filter DeleteFilter) (int64, error)

	// CheckHealth 健康检查，永不返回错误
	CheckHealth(ctx context.Context) types.ComponentHealth

	// Close 释放连接等资源
	Close() error
}

// ValidateItem 校验写入存储前的条目不变量
func ValidateItem(item *types.MemoryItem) error {
	if item == nil {
		return types.NewValidationError("item is required")
	}
	if strings.TrimSpace(item.ID) == "" {
		return types.NewValidationError("item id is required")
	}
	if strings.TrimSpace(item.OwnerID) == "" {
		return types.NewValidationError("owner_id is required")
	}
	if item.CreatedAt.IsZero() {
		return types.NewValidationError("created_at is required")
	}
	return nil
}

// ValidateRecord 校验 Agent 记录
func ValidateRecord(record *types.AgentRecord) error {
	if record == nil {
		return types.NewValidationError("record is required")
	}
	if strings.TrimSpace(record.ID) == "" {
		return types.NewValidationError("record id is required")
	}
	if strings.TrimSpace(record.AgentID) == "" {
		return types.NewValidationError("agent_id is required")
	}
	if record.CreatedAt.IsZero() {
		return types.NewValidationError("created_at is required")
	}
	return nil
}

// ValidateQuery 校验查询参数
func ValidateQuery(ownerID string, limit int) error {
	if strings.TrimSpace(ownerID) == "" {
		return types.NewValidationError("owner_id is required")
	}
	if limit < 1 {
		return types.NewValidationError("limit must be >= 1, got %d", limit)
	}
	return nil
}

// SortNewestFirst 按 created_at 倒序排序，时间相同按 ID 倒序保证确定性
func SortNewestFirst(items []*types.MemoryItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

// Truncate 截断到 limit 条
func Truncate(items []*types.MemoryItem, limit int) []*types.MemoryItem {
	if limit >= 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// Chunk 将 ID 切分为不超过 size 的批次
func Chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = DefaultDeleteBatchSize
	}
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
