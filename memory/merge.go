package memory

import (
	"strconv"

	"github.com/BaSui01/agentmem/storage"
	"github.com/BaSui01/agentmem/types"
)

// Tier 记忆层级
type Tier string

const (
	TierShort  Tier = "short"
	TierMedium Tier = "medium"
	TierLong   Tier = "long"
)

// tierResult 单个层级的读取结果
type tierResult struct {
	tier  Tier
	items []*types.MemoryItem
}

// dedupKey 有 ID 时按 ID 去重，否则按内容哈希加创建时间
func dedupKey(item *types.MemoryItem) string {
	if item.ID != "" {
		return "id:" + item.ID
	}
	return "h:" + item.ContentHash() + "@" + strconv.FormatInt(item.CreatedAt.UnixNano(), 10)
}

// tagged 返回带层级标记的副本，标记只出现在结果中，不写回存储
func tagged(item *types.MemoryItem, tier Tier) *types.MemoryItem {
	c := item.Clone()
	if c.Metadata == nil {
		c.Metadata = make(map[string]string, 1)
	}
	c.Metadata[types.MetaTier] = string(tier)
	return c
}

// mergeTiers 按参数顺序合并，先出现者保留，随后按 created_at 倒序截断。
// 调用方按 短期 -> 中期 -> 长期 的顺序传入，最近一次写入的副本胜出；limit < 0 表示不截断。
func mergeTiers(limit int, results ...tierResult) []*types.MemoryItem {
	seen := make(map[string]struct{})
	var out []*types.MemoryItem
	for _, r := range results {
		for _, item := range r.items {
			if item == nil {
				continue
			}
			key := dedupKey(item)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, tagged(item, r.tier))
		}
	}
	if out == nil {
		out = []*types.MemoryItem{}
	}
	storage.SortNewestFirst(out)
	return storage.Truncate(out, limit)
}

// countDistinct 多个层级结果去重后的条目数
func countDistinct(results ...tierResult) int {
	seen := make(map[string]struct{})
	for _, r := range results {
		for _, item := range r.items {
			if item != nil {
				seen[dedupKey(item)] = struct{}{}
			}
		}
	}
	return len(seen)
}
