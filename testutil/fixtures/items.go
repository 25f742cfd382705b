// =============================================================================
// 📦 测试数据工厂 - 记忆条目测试数据
// =============================================================================
// 提供预定义的对话条目、笔记与 Agent 记录，用于测试
// =============================================================================
package fixtures

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/agentmem/types"
)

// BaseTime 所有夹具的基准时间
var BaseTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// =============================================================================
// 🎯 对话条目工厂
// =============================================================================

// UserMessage 返回用户发出的对话条目
func UserMessage(id, owner, text string, offset time.Duration) *types.MemoryItem {
	return &types.MemoryItem{
		ID:        id,
		OwnerID:   owner,
		SessionID: "s1",
		Kind:      types.KindConversation,
		Persona:   "user",
		Text:      text,
		CreatedAt: BaseTime.Add(offset),
		Metadata:  map[string]string{types.MetaSource: "user"},
	}
}

// AssistantMessage 返回助手回复，默认不满足晋升条件
func AssistantMessage(id, owner, text string, offset time.Duration) *types.MemoryItem {
	return &types.MemoryItem{
		ID:        id,
		OwnerID:   owner,
		SessionID: "s1",
		Kind:      types.KindConversation,
		Persona:   "assistant",
		Text:      text,
		CreatedAt: BaseTime.Add(offset),
		Metadata:  map[string]string{types.MetaSource: "assistant"},
	}
}

// Note 返回带向量的笔记
func Note(id, owner string, embedding []float32, offset time.Duration) *types.MemoryItem {
	return &types.MemoryItem{
		ID:        id,
		OwnerID:   owner,
		Kind:      types.KindNote,
		Text:      "note " + id,
		Embedding: embedding,
		CreatedAt: BaseTime.Add(offset),
	}
}

// Expiring 为条目设置过期时间并返回
func Expiring(item *types.MemoryItem, expiresAt time.Time) *types.MemoryItem {
	item.ExpiresAt = &expiresAt
	return item
}

// =============================================================================
// 💬 对话历史
// =============================================================================

// SimpleConversation 返回一问一答的两条对话
func SimpleConversation(owner string) []*types.MemoryItem {
	return []*types.MemoryItem{
		UserMessage("conv-1", owner, "Hello!", 0),
		AssistantMessage("conv-2", owner, "Hi! How can I help you today?", time.Second),
	}
}

// LongConversation 返回 turns 轮对话，每轮一条用户消息一条助手消息
func LongConversation(owner string, turns int) []*types.MemoryItem {
	items := make([]*types.MemoryItem, 0, turns*2)
	for i := 0; i < turns; i++ {
		offset := time.Duration(i*2) * time.Second
		items = append(items,
			UserMessage(fmt.Sprintf("turn-%03d-u", i), owner, fmt.Sprintf("question %d", i), offset),
			AssistantMessage(fmt.Sprintf("turn-%03d-a", i), owner, fmt.Sprintf("answer %d", i), offset+time.Second),
		)
	}
	return items
}

// =============================================================================
// 🤖 Agent 记录
// =============================================================================

// AgentRecord 返回带 JSON 负载的 Agent 记录
func AgentRecord(id, agentID string, payload any) *types.AgentRecord {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return &types.AgentRecord{
		ID:        id,
		AgentID:   agentID,
		Kind:      "observation",
		Payload:   raw,
		CreatedAt: BaseTime,
		Metadata:  map[string]string{"run": "test"},
	}
}
