package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// ItemKind 记忆条目类型
type ItemKind string

const (
	// KindConversation 对话消息，必须带 Text
	KindConversation ItemKind = "conversation"
	// KindNote 笔记
	KindNote ItemKind = "note"
	// KindSystem 系统条目
	KindSystem ItemKind = "system"
)

// Valid reports whether k is one of the known kinds.
func (k ItemKind) Valid() bool {
	switch k {
	case KindConversation, KindNote, KindSystem:
		return true
	}
	return false
}

// Well-known metadata keys.
const (
	MetaSource        = "source"
	MetaForceLongTerm = "force_long_term"
	MetaConfidence    = "confidence"
	MetaTier          = "tier"
	MetaContentHash   = "content_hash"
)

// MemoryItem 单条对话记忆
type MemoryItem struct {
	ID        string            `json:"id"`
	OwnerID   string            `json:"owner_id"`
	SessionID string            `json:"session_id,omitempty"`
	Kind      ItemKind          `json:"kind"`
	Persona   string            `json:"persona,omitempty"`
	Text      string            `json:"text,omitempty"`
	Embedding []float32         `json:"embedding,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so callers never share slices or maps with a store.
func (m *MemoryItem) Clone() *MemoryItem {
	if m == nil {
		return nil
	}
	out := *m
	if m.Embedding != nil {
		out.Embedding = append([]float32(nil), m.Embedding...)
	}
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		out.ExpiresAt = &t
	}
	out.Metadata = CloneMetadata(m.Metadata)
	return &out
}

// Expired reports whether the item has passed its expiry at now.
func (m *MemoryItem) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// Meta returns a metadata value or "".
func (m *MemoryItem) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// Confidence parses metadata["confidence"]; ok is false when absent or malformed.
func (m *MemoryItem) Confidence() (float64, bool) {
	raw := m.Meta(MetaConfidence)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ContentHash 文本内容的稳定哈希，用于无 ID 条目的跨层去重
func (m *MemoryItem) ContentHash() string {
	sum := sha256.Sum256([]byte(m.Persona + "\x00" + m.Text))
	return hex.EncodeToString(sum[:])
}

// AgentRecord 自治 Agent 产出的原始数据
type AgentRecord struct {
	ID        string            `json:"id"`
	AgentID   string            `json:"agent_id"`
	Kind      string            `json:"kind"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *AgentRecord) Clone() *AgentRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Payload != nil {
		out.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	out.Metadata = CloneMetadata(r.Metadata)
	return &out
}

// CloneMetadata copies a metadata map; nil stays nil.
func CloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// CloneItems deep-copies a slice of items.
func CloneItems(items []*MemoryItem) []*MemoryItem {
	out := make([]*MemoryItem, 0, len(items))
	for _, it := range items {
		out = append(out, it.Clone())
	}
	return out
}
