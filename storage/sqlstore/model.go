package sqlstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/agentmem/types"
)

// itemRow 条目表映射，表名由 Store 指定。embedding 与 metadata 以 JSON 文本存储，保证三种方言一致。
// 索引由 migration 或 autoMigrate 按表名创建。
type itemRow struct {
	ID        string     `gorm:"column:id;primaryKey;size:128"`
	OwnerID   string     `gorm:"column:owner_id;size:128;not null"`
	SessionID string     `gorm:"column:session_id;size:128;not null"`
	Kind      string     `gorm:"column:kind;size:32;not null"`
	Persona   string     `gorm:"column:persona;size:64;not null"`
	Text      string     `gorm:"column:text;type:text;not null"`
	Embedding string     `gorm:"column:embedding;type:text"`
	Metadata  string     `gorm:"column:metadata;type:text"`
	CreatedAt time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
	ExpiresAt *time.Time `gorm:"column:expires_at"`
}

// TableName 实现 gorm.Tabler
func (itemRow) TableName() string { return "memory_items" }

// recordRow agent_records 表映射
type recordRow struct {
	ID        string    `gorm:"column:id;primaryKey;size:128"`
	AgentID   string    `gorm:"column:agent_id;size:128;not null;index:idx_agent_records_agent_created,priority:1"`
	Kind      string    `gorm:"column:kind;size:64;not null"`
	Payload   string    `gorm:"column:payload;type:text"`
	Metadata  string    `gorm:"column:metadata;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime:false;index:idx_agent_records_agent_created,priority:2"`
}

// TableName 实现 gorm.Tabler
func (recordRow) TableName() string { return "agent_records" }

// itemColumns upsert 时覆盖的列，created_at 创建后不可变
var itemColumns = []string{"owner_id", "session_id", "kind", "persona", "text", "embedding", "metadata", "expires_at"}

// recordColumns upsert 时覆盖的列
var recordColumns = []string{"agent_id", "kind", "payload", "metadata"}

func toItemRow(item *types.MemoryItem) (*itemRow, error) {
	row := &itemRow{
		ID:        item.ID,
		OwnerID:   item.OwnerID,
		SessionID: item.SessionID,
		Kind:      string(item.Kind),
		Persona:   item.Persona,
		Text:      item.Text,
		CreatedAt: item.CreatedAt.UTC(),
	}
	if item.ExpiresAt != nil {
		t := item.ExpiresAt.UTC()
		row.ExpiresAt = &t
	}
	if len(item.Embedding) > 0 {
		raw, err := json.Marshal(item.Embedding)
		if err != nil {
			return nil, types.NewValidationError("encode embedding: %v", err)
		}
		row.Embedding = string(raw)
	}
	meta, err := encodeMetadata(item.Metadata)
	if err != nil {
		return nil, err
	}
	row.Metadata = meta
	return row, nil
}

func (r *itemRow) toItem() (*types.MemoryItem, error) {
	item := &types.MemoryItem{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		SessionID: r.SessionID,
		Kind:      types.ItemKind(r.Kind),
		Persona:   r.Persona,
		Text:      r.Text,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.ExpiresAt != nil {
		t := r.ExpiresAt.UTC()
		item.ExpiresAt = &t
	}
	if r.Embedding != "" {
		if err := json.Unmarshal([]byte(r.Embedding), &item.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding of %s: %w", r.ID, err)
		}
	}
	meta, err := decodeMetadata(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", r.ID, err)
	}
	item.Metadata = meta
	return item, nil
}

func toRecordRow(record *types.AgentRecord) (*recordRow, error) {
	meta, err := encodeMetadata(record.Metadata)
	if err != nil {
		return nil, err
	}
	return &recordRow{
		ID:        record.ID,
		AgentID:   record.AgentID,
		Kind:      record.Kind,
		Payload:   string(record.Payload),
		Metadata:  meta,
		CreatedAt: record.CreatedAt.UTC(),
	}, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", types.NewValidationError("encode metadata: %v", err)
	}
	return string(raw), nil
}

func decodeMetadata(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
