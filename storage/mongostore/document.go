package mongostore

import (
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/BaSui01/agentmem/storage"
	"github.com/BaSui01/agentmem/types"
)

// 字段名与关系型表列保持一致
const (
	fieldID        = "_id"
	fieldOwnerID   = "owner_id"
	fieldSessionID = "session_id"
	fieldKind      = "kind"
	fieldPersona   = "persona"
	fieldCreatedAt = "created_at"
	fieldExpiresAt = "expires_at"
	fieldMetadata  = "metadata"
)

// itemDoc memory_items 集合文档。BSON 时间精度为毫秒。
type itemDoc struct {
	ID        string            `bson:"_id"`
	OwnerID   string            `bson:"owner_id"`
	SessionID string            `bson:"session_id,omitempty"`
	Kind      string            `bson:"kind"`
	Persona   string            `bson:"persona,omitempty"`
	Text      string            `bson:"text,omitempty"`
	Embedding []float32         `bson:"embedding,omitempty"`
	Metadata  map[string]string `bson:"metadata,omitempty"`
	CreatedAt time.Time         `bson:"created_at"`
	ExpiresAt *time.Time        `bson:"expires_at,omitempty"`
}

// recordDoc agent_records 集合文档，payload 以 JSON 文本保存
type recordDoc struct {
	ID        string            `bson:"_id"`
	AgentID   string            `bson:"agent_id"`
	Kind      string            `bson:"kind"`
	Payload   string            `bson:"payload,omitempty"`
	Metadata  map[string]string `bson:"metadata,omitempty"`
	CreatedAt time.Time         `bson:"created_at"`
}

func toItemDoc(item *types.MemoryItem) *itemDoc {
	doc := &itemDoc{
		ID:        item.ID,
		OwnerID:   item.OwnerID,
		SessionID: item.SessionID,
		Kind:      string(item.Kind),
		Persona:   item.Persona,
		Text:      item.Text,
		Embedding: item.Embedding,
		Metadata:  item.Metadata,
		CreatedAt: item.CreatedAt.UTC(),
	}
	if item.ExpiresAt != nil {
		t := item.ExpiresAt.UTC()
		doc.ExpiresAt = &t
	}
	return doc
}

func (d *itemDoc) toItem() *types.MemoryItem {
	item := &types.MemoryItem{
		ID:        d.ID,
		OwnerID:   d.OwnerID,
		SessionID: d.SessionID,
		Kind:      types.ItemKind(d.Kind),
		Persona:   d.Persona,
		Text:      d.Text,
		Embedding: d.Embedding,
		Metadata:  d.Metadata,
		CreatedAt: d.CreatedAt.UTC(),
	}
	if d.ExpiresAt != nil {
		t := d.ExpiresAt.UTC()
		item.ExpiresAt = &t
	}
	return item
}

// upsertUpdate created_at 只在插入时写入
func upsertUpdate(doc *itemDoc) bson.D {
	set := bson.D{
		{Key: fieldOwnerID, Value: doc.OwnerID},
		{Key: fieldSessionID, Value: doc.SessionID},
		{Key: fieldKind, Value: doc.Kind},
		{Key: fieldPersona, Value: doc.Persona},
		{Key: "text", Value: doc.Text},
		{Key: "embedding", Value: doc.Embedding},
		{Key: fieldMetadata, Value: doc.Metadata},
		{Key: fieldExpiresAt, Value: doc.ExpiresAt},
	}
	return bson.D{
		{Key: "$set", Value: set},
		{Key: "$setOnInsert", Value: bson.D{{Key: fieldCreatedAt, Value: doc.CreatedAt}}},
	}
}

func toRecordDoc(record *types.AgentRecord) *recordDoc {
	return &recordDoc{
		ID:        record.ID,
		AgentID:   record.AgentID,
		Kind:      record.Kind,
		Payload:   string(record.Payload),
		Metadata:  record.Metadata,
		CreatedAt: record.CreatedAt.UTC(),
	}
}

func (d *recordDoc) toRecord() *types.AgentRecord {
	r := &types.AgentRecord{
		ID:        d.ID,
		AgentID:   d.AgentID,
		Kind:      d.Kind,
		Metadata:  d.Metadata,
		CreatedAt: d.CreatedAt.UTC(),
	}
	if d.Payload != "" {
		r.Payload = json.RawMessage(d.Payload)
	}
	return r
}

// queryFilter 把 QueryFilter 翻译成 Mongo 查询，元数据条件直接下推到子文档字段
func queryFilter(ownerID string, f storage.QueryFilter, now time.Time) bson.D {
	q := bson.D{{Key: fieldOwnerID, Value: ownerID}}
	if f.SessionID != "" {
		q = append(q, bson.E{Key: fieldSessionID, Value: f.SessionID})
	}
	if len(f.Kinds) > 0 {
		kinds := make(bson.A, 0, len(f.Kinds))
		for _, k := range f.Kinds {
			kinds = append(kinds, string(k))
		}
		q = append(q, bson.E{Key: fieldKind, Value: bson.D{{Key: "$in", Value: kinds}}})
	}
	if f.Persona != "" {
		q = append(q, bson.E{Key: fieldPersona, Value: f.Persona})
	}

	created := bson.D{}
	if !f.CreatedAfter.IsZero() {
		created = append(created, bson.E{Key: "$gt", Value: f.CreatedAfter.UTC()})
	}
	if !f.CreatedBefore.IsZero() {
		created = append(created, bson.E{Key: "$lt", Value: f.CreatedBefore.UTC()})
	}
	if len(created) > 0 {
		q = append(q, bson.E{Key: fieldCreatedAt, Value: created})
	}

	for _, k := range sortedKeys(f.Metadata) {
		q = append(q, bson.E{Key: fieldMetadata + "." + k, Value: f.Metadata[k]})
	}

	if !f.IncludeExpired {
		// null 同时匹配缺失字段
		q = append(q, bson.E{Key: "$or", Value: bson.A{
			bson.D{{Key: fieldExpiresAt, Value: nil}},
			bson.D{{Key: fieldExpiresAt, Value: bson.D{{Key: "$gt", Value: now.UTC()}}}},
		}})
	}
	return q
}

// deleteFilter 把 DeleteFilter 翻译成 Mongo 查询，各字段为 AND 关系
func deleteFilter(f storage.DeleteFilter) bson.D {
	q := bson.D{}
	if len(f.IDs) > 0 {
		ids := make(bson.A, 0, len(f.IDs))
		for _, id := range f.IDs {
			ids = append(ids, id)
		}
		q = append(q, bson.E{Key: fieldID, Value: bson.D{{Key: "$in", Value: ids}}})
	}
	if f.OwnerID != "" {
		q = append(q, bson.E{Key: fieldOwnerID, Value: f.OwnerID})
	}
	if f.SessionID != "" {
		q = append(q, bson.E{Key: fieldSessionID, Value: f.SessionID})
	}
	if f.Kind != "" {
		q = append(q, bson.E{Key: fieldKind, Value: string(f.Kind)})
	}
	if !f.ExpiredBefore.IsZero() {
		// $lte 不匹配 null 与缺失字段
		q = append(q, bson.E{Key: fieldExpiresAt, Value: bson.D{{Key: "$lte", Value: f.ExpiredBefore.UTC()}}})
	}
	return q
}

// newestFirst 排序：created_at 倒序，_id 倒序
var newestFirst = bson.D{{Key: fieldCreatedAt, Value: -1}, {Key: fieldID, Value: -1}}
