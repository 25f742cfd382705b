package mongostore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmem/storage"
	"github.com/BaSui01/agentmem/types"
)

var now = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func lookup(d bson.D, key string) (any, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// =============================================================================
// 🧪 文档映射
// =============================================================================

func TestItemDoc_RoundTrip(t *testing.T) {
	exp := now.Add(time.Hour)
	item := &types.MemoryItem{
		ID:        "a",
		OwnerID:   "u1",
		SessionID: "s1",
		Kind:      types.KindNote,
		Persona:   "user",
		Text:      "hello",
		Embedding: []float32{0.1, 0.2},
		CreatedAt: now.In(time.FixedZone("CST", 8*3600)),
		ExpiresAt: &exp,
		Metadata:  map[string]string{"source": "user"},
	}

	raw, err := bson.Marshal(toItemDoc(item))
	require.NoError(t, err)

	var doc itemDoc
	require.NoError(t, bson.Unmarshal(raw, &doc))
	got := doc.toItem()

	assert.Equal(t, "a", got.ID)
	assert.Equal(t, types.KindNote, got.Kind)
	assert.Equal(t, item.Embedding, got.Embedding)
	assert.Equal(t, item.Metadata, got.Metadata)
	assert.Equal(t, time.UTC, got.CreatedAt.Location())
	assert.True(t, now.Equal(got.CreatedAt))
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, exp.Equal(*got.ExpiresAt))
}

func TestItemDoc_OmitsEmptyOptionalFields(t *testing.T) {
	raw, err := bson.Marshal(toItemDoc(&types.MemoryItem{ID: "a", OwnerID: "u1", Kind: types.KindSystem, CreatedAt: now}))
	require.NoError(t, err)

	var m bson.M
	require.NoError(t, bson.Unmarshal(raw, &m))
	assert.NotContains(t, m, "expires_at")
	assert.NotContains(t, m, "embedding")
	assert.NotContains(t, m, "metadata")
	assert.Equal(t, "a", m["_id"])
}

func TestUpsertUpdate_CreatedAtOnlyOnInsert(t *testing.T) {
	u := upsertUpdate(toItemDoc(&types.MemoryItem{ID: "a", OwnerID: "u1", CreatedAt: now}))

	set, ok := lookup(u, "$set")
	require.True(t, ok)
	_, hasCreated := lookup(set.(bson.D), fieldCreatedAt)
	assert.False(t, hasCreated)

	onInsert, ok := lookup(u, "$setOnInsert")
	require.True(t, ok)
	v, ok := lookup(onInsert.(bson.D), fieldCreatedAt)
	require.True(t, ok)
	assert.True(t, now.Equal(v.(time.Time)))
}

func TestRecordDoc_RoundTrip(t *testing.T) {
	rec := &types.AgentRecord{ID: "r1", AgentID: "agent", Kind: "obs", Payload: []byte(`{"k":1}`), CreatedAt: now}
	got := toRecordDoc(rec).toRecord()
	assert.JSONEq(t, `{"k":1}`, string(got.Payload))
	assert.Equal(t, "agent", got.AgentID)

	empty := toRecordDoc(&types.AgentRecord{ID: "r2", AgentID: "a", CreatedAt: now}).toRecord()
	assert.Nil(t, empty.Payload)
}

// =============================================================================
// 🧪 过滤条件翻译
// =============================================================================

func TestQueryFilter_Translation(t *testing.T) {
	f := storage.QueryFilter{
		SessionID:     "s1",
		Kinds:         []types.ItemKind{types.KindConversation, types.KindNote},
		Persona:       "assistant",
		CreatedAfter:  now.Add(-time.Hour),
		CreatedBefore: now,
		Metadata:      map[string]string{"topic": "billing", "lang": "zh"},
	}
	q := queryFilter("u1", f, now)

	v, _ := lookup(q, fieldOwnerID)
	assert.Equal(t, "u1", v)
	v, _ = lookup(q, fieldSessionID)
	assert.Equal(t, "s1", v)

	kinds, _ := lookup(q, fieldKind)
	in, _ := lookup(kinds.(bson.D), "$in")
	assert.Equal(t, bson.A{"conversation", "note"}, in)

	created, _ := lookup(q, fieldCreatedAt)
	gt, _ := lookup(created.(bson.D), "$gt")
	lt, _ := lookup(created.(bson.D), "$lt")
	assert.True(t, now.Add(-time.Hour).Equal(gt.(time.Time)))
	assert.True(t, now.Equal(lt.(time.Time)))

	v, _ = lookup(q, "metadata.topic")
	assert.Equal(t, "billing", v)
	v, _ = lookup(q, "metadata.lang")
	assert.Equal(t, "zh", v)

	or, ok := lookup(q, "$or")
	require.True(t, ok, "expired items excluded by default")
	assert.Len(t, or, 2)
}

func TestQueryFilter_IncludeExpired(t *testing.T) {
	q := queryFilter("u1", storage.QueryFilter{IncludeExpired: true}, now)
	_, ok := lookup(q, "$or")
	assert.False(t, ok)
	assert.Len(t, q, 1)
}

func TestDeleteFilter_Translation(t *testing.T) {
	q := deleteFilter(storage.DeleteFilter{
		IDs:           []string{"a", "b"},
		OwnerID:       "u1",
		Kind:          types.KindNote,
		ExpiredBefore: now,
	})

	ids, _ := lookup(q, fieldID)
	in, _ := lookup(ids.(bson.D), "$in")
	assert.Equal(t, bson.A{"a", "b"}, in)

	exp, _ := lookup(q, fieldExpiresAt)
	lte, _ := lookup(exp.(bson.D), "$lte")
	assert.True(t, now.Equal(lte.(time.Time)))

	v, _ := lookup(q, fieldKind)
	assert.Equal(t, "note", v)
}

// =============================================================================
// 🧪 构造与错误分类
// =============================================================================

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), Config{}, nil)
	assert.True(t, types.IsValidation(err))

	_, err = NewWithClient(context.Background(), nil, Config{}, nil)
	assert.True(t, types.IsDependencyMissing(err))
}

func TestStore_UnreachableServerIsUnhealthy(t *testing.T) {
	s, err := New(context.Background(), Config{
		URI:            "mongodb://127.0.0.1:1/?directConnection=true",
		ConnectTimeout: 100 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err, "connect is lazy")
	defer s.Close()

	h := s.CheckHealth(context.Background())
	assert.Equal(t, types.HealthUnhealthy, h.Status)
	assert.Equal(t, backendName, h.Name)
}

func TestStore_InvalidInputRejectedBeforeNetwork(t *testing.T) {
	s, err := New(context.Background(), Config{URI: "mongodb://127.0.0.1:1", ConnectTimeout: 50 * time.Millisecond}, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.SaveItem(context.Background(), &types.MemoryItem{ID: "a"})
	assert.True(t, types.IsValidation(err))
	_, err = s.QueryItems(context.Background(), "u1", storage.QueryFilter{}, 0)
	assert.True(t, types.IsValidation(err))
	_, err = s.DeleteItems(context.Background(), storage.DeleteFilter{})
	assert.True(t, types.IsValidation(err))
}

func TestClassify(t *testing.T) {
	s := &Store{logger: zap.NewNop()}

	assert.ErrorIs(t, s.classify("op", context.Canceled), context.Canceled)
	assert.True(t, types.IsTransient(s.classify("op", context.DeadlineExceeded)))
	assert.False(t, types.IsTransient(s.classify("op", errors.New("duplicate key"))))
	assert.NoError(t, s.classify("op", nil))
}
