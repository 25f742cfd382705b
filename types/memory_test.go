package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemKind_Valid(t *testing.T) {
	for _, k := range []ItemKind{KindConversation, KindNote, KindSystem} {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, ItemKind("").Valid())
	assert.False(t, ItemKind("tool_call").Valid())
}

func TestMemoryItem_CloneIsDeep(t *testing.T) {
	exp := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	orig := &MemoryItem{
		ID:        "i1",
		Embedding: []float32{1, 2},
		ExpiresAt: &exp,
		Metadata:  map[string]string{MetaSource: "user"},
	}
	c := orig.Clone()
	require.Equal(t, orig, c)

	c.Embedding[0] = 9
	c.Metadata[MetaSource] = "tool"
	*c.ExpiresAt = exp.Add(time.Hour)

	assert.Equal(t, float32(1), orig.Embedding[0])
	assert.Equal(t, "user", orig.Metadata[MetaSource])
	assert.Equal(t, exp, *orig.ExpiresAt)

	var nilItem *MemoryItem
	assert.Nil(t, nilItem.Clone())
	assert.Len(t, CloneItems([]*MemoryItem{orig, nil}), 2)
}

func TestMemoryItem_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Second), now.Add(time.Second)

	assert.False(t, (&MemoryItem{}).Expired(now), "no expiry never expires")
	assert.True(t, (&MemoryItem{ExpiresAt: &past}).Expired(now))
	assert.True(t, (&MemoryItem{ExpiresAt: &now}).Expired(now), "expiry is inclusive")
	assert.False(t, (&MemoryItem{ExpiresAt: &future}).Expired(now))
}

func TestMemoryItem_Confidence(t *testing.T) {
	item := &MemoryItem{}
	_, ok := item.Confidence()
	assert.False(t, ok)

	item.Metadata = map[string]string{MetaConfidence: "0.85"}
	v, ok := item.Confidence()
	require.True(t, ok)
	assert.InDelta(t, 0.85, v, 1e-9)

	item.Metadata[MetaConfidence] = "high"
	_, ok = item.Confidence()
	assert.False(t, ok)
}

func TestMemoryItem_ContentHash(t *testing.T) {
	a := &MemoryItem{ID: "a", Persona: "user", Text: "hello"}
	b := &MemoryItem{ID: "b", Persona: "user", Text: "hello", CreatedAt: time.Now()}
	c := &MemoryItem{Persona: "assistant", Text: "hello"}
	d := &MemoryItem{Persona: "userh", Text: "ello"}

	assert.Equal(t, a.ContentHash(), b.ContentHash(), "id and time do not affect the hash")
	assert.NotEqual(t, a.ContentHash(), c.ContentHash())
	assert.NotEqual(t, a.ContentHash(), d.ContentHash(), "persona and text are separated")
	assert.Len(t, a.ContentHash(), 64)
}

func TestAgentRecord_Clone(t *testing.T) {
	r := &AgentRecord{ID: "r1", Payload: json.RawMessage(`{"a":1}`), Metadata: map[string]string{"k": "v"}}
	c := r.Clone()
	c.Payload[2] = 'b'
	c.Metadata["k"] = "w"
	assert.JSONEq(t, `{"a":1}`, string(r.Payload))
	assert.Equal(t, "v", r.Metadata["k"])
	assert.Nil(t, CloneMetadata(nil))
}
