package ranking

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentmem/types"
)

func ownedItem(id, owner string, emb []float32) *types.MemoryItem {
	it := item(id, emb, 0)
	it.OwnerID = owner
	it.Text = "text " + id
	return it
}

func TestChromemANN_SearchWithinCandidates(t *testing.T) {
	ann, err := NewChromemANN(ChromemConfig{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ann.Close() })

	ctx := context.Background()
	a := ownedItem("a", "u1", []float32{1, 0, 0})
	b := ownedItem("b", "u1", []float32{0.9, 0.1, 0})
	c := ownedItem("c", "u1", []float32{0, 0, 1})
	other := ownedItem("o", "u2", []float32{1, 0, 0})
	require.NoError(t, ann.Index(ctx, []*types.MemoryItem{a, b, c, other, ownedItem("z", "u1", []float32{0, 0, 0})}))
	assert.Equal(t, 4, ann.Count(), "zero vectors are not indexed")

	hits, err := ann.Search(ctx, []float32{1, 0, 0}, 2, []*types.MemoryItem{b, c})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "b", hits[0].ID, "a is closer but not a candidate")
	assert.Equal(t, "c", hits[1].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestChromemANN_Remove(t *testing.T) {
	ann, err := NewChromemANN(ChromemConfig{}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	a := ownedItem("a", "u1", []float32{1, 0})
	b := ownedItem("b", "u2", []float32{0, 1})
	require.NoError(t, ann.Index(ctx, []*types.MemoryItem{a, b}))
	require.NoError(t, ann.Remove(ctx, []string{"a", "b", "missing"}))
	assert.Zero(t, ann.Count())

	hits, err := ann.Search(ctx, []float32{1, 0}, 5, []*types.MemoryItem{a})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemANN_RejectsZeroQuery(t *testing.T) {
	ann, err := NewChromemANN(ChromemConfig{}, nil)
	require.NoError(t, err)
	_, err = ann.Search(context.Background(), []float32{0, 0}, 1, []*types.MemoryItem{ownedItem("a", "u1", []float32{1, 0})})
	assert.True(t, types.IsValidation(err))
}

func TestChromemANN_Persistent(t *testing.T) {
	dir := t.TempDir()
	ann, err := NewChromemANN(ChromemConfig{PersistDir: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, ann.Index(context.Background(), []*types.MemoryItem{ownedItem("a", "u1", []float32{1, 0})}))
	require.NoError(t, ann.Close())

	reopened, err := NewChromemANN(ChromemConfig{PersistDir: dir}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Count())
}

func TestChromemANN_Closed(t *testing.T) {
	ann, err := NewChromemANN(ChromemConfig{}, nil)
	require.NoError(t, err)
	require.NoError(t, ann.Close())

	assert.ErrorIs(t, ann.Ping(context.Background()), ErrANNClosed)
	assert.ErrorIs(t, ann.Index(context.Background(), nil), ErrANNClosed)
	_, err = ann.Search(context.Background(), []float32{1}, 1, []*types.MemoryItem{ownedItem("a", "u1", []float32{1})})
	assert.ErrorIs(t, err, ErrANNClosed)
}

func TestRanker_WithChromem(t *testing.T) {
	ann, err := NewChromemANN(ChromemConfig{}, nil)
	require.NoError(t, err)
	ctx := context.Background()
	cands := []*types.MemoryItem{
		ownedItem("far", "u1", []float32{0, 1}),
		ownedItem("near", "u1", []float32{1, 0.1}),
	}
	require.NoError(t, ann.Index(ctx, cands))

	r := New(ann, Config{}, nil, nil)
	got := r.Rank(ctx, []float32{1, 0}, cands, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "near", got[0].Item.ID)

	h := r.CheckHealth(ctx)
	require.NotNil(t, h)
	assert.Equal(t, types.HealthHealthy, h.Status)
}
