// Package storagetest 提供所有 storage.Store 适配器共用的契约测试。
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentmem/storage"
	"github.com/BaSui01/agentmem/types"
)

// Factory 为每个子测试创建一个全新的空存储
type Factory func(t *testing.T) storage.Store

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// NewItem 构造测试条目，offset 决定 created_at 的先后
func NewItem(id, owner string, offset time.Duration) *types.MemoryItem {
	return &types.MemoryItem{
		ID:        id,
		OwnerID:   owner,
		SessionID: "s1",
		Kind:      types.KindConversation,
		Persona:   "user",
		Text:      "text-" + id,
		CreatedAt: base.Add(offset),
		Metadata:  map[string]string{"source": "test"},
	}
}

// RunStoreContract 运行端口契约：幂等 upsert、倒序查询、limit、删除保护、健康检查
func RunStoreContract(t *testing.T, newStore Factory) {
	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		item := NewItem("a", "u1", 0)
		id, err := s.SaveItem(ctx, item)
		require.NoError(t, err)
		assert.Equal(t, "a", id)

		updated := item.Clone()
		updated.Text = "second write"
		_, err = s.SaveItem(ctx, updated)
		require.NoError(t, err)

		got, err := s.GetItem(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "second write", got.Text)
		assert.True(t, item.CreatedAt.Equal(got.CreatedAt))

		all, err := s.QueryItems(ctx, "u1", storage.QueryFilter{}, 10)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("RoundTripKeepsFields", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		exp := base.Add(48 * time.Hour)
		item := NewItem("full", "u1", time.Minute)
		item.Embedding = []float32{0.5, -0.25, 1}
		item.ExpiresAt = &exp
		item.Metadata["confidence"] = "0.9"

		_, err := s.SaveItem(ctx, item)
		require.NoError(t, err)

		got, err := s.GetItem(ctx, "full")
		require.NoError(t, err)
		assert.Equal(t, item.OwnerID, got.OwnerID)
		assert.Equal(t, item.SessionID, got.SessionID)
		assert.Equal(t, item.Kind, got.Kind)
		assert.Equal(t, item.Persona, got.Persona)
		assert.Equal(t, item.Embedding, got.Embedding)
		assert.Equal(t, item.Metadata, got.Metadata)
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, exp.Equal(*got.ExpiresAt))
	})

	t.Run("GetMissingIsNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetItem(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, types.IsNotFound(err))
	})

	t.Run("SaveRejectsInvalidItem", func(t *testing.T) {
		s := newStore(t)
		item := NewItem("x", "", 0)
		_, err := s.SaveItem(context.Background(), item)
		require.Error(t, err)
		assert.True(t, types.IsValidation(err))
	})

	t.Run("QueryNewestFirstWithLimit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			_, err := s.SaveItem(ctx, NewItem(fmt.Sprintf("i%d", i), "u1", time.Duration(i)*time.Second))
			require.NoError(t, err)
		}
		_, err := s.SaveItem(ctx, NewItem("other", "u2", time.Hour))
		require.NoError(t, err)

		got, err := s.QueryItems(ctx, "u1", storage.QueryFilter{}, 3)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "i4", got[0].ID)
		assert.Equal(t, "i3", got[1].ID)
		assert.Equal(t, "i2", got[2].ID)
	})

	t.Run("QueryFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a := NewItem("a", "u1", 0)
		b := NewItem("b", "u1", time.Second)
		b.SessionID = "s2"
		c := NewItem("c", "u1", 2*time.Second)
		c.Kind = types.KindNote
		past := base.Add(-time.Hour)
		d := NewItem("d", "u1", 3*time.Second)
		d.ExpiresAt = &past
		for _, it := range []*types.MemoryItem{a, b, c, d} {
			_, err := s.SaveItem(ctx, it)
			require.NoError(t, err)
		}

		got, err := s.QueryItems(ctx, "u1", storage.QueryFilter{SessionID: "s2"}, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "b", got[0].ID)

		got, err = s.QueryItems(ctx, "u1", storage.QueryFilter{Kinds: []types.ItemKind{types.KindNote}}, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "c", got[0].ID)

		got, err = s.QueryItems(ctx, "u1", storage.QueryFilter{CreatedAfter: base.Add(500 * time.Millisecond)}, 10)
		require.NoError(t, err)
		assert.Len(t, got, 2)

		// 过期条目默认不返回
		got, err = s.QueryItems(ctx, "u1", storage.QueryFilter{}, 10)
		require.NoError(t, err)
		assert.Len(t, got, 3)

		got, err = s.QueryItems(ctx, "u1", storage.QueryFilter{IncludeExpired: true}, 10)
		require.NoError(t, err)
		assert.Len(t, got, 4)
	})

	t.Run("QueryRejectsBadArgs", func(t *testing.T) {
		s := newStore(t)
		_, err := s.QueryItems(context.Background(), "", storage.QueryFilter{}, 10)
		assert.True(t, types.IsValidation(err))
		_, err = s.QueryItems(context.Background(), "u1", storage.QueryFilter{}, 0)
		assert.True(t, types.IsValidation(err))
	})

	t.Run("DeleteEmptyFilterRejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.SaveItem(ctx, NewItem("keep", "u1", 0))
		require.NoError(t, err)

		n, err := s.DeleteItems(ctx, storage.DeleteFilter{})
		require.Error(t, err)
		assert.True(t, types.IsValidation(err))
		assert.Zero(t, n)

		_, err = s.GetItem(ctx, "keep")
		assert.NoError(t, err)
	})

	t.Run("DeleteByOwnerAndIDs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 4; i++ {
			_, err := s.SaveItem(ctx, NewItem(fmt.Sprintf("d%d", i), "u1", time.Duration(i)*time.Second))
			require.NoError(t, err)
		}
		_, err := s.SaveItem(ctx, NewItem("x", "u2", 0))
		require.NoError(t, err)

		n, err := s.DeleteItems(ctx, storage.DeleteFilter{IDs: []string{"d0", "x"}, OwnerID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = s.DeleteItems(ctx, storage.DeleteFilter{OwnerID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		_, err = s.GetItem(ctx, "x")
		assert.NoError(t, err)
	})

	t.Run("DeleteExpired", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		past := base.Add(-time.Minute)
		future := base.Add(time.Hour)
		old := NewItem("old", "u1", 0)
		old.ExpiresAt = &past
		fresh := NewItem("fresh", "u1", 0)
		fresh.ExpiresAt = &future
		forever := NewItem("forever", "u1", 0)
		for _, it := range []*types.MemoryItem{old, fresh, forever} {
			_, err := s.SaveItem(ctx, it)
			require.NoError(t, err)
		}

		n, err := s.DeleteItems(ctx, storage.DeleteFilter{ExpiredBefore: base})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = s.DeleteItems(ctx, storage.DeleteFilter{ExpiredBefore: base})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("AgentRecordUpsert", func(t *testing.T) {
		s := newStore(t)
		rec := &types.AgentRecord{
			ID:        "r1",
			AgentID:   "agent-7",
			Kind:      "observation",
			Payload:   []byte(`{"k":"v"}`),
			CreatedAt: base,
		}
		id, err := s.SaveAgentRecord(context.Background(), rec)
		require.NoError(t, err)
		assert.Equal(t, "r1", id)
		_, err = s.SaveAgentRecord(context.Background(), rec)
		require.NoError(t, err)

		_, err = s.SaveAgentRecord(context.Background(), &types.AgentRecord{ID: "r2", CreatedAt: base})
		assert.True(t, types.IsValidation(err))
	})

	t.Run("HealthNeverFails", func(t *testing.T) {
		s := newStore(t)
		h := s.CheckHealth(context.Background())
		assert.Equal(t, types.HealthHealthy, h.Status)
	})
}
