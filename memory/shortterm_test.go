package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/agentmem/storage"
	"github.com/BaSui01/agentmem/testutil"
	"github.com/BaSui01/agentmem/testutil/fixtures"
	"github.com/BaSui01/agentmem/types"
)

var now = fixtures.BaseTime.Add(time.Hour)

func TestShortTerm_EvictsLeastRecentlyUsed(t *testing.T) {
	s := NewShortTerm(2)

	assert.Zero(t, s.Put(fixtures.UserMessage("a", "u1", "a", 0)))
	assert.Zero(t, s.Put(fixtures.UserMessage("b", "u1", "b", time.Second)))

	// 读取 a 使其成为最近使用
	_, ok := s.Get("a", now)
	require.True(t, ok)

	assert.Equal(t, 1, s.Put(fixtures.UserMessage("c", "u1", "c", 2*time.Second)))
	_, ok = s.Get("b", now)
	assert.False(t, ok, "b was least recently used")
	_, ok = s.Get("a", now)
	assert.True(t, ok)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, uint64(1), s.Evicted())
}

func TestShortTerm_OverwriteKeepsSize(t *testing.T) {
	s := NewShortTerm(3)
	s.Put(fixtures.UserMessage("a", "u1", "v1", 0))
	s.Put(fixtures.UserMessage("a", "u1", "v2", 0))

	got, ok := s.Get("a", now)
	require.True(t, ok)
	assert.Equal(t, "v2", got.Text)
	assert.Equal(t, 1, s.Len())
}

func TestShortTerm_OwnerChangeMovesIndex(t *testing.T) {
	s := NewShortTerm(3)
	s.Put(fixtures.UserMessage("a", "u1", "x", 0))
	s.Put(fixtures.UserMessage("a", "u2", "x", 0))

	assert.Empty(t, s.List("u1", storage.QueryFilter{}, 10, now))
	testutil.AssertItemIDs(t, []string{"a"}, s.List("u2", storage.QueryFilter{}, 10, now))
}

func TestShortTerm_ListIsNewestFirstAndFiltered(t *testing.T) {
	s := NewShortTerm(10)
	for _, it := range fixtures.LongConversation("u1", 3) {
		s.Put(it)
	}
	s.Put(fixtures.UserMessage("other", "u2", "x", time.Hour))

	all := s.List("u1", storage.QueryFilter{}, 10, now)
	require.Len(t, all, 6)
	testutil.AssertNewestFirst(t, all)
	assert.Equal(t, "turn-002-a", all[0].ID)

	users := s.List("u1", storage.QueryFilter{Persona: "user"}, 2, now)
	testutil.AssertItemIDs(t, []string{"turn-002-u", "turn-001-u"}, users)

	assert.Empty(t, s.List("u1", storage.QueryFilter{}, 0, now))
}

func TestShortTerm_ExpiredItems(t *testing.T) {
	s := NewShortTerm(10)
	s.Put(fixtures.Expiring(fixtures.UserMessage("old", "u1", "x", 0), now.Add(-time.Minute)))
	s.Put(fixtures.Expiring(fixtures.UserMessage("live", "u1", "y", 0), now.Add(time.Minute)))
	s.Put(fixtures.UserMessage("forever", "u1", "z", 0))

	assert.Len(t, s.List("u1", storage.QueryFilter{}, 10, now), 2)
	assert.Len(t, s.List("u1", storage.QueryFilter{IncludeExpired: true}, 10, now), 3)

	_, ok := s.Get("old", now)
	assert.False(t, ok)
	assert.Equal(t, 2, s.Len(), "expired item removed lazily on read")

	assert.Equal(t, int64(1), s.RemoveExpired(now.Add(2*time.Minute)))
	assert.Equal(t, int64(0), s.RemoveExpired(now.Add(2*time.Minute)))
	assert.Equal(t, 1, s.Len())
}

func TestShortTerm_Delete(t *testing.T) {
	s := NewShortTerm(10)
	for _, it := range fixtures.LongConversation("u1", 2) {
		s.Put(it)
	}
	s.Put(fixtures.UserMessage("x", "u2", "x", 0))

	assert.Equal(t, int64(1), s.Delete(storage.DeleteFilter{IDs: []string{"turn-000-u", "missing"}}))
	assert.Equal(t, int64(0), s.Delete(storage.DeleteFilter{IDs: []string{"x"}, OwnerID: "u1"}))
	assert.Equal(t, int64(3), s.Delete(storage.DeleteFilter{OwnerID: "u1"}))
	assert.Equal(t, 1, s.Len())
}

func TestShortTerm_PurgeReportsVolatileItems(t *testing.T) {
	s := NewShortTerm(10)
	s.Put(fixtures.UserMessage("stored", "u1", "a", 0))
	s.Put(fixtures.UserMessage("local", "u1", "b", time.Second))
	s.MarkDurable("stored")
	s.MarkDurable("missing")

	// 覆盖写入后需要重新标记
	s.Put(fixtures.UserMessage("rewritten", "u1", "c", 0))
	s.MarkDurable("rewritten")
	s.Put(fixtures.UserMessage("rewritten", "u1", "c2", 0))

	removed, volatile := s.Purge(storage.DeleteFilter{OwnerID: "u1"})
	assert.Equal(t, int64(3), removed)
	assert.Equal(t, int64(2), volatile)
	assert.Zero(t, s.Len())
}

func TestShortTerm_ReturnsCopies(t *testing.T) {
	s := NewShortTerm(10)
	item := fixtures.UserMessage("a", "u1", "orig", 0)
	s.Put(item)
	item.Text = "mutated"

	got, _ := s.Get("a", now)
	assert.Equal(t, "orig", got.Text)
	got.Metadata["k"] = "v"

	again, _ := s.Get("a", now)
	assert.Empty(t, again.Meta("k"))
}

func TestShortTerm_IgnoresItemsWithoutID(t *testing.T) {
	s := NewShortTerm(1)
	s.Put(nil)
	s.Put(&types.MemoryItem{OwnerID: "u1"})
	assert.Zero(t, s.Len())
}

// =============================================================================
// 🧪 属性测试
// =============================================================================

// LRU 模型：容量不超限，最近写入或读取的 capacity 个条目一定保留
func TestProperty_ShortTerm_LRUModel(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 8).Draw(rt, "capacity")
		s := NewShortTerm(capacity)

		var recency []string // 末尾为最近使用
		touch := func(id string) {
			for i, v := range recency {
				if v == id {
					recency = append(recency[:i], recency[i+1:]...)
					break
				}
			}
			recency = append(recency, id)
			if len(recency) > capacity {
				recency = recency[len(recency)-capacity:]
			}
		}

		ops := rapid.IntRange(1, 60).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			id := fmt.Sprintf("k%d", rapid.IntRange(0, 12).Draw(rt, "key"))
			if rapid.Bool().Draw(rt, "put") {
				s.Put(fixtures.UserMessage(id, "u1", id, 0))
				touch(id)
			} else if _, ok := s.Get(id, now); ok {
				touch(id)
			}
			require.LessOrEqual(rt, s.Len(), capacity)
		}

		require.Equal(rt, len(recency), s.Len())
		for _, id := range recency {
			_, ok := s.Get(id, now)
			require.True(rt, ok, "recently used %s must be retained", id)
		}
	})
}
