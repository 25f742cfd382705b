package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentmem/internal/metrics"
	"github.com/BaSui01/agentmem/ranking"
	"github.com/BaSui01/agentmem/storage"
	"github.com/BaSui01/agentmem/testutil"
	"github.com/BaSui01/agentmem/testutil/fixtures"
	"github.com/BaSui01/agentmem/testutil/mocks"
	"github.com/BaSui01/agentmem/types"
)

type tierFixture struct {
	mgr    *TieredManager
	medium *mocks.MockStore
	long   *mocks.MockStore
	ann    *ranking.ChromemANN
}

func newTiered(t *testing.T, capacity int) *tierFixture {
	t.Helper()
	ann, err := ranking.NewChromemANN(ranking.ChromemConfig{}, nil)
	require.NoError(t, err)

	f := &tierFixture{medium: mocks.NewMockStore(), long: mocks.NewMockStore(), ann: ann}
	collector := metrics.NewCollector("tiertest", prometheus.NewRegistry(), nil)
	f.mgr = NewTieredManager(Config{
		ShortTermMaxItems: capacity,
		Promotion:         DefaultPromotionPolicy(),
		Now:               func() time.Time { return now },
	}, Tiers{
		Medium: f.medium,
		Long:   f.long,
		Ranker: ranking.New(ann, ranking.Config{}, collector, nil),
	}, collector, testutil.TestLogger(t))
	return f
}

var (
	queryFailed = types.NewQueryError("query_items", types.NewUnavailableError("db", io.EOF))
	writeFailed = types.NewWriteError("save_item", types.NewUnavailableError("db", io.EOF))
)

// =============================================================================
// ✍️ Add
// =============================================================================

func TestTiered_AddWritesTiersByPolicy(t *testing.T) {
	f := newTiered(t, 10)
	ctx := testutil.TestContext(t)

	user := fixtures.UserMessage("u", "u1", "remember me", 0)
	user.Embedding = []float32{1, 0}
	reply := fixtures.AssistantMessage("r", "u1", "ok", time.Second)

	require.NoError(t, f.mgr.Add(ctx, user))
	require.NoError(t, f.mgr.Add(ctx, reply))

	assert.Equal(t, 2, f.mgr.ShortTerm().Len())
	assert.Equal(t, 2, f.medium.Len())
	assert.Equal(t, 1, f.long.Len(), "only the user message is promoted")
	assert.Equal(t, 1, f.ann.Count(), "promoted vectors are indexed")
}

func TestTiered_AddReturnsMediumFailure(t *testing.T) {
	f := newTiered(t, 10)
	f.medium.WithSaveError(writeFailed)

	err := f.mgr.Add(context.Background(), fixtures.UserMessage("a", "u1", "x", 0))
	require.Error(t, err)
	testutil.AssertErrorCode(t, types.ErrWriteFailed, err)

	assert.Zero(t, f.mgr.ShortTerm().Len(), "failed write is withdrawn from short-term")
	assert.Zero(t, f.long.Calls(mocks.OpSaveItem))

	got, err := f.mgr.GetHistory(context.Background(), "u1", "", 10, storage.QueryFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTiered_FailedUpdateKeepsDurableVersion(t *testing.T) {
	f := newTiered(t, 10)
	ctx := testutil.TestContext(t)
	require.NoError(t, f.mgr.Add(ctx, fixtures.AssistantMessage("a", "u1", "v1", 0)))

	f.medium.FailNext(mocks.OpSaveItem, writeFailed)
	require.Error(t, f.mgr.Add(ctx, fixtures.AssistantMessage("a", "u1", "v2", 0)))

	got, err := f.mgr.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Text)
	assert.Equal(t, "medium", got.Meta(types.MetaTier))
}

func TestTiered_UnpromotedUpdateDropsStaleLongCopy(t *testing.T) {
	f := newTiered(t, 10)
	ctx := testutil.TestContext(t)
	long := fixtures.AssistantMessage("a", "u1", strings.Repeat("x", 150), 0)
	long.Embedding = []float32{1, 0}
	require.NoError(t, f.mgr.Add(ctx, long))
	require.Equal(t, 1, f.long.Len())
	require.Equal(t, 1, f.ann.Count())

	require.NoError(t, f.mgr.Add(ctx, fixtures.AssistantMessage("a", "u1", "hi", 0)))
	assert.Zero(t, f.long.Len(), "superseded long-term copy removed")
	assert.Zero(t, f.ann.Count())

	got, err := f.mgr.GetHistory(ctx, "u1", "", 10, storage.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Text)
}

func TestTiered_ZeroPromotionPolicyIsHonoured(t *testing.T) {
	long := mocks.NewMockStore()
	mgr := NewTieredManager(Config{}, Tiers{Long: long}, nil, nil)
	require.NoError(t, mgr.Add(context.Background(), fixtures.AssistantMessage("a", "u1", "ok", 0)))
	assert.Equal(t, 1, long.Len(), "MinTextLen 0 promotes any non-empty text")
}

func TestTiered_AddAbsorbsLongTermFailure(t *testing.T) {
	f := newTiered(t, 10)
	f.long.WithSaveError(writeFailed)

	require.NoError(t, f.mgr.Add(context.Background(), fixtures.UserMessage("a", "u1", "x", 0)))
	assert.Equal(t, 1, f.long.Calls(mocks.OpSaveItem))
	assert.Equal(t, 1, f.medium.Len())
}

func TestTiered_AddValidates(t *testing.T) {
	f := newTiered(t, 10)
	err := f.mgr.Add(context.Background(), &types.MemoryItem{ID: "x"})
	assert.True(t, types.IsValidation(err))
	assert.Zero(t, f.mgr.ShortTerm().Len())
}

// =============================================================================
// 📖 GetHistory
// =============================================================================

func TestTiered_HistoryDedupsAcrossTiers(t *testing.T) {
	f := newTiered(t, 10)
	ctx := testutil.TestContext(t)

	for _, it := range fixtures.SimpleConversation("u1") {
		require.NoError(t, f.mgr.Add(ctx, it))
	}

	got, err := f.mgr.GetHistory(ctx, "u1", "", 10, storage.QueryFilter{})
	require.NoError(t, err)
	testutil.AssertItemIDs(t, []string{"conv-2", "conv-1"}, got)
	assert.Equal(t, "short", got[0].Meta(types.MetaTier))
	assert.Equal(t, "short", got[1].Meta(types.MetaTier), "the freshest tier wins the merge")
}

func TestTiered_HistoryPrefersFreshCopyOverStaleLong(t *testing.T) {
	f := newTiered(t, 10)
	ctx := testutil.TestContext(t)
	require.NoError(t, f.mgr.Add(ctx, fixtures.UserMessage("a", "u1", "v1", 0)))

	// 长期写入失败时旧版本留在长期
	f.long.FailNext(mocks.OpSaveItem, writeFailed)
	require.NoError(t, f.mgr.Add(ctx, fixtures.UserMessage("a", "u1", "v2", 0)))

	got, err := f.mgr.GetHistory(ctx, "u1", "", 10, storage.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "v2", got[0].Text)
}

func TestTiered_HistoryStopsAtShortTermWhenSufficient(t *testing.T) {
	f := newTiered(t, 10)
	ctx := testutil.TestContext(t)
	for _, it := range fixtures.LongConversation("u1", 3) {
		require.NoError(t, f.mgr.Add(ctx, it))
	}

	got, err := f.mgr.GetHistory(ctx, "u1", "s1", 4, storage.QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 4)
	assert.Zero(t, f.medium.Calls(mocks.OpQueryItems))
	assert.Zero(t, f.long.Calls(mocks.OpQueryItems))
}

func TestTiered_HistoryFillsFromDurableTiers(t *testing.T) {
	f := newTiered(t, 2)
	ctx := testutil.TestContext(t)
	for _, it := range fixtures.LongConversation("u1", 3) {
		require.NoError(t, f.mgr.Add(ctx, it))
	}

	got, err := f.mgr.GetHistory(ctx, "u1", "", 6, storage.QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 6)
	testutil.AssertNewestFirst(t, got)
}

func TestTiered_HistoryDegradesOnTierFailure(t *testing.T) {
	f := newTiered(t, 10)
	ctx := testutil.TestContext(t)
	require.NoError(t, f.mgr.Add(ctx, fixtures.AssistantMessage("a", "u1", "x", 0)))

	f.medium.WithQueryError(queryFailed)
	f.long.WithQueryError(types.NewCircuitOpenError("db"))

	got, err := f.mgr.GetHistory(ctx, "u1", "", 10, storage.QueryFilter{})
	require.NoError(t, err)
	testutil.AssertItemIDs(t, []string{"a"}, got)

	_, err = f.mgr.GetHistory(ctx, "nobody", "", 10, storage.QueryFilter{})
	require.Error(t, err, "every durable tier failed and short-term is empty")
	assert.True(t, types.IsCircuitOpen(err))
}

func TestTiered_HistoryReturnsUnclassifiedErrors(t *testing.T) {
	f := newTiered(t, 10)
	bug := errors.New("decode: unexpected field")
	f.medium.WithQueryError(bug)

	_, err := f.mgr.GetHistory(context.Background(), "u1", "", 10, storage.QueryFilter{})
	assert.ErrorIs(t, err, bug)
}

func TestTiered_HistoryValidates(t *testing.T) {
	f := newTiered(t, 10)
	_, err := f.mgr.GetHistory(context.Background(), "", "", 10, storage.QueryFilter{})
	assert.True(t, types.IsValidation(err))
	_, err = f.mgr.GetHistory(context.Background(), "u1", "", 0, storage.QueryFilter{})
	assert.True(t, types.IsValidation(err))
}

func TestTiered_HistorySeedsLongTermBySimilarity(t *testing.T) {
	f := newTiered(t, 10)
	ctx := testutil.TestContext(t)

	seed := fixtures.AssistantMessage("m", "u1", "seed", 10*time.Second)
	seed.Embedding = []float32{1, 0}
	f.medium.Seed(ctx, seed)
	notes := []*types.MemoryItem{
		fixtures.Note("near1", "u1", []float32{1, 0}, time.Second),
		fixtures.Note("near2", "u1", []float32{0.9, 0.1}, 2*time.Second),
		fixtures.Note("far1", "u1", []float32{-1, 0}, 5*time.Second),
		fixtures.Note("far2", "u1", []float32{-1, 0.1}, 6*time.Second),
	}
	f.long.Seed(ctx, notes...)
	require.NoError(t, f.ann.Index(ctx, notes))

	got, err := f.mgr.GetHistory(ctx, "u1", "", 2, storage.QueryFilter{})
	require.NoError(t, err)
	testutil.AssertItemIDs(t, []string{"m", "near2"}, got)
}

func TestTiered_HistoryWithoutSeedUsesRecency(t *testing.T) {
	f := newTiered(t, 10)
	ctx := testutil.TestContext(t)
	f.long.Seed(ctx,
		fixtures.Note("old", "u1", nil, time.Second),
		fixtures.Note("new", "u1", nil, 2*time.Second),
	)

	got, err := f.mgr.GetHistory(ctx, "u1", "", 1, storage.QueryFilter{})
	require.NoError(t, err)
	testutil.AssertItemIDs(t, []string{"new"}, got)
}

// =============================================================================
// 🔍 SemanticSearch / Get
// =============================================================================

func TestTiered_SemanticSearchIncludesShortTerm(t *testing.T) {
	f := newTiered(t, 10)
	ctx := testutil.TestContext(t)

	unpromoted := fixtures.AssistantMessage("s", "u1", "short only", 0)
	unpromoted.Embedding = []float32{0, 1}
	require.NoError(t, f.mgr.Add(ctx, unpromoted))
	l := fixtures.Note("l", "u1", []float32{1, 0}, 0)
	f.long.Seed(ctx, l)
	require.NoError(t, f.ann.Index(ctx, []*types.MemoryItem{l}))

	got, err := f.mgr.SemanticSearch(ctx, "u1", []float32{0, 1}, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "s", got[0].Item.ID)
	assert.Equal(t, "short", got[0].Item.Meta(types.MetaTier))
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)
	assert.Equal(t, "l", got[1].Item.ID)
	assert.Equal(t, "long", got[1].Item.Meta(types.MetaTier))

	empty, err := f.mgr.SemanticSearch(ctx, "u1", []float32{0, 1}, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestTiered_SemanticSearchDegrades(t *testing.T) {
	f := newTiered(t, 10)
	ctx := testutil.TestContext(t)
	f.long.WithQueryError(queryFailed)

	_, err := f.mgr.SemanticSearch(ctx, "u1", []float32{1}, 3)
	require.Error(t, err, "no candidates at all")

	it := fixtures.AssistantMessage("s", "u1", "x", 0)
	it.Embedding = []float32{1}
	require.NoError(t, f.mgr.Add(ctx, it))
	got, err := f.mgr.SemanticSearch(ctx, "u1", []float32{1}, 3)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestTiered_GetWalksTiers(t *testing.T) {
	f := newTiered(t, 10)
	ctx := testutil.TestContext(t)
	f.medium.Seed(ctx, fixtures.AssistantMessage("m", "u1", "x", 0))
	f.long.Seed(ctx, fixtures.AssistantMessage("l", "u1", "x", 0))
	require.NoError(t, f.mgr.Add(ctx, fixtures.AssistantMessage("s", "u1", "x", 0)))

	for id, tier := range map[string]string{"s": "short", "m": "medium", "l": "long"} {
		got, err := f.mgr.Get(ctx, id)
		require.NoError(t, err, id)
		assert.Equal(t, tier, got.Meta(types.MetaTier))
	}

	_, err := f.mgr.Get(ctx, "missing")
	assert.True(t, types.IsNotFound(err))

	f.medium.WithGetError(queryFailed)
	_, err = f.mgr.Get(ctx, "missing")
	testutil.AssertErrorCode(t, types.ErrQueryFailed, err)

	got, err := f.mgr.Get(ctx, "l")
	require.NoError(t, err, "long-term still answers when medium is degraded")
	assert.Equal(t, "l", got.ID)
}

// =============================================================================
// 🧹 Delete / Cleanup / Close
// =============================================================================

func TestTiered_DeleteAppliesToEveryTier(t *testing.T) {
	f := newTiered(t, 10)
	ctx := testutil.TestContext(t)
	user := fixtures.UserMessage("a", "u1", "x", 0)
	user.Embedding = []float32{1, 0}
	require.NoError(t, f.mgr.Add(ctx, user))

	counts, err := f.mgr.Delete(ctx, storage.DeleteFilter{IDs: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, TierCounts{Items: 1, Short: 1, Medium: 1, Long: 1}, counts)
	assert.Zero(t, f.ann.Count())

	_, err = f.mgr.Delete(ctx, storage.DeleteFilter{})
	assert.True(t, types.IsValidation(err))
}

func TestTiered_DeleteAttemptsAllTiers(t *testing.T) {
	f := newTiered(t, 10)
	ctx := testutil.TestContext(t)
	require.NoError(t, f.mgr.Add(ctx, fixtures.UserMessage("a", "u1", "x", 0)))
	f.medium.WithDeleteError(writeFailed)

	counts, err := f.mgr.Delete(ctx, storage.DeleteFilter{OwnerID: "u1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, writeFailed)
	assert.Equal(t, int64(1), counts.Short)
	assert.Equal(t, int64(1), counts.Long)
}

func TestTiered_CleanupExpired(t *testing.T) {
	f := newTiered(t, 10)
	ctx := testutil.TestContext(t)
	expired := fixtures.Expiring(fixtures.UserMessage("old", "u1", "x", 0), now.Add(-time.Minute))
	require.NoError(t, f.mgr.Add(ctx, expired))
	require.NoError(t, f.mgr.Add(ctx, fixtures.UserMessage("keep", "u1", "y", 0)))

	counts, err := f.mgr.CleanupExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, TierCounts{Items: 1, Short: 1, Medium: 1, Long: 1}, counts)

	again, err := f.mgr.CleanupExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, TierCounts{}, again, "cleanup is idempotent")
}

func TestTiered_DeleteCountsDistinctWithoutMedium(t *testing.T) {
	long := mocks.NewMockStore()
	mgr := NewTieredManager(Config{Promotion: DefaultPromotionPolicy()}, Tiers{Long: long}, nil, nil)
	ctx := context.Background()
	require.NoError(t, mgr.Add(ctx, fixtures.UserMessage("promoted", "u1", "x", 0)))
	require.NoError(t, mgr.Add(ctx, fixtures.AssistantMessage("local", "u1", "y", time.Second)))

	counts, err := mgr.Delete(ctx, storage.DeleteFilter{OwnerID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, TierCounts{Items: 2, Short: 2, Long: 1}, counts)
}

func TestTiered_CloseAttemptsEveryTier(t *testing.T) {
	f := newTiered(t, 10)
	closeErr := errors.New("close failed")
	f.long.WithError(mocks.OpClose, closeErr)

	err := f.mgr.Close()
	assert.ErrorIs(t, err, closeErr)
	assert.Equal(t, 1, f.long.Calls(mocks.OpClose))
	assert.Equal(t, 1, f.medium.Calls(mocks.OpClose))
	assert.ErrorIs(t, f.ann.Ping(context.Background()), ranking.ErrANNClosed)
}

func TestTiered_AgentRecordNeedsDurableTier(t *testing.T) {
	mgr := NewTieredManager(Config{}, Tiers{}, nil, nil)
	_, err := mgr.SaveAgentRecord(context.Background(), fixtures.AgentRecord("r1", "agent", map[string]int{"x": 1}))
	assert.True(t, types.IsDependencyMissing(err))

	f := newTiered(t, 10)
	id, err := f.mgr.SaveAgentRecord(context.Background(), fixtures.AgentRecord("r1", "agent", map[string]int{"x": 1}))
	require.NoError(t, err)
	assert.Equal(t, "r1", id)
	assert.Equal(t, 1, f.medium.Calls(mocks.OpSaveAgentRecord))
	assert.Zero(t, f.long.Calls(mocks.OpSaveAgentRecord))

	long := mocks.NewMockStore()
	longOnly := NewTieredManager(Config{}, Tiers{Long: long}, nil, nil)
	_, err = longOnly.SaveAgentRecord(context.Background(), fixtures.AgentRecord("r2", "agent", nil))
	require.NoError(t, err)
	assert.Equal(t, 1, long.Calls(mocks.OpSaveAgentRecord))
}
