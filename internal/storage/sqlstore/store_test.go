package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/tiermem/internal/storage"
	"github.com/scrypster/tiermem/pkg/types"
)

// newTestStore creates an in-memory SQLite store with all migrations applied.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err, "failed to create test store")
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: DialectPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)",
		pg.rebind("SELECT * FROM t WHERE a = ? AND b IN (?, ?)"))

	lite := &Store{dialect: DialectSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestRecordTagUsage_CountsAndAgents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	require.NoError(t, store.RecordTagUsage(ctx, "acme", []string{"category:pricing", "priority:high"}, "acme:marketing", t1))
	require.NoError(t, store.RecordTagUsage(ctx, "acme", []string{"category:pricing"}, "acme:analyst", t2))
	require.NoError(t, store.RecordTagUsage(ctx, "other", []string{"category:pricing"}, "other:analyst", t2))

	tags, err := store.ListTags(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, tags, 2)

	assert.Equal(t, "category:pricing", tags[0].Tag)
	assert.Equal(t, 2, tags[0].Count)
	assert.True(t, tags[0].LastUsed.Equal(t2))
	assert.ElementsMatch(t, []string{"acme:marketing", "acme:analyst"}, tags[0].Agents)

	assert.Equal(t, "priority:high", tags[1].Tag)
	assert.Equal(t, 1, tags[1].Count)

	top, err := store.TopTags(ctx, "acme", 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "category:pricing", top[0].Tag)
}

func TestRecordTagUsage_RequiresTenant(t *testing.T) {
	store := newTestStore(t)
	err := store.RecordTagUsage(context.Background(), " ", []string{"a:b"}, "x", time.Now())
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestMergeTags_ConservesCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordTagUsage(ctx, "acme", []string{"customer:vip"}, "acme:support", base))
	}
	require.NoError(t, store.RecordTagUsage(ctx, "acme", []string{"customer:VIP"}, "acme:marketing", base.Add(2*time.Hour)))
	require.NoError(t, store.RecordTagUsage(ctx, "acme", []string{"customer:vip "}, "acme:support", base.Add(time.Hour)))

	tags, err := store.ListTags(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, tags, 3)

	byTag := map[string]types.TagIndexEntry{}
	for _, e := range tags {
		byTag[e.Tag] = e
	}
	primary := byTag["customer:vip"]

	merged, err := store.MergeTags(ctx, "acme", primary.ID, []string{byTag["customer:VIP"].ID, byTag["customer:vip "].ID})
	require.NoError(t, err)
	assert.Equal(t, 5, merged.Count)
	assert.True(t, merged.LastUsed.Equal(base.Add(2*time.Hour)))
	assert.ElementsMatch(t, []string{"acme:support", "acme:marketing"}, merged.Agents)

	tags, err = store.ListTags(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, 5, tags[0].Count)
}

func TestMergeTags_MissingDuplicateRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.RecordTagUsage(ctx, "acme", []string{"tool:crm"}, "a", time.Now()))
	tags, err := store.ListTags(ctx, "acme")
	require.NoError(t, err)

	_, err = store.MergeTags(ctx, "acme", tags[0].ID, []string{"missing"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	tags, err = store.ListTags(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, 1, tags[0].Count)
}

func TestEdges_CreateQueryUpdateDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	strong := &types.MemoryEdge{TenantID: "acme", FromMemoryID: "m1", ToMemoryID: "m2", Relation: types.RelationSimilarTo, Strength: 0.9}
	weak := &types.MemoryEdge{TenantID: "acme", FromMemoryID: "m1", ToMemoryID: "m3", Relation: types.RelationCaused, Strength: 0.3}
	clamped := &types.MemoryEdge{TenantID: "acme", FromMemoryID: "m4", ToMemoryID: "m2", Relation: types.RelationFollowedBy, Strength: 7}
	for _, e := range []*types.MemoryEdge{strong, weak, clamped} {
		require.NoError(t, store.CreateEdge(ctx, e))
		assert.NotEmpty(t, e.ID)
	}
	assert.Equal(t, 1.0, clamped.Strength)

	out, err := store.OutgoingEdges(ctx, "acme", "m1", storage.EdgeFilter{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "m2", out[0].ToMemoryID, "strongest first")

	out, err = store.OutgoingEdges(ctx, "acme", "m1", storage.EdgeFilter{MinStrength: 0.5})
	require.NoError(t, err)
	require.Len(t, out, 1)

	out, err = store.OutgoingEdges(ctx, "acme", "m1", storage.EdgeFilter{Relations: []types.Relation{types.RelationCaused}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "m3", out[0].ToMemoryID)

	in, err := store.IncomingEdges(ctx, "acme", "m2", storage.EdgeFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, "m4", in[0].FromMemoryID)

	require.NoError(t, store.UpdateEdgeStrength(ctx, "acme", weak.ID, 0.45))
	got, err := store.GetEdge(ctx, "acme", weak.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.45, got.Strength, 1e-9)

	require.NoError(t, store.DeleteEdge(ctx, "acme", weak.ID))
	_, err = store.GetEdge(ctx, "acme", weak.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, store.DeleteEdge(ctx, "acme", weak.ID), storage.ErrNotFound)

	_, err = store.GetEdge(ctx, "other", strong.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "edges are tenant scoped")
}

func TestCreateEdge_RejectsUnknownRelation(t *testing.T) {
	store := newTestStore(t)
	err := store.CreateEdge(context.Background(), &types.MemoryEdge{
		TenantID: "acme", FromMemoryID: "a", ToMemoryID: "b", Relation: "likes", Strength: 0.5,
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestSyncRecords_NewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.AppendSyncRecord(ctx, &types.SyncRecord{
		TenantID: "acme", Direction: types.SyncMemoryHostToDocStore, SourceType: "archival", TargetType: "strategic_context",
		LastSyncAt: base, ItemsSynced: 4, Status: types.SyncStatusSuccess,
	}))
	require.NoError(t, store.AppendSyncRecord(ctx, &types.SyncRecord{
		TenantID: "acme", Direction: types.SyncDocStoreToMemoryHost, SourceType: "documents", TargetType: "business_metrics",
		LastSyncAt: base.Add(time.Hour), Status: types.SyncStatusFailed, Error: "boom",
	}))

	recs, err := store.ListSyncRecords(ctx, "acme", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, types.SyncDocStoreToMemoryHost, recs[0].Direction)
	assert.Equal(t, "boom", recs[0].Error)
	assert.Equal(t, 4, recs[1].ItemsSynced)
}

func TestProfiles_Upsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetProfile(ctx, "acme", "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	p := &types.CustomerProfile{
		TenantID: "acme", CustomerID: "c1",
		ProductAffinity: map[string]int{"gummies": 2},
		Effects:         []string{"relaxed"},
	}
	require.NoError(t, store.PutProfile(ctx, p))

	p.ProductAffinity["gummies"] = 3
	p.PriceSensitivity = types.PriceSensitivityHigh
	p.PriceSignals = 1
	require.NoError(t, store.PutProfile(ctx, p))

	got, err := store.GetProfile(ctx, "acme", "c1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"gummies": 3}, got.ProductAffinity)
	assert.Equal(t, []string{"relaxed"}, got.Effects)
	assert.Equal(t, types.PriceSensitivityHigh, got.PriceSensitivity)
	assert.Equal(t, 1, got.PriceSignals)
	assert.True(t, got.LastMessageAt.IsZero(), "no messages merged yet")

	mark := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)
	p.LastMessageAt = mark
	require.NoError(t, store.PutProfile(ctx, p))
	got, err = store.GetProfile(ctx, "acme", "c1")
	require.NoError(t, err)
	assert.True(t, mark.Equal(got.LastMessageAt), "got %v", got.LastMessageAt)
}

func TestDocuments_SearchAndCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	docs := []types.Document{
		{ID: "d1", TenantID: "acme", Collection: "strategic_context", Content: "Q3 pricing strategy for Gummies", CreatedAt: base},
		{ID: "d2", TenantID: "acme", Collection: "strategic_context", Content: "Competitor pricing moves", CreatedAt: base.Add(time.Hour)},
		{ID: "d3", TenantID: "acme", Collection: "orders", Content: "order 17", Fields: map[string]string{"total": "20"}, CreatedAt: base.Add(2 * time.Hour)},
		{ID: "d4", TenantID: "other", Collection: "strategic_context", Content: "pricing", CreatedAt: base},
	}
	require.NoError(t, store.PutDocuments(ctx, docs))

	hits, err := store.SearchDocuments(ctx, "acme", "PRICING", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "d2", hits[0].ID, "newest first")

	hits, err = store.SearchDocuments(ctx, "acme", "pricing gummies", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "d1", hits[0].ID)

	hits, err = store.SearchDocuments(ctx, "acme", "order", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "20", hits[0].Fields["total"])

	n, err := store.CountDocuments(ctx, "acme", "strategic_context", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = store.CountDocuments(ctx, "acme", "strategic_context", base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	docs[0].Content = "updated"
	require.NoError(t, store.PutDocuments(ctx, docs[:1]))
	n, err = store.CountDocuments(ctx, "acme", "strategic_context", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, n, "upsert does not duplicate")
}

func TestDocuments_SearchMatchesWildcardsLiterally(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.PutDocuments(ctx, []types.Document{
		{ID: "d1", TenantID: "acme", Collection: "notes", Content: "margin is 40% on gummies", CreatedAt: base},
		{ID: "d2", TenantID: "acme", Collection: "notes", Content: "sku_17 restocked", CreatedAt: base.Add(time.Hour)},
		{ID: "d3", TenantID: "acme", Collection: "notes", Content: `path C:\vapes`, CreatedAt: base.Add(2 * time.Hour)},
		{ID: "d4", TenantID: "acme", Collection: "notes", Content: "skux17 and 400 units", CreatedAt: base.Add(3 * time.Hour)},
	}))

	ids := func(query string) []string {
		hits, err := store.SearchDocuments(ctx, "acme", query, 10)
		require.NoError(t, err)
		out := make([]string, 0, len(hits))
		for _, h := range hits {
			out = append(out, h.ID)
		}
		return out
	}

	assert.Equal(t, []string{"d1"}, ids("%"))
	assert.Equal(t, []string{"d1"}, ids("40%"))
	assert.Equal(t, []string{"d2"}, ids("sku_17"))
	assert.Empty(t, ids("_____"))
	assert.Equal(t, []string{"d3"}, ids(`c:\vapes`))
}

func TestRuns_Lifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := &types.ConsolidationRun{TenantID: "acme", AgentID: "acme:marketing"}
	require.NoError(t, store.CreateRun(ctx, run))
	assert.Equal(t, types.RunStatusRunning, run.Status)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CompletedAt)

	run.Status = types.RunStatusCompleted
	run.InputMessages = 12
	run.OutputInsights = []string{"customers prefer bundles"}
	run.BlocksUpdated = []string{types.BlockCustomerInsights}
	run.NewArchivalEntries = 1
	require.NoError(t, store.FinishRun(ctx, run))

	got, err = store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, []string{"customers prefer bundles"}, got.OutputInsights)
	assert.Equal(t, 12, got.InputMessages)

	run.Status = types.RunStatusFailed
	assert.ErrorIs(t, store.FinishRun(ctx, run), storage.ErrConflict)

	missing := &types.ConsolidationRun{ID: "nope", Status: types.RunStatusFailed}
	assert.ErrorIs(t, store.FinishRun(ctx, missing), storage.ErrNotFound)

	bad := &types.ConsolidationRun{ID: run.ID, Status: types.RunStatusRunning}
	assert.ErrorIs(t, store.FinishRun(ctx, bad), storage.ErrInvalidInput)

	runs, err := store.ListRuns(ctx, "acme", "acme:marketing", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestDeadLetters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddDeadLetter(ctx, &types.DeadLetter{TenantID: "acme", AgentID: "acme:intel", Attempts: 3, LastError: "timeout"}))
	dls, err := store.ListDeadLetters(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, 3, dls[0].Attempts)
	assert.Equal(t, "timeout", dls[0].LastError)
}

func TestEmbeddings_JSONFallback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutEmbedding(ctx, types.MemoryVector{ID: "m1", TenantID: "acme", Embedding: []float32{1, 0, 0.5}}))
	require.NoError(t, store.PutEmbedding(ctx, types.MemoryVector{ID: "m1", TenantID: "acme", Embedding: []float32{0, 1, 0}}))
	require.NoError(t, store.PutEmbedding(ctx, types.MemoryVector{ID: "m2", TenantID: "other", Embedding: []float32{1}}))

	vecs, err := store.ListEmbeddings(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, []float32{0, 1, 0}, vecs[0].Embedding)

	err = store.PutEmbedding(ctx, types.MemoryVector{ID: "m3", TenantID: "acme"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
