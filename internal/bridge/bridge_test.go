package bridge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/tiermem/internal/blocks"
	"github.com/scrypster/tiermem/internal/memhost/memhosttest"
	"github.com/scrypster/tiermem/internal/storage"
	"github.com/scrypster/tiermem/internal/storage/sqlstore"
	"github.com/scrypster/tiermem/pkg/types"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

const longParagraph = "Our brand voice is warm, knowledgeable and never pushy with first-time visitors."

type fixture struct {
	fake   *memhosttest.Fake
	store  *sqlstore.Store
	blocks *blocks.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlstore.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := memhosttest.New()
	mgr, err := blocks.NewManager(fake.Host().Blocks, blocks.Options{Now: func() time.Time { return now }})
	require.NoError(t, err)
	return &fixture{fake: fake, store: store, blocks: mgr}
}

func (f *fixture) bridge(t *testing.T, docs storage.DocumentStore) *Bridge {
	t.Helper()
	if docs == nil {
		docs = f.store
	}
	b, err := New(Deps{
		Blocks:   f.blocks,
		Passages: f.fake.Host().Passages,
		Messages: f.fake.Host().Messages,
		Docs:     docs,
		Profiles: f.store,
		SyncLog:  f.store,
	}, Config{Now: func() time.Time { return now }})
	require.NoError(t, err)
	return b
}

func TestChunk(t *testing.T) {
	text := "short\n\n  " + longParagraph + "  \n\n\n\n" + longParagraph + " Again."
	chunks := Chunk(text, DefaultMinChunkLength)
	assert.Equal(t, []string{longParagraph, longParagraph + " Again."}, chunks)
	assert.Empty(t, Chunk("", DefaultMinChunkLength))
}

func TestChunk_DropsEntryAttribution(t *testing.T) {
	text := "Seed text long enough to keep as its own chunk.\n\n" +
		"[owner @ 2026-05-04]: " + longParagraph + "\n\n" +
		"[ops team @ 2026-05-05]: too short"
	chunks := Chunk(text, 20)
	assert.Equal(t, []string{"Seed text long enough to keep as its own chunk.", longParagraph}, chunks)

	// Only a leading header is an attribution.
	inline := "Notes mention [owner @ 2026-05-04]: inline text"
	assert.Equal(t, []string{inline}, Chunk(inline, 10))
}

func TestSyncStrategicContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.blocks.Append(ctx, "acme", types.BlockBrandContext, longParagraph, "owner")
	require.NoError(t, err)
	b := f.bridge(t, nil)

	rec, err := b.SyncStrategicContextToDocStore(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusSuccess, rec.Status)
	assert.Equal(t, types.SyncMemoryHostToDocStore, rec.Direction)
	assert.Equal(t, 1, rec.ItemsSynced, "template defaults are shorter than the minimum chunk")

	n, err := f.store.CountDocuments(ctx, "acme", CollectionStrategicContext, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	docs, err := f.store.SearchDocuments(ctx, "acme", "brand voice", 10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, longParagraph, docs[0].Content)

	// Re-syncing the same content overwrites instead of duplicating.
	_, err = b.SyncStrategicContextToDocStore(ctx, "acme")
	require.NoError(t, err)
	n, err = f.store.CountDocuments(ctx, "acme", CollectionStrategicContext, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	docs, err = f.store.SearchDocuments(ctx, "acme", "knowledgeable", 5)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, types.BlockBrandContext, docs[0].Fields["section"])

	records, err := f.store.ListSyncRecords(ctx, "acme", 10)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestSyncStrategicContext_PartialWhenABlockFails(t *testing.T) {
	f := newFixture(t)
	f.fake.FailWhen(memhosttest.OpBlockCreate, errors.New("host busy"), func(label string) bool {
		return strings.HasSuffix(label, types.BlockPlaybookStatus)
	})
	b := f.bridge(t, nil)

	rec, err := b.SyncStrategicContextToDocStore(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusPartial, rec.Status)
	assert.Contains(t, rec.Error, types.BlockPlaybookStatus)
}

type flakyDocs struct {
	storage.DocumentStore
	failCount  string
	failSearch bool
	failPut    bool
}

func (d flakyDocs) CountDocuments(ctx context.Context, tenantID, collection string, since time.Time) (int, error) {
	if collection == d.failCount {
		return 0, errors.New("aggregation timeout")
	}
	return d.DocumentStore.CountDocuments(ctx, tenantID, collection, since)
}

func (d flakyDocs) SearchDocuments(ctx context.Context, tenantID, query string, limit int) ([]types.Document, error) {
	if d.failSearch {
		return nil, errors.New("index offline")
	}
	return d.DocumentStore.SearchDocuments(ctx, tenantID, query, limit)
}

func (d flakyDocs) PutDocuments(ctx context.Context, docs []types.Document) error {
	if d.failPut {
		return errors.New("write quota exceeded")
	}
	return d.DocumentStore.PutDocuments(ctx, docs)
}

func TestSyncStrategicContext_WriteFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.blocks.Append(ctx, "acme", types.BlockBrandContext, longParagraph, "owner")
	require.NoError(t, err)
	b := f.bridge(t, flakyDocs{DocumentStore: f.store, failPut: true})

	rec, err := b.SyncStrategicContextToDocStore(ctx, "acme")
	require.Error(t, err)
	assert.Equal(t, types.SyncStatusFailed, rec.Status)

	records, err := f.store.ListSyncRecords(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.SyncStatusFailed, records[0].Status)
}

func TestSyncMetrics_UnavailableAggregation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutDocuments(ctx, []types.Document{
		{TenantID: "acme", Collection: "orders", Content: "o1", CreatedAt: now.Add(-time.Hour)},
		{TenantID: "acme", Collection: "orders", Content: "o2", CreatedAt: now.Add(-48 * time.Hour)},
		{TenantID: "acme", Collection: "orders", Content: "old", CreatedAt: now.Add(-30 * 24 * time.Hour)},
	}))
	b := f.bridge(t, flakyDocs{DocumentStore: f.store, failCount: "campaigns"})

	rec, err := b.SyncMetricsToMemoryHost(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusPartial, rec.Status)
	assert.Equal(t, 3, rec.ItemsSynced)

	value, err := f.blocks.Read(ctx, "acme", types.BlockBusinessMetrics)
	require.NoError(t, err)
	assert.Contains(t, value, "[memory-bridge @ 2026-06-01]")
	assert.Contains(t, value, "- orders: 2")
	assert.Contains(t, value, "- campaigns launched: unavailable")
	assert.Contains(t, value, "- new customers: 0")
}

func TestFormatMetrics(t *testing.T) {
	out := FormatMetrics([]MetricValue{{Name: "orders", Value: 4, Available: true}, {Name: "visits"}}, 24*time.Hour)
	assert.Equal(t, "Business metrics (last 1 day):\n- orders: 4\n- visits: unavailable", out)
}

func TestExtractSignalsAndMerge(t *testing.T) {
	msgs := []types.Message{
		{Role: types.MessageRoleUser, Content: "Any gummies that help with sleep? Looking for a deal."},
		{Role: types.MessageRoleAssistant, Content: "We have premium vape carts."},
		{Role: types.MessageRoleUser, Content: "A cheap vape for pain would be nice"},
	}
	sig := ExtractSignals(msgs)
	assert.Equal(t, map[string]int{"edible": 1, "vape": 1}, sig.ProductAffinity)
	assert.Equal(t, []string{"pain relief", "sleep"}, sig.Effects)
	assert.Equal(t, 2, sig.PriceSignal)
	assert.False(t, sig.Empty())

	profile := &types.CustomerProfile{ProductAffinity: map[string]int{"edible": 3}, Effects: []string{"sleep"}, PriceSignals: -1, PriceSensitivity: types.PriceSensitivityLow}
	MergeProfile(profile, sig)
	assert.Equal(t, 4, profile.ProductAffinity["edible"])
	assert.Equal(t, []string{"sleep", "pain relief"}, profile.Effects)
	assert.Equal(t, 1, profile.PriceSignals)
	assert.Equal(t, types.PriceSensitivityHigh, profile.PriceSensitivity)

	assert.True(t, ExtractSignals(nil).Empty())
}

func TestSyncCustomerInsights_MergesIntoStoredProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.AddMessage("acme:support", types.Message{Role: types.MessageRoleUser, Content: "Do you have edibles for sleep?", CreatedAt: now})
	b := f.bridge(t, nil)

	first, err := b.SyncCustomerInsights(ctx, "acme", "cust-1", "acme:support")
	require.NoError(t, err)
	assert.Equal(t, 1, first.ProductAffinity["edible"])
	assert.Equal(t, types.PriceSensitivityUnknown, first.PriceSensitivity)

	assert.True(t, now.Equal(first.LastMessageAt))

	again, err := b.SyncCustomerInsights(ctx, "acme", "cust-1", "acme:support")
	require.NoError(t, err)
	assert.Equal(t, 1, again.ProductAffinity["edible"], "already merged messages are not counted twice")

	f.fake.AddMessage("acme:support", types.Message{Role: types.MessageRoleUser, Content: "Top shelf flower only, something to relax", CreatedAt: now.Add(time.Minute)})
	second, err := b.SyncCustomerInsights(ctx, "acme", "cust-1", "acme:support")
	require.NoError(t, err)
	assert.Equal(t, 1, second.ProductAffinity["edible"])
	assert.Equal(t, 1, second.ProductAffinity["flower"])
	assert.True(t, now.Add(time.Minute).Equal(second.LastMessageAt))
	assert.ElementsMatch(t, []string{"sleep", "relaxation"}, second.Effects)
	assert.Equal(t, types.PriceSensitivityLow, second.PriceSensitivity)

	stored, err := f.store.GetProfile(ctx, "acme", "cust-1")
	require.NoError(t, err)
	assert.Equal(t, second.ProductAffinity, stored.ProductAffinity)
}

func TestSyncCustomerInsights_FetchFailureRecorded(t *testing.T) {
	f := newFixture(t)
	f.fake.FailOn(memhosttest.OpMessageList, errors.New("timeout"))
	b := f.bridge(t, nil)

	_, err := b.SyncCustomerInsights(context.Background(), "acme", "cust-1", "a1")
	require.Error(t, err)

	records, err := f.store.ListSyncRecords(context.Background(), "acme", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.SyncStatusFailed, records[0].Status)
}

func TestUnifiedSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.fake.Host().Passages.Insert(ctx, "acme:intel", "Competitor X dropped vape prices")
	require.NoError(t, err)
	require.NoError(t, f.store.PutDocuments(ctx, []types.Document{
		{TenantID: "acme", Collection: CollectionStrategicContext, Content: "Vape prices are a focus this quarter"},
	}))

	res := f.bridge(t, nil).UnifiedSearch(ctx, "acme", "vape", SearchOptions{AgentID: "acme:intel"})
	assert.Len(t, res.Memories, 1)
	assert.Len(t, res.Documents, 1)
	assert.NoError(t, res.MemoryErr)
	assert.NoError(t, res.DocumentErr)

	t.Run("failing branch yields empty partial", func(t *testing.T) {
		res := f.bridge(t, flakyDocs{DocumentStore: f.store, failSearch: true}).
			UnifiedSearch(ctx, "acme", "vape", SearchOptions{AgentID: "acme:intel"})
		assert.Len(t, res.Memories, 1)
		assert.Empty(t, res.Documents)
		assert.Error(t, res.DocumentErr)
	})

	t.Run("memory branch failure", func(t *testing.T) {
		f.fake.FailOn(memhosttest.OpPassageSearch, errors.New("down"))
		defer f.fake.FailOn(memhosttest.OpPassageSearch, nil)
		res := f.bridge(t, nil).UnifiedSearch(ctx, "acme", "vape", SearchOptions{AgentID: "acme:intel"})
		assert.Empty(t, res.Memories)
		assert.Error(t, res.MemoryErr)
		assert.Len(t, res.Documents, 1)
	})
}

func TestRunFullSync_RecordsBothDirections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.blocks.Append(ctx, "acme", types.BlockWorkspaceContext, longParagraph, "owner")
	require.NoError(t, err)

	res, err := f.bridge(t, nil).RunFullSync(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, res.Strategic)
	require.NotNil(t, res.Metrics)
	assert.Equal(t, types.SyncStatusSuccess, res.Strategic.Status)
	assert.Equal(t, types.SyncStatusSuccess, res.Metrics.Status)

	records, err := f.store.ListSyncRecords(ctx, "acme", 10)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestRunFullSync_OneSideFailing(t *testing.T) {
	f := newFixture(t)
	f.fake.FailWhen(memhosttest.OpBlockUpdate, errors.New("read-only replica"), func(string) bool { return true })

	res, err := f.bridge(t, nil).RunFullSync(context.Background(), "acme")
	require.Error(t, err)
	assert.Equal(t, types.SyncStatusSuccess, res.Strategic.Status)
	assert.Equal(t, types.SyncStatusFailed, res.Metrics.Status)

	records, err := f.store.ListSyncRecords(context.Background(), "acme", 10)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}
