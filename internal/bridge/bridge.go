// Package bridge keeps the memory host and the document store loosely
// consistent. Every sync appends a SyncRecord so divergence is auditable;
// nothing here is transactional across the two stores.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/tiermem/internal/blocks"
	"github.com/scrypster/tiermem/internal/memhost"
	"github.com/scrypster/tiermem/internal/metrics"
	"github.com/scrypster/tiermem/internal/storage"
	"github.com/scrypster/tiermem/pkg/types"
)

const (
	// CollectionStrategicContext receives chunks of the strategic blocks.
	CollectionStrategicContext = "strategic_context"

	// DefaultMinChunkLength drops paragraphs too short to be useful context.
	DefaultMinChunkLength = 50

	// DefaultMetricsWindow is the look-back for metric counts.
	DefaultMetricsWindow = 7 * 24 * time.Hour

	// DefaultIdentity attributes block appends made by the bridge.
	DefaultIdentity = "memory-bridge"

	// DefaultSearchLimit applies when SearchOptions.Limit is not positive.
	DefaultSearchLimit = 10

	customerMessageWindow = 50
)

// DefaultStrategicBlocks are the blocks copied to the document store.
var DefaultStrategicBlocks = []string{
	types.BlockWorkspaceContext,
	types.BlockBrandContext,
	types.BlockPlaybookStatus,
	types.BlockCompetitorIntel,
}

// MetricSpec names a counted collection.
type MetricSpec struct {
	Name       string
	Collection string
}

// DefaultMetrics are the counters reported into business_metrics.
var DefaultMetrics = []MetricSpec{
	{Name: "orders", Collection: "orders"},
	{Name: "new customers", Collection: "customers"},
	{Name: "campaigns launched", Collection: "campaigns"},
	{Name: "playbook runs", Collection: "playbook_runs"},
}

// Deps are the bridge's collaborators.
type Deps struct {
	Blocks   *blocks.Manager
	Passages memhost.PassageService
	Messages memhost.MessageService
	Docs     storage.DocumentStore
	Profiles storage.ProfileStore
	SyncLog  storage.SyncLog
}

// Config tunes the bridge.
type Config struct {
	StrategicBlocks []string
	MinChunkLength  int
	Metrics         []MetricSpec
	MetricsWindow   time.Duration
	Identity        string

	Recorder *metrics.Metrics
	Now      func() time.Time
}

// Bridge is the Memory Bridge.
type Bridge struct {
	deps   Deps
	cfg    Config
	logger zerolog.Logger
}

// New validates deps and applies defaults.
func New(deps Deps, cfg Config) (*Bridge, error) {
	if deps.Blocks == nil || deps.Docs == nil || deps.SyncLog == nil {
		return nil, fmt.Errorf("%w: bridge needs blocks, a document store and a sync log", types.ErrNotConfigured)
	}
	if len(cfg.StrategicBlocks) == 0 {
		cfg.StrategicBlocks = DefaultStrategicBlocks
	}
	if cfg.MinChunkLength <= 0 {
		cfg.MinChunkLength = DefaultMinChunkLength
	}
	if len(cfg.Metrics) == 0 {
		cfg.Metrics = DefaultMetrics
	}
	if cfg.MetricsWindow <= 0 {
		cfg.MetricsWindow = DefaultMetricsWindow
	}
	if cfg.Identity == "" {
		cfg.Identity = DefaultIdentity
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Bridge{deps: deps, cfg: cfg, logger: log.With().Str("component", "bridge").Logger()}, nil
}

// SyncStrategicContextToDocStore splits the strategic blocks into
// paragraph chunks and writes them, in one batch, as documents with
// deterministic IDs so repeated syncs overwrite rather than duplicate.
func (b *Bridge) SyncStrategicContextToDocStore(ctx context.Context, tenantID string) (*types.SyncRecord, error) {
	rec := &types.SyncRecord{
		TenantID:   tenantID,
		Direction:  types.SyncMemoryHostToDocStore,
		SourceType: "memory_blocks",
		TargetType: CollectionStrategicContext,
	}

	var errs []error
	var docs []types.Document
	now := b.cfg.Now().UTC()
	for _, label := range b.cfg.StrategicBlocks {
		value, err := b.deps.Blocks.Read(ctx, tenantID, label)
		if err != nil {
			b.logger.Warn().Err(err).Str("tenant", tenantID).Str("label", label).Msg("strategic block unavailable")
			errs = append(errs, fmt.Errorf("read %s: %w", label, err))
			continue
		}
		for _, chunk := range Chunk(value, b.cfg.MinChunkLength) {
			docs = append(docs, types.Document{
				ID:         chunkID(tenantID, label, chunk),
				TenantID:   tenantID,
				Collection: CollectionStrategicContext,
				Content:    chunk,
				Fields:     map[string]string{"section": label, "source": "memory_host"},
				CreatedAt:  now,
			})
		}
	}

	if len(docs) > 0 {
		if err := b.deps.Docs.PutDocuments(ctx, docs); err != nil {
			errs = append(errs, fmt.Errorf("write strategic documents: %w", err))
			return b.finish(ctx, rec, 0, true, errs)
		}
	}
	return b.finish(ctx, rec, len(docs), len(errs) == len(b.cfg.StrategicBlocks), errs)
}

// attribution matches the "[who @ 2006-01-02]: " header of an appended
// block entry.
var attribution = regexp.MustCompile(`^\[[^\]\n]* @ \d{4}-\d{2}-\d{2}\]:\s*`)

// Chunk splits text on blank lines and keeps trimmed paragraphs of at least
// minLen runes. Block entry attribution headers are dropped, so a chunk
// holds only the entry text and its length excludes the header.
func Chunk(text string, minLen int) []string {
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(attribution.ReplaceAllString(strings.TrimSpace(p), ""))
		if len([]rune(p)) < minLen {
			continue
		}
		out = append(out, p)
	}
	return out
}

func chunkID(tenantID, section, chunk string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("tiermem://"+tenantID+"/"+section+"/"+chunk)).String()
}

// SyncMetricsToMemoryHost counts recent documents per metric and appends
// the figures to the business_metrics block. A failing count is reported
// as unavailable without stopping the others.
func (b *Bridge) SyncMetricsToMemoryHost(ctx context.Context, tenantID string) (*types.SyncRecord, error) {
	rec := &types.SyncRecord{
		TenantID:   tenantID,
		Direction:  types.SyncDocStoreToMemoryHost,
		SourceType: "document_counts",
		TargetType: types.BlockBusinessMetrics,
	}

	values := b.CollectMetrics(ctx, tenantID)
	var errs []error
	available := 0
	for _, v := range values {
		if v.Available {
			available++
		} else {
			errs = append(errs, fmt.Errorf("metric %q unavailable", v.Name))
		}
	}

	summary := FormatMetrics(values, b.cfg.MetricsWindow)
	if _, err := b.deps.Blocks.Append(ctx, tenantID, types.BlockBusinessMetrics, summary, b.cfg.Identity); err != nil {
		errs = append(errs, fmt.Errorf("append metrics: %w", err))
		return b.finish(ctx, rec, 0, true, errs)
	}
	return b.finish(ctx, rec, available, false, errs)
}

// CollectMetrics counts each configured collection over the metrics window.
func (b *Bridge) CollectMetrics(ctx context.Context, tenantID string) []MetricValue {
	since := b.cfg.Now().Add(-b.cfg.MetricsWindow)
	out := make([]MetricValue, 0, len(b.cfg.Metrics))
	for _, spec := range b.cfg.Metrics {
		n, err := b.deps.Docs.CountDocuments(ctx, tenantID, spec.Collection, since)
		if err != nil {
			b.logger.Warn().Err(err).Str("tenant", tenantID).Str("collection", spec.Collection).Msg("metric aggregation failed")
			out = append(out, MetricValue{Name: spec.Name})
			continue
		}
		out = append(out, MetricValue{Name: spec.Name, Value: n, Available: true})
	}
	return out
}

// SearchOptions narrows UnifiedSearch. Without AgentID the memory-host
// branch is skipped.
type SearchOptions struct {
	AgentID string
	Limit   int
}

// UnifiedResult holds both branches of a unified search. A failed branch
// has an empty result and its error set.
type UnifiedResult struct {
	Memories    []string
	Documents   []types.Document
	MemoryErr   error
	DocumentErr error
}

// UnifiedSearch queries the memory host and the document store
// concurrently. Either branch may fail without failing the other.
func (b *Bridge) UnifiedSearch(ctx context.Context, tenantID, query string, opts SearchOptions) *UnifiedResult {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	res := &UnifiedResult{Memories: []string{}, Documents: []types.Document{}}

	var g errgroup.Group
	if opts.AgentID != "" && b.deps.Passages != nil {
		g.Go(func() error {
			hits, err := b.deps.Passages.Search(ctx, opts.AgentID, query, limit)
			if err != nil {
				res.MemoryErr = err
				b.logger.Warn().Err(err).Str("tenant", tenantID).Msg("memory host search failed")
				return nil
			}
			res.Memories = hits
			return nil
		})
	}
	g.Go(func() error {
		docs, err := b.deps.Docs.SearchDocuments(ctx, tenantID, query, limit)
		if err != nil {
			res.DocumentErr = err
			b.logger.Warn().Err(err).Str("tenant", tenantID).Msg("document store search failed")
			return nil
		}
		if docs != nil {
			res.Documents = docs
		}
		return nil
	})
	_ = g.Wait()

	if res.MemoryErr != nil || res.DocumentErr != nil {
		b.cfg.Recorder.DegradedRead("unified_search")
	}
	return res
}

// FullSyncResult holds the records of both directions.
type FullSyncResult struct {
	Strategic *types.SyncRecord
	Metrics   *types.SyncRecord
}

// RunFullSync runs the strategic and metrics syncs concurrently. Both
// always run to completion and both records are returned.
func (b *Bridge) RunFullSync(ctx context.Context, tenantID string) (*FullSyncResult, error) {
	res := &FullSyncResult{}
	var strategicErr, metricsErr error

	var g errgroup.Group
	g.Go(func() error {
		res.Strategic, strategicErr = b.SyncStrategicContextToDocStore(ctx, tenantID)
		return nil
	})
	g.Go(func() error {
		res.Metrics, metricsErr = b.SyncMetricsToMemoryHost(ctx, tenantID)
		return nil
	})
	_ = g.Wait()

	return res, errors.Join(strategicErr, metricsErr)
}

// finish sets the record's status, appends it to the sync log, and returns
// an error only when the sync failed outright.
func (b *Bridge) finish(ctx context.Context, rec *types.SyncRecord, items int, failed bool, errs []error) (*types.SyncRecord, error) {
	rec.ItemsSynced = items
	rec.LastSyncAt = b.cfg.Now().UTC()
	joined := errors.Join(errs...)
	switch {
	case failed:
		rec.Status = types.SyncStatusFailed
	case joined != nil:
		rec.Status = types.SyncStatusPartial
	default:
		rec.Status = types.SyncStatusSuccess
	}
	if joined != nil {
		rec.Error = joined.Error()
	}

	if err := b.deps.SyncLog.AppendSyncRecord(context.WithoutCancel(ctx), rec); err != nil {
		b.logger.Error().Err(err).Str("tenant", rec.TenantID).Str("direction", string(rec.Direction)).
			Msg("failed to append sync record")
	}
	b.cfg.Recorder.SyncRun(string(rec.Direction), string(rec.Status), items)
	b.logger.Info().Str("tenant", rec.TenantID).Str("direction", string(rec.Direction)).
		Str("status", string(rec.Status)).Int("items", items).Msg("sync finished")

	if failed {
		return rec, fmt.Errorf("%s sync: %w", rec.Direction, joined)
	}
	return rec, nil
}
