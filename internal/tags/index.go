package tags

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scrypster/tiermem/internal/memhost"
	"github.com/scrypster/tiermem/internal/metrics"
	"github.com/scrypster/tiermem/internal/storage"
	"github.com/scrypster/tiermem/pkg/types"
)

// DefaultSearchLimit applies when SearchOptions.Limit is not positive.
const DefaultSearchLimit = 10

// Options configures an Index.
type Options struct {
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// SearchOptions narrows SearchByTags.
type SearchOptions struct {
	// Query is optional free text appended to the bracketed tag query.
	Query string

	// RequireAllTags demands every queried tag; otherwise one match is enough.
	RequireAllTags bool

	Limit int
}

// TaggedPassage is a search hit split into its tags and body.
type TaggedPassage struct {
	Content string
	Tags    []string
	Body    string
}

// InsertResult describes a tagged insert.
type InsertResult struct {
	Passage *types.ArchivalPassage
	Tags    []string
}

// ConsolidateReport summarizes one Consolidate call.
type ConsolidateReport struct {
	Groups  int // duplicate groups found
	Merged  int // duplicate entries folded away
	Failed  []error
	Entries []types.TagIndexEntry // surviving primaries
}

// Index is the tag index.
type Index struct {
	passages memhost.PassageService
	store    storage.TagIndexStore
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   zerolog.Logger
}

// NewIndex creates an Index over the memory host's passages and the tag
// index store.
func NewIndex(passages memhost.PassageService, store storage.TagIndexStore, opts Options) (*Index, error) {
	if passages == nil || store == nil {
		return nil, fmt.Errorf("%w: passage service and tag store are required", types.ErrNotConfigured)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Index{
		passages: passages,
		store:    store,
		metrics:  opts.Metrics,
		now:      now,
		logger:   log.With().Str("component", "tags").Logger(),
	}, nil
}

// InsertWithTags stores content as a "[t1][t2] content" passage on the
// agent's archive and counts each tag for the tenant. Without tags the
// suggested tags are used. The passage and the tag counts live in different
// stores; a failed count update is logged and does not fail the insert.
func (ix *Index) InsertWithTags(ctx context.Context, agentID, content string, tags []string, tenantID string) (*InsertResult, error) {
	if strings.TrimSpace(tenantID) == "" || agentID == "" {
		return nil, fmt.Errorf("%w: tenant and agent are required", types.ErrInvalidInput)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is empty", types.ErrInvalidInput)
	}

	normalized := NormalizeAll(tags)
	if len(normalized) == 0 {
		normalized = SuggestTags(content, "")
	}

	passage, err := ix.passages.Insert(ctx, agentID, FormatContent(normalized, content))
	ix.metrics.TagInsert(err)
	if err != nil {
		return nil, fmt.Errorf("insert tagged passage: %w", err)
	}

	if err := ix.store.RecordTagUsage(ctx, tenantID, normalized, agentID, ix.now()); err != nil {
		ix.logger.Warn().Err(err).Str("tenant", tenantID).Strs("tags", normalized).
			Msg("passage stored but tag counts not updated")
	}
	return &InsertResult{Passage: passage, Tags: normalized}, nil
}

// SearchByTags returns passages carrying the given tags, best host match
// first. It fetches twice the limit from the host and filters on the
// leading tag brackets locally. Failures degrade to an empty result.
func (ix *Index) SearchByTags(ctx context.Context, agentID string, tags []string, opts SearchOptions) []TaggedPassage {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	wanted := NormalizeAll(tags)

	parts := make([]string, 0, len(wanted)+1)
	for _, tag := range wanted {
		parts = append(parts, "["+tag+"]")
	}
	if q := strings.TrimSpace(opts.Query); q != "" {
		parts = append(parts, q)
	}

	contents, err := ix.passages.Search(ctx, agentID, strings.Join(parts, " "), 2*limit)
	if err != nil {
		ix.metrics.DegradedRead("search_by_tags")
		ix.logger.Warn().Err(err).Str("agent_id", agentID).Strs("tags", wanted).Msg("tag search failed, returning no results")
		return []TaggedPassage{}
	}

	out := make([]TaggedPassage, 0, limit)
	for _, c := range contents {
		found, body := ParseContent(c)
		if !matches(found, wanted, opts.RequireAllTags) {
			continue
		}
		out = append(out, TaggedPassage{Content: c, Tags: found, Body: body})
		if len(out) == limit {
			break
		}
	}
	return out
}

func matches(have, want []string, all bool) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[Normalize(t)] = true
	}
	hits := 0
	for _, t := range want {
		if set[t] {
			hits++
		}
	}
	if all {
		return hits == len(want)
	}
	return hits > 0
}

// Consolidate merges tag entries that differ only by case or surrounding
// whitespace. In each group the highest-count entry survives and absorbs
// the others' counts and agents, so the group total is conserved. Groups
// are merged independently; a failed group is reported and skipped.
func (ix *Index) Consolidate(ctx context.Context, tenantID string) (*ConsolidateReport, error) {
	entries, err := ix.store.ListTags(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}

	groups := make(map[string][]types.TagIndexEntry)
	var order []string
	for _, e := range entries {
		key := strings.ToLower(strings.TrimSpace(e.Tag))
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	report := &ConsolidateReport{}
	for _, key := range order {
		group := groups[key]
		if len(group) < 2 {
			report.Entries = append(report.Entries, group[0])
			continue
		}
		if err := ctx.Err(); err != nil {
			report.Failed = append(report.Failed, fmt.Errorf("tag %q: %w", key, err))
			continue
		}
		report.Groups++

		primary := group[0]
		for _, e := range group[1:] {
			if e.Count > primary.Count {
				primary = e
			}
		}
		dups := make([]string, 0, len(group)-1)
		for _, e := range group {
			if e.ID != primary.ID {
				dups = append(dups, e.ID)
			}
		}

		merged, err := ix.store.MergeTags(ctx, tenantID, primary.ID, dups)
		if err != nil {
			ix.logger.Warn().Err(err).Str("tenant", tenantID).Str("tag", key).Msg("failed to merge duplicate tags")
			report.Failed = append(report.Failed, fmt.Errorf("tag %q: %w", key, err))
			report.Entries = append(report.Entries, group...)
			continue
		}
		report.Merged += len(dups)
		report.Entries = append(report.Entries, *merged)
	}

	ix.metrics.TagsMerged(report.Merged)
	ix.logger.Info().Str("tenant", tenantID).Int("groups", report.Groups).Int("merged", report.Merged).
		Int("failed", len(report.Failed)).Msg("tag consolidation finished")
	return report, nil
}

// TopTags returns the tenant's most used tags.
func (ix *Index) TopTags(ctx context.Context, tenantID string, limit int) ([]types.TagIndexEntry, error) {
	entries, err := ix.store.TopTags(ctx, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("top tags: %w", err)
	}
	return entries, nil
}
