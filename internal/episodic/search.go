// Package episodic searches an agent's conversation history and re-ranks
// hits by relevance, recency and importance.
package episodic

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scrypster/tiermem/internal/memhost"
	"github.com/scrypster/tiermem/internal/metrics"
	"github.com/scrypster/tiermem/pkg/types"
)

// DefaultLimit applies when Options.Limit is not positive.
const DefaultLimit = 10

// MemorySearchResult is a conversation message with its scores.
type MemorySearchResult struct {
	Memory types.Message
	Scores Scores

	// Rank is the host's 1-based position before re-ranking.
	Rank   int
	Reason string
}

// Options narrows a search.
type Options struct {
	Limit     int
	StartDate *time.Time
	EndDate   *time.Time

	// Weights overrides the searcher's weights for this call.
	Weights *Weights
}

// Config configures a Searcher.
type Config struct {
	HalfLife time.Duration
	Weights  *Weights
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Searcher runs episodic searches against the memory host.
type Searcher struct {
	messages memhost.MessageService
	halfLife time.Duration
	weights  *Weights
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   zerolog.Logger
}

// NewSearcher creates a Searcher.
func NewSearcher(messages memhost.MessageService, cfg Config) (*Searcher, error) {
	if messages == nil {
		return nil, fmt.Errorf("%w: message service is required", types.ErrNotConfigured)
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = DefaultHalfLife
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Searcher{
		messages: messages,
		halfLife: cfg.HalfLife,
		weights:  cfg.Weights,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		logger:   log.With().Str("component", "episodic").Logger(),
	}, nil
}

// SearchConversations searches the agent's messages for query and returns
// the hits re-ranked by weighted score. Failures degrade to an empty result.
func (s *Searcher) SearchConversations(ctx context.Context, agentID, query string, opts Options) []MemorySearchResult {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if opts.StartDate != nil && opts.EndDate != nil && opts.EndDate.Before(*opts.StartDate) {
		s.logger.Warn().Str("agent_id", agentID).Time("start", *opts.StartDate).Time("end", *opts.EndDate).
			Msg("search range ends before it starts, returning no results")
		return []MemorySearchResult{}
	}

	hits, err := s.messages.Search(ctx, agentID, query, memhost.MessageSearch{
		Start: opts.StartDate,
		End:   opts.EndDate,
		Limit: limit,
	})
	if err != nil {
		s.metrics.DegradedRead("search_conversations")
		s.logger.Warn().Err(err).Str("agent_id", agentID).Msg("conversation search failed, returning no results")
		return []MemorySearchResult{}
	}

	results := make([]MemorySearchResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, fromHit(h))
	}
	return s.ApplyWeightedScoring(results, opts.Weights)
}

// SearchByDateRange returns the agent's messages between start and end,
// re-ranked like SearchConversations. With no query every message in range
// has neutral relevance, so recency dominates the order.
func (s *Searcher) SearchByDateRange(ctx context.Context, agentID string, start, end time.Time, opts Options) []MemorySearchResult {
	opts.StartDate = &start
	opts.EndDate = &end
	return s.SearchConversations(ctx, agentID, "", opts)
}

// ApplyWeightedScoring scores results with the searcher's clock and
// half-life. A nil weights uses the searcher's configured weights.
func (s *Searcher) ApplyWeightedScoring(results []MemorySearchResult, weights *Weights) []MemorySearchResult {
	if weights == nil {
		weights = s.weights
	}
	return ApplyWeightedScoring(results, weights, s.now(), s.halfLife)
}

// fromHit wraps a host hit. The host's score is used as relevance when it
// reports one; conversation messages carry no importance of their own.
func fromHit(h types.MessageHit) MemorySearchResult {
	relevance := neutralScore
	if h.Score != nil {
		relevance = clamp01(*h.Score)
	}
	return MemorySearchResult{
		Memory: h.Message,
		Rank:   h.Rank,
		Scores: Scores{Relevance: relevance, Importance: neutralScore},
	}
}
