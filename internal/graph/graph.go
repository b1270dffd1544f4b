// Package graph implements the associative memory graph: directed,
// weighted edges between memory IDs with bounded traversal, similarity
// auto-linking, and reinforcement/decay of edge strength.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scrypster/tiermem/internal/llm"
	"github.com/scrypster/tiermem/internal/metrics"
	"github.com/scrypster/tiermem/internal/storage"
	"github.com/scrypster/tiermem/pkg/types"
)

const (
	// DefaultSimilarityThreshold is the minimum cosine similarity for an
	// automatic similar_to edge.
	DefaultSimilarityThreshold = 0.7

	// DefaultStep is the strength change applied by Reinforce and Weaken
	// when no delta is given.
	DefaultStep = 0.1

	// DefaultRelatedLimit caps FindRelated when no limit is given.
	DefaultRelatedLimit = 50

	// AutoLinkCreator is recorded as CreatedBy on automatic edges.
	AutoLinkCreator = "auto-link"

	// strengthEpsilon absorbs float drift so repeated weakening reaches zero.
	strengthEpsilon = 1e-9
)

// Direction says which side of an edge the queried memory is on.
type Direction string

const (
	DirectionBoth     Direction = ""
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// FindOptions narrows FindRelated.
type FindOptions struct {
	Relations   []types.Relation
	MinStrength float64
	Limit       int
	Direction   Direction
}

// RelatedEdge is an edge seen from one of its endpoints.
type RelatedEdge struct {
	types.MemoryEdge
	Direction Direction
	// MemoryID is the other endpoint.
	MemoryID string
}

// Options configures a Graph.
type Options struct {
	// Embedder and Vectors enable LinkStoredMemory.
	Embedder llm.Embedder
	Vectors  storage.EmbeddingStore

	// Bounds limits FindPath beyond its hop count.
	Bounds  Bounds
	Metrics *metrics.Metrics
}

// Graph is the associative graph.
type Graph struct {
	edges    storage.EdgeStore
	vectors  storage.EmbeddingStore
	embedder llm.Embedder
	bounds   Bounds
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// New creates a Graph over an edge store.
func New(edges storage.EdgeStore, opts Options) (*Graph, error) {
	if edges == nil {
		return nil, fmt.Errorf("%w: edge store is required", types.ErrNotConfigured)
	}
	bounds := opts.Bounds
	bounds.Normalize()
	return &Graph{
		edges:    edges,
		vectors:  opts.Vectors,
		embedder: opts.Embedder,
		bounds:   bounds,
		metrics:  opts.Metrics,
		logger:   log.With().Str("component", "graph").Logger(),
	}, nil
}

// CreateEdge adds a directed edge. Strength is clamped to [0,1].
func (g *Graph) CreateEdge(ctx context.Context, fromID, toID string, relation types.Relation, strength float64, createdBy, tenantID string) (*types.MemoryEdge, error) {
	if strings.TrimSpace(fromID) == "" || strings.TrimSpace(toID) == "" {
		return nil, fmt.Errorf("%w: both memory IDs are required", types.ErrInvalidInput)
	}
	if fromID == toID {
		return nil, fmt.Errorf("%w: a memory cannot be linked to itself", types.ErrInvalidInput)
	}
	if !relation.Valid() {
		return nil, fmt.Errorf("%w: unknown relation %q", types.ErrInvalidInput, relation)
	}
	edge := &types.MemoryEdge{
		TenantID:     tenantID,
		FromMemoryID: fromID,
		ToMemoryID:   toID,
		Relation:     relation,
		Strength:     types.ClampStrength(strength),
		CreatedBy:    createdBy,
	}
	if err := g.edges.CreateEdge(ctx, edge); err != nil {
		return nil, fmt.Errorf("create %s edge: %w", relation, err)
	}
	g.metrics.EdgeChange("created")
	return edge, nil
}

// FindRelated returns edges touching memoryID, strongest first. Outgoing
// and incoming edges are queried separately and merged. Failures degrade to
// an empty result.
func (g *Graph) FindRelated(ctx context.Context, memoryID, tenantID string, opts FindOptions) []RelatedEdge {
	out := []RelatedEdge{}
	for _, r := range opts.Relations {
		if !r.Valid() {
			g.logger.Warn().Str("relation", string(r)).Msg("unknown relation in filter, returning no results")
			return out
		}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultRelatedLimit
	}
	filter := storage.EdgeFilter{Relations: opts.Relations, MinStrength: opts.MinStrength, Limit: limit}

	if opts.Direction != DirectionIncoming {
		edges, err := g.edges.OutgoingEdges(ctx, tenantID, memoryID, filter)
		if err != nil {
			g.degraded("find_related", memoryID, err)
			return []RelatedEdge{}
		}
		for _, e := range edges {
			out = append(out, RelatedEdge{MemoryEdge: e, Direction: DirectionOutgoing, MemoryID: e.ToMemoryID})
		}
	}
	if opts.Direction != DirectionOutgoing {
		edges, err := g.edges.IncomingEdges(ctx, tenantID, memoryID, filter)
		if err != nil {
			g.degraded("find_related", memoryID, err)
			return []RelatedEdge{}
		}
		for _, e := range edges {
			out = append(out, RelatedEdge{MemoryEdge: e, Direction: DirectionIncoming, MemoryID: e.FromMemoryID})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Strength > out[j].Strength })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// FindPath returns the shortest chain of outgoing edges from fromID to toID
// with at most maxHops edges. Traversal is also bounded by the graph's node,
// edge and time limits. It returns false when no path is found, and always
// for maxHops < 1 unless fromID == toID.
func (g *Graph) FindPath(ctx context.Context, fromID, toID, tenantID string, maxHops int) ([]types.MemoryEdge, bool) {
	if fromID == toID {
		return []types.MemoryEdge{}, true
	}
	if maxHops < 1 {
		return nil, false
	}
	bounds := g.bounds
	bounds.Normalize()
	bounds.MaxHops = maxHops
	checker := newBoundsChecker(bounds)

	type queueItem struct {
		id   string
		path []types.MemoryEdge
	}
	queue := []queueItem{{id: fromID}}
	visited := map[string]bool{fromID: true}
	checker.RecordNode()

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if len(current.path) >= bounds.MaxHops {
			continue
		}
		if err := checker.CanContinue(ctx); err != nil {
			g.degraded("find_path", fromID, err)
			return nil, false
		}

		related := g.FindRelated(ctx, current.id, tenantID, FindOptions{
			Direction: DirectionOutgoing,
			Limit:     bounds.MaxEdges,
		})
		for _, r := range related {
			checker.RecordEdge()
			path := make([]types.MemoryEdge, len(current.path), len(current.path)+1)
			copy(path, current.path)
			path = append(path, r.MemoryEdge)

			if r.MemoryID == toID {
				return path, true
			}
			if visited[r.MemoryID] {
				continue
			}
			visited[r.MemoryID] = true
			checker.RecordNode()
			queue = append(queue, queueItem{id: r.MemoryID, path: path})
		}
	}
	return nil, false
}

// AutoLinkSimilar creates a similar_to edge from newMemory to every
// candidate whose cosine similarity reaches threshold (default 0.7), with
// the similarity as strength. Candidates without embeddings, with a
// different dimension, or equal to newMemory are skipped. Edge creation
// failures are collected and do not stop the remaining candidates.
func (g *Graph) AutoLinkSimilar(ctx context.Context, newMemory types.MemoryVector, candidates []types.MemoryVector, tenantID string, threshold float64) ([]types.MemoryEdge, error) {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	if len(newMemory.Embedding) == 0 {
		g.logger.Debug().Str("memory_id", newMemory.ID).Msg("memory has no embedding, skipping auto-link")
		return nil, nil
	}

	var created []types.MemoryEdge
	var errs []error
	for _, c := range candidates {
		if c.ID == newMemory.ID || len(c.Embedding) == 0 {
			continue
		}
		sim, ok := CosineSimilarity(newMemory.Embedding, c.Embedding)
		if !ok || sim < threshold {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		edge, err := g.CreateEdge(ctx, newMemory.ID, c.ID, types.RelationSimilarTo, sim, AutoLinkCreator, tenantID)
		if err != nil {
			g.logger.Warn().Err(err).Str("from", newMemory.ID).Str("to", c.ID).Msg("auto-link failed")
			errs = append(errs, err)
			continue
		}
		created = append(created, *edge)
	}
	return created, errors.Join(errs...)
}

// LinkStoredMemory embeds text, stores the vector for memoryID and
// auto-links it against the tenant's previously stored vectors.
func (g *Graph) LinkStoredMemory(ctx context.Context, tenantID, memoryID, text string, threshold float64) ([]types.MemoryEdge, error) {
	if g.embedder == nil || g.vectors == nil {
		return nil, fmt.Errorf("%w: auto-linking needs an embedder and a vector store", types.ErrNotConfigured)
	}
	embedding, err := g.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed memory %s: %w", memoryID, err)
	}
	candidates, err := g.vectors.ListEmbeddings(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	vec := types.MemoryVector{ID: memoryID, TenantID: tenantID, Embedding: embedding}
	if err := g.vectors.PutEmbedding(ctx, vec); err != nil {
		return nil, fmt.Errorf("store embedding for %s: %w", memoryID, err)
	}
	return g.AutoLinkSimilar(ctx, vec, candidates, tenantID, threshold)
}

// Reinforce raises an edge's strength by delta (default 0.1), capped at 1.
func (g *Graph) Reinforce(ctx context.Context, tenantID, edgeID string, delta float64) (*types.MemoryEdge, error) {
	if delta <= 0 {
		delta = DefaultStep
	}
	edge, err := g.edges.GetEdge(ctx, tenantID, edgeID)
	if err != nil {
		return nil, fmt.Errorf("reinforce edge %s: %w", edgeID, err)
	}
	edge.Strength = types.ClampStrength(edge.Strength + delta)
	if err := g.edges.UpdateEdgeStrength(ctx, tenantID, edgeID, edge.Strength); err != nil {
		return nil, fmt.Errorf("reinforce edge %s: %w", edgeID, err)
	}
	g.metrics.EdgeChange("reinforced")
	return edge, nil
}

// Weaken lowers an edge's strength by delta (default 0.1). An edge that
// reaches zero is deleted and reported with deleted set.
func (g *Graph) Weaken(ctx context.Context, tenantID, edgeID string, delta float64) (edge *types.MemoryEdge, deleted bool, err error) {
	if delta <= 0 {
		delta = DefaultStep
	}
	edge, err = g.edges.GetEdge(ctx, tenantID, edgeID)
	if err != nil {
		return nil, false, fmt.Errorf("weaken edge %s: %w", edgeID, err)
	}

	next := edge.Strength - delta
	if next <= strengthEpsilon {
		if err := g.edges.DeleteEdge(ctx, tenantID, edgeID); err != nil {
			return nil, false, fmt.Errorf("delete decayed edge %s: %w", edgeID, err)
		}
		edge.Strength = 0
		g.metrics.EdgeChange("deleted")
		return edge, true, nil
	}

	edge.Strength = next
	if err := g.edges.UpdateEdgeStrength(ctx, tenantID, edgeID, next); err != nil {
		return nil, false, fmt.Errorf("weaken edge %s: %w", edgeID, err)
	}
	g.metrics.EdgeChange("weakened")
	return edge, false, nil
}

func (g *Graph) degraded(op, memoryID string, err error) {
	g.metrics.DegradedRead(op)
	g.logger.Warn().Err(err).Str("operation", op).Str("memory_id", memoryID).Msg("graph read failed, returning no results")
}
