// Package storage defines the document-store contracts used by the memory
// orchestration layer: tag index, graph edges, sync audit log, customer
// profiles, documents, consolidation runs, dead letters and embeddings.
//
// The interfaces are small and focused so each component depends only on
// what it uses and tests can swap in partial fakes.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/tiermem/pkg/types"
)

// TagIndexStore keeps per-tenant tag usage counts.
type TagIndexStore interface {
	// RecordTagUsage increments the count of every tag by one, sets
	// last_used to at, and unions agentID into the agent set. All tags are
	// updated in one transaction.
	RecordTagUsage(ctx context.Context, tenantID string, tags []string, agentID string, at time.Time) error

	// ListTags returns every tag entry of the tenant.
	ListTags(ctx context.Context, tenantID string) ([]types.TagIndexEntry, error)

	// MergeTags folds the duplicate entries into the primary in one
	// transaction: counts are summed, agent sets unioned, the latest
	// last_used kept, and the duplicates deleted. Returns the merged entry.
	MergeTags(ctx context.Context, tenantID, primaryID string, duplicateIDs []string) (*types.TagIndexEntry, error)

	// TopTags returns the tenant's entries ordered by count descending.
	TopTags(ctx context.Context, tenantID string, limit int) ([]types.TagIndexEntry, error)
}

// EdgeFilter narrows an edge query.
type EdgeFilter struct {
	// Relations restricts results to these relation types. Empty means all.
	Relations []types.Relation

	// MinStrength drops edges weaker than this value.
	MinStrength float64

	// Limit caps the number of results. Zero means no cap.
	Limit int
}

// EdgeStore persists associative-graph edges.
type EdgeStore interface {
	CreateEdge(ctx context.Context, edge *types.MemoryEdge) error

	// GetEdge returns ErrNotFound when the edge does not exist.
	GetEdge(ctx context.Context, tenantID, id string) (*types.MemoryEdge, error)

	UpdateEdgeStrength(ctx context.Context, tenantID, id string, strength float64) error
	DeleteEdge(ctx context.Context, tenantID, id string) error

	// OutgoingEdges returns edges whose source is memoryID, strongest first.
	OutgoingEdges(ctx context.Context, tenantID, memoryID string, filter EdgeFilter) ([]types.MemoryEdge, error)

	// IncomingEdges returns edges whose target is memoryID, strongest first.
	IncomingEdges(ctx context.Context, tenantID, memoryID string, filter EdgeFilter) ([]types.MemoryEdge, error)
}

// SyncLog is the append-only bridge audit log.
type SyncLog interface {
	AppendSyncRecord(ctx context.Context, record *types.SyncRecord) error

	// ListSyncRecords returns the newest records first.
	ListSyncRecords(ctx context.Context, tenantID string, limit int) ([]types.SyncRecord, error)
}

// ProfileStore persists customer preference profiles.
type ProfileStore interface {
	// GetProfile returns ErrNotFound when the customer has no profile.
	GetProfile(ctx context.Context, tenantID, customerID string) (*types.CustomerProfile, error)
	PutProfile(ctx context.Context, profile *types.CustomerProfile) error
}

// DocumentStore is the general document collection store.
type DocumentStore interface {
	// PutDocuments upserts all documents in one batch.
	PutDocuments(ctx context.Context, docs []types.Document) error

	// SearchDocuments returns documents whose content contains every query
	// term, case-insensitively, newest first.
	SearchDocuments(ctx context.Context, tenantID, query string, limit int) ([]types.Document, error)

	// CountDocuments counts a collection's documents created at or after
	// since. A zero since counts everything.
	CountDocuments(ctx context.Context, tenantID, collection string, since time.Time) (int, error)
}

// RunStore persists consolidation runs.
type RunStore interface {
	CreateRun(ctx context.Context, run *types.ConsolidationRun) error

	// FinishRun moves a running run to its terminal state. It returns
	// ErrConflict when the stored run is already terminal.
	FinishRun(ctx context.Context, run *types.ConsolidationRun) error

	GetRun(ctx context.Context, id string) (*types.ConsolidationRun, error)

	// ListRuns returns the newest runs first. An empty agentID lists the
	// whole tenant.
	ListRuns(ctx context.Context, tenantID, agentID string, limit int) ([]types.ConsolidationRun, error)
}

// DeadLetterStore records consolidation jobs that exhausted their retries.
type DeadLetterStore interface {
	AddDeadLetter(ctx context.Context, dl *types.DeadLetter) error
	ListDeadLetters(ctx context.Context, tenantID string) ([]types.DeadLetter, error)
}

// EmbeddingStore persists memory embeddings for auto-linking.
type EmbeddingStore interface {
	PutEmbedding(ctx context.Context, vec types.MemoryVector) error

	// ListEmbeddings returns every embedded memory of the tenant.
	ListEmbeddings(ctx context.Context, tenantID string) ([]types.MemoryVector, error)
}

// Store is the full document store.
type Store interface {
	TagIndexStore
	EdgeStore
	SyncLog
	ProfileStore
	DocumentStore
	RunStore
	DeadLetterStore
	EmbeddingStore
	Close() error
}
