package types

import (
	"fmt"
	"time"
)

// Relation is the type of a directed edge between two memories.
type Relation string

const (
	RelationSimilarTo    Relation = "similar_to"
	RelationFollowedBy   Relation = "followed_by"
	RelationCaused       Relation = "caused"
	RelationReferencedIn Relation = "referenced_in"
	RelationContradicts  Relation = "contradicts"
	RelationSupersedes   Relation = "supersedes"
)

// ValidRelations contains all relation values.
var ValidRelations = []Relation{
	RelationSimilarTo,
	RelationFollowedBy,
	RelationCaused,
	RelationReferencedIn,
	RelationContradicts,
	RelationSupersedes,
}

// Valid reports whether r is a known relation.
func (r Relation) Valid() bool {
	for _, v := range ValidRelations {
		if r == v {
			return true
		}
	}
	return false
}

// ParseRelation converts s into a Relation.
func ParseRelation(s string) (Relation, error) {
	r := Relation(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown relation %q", ErrInvalidInput, s)
	}
	return r, nil
}

// MemoryEdge is a directed, weighted relationship between two memory IDs.
// Strength is kept within [0,1]; an edge whose strength reaches 0 is deleted.
type MemoryEdge struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	FromMemoryID string    `json:"from_memory_id"`
	ToMemoryID   string    `json:"to_memory_id"`
	Relation     Relation  `json:"relation"`
	Strength     float64   `json:"strength"`
	CreatedAt    time.Time `json:"created_at"`
	CreatedBy    string    `json:"created_by"`
}

// ClampStrength limits s to [0,1].
func ClampStrength(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// MemoryVector pairs a memory ID with its embedding. A nil or empty
// Embedding means the memory has not been embedded.
type MemoryVector struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Embedding []float32 `json:"embedding,omitempty"`
}
