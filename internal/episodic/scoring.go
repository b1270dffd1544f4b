package episodic

import (
	"math"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultHalfLife is the age at which recency halves.
	DefaultHalfLife = 168 * time.Hour

	// neutralScore stands in for a relevance or importance the host did not report.
	neutralScore = 0.5
)

// Weights sets the contribution of each score component to Final.
type Weights struct {
	Relevance  float64
	Recency    float64
	Importance float64
}

// DefaultWeights favors relevance, then recency, then importance.
var DefaultWeights = Weights{Relevance: 0.5, Recency: 0.3, Importance: 0.2}

// normalized scales w so the components sum to 1. Negative components count
// as zero; all-zero weights fall back to DefaultWeights.
func (w Weights) normalized() Weights {
	w.Relevance = math.Max(w.Relevance, 0)
	w.Recency = math.Max(w.Recency, 0)
	w.Importance = math.Max(w.Importance, 0)
	sum := w.Relevance + w.Recency + w.Importance
	if sum == 0 {
		return DefaultWeights
	}
	if math.Abs(sum-1) < 1e-9 {
		return w
	}
	return Weights{Relevance: w.Relevance / sum, Recency: w.Recency / sum, Importance: w.Importance / sum}
}

// Scores breaks a result's Final score into its components (0.0 to 1.0).
type Scores struct {
	Relevance  float64
	Recency    float64
	Importance float64
	Final      float64
}

// RecencyScore returns 2^(-age/halfLife): 1 at age 0, halving every
// halfLife. Timestamps in the future count as age 0.
func RecencyScore(createdAt, now time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	age := now.Sub(createdAt)
	if age < 0 {
		age = 0
	}
	return math.Pow(2, -age.Hours()/halfLife.Hours())
}

// ApplyWeightedScoring recomputes Recency and Final for every result and
// sorts them by Final, highest first. Relevance and Importance are taken as
// already set on each result. A nil weights uses DefaultWeights. The slice is
// sorted in place and returned.
func ApplyWeightedScoring(results []MemorySearchResult, weights *Weights, now time.Time, halfLife time.Duration) []MemorySearchResult {
	w := DefaultWeights
	if weights != nil {
		w = weights.normalized()
	}
	for i := range results {
		s := &results[i].Scores
		s.Recency = RecencyScore(results[i].Memory.CreatedAt, now, halfLife)
		s.Final = s.Relevance*w.Relevance + s.Recency*w.Recency + s.Importance*w.Importance
		results[i].Reason = buildReason(*s)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Scores.Final > results[j].Scores.Final
	})
	return results
}

func buildReason(s Scores) string {
	var reasons []string
	if s.Relevance > 0.8 {
		reasons = append(reasons, "strong match")
	}
	if s.Recency > 0.8 {
		reasons = append(reasons, "recent")
	}
	if s.Importance > 0.7 {
		reasons = append(reasons, "high importance")
	}
	if len(reasons) == 0 {
		return "weighted match"
	}
	return strings.Join(reasons, ", ")
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}
