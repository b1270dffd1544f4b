// Package procedural stores multi-step tool trajectories as tagged archival
// passages and ranks them for reuse.
package procedural

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scrypster/tiermem/internal/tags"
	"github.com/scrypster/tiermem/pkg/types"
)

const (
	// MarkerTag marks a passage as a procedural-memory record.
	MarkerTag = "category:procedural_memory"

	// MinSteps is the shortest trajectory worth keeping.
	MinSteps = 2

	// MinSuccessRate is the lowest step success rate worth keeping.
	MinSuccessRate = 0.5

	// DefaultLimit applies when FindRelevantWorkflows gets no limit.
	DefaultLimit = 5

	// bestPracticePool is how many candidates FindBestPractice scores.
	bestPracticePool = 20
)

// outcomeMultiplier scales importance by how the task ended.
var outcomeMultiplier = map[types.Outcome]float64{
	types.OutcomeSuccess: 1.0,
	types.OutcomePartial: 0.7,
	types.OutcomeFailure: 0.3,
}

// outcomeScore is the outcome's share of a best-practice score.
var outcomeScore = map[types.Outcome]float64{
	types.OutcomeSuccess: 1.0,
	types.OutcomePartial: 0.5,
	types.OutcomeFailure: 0.0,
}

// Importance scores a trajectory:
// clamp((successRate*0.6 + min(steps/10, 0.2)) * outcomeMultiplier + 0.2, 0, 1).
func Importance(w *types.WorkflowTrajectory) float64 {
	stepBonus := math.Min(float64(len(w.Steps))/10, 0.2)
	raw := (w.SuccessRate()*0.6+stepBonus)*outcomeMultiplier[w.Outcome] + 0.2
	return math.Min(math.Max(raw, 0), 1)
}

// StoreResult reports whether a trajectory was kept. When Stored is false,
// Reason says why it was discarded.
type StoreResult struct {
	Stored     bool
	Trajectory *types.WorkflowTrajectory
	Reason     string
}

// BestPractice is the highest-scoring trajectory for a tool set.
type BestPractice struct {
	Trajectory    types.WorkflowTrajectory
	Score         float64
	ToolMatchRate float64
}

// Options configures a Memory.
type Options struct {
	Now func() time.Time
}

// Memory is the procedural memory store.
type Memory struct {
	index  *tags.Index
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a Memory that persists through the tag index.
func New(index *tags.Index, opts Options) (*Memory, error) {
	if index == nil {
		return nil, fmt.Errorf("%w: tag index is required", types.ErrNotConfigured)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Memory{
		index:  index,
		now:    now,
		logger: log.With().Str("component", "procedural").Logger(),
	}, nil
}

// StoreWorkflow persists a trajectory on the agent's archive when it has at
// least two steps and a success rate of at least one half. Trajectories
// below the gate are discarded without error.
func (m *Memory) StoreWorkflow(ctx context.Context, agentID string, traj types.WorkflowTrajectory) (*StoreResult, error) {
	if strings.TrimSpace(traj.TaskDescription) == "" {
		return nil, fmt.Errorf("%w: task description is required", types.ErrInvalidInput)
	}
	if !traj.Outcome.Valid() {
		return nil, fmt.Errorf("%w: unknown outcome %q", types.ErrInvalidInput, traj.Outcome)
	}
	if len(traj.Steps) < MinSteps {
		return &StoreResult{Reason: fmt.Sprintf("trajectory has %d step(s), need at least %d", len(traj.Steps), MinSteps)}, nil
	}
	if rate := traj.SuccessRate(); rate < MinSuccessRate {
		return &StoreResult{Reason: fmt.Sprintf("success rate %.2f is below %.2f", rate, MinSuccessRate)}, nil
	}

	if traj.ID == "" {
		traj.ID = uuid.NewString()
	}
	if traj.CreatedAt.IsZero() {
		traj.CreatedAt = m.now().UTC()
	}
	traj.AgentID = agentID
	traj.Importance = Importance(&traj)

	payload, err := json.Marshal(traj)
	if err != nil {
		return nil, fmt.Errorf("encode trajectory: %w", err)
	}

	tagSet := []string{MarkerTag, types.TagPrefixOutcome.Tag(string(traj.Outcome))}
	for _, name := range traj.ToolNames() {
		tagSet = append(tagSet, types.TagPrefixTool.Tag(name))
	}
	if _, err := m.index.InsertWithTags(ctx, agentID, string(payload), tagSet, traj.TenantID); err != nil {
		return nil, fmt.Errorf("store workflow: %w", err)
	}

	m.logger.Debug().Str("agent_id", agentID).Str("workflow_id", traj.ID).
		Float64("importance", traj.Importance).Msg("workflow stored")
	return &StoreResult{Stored: true, Trajectory: &traj}, nil
}

// FindRelevantWorkflows returns the tenant's stored trajectories that match
// task, in host relevance order. Passages that do not decode to a valid
// trajectory are skipped.
func (m *Memory) FindRelevantWorkflows(ctx context.Context, agentID, tenantID, task string, limit int) []types.WorkflowTrajectory {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return m.search(ctx, agentID, tenantID, task, limit)
}

// FindBestPractice scores every stored trajectory that used at least one of
// toolNames as toolMatchRate*0.5 + outcomeScore*0.3 + importance*0.2 and
// returns the best. toolMatchRate is the fraction of toolNames the
// trajectory used.
func (m *Memory) FindBestPractice(ctx context.Context, agentID, tenantID string, toolNames []string) (BestPractice, bool) {
	wanted := make(map[string]bool, len(toolNames))
	for _, n := range toolNames {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			wanted[n] = true
		}
	}
	if len(wanted) == 0 {
		return BestPractice{}, false
	}

	var best BestPractice
	found := false
	for _, traj := range m.search(ctx, agentID, tenantID, strings.Join(toolNames, " "), bestPracticePool) {
		used := make(map[string]bool, len(wanted))
		for _, name := range traj.ToolNames() {
			if n := strings.ToLower(strings.TrimSpace(name)); wanted[n] {
				used[n] = true
			}
		}
		if len(used) == 0 {
			continue
		}
		rate := float64(len(used)) / float64(len(wanted))
		score := rate*0.5 + outcomeScore[traj.Outcome]*0.3 + traj.Importance*0.2
		if !found || score > best.Score {
			best = BestPractice{Trajectory: traj, Score: score, ToolMatchRate: rate}
			found = true
		}
	}
	return best, found
}

func (m *Memory) search(ctx context.Context, agentID, tenantID, query string, limit int) []types.WorkflowTrajectory {
	hits := m.index.SearchByTags(ctx, agentID, []string{MarkerTag}, tags.SearchOptions{Query: query, Limit: limit})
	out := make([]types.WorkflowTrajectory, 0, len(hits))
	for _, h := range hits {
		traj, ok := decode(h.Body)
		if !ok {
			m.logger.Debug().Str("agent_id", agentID).Msg("skipping malformed procedural record")
			continue
		}
		if tenantID != "" && traj.TenantID != tenantID {
			continue
		}
		out = append(out, traj)
	}
	return out
}

func decode(body string) (types.WorkflowTrajectory, bool) {
	var traj types.WorkflowTrajectory
	if err := json.Unmarshal([]byte(body), &traj); err != nil {
		return traj, false
	}
	if traj.ID == "" || !traj.Outcome.Valid() || len(traj.Steps) < MinSteps {
		return traj, false
	}
	return traj, true
}
