package consolidation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scrypster/tiermem/internal/blocks"
	"github.com/scrypster/tiermem/internal/llm"
	"github.com/scrypster/tiermem/internal/memhost"
	"github.com/scrypster/tiermem/internal/metrics"
	"github.com/scrypster/tiermem/internal/storage"
	"github.com/scrypster/tiermem/internal/tags"
	"github.com/scrypster/tiermem/pkg/types"
)

const (
	// DefaultMessageWindow is how many recent messages a run reads.
	DefaultMessageWindow = 50

	// DefaultCharBudget bounds the conversation section of the prompt.
	DefaultCharBudget = 16000

	// DefaultIdentity attributes block appends made by consolidation.
	DefaultIdentity = "sleeptime-agent"

	// NoChange marks a block the model chose not to update.
	NoChange = "NO_CHANGE"

	// sourceTag marks archival facts written by consolidation.
	sourceTag = "source:consolidation"

	// workflowHints caps the known workflows shown in the prompt.
	workflowHints = 3
)

// DefaultTargetBlocks are the blocks a run reads and may update.
var DefaultTargetBlocks = []string{
	types.BlockAgentObservations,
	types.BlockCustomerInsights,
	types.BlockCompetitorIntel,
	types.BlockBusinessMetrics,
}

// Output is the structured result requested from the generation service.
type Output struct {
	Insights      []string          `json:"insights"`
	BlockUpdates  map[string]string `json:"blockUpdates"`
	ArchivalFacts []string          `json:"archivalFacts"`
}

// Linker connects a newly stored memory to similar ones in the graph.
type Linker interface {
	LinkStoredMemory(ctx context.Context, tenantID, memoryID, text string, threshold float64) ([]types.MemoryEdge, error)
}

// WorkflowFinder retrieves stored workflows relevant to a task.
type WorkflowFinder interface {
	FindRelevantWorkflows(ctx context.Context, agentID, tenantID, task string, limit int) []types.WorkflowTrajectory
}

// RunnerDeps are the collaborators of a Runner.
type RunnerDeps struct {
	Messages  memhost.MessageService
	Agents    memhost.AgentService
	Blocks    *blocks.Manager
	Tags      *tags.Index
	Generator llm.Generator
	Runs      storage.RunStore

	// Graph, when set, links every new archival fact to similar memories.
	Graph Linker

	// Workflows, when set, adds workflows relevant to the latest user
	// request to the prompt.
	Workflows WorkflowFinder
}

// RunnerConfig tunes a Runner.
type RunnerConfig struct {
	MessageWindow int
	CharBudget    int
	TargetBlocks  []string
	Identity      string
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// Runner executes consolidation runs.
type Runner struct {
	deps    RunnerDeps
	cfg     RunnerConfig
	targets map[string]bool
	logger  zerolog.Logger
}

// NewRunner validates deps and applies config defaults.
func NewRunner(deps RunnerDeps, cfg RunnerConfig) (*Runner, error) {
	if deps.Generator == nil {
		return nil, fmt.Errorf("%w: consolidation needs a generation service", types.ErrNotConfigured)
	}
	if deps.Messages == nil || deps.Blocks == nil || deps.Tags == nil || deps.Runs == nil {
		return nil, fmt.Errorf("%w: consolidation needs messages, blocks, tags and a run store", types.ErrNotConfigured)
	}
	if cfg.MessageWindow <= 0 {
		cfg.MessageWindow = DefaultMessageWindow
	}
	if cfg.CharBudget <= 0 {
		cfg.CharBudget = DefaultCharBudget
	}
	if len(cfg.TargetBlocks) == 0 {
		cfg.TargetBlocks = DefaultTargetBlocks
	}
	if cfg.Identity == "" {
		cfg.Identity = DefaultIdentity
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	targets := make(map[string]bool, len(cfg.TargetBlocks))
	for _, l := range cfg.TargetBlocks {
		targets[l] = true
	}
	return &Runner{
		deps:    deps,
		cfg:     cfg,
		targets: targets,
		logger:  log.With().Str("component", "consolidation").Logger(),
	}, nil
}

// Run consolidates one agent. The run is persisted as running, then
// finished exactly once. Message fetch, generation, or cancellation fail the
// run; individual block updates and fact inserts that fail are logged and
// skipped. The returned error is non-nil only when the run failed or could
// not be recorded.
func (r *Runner) Run(ctx context.Context, tenantID, agentID string) (*types.ConsolidationRun, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(agentID) == "" {
		return nil, fmt.Errorf("%w: tenant and agent are required", types.ErrInvalidInput)
	}
	started := r.cfg.Now()
	run := &types.ConsolidationRun{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		TenantID:    tenantID,
		TriggeredAt: started.UTC(),
		Status:      types.RunStatusRunning,
	}
	if err := r.deps.Runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("record consolidation run: %w", err)
	}

	logger := r.logger.With().Str("run_id", run.ID).Str("tenant", tenantID).Str("agent_id", agentID).Logger()
	err := r.execute(ctx, run, logger)
	if err != nil {
		run.Status = types.RunStatusFailed
		run.Error = err.Error()
	} else {
		run.Status = types.RunStatusCompleted
	}
	completed := r.cfg.Now().UTC()
	run.CompletedAt = &completed

	// Record the outcome even when ctx was cancelled.
	if ferr := r.deps.Runs.FinishRun(context.WithoutCancel(ctx), run); ferr != nil {
		logger.Error().Err(ferr).Msg("failed to record consolidation outcome")
		err = errors.Join(err, ferr)
	}
	r.cfg.Metrics.ConsolidationRun(string(run.Status), completed.Sub(started))

	if err != nil {
		logger.Warn().Err(err).Msg("consolidation run failed")
		return run, fmt.Errorf("consolidation run %s: %w", run.ID, err)
	}
	logger.Info().Int("messages", run.InputMessages).Strs("blocks_updated", run.BlocksUpdated).
		Int("facts", run.NewArchivalEntries).Msg("consolidation run completed")
	return run, nil
}

func (r *Runner) execute(ctx context.Context, run *types.ConsolidationRun, logger zerolog.Logger) error {
	messages, err := r.deps.Messages.List(ctx, run.AgentID, r.cfg.MessageWindow)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	run.InputMessages = len(messages)
	if len(messages) == 0 {
		logger.Debug().Msg("no messages to consolidate")
		return nil
	}

	current := make(map[string]string, len(r.cfg.TargetBlocks))
	for _, label := range r.cfg.TargetBlocks {
		value, err := r.deps.Blocks.Read(ctx, run.TenantID, label)
		if err != nil {
			logger.Warn().Err(err).Str("label", label).Msg("block unavailable, leaving it out of the prompt")
			continue
		}
		current[label] = value
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	prompt := BuildPrompt(messages, current, r.cfg.TargetBlocks, r.cfg.CharBudget)
	if r.deps.Workflows != nil {
		if task := latestUserMessage(messages); task != "" {
			prompt += WorkflowSection(r.deps.Workflows.FindRelevantWorkflows(ctx, run.AgentID, run.TenantID, task, workflowHints))
		}
	}
	raw, err := r.deps.Generator.Generate(ctx, prompt, llm.FormatJSON)
	if err != nil {
		return fmt.Errorf("generate consolidation: %w", err)
	}
	out, err := llm.DecodeJSON[Output](raw)
	if err != nil {
		logger.Warn().Err(err).Msg("unparseable consolidation output, treating as empty")
		out = Output{}
	}
	run.OutputInsights = nonEmpty(out.Insights)

	labels := make([]string, 0, len(out.BlockUpdates))
	for label := range out.BlockUpdates {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		text := strings.TrimSpace(out.BlockUpdates[label])
		if text == "" || strings.EqualFold(text, NoChange) {
			continue
		}
		if _, ok := current[label]; !ok {
			logger.Debug().Str("label", label).Msg("ignoring update for a block outside the run")
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.deps.Blocks.Append(ctx, run.TenantID, label, text, r.cfg.Identity); err != nil {
			logger.Warn().Err(err).Str("label", label).Msg("block update skipped")
			continue
		}
		run.BlocksUpdated = append(run.BlocksUpdated, label)
	}

	for _, fact := range nonEmpty(out.ArchivalFacts) {
		if err := ctx.Err(); err != nil {
			return err
		}
		factTags := append(tags.SuggestTags(fact, ""), sourceTag)
		res, err := r.deps.Tags.InsertWithTags(ctx, run.AgentID, fact, factTags, run.TenantID)
		if err != nil {
			logger.Warn().Err(err).Msg("archival fact skipped")
			continue
		}
		run.NewArchivalEntries++
		r.link(ctx, run.TenantID, res.Passage.ID, fact, logger)
	}
	return nil
}

// link auto-links a stored fact. Failures leave the fact stored unlinked.
func (r *Runner) link(ctx context.Context, tenantID, memoryID, text string, logger zerolog.Logger) {
	if r.deps.Graph == nil {
		return
	}
	edges, err := r.deps.Graph.LinkStoredMemory(ctx, tenantID, memoryID, text, 0)
	switch {
	case errors.Is(err, types.ErrNotConfigured):
		logger.Debug().Err(err).Msg("auto-linking disabled")
	case err != nil:
		logger.Warn().Err(err).Str("memory_id", memoryID).Msg("auto-link failed")
	case len(edges) > 0:
		logger.Debug().Str("memory_id", memoryID).Int("edges", len(edges)).Msg("fact linked")
	}
}

func latestUserMessage(messages []types.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.MessageRoleUser {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	return ""
}

// WorkflowSection renders known workflows as a prompt section, or "" when
// there are none.
func WorkflowSection(workflows []types.WorkflowTrajectory) string {
	if len(workflows) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n## Known workflows\n")
	for _, w := range workflows {
		fmt.Fprintf(&b, "- %s (%s, importance %.2f): %s\n", w.TaskDescription, w.Outcome, w.Importance, strings.Join(w.ToolNames(), " -> "))
	}
	return b.String()
}

// BatchResult aggregates a tenant-wide consolidation.
type BatchResult struct {
	TenantID  string
	Runs      []types.ConsolidationRun
	Completed int
	Failed    int
	Errors    map[string]error // by agent ID
}

// ConsolidateTenant runs consolidation for every agent whose name starts
// with "{tenant}:", one agent at a time. One agent's failure does not stop
// the batch; cancellation does.
func (r *Runner) ConsolidateTenant(ctx context.Context, tenantID string) (*BatchResult, error) {
	if r.deps.Agents == nil {
		return nil, fmt.Errorf("%w: agent service is required for tenant batches", types.ErrNotConfigured)
	}
	agents, err := r.deps.Agents.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	result := &BatchResult{TenantID: tenantID, Errors: make(map[string]error)}
	prefix := tenantID + ":"
	for _, a := range agents {
		if !strings.HasPrefix(a.Name, prefix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		run, err := r.Run(ctx, tenantID, a.ID)
		if run != nil {
			result.Runs = append(result.Runs, *run)
		}
		if err != nil {
			result.Failed++
			result.Errors[a.ID] = err
			continue
		}
		result.Completed++
	}
	r.logger.Info().Str("tenant", tenantID).Int("completed", result.Completed).Int("failed", result.Failed).
		Msg("tenant consolidation finished")
	return result, nil
}

// BuildPrompt assembles the consolidation prompt: instructions, the current
// block states, and as many of the newest messages as fit in budget
// characters, in chronological order.
func BuildPrompt(messages []types.Message, current map[string]string, targets []string, budget int) string {
	var b strings.Builder
	b.WriteString("You are a memory consolidation process. Review the recent conversation and the current memory blocks, ")
	b.WriteString("then distill durable knowledge.\n\n")
	b.WriteString("Respond with a single JSON object:\n")
	b.WriteString(`{"insights": [string], "blockUpdates": {"<label>": "<text to append or NO_CHANGE>"}, "archivalFacts": [string]}`)
	b.WriteString("\n\nOnly use these block labels: ")
	b.WriteString(strings.Join(targets, ", "))
	b.WriteString(". Write NO_CHANGE for blocks that need nothing new.\n\n")

	b.WriteString("## Current memory blocks\n")
	for _, label := range targets {
		value, ok := current[label]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "### %s\n%s\n\n", label, value)
	}

	b.WriteString("## Recent conversation\n")
	for _, line := range conversationWindow(messages, budget) {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// conversationWindow formats messages and keeps the newest ones whose total
// length fits budget. A single newest message longer than budget keeps its
// tail.
func conversationWindow(messages []types.Message, budget int) []string {
	var kept []string
	used := 0
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		line := fmt.Sprintf("[%s @ %s] %s", m.Role, m.CreatedAt.UTC().Format(time.RFC3339), m.Content)
		n := utf8.RuneCountInString(line) + 1
		if used+n > budget {
			if len(kept) == 0 {
				kept = append(kept, blocks.TrimToLimit(line, budget, 0))
			}
			break
		}
		kept = append(kept, line)
		used += n
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
