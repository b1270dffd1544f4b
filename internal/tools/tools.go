// Package tools is the agent-facing surface over the memory tiers. Every
// tool returns text for the model; failures are rendered as "Error: ..."
// strings instead of being returned.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scrypster/tiermem/internal/blocks"
	"github.com/scrypster/tiermem/internal/episodic"
	"github.com/scrypster/tiermem/internal/graph"
	"github.com/scrypster/tiermem/internal/procedural"
	"github.com/scrypster/tiermem/internal/tags"
	"github.com/scrypster/tiermem/pkg/types"
)

// Tool names accepted by Call.
const (
	ToolSaveFact            = "save_fact"
	ToolSearchFacts         = "search_facts"
	ToolLinkMemories        = "link_memories"
	ToolFindRelated         = "find_related"
	ToolUpdateBlock         = "update_block"
	ToolRecordWorkflow      = "record_workflow"
	ToolRecallConversations = "recall_conversations"
)

const defaultLimit = 5

// Scope identifies the caller of a tool.
type Scope struct {
	TenantID string
	AgentID  string
}

// Deps are the components behind the tools. A nil dependency disables the
// tools that need it.
type Deps struct {
	Tags      *tags.Index
	Graph     *graph.Graph
	Blocks    *blocks.Manager
	Workflows *procedural.Memory
	Episodes  *episodic.Searcher
}

// Toolkit dispatches agent tool calls.
type Toolkit struct {
	deps   Deps
	logger zerolog.Logger
}

// New creates a Toolkit.
func New(deps Deps) *Toolkit {
	return &Toolkit{deps: deps, logger: log.With().Str("component", "tools").Logger()}
}

// Names lists the tools whose dependencies are configured.
func (t *Toolkit) Names() []string {
	var names []string
	if t.deps.Tags != nil {
		names = append(names, ToolSaveFact, ToolSearchFacts)
	}
	if t.deps.Graph != nil {
		names = append(names, ToolLinkMemories, ToolFindRelated)
	}
	if t.deps.Blocks != nil {
		names = append(names, ToolUpdateBlock)
	}
	if t.deps.Workflows != nil {
		names = append(names, ToolRecordWorkflow)
	}
	if t.deps.Episodes != nil {
		names = append(names, ToolRecallConversations)
	}
	sort.Strings(names)
	return names
}

// callArgs is the union of every tool's JSON arguments.
type callArgs struct {
	Content    string                   `json:"content"`
	Tags       []string                 `json:"tags"`
	Query      string                   `json:"query"`
	Limit      int                      `json:"limit"`
	FromID     string                   `json:"from_id"`
	ToID       string                   `json:"to_id"`
	Relation   string                   `json:"relation"`
	Strength   float64                  `json:"strength"`
	MemoryID   string                   `json:"memory_id"`
	Label      string                   `json:"label"`
	Workflow   types.WorkflowTrajectory `json:"workflow"`
	RequireAll bool                     `json:"require_all"`
}

// Call decodes args and runs the named tool.
func (t *Toolkit) Call(ctx context.Context, scope Scope, name string, args json.RawMessage) string {
	var a callArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return errorText(fmt.Errorf("%w: malformed arguments for %s: %v", types.ErrInvalidInput, name, err))
		}
	}
	switch name {
	case ToolSaveFact:
		return t.SaveFact(ctx, scope, a.Content, a.Tags)
	case ToolSearchFacts:
		return t.SearchFacts(ctx, scope, a.Tags, tags.SearchOptions{Query: a.Query, RequireAllTags: a.RequireAll, Limit: a.Limit})
	case ToolLinkMemories:
		return t.LinkMemories(ctx, scope, a.FromID, a.ToID, a.Relation, a.Strength)
	case ToolFindRelated:
		return t.FindRelated(ctx, scope, a.MemoryID, a.Limit)
	case ToolUpdateBlock:
		return t.UpdateBlock(ctx, scope, a.Label, a.Content)
	case ToolRecordWorkflow:
		return t.RecordWorkflow(ctx, scope, a.Workflow)
	case ToolRecallConversations:
		return t.RecallConversations(ctx, scope, a.Query, a.Limit)
	default:
		return fmt.Sprintf("Error: unknown tool %q", name)
	}
}

// SaveFact stores a tagged fact in the agent's archive.
func (t *Toolkit) SaveFact(ctx context.Context, scope Scope, content string, tagList []string) string {
	if t.deps.Tags == nil {
		return notConfigured(ToolSaveFact)
	}
	res, err := t.deps.Tags.InsertWithTags(ctx, scope.AgentID, content, tagList, scope.TenantID)
	if err != nil {
		return t.fail(ToolSaveFact, scope, err)
	}
	msg := fmt.Sprintf("Saved fact %s with tags %s.", res.Passage.ID, strings.Join(res.Tags, ", "))
	if n := t.linkFact(ctx, scope, res.Passage.ID, content); n > 0 {
		msg += fmt.Sprintf(" Linked to %d similar %s.", n, plural(n, "memory", "memories"))
	}
	return msg
}

// linkFact connects a saved fact to similar memories. A failed link never
// fails the save.
func (t *Toolkit) linkFact(ctx context.Context, scope Scope, memoryID, content string) int {
	if t.deps.Graph == nil {
		return 0
	}
	edges, err := t.deps.Graph.LinkStoredMemory(ctx, scope.TenantID, memoryID, content, 0)
	if err != nil {
		if !errors.Is(err, types.ErrNotConfigured) {
			t.logger.Warn().Err(err).Str("tool", ToolSaveFact).Str("memory_id", memoryID).Msg("auto-link failed")
		}
		return 0
	}
	return len(edges)
}

// SearchFacts lists archived facts carrying the tags.
func (t *Toolkit) SearchFacts(ctx context.Context, scope Scope, tagList []string, opts tags.SearchOptions) string {
	if t.deps.Tags == nil {
		return notConfigured(ToolSearchFacts)
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultLimit
	}
	hits := t.deps.Tags.SearchByTags(ctx, scope.AgentID, tagList, opts)
	if len(hits) == 0 {
		return "No matching facts."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d fact(s):", len(hits))
	for i, h := range hits {
		fmt.Fprintf(&b, "\n%d. %s (%s)", i+1, h.Body, strings.Join(h.Tags, ", "))
	}
	return b.String()
}

// LinkMemories creates a directed edge between two memories.
func (t *Toolkit) LinkMemories(ctx context.Context, scope Scope, fromID, toID, relation string, strength float64) string {
	if t.deps.Graph == nil {
		return notConfigured(ToolLinkMemories)
	}
	rel, err := types.ParseRelation(relation)
	if err != nil {
		return t.fail(ToolLinkMemories, scope, err)
	}
	if strength == 0 {
		strength = 0.5
	}
	edge, err := t.deps.Graph.CreateEdge(ctx, fromID, toID, rel, strength, scope.AgentID, scope.TenantID)
	if err != nil {
		return t.fail(ToolLinkMemories, scope, err)
	}
	return fmt.Sprintf("Linked %s -[%s %.2f]-> %s (edge %s).", edge.FromMemoryID, edge.Relation, edge.Strength, edge.ToMemoryID, edge.ID)
}

// FindRelated lists memories connected to memoryID, strongest first.
func (t *Toolkit) FindRelated(ctx context.Context, scope Scope, memoryID string, limit int) string {
	if t.deps.Graph == nil {
		return notConfigured(ToolFindRelated)
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	related := t.deps.Graph.FindRelated(ctx, memoryID, scope.TenantID, graph.FindOptions{Limit: limit})
	if len(related) == 0 {
		return fmt.Sprintf("No memories related to %s.", memoryID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d related memor%s:", len(related), plural(len(related), "y", "ies"))
	for _, r := range related {
		fmt.Fprintf(&b, "\n- %s (%s, %s, strength %.2f)", r.MemoryID, r.Relation, r.Direction, r.Strength)
	}
	return b.String()
}

// UpdateBlock appends content to one of the tenant's blocks, attributed to
// the calling agent.
func (t *Toolkit) UpdateBlock(ctx context.Context, scope Scope, label, content string) string {
	if t.deps.Blocks == nil {
		return notConfigured(ToolUpdateBlock)
	}
	if strings.TrimSpace(content) == "" {
		return t.fail(ToolUpdateBlock, scope, fmt.Errorf("%w: content is empty", types.ErrInvalidInput))
	}
	b, err := t.deps.Blocks.Append(ctx, scope.TenantID, label, content, scope.AgentID)
	if err != nil {
		return t.fail(ToolUpdateBlock, scope, err)
	}
	return fmt.Sprintf("Updated %s (%d/%d characters).", label, len([]rune(b.Value)), b.Limit)
}

// RecordWorkflow stores a finished task as procedural memory. Trajectories
// below the quality gate are acknowledged but not stored.
func (t *Toolkit) RecordWorkflow(ctx context.Context, scope Scope, traj types.WorkflowTrajectory) string {
	if t.deps.Workflows == nil {
		return notConfigured(ToolRecordWorkflow)
	}
	traj.TenantID = scope.TenantID
	res, err := t.deps.Workflows.StoreWorkflow(ctx, scope.AgentID, traj)
	if err != nil {
		return t.fail(ToolRecordWorkflow, scope, err)
	}
	if !res.Stored {
		return "Workflow not stored: " + res.Reason
	}
	return fmt.Sprintf("Stored workflow %s (importance %.2f).", res.Trajectory.ID, res.Trajectory.Importance)
}

// RecallConversations searches the agent's past conversations.
func (t *Toolkit) RecallConversations(ctx context.Context, scope Scope, query string, limit int) string {
	if t.deps.Episodes == nil {
		return notConfigured(ToolRecallConversations)
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	results := t.deps.Episodes.SearchConversations(ctx, scope.AgentID, query, episodic.Options{Limit: limit})
	if len(results) == 0 {
		return "No matching conversations."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d message(s):", len(results))
	for i, r := range results {
		fmt.Fprintf(&b, "\n%d. [%s %s] %s (score %.2f)", i+1,
			r.Memory.CreatedAt.Format("2006-01-02"), r.Memory.Role, r.Memory.Content, r.Scores.Final)
	}
	return b.String()
}

func (t *Toolkit) fail(tool string, scope Scope, err error) string {
	t.logger.Warn().Err(err).Str("tool", tool).Str("tenant", scope.TenantID).Str("agent_id", scope.AgentID).
		Msg("tool call failed")
	return errorText(err)
}

func errorText(err error) string {
	switch {
	case errors.Is(err, types.ErrReadOnlyViolation):
		return "Error: that block is read-only. " + err.Error()
	case errors.Is(err, types.ErrUnauthorized):
		return "Error: the memory service rejected the credentials."
	default:
		return "Error: " + err.Error()
	}
}

func notConfigured(tool string) string {
	return fmt.Sprintf("Error: %s is not available in this deployment.", tool)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
