package consolidation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/tiermem/internal/blocks"
	"github.com/scrypster/tiermem/internal/graph"
	"github.com/scrypster/tiermem/internal/llm"
	"github.com/scrypster/tiermem/internal/llm/llmtest"
	"github.com/scrypster/tiermem/internal/memhost/memhosttest"
	"github.com/scrypster/tiermem/internal/storage"
	"github.com/scrypster/tiermem/internal/storage/sqlstore"
	"github.com/scrypster/tiermem/internal/tags"
	"github.com/scrypster/tiermem/pkg/types"
)

const consolidationJSON = `Here you go:
{"insights": ["Customers ask about gummies"],
 "blockUpdates": {"customer_insights": "Repeat buyers prefer gummies.", "competitor_intel": "NO_CHANGE", "compliance_policy": "ignore me"},
 "archivalFacts": ["Competitor X dropped price on vapes", "  "]}`

type harness struct {
	fake   *memhosttest.Fake
	store  *sqlstore.Store
	blocks *blocks.Manager
	runner *Runner
}

func newHarness(t *testing.T, gen llm.Generator, opts ...func(*RunnerDeps, *sqlstore.Store)) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := sqlstore.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := memhosttest.New()
	host := fake.Host()
	mgr, err := blocks.NewManager(host.Blocks, blocks.Options{})
	require.NoError(t, err)
	ix, err := tags.NewIndex(host.Passages, store, tags.Options{})
	require.NoError(t, err)

	deps := RunnerDeps{
		Messages:  host.Messages,
		Agents:    host.Agents,
		Blocks:    mgr,
		Tags:      ix,
		Generator: gen,
		Runs:      store,
	}
	for _, opt := range opts {
		opt(&deps, store)
	}
	r, err := NewRunner(deps, RunnerConfig{})
	require.NoError(t, err)
	return &harness{fake: fake, store: store, blocks: mgr, runner: r}
}

func seedMessages(f *memhosttest.Fake, agentID string, n int) {
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		role := types.MessageRoleUser
		if i%2 == 1 {
			role = types.MessageRoleAssistant
		}
		f.AddMessage(agentID, types.Message{Role: role, Content: fmt.Sprintf("message %d about gummies", i), CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
}

func TestRun_AppliesUpdatesAndFacts(t *testing.T) {
	gen := llmtest.NewGenerator(consolidationJSON)
	h := newHarness(t, gen)
	seedMessages(h.fake, "acme:support", 6)
	ctx := context.Background()

	run, err := h.runner.Run(ctx, "acme", "acme:support")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assert.Equal(t, 6, run.InputMessages)
	assert.Equal(t, []string{"Customers ask about gummies"}, run.OutputInsights)
	assert.Equal(t, []string{types.BlockCustomerInsights}, run.BlocksUpdated)
	assert.Equal(t, 1, run.NewArchivalEntries)
	require.NotNil(t, run.CompletedAt)

	value, err := h.blocks.Read(ctx, "acme", types.BlockCustomerInsights)
	require.NoError(t, err)
	assert.Contains(t, value, "[sleeptime-agent @ ")
	assert.Contains(t, value, "Repeat buyers prefer gummies.")

	intel, err := h.blocks.Read(ctx, "acme", types.BlockCompetitorIntel)
	require.NoError(t, err)
	assert.Equal(t, "Competitor intel: none yet.", intel)

	passages := h.fake.PassageContents("acme:support")
	require.Len(t, passages, 1)
	assert.Contains(t, passages[0], "[source:consolidation]")
	assert.Contains(t, passages[0], "Competitor X dropped price on vapes")

	stored, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, stored.Status)
	assert.Equal(t, []string{types.BlockCustomerInsights}, stored.BlocksUpdated)

	prompts := gen.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "### customer_insights")
	assert.Contains(t, prompts[0], "message 5 about gummies")
}

func TestRun_MalformedOutputCompletesEmpty(t *testing.T) {
	h := newHarness(t, llmtest.NewGenerator("I could not decide, sorry."))
	seedMessages(h.fake, "a1", 3)

	run, err := h.runner.Run(context.Background(), "acme", "a1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assert.Empty(t, run.BlocksUpdated)
	assert.Zero(t, run.NewArchivalEntries)
}

func TestRun_NoMessagesSkipsGeneration(t *testing.T) {
	gen := llmtest.NewGenerator(consolidationJSON)
	h := newHarness(t, gen)

	run, err := h.runner.Run(context.Background(), "acme", "quiet")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assert.Empty(t, gen.Prompts())
}

func TestRun_PreconditionFailuresFailTheRun(t *testing.T) {
	t.Run("message fetch", func(t *testing.T) {
		h := newHarness(t, llmtest.NewGenerator(consolidationJSON))
		h.fake.FailOn(memhosttest.OpMessageList, types.NewRemoteAPIError("memory host", 500, "boom"))

		run, err := h.runner.Run(context.Background(), "acme", "a1")
		require.Error(t, err)
		assert.Equal(t, types.RunStatusFailed, run.Status)
		assert.Contains(t, run.Error, "fetch messages")

		stored, err := h.store.GetRun(context.Background(), run.ID)
		require.NoError(t, err)
		assert.Equal(t, types.RunStatusFailed, stored.Status)
	})

	t.Run("generation", func(t *testing.T) {
		gen := llmtest.NewGenerator()
		gen.Err = errors.New("rate limited")
		h := newHarness(t, gen)
		seedMessages(h.fake, "a1", 2)

		run, err := h.runner.Run(context.Background(), "acme", "a1")
		require.Error(t, err)
		assert.Equal(t, types.RunStatusFailed, run.Status)
	})
}

func TestRun_PerItemFailuresAreSkipped(t *testing.T) {
	h := newHarness(t, llmtest.NewGenerator(consolidationJSON))
	seedMessages(h.fake, "a1", 2)
	h.fake.FailOn(memhosttest.OpPassageInsert, errors.New("archive offline"))

	run, err := h.runner.Run(context.Background(), "acme", "a1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assert.Equal(t, []string{types.BlockCustomerInsights}, run.BlocksUpdated)
	assert.Zero(t, run.NewArchivalEntries)
}

// cancellingGenerator answers normally but cancels the run's context.
type cancellingGenerator struct {
	cancel context.CancelFunc
}

func (g cancellingGenerator) Generate(context.Context, string, llm.Format) (string, error) {
	g.cancel()
	return consolidationJSON, nil
}

func (cancellingGenerator) Model() string { return "cancelling" }

func TestRun_CancellationFailsAndIsRecorded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, cancellingGenerator{cancel: cancel})
	seedMessages(h.fake, "a1", 2)

	run, err := h.runner.Run(ctx, "acme", "a1")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.RunStatusFailed, run.Status)
	assert.Empty(t, run.BlocksUpdated)

	stored, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, stored.Status)
}

func TestConsolidateTenant_SequentialAndIndependent(t *testing.T) {
	h := newHarness(t, llmtest.NewGenerator(consolidationJSON))
	h.fake.AddAgent(types.Agent{ID: "ag-1", Name: "acme:support"})
	h.fake.AddAgent(types.Agent{ID: "ag-2", Name: "acme:marketing"})
	h.fake.AddAgent(types.Agent{ID: "ag-3", Name: "globex:support"})
	seedMessages(h.fake, "ag-1", 2)
	seedMessages(h.fake, "ag-2", 2)
	h.fake.FailWhen(memhosttest.OpMessageList, errors.New("boom"), func(arg string) bool { return arg == "ag-2" })

	res, err := h.runner.ConsolidateTenant(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, res.Runs, 2)
	assert.Contains(t, res.Errors, "ag-2")

	runs, err := h.store.ListRuns(context.Background(), "acme", "", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestConversationWindow_KeepsNewestWithinBudget(t *testing.T) {
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	var msgs []types.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, types.Message{Role: types.MessageRoleUser, Content: strings.Repeat("x", 60) + fmt.Sprint(i), CreatedAt: base.Add(time.Duration(i) * time.Hour)})
	}

	lines := conversationWindow(msgs, 300)
	require.NotEmpty(t, lines)
	total := 0
	for _, l := range lines {
		total += len(l) + 1
	}
	assert.LessOrEqual(t, total, 300)
	assert.True(t, strings.HasSuffix(lines[len(lines)-1], "9"), "newest message is last")
	assert.Less(t, len(lines), 10)

	huge := []types.Message{{Role: types.MessageRoleUser, Content: strings.Repeat("y", 1000) + "END", CreatedAt: base}}
	lines = conversationWindow(huge, 100)
	require.Len(t, lines, 1)
	assert.Len(t, []rune(lines[0]), 100)
	assert.True(t, strings.HasSuffix(lines[0], "END"))
}

func TestNewRunner_RequiresGenerator(t *testing.T) {
	_, err := NewRunner(RunnerDeps{}, RunnerConfig{})
	assert.ErrorIs(t, err, types.ErrNotConfigured)
}

func TestRun_LinksFactsToSimilarMemories(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, llmtest.NewGenerator(consolidationJSON), func(d *RunnerDeps, store *sqlstore.Store) {
		g, err := graph.New(store, graph.Options{Embedder: &llmtest.Embedder{Default: []float32{1, 0}}, Vectors: store})
		require.NoError(t, err)
		d.Graph = g
	})
	require.NoError(t, h.store.PutEmbedding(ctx, types.MemoryVector{ID: "prior-fact", TenantID: "acme", Embedding: []float32{1, 0}}))
	seedMessages(h.fake, "acme:support", 4)

	run, err := h.runner.Run(ctx, "acme", "acme:support")
	require.NoError(t, err)
	require.Equal(t, 1, run.NewArchivalEntries)

	edges, err := h.store.IncomingEdges(ctx, "acme", "prior-fact", storage.EdgeFilter{})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, types.RelationSimilarTo, edges[0].Relation)
	assert.Equal(t, graph.AutoLinkCreator, edges[0].CreatedBy)
	assert.InDelta(t, 1.0, edges[0].Strength, 1e-6)

	vectors, err := h.store.ListEmbeddings(ctx, "acme")
	require.NoError(t, err)
	ids := make([]string, 0, len(vectors))
	for _, v := range vectors {
		ids = append(ids, v.ID)
	}
	assert.ElementsMatch(t, []string{"prior-fact", edges[0].FromMemoryID}, ids)
}

func TestRun_LinkFailureKeepsFact(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, llmtest.NewGenerator(consolidationJSON), func(d *RunnerDeps, store *sqlstore.Store) {
		g, err := graph.New(store, graph.Options{Embedder: &llmtest.Embedder{Err: errors.New("embedding backend down")}, Vectors: store})
		require.NoError(t, err)
		d.Graph = g
	})
	seedMessages(h.fake, "acme:support", 4)

	run, err := h.runner.Run(ctx, "acme", "acme:support")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.NewArchivalEntries)
}

type workflowFinder struct {
	tasks []string
	found []types.WorkflowTrajectory
}

func (w *workflowFinder) FindRelevantWorkflows(_ context.Context, _, _, task string, _ int) []types.WorkflowTrajectory {
	w.tasks = append(w.tasks, task)
	return w.found
}

func TestRun_PromptIncludesKnownWorkflows(t *testing.T) {
	finder := &workflowFinder{found: []types.WorkflowTrajectory{{
		TaskDescription: "restock gummies",
		Outcome:         types.OutcomeSuccess,
		Importance:      0.8,
		Steps: []types.WorkflowStep{
			{StepNumber: 1, ToolName: "check_inventory", Success: true},
			{StepNumber: 2, ToolName: "place_order", Success: true},
		},
	}}}
	gen := llmtest.NewGenerator(consolidationJSON)
	h := newHarness(t, gen, func(d *RunnerDeps, _ *sqlstore.Store) { d.Workflows = finder })
	seedMessages(h.fake, "acme:support", 4)

	_, err := h.runner.Run(context.Background(), "acme", "acme:support")
	require.NoError(t, err)

	require.Len(t, finder.tasks, 1)
	assert.Contains(t, finder.tasks[0], "about gummies")
	prompts := gen.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "## Known workflows")
	assert.Contains(t, prompts[0], "- restock gummies (success, importance 0.80): check_inventory -> place_order")
}

func TestWorkflowSection_Empty(t *testing.T) {
	assert.Empty(t, WorkflowSection(nil))
}
