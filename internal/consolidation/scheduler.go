// Package consolidation runs sleep-time consolidation: it counts agent
// messages, triggers a background run every N messages, distills the recent
// conversation into block updates and archival facts, and retries failed
// runs through a worker queue with a dead-letter path.
package consolidation

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scrypster/tiermem/pkg/types"
)

// DefaultTriggerFrequency is the number of messages between runs.
const DefaultTriggerFrequency = 5

// State is an agent's position in the consolidation lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateTriggered State = "triggered"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// StateTracker holds the per-agent state machine
// Idle -> Triggered -> Running -> Completed|Failed -> Idle.
// The terminal state is kept as the agent's last outcome while the current
// state returns to Idle.
type StateTracker struct {
	mu      sync.Mutex
	current map[string]State
	last    map[string]State
}

// NewStateTracker returns a tracker with every agent Idle.
func NewStateTracker() *StateTracker {
	return &StateTracker{current: make(map[string]State), last: make(map[string]State)}
}

// State returns the agent's current state.
func (t *StateTracker) State(agentID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.current[agentID]; ok {
		return s
	}
	return StateIdle
}

// LastOutcome returns Completed or Failed for the agent's latest finished
// run, or Idle when none has finished.
func (t *StateTracker) LastOutcome(agentID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.last[agentID]; ok {
		return s
	}
	return StateIdle
}

// tryTrigger moves an Idle agent to Triggered. It reports false when a run
// is already pending or in progress.
func (t *StateTracker) tryTrigger(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.current[agentID] {
	case StateTriggered, StateRunning:
		return false
	}
	t.current[agentID] = StateTriggered
	return true
}

func (t *StateTracker) set(agentID string, s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current[agentID] = s
}

func (t *StateTracker) reset(agentID string) {
	t.set(agentID, StateIdle)
}

func (t *StateTracker) finish(agentID string, status types.RunStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if status == types.RunStatusCompleted {
		t.last[agentID] = StateCompleted
	} else {
		t.last[agentID] = StateFailed
	}
	t.current[agentID] = StateIdle
}

// Dispatcher accepts consolidation jobs.
type Dispatcher interface {
	Enqueue(job Job) bool
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	TriggerFrequency int
	States           *StateTracker
}

// Scheduler counts processed messages per agent and dispatches a
// consolidation job every TriggerFrequency messages. Counters live in
// process memory and restart at zero.
type Scheduler struct {
	mu        sync.Mutex
	counters  map[string]int
	frequency int

	states     *StateTracker
	dispatcher Dispatcher
	logger     zerolog.Logger
}

// NewScheduler creates a Scheduler that hands triggered runs to dispatcher.
func NewScheduler(cfg SchedulerConfig, dispatcher Dispatcher) *Scheduler {
	if cfg.TriggerFrequency <= 0 {
		cfg.TriggerFrequency = DefaultTriggerFrequency
	}
	if cfg.States == nil {
		cfg.States = NewStateTracker()
	}
	return &Scheduler{
		counters:   make(map[string]int),
		frequency:  cfg.TriggerFrequency,
		states:     cfg.States,
		dispatcher: dispatcher,
		logger:     log.With().Str("component", "consolidation").Logger(),
	}
}

// ShouldTrigger counts one message for agentID and reports whether the
// count reached the trigger frequency, resetting it when it did. The
// increment and reset happen under one lock, so concurrent callers see
// exactly one trigger per TriggerFrequency messages.
func (s *Scheduler) ShouldTrigger(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[agentID]++
	if s.counters[agentID] >= s.frequency {
		s.counters[agentID] = 0
		return true
	}
	return false
}

// RecordMessage counts a processed message and, on trigger, dispatches a
// consolidation job. A trigger for an agent whose previous run is still
// pending or running is coalesced into that run. It reports whether a job
// was dispatched.
func (s *Scheduler) RecordMessage(tenantID, agentID string) bool {
	if !s.ShouldTrigger(agentID) {
		return false
	}
	if !s.states.tryTrigger(agentID) {
		s.logger.Debug().Str("agent_id", agentID).Msg("consolidation already pending, trigger coalesced")
		return false
	}
	if s.dispatcher == nil || !s.dispatcher.Enqueue(Job{TenantID: tenantID, AgentID: agentID}) {
		s.states.reset(agentID)
		s.logger.Warn().Str("tenant", tenantID).Str("agent_id", agentID).Msg("consolidation job not accepted")
		return false
	}
	return true
}

// State returns the agent's current consolidation state.
func (s *Scheduler) State(agentID string) State {
	return s.states.State(agentID)
}
