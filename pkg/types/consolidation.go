package types

import "time"

// RunStatus is the lifecycle status of a consolidation run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the run can no longer change.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// ConsolidationRun records one sleep-time consolidation of an agent.
// It is created when triggered and mutated exactly once to a terminal status.
type ConsolidationRun struct {
	ID                 string     `json:"id"`
	AgentID            string     `json:"agent_id"`
	TenantID           string     `json:"tenant_id"`
	TriggeredAt        time.Time  `json:"triggered_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	Status             RunStatus  `json:"status"`
	InputMessages      int        `json:"input_messages"`
	OutputInsights     []string   `json:"output_insights"`
	BlocksUpdated      []string   `json:"blocks_updated"`
	NewArchivalEntries int        `json:"new_archival_entries"`
	Error              string     `json:"error,omitempty"`
}

// DeadLetter records a consolidation job that exhausted its retries.
type DeadLetter struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	AgentID   string    `json:"agent_id"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}
