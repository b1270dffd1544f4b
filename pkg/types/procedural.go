package types

import (
	"fmt"
	"time"
)

// Outcome is the overall result of a recorded workflow.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomePartial, OutcomeFailure:
		return true
	}
	return false
}

// ParseOutcome converts s into an Outcome.
func ParseOutcome(s string) (Outcome, error) {
	o := Outcome(s)
	if !o.Valid() {
		return "", fmt.Errorf("%w: unknown outcome %q", ErrInvalidInput, s)
	}
	return o, nil
}

// WorkflowStep is one tool invocation inside a trajectory.
type WorkflowStep struct {
	StepNumber int            `json:"step_number"`
	ToolName   string         `json:"tool_name"`
	Args       map[string]any `json:"args,omitempty"`
	Result     string         `json:"result,omitempty"`
	Success    bool           `json:"success"`
	Duration   time.Duration  `json:"duration"`
}

// WorkflowTrajectory is a recorded multi-step task (procedural memory).
type WorkflowTrajectory struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	AgentID         string         `json:"agent_id"`
	TaskDescription string         `json:"task_description"`
	Steps           []WorkflowStep `json:"steps"`
	Outcome         Outcome        `json:"outcome"`
	Importance      float64        `json:"importance"`
	CreatedAt       time.Time      `json:"created_at"`
}

// SuccessRate returns the fraction of successful steps, or 0 with no steps.
func (w *WorkflowTrajectory) SuccessRate() float64 {
	if len(w.Steps) == 0 {
		return 0
	}
	ok := 0
	for _, s := range w.Steps {
		if s.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(w.Steps))
}

// ToolNames returns the distinct tool names in step order.
func (w *WorkflowTrajectory) ToolNames() []string {
	seen := make(map[string]bool, len(w.Steps))
	names := make([]string, 0, len(w.Steps))
	for _, s := range w.Steps {
		if s.ToolName == "" || seen[s.ToolName] {
			continue
		}
		seen[s.ToolName] = true
		names = append(names, s.ToolName)
	}
	return names
}
