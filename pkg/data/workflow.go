package data

import (
	"time"
)

// WorkflowState is the lifecycle state of a workflow run.
type WorkflowState string

const (
	WorkflowStatePending   = WorkflowState("PENDING")
	WorkflowStateRunning   = WorkflowState("RUNNING")
	WorkflowStateCompleted = WorkflowState("COMPLETED")
	WorkflowStateFailed    = WorkflowState("FAILED")
	WorkflowStateCancelled = WorkflowState("CANCELLED")
)

// Terminal reports whether no further state transition is possible.
func (s WorkflowState) Terminal() bool {
	switch s {
	case WorkflowStateCompleted, WorkflowStateFailed, WorkflowStateCancelled:
		return true
	}
	return false
}

// StepState is the lifecycle state of a single step inside a workflow.
type StepState string

const (
	StepStatePending   = StepState("PENDING")
	StepStateRunning   = StepState("RUNNING")
	StepStateCompleted = StepState("COMPLETED")
	StepStateFailed    = StepState("FAILED")
	StepStateSkipped   = StepState("SKIPPED")
)

// Terminal reports whether the step reached a final state.
func (s StepState) Terminal() bool {
	switch s {
	case StepStateCompleted, StepStateFailed, StepStateSkipped:
		return true
	}
	return false
}

// StepRun is the observable record of one step inside a workflow run.
type StepRun struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	State       StepState  `json:"state"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	// DurationMS is total wall time across all attempts.
	DurationMS int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
	// Retryable records whether the last failure was classified retryable.
	Retryable bool `json:"retryable,omitempty"`
}

// Workflow is the observable record of one workflow run. Snapshots returned
// by the manager are deep copies; callers may not mutate engine state
// through them. StepsCompleted counts COMPLETED steps only; SKIPPED steps
// advance the run without incrementing it.
type Workflow struct {
	ID             string        `json:"id"`
	TemplateName   string        `json:"templateName"`
	ServerID       string        `json:"serverId"`
	DeviceType     string        `json:"deviceType,omitempty"`
	State          WorkflowState `json:"state"`
	Steps          []StepRun     `json:"steps"`
	StepsTotal     int           `json:"stepsTotal"`
	StepsCompleted int           `json:"stepsCompleted"`
	CurrentStep    string        `json:"currentStep,omitempty"`
	CurrentSubTask string        `json:"currentSubTask,omitempty"`
	CorrelationID  string        `json:"correlationId,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	StartedAt      *time.Time    `json:"startedAt,omitempty"`
	EndedAt        *time.Time    `json:"endedAt,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand outside the engine.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	out := *w
	out.Steps = make([]StepRun, len(w.Steps))
	copy(out.Steps, w.Steps)
	if w.StartedAt != nil {
		t := *w.StartedAt
		out.StartedAt = &t
	}
	if w.EndedAt != nil {
		t := *w.EndedAt
		out.EndedAt = &t
	}
	for i := range w.Steps {
		if w.Steps[i].StartedAt != nil {
			t := *w.Steps[i].StartedAt
			out.Steps[i].StartedAt = &t
		}
		if w.Steps[i].EndedAt != nil {
			t := *w.Steps[i].EndedAt
			out.Steps[i].EndedAt = &t
		}
	}
	return &out
}
