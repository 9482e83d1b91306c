package data

import (
	"time"
)

// EventKind names the lifecycle moment a progress event describes.
type EventKind string

const (
	EventWorkflowStart = EventKind("workflow_start")
	EventStepStart     = EventKind("step_start")
	EventSubTask       = EventKind("sub_task")
	EventStepEnd       = EventKind("step_end")
	EventWorkflowEnd   = EventKind("workflow_end")
	EventCancellation  = EventKind("cancellation")
)

// ProgressEvent is one observable progress update for a workflow run.
// Events on a single workflow topic are ordered; Progress never decreases
// within a topic.
type ProgressEvent struct {
	WorkflowID string    `json:"workflowId"`
	ServerID   string    `json:"serverId,omitempty"`
	Kind       EventKind `json:"kind"`
	// StepIndex is 0-based and meaningful only when StepName is set.
	StepIndex int    `json:"stepIndex"`
	StepName  string `json:"stepName,omitempty"`
	StepCount int    `json:"stepCount,omitempty"`
	// State carries the step state on step_end and the workflow state on
	// workflow_end.
	State   string `json:"state,omitempty"`
	Message string `json:"message,omitempty"`
	// ErrorKind is the faults kind on failed *_end events.
	ErrorKind string    `json:"errorKind,omitempty"`
	Progress  float64   `json:"progress"`
	Time      time.Time `json:"time"`
}

// Terminal reports whether this event announces a terminal workflow state.
func (e ProgressEvent) Terminal() bool {
	return e.Kind == EventWorkflowEnd
}
