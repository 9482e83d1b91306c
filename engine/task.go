package engine

import (
	"sync"
	"time"

	"github.com/metalforge/metalforge/adapter"
	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/faults"
	"github.com/metalforge/metalforge/steps"
)

// Task is one workflow prepared for execution: the workflow record, the
// resolved step roster, the shared run context and the adapters the steps
// talk to. The engine is the only writer; everyone else observes through
// Snapshot, which is safe to call while the run is in flight.
type Task struct {
	mu       sync.Mutex
	wf       *data.Workflow
	steps    []steps.Step
	state    *data.Context
	adapters adapter.Set
	catalog  steps.CatalogView

	// cur is the index of the running step, -1 otherwise. Sub-task
	// reports from abandoned attempts are dropped once their step ended.
	cur int
	// floor keeps published progress monotone even when a failed step
	// never reaches the end of its slice.
	floor float64
	// endKind is the fault kind that ended the run, "" on success.
	endKind faults.Kind
}

// NewTask validates the inputs and seeds the workflow's step roster from
// the resolved step list. The engine owns wf from here on; callers keep
// no reference to it.
func NewTask(wf *data.Workflow, list []steps.Step, state *data.Context, set adapter.Set, catalog steps.CatalogView) (*Task, error) {
	if wf == nil || wf.ID == "" {
		return nil, faults.Errorf(faults.KindValidation, "engine.task", "workflow record is missing an id")
	}
	if len(list) == 0 {
		return nil, faults.Errorf(faults.KindValidation, "engine.task", "workflow %s resolved to no steps", wf.ID)
	}
	if state == nil {
		return nil, faults.Errorf(faults.KindValidation, "engine.task", "workflow %s has no run context", wf.ID)
	}
	wf.Steps = make([]data.StepRun, len(list))
	for i, st := range list {
		wf.Steps[i] = data.StepRun{Name: st.Name, Description: st.Description, State: data.StepStatePending}
	}
	wf.StepsTotal = len(list)
	wf.StepsCompleted = 0
	if wf.State == "" {
		wf.State = data.WorkflowStatePending
	}
	return &Task{wf: wf, steps: list, state: state, adapters: set, catalog: catalog, cur: -1}, nil
}

// Snapshot returns a deep copy of the workflow record.
func (t *Task) Snapshot() *data.Workflow {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wf.Clone()
}

// ID returns the workflow id. Immutable after NewTask.
func (t *Task) ID() string { return t.wf.ID }

func (t *Task) start(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wf.State = data.WorkflowStateRunning
	t.wf.StartedAt = &now
}

func (t *Task) stepStart(i int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wf.Steps[i].State = data.StepStateRunning
	t.wf.Steps[i].StartedAt = &now
	t.wf.CurrentStep = t.wf.Steps[i].Name
	t.wf.CurrentSubTask = ""
	t.cur = i
}

// noteAttempt counts one attempt and returns the new total.
func (t *Task) noteAttempt(i int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wf.Steps[i].Attempts++
	return t.wf.Steps[i].Attempts
}

func (t *Task) stepCompleted(i int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endStep(i, data.StepStateCompleted, now)
	t.wf.StepsCompleted++
}

func (t *Task) stepSkipped(i int, reason string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endStep(i, data.StepStateSkipped, now)
	t.wf.Steps[i].Error = reason
}

func (t *Task) stepFailed(i int, msg string, retryable bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endStep(i, data.StepStateFailed, now)
	t.wf.Steps[i].Error = msg
	t.wf.Steps[i].Retryable = retryable
}

// endStep closes out step i's record. Callers hold t.mu.
func (t *Task) endStep(i int, st data.StepState, now time.Time) {
	t.wf.Steps[i].State = st
	t.wf.Steps[i].EndedAt = &now
	if at := t.wf.Steps[i].StartedAt; at != nil {
		t.wf.Steps[i].DurationMS = now.Sub(*at).Milliseconds()
	}
	t.wf.CurrentSubTask = ""
	t.cur = -1
}

// fail marks the workflow FAILED. The first fatal error wins.
func (t *Task) fail(msg string, kind faults.Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wf.State = data.WorkflowStateFailed
	if t.wf.Error == "" {
		t.wf.Error = msg
		t.endKind = kind
	}
}

// cancelFrom marks every step from index on that has not run as SKIPPED
// and the workflow CANCELLED.
func (t *Task) cancelFrom(from int, msg string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := from; i < len(t.wf.Steps); i++ {
		if t.wf.Steps[i].State == data.StepStatePending {
			t.wf.Steps[i].State = data.StepStateSkipped
		}
	}
	t.wf.State = data.WorkflowStateCancelled
	if t.wf.Error == "" {
		t.wf.Error = msg
		t.endKind = faults.KindCanceled
	}
}

func (t *Task) complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wf.State = data.WorkflowStateCompleted
}

// abort is the landing spot for an engine panic: whatever step was
// running is failed, the rest skipped, the workflow FAILED.
func (t *Task) abort(msg string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.wf.Steps {
		switch t.wf.Steps[i].State {
		case data.StepStateRunning:
			t.endStep(i, data.StepStateFailed, now)
			t.wf.Steps[i].Error = msg
		case data.StepStatePending:
			t.wf.Steps[i].State = data.StepStateSkipped
		}
	}
	t.wf.State = data.WorkflowStateFailed
	if t.wf.Error == "" {
		t.wf.Error = msg
		t.endKind = faults.KindInternal
	}
}

// end stamps the terminal timestamp and clears the step cursor.
func (t *Task) end(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wf.EndedAt = &now
	t.wf.CurrentStep = ""
	t.wf.CurrentSubTask = ""
	t.cur = -1
}

// subTask records a sub-task report from step i and returns the monotone
// progress to publish. ok is false when step i is no longer the running
// step; late reports from abandoned attempts are dropped.
func (t *Task) subTask(i int, msg string, frac float64) (float64, bool) {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur != i {
		return 0, false
	}
	t.wf.CurrentSubTask = msg
	if p := (float64(i) + frac) / float64(len(t.steps)); p > t.floor {
		t.floor = p
	}
	return t.floor, true
}

// progressTo raises the monotone progress floor to target and returns
// it. A negative target reads the floor without raising it.
func (t *Task) progressTo(target float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if target > t.floor {
		t.floor = target
	}
	return t.floor
}

// progressCounts returns the completed-step count and workflow state for
// a history progress row.
func (t *Task) progressCounts() (int, data.WorkflowState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wf.StepsCompleted, t.wf.State
}

func (t *Task) terminalKind() faults.Kind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endKind
}
