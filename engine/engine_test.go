package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"

	"github.com/metalforge/metalforge/adapter"
	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/faults"
	"github.com/metalforge/metalforge/steps"
)

type fakeBus struct {
	mu     sync.Mutex
	events []data.ProgressEvent
}

func (b *fakeBus) Publish(ev data.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *fakeBus) all() []data.ProgressEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]data.ProgressEvent(nil), b.events...)
}

func (b *fakeBus) kind(kind data.EventKind) []data.ProgressEvent {
	var out []data.ProgressEvent
	for _, ev := range b.all() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type finalRow struct {
	State data.WorkflowState
	Error string
}

type fakeHistory struct {
	mu       sync.Mutex
	starts   int
	progress []int
	metas    []any
	finals   []finalRow
	fail     error
}

func (h *fakeHistory) RecordStart(_ context.Context, _ *data.Workflow) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts++
	return h.fail
}

func (h *fakeHistory) UpdateProgress(_ context.Context, _ string, done int, _ data.WorkflowState) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progress = append(h.progress, done)
	return h.fail
}

func (h *fakeHistory) SetMetadata(_ context.Context, _ string, meta any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metas = append(h.metas, meta)
	return h.fail
}

func (h *fakeHistory) Finalize(_ context.Context, _ string, state data.WorkflowState, errMsg string, _ time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finals = append(h.finals, finalRow{State: state, Error: errMsg})
	return h.fail
}

func (h *fakeHistory) snapshot() (int, []int, []finalRow) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.starts, append([]int(nil), h.progress...), append([]finalRow(nil), h.finals...)
}

// fixedDelay is a constant retry delay for deterministic tests.
type fixedDelay time.Duration

func (d fixedDelay) NextBackOff() time.Duration { return time.Duration(d) }

func testEngine(t *testing.T, b *fakeBus, h *fakeHistory, opts ...func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		Bus:         b,
		History:     h,
		Log:         logr.Discard(),
		StepTimeout: 5 * time.Second,
		CancelGrace: 50 * time.Millisecond,
		NewBackOff:  func() BackOff { return fixedDelay(time.Millisecond) },
	}
	for _, o := range opts {
		o(&cfg)
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func testTask(t *testing.T, list []steps.Step) *Task {
	t.Helper()
	wf := &data.Workflow{
		ID:           "basic_provisioning_srv-001_1756100000000",
		TemplateName: "basic_provisioning",
		ServerID:     "srv-001",
		CreatedAt:    time.Now(),
	}
	task, err := NewTask(wf, list, data.NewContext("srv-001", "corr-1"), adapter.Set{}, nil)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	return task
}

func named(name string, run func(ctx context.Context, rc *steps.RunContext) error) steps.Step {
	return steps.Step{Name: name, Description: name, Run: run}
}

func okStep(name string) steps.Step {
	return named(name, func(context.Context, *steps.RunContext) error { return nil })
}

func assertMonotone(t *testing.T, events []data.ProgressEvent) {
	t.Helper()
	last := -1.0
	for i, ev := range events {
		if ev.Progress < last {
			t.Fatalf("progress decreased at event %d (%s): %v -> %v", i, ev.Kind, last, ev.Progress)
		}
		last = ev.Progress
	}
}

func TestExecuteRunsAllSteps(t *testing.T) {
	b, h := &fakeBus{}, &fakeHistory{}
	e := testEngine(t, b, h)

	var order []string
	var mu sync.Mutex
	record := func(name string) steps.Step {
		return named(name, func(ctx context.Context, rc *steps.RunContext) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}
	list := []steps.Step{
		record(steps.NamePreflight),
		record(steps.NameCommission),
		named(steps.NameDiscover, func(ctx context.Context, rc *steps.RunContext) error {
			mu.Lock()
			order = append(order, steps.NameDiscover)
			mu.Unlock()
			rc.State.SetDeviceType("sm-x11dph-general")
			rc.Report("collecting dmi inventory", 0.5)
			return nil
		}),
		record(steps.NameServerIP),
		record(steps.NamePullBIOS),
		record(steps.NameUpdateIPMI),
		record(steps.NameFinalize),
	}
	task := testTask(t, list)
	snap := e.Execute(context.Background(), task)

	if snap.State != data.WorkflowStateCompleted {
		t.Fatalf("state = %s, want COMPLETED (error %q)", snap.State, snap.Error)
	}
	if snap.StepsCompleted != 7 || snap.StepsTotal != 7 {
		t.Fatalf("steps completed %d/%d, want 7/7", snap.StepsCompleted, snap.StepsTotal)
	}
	if snap.StartedAt == nil || snap.EndedAt == nil {
		t.Fatalf("terminal snapshot is missing timestamps: %+v", snap)
	}
	if snap.Error != "" || snap.CurrentStep != "" || snap.CurrentSubTask != "" {
		t.Fatalf("terminal snapshot carries run-time fields: %+v", snap)
	}
	want := []string{
		steps.NamePreflight, steps.NameCommission, steps.NameDiscover, steps.NameServerIP,
		steps.NamePullBIOS, steps.NameUpdateIPMI, steps.NameFinalize,
	}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Fatalf("step order mismatch (-want +got):\n%s", diff)
	}
	for i, sr := range snap.Steps {
		if sr.State != data.StepStateCompleted || sr.Attempts != 1 {
			t.Errorf("step %d %s: state %s attempts %d", i, sr.Name, sr.State, sr.Attempts)
		}
		if sr.StartedAt == nil || sr.EndedAt == nil {
			t.Errorf("step %d %s is missing timestamps", i, sr.Name)
		}
	}

	events := b.all()
	if events[0].Kind != data.EventWorkflowStart {
		t.Fatalf("first event is %s, want workflow_start", events[0].Kind)
	}
	final := events[len(events)-1]
	if final.Kind != data.EventWorkflowEnd || final.State != string(data.WorkflowStateCompleted) || final.Progress != 1 {
		t.Fatalf("final event = %+v", final)
	}
	if got := len(b.kind(data.EventStepStart)); got != 7 {
		t.Errorf("step_start events = %d, want 7", got)
	}
	if got := len(b.kind(data.EventStepEnd)); got != 7 {
		t.Errorf("step_end events = %d, want 7", got)
	}
	if got := len(b.kind(data.EventWorkflowEnd)); got != 1 {
		t.Errorf("workflow_end events = %d, want exactly 1", got)
	}
	assertMonotone(t, events)

	starts, progress, finals := h.snapshot()
	if starts != 1 {
		t.Errorf("history starts = %d, want 1", starts)
	}
	if diff := cmp.Diff([]int{1, 2, 3, 4, 5, 6, 7}, progress); diff != "" {
		t.Errorf("history progress rows (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]finalRow{{State: data.WorkflowStateCompleted}}, finals); diff != "" {
		t.Errorf("history finals (-want +got):\n%s", diff)
	}
	if len(h.metas) != 1 {
		t.Fatalf("metadata rows = %d, want 1", len(h.metas))
	}
	if meta, ok := h.metas[0].(RunMetadata); !ok || meta.DeviceType != "sm-x11dph-general" {
		t.Errorf("metadata = %#v", h.metas[0])
	}
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	b, h := &fakeBus{}, &fakeHistory{}
	delay := 40 * time.Millisecond
	e := testEngine(t, b, h, func(cfg *Config) {
		cfg.NewBackOff = func() BackOff { return fixedDelay(delay) }
	})

	var calls atomic.Int32
	flaky := steps.Step{
		Name:  steps.NameServerIP,
		Retry: &steps.RetryPolicy{Count: 3},
		Run: func(ctx context.Context, rc *steps.RunContext) error {
			if calls.Add(1) == 1 {
				return faults.Errorf(faults.KindTransient, "maas.machine", "connection reset")
			}
			return nil
		},
	}
	task := testTask(t, []steps.Step{okStep(steps.NamePreflight), flaky})

	start := time.Now()
	snap := e.Execute(context.Background(), task)
	elapsed := time.Since(start)

	if snap.State != data.WorkflowStateCompleted {
		t.Fatalf("state = %s, want COMPLETED (error %q)", snap.State, snap.Error)
	}
	if got := snap.Steps[1].Attempts; got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	if elapsed < delay {
		t.Errorf("run finished in %s, expected at least the %s backoff", elapsed, delay)
	}
	// Retries stay inside one step_start/step_end pair.
	if got := len(b.kind(data.EventStepStart)); got != 2 {
		t.Errorf("step_start events = %d, want 2", got)
	}
}

func TestExecuteFatalFailureStopsRun(t *testing.T) {
	b, h := &fakeBus{}, &fakeHistory{}
	e := testEngine(t, b, h)

	var afterFatal atomic.Int32
	list := []steps.Step{
		okStep(steps.NamePreflight),
		okStep(steps.NameCommission),
		named(steps.NamePushBIOS, func(ctx context.Context, rc *steps.RunContext) error {
			return faults.Errorf(faults.KindConflict, "bmc.set_bios", "config mismatch")
		}),
		named(steps.NameUpdateIPMI, func(ctx context.Context, rc *steps.RunContext) error {
			afterFatal.Add(1)
			return nil
		}),
		okStep(steps.NameFinalize),
	}
	task := testTask(t, list)
	snap := e.Execute(context.Background(), task)

	if snap.State != data.WorkflowStateFailed {
		t.Fatalf("state = %s, want FAILED", snap.State)
	}
	if snap.StepsCompleted != 2 {
		t.Errorf("steps completed = %d, want 2", snap.StepsCompleted)
	}
	if snap.Error == "" || !errorContains(snap.Error, "config mismatch") {
		t.Errorf("workflow error = %q", snap.Error)
	}
	if afterFatal.Load() != 0 {
		t.Fatal("a step after the fatal failure still ran")
	}
	failed := snap.Steps[2]
	if failed.State != data.StepStateFailed || failed.Retryable {
		t.Errorf("failing step record = %+v", failed)
	}
	for _, sr := range snap.Steps[3:] {
		if sr.State != data.StepStatePending {
			t.Errorf("step %s after the failure is %s, want PENDING", sr.Name, sr.State)
		}
	}

	events := b.all()
	final := events[len(events)-1]
	if final.Kind != data.EventWorkflowEnd || final.State != string(data.WorkflowStateFailed) || final.ErrorKind != string(faults.KindConflict) {
		t.Fatalf("final event = %+v", final)
	}
	if got := len(b.kind(data.EventWorkflowEnd)); got != 1 {
		t.Errorf("workflow_end events = %d, want exactly 1", got)
	}
	if got := len(b.kind(data.EventStepStart)); got != 3 {
		t.Errorf("step_start events = %d, want 3", got)
	}
	ends := b.kind(data.EventStepEnd)
	last := ends[len(ends)-1]
	if last.State != string(data.StepStateFailed) || last.ErrorKind != string(faults.KindConflict) {
		t.Errorf("failing step_end = %+v", last)
	}
	assertMonotone(t, events)

	_, progress, finals := h.snapshot()
	if diff := cmp.Diff([]int{1, 2}, progress); diff != "" {
		t.Errorf("history progress rows (-want +got):\n%s", diff)
	}
	if len(finals) != 1 || finals[0].State != data.WorkflowStateFailed {
		t.Errorf("history finals = %+v", finals)
	}
}

func TestExecuteRetryableExhaustionFails(t *testing.T) {
	b, h := &fakeBus{}, &fakeHistory{}
	e := testEngine(t, b, h)

	flaky := steps.Step{
		Name:  steps.NameCommission,
		Retry: &steps.RetryPolicy{Count: 1},
		Run: func(ctx context.Context, rc *steps.RunContext) error {
			return faults.Errorf(faults.KindTransient, "maas.commission", "api unavailable")
		},
	}
	task := testTask(t, []steps.Step{flaky})
	snap := e.Execute(context.Background(), task)

	if snap.State != data.WorkflowStateFailed {
		t.Fatalf("state = %s, want FAILED", snap.State)
	}
	sr := snap.Steps[0]
	if sr.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", sr.Attempts)
	}
	if !sr.Retryable {
		t.Error("exhausted transient failure should keep its retryable classification")
	}
	ends := b.kind(data.EventStepEnd)
	if len(ends) != 1 || ends[0].ErrorKind != string(faults.KindTransient) {
		t.Errorf("step_end = %+v", ends)
	}
}

func TestExecuteCancelDuringBackoff(t *testing.T) {
	b, h := &fakeBus{}, &fakeHistory{}
	e := testEngine(t, b, h, func(cfg *Config) {
		// A backoff long enough that only preemption can end the run
		// quickly.
		cfg.NewBackOff = func() BackOff { return fixedDelay(10 * time.Second) }
	})

	entered := make(chan struct{})
	var once sync.Once
	flaky := steps.Step{
		Name:  steps.NameCommission,
		Retry: &steps.RetryPolicy{Count: 5},
		Run: func(ctx context.Context, rc *steps.RunContext) error {
			once.Do(func() { close(entered) })
			return faults.Errorf(faults.KindTransient, "maas.commission", "api unavailable")
		},
	}
	list := []steps.Step{okStep(steps.NamePreflight), flaky, okStep(steps.NameFinalize)}
	task := testTask(t, list)

	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		<-entered
		time.Sleep(20 * time.Millisecond)
		cancel(errors.New("cancel requested by operator"))
	}()

	start := time.Now()
	snap := e.Execute(ctx, task)
	elapsed := time.Since(start)

	if snap.State != data.WorkflowStateCancelled {
		t.Fatalf("state = %s, want CANCELLED", snap.State)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("cancellation took %s, the backoff wait was not preempted", elapsed)
	}
	if snap.Error != "cancel requested by operator" {
		t.Errorf("workflow error = %q", snap.Error)
	}
	if sr := snap.Steps[1]; sr.State != data.StepStateFailed || sr.Retryable || !errorContains(sr.Error, "canceled") {
		t.Errorf("interrupted step record = %+v", sr)
	}
	if sr := snap.Steps[2]; sr.State != data.StepStateSkipped {
		t.Errorf("trailing step is %s, want SKIPPED", sr.State)
	}

	events := b.all()
	cancels := b.kind(data.EventCancellation)
	if len(cancels) != 1 {
		t.Fatalf("cancellation events = %d, want 1", len(cancels))
	}
	final := events[len(events)-1]
	if final.Kind != data.EventWorkflowEnd || final.State != string(data.WorkflowStateCancelled) || final.ErrorKind != string(faults.KindCanceled) {
		t.Fatalf("final event = %+v", final)
	}
	if events[len(events)-2].Kind != data.EventCancellation {
		t.Fatal("cancellation event must immediately precede workflow_end")
	}

	_, _, finals := h.snapshot()
	want := []finalRow{{State: data.WorkflowStateCancelled, Error: "cancel requested by operator"}}
	if diff := cmp.Diff(want, finals); diff != "" {
		t.Errorf("history finals (-want +got):\n%s", diff)
	}
}

func TestExecuteCancelledBeforeFirstStep(t *testing.T) {
	b, h := &fakeBus{}, &fakeHistory{}
	e := testEngine(t, b, h)

	task := testTask(t, []steps.Step{okStep(steps.NamePreflight), okStep(steps.NameCommission)})
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(errors.New("shutting down"))

	snap := e.Execute(ctx, task)

	if snap.State != data.WorkflowStateCancelled {
		t.Fatalf("state = %s, want CANCELLED", snap.State)
	}
	if snap.StepsCompleted != 0 {
		t.Errorf("steps completed = %d, want 0", snap.StepsCompleted)
	}
	for _, sr := range snap.Steps {
		if sr.State != data.StepStateSkipped {
			t.Errorf("step %s is %s, want SKIPPED", sr.Name, sr.State)
		}
	}
	var kinds []data.EventKind
	for _, ev := range b.all() {
		kinds = append(kinds, ev.Kind)
	}
	want := []data.EventKind{data.EventWorkflowStart, data.EventCancellation, data.EventWorkflowEnd}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Fatalf("event kinds (-want +got):\n%s", diff)
	}
}

func TestExecuteStepTimeout(t *testing.T) {
	t.Run("fatal without retry", func(t *testing.T) {
		b, h := &fakeBus{}, &fakeHistory{}
		e := testEngine(t, b, h)

		release := make(chan struct{})
		defer close(release)
		slow := steps.Step{
			Name:    steps.NamePushBIOS,
			Timeout: 30 * time.Millisecond,
			Run: func(ctx context.Context, rc *steps.RunContext) error {
				// Ignores its context on purpose.
				<-release
				return nil
			},
		}
		task := testTask(t, []steps.Step{slow, okStep(steps.NameFinalize)})

		start := time.Now()
		snap := e.Execute(context.Background(), task)
		elapsed := time.Since(start)

		if snap.State != data.WorkflowStateFailed {
			t.Fatalf("state = %s, want FAILED", snap.State)
		}
		if elapsed > 2*time.Second {
			t.Fatalf("engine waited %s for an unresponsive step", elapsed)
		}
		sr := snap.Steps[0]
		if sr.State != data.StepStateFailed || !errorContains(sr.Error, "timed out after") {
			t.Errorf("step record = %+v", sr)
		}
		if !sr.Retryable {
			t.Error("a timeout should keep its retryable classification")
		}
		ends := b.kind(data.EventStepEnd)
		if len(ends) != 1 || ends[0].ErrorKind != string(faults.KindTimeout) {
			t.Errorf("step_end = %+v", ends)
		}
	})

	t.Run("retry runs a fresh attempt", func(t *testing.T) {
		b, h := &fakeBus{}, &fakeHistory{}
		e := testEngine(t, b, h)

		release := make(chan struct{})
		defer close(release)
		var calls atomic.Int32
		slow := steps.Step{
			Name:    steps.NamePushBIOS,
			Timeout: 30 * time.Millisecond,
			Retry:   &steps.RetryPolicy{Count: 1},
			Run: func(ctx context.Context, rc *steps.RunContext) error {
				if calls.Add(1) == 1 {
					<-release
				}
				return nil
			},
		}
		task := testTask(t, []steps.Step{slow, okStep(steps.NameFinalize)})
		snap := e.Execute(context.Background(), task)

		if snap.State != data.WorkflowStateCompleted {
			t.Fatalf("state = %s, want COMPLETED (error %q)", snap.State, snap.Error)
		}
		if got := snap.Steps[0].Attempts; got != 2 {
			t.Errorf("attempts = %d, want 2", got)
		}
	})
}

func TestExecuteStepPanicIsContained(t *testing.T) {
	b, h := &fakeBus{}, &fakeHistory{}
	e := testEngine(t, b, h)

	list := []steps.Step{
		okStep(steps.NamePreflight),
		named(steps.NameDiscover, func(ctx context.Context, rc *steps.RunContext) error {
			panic("boom")
		}),
		okStep(steps.NameFinalize),
	}
	task := testTask(t, list)
	snap := e.Execute(context.Background(), task)

	if snap.State != data.WorkflowStateFailed {
		t.Fatalf("state = %s, want FAILED", snap.State)
	}
	if sr := snap.Steps[1]; sr.State != data.StepStateFailed || !errorContains(sr.Error, "panicked: boom") {
		t.Errorf("panicking step record = %+v", sr)
	}
	if sr := snap.Steps[2]; sr.State != data.StepStatePending {
		t.Errorf("trailing step is %s, want PENDING", sr.State)
	}
	if got := len(b.kind(data.EventWorkflowEnd)); got != 1 {
		t.Errorf("workflow_end events = %d, want exactly 1", got)
	}
}

func TestExecuteAggregateBudgetCancelsRun(t *testing.T) {
	b, h := &fakeBus{}, &fakeHistory{}
	e := testEngine(t, b, h)

	// Three 50ms steps give the run a 165ms budget; the second one burns
	// it with fast transient failures that never stop being retryable.
	flaky := steps.Step{
		Name:    steps.NameCommission,
		Timeout: 50 * time.Millisecond,
		Retry:   &steps.RetryPolicy{Count: 1000},
		Run: func(ctx context.Context, rc *steps.RunContext) error {
			time.Sleep(5 * time.Millisecond)
			return faults.Errorf(faults.KindTransient, "maas.commission", "api unavailable")
		},
	}
	first := okStep(steps.NamePreflight)
	first.Timeout = 50 * time.Millisecond
	last := okStep(steps.NameFinalize)
	last.Timeout = 50 * time.Millisecond

	task := testTask(t, []steps.Step{first, flaky, last})

	start := time.Now()
	snap := e.Execute(context.Background(), task)
	elapsed := time.Since(start)

	if snap.State != data.WorkflowStateCancelled {
		t.Fatalf("state = %s, want CANCELLED", snap.State)
	}
	if snap.Error != errBudgetExceeded.Error() {
		t.Errorf("workflow error = %q, want %q", snap.Error, errBudgetExceeded)
	}
	if elapsed > 3*time.Second {
		t.Fatalf("budget enforcement took %s", elapsed)
	}
	if sr := snap.Steps[2]; sr.State != data.StepStateSkipped {
		t.Errorf("trailing step is %s, want SKIPPED", sr.State)
	}
}

func TestExecuteSkippedStepDoesNotCount(t *testing.T) {
	b, h := &fakeBus{}, &fakeHistory{}
	e := testEngine(t, b, h)

	list := []steps.Step{
		okStep(steps.NamePullBIOS),
		named(steps.NamePushBIOS, func(ctx context.Context, rc *steps.RunContext) error {
			return steps.Skipf("no bios changes to push")
		}),
		okStep(steps.NameFinalize),
	}
	task := testTask(t, list)
	snap := e.Execute(context.Background(), task)

	if snap.State != data.WorkflowStateCompleted {
		t.Fatalf("state = %s, want COMPLETED", snap.State)
	}
	if snap.StepsCompleted != 2 {
		t.Errorf("steps completed = %d, want 2 (skips advance without counting)", snap.StepsCompleted)
	}
	sr := snap.Steps[1]
	if sr.State != data.StepStateSkipped || sr.Error != "step skipped: no bios changes to push" {
		t.Errorf("skipped step record = %+v", sr)
	}

	ends := b.kind(data.EventStepEnd)
	if len(ends) != 3 {
		t.Fatalf("step_end events = %d, want 3", len(ends))
	}
	if ends[1].State != string(data.StepStateSkipped) || ends[1].Message == "" {
		t.Errorf("skipped step_end = %+v", ends[1])
	}

	_, progress, _ := h.snapshot()
	if diff := cmp.Diff([]int{1, 2}, progress); diff != "" {
		t.Errorf("history progress rows (-want +got):\n%s", diff)
	}
}

func TestExecuteSubTaskReporting(t *testing.T) {
	b, h := &fakeBus{}, &fakeHistory{}
	e := testEngine(t, b, h)

	var task *Task
	var midRun *data.Workflow
	var seen struct {
		workflowID, serverID, template string
	}
	list := []steps.Step{
		okStep(steps.NamePreflight),
		named(steps.NameDiscover, func(ctx context.Context, rc *steps.RunContext) error {
			seen.workflowID, seen.serverID, seen.template = rc.WorkflowID, rc.ServerID, rc.TemplateName
			rc.Report("collecting dmi inventory", 0.9)
			rc.Report("querying maas", 0.2)
			midRun = task.Snapshot()
			return nil
		}),
		okStep(steps.NameFinalize),
	}
	task = testTask(t, list)
	snap := e.Execute(context.Background(), task)

	if snap.State != data.WorkflowStateCompleted {
		t.Fatalf("state = %s, want COMPLETED", snap.State)
	}
	if seen.workflowID != snap.ID || seen.serverID != "srv-001" || seen.template != "basic_provisioning" {
		t.Errorf("run context fields = %+v", seen)
	}
	if midRun == nil || midRun.State != data.WorkflowStateRunning {
		t.Fatalf("mid-run snapshot = %+v", midRun)
	}
	if midRun.CurrentStep != steps.NameDiscover || midRun.CurrentSubTask != "querying maas" {
		t.Errorf("mid-run cursor = %q / %q", midRun.CurrentStep, midRun.CurrentSubTask)
	}

	subs := b.kind(data.EventSubTask)
	if len(subs) != 2 {
		t.Fatalf("sub_task events = %d, want 2", len(subs))
	}
	if subs[0].StepIndex != 1 || subs[0].StepName != steps.NameDiscover || subs[0].Message != "collecting dmi inventory" {
		t.Errorf("sub_task event = %+v", subs[0])
	}
	// The second report points earlier into the step; published progress
	// must hold at the high-water mark.
	if subs[1].Progress < subs[0].Progress {
		t.Errorf("sub_task progress regressed: %v then %v", subs[0].Progress, subs[1].Progress)
	}
	assertMonotone(t, b.all())
}

func TestExecuteHistoryFailuresDoNotAffectOutcome(t *testing.T) {
	b := &fakeBus{}
	h := &fakeHistory{fail: errors.New("database is locked")}
	e := testEngine(t, b, h)

	task := testTask(t, []steps.Step{okStep(steps.NamePreflight), okStep(steps.NameFinalize)})
	snap := e.Execute(context.Background(), task)

	if snap.State != data.WorkflowStateCompleted {
		t.Fatalf("state = %s, want COMPLETED despite history failures", snap.State)
	}
	starts, _, finals := h.snapshot()
	if starts != 1 || len(finals) != 1 {
		t.Errorf("history calls: starts %d finals %d, want 1 each", starts, len(finals))
	}
}

// Randomized transient patterns against the run loop's guarantees: exactly
// one workflow_end and one finalize, monotone progress, attempts never past
// the retry budget.
func TestExecuteRandomTransientPatterns(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 25; round++ {
		const n = 5
		retries := make([]int, n)
		failures := make([]int, n)
		counts := make([]int, n)

		list := make([]steps.Step, 0, n)
		for i := 0; i < n; i++ {
			retries[i] = rng.Intn(3)
			failures[i] = rng.Intn(4)
			st := named(fmt.Sprintf("step_%02d", i), func(ctx context.Context, rc *steps.RunContext) error {
				counts[i]++
				if counts[i] <= failures[i] {
					return faults.Errorf(faults.KindTransient, "test.step", "attempt %d flaked", counts[i])
				}
				return nil
			})
			st.Retry = &steps.RetryPolicy{Count: retries[i]}
			list = append(list, st)
		}

		// The first step whose failures exceed its budget ends the run.
		failAt := -1
		for i := 0; i < n; i++ {
			if failures[i] > retries[i] {
				failAt = i
				break
			}
		}

		b, h := &fakeBus{}, &fakeHistory{}
		snap := testEngine(t, b, h).Execute(context.Background(), testTask(t, list))

		wantState, wantDone := data.WorkflowStateCompleted, n
		if failAt >= 0 {
			wantState, wantDone = data.WorkflowStateFailed, failAt
		}
		if snap.State != wantState || snap.StepsCompleted != wantDone {
			t.Fatalf("round %d (retries %v, failures %v): state %s with %d done, want %s with %d",
				round, retries, failures, snap.State, snap.StepsCompleted, wantState, wantDone)
		}
		for i, sr := range snap.Steps {
			if sr.Attempts > retries[i]+1 {
				t.Fatalf("round %d: step %d ran %d attempts with a budget of %d",
					round, i, sr.Attempts, retries[i]+1)
			}
			want := failures[i] + 1
			if failAt >= 0 {
				switch {
				case i > failAt:
					want = 0
				case i == failAt:
					want = retries[i] + 1
				}
			}
			if sr.Attempts != want {
				t.Fatalf("round %d: step %d attempts = %d, want %d (retries %v, failures %v)",
					round, i, sr.Attempts, want, retries, failures)
			}
		}
		if got := len(b.kind(data.EventWorkflowEnd)); got != 1 {
			t.Fatalf("round %d: %d workflow_end events", round, got)
		}
		assertMonotone(t, b.all())
		if _, _, finals := h.snapshot(); len(finals) != 1 {
			t.Fatalf("round %d: %d finalize calls", round, len(finals))
		}
	}
}

func TestDefaultBackOffPolicy(t *testing.T) {
	d := defaultBackOff()
	exp, ok := d.(*backoff.ExponentialBackOff)
	if !ok {
		t.Fatalf("default policy is %T", d)
	}
	if exp.InitialInterval != time.Second || exp.Multiplier != 2 ||
		exp.MaxInterval != 30*time.Second || exp.RandomizationFactor != 0.2 {
		t.Fatalf("default policy = %+v", exp)
	}
	if first := d.NextBackOff(); first < 800*time.Millisecond || first > 1200*time.Millisecond {
		t.Errorf("first delay %s outside the 1s +/-20%% jitter band", first)
	}
	if second := d.NextBackOff(); second < 1600*time.Millisecond || second > 2400*time.Millisecond {
		t.Errorf("second delay %s outside the 2s +/-20%% jitter band", second)
	}

	// Every delay stays inside min(1s*2^k, 30s) +/-20%, the cap included.
	for trial := 0; trial < 20; trial++ {
		p := defaultBackOff()
		base := time.Second
		for k := 0; k < 10; k++ {
			delay := p.NextBackOff()
			lo := base - time.Duration(0.2*float64(base))
			hi := base + time.Duration(0.2*float64(base))
			if delay < lo || delay > hi {
				t.Fatalf("attempt %d delay %s outside [%s, %s]", k, delay, lo, hi)
			}
			base *= 2
			if base > 30*time.Second {
				base = 30 * time.Second
			}
		}
	}
}

func errorContains(s, sub string) bool {
	return strings.Contains(s, sub)
}
