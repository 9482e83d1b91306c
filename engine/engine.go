// Package engine executes prepared workflow tasks. It drives the step
// roster in order, owns per-attempt timeouts, retry backoff and
// cancellation, and is the single writer of workflow state, progress
// events and history rows. Steps stay oblivious to all of this; they
// classify their own failures and the engine reacts to the kind alone.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/faults"
	"github.com/metalforge/metalforge/pkg/journal"
	"github.com/metalforge/metalforge/steps"
)

const (
	// DefaultStepTimeout bounds one attempt of a step that does not set
	// its own timeout.
	DefaultStepTimeout = 10 * time.Minute
	// DefaultCancelGrace is how long a cancelled step may keep running
	// before the engine abandons it.
	DefaultCancelGrace = 30 * time.Second
	// aggregateSlack pads the whole-run deadline over the sum of the
	// step timeouts.
	aggregateSlack = 0.10
)

// errBudgetExceeded is the cancellation cause when a run outlives the sum
// of its step timeouts plus slack.
var errBudgetExceeded = errors.New("workflow timeout budget exceeded")

var (
	workflowsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metalforge_engine_workflows_ended_total",
		Help: "Workflow runs reaching a terminal state, by state.",
	}, []string{"state"})
	stepRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metalforge_engine_step_retries_total",
		Help: "Step attempts beyond each step's first.",
	})
	stepsAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metalforge_engine_steps_abandoned_total",
		Help: "Cancelled steps that outlived the grace window and were abandoned.",
	})
	stepSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "metalforge_engine_step_duration_seconds",
		Help:    "Wall time per step across all attempts, by terminal step state.",
		Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
	}, []string{"step", "state"})
)

// Publisher is the progress side of the event bus the engine needs.
// *bus.Bus satisfies it.
type Publisher interface {
	Publish(ev data.ProgressEvent)
}

// Historian is the audit surface the engine writes through. *history.Store
// satisfies it. Write failures are logged and absorbed; a run never fails
// because its record cannot be written.
type Historian interface {
	RecordStart(ctx context.Context, wf *data.Workflow) error
	UpdateProgress(ctx context.Context, workflowID string, stepsDone int, state data.WorkflowState) error
	SetMetadata(ctx context.Context, workflowID string, meta any) error
	Finalize(ctx context.Context, workflowID string, state data.WorkflowState, errMsg string, endedAt time.Time) error
}

// BackOff yields successive retry delays. The engine builds a fresh
// policy per step, so implementations need no reset.
type BackOff interface {
	NextBackOff() time.Duration
}

func defaultBackOff() BackOff {
	return backoff.NewExponentialBackOff([]backoff.ExponentialBackOffOpts{
		backoff.WithInitialInterval(time.Second),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(30 * time.Second),
		backoff.WithRandomizationFactor(0.2),
	}...)
}

// RunMetadata is what the engine files alongside the audit row when a run
// ends.
type RunMetadata struct {
	DeviceType     string               `json:"deviceType,omitempty"`
	Facts          *data.HardwareFacts  `json:"facts,omitempty"`
	Classification *data.Classification `json:"classification,omitempty"`
	Plan           *data.ConfigPlan     `json:"plan,omitempty"`
}

// Config wires an Engine.
type Config struct {
	Bus     Publisher
	History Historian
	Log     logr.Logger
	// StepTimeout overrides DefaultStepTimeout when positive.
	StepTimeout time.Duration
	// CancelGrace overrides DefaultCancelGrace when positive.
	CancelGrace time.Duration
	// NewBackOff builds the retry delay policy for one step. Nil means
	// exponential delays from 1s doubling to a 30s ceiling, 20% jitter.
	NewBackOff func() BackOff
}

// Engine runs tasks to a terminal state, one Execute call per task.
type Engine struct {
	bus         Publisher
	history     Historian
	log         logr.Logger
	stepTimeout time.Duration
	cancelGrace time.Duration
	newBackOff  func() BackOff
	now         func() time.Time
}

func New(cfg Config) (*Engine, error) {
	if cfg.Bus == nil {
		return nil, faults.Errorf(faults.KindValidation, "engine.new", "a progress publisher is required")
	}
	if cfg.History == nil {
		return nil, faults.Errorf(faults.KindValidation, "engine.new", "a history store is required")
	}
	e := &Engine{
		bus:         cfg.Bus,
		history:     cfg.History,
		log:         cfg.Log,
		stepTimeout: cfg.StepTimeout,
		cancelGrace: cfg.CancelGrace,
		newBackOff:  cfg.NewBackOff,
		now:         time.Now,
	}
	if e.stepTimeout <= 0 {
		e.stepTimeout = DefaultStepTimeout
	}
	if e.cancelGrace <= 0 {
		e.cancelGrace = DefaultCancelGrace
	}
	if e.newBackOff == nil {
		e.newBackOff = defaultBackOff
	}
	return e, nil
}

// Execute runs the task to a terminal state and returns the final
// snapshot. It blocks until the run ends; cancelling ctx asks the run to
// stop and is honored between steps, during backoff waits and, after the
// grace window, by abandoning an unresponsive step. Whatever path ends
// the run, Execute publishes exactly one workflow_end event and finalizes
// the audit row exactly once. Execute must be called once per task.
func (e *Engine) Execute(ctx context.Context, t *Task) *data.Workflow {
	log := e.log.WithValues("workflowID", t.wf.ID, "serverID", t.wf.ServerID, "template", t.wf.TemplateName)

	ctx = journal.New(ctx)
	ctx, span := otel.Tracer("engine").Start(ctx, "workflow",
		trace.WithAttributes(
			attribute.String("workflow.id", t.wf.ID),
			attribute.String("workflow.template", t.wf.TemplateName),
			attribute.String("server.id", t.wf.ServerID),
		))
	defer span.End()

	runCtx, cancel := context.WithTimeoutCause(ctx, e.aggregateBudget(t), errBudgetExceeded)
	defer cancel()

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error(nil, "engine panicked mid-run", "panic", r)
				t.abort(fmt.Sprintf("panic: %v", r), e.now())
			}
		}()
		e.run(runCtx, t, log)
	}()

	e.conclude(ctx, t, log)
	snap := t.Snapshot()
	if snap.State == data.WorkflowStateCompleted {
		span.SetStatus(codes.Ok, string(snap.State))
	} else {
		span.SetStatus(codes.Error, snap.Error)
	}
	return snap
}

// aggregateBudget is the whole-run deadline: the sum of every step's
// attempt timeout plus slack.
func (e *Engine) aggregateBudget(t *Task) time.Duration {
	var sum time.Duration
	for _, st := range t.steps {
		if st.Timeout > 0 {
			sum += st.Timeout
		} else {
			sum += e.stepTimeout
		}
	}
	return sum + time.Duration(float64(sum)*aggregateSlack)
}

func (e *Engine) run(ctx context.Context, t *Task, log logr.Logger) {
	t.start(e.now())
	e.publishWorkflow(t, data.EventWorkflowStart, "", 0)
	if err := e.history.RecordStart(context.WithoutCancel(ctx), t.Snapshot()); err != nil {
		log.Error(err, "recording workflow start failed")
	}
	log.Info("workflow started", "steps", len(t.steps))

	for i := range t.steps {
		if ctx.Err() != nil {
			t.cancelFrom(i, cancelMessage(ctx), e.now())
			log.Info("workflow cancelled before step", "step", t.steps[i].Name)
			return
		}
		if !e.runStep(ctx, t, i, log) {
			return
		}
	}
	t.complete()
}

// runStep drives one step through its attempts and records the outcome.
// It returns false when the run must stop.
func (e *Engine) runStep(ctx context.Context, t *Task, i int, log logr.Logger) bool {
	step := t.steps[i]
	log = log.WithValues("step", step.Name, "stepIndex", i)
	total := float64(len(t.steps))

	startAt := e.now()
	t.stepStart(i, startAt)
	e.publishStep(t, i, data.EventStepStart, "", "", "", float64(i)/total)

	err := e.attempts(ctx, t, i, log)
	endAt := e.now()
	elapsed := endAt.Sub(startAt).Seconds()

	switch {
	case err == nil:
		t.stepCompleted(i, endAt)
		e.publishStep(t, i, data.EventStepEnd, data.StepStateCompleted, "", "", float64(i+1)/total)
		done, state := t.progressCounts()
		if herr := e.history.UpdateProgress(context.WithoutCancel(ctx), t.wf.ID, done, state); herr != nil {
			log.Error(herr, "recording progress failed")
		}
		stepSeconds.WithLabelValues(step.Name, string(data.StepStateCompleted)).Observe(elapsed)
		log.Info("step completed", "attempts", t.wf.Steps[i].Attempts, "duration", endAt.Sub(startAt))
		return true

	case steps.IsSkip(err):
		reason := err.Error()
		t.stepSkipped(i, reason, endAt)
		e.publishStep(t, i, data.EventStepEnd, data.StepStateSkipped, reason, "", float64(i+1)/total)
		stepSeconds.WithLabelValues(step.Name, string(data.StepStateSkipped)).Observe(elapsed)
		journal.Log(ctx, "step skipped", "step", step.Name, "reason", reason)
		log.Info("step skipped", "reason", reason)
		return true

	case ctx.Err() != nil || faults.KindOf(err) == faults.KindCanceled:
		t.stepFailed(i, err.Error(), false, endAt)
		e.publishStep(t, i, data.EventStepEnd, data.StepStateFailed, err.Error(), faults.KindCanceled, -1)
		t.cancelFrom(i+1, cancelMessage(ctx), endAt)
		stepSeconds.WithLabelValues(step.Name, string(data.StepStateFailed)).Observe(elapsed)
		journal.Log(ctx, "step cancelled", "step", step.Name, "error", err.Error())
		log.Info("step cancelled", "error", err.Error())
		return false

	default:
		kind := faults.KindOf(err)
		t.stepFailed(i, err.Error(), faults.Retryable(err), endAt)
		t.fail(err.Error(), kind)
		e.publishStep(t, i, data.EventStepEnd, data.StepStateFailed, err.Error(), kind, -1)
		stepSeconds.WithLabelValues(step.Name, string(data.StepStateFailed)).Observe(elapsed)
		journal.Log(ctx, "step failed", "step", step.Name, "kind", string(kind), "attempts", t.wf.Steps[i].Attempts)
		log.Error(err, "step failed", "attempts", t.wf.Steps[i].Attempts)
		return false
	}
}

// attempts runs one step until it succeeds, skips, exhausts its retry
// allowance or the run is cancelled. Backoff waits are preempted by
// cancellation.
func (e *Engine) attempts(ctx context.Context, t *Task, i int, log logr.Logger) error {
	step := t.steps[i]
	retries := 0
	if step.Retry != nil {
		retries = step.Retry.Count
	}
	rc := e.runContext(t, i)
	delays := e.newBackOff()

	for attempt := 0; ; attempt++ {
		t.noteAttempt(i)
		err := e.runAttempt(ctx, t, i, attempt, rc)
		if err == nil || steps.IsSkip(err) {
			return err
		}
		if ctx.Err() != nil || faults.KindOf(err) == faults.KindCanceled {
			return err
		}
		if attempt >= retries || !faults.Retryable(err) {
			return err
		}
		stepRetries.Inc()
		wait := delays.NextBackOff()
		journal.Log(ctx, "retrying step", "step", step.Name, "attempt", attempt+1, "wait", wait.String())
		log.V(1).Info("step attempt failed, backing off", "attempt", attempt+1, "wait", wait, "error", err.Error())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return faults.E(faults.KindCanceled, "engine.backoff", context.Cause(ctx))
		case <-timer.C:
		}
	}
}

// runAttempt runs a single attempt under its own deadline. The step runs
// in a goroutine so an unresponsive one cannot wedge the engine: on the
// attempt deadline a timeout is synthesized immediately and the goroutine
// dropped, on cancellation the step gets the grace window to unwind
// first. Steps must therefore tolerate a fresh attempt starting while an
// abandoned one unwinds.
func (e *Engine) runAttempt(ctx context.Context, t *Task, i, attempt int, rc *steps.RunContext) error {
	step := t.steps[i]
	timeout := e.stepTimeout
	if step.Timeout > 0 {
		timeout = step.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tracer := otel.Tracer("engine")
	spanCtx, span := tracer.Start(attemptCtx, step.Name,
		trace.WithAttributes(attribute.String("workflow.id", t.wf.ID)),
		trace.WithAttributes(attribute.String("server.id", t.wf.ServerID)),
		trace.WithAttributes(attribute.Int("attempt", attempt+1)),
	)
	defer span.End()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- faults.Errorf(faults.KindInternal, "engine.step", "step %s panicked: %v", step.Name, r)
			}
		}()
		done <- step.Run(spanCtx, rc)
	}()

	select {
	case err := <-done:
		return e.spanEnd(span, step.Name, err)
	case <-attemptCtx.Done():
	}

	if ctx.Err() == nil {
		// Only this attempt's deadline fired. The goroutine keeps
		// running against a dead context and its result is dropped.
		err := faults.Errorf(faults.KindTimeout, "engine.step", "step %s timed out after %s", step.Name, timeout)
		return e.spanEnd(span, step.Name, err)
	}

	// The run was cancelled out from under the step. Give it the grace
	// window to unwind, then abandon it.
	grace := time.NewTimer(e.cancelGrace)
	defer grace.Stop()
	select {
	case err := <-done:
		return e.spanEnd(span, step.Name, err)
	case <-grace.C:
		stepsAbandoned.Inc()
		journal.Log(ctx, "step abandoned past grace window", "step", step.Name)
		e.log.Info("step ignored cancellation past the grace window, abandoning it",
			"workflowID", t.wf.ID, "step", step.Name)
		err := faults.E(faults.KindCanceled, "engine.step", context.Cause(ctx))
		return e.spanEnd(span, step.Name, err)
	}
}

func (e *Engine) spanEnd(span trace.Span, name string, err error) error {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, name)
	return nil
}

// runContext builds the RunContext handed to every attempt of step i.
func (e *Engine) runContext(t *Task, i int) *steps.RunContext {
	step := t.steps[i]
	return &steps.RunContext{
		WorkflowID:   t.wf.ID,
		ServerID:     t.wf.ServerID,
		TemplateName: t.wf.TemplateName,
		State:        t.state,
		Adapters:     t.adapters,
		Catalog:      t.catalog,
		Log:          e.log.WithValues("workflowID", t.wf.ID, "step", step.Name),
		ReportSubTask: func(msg string, frac float64) {
			prog, ok := t.subTask(i, msg, frac)
			if !ok {
				return
			}
			e.bus.Publish(data.ProgressEvent{
				WorkflowID: t.wf.ID,
				ServerID:   t.wf.ServerID,
				Kind:       data.EventSubTask,
				StepIndex:  i,
				StepName:   step.Name,
				StepCount:  len(t.steps),
				Message:    msg,
				Progress:   prog,
				Time:       e.now(),
			})
		},
	}
}

// conclude emits the terminal events and finalizes the audit row. It runs
// exactly once per Execute, on every path out of the run loop.
func (e *Engine) conclude(ctx context.Context, t *Task, log logr.Logger) {
	end := e.now()
	t.end(end)
	snap := t.Snapshot()
	hctx := context.WithoutCancel(ctx)

	meta := RunMetadata{
		DeviceType:     t.state.DeviceType(),
		Classification: t.state.Classification(),
		Plan:           t.state.Plan(),
	}
	if f := t.state.Facts(); !f.Empty() {
		meta.Facts = &f
	}
	if meta.DeviceType != "" || meta.Facts != nil || meta.Classification != nil || meta.Plan != nil {
		if err := e.history.SetMetadata(hctx, snap.ID, meta); err != nil {
			log.Error(err, "recording run metadata failed")
		}
	}

	if snap.State == data.WorkflowStateCancelled {
		e.publishWorkflow(t, data.EventCancellation, snap.Error, -1)
	}
	target := -1.0
	if snap.State == data.WorkflowStateCompleted {
		target = 1.0
	}
	e.publishWorkflow(t, data.EventWorkflowEnd, snap.Error, target)

	if err := e.history.Finalize(hctx, snap.ID, snap.State, snap.Error, end); err != nil {
		log.Error(err, "finalizing history row failed")
	}
	workflowsEnded.WithLabelValues(string(snap.State)).Inc()
	log.Info("workflow ended", "state", snap.State,
		"stepsCompleted", snap.StepsCompleted, "stepsTotal", snap.StepsTotal, "error", snap.Error)
	if snap.State != data.WorkflowStateCompleted {
		for _, entry := range journal.Journal(ctx) {
			log.V(1).Info("run journal", "entry", entry.String())
		}
	}
}

func (e *Engine) publishWorkflow(t *Task, kind data.EventKind, msg string, target float64) {
	_, state := t.progressCounts()
	ev := data.ProgressEvent{
		WorkflowID: t.wf.ID,
		ServerID:   t.wf.ServerID,
		Kind:       kind,
		StepCount:  len(t.steps),
		Message:    msg,
		Progress:   t.progressTo(target),
		Time:       e.now(),
	}
	if kind == data.EventWorkflowEnd {
		ev.State = string(state)
		ev.ErrorKind = string(t.terminalKind())
	}
	e.bus.Publish(ev)
}

func (e *Engine) publishStep(t *Task, i int, kind data.EventKind, st data.StepState, msg string, errKind faults.Kind, target float64) {
	e.bus.Publish(data.ProgressEvent{
		WorkflowID: t.wf.ID,
		ServerID:   t.wf.ServerID,
		Kind:       kind,
		StepIndex:  i,
		StepName:   t.steps[i].Name,
		StepCount:  len(t.steps),
		State:      string(st),
		Message:    msg,
		ErrorKind:  string(errKind),
		Progress:   t.progressTo(target),
		Time:       e.now(),
	})
}

// cancelMessage renders the cancellation cause for records and events.
func cancelMessage(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause.Error()
	}
	return "cancel requested"
}
