// Package manager owns the workflow lifecycle. It admits creation
// requests through the factory, runs every workflow on its own
// goroutine, routes cancellation, answers lookups from live state and
// retires finished runs after a retention window. The manager is the
// only writer of the workflow map; everything it hands out is a
// snapshot.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/metalforge/metalforge/adapter"
	"github.com/metalforge/metalforge/bus"
	"github.com/metalforge/metalforge/engine"
	"github.com/metalforge/metalforge/history"
	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/faults"
	"github.com/metalforge/metalforge/pkg/journal"
	"github.com/metalforge/metalforge/planner"
	"github.com/metalforge/metalforge/steps"
)

const (
	// DefaultShutdownGrace bounds how long Shutdown waits for cancelled
	// runs to unwind before force-finalizing them.
	DefaultShutdownGrace = 30 * time.Second
	// DefaultRetireAfter is how long terminal workflows stay queryable in
	// memory. History rows outlive retirement.
	DefaultRetireAfter = 24 * time.Hour
	// DefaultCleanupEvery is the retirement sweep interval.
	DefaultCleanupEvery = 10 * time.Minute
)

var (
	errOperatorCancel = errors.New("cancelled by operator")
	errShutdown       = errors.New("orchestrator shutting down")
)

var (
	activeWorkflows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "metalforge_manager_active_workflows",
		Help: "Workflows currently pending or running.",
	})
	workflowsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metalforge_manager_workflows_created_total",
		Help: "Workflows admitted by the manager.",
	})
	workflowsRetired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metalforge_manager_workflows_retired_total",
		Help: "Terminal workflows dropped from the in-memory map.",
	})
)

// Executor runs a prepared task to its terminal state. *engine.Engine
// satisfies it.
type Executor interface {
	Execute(ctx context.Context, t *engine.Task) *data.Workflow
}

// managed is one workflow under management: its task, the cancel handle
// for its run context and the channel closed when its goroutine ends.
type managed struct {
	task   *engine.Task
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Config wires a Manager.
type Config struct {
	Factory  *planner.Factory
	Engine   Executor
	Bus      *bus.Bus
	History  *history.Store
	Adapters adapter.Set
	Catalog  steps.CatalogView
	Log      logr.Logger
	// ShutdownGrace overrides DefaultShutdownGrace when positive.
	ShutdownGrace time.Duration
	// RetireAfter overrides DefaultRetireAfter when positive.
	RetireAfter time.Duration
	// CleanupEvery overrides DefaultCleanupEvery when positive.
	CleanupEvery time.Duration
}

// Manager is the workflow lifecycle authority.
type Manager struct {
	factory  *planner.Factory
	engine   Executor
	bus      *bus.Bus
	history  *history.Store
	adapters adapter.Set
	catalog  steps.CatalogView
	log      logr.Logger
	validate *validator.Validate

	grace        time.Duration
	retireAfter  time.Duration
	cleanupEvery time.Duration

	mu       sync.RWMutex
	runs     map[string]*managed
	draining bool

	wg  sync.WaitGroup
	now func() time.Time
}

func New(cfg Config) (*Manager, error) {
	if cfg.Factory == nil || cfg.Engine == nil || cfg.Bus == nil || cfg.History == nil {
		return nil, faults.Errorf(faults.KindValidation, "manager.new",
			"factory, engine, bus and history are required")
	}
	m := &Manager{
		factory:      cfg.Factory,
		engine:       cfg.Engine,
		bus:          cfg.Bus,
		history:      cfg.History,
		adapters:     cfg.Adapters,
		catalog:      cfg.Catalog,
		log:          cfg.Log,
		validate:     validator.New(),
		grace:        cfg.ShutdownGrace,
		retireAfter:  cfg.RetireAfter,
		cleanupEvery: cfg.CleanupEvery,
		runs:         map[string]*managed{},
		now:          time.Now,
	}
	if m.grace <= 0 {
		m.grace = DefaultShutdownGrace
	}
	if m.retireAfter <= 0 {
		m.retireAfter = DefaultRetireAfter
	}
	if m.cleanupEvery <= 0 {
		m.cleanupEvery = DefaultCleanupEvery
	}
	return m, nil
}

// Start settles leftover state from a previous process and launches the
// retirement sweep. Rows a crashed orchestrator left non-terminal are
// failed before any new work is accepted. The sweep stops when ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	n, err := m.history.MarkInterrupted(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		m.log.Info("failed workflows interrupted by previous shutdown", "count", n)
	}
	go m.cleanupLoop(ctx)
	return nil
}

// Create admits one workflow: validates the request, prepares roster and
// run context through the factory, registers the workflow and starts its
// goroutine. A server with a non-terminal workflow cannot get another.
func (m *Manager) Create(ctx context.Context, req planner.Request) (id string, err error) {
	ctx = journal.New(ctx)
	defer func() {
		if err != nil {
			for _, entry := range journal.Journal(ctx) {
				m.log.V(1).Info("create journal", "entry", entry.String())
			}
		}
	}()

	if err := m.validate.Struct(req); err != nil {
		return "", faults.E(faults.KindValidation, "manager.create", err)
	}
	journal.Log(ctx, "create requested", "serverID", req.ServerID, "template", req.Template)

	name, roster, state, err := m.factory.Prepare(ctx, req)
	if err != nil {
		return "", err
	}
	journal.Log(ctx, "roster prepared", "template", name, "steps", len(roster))

	now := m.now()
	id = fmt.Sprintf("%s_%s_%d", name, req.ServerID, now.UnixMilli())
	wf := &data.Workflow{
		ID:            id,
		TemplateName:  name,
		ServerID:      req.ServerID,
		DeviceType:    state.DeviceType(),
		State:         data.WorkflowStatePending,
		CorrelationID: req.CorrelationID,
		CreatedAt:     now,
	}
	task, err := engine.NewTask(wf, roster, state, m.adapters, m.catalog)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancelCause(context.Background())
	md := &managed{task: task, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		cancel(nil)
		return "", faults.Errorf(faults.KindConflict, "manager.create", "manager is shutting down")
	}
	for _, other := range m.runs {
		snap := other.task.Snapshot()
		if snap.ServerID == req.ServerID && !snap.State.Terminal() {
			m.mu.Unlock()
			cancel(nil)
			return "", faults.Errorf(faults.KindConflict, "manager.create",
				"server %s already has active workflow %s", req.ServerID, snap.ID)
		}
	}
	m.runs[id] = md
	m.mu.Unlock()

	workflowsCreated.Inc()
	m.wg.Add(1)
	go m.run(runCtx, md)
	m.log.Info("workflow created", "workflowID", id, "serverID", req.ServerID, "template", name)
	return id, nil
}

func (m *Manager) run(ctx context.Context, md *managed) {
	defer m.wg.Done()
	defer close(md.done)
	activeWorkflows.Inc()
	defer activeWorkflows.Dec()
	m.engine.Execute(ctx, md.task)
}

// Cancel requests cancellation of one workflow. It is idempotent:
// repeated calls on a live run keep returning true, and accepted is
// false only for unknown or already-terminal workflows.
func (m *Manager) Cancel(id string) bool {
	m.mu.RLock()
	md, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if md.task.Snapshot().State.Terminal() {
		return false
	}
	md.cancel(errOperatorCancel)
	m.log.Info("cancellation requested", "workflowID", id)
	return true
}

// Get returns a snapshot of a live (not yet retired) workflow.
func (m *Manager) Get(id string) (*data.Workflow, error) {
	m.mu.RLock()
	md, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, faults.Errorf(faults.KindNotFound, "manager.get", "no workflow %s", id)
	}
	return md.task.Snapshot(), nil
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	ServerID string
	State    data.WorkflowState
	Template string
}

// List returns snapshots of the workflows the manager still holds,
// oldest first.
func (m *Manager) List(filter Filter) []*data.Workflow {
	m.mu.RLock()
	mds := make([]*managed, 0, len(m.runs))
	for _, md := range m.runs {
		mds = append(mds, md)
	}
	m.mu.RUnlock()

	out := make([]*data.Workflow, 0, len(mds))
	for _, md := range mds {
		snap := md.task.Snapshot()
		if filter.ServerID != "" && snap.ServerID != filter.ServerID {
			continue
		}
		if filter.State != "" && snap.State != filter.State {
			continue
		}
		if filter.Template != "" && snap.TemplateName != filter.Template {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Subscribe streams progress events for one workflow id, or every
// workflow via bus.TopicAll.
func (m *Manager) Subscribe(ctx context.Context, id string) <-chan data.ProgressEvent {
	return m.bus.Subscribe(ctx, id)
}

// SubscribeMatch is Subscribe narrowed by a quamina pattern.
func (m *Manager) SubscribeMatch(ctx context.Context, id, pattern string) (<-chan data.ProgressEvent, error) {
	return m.bus.SubscribeMatch(ctx, id, pattern)
}

// History lists persisted workflow rows; retired workflows live on here.
func (m *Manager) History(ctx context.Context, filter history.Filter) ([]history.Record, error) {
	return m.history.List(ctx, filter)
}

// HistoryGet returns one persisted row.
func (m *Manager) HistoryGet(ctx context.Context, id string) (history.Record, error) {
	return m.history.Get(ctx, id)
}

// Shutdown stops admissions, cancels every live run and waits up to the
// grace period. Runs still going after the grace are force-finalized
// FAILED in history and their goroutines abandoned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return nil
	}
	m.draining = true
	mds := make(map[string]*managed, len(m.runs))
	for id, md := range m.runs {
		mds[id] = md
	}
	m.mu.Unlock()

	for _, md := range mds {
		md.cancel(errShutdown)
	}
	m.log.Info("shutdown started", "workflows", len(mds))

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	grace := time.NewTimer(m.grace)
	defer grace.Stop()
	select {
	case <-done:
		m.log.Info("shutdown complete")
		return nil
	case <-ctx.Done():
	case <-grace.C:
	}

	hctx := context.WithoutCancel(ctx)
	stragglers := 0
	for id, md := range mds {
		select {
		case <-md.done:
			continue
		default:
		}
		stragglers++
		// The engine's own late finalize becomes a no-op after this.
		if err := m.history.Finalize(hctx, id, data.WorkflowStateFailed, "shutdown_timeout", m.now()); err != nil {
			m.log.Error(err, "force-finalizing straggler failed", "workflowID", id)
		}
	}
	if stragglers == 0 {
		return nil
	}
	return faults.Errorf(faults.KindTimeout, "manager.shutdown",
		"%d workflows did not stop within %s", stragglers, m.grace)
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.retire(m.now()); n > 0 {
				m.log.Info("retired workflows", "count", n)
			}
		}
	}
}

// retire drops terminal workflows older than the retention window from
// the live map and releases their bus topic and history lock. Audit rows
// stay.
func (m *Manager) retire(now time.Time) int {
	cutoff := now.Add(-m.retireAfter)

	m.mu.Lock()
	var retired []string
	for id, md := range m.runs {
		snap := md.task.Snapshot()
		if !snap.State.Terminal() || snap.EndedAt == nil || snap.EndedAt.After(cutoff) {
			continue
		}
		delete(m.runs, id)
		retired = append(retired, id)
	}
	m.mu.Unlock()

	for _, id := range retired {
		m.bus.Retire(id)
		m.history.Forget(id)
		workflowsRetired.Inc()
	}
	return len(retired)
}
