// Package history persists workflow run records in SQLite. The store is the
// durable side of the orchestrator: the progress bus is best-effort and
// bounded, history is complete and queryable after the fact.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"

	"github.com/metalforge/metalforge/pkg/data"
	"github.com/metalforge/metalforge/pkg/faults"
	"github.com/metalforge/metalforge/pkg/journal"
)

// InMemoryDSN opens an ephemeral database, used by tests and one-shot CLI
// runs.
const InMemoryDSN = ":memory:"

// Store reads and writes workflow history rows. Writes for one workflow are
// serialized through a per-workflow mutex so step updates and finalization
// never interleave.
type Store struct {
	db  *gorm.DB
	log logr.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	nowFunc func() time.Time
}

// Open opens (or creates) the history database at path and migrates the
// schema. Use InMemoryDSN for an ephemeral store.
func Open(path string, log logr.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, faults.E(faults.KindInternal, "history.Open", err)
	}
	if path == InMemoryDSN {
		// The pool would hand each connection its own empty in-memory
		// database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, faults.E(faults.KindInternal, "history.Open", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, faults.E(faults.KindInternal, "history.Open", err)
	}
	return &Store{
		db:      db,
		log:     log,
		locks:   map[string]*sync.Mutex{},
		nowFunc: time.Now,
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordStart inserts the row for a newly accepted workflow.
func (s *Store) RecordStart(ctx context.Context, wf *data.Workflow) error {
	l := s.lock(wf.ID)
	l.Lock()
	defer l.Unlock()

	// The per-workflow lock serializes this check with the insert.
	var n int64
	if err := s.db.WithContext(ctx).Model(&Record{}).Where("workflow_id = ?", wf.ID).Count(&n).Error; err != nil {
		return s.fail(ctx, "history.RecordStart", err)
	}
	if n > 0 {
		return s.fail(ctx, "history.RecordStart",
			faults.Errorf(faults.KindConflict, "history.RecordStart", "record for workflow %s already exists", wf.ID))
	}

	rec := Record{
		WorkflowID:    wf.ID,
		ServerID:      wf.ServerID,
		Template:      wf.TemplateName,
		State:         string(wf.State),
		StepsTotal:    len(wf.Steps),
		CorrelationID: wf.CorrelationID,
		StartedAt:     wf.CreatedAt,
	}
	if wf.StartedAt != nil {
		rec.StartedAt = *wf.StartedAt
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return s.fail(ctx, "history.RecordStart", err)
	}
	return nil
}

// UpdateProgress advances the step counter and state of a live row. Updates
// against a row that already reached a terminal state are dropped.
func (s *Store) UpdateProgress(ctx context.Context, workflowID string, stepsDone int, state data.WorkflowState) error {
	l := s.lock(workflowID)
	l.Lock()
	defer l.Unlock()

	res := s.db.WithContext(ctx).Model(&Record{}).
		Where("workflow_id = ? AND state NOT IN ?", workflowID, terminalStates).
		Updates(map[string]any{
			"steps_done": stepsDone,
			"state":      string(state),
		})
	if res.Error != nil {
		return s.fail(ctx, "history.UpdateProgress", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.missingOrTerminal(ctx, "history.UpdateProgress", workflowID)
	}
	return nil
}

// SetMetadata replaces the row's metadata document with the JSON encoding
// of meta.
func (s *Store) SetMetadata(ctx context.Context, workflowID string, meta any) error {
	l := s.lock(workflowID)
	l.Lock()
	defer l.Unlock()

	raw, err := json.Marshal(meta)
	if err != nil {
		return s.fail(ctx, "history.SetMetadata", err)
	}
	res := s.db.WithContext(ctx).Model(&Record{}).
		Where("workflow_id = ?", workflowID).
		Update("metadata", string(raw))
	if res.Error != nil {
		return s.fail(ctx, "history.SetMetadata", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.fail(ctx, "history.SetMetadata",
			faults.Errorf(faults.KindNotFound, "history.SetMetadata", "no record for workflow %s", workflowID))
	}
	return nil
}

// Finalize writes the terminal state. The first terminal write wins; calling
// Finalize again for the same workflow is a no-op.
func (s *Store) Finalize(ctx context.Context, workflowID string, state data.WorkflowState, errMsg string, endedAt time.Time) error {
	if !state.Terminal() {
		return faults.Errorf(faults.KindValidation, "history.Finalize", "state %s is not terminal", state)
	}

	l := s.lock(workflowID)
	l.Lock()
	defer l.Unlock()

	res := s.db.WithContext(ctx).Model(&Record{}).
		Where("workflow_id = ? AND state NOT IN ?", workflowID, terminalStates).
		Updates(map[string]any{
			"state":    string(state),
			"error":    errMsg,
			"ended_at": endedAt,
		})
	if res.Error != nil {
		return s.fail(ctx, "history.Finalize", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.missingOrTerminal(ctx, "history.Finalize", workflowID)
	}
	return nil
}

// Get returns the record for one workflow.
func (s *Store) Get(ctx context.Context, workflowID string) (Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).First(&rec, "workflow_id = ?", workflowID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, faults.Errorf(faults.KindNotFound, "history.Get", "no record for workflow %s", workflowID)
		}
		return Record{}, faults.E(faults.KindInternal, "history.Get", err)
	}
	return rec, nil
}

// List returns records newest first, narrowed by filter.
func (s *Store) List(ctx context.Context, filter Filter) ([]Record, error) {
	q := s.db.WithContext(ctx).Model(&Record{})
	if filter.ServerID != "" {
		q = q.Where("server_id = ?", filter.ServerID)
	}
	if filter.State != "" {
		q = q.Where("state = ?", string(filter.State))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	var recs []Record
	if err := q.Order("created_at DESC, workflow_id DESC").Find(&recs).Error; err != nil {
		return nil, faults.E(faults.KindInternal, "history.List", err)
	}
	return recs, nil
}

// MarkInterrupted fails every row left non-terminal by a previous process,
// returning how many were updated. Run once at startup, before any workflow
// is accepted.
func (s *Store) MarkInterrupted(ctx context.Context) (int64, error) {
	now := s.nowFunc()
	res := s.db.WithContext(ctx).Model(&Record{}).
		Where("state NOT IN ?", terminalStates).
		Updates(map[string]any{
			"state":    string(data.WorkflowStateFailed),
			"error":    "orchestrator_restart",
			"ended_at": now,
		})
	if res.Error != nil {
		return 0, faults.E(faults.KindInternal, "history.MarkInterrupted", res.Error)
	}
	if res.RowsAffected > 0 {
		s.log.Info("marked interrupted workflows failed", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// Forget drops the per-workflow write lock. Called when the manager cleans
// up a terminal workflow; the row itself is kept.
func (s *Store) Forget(workflowID string) {
	s.mu.Lock()
	delete(s.locks, workflowID)
	s.mu.Unlock()
}

func (s *Store) lock(workflowID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[workflowID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[workflowID] = l
	}
	return l
}

// missingOrTerminal resolves a zero-row update: writes against a finalized
// row are dropped silently, writes against a missing row are failures.
func (s *Store) missingOrTerminal(ctx context.Context, op, workflowID string) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Record{}).Where("workflow_id = ?", workflowID).Count(&n).Error; err != nil {
		return s.fail(ctx, op, err)
	}
	if n == 0 {
		return s.fail(ctx, op, faults.Errorf(faults.KindNotFound, op, "no record for workflow %s", workflowID))
	}
	return nil
}

// fail counts and journals a write failure before handing the error back.
// Callers on the engine path log it and keep running.
func (s *Store) fail(ctx context.Context, op string, err error) error {
	writeFailures.Inc()
	journal.Log(ctx, "history write failed", "op", op, "error", err.Error())
	s.log.V(1).Info("history write failed", "op", op, "error", err.Error())
	var f *faults.Fault
	if errors.As(err, &f) {
		return err
	}
	return faults.E(faults.KindInternal, op, err)
}

var terminalStates = []string{
	string(data.WorkflowStateCompleted),
	string(data.WorkflowStateFailed),
	string(data.WorkflowStateCancelled),
}

var writeFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "metalforge_history_write_failures_total",
		Help: "Count of history writes that failed and were dropped.",
	},
)
