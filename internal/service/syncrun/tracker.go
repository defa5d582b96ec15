package syncrun

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/clientsync/internal/domain"
	"github.com/ignite/clientsync/internal/pkg/logger"
)

// Tracker manages sync run lifecycles on top of a Repository. It is the
// only place run state transitions happen; the worker layer calls it and
// treats ErrNotActive as the signal to stop.
type Tracker struct {
	repo Repository

	// staleAfter is how long a run may go without checkpoint activity
	// before StartOrResume fails it and starts fresh.
	staleAfter time.Duration

	now func() time.Time
}

// NewTracker constructs a Tracker. staleAfter <= 0 falls back to 15
// minutes.
func NewTracker(repo Repository, staleAfter time.Duration) *Tracker {
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	return &Tracker{
		repo:       repo,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// StartOrResume returns the run the caller should work against: the
// existing active run for the source when one exists, otherwise a fresh
// one. Stale active runs (no checkpoint activity within the staleness
// window) are failed first so a crashed invocation cannot wedge the
// source forever.
//
// resumed reports whether the returned run pre-existed this call.
func (t *Tracker) StartOrResume(ctx context.Context, source domain.Source) (run *domain.SyncRun, resumed bool, err error) {
	cutoff := t.now().Add(-t.staleAfter)
	n, err := t.repo.FailStale(ctx, source, cutoff)
	if err != nil {
		return nil, false, fmt.Errorf("fail stale runs: %w", err)
	}
	if n > 0 {
		logger.Warn("failed stale sync runs", "source", string(source), "count", n)
	}

	active, err := t.repo.GetActive(ctx, source)
	if err == nil {
		return active, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("get active run: %w", err)
	}

	now := t.now()
	fresh := &domain.SyncRun{
		ID:        uuid.New().String(),
		Source:    source,
		Status:    domain.RunRunning,
		StartedAt: now,
		UpdatedAt: now,
		Checkpoint: domain.Checkpoint{
			UpdatedAt: now,
		},
		Metadata: map[string]any{},
	}
	if err := t.repo.Create(ctx, fresh); err != nil {
		if errors.Is(err, ErrActiveRunExists) {
			// Lost a race with a concurrent invocation; adopt its run.
			active, gerr := t.repo.GetActive(ctx, source)
			if gerr != nil {
				return nil, false, fmt.Errorf("get active run after create race: %w", gerr)
			}
			return active, true, nil
		}
		return nil, false, fmt.Errorf("create run: %w", err)
	}
	return fresh, false, nil
}

// RecordSkipped writes a terminal skipped run, the audit trail for a
// trigger that did nothing (kill switch on).
func (t *Tracker) RecordSkipped(ctx context.Context, source domain.Source, reason string) (*domain.SyncRun, error) {
	now := t.now()
	run := &domain.SyncRun{
		ID:          uuid.New().String(),
		Source:      source,
		Status:      domain.RunSkipped,
		StartedAt:   now,
		CompletedAt: &now,
		UpdatedAt:   now,
		Metadata:    map[string]any{"skip_reason": reason},
	}
	if err := t.repo.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("record skipped run: %w", err)
	}
	return run, nil
}

// RecordProgress persists one batch's advancement. Counters in p are
// deltas and are added to the run's accumulated totals by the store.
// Returns ErrNotActive when the run was cancelled or finished out from
// under the caller, which must then stop work immediately.
func (t *Tracker) RecordProgress(ctx context.Context, run *domain.SyncRun, p Progress) error {
	if !p.Status.IsActive() {
		return fmt.Errorf("progress status must be active, got %q", p.Status)
	}
	p.Checkpoint.UpdatedAt = t.now()
	if err := t.repo.UpdateProgress(ctx, run.ID, p); err != nil {
		return err
	}
	run.Status = p.Status
	run.Checkpoint = p.Checkpoint
	run.Counters.Add(p.Counters)
	if p.Metadata != nil {
		run.Metadata = p.Metadata
	}
	run.UpdatedAt = p.Checkpoint.UpdatedAt
	return nil
}

// Complete finishes the run successfully. Status degrades to
// completed_with_errors when any records failed along the way.
func (t *Tracker) Complete(ctx context.Context, run *domain.SyncRun) error {
	status := domain.RunCompleted
	if run.Counters.Failed > 0 {
		status = domain.RunCompletedErrors
	}
	return t.finish(ctx, run, status, "")
}

// CompleteErrors marks the run finished with partial failures
// regardless of counters, for callers who observed failures outside the
// record counts (a failed sub-step, for instance).
func (t *Tracker) CompleteErrors(ctx context.Context, run *domain.SyncRun) error {
	return t.finish(ctx, run, domain.RunCompletedErrors, "")
}

// CompleteTimeout marks the run as finished because the invocation
// budget ran out with work remaining. Everything fetched so far has
// been applied; a later trigger starts a fresh run for the source.
func (t *Tracker) CompleteTimeout(ctx context.Context, run *domain.SyncRun) error {
	return t.finish(ctx, run, domain.RunCompletedTimeout, "")
}

// Fail marks the run failed with the given cause.
func (t *Tracker) Fail(ctx context.Context, run *domain.SyncRun, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return t.finish(ctx, run, domain.RunFailed, msg)
}

func (t *Tracker) finish(ctx context.Context, run *domain.SyncRun, status domain.RunStatus, errMsg string) error {
	if err := t.repo.Finish(ctx, run.ID, status, errMsg); err != nil {
		if errors.Is(err, ErrNotActive) {
			// Cancelled (or finished) concurrently; the stored terminal
			// state wins over ours.
			logger.Warn("run no longer active at finish", "run_id", run.ID, "source", string(run.Source), "wanted_status", string(status))
			return err
		}
		return fmt.Errorf("finish run: %w", err)
	}
	now := t.now()
	run.Status = status
	run.CompletedAt = &now
	run.UpdatedAt = now
	if errMsg != "" {
		run.ErrorMessage = &errMsg
	}
	return nil
}

// Cancel cancels active runs for the source; an empty source cancels
// every active run. Cancellation takes precedence over any in-flight
// progress write: workers observe it as ErrNotActive on their next
// conditional update.
func (t *Tracker) Cancel(ctx context.Context, source domain.Source) (int, error) {
	n, err := t.repo.CancelActive(ctx, source)
	if err != nil {
		return 0, fmt.Errorf("cancel active runs: %w", err)
	}
	if n > 0 {
		logger.Info("cancelled sync runs", "source", string(source), "count", n)
	}
	return n, nil
}

// Get fetches a run by ID.
func (t *Tracker) Get(ctx context.Context, id string) (*domain.SyncRun, error) {
	return t.repo.Get(ctx, id)
}

// List returns runs matching the filter, newest first.
func (t *Tracker) List(ctx context.Context, f ListFilter) ([]domain.SyncRun, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	return t.repo.List(ctx, f)
}
