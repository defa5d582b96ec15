package syncrun_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ignite/clientsync/internal/domain"
	"github.com/ignite/clientsync/internal/service/syncrun"
)

// memRunRepo is an in-memory run repository mirroring the conditional
// update semantics of the Postgres implementation.
type memRunRepo struct {
	mu   sync.Mutex
	runs map[string]*domain.SyncRun
}

func newMemRunRepo() *memRunRepo {
	return &memRunRepo{runs: make(map[string]*domain.SyncRun)}
}

func (m *memRunRepo) Create(_ context.Context, run *domain.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.Status.IsActive() {
		for _, r := range m.runs {
			if r.Source == run.Source && r.Status.IsActive() {
				return syncrun.ErrActiveRunExists
			}
		}
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memRunRepo) Get(_ context.Context, id string) (*domain.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, syncrun.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRunRepo) GetActive(_ context.Context, source domain.Source) (*domain.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.Source == source && r.Status.IsActive() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, syncrun.ErrNotFound
}

func (m *memRunRepo) UpdateProgress(_ context.Context, id string, p syncrun.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || !r.Status.IsActive() {
		return syncrun.ErrNotActive
	}
	r.Status = p.Status
	r.Checkpoint = p.Checkpoint
	r.Metadata = p.Metadata
	r.Counters.Add(p.Counters)
	r.UpdatedAt = p.Checkpoint.UpdatedAt
	return nil
}

func (m *memRunRepo) Finish(_ context.Context, id string, status domain.RunStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || !r.Status.IsActive() {
		return syncrun.ErrNotActive
	}
	now := time.Now()
	r.Status = status
	r.CompletedAt = &now
	if errMsg != "" {
		r.ErrorMessage = &errMsg
	}
	return nil
}

func (m *memRunRepo) FailStale(_ context.Context, source domain.Source, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs {
		if r.Source == source && r.Status.IsActive() && r.UpdatedAt.Before(olderThan) {
			r.Status = domain.RunFailed
			n++
		}
	}
	return n, nil
}

func (m *memRunRepo) CancelActive(_ context.Context, source domain.Source) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs {
		if r.Status.IsActive() && (source == "" || r.Source == source) {
			r.Status = domain.RunCancelled
			n++
		}
	}
	return n, nil
}

func (m *memRunRepo) List(_ context.Context, f syncrun.ListFilter) ([]domain.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SyncRun
	for _, r := range m.runs {
		if f.Source != "" && r.Source != f.Source {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func TestStartOrResumeCreatesFreshRun(t *testing.T) {
	tracker := syncrun.NewTracker(newMemRunRepo(), 15*time.Minute)

	run, resumed, err := tracker.StartOrResume(context.Background(), domain.SourceGHL)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if resumed {
		t.Fatal("fresh run reported as resumed")
	}
	if run.Status != domain.RunRunning {
		t.Fatalf("expected running, got %s", run.Status)
	}
	if !run.Checkpoint.IsZero() {
		t.Fatalf("fresh run has non-zero checkpoint: %+v", run.Checkpoint)
	}
}

func TestStartOrResumePicksUpActiveRun(t *testing.T) {
	repo := newMemRunRepo()
	tracker := syncrun.NewTracker(repo, 15*time.Minute)
	ctx := context.Background()

	first, _, err := tracker.StartOrResume(ctx, domain.SourceGHL)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tracker.RecordProgress(ctx, first, syncrun.Progress{
		Checkpoint: domain.Checkpoint{Page: 3},
		Counters:   domain.RunCounters{Fetched: 300},
		Status:     domain.RunContinuing,
	}); err != nil {
		t.Fatalf("progress: %v", err)
	}

	second, resumed, err := tracker.StartOrResume(ctx, domain.SourceGHL)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !resumed {
		t.Fatal("active run not resumed")
	}
	if second.ID != first.ID {
		t.Fatal("resume returned a different run")
	}
	if second.Checkpoint.Page != 3 {
		t.Fatalf("checkpoint lost on resume: %+v", second.Checkpoint)
	}
}

func TestStartOrResumeFailsStaleRuns(t *testing.T) {
	repo := newMemRunRepo()
	tracker := syncrun.NewTracker(repo, 15*time.Minute)
	ctx := context.Background()

	stale, _, err := tracker.StartOrResume(ctx, domain.SourceManyChat)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// Backdate the run's last activity past the staleness window.
	repo.mu.Lock()
	repo.runs[stale.ID].UpdatedAt = time.Now().Add(-time.Hour)
	repo.mu.Unlock()

	fresh, resumed, err := tracker.StartOrResume(ctx, domain.SourceManyChat)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if resumed {
		t.Fatal("stale run should not be resumed")
	}
	if fresh.ID == stale.ID {
		t.Fatal("stale run was reused")
	}

	got, err := tracker.Get(ctx, stale.ID)
	if err != nil {
		t.Fatalf("get stale: %v", err)
	}
	if got.Status != domain.RunFailed {
		t.Fatalf("stale run not failed, got %s", got.Status)
	}
}

func TestCountersAccumulateAcrossBatches(t *testing.T) {
	repo := newMemRunRepo()
	tracker := syncrun.NewTracker(repo, 15*time.Minute)
	ctx := context.Background()

	run, _, _ := tracker.StartOrResume(ctx, domain.SourceStripeCharges)
	for i := 0; i < 3; i++ {
		if err := tracker.RecordProgress(ctx, run, syncrun.Progress{
			Checkpoint: domain.Checkpoint{Cursor: "ch_x"},
			Counters:   domain.RunCounters{Fetched: 100, Inserted: 40},
			Status:     domain.RunContinuing,
		}); err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
	}

	got, _ := tracker.Get(ctx, run.ID)
	if got.Counters.Fetched != 300 || got.Counters.Inserted != 120 {
		t.Fatalf("counters did not accumulate: %+v", got.Counters)
	}
}

func TestCancellationWinsOverProgress(t *testing.T) {
	repo := newMemRunRepo()
	tracker := syncrun.NewTracker(repo, 15*time.Minute)
	ctx := context.Background()

	run, _, _ := tracker.StartOrResume(ctx, domain.SourcePayPal)

	n, err := tracker.Cancel(ctx, domain.SourcePayPal)
	if err != nil || n != 1 {
		t.Fatalf("cancel: n=%d err=%v", n, err)
	}

	err = tracker.RecordProgress(ctx, run, syncrun.Progress{
		Counters: domain.RunCounters{Fetched: 50},
		Status:   domain.RunContinuing,
	})
	if !errors.Is(err, syncrun.ErrNotActive) {
		t.Fatalf("expected ErrNotActive after cancel, got %v", err)
	}

	// A finish attempt must not overwrite the cancellation either.
	err = tracker.Complete(ctx, run)
	if !errors.Is(err, syncrun.ErrNotActive) {
		t.Fatalf("expected ErrNotActive on finish, got %v", err)
	}
	got, _ := tracker.Get(ctx, run.ID)
	if got.Status != domain.RunCancelled {
		t.Fatalf("cancellation overwritten: %s", got.Status)
	}
}

func TestCompleteDegradesOnRecordFailures(t *testing.T) {
	repo := newMemRunRepo()
	tracker := syncrun.NewTracker(repo, 15*time.Minute)
	ctx := context.Background()

	run, _, _ := tracker.StartOrResume(ctx, domain.SourceCSVImport)
	tracker.RecordProgress(ctx, run, syncrun.Progress{
		Counters: domain.RunCounters{Fetched: 10, Inserted: 8, Failed: 2},
		Status:   domain.RunRunning,
	})

	if err := tracker.Complete(ctx, run); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ := tracker.Get(ctx, run.ID)
	if got.Status != domain.RunCompletedErrors {
		t.Fatalf("expected completed_with_errors, got %s", got.Status)
	}
}

func TestOneActiveRunPerSource(t *testing.T) {
	repo := newMemRunRepo()
	ctx := context.Background()

	run := &domain.SyncRun{ID: "a", Source: domain.SourceGHL, Status: domain.RunRunning}
	if err := repo.Create(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := &domain.SyncRun{ID: "b", Source: domain.SourceGHL, Status: domain.RunRunning}
	if err := repo.Create(ctx, dup); !errors.Is(err, syncrun.ErrActiveRunExists) {
		t.Fatalf("expected ErrActiveRunExists, got %v", err)
	}

	// A different source is unaffected, and terminal rows never collide.
	other := &domain.SyncRun{ID: "c", Source: domain.SourceManyChat, Status: domain.RunRunning}
	if err := repo.Create(ctx, other); err != nil {
		t.Fatalf("other source: %v", err)
	}
	skipped := &domain.SyncRun{ID: "d", Source: domain.SourceGHL, Status: domain.RunSkipped}
	if err := repo.Create(ctx, skipped); err != nil {
		t.Fatalf("skipped run: %v", err)
	}
}
