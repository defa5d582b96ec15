package syncrun

import (
	"context"
	"time"

	"github.com/ignite/clientsync/internal/domain"
)

// Progress is one batch's worth of advancement merged into a run.
// Counters are deltas; the store adds them to the accumulated totals,
// never replaces them.
type Progress struct {
	Checkpoint domain.Checkpoint
	Counters   domain.RunCounters
	Metadata   map[string]any
	Status     domain.RunStatus // running or continuing
}

// ListFilter controls pagination and filtering for run listings.
type ListFilter struct {
	Source domain.Source
	Status domain.RunStatus
	Limit  int
	Offset int
}

// Repository defines the data access contract for sync runs.
//
// Create must be atomic against the "one active run per source" rule
// (insert-if-no-active-row, e.g. a partial unique index), returning
// ErrActiveRunExists on violation. UpdateProgress and Finish must be
// conditional on the run still being active and return ErrNotActive
// when the guarded update affects zero rows.
type Repository interface {
	Create(ctx context.Context, run *domain.SyncRun) error
	Get(ctx context.Context, id string) (*domain.SyncRun, error)
	GetActive(ctx context.Context, source domain.Source) (*domain.SyncRun, error)
	UpdateProgress(ctx context.Context, id string, p Progress) error
	Finish(ctx context.Context, id string, status domain.RunStatus, errMsg string) error
	// FailStale force-fails active runs for the source whose last
	// checkpoint activity is older than the threshold. Returns how many
	// runs were failed.
	FailStale(ctx context.Context, source domain.Source, olderThan time.Time) (int, error)
	// CancelActive cancels every active run, any source when source is
	// empty. Returns how many runs were cancelled.
	CancelActive(ctx context.Context, source domain.Source) (int, error)
	List(ctx context.Context, f ListFilter) ([]domain.SyncRun, error)
}
