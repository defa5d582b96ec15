package worker

import (
	"context"
	"log"
	"time"
)

// =============================================================================
// HOUSEKEEPING WORKER — Removes Old Staging Rows, Conflicts & Run History
// =============================================================================
// Without periodic cleanup, processed staging snapshots, resolved merge
// conflicts, and finished run rows accumulate indefinitely. Canonical
// clients and transactions are never purged.
//
// Retention policies:
//   - Processed staging rows:   30 days
//   - Resolved merge conflicts:  7 days
//   - Terminal sync runs:       90 days
//
// Deletes run in batches of 10 000 rows to avoid long-running transactions
// that could lock tables and block sync traffic.

const (
	// DefaultHousekeepingInterval is how often the cleanup cycle runs.
	DefaultHousekeepingInterval = 1 * time.Hour

	// housekeepingBatchSize limits each DELETE to avoid table-level locks.
	housekeepingBatchSize = 10000
)

// HousekeepingStores are the batched-purge entry points of the
// repositories the worker drains.
type HousekeepingStores struct {
	Staging interface {
		PurgeProcessed(ctx context.Context, olderThan time.Time, batch int) (int64, error)
	}
	Conflicts interface {
		PurgeResolved(ctx context.Context, olderThan time.Time, batch int) (int64, error)
	}
	Runs interface {
		PurgeTerminal(ctx context.Context, olderThan time.Time, batch int) (int64, error)
	}
}

// Retention configures the age cutoffs, in days.
type Retention struct {
	StagingDays  int
	ConflictDays int
	RunDays      int
}

// HousekeepingWorker periodically removes aged rows from the sync tables.
type HousekeepingWorker struct {
	stores    HousekeepingStores
	retention Retention
	interval  time.Duration
}

// NewHousekeepingWorker creates a cleanup worker. Zero retention fields
// fall back to the defaults above.
func NewHousekeepingWorker(stores HousekeepingStores, retention Retention) *HousekeepingWorker {
	if retention.StagingDays <= 0 {
		retention.StagingDays = 30
	}
	if retention.ConflictDays <= 0 {
		retention.ConflictDays = 7
	}
	if retention.RunDays <= 0 {
		retention.RunDays = 90
	}
	return &HousekeepingWorker{
		stores:    stores,
		retention: retention,
		interval:  DefaultHousekeepingInterval,
	}
}

// Start begins the cleanup loop. It blocks until ctx is cancelled.
func (hw *HousekeepingWorker) Start(ctx context.Context) {
	log.Printf("[Housekeeping] Starting (interval=%s, batch_size=%d)", hw.interval, housekeepingBatchSize)

	// Run once immediately on start
	hw.cleanup(ctx)

	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Housekeeping] Stopping")
			return
		case <-ticker.C:
			hw.cleanup(ctx)
		}
	}
}

func (hw *HousekeepingWorker) cleanup(ctx context.Context) {
	start := time.Now()
	log.Println("[Housekeeping] Cleanup cycle starting...")

	now := time.Now()
	hw.drain(ctx, "staging", func(c context.Context) (int64, error) {
		return hw.stores.Staging.PurgeProcessed(c, now.AddDate(0, 0, -hw.retention.StagingDays), housekeepingBatchSize)
	})
	hw.drain(ctx, "conflicts", func(c context.Context) (int64, error) {
		return hw.stores.Conflicts.PurgeResolved(c, now.AddDate(0, 0, -hw.retention.ConflictDays), housekeepingBatchSize)
	})
	hw.drain(ctx, "runs", func(c context.Context) (int64, error) {
		return hw.stores.Runs.PurgeTerminal(c, now.AddDate(0, 0, -hw.retention.RunDays), housekeepingBatchSize)
	})

	log.Printf("[Housekeeping] Cleanup cycle completed in %s", time.Since(start).Round(time.Millisecond))
}

// drain calls the purge repeatedly until it reports zero rows, pausing
// briefly between batches to reduce load.
func (hw *HousekeepingWorker) drain(ctx context.Context, what string, purge func(context.Context) (int64, error)) {
	var total int64
	for {
		if ctx.Err() != nil {
			return
		}

		purgeCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		n, err := purge(purgeCtx)
		cancel()

		if err != nil {
			log.Printf("[Housekeeping] Error purging %s: %v", what, err)
			return
		}
		if n == 0 {
			break
		}
		total += n
		time.Sleep(100 * time.Millisecond)
	}
	if total > 0 {
		log.Printf("[Housekeeping] Removed %d aged %s rows", total, what)
	}
}
