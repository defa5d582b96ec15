package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/clientsync/internal/domain"
	"github.com/ignite/clientsync/internal/service/syncrun"
)

// SyncRunRepo implements syncrun.Repository against PostgreSQL.
//
// The one-active-run-per-source rule is enforced by a partial unique
// index on (source) WHERE status IN ('running','continuing'); Create
// targets it with ON CONFLICT DO NOTHING so a lost race surfaces as
// zero rows affected rather than a driver error.
type SyncRunRepo struct{ db *sql.DB }

// NewSyncRunRepo creates a Postgres-backed sync run repository.
func NewSyncRunRepo(db *sql.DB) *SyncRunRepo { return &SyncRunRepo{db: db} }

const runColumns = `id, source, status, started_at, completed_at, checkpoint, metadata,
       total_fetched, total_inserted, total_updated, total_skipped, total_conflicts, total_failed,
       error_message, updated_at`

func (r *SyncRunRepo) Create(ctx context.Context, run *domain.SyncRun) error {
	cp, err := json.Marshal(run.Checkpoint)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	md, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO clientsync_runs (id, source, status, started_at, completed_at, checkpoint, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $4)
		ON CONFLICT (source) WHERE status IN ('running','continuing') DO NOTHING
	`, run.ID, run.Source, run.Status, run.StartedAt, run.CompletedAt, cp, md)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return syncrun.ErrActiveRunExists
	}
	return nil
}

func (r *SyncRunRepo) Get(ctx context.Context, id string) (*domain.SyncRun, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM clientsync_runs
		WHERE id = $1
	`, id)
	return scanRun(row)
}

func (r *SyncRunRepo) GetActive(ctx context.Context, source domain.Source) (*domain.SyncRun, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM clientsync_runs
		WHERE source = $1 AND status IN ('running','continuing')
	`, source)
	return scanRun(row)
}

func (r *SyncRunRepo) UpdateProgress(ctx context.Context, id string, p syncrun.Progress) error {
	cp, err := json.Marshal(p.Checkpoint)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	md, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	// Counters are delta-added in SQL so a resumed run never loses the
	// totals accumulated by earlier invocations. The status guard makes
	// cancellation win over any in-flight batch.
	res, err := r.db.ExecContext(ctx, `
		UPDATE clientsync_runs SET
			status          = $2,
			checkpoint      = $3,
			metadata        = $4,
			total_fetched   = total_fetched + $5,
			total_inserted  = total_inserted + $6,
			total_updated   = total_updated + $7,
			total_skipped   = total_skipped + $8,
			total_conflicts = total_conflicts + $9,
			total_failed    = total_failed + $10,
			updated_at      = NOW()
		WHERE id = $1 AND status IN ('running','continuing')
	`, id, p.Status, cp, md,
		p.Counters.Fetched, p.Counters.Inserted, p.Counters.Updated,
		p.Counters.Skipped, p.Counters.Conflicts, p.Counters.Failed)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return syncrun.ErrNotActive
	}
	return nil
}

func (r *SyncRunRepo) Finish(ctx context.Context, id string, status domain.RunStatus, errMsg string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE clientsync_runs SET
			status        = $2,
			error_message = NULLIF($3, ''),
			completed_at  = NOW(),
			updated_at    = NOW()
		WHERE id = $1 AND status IN ('running','continuing')
	`, id, status, errMsg)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return syncrun.ErrNotActive
	}
	return nil
}

func (r *SyncRunRepo) FailStale(ctx context.Context, source domain.Source, olderThan time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE clientsync_runs SET
			status        = 'failed',
			error_message = 'run went stale without checkpoint activity',
			completed_at  = NOW(),
			updated_at    = NOW()
		WHERE source = $1 AND status IN ('running','continuing') AND updated_at < $2
	`, source, olderThan)
	if err != nil {
		return 0, fmt.Errorf("fail stale runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *SyncRunRepo) CancelActive(ctx context.Context, source domain.Source) (int, error) {
	q := `
		UPDATE clientsync_runs SET
			status       = 'cancelled',
			completed_at = NOW(),
			updated_at   = NOW()
		WHERE status IN ('running','continuing')`
	args := []interface{}{}
	if source != "" {
		q += " AND source = $1"
		args = append(args, source)
	}

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("cancel runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *SyncRunRepo) List(ctx context.Context, f syncrun.ListFilter) ([]domain.SyncRun, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + runColumns + ` FROM clientsync_runs WHERE 1=1`
	args := []interface{}{}
	idx := 1
	if f.Source != "" {
		q += fmt.Sprintf(" AND source = $%d", idx)
		args = append(args, f.Source)
		idx++
	}
	if f.Status != "" {
		q += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []domain.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// PurgeTerminal deletes finished runs older than the cutoff, in bounded
// batches. Active runs are never touched.
func (r *SyncRunRepo) PurgeTerminal(ctx context.Context, olderThan time.Time, batch int) (int64, error) {
	if batch <= 0 {
		batch = 10000
	}
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM clientsync_runs
		WHERE id IN (
			SELECT id FROM clientsync_runs
			WHERE status NOT IN ('running','continuing') AND started_at < $1
			LIMIT $2
		)
	`, olderThan, batch)
	if err != nil {
		return 0, fmt.Errorf("purge runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*domain.SyncRun, error) {
	run := &domain.SyncRun{}
	var cp, md []byte
	err := row.Scan(
		&run.ID, &run.Source, &run.Status, &run.StartedAt, &run.CompletedAt, &cp, &md,
		&run.Counters.Fetched, &run.Counters.Inserted, &run.Counters.Updated,
		&run.Counters.Skipped, &run.Counters.Conflicts, &run.Counters.Failed,
		&run.ErrorMessage, &run.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, syncrun.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if len(cp) > 0 {
		if err := json.Unmarshal(cp, &run.Checkpoint); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
	}
	if len(md) > 0 {
		if err := json.Unmarshal(md, &run.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return run, nil
}
