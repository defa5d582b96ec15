package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/clientsync/internal/domain"
)

// StagingRepo stores raw provider contact snapshots awaiting identity
// merge.
type StagingRepo struct{ db *sql.DB }

// NewStagingRepo creates a Postgres-backed staging repository.
func NewStagingRepo(db *sql.DB) *StagingRepo { return &StagingRepo{db: db} }

// UpsertBatch stages a page of raw records in one transaction. A
// re-fetched record overwrites its payload and goes back to pending so
// provider-side edits flow through the merge again. Returns how many
// rows were newly inserted (as opposed to refreshed).
func (r *StagingRepo) UpsertBatch(ctx context.Context, records []domain.RawContactRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin staging tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO clientsync_raw_contacts (id, source, external_id, payload, contact, fetched_at, sync_run_id)
		VALUES ($1, $2, $3, $4, $5, NOW(), $6)
		ON CONFLICT (source, external_id) DO UPDATE SET
			payload      = EXCLUDED.payload,
			contact      = EXCLUDED.contact,
			fetched_at   = NOW(),
			sync_run_id  = EXCLUDED.sync_run_id,
			processed_at = NULL
		RETURNING (xmax = 0) AS inserted
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare staging upsert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, rec := range records {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return 0, fmt.Errorf("marshal payload %s/%s: %w", rec.Source, rec.ExternalID, err)
		}
		contact, err := json.Marshal(rec.Contact)
		if err != nil {
			return 0, fmt.Errorf("marshal contact %s/%s: %w", rec.Source, rec.ExternalID, err)
		}
		id := rec.ID
		if id == "" {
			id = uuid.New().String()
		}
		var wasInsert bool
		if err := stmt.QueryRowContext(ctx, id, rec.Source, rec.ExternalID, payload, contact, nullString(rec.SyncRunID)).Scan(&wasInsert); err != nil {
			return 0, fmt.Errorf("stage record %s/%s: %w", rec.Source, rec.ExternalID, err)
		}
		if wasInsert {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit staging tx: %w", err)
	}
	return inserted, nil
}

// MarkProcessed stamps the given records as merged. SKIP LOCKED keeps a
// concurrent merge pass from blocking on rows another invocation is
// still writing; records that fail to merge simply stay pending and are
// refreshed by the next fetch.
func (r *StagingRepo) MarkProcessed(ctx context.Context, source domain.Source, externalIDs []string) error {
	if len(externalIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE clientsync_raw_contacts SET processed_at = NOW()
		WHERE id IN (
			SELECT id FROM clientsync_raw_contacts
			WHERE source = $1 AND external_id = ANY($2)
			FOR UPDATE SKIP LOCKED
		)
	`, source, pq.Array(externalIDs))
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// NextUnprocessed claims up to limit pending records for the source,
// oldest fetch first. The claim stamps processed_at in the same
// statement, so repeated calls never hand the same row to two workers;
// a claimed row whose merge fails goes back to pending on its next
// re-fetch (payload upsert clears processed_at).
func (r *StagingRepo) NextUnprocessed(ctx context.Context, source domain.Source, limit int) ([]domain.RawContactRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		UPDATE clientsync_raw_contacts SET processed_at = NOW()
		WHERE id IN (
			SELECT id FROM clientsync_raw_contacts
			WHERE source = $1 AND processed_at IS NULL
			ORDER BY fetched_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, source, external_id, payload, contact, fetched_at, COALESCE(sync_run_id::text, ''), processed_at
	`, source, limit)
	if err != nil {
		return nil, fmt.Errorf("claim unprocessed: %w", err)
	}
	defer rows.Close()

	var out []domain.RawContactRecord
	for rows.Next() {
		var (
			rec     domain.RawContactRecord
			payload []byte
			contact []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Source, &rec.ExternalID, &payload, &contact, &rec.FetchedAt, &rec.SyncRunID, &rec.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan claimed record: %w", err)
		}
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal(contact, &rec.Contact); err != nil {
			return nil, fmt.Errorf("unmarshal contact %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountPending returns how many records for the source still await merge.
func (r *StagingRepo) CountPending(ctx context.Context, source domain.Source) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM clientsync_raw_contacts
		WHERE source = $1 AND processed_at IS NULL
	`, source).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// PurgeProcessed deletes processed staging rows older than the cutoff,
// at most batch rows per call so housekeeping never holds long locks.
func (r *StagingRepo) PurgeProcessed(ctx context.Context, olderThan time.Time, batch int) (int64, error) {
	if batch <= 0 {
		batch = 10000
	}
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM clientsync_raw_contacts
		WHERE id IN (
			SELECT id FROM clientsync_raw_contacts
			WHERE processed_at IS NOT NULL AND processed_at < $1
			LIMIT $2
		)
	`, olderThan, batch)
	if err != nil {
		return 0, fmt.Errorf("purge staging: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
