package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/clientsync/internal/domain"
	"github.com/ignite/clientsync/internal/service/merge"
)

// ConflictRepo lists and resolves merge conflicts. Writes go through
// ClientRepo.RecordConflict during the merge itself.
type ConflictRepo struct{ db *sql.DB }

// NewConflictRepo creates a Postgres-backed conflict repository.
func NewConflictRepo(db *sql.DB) *ConflictRepo { return &ConflictRepo{db: db} }

// ListOpen returns unresolved conflicts, oldest first so the backlog
// drains in arrival order.
func (r *ConflictRepo) ListOpen(ctx context.Context, limit, offset int) ([]domain.MergeConflict, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, status, source, external_id, email, phone,
		       COALESCE(email_client_id::text, ''), COALESCE(phone_client_id::text, ''),
		       fields, created_at, resolved_at
		FROM clientsync_merge_conflicts
		WHERE status = 'open'
		ORDER BY created_at
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []domain.MergeConflict
	for rows.Next() {
		var mc domain.MergeConflict
		var fields []byte
		if err := rows.Scan(
			&mc.ID, &mc.Status, &mc.Source, &mc.ExternalID, &mc.Email, &mc.Phone,
			&mc.EmailClientID, &mc.PhoneClientID, &fields, &mc.CreatedAt, &mc.ResolvedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &mc.Fields); err != nil {
				return nil, fmt.Errorf("decode conflict fields: %w", err)
			}
		}
		out = append(out, mc)
	}
	return out, rows.Err()
}

// Resolve marks an open conflict resolved. Resolution of the underlying
// identities happens out-of-band; this just closes the ticket.
func (r *ConflictRepo) Resolve(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE clientsync_merge_conflicts
		SET status = 'resolved', resolved_at = NOW()
		WHERE id = $1 AND status = 'open'
	`, id)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return merge.ErrNotFound
	}
	return nil
}

// PurgeResolved deletes resolved conflicts older than the cutoff, in
// bounded batches.
func (r *ConflictRepo) PurgeResolved(ctx context.Context, olderThan time.Time, batch int) (int64, error) {
	if batch <= 0 {
		batch = 10000
	}
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM clientsync_merge_conflicts
		WHERE id IN (
			SELECT id FROM clientsync_merge_conflicts
			WHERE status = 'resolved' AND resolved_at < $1
			LIMIT $2
		)
	`, olderThan, batch)
	if err != nil {
		return 0, fmt.Errorf("purge conflicts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
