package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/clientsync/internal/domain"
)

// TransactionRepo stores canonical payment records keyed by
// (source, payment_key).
type TransactionRepo struct{ db *sql.DB }

// NewTransactionRepo creates a Postgres-backed transaction repository.
func NewTransactionRepo(db *sql.DB) *TransactionRepo { return &TransactionRepo{db: db} }

// Upsert stores a transaction if its (source, payment_key) is new.
// Returns inserted=false when the row already existed, which callers
// use to skip re-crediting the amount against the client's lifetime
// total.
func (r *TransactionRepo) Upsert(ctx context.Context, t *domain.Transaction) (inserted bool, err error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO clientsync_transactions
			(id, source, payment_key, client_id, email, amount_cents, currency, status, occurred_at, sync_run_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (source, payment_key) DO NOTHING
	`, t.ID, t.Source, t.PaymentKey, t.ClientID, t.Email,
		t.AmountCents, t.Currency, t.Status, t.OccurredAt, nullString(t.SyncRunID))
	if err != nil {
		return false, fmt.Errorf("upsert transaction: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// LinkClient backfills client_id on transactions that arrived before
// their owner's identity existed, matching by email.
func (r *TransactionRepo) LinkClient(ctx context.Context, clientID, email string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE clientsync_transactions SET client_id = $1
		WHERE client_id IS NULL AND email = $2
	`, clientID, email)
	if err != nil {
		return 0, fmt.Errorf("link transactions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListByClient returns a client's transactions, newest first.
func (r *TransactionRepo) ListByClient(ctx context.Context, clientID string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, source, payment_key, client_id, email, amount_cents, currency, status,
		       occurred_at, COALESCE(sync_run_id::text, ''), created_at
		FROM clientsync_transactions
		WHERE client_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(
			&t.ID, &t.Source, &t.PaymentKey, &t.ClientID, &t.Email,
			&t.AmountCents, &t.Currency, &t.Status, &t.OccurredAt, &t.SyncRunID, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SummarizeSince aggregates settled revenue per source from the given
// time, for the dashboard status endpoint.
func (r *TransactionRepo) SummarizeSince(ctx context.Context, since time.Time) (map[domain.Source]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT source, COALESCE(SUM(amount_cents), 0)
		FROM clientsync_transactions
		WHERE occurred_at >= $1
		GROUP BY source
	`, since)
	if err != nil {
		return nil, fmt.Errorf("summarize transactions: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Source]int64)
	for rows.Next() {
		var src domain.Source
		var cents int64
		if err := rows.Scan(&src, &cents); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		out[src] = cents
	}
	return out, rows.Err()
}
