package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/clientsync/internal/domain"
	"github.com/ignite/clientsync/internal/service/merge"
)

// ClientRepo implements merge.Repository against PostgreSQL. Partial
// unique indexes on email and phone back the atomicity contract for
// Insert.
type ClientRepo struct{ db *sql.DB }

// NewClientRepo creates a Postgres-backed client identity repository.
func NewClientRepo(db *sql.DB) *ClientRepo { return &ClientRepo{db: db} }

const clientColumns = `id, email, phone, full_name, lifecycle_stage, payment_status,
       total_paid_cents, tags, whatsapp_opt_in, sms_opt_in, email_opt_in,
       acquisition_source, external_ids, last_sync_at, created_at, updated_at`

func (r *ClientRepo) FindByEmail(ctx context.Context, email string) (*domain.ClientIdentity, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+clientColumns+` FROM clientsync_clients WHERE email = $1
	`, email)
	return scanClient(row)
}

func (r *ClientRepo) FindByPhone(ctx context.Context, phone string) (*domain.ClientIdentity, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+clientColumns+` FROM clientsync_clients WHERE phone = $1
	`, phone)
	return scanClient(row)
}

func (r *ClientRepo) FindByExternalID(ctx context.Context, source domain.Source, externalID string) (*domain.ClientIdentity, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+clientColumns+` FROM clientsync_clients
		WHERE external_ids->>$1 = $2
	`, string(source), externalID)
	return scanClient(row)
}

func (r *ClientRepo) Get(ctx context.Context, id string) (*domain.ClientIdentity, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+clientColumns+` FROM clientsync_clients WHERE id = $1
	`, id)
	return scanClient(row)
}

func (r *ClientRepo) Insert(ctx context.Context, c *domain.ClientIdentity) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	ext, err := json.Marshal(c.ExternalIDs)
	if err != nil {
		return fmt.Errorf("marshal external ids: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO clientsync_clients
			(id, email, phone, full_name, lifecycle_stage, payment_status,
			 total_paid_cents, tags, whatsapp_opt_in, sms_opt_in, email_opt_in,
			 acquisition_source, external_ids, last_sync_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW(), NOW())
	`, c.ID, c.Email, c.Phone, c.FullName, c.Stage, c.PaymentStatus,
		c.TotalPaidCents, pq.Array(c.Tags), c.OptIns.WhatsApp, c.OptIns.SMS, c.OptIns.Email,
		c.AcquisitionSource, ext)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return merge.ErrDuplicateKey
		}
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

func (r *ClientRepo) Update(ctx context.Context, c *domain.ClientIdentity) error {
	ext, err := json.Marshal(c.ExternalIDs)
	if err != nil {
		return fmt.Errorf("marshal external ids: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE clientsync_clients SET
			email              = $2,
			phone              = $3,
			full_name          = $4,
			lifecycle_stage    = $5,
			payment_status     = $6,
			total_paid_cents   = $7,
			tags               = $8,
			whatsapp_opt_in    = $9,
			sms_opt_in         = $10,
			email_opt_in       = $11,
			acquisition_source = $12,
			external_ids       = $13,
			last_sync_at       = NOW(),
			updated_at         = NOW()
		WHERE id = $1
	`, c.ID, c.Email, c.Phone, c.FullName, c.Stage, c.PaymentStatus,
		c.TotalPaidCents, pq.Array(c.Tags), c.OptIns.WhatsApp, c.OptIns.SMS, c.OptIns.Email,
		c.AcquisitionSource, ext)
	if err != nil {
		return fmt.Errorf("update client: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return merge.ErrNotFound
	}
	return nil
}

func (r *ClientRepo) RecordConflict(ctx context.Context, mc *domain.MergeConflict) error {
	if mc.ID == "" {
		mc.ID = uuid.New().String()
	}
	fields, err := json.Marshal(mc.Fields)
	if err != nil {
		return fmt.Errorf("marshal conflict fields: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO clientsync_merge_conflicts
			(id, status, source, external_id, email, phone, email_client_id, phone_client_id, fields, created_at)
		VALUES ($1, 'open', $2, $3, $4, $5, $6, $7, $8, NOW())
	`, mc.ID, mc.Source, mc.ExternalID, mc.Email, mc.Phone,
		nullString(mc.EmailClientID), nullString(mc.PhoneClientID), fields)
	if err != nil {
		return fmt.Errorf("record conflict: %w", err)
	}
	return nil
}

// Count returns the total number of client identities.
func (r *ClientRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clientsync_clients`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count clients: %w", err)
	}
	return n, nil
}

// List returns clients ordered by most recent sync activity.
func (r *ClientRepo) List(ctx context.Context, limit, offset int) ([]domain.ClientIdentity, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+clientColumns+` FROM clientsync_clients
		ORDER BY last_sync_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var out []domain.ClientIdentity
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanClient(row rowScanner) (*domain.ClientIdentity, error) {
	c := &domain.ClientIdentity{}
	var ext []byte
	err := row.Scan(
		&c.ID, &c.Email, &c.Phone, &c.FullName, &c.Stage, &c.PaymentStatus,
		&c.TotalPaidCents, pq.Array(&c.Tags), &c.OptIns.WhatsApp, &c.OptIns.SMS, &c.OptIns.Email,
		&c.AcquisitionSource, &ext, &c.LastSyncAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, merge.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan client: %w", err)
	}
	if len(ext) > 0 {
		if err := json.Unmarshal(ext, &c.ExternalIDs); err != nil {
			return nil, fmt.Errorf("decode external ids: %w", err)
		}
	}
	return c, nil
}
