package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/clientsync/internal/service/settings"
)

// SettingsRepo stores operator-facing settings as JSON values keyed by
// name. The migration seeds sync_paused=false.
type SettingsRepo struct{ db *sql.DB }

// NewSettingsRepo creates a Postgres-backed settings repository.
func NewSettingsRepo(db *sql.DB) *SettingsRepo { return &SettingsRepo{db: db} }

func (r *SettingsRepo) Get(ctx context.Context, key string) (json.RawMessage, error) {
	var val []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT value FROM clientsync_settings WHERE key = $1
	`, key).Scan(&val)
	if err == sql.ErrNoRows {
		return nil, settings.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get setting %s: %w", key, err)
	}
	return val, nil
}

func (r *SettingsRepo) Set(ctx context.Context, key string, value json.RawMessage) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO clientsync_settings (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, []byte(value))
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}
