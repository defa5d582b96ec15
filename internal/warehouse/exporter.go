// Package warehouse ships finished sync run summaries to Snowflake so
// the analytics side can trend sync health without touching the
// operational database. Export failures are logged and swallowed; the
// warehouse is downstream of the sync, never in its critical path.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/snowflakedb/gosnowflake" // Snowflake driver

	"github.com/ignite/clientsync/internal/domain"
	"github.com/ignite/clientsync/internal/pkg/logger"
)

// Config holds Snowflake connection settings.
type Config struct {
	Account   string
	User      string
	Password  string
	Database  string
	Schema    string
	Warehouse string
}

// Enabled reports whether enough settings are present to connect.
func (c Config) Enabled() bool {
	return c.Account != "" && c.User != "" && c.Database != ""
}

// Exporter writes run summaries into SYNC_RUN_SUMMARIES.
type Exporter struct {
	db *sql.DB
}

// NewExporter opens a pooled Snowflake connection.
// DSN format: user:password@account/database/schema?warehouse=xxx
func NewExporter(cfg Config) (*Exporter, error) {
	dsn := fmt.Sprintf("%s:%s@%s/%s/%s",
		cfg.User,
		cfg.Password,
		cfg.Account,
		cfg.Database,
		cfg.Schema,
	)
	if cfg.Warehouse != "" {
		dsn += "?warehouse=" + cfg.Warehouse
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snowflake connection: %w", err)
	}

	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Exporter{db: db}, nil
}

// Close closes the warehouse connection.
func (e *Exporter) Close() error {
	if e.db != nil {
		return e.db.Close()
	}
	return nil
}

// Ping tests the warehouse connection.
func (e *Exporter) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

// ExportRun writes one finished run's summary row. Failures log and
// return the error for the caller to ignore; a run is never failed
// because its summary did not export.
func (e *Exporter) ExportRun(ctx context.Context, run *domain.SyncRun) error {
	completedAt := time.Time{}
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}
	errMsg := ""
	if run.ErrorMessage != nil {
		errMsg = *run.ErrorMessage
	}

	_, err := e.db.ExecContext(ctx, `
		INSERT INTO SYNC_RUN_SUMMARIES
			(RUN_ID, SOURCE, STATUS, STARTED_AT, COMPLETED_AT,
			 FETCHED, INSERTED, UPDATED, SKIPPED, CONFLICTS, FAILED, ERROR_MESSAGE)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, string(run.Source), string(run.Status), run.StartedAt, completedAt,
		run.Counters.Fetched, run.Counters.Inserted, run.Counters.Updated,
		run.Counters.Skipped, run.Counters.Conflicts, run.Counters.Failed, errMsg)
	if err != nil {
		logger.Warn("warehouse export failed", "run_id", run.ID, "source", string(run.Source), "error", err.Error())
		return fmt.Errorf("export run summary: %w", err)
	}
	return nil
}
