// Command migrate applies the SQL files under migrations/ in name
// order, once each. Applied versions are recorded in
// clientsync_schema_migrations so re-runs are no-ops, and the whole
// pass runs under an advisory lock so two deploys cannot race the
// schema.
//
// Usage:
//
//	migrate [dir]     apply pending migrations (default dir: migrations)
//	migrate --list    show clientsync tables and applied versions
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"

	"github.com/ignite/clientsync/internal/pkg/distlock"
)

const ledgerDDL = `
CREATE TABLE IF NOT EXISTS clientsync_schema_migrations (
    version    TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	dir := "migrations"
	listOnly := false
	for _, a := range os.Args[1:] {
		if a == "--list" {
			listOnly = true
		} else {
			dir = a
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("ping: %v", err)
	}

	if listOnly {
		list(ctx, db)
		return
	}

	// One migration pass at a time. The advisory lock is session-scoped,
	// so a crashed run frees it with its connection.
	lock := distlock.NewPGAdvisoryLock(db, "clientsync:lock:migrate")
	ok, err := lock.Acquire(ctx)
	if err != nil {
		log.Fatalf("migration lock: %v", err)
	}
	if !ok {
		log.Fatal("another migration run is in progress")
	}
	defer lock.Release(ctx)

	if _, err := db.ExecContext(ctx, ledgerDDL); err != nil {
		log.Fatalf("migration ledger: %v", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		log.Fatalf("read ledger: %v", err)
	}

	files, err := pendingFiles(dir, applied)
	if err != nil {
		log.Fatal(err)
	}
	if len(files) == 0 {
		log.Println("Schema up to date")
		return
	}

	for _, f := range files {
		if err := apply(ctx, db, dir, f); err != nil {
			log.Fatalf("%s: %v", f, err)
		}
		log.Printf("  %s OK", f)
	}
	log.Printf("Applied %d migrations", len(files))
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM clientsync_schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func pendingFiles(dir string, applied map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") || applied[name] {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

// apply runs one migration file and records it in the ledger inside the
// same transaction, so a half-applied file never counts as done.
func apply(ctx context.Context, db *sql.DB, dir, name string) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(data)) == "" {
		return fmt.Errorf("empty migration file")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, string(data)); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO clientsync_schema_migrations (version) VALUES ($1)", name); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func list(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, "SELECT tablename FROM pg_tables WHERE schemaname='public' AND tablename LIKE 'clientsync_%' ORDER BY tablename")
	if err != nil {
		log.Fatal(err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var t string
		rows.Scan(&t)
		fmt.Println(" ", t)
		n++
	}
	fmt.Printf("Total: %d tables\n", n)

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		// Ledger missing on a fresh database.
		return
	}
	versions := make([]string, 0, len(applied))
	for v := range applied {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	fmt.Printf("Applied migrations: %d\n", len(versions))
	for _, v := range versions {
		fmt.Println(" ", v)
	}
}
