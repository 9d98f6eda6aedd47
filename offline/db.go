// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"
)

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdent(s string) bool { return identRe.MatchString(s) }

func quoteIdent(s string) string { return `"` + s + `"` }

// initializeDatabase creates the auxiliary sync tables and one table per entity.
func initializeDatabase(ctx context.Context, db *sql.DB, cfg *Config) error {
	db.SetMaxOpenConns(1)

	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS mutation_queue (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			action TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL,
			next_retry_at INTEGER NULL,
			last_error TEXT NULL,
			server_id TEXT NULL,
			payload_updated_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mutation_queue_entity ON mutation_queue(entity_type, entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_mutation_queue_status ON mutation_queue(status)`,
		`CREATE TABLE IF NOT EXISTS id_reconciliation_map (
			temp_id TEXT PRIMARY KEY,
			remote_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, e := range cfg.Entities {
		t := quoteIdent(e.Name)
		ddl = append(ddl,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				sync_status TEXT NOT NULL DEFAULT 'pending',
				is_deleted INTEGER NOT NULL DEFAULT 0,
				local_updated_at INTEGER NOT NULL,
				data TEXT NOT NULL
			)`, t),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(sync_status)`,
				quoteIdent("idx_"+e.Name+"_sync_status"), t),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(json_extract(data, '$.owner_id'))`,
				quoteIdent("idx_"+e.Name+"_owner_id"), t),
		)
		for _, fk := range cfg.foreignKeys(e.Name) {
			ddl = append(ddl, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(json_extract(data, '$.%s'))`,
				quoteIdent("idx_"+e.Name+"_"+fk), t, fk))
		}
	}

	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create sync schema: %w", err)
		}
	}
	return upgradeQueueSchema(ctx, db)
}

// upgradeQueueSchema adds payload_updated_at to queues created before the
// column existed, seeding it from updated_at.
func upgradeQueueSchema(ctx context.Context, db *sql.DB) error {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('mutation_queue') WHERE name = 'payload_updated_at'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to inspect mutation_queue: %w", err)
	}
	if n > 0 {
		return nil
	}
	stmts := []string{
		`ALTER TABLE mutation_queue ADD COLUMN payload_updated_at INTEGER NOT NULL DEFAULT 0`,
		`UPDATE mutation_queue SET payload_updated_at = updated_at`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to upgrade mutation_queue: %w", err)
		}
	}
	return nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
