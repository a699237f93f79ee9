package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaVersion = 1

// schemaStatements are executed in order to create the database schema.
// All use IF NOT EXISTS for idempotent re-application.
//
// Indexes match the claim and scan paths: status filtering, claim ordering
// (priority DESC, created_at ASC), zombie scans on lease_expires_at, and
// worker attribution.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id               TEXT PRIMARY KEY,
		type             TEXT    NOT NULL,
		status           TEXT    NOT NULL DEFAULT 'pending',
		input            TEXT    NOT NULL DEFAULT '{}',
		output           TEXT,
		priority         INTEGER NOT NULL DEFAULT 0,
		scheduled_at     TEXT,
		retry_count      INTEGER NOT NULL DEFAULT 0,
		max_retries      INTEGER NOT NULL DEFAULT 3,
		error_message    TEXT    NOT NULL DEFAULT '',
		worker_id        TEXT    NOT NULL DEFAULT '',
		heartbeat_at     TEXT,
		lease_expires_at TEXT,
		created_at       TEXT    NOT NULL,
		started_at       TEXT,
		completed_at     TEXT
	)`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority DESC, created_at ASC)`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_lease_expires ON jobs(lease_expires_at)`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_worker ON jobs(worker_id)`,
}

// migrate creates or updates the database schema to the latest version.
// All DDL uses IF NOT EXISTS, making migration idempotent.
func migrate(db *sql.DB) error {
	ctx := context.TODO()

	// Ensure schema_version table exists first.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("sqlite: create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("sqlite: read schema version: %w", err)
	}

	if current >= schemaVersion {
		return nil
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w\nstatement: %s", err, stmt)
		}
	}

	if _, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("sqlite: record schema version: %w", err)
	}

	return nil
}
