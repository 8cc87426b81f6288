package storage

import (
	"context"
	"fmt"
)

// Timestamps are stored as unix nanoseconds so both drivers compare them
// numerically. A NULL event time marks events that arrived without one.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS usage_records (
		seq               BIGSERIAL PRIMARY KEY,
		id                UUID NOT NULL,
		dedup_key         TEXT NOT NULL UNIQUE,
		partition_key     TEXT NOT NULL,
		source_position   TEXT NOT NULL,
		identity_key      TEXT NOT NULL,
		event_time_ns     BIGINT,
		status_code       INTEGER NOT NULL DEFAULT 0,
		operation         TEXT,
		model             TEXT,
		prompt_tokens     BIGINT,
		completion_tokens BIGINT,
		total_tokens      BIGINT,
		token_mismatch    BOOLEAN NOT NULL DEFAULT FALSE,
		raw_request       TEXT NOT NULL DEFAULT '',
		raw_response      TEXT NOT NULL DEFAULT '',
		response_present  BOOLEAN NOT NULL DEFAULT FALSE,
		metadata          JSONB,
		created_at_ns     BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_records_identity_time ON usage_records (identity_key, event_time_ns)`,
	`CREATE TABLE IF NOT EXISTS pipeline_checkpoints (
		partition_key TEXT PRIMARY KEY,
		source_position TEXT NOT NULL,
		updated_at_ns BIGINT NOT NULL
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS usage_records (
		seq               INTEGER PRIMARY KEY AUTOINCREMENT,
		id                TEXT NOT NULL,
		dedup_key         TEXT NOT NULL UNIQUE,
		partition_key     TEXT NOT NULL,
		source_position   TEXT NOT NULL,
		identity_key      TEXT NOT NULL,
		event_time_ns     INTEGER,
		status_code       INTEGER NOT NULL DEFAULT 0,
		operation         TEXT,
		model             TEXT,
		prompt_tokens     INTEGER,
		completion_tokens INTEGER,
		total_tokens      INTEGER,
		token_mismatch    BOOLEAN NOT NULL DEFAULT 0,
		raw_request       TEXT NOT NULL DEFAULT '',
		raw_response      TEXT NOT NULL DEFAULT '',
		response_present  BOOLEAN NOT NULL DEFAULT 0,
		metadata          TEXT,
		created_at_ns     INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_records_identity_time ON usage_records (identity_key, event_time_ns)`,
	`CREATE TABLE IF NOT EXISTS pipeline_checkpoints (
		partition_key TEXT PRIMARY KEY,
		source_position TEXT NOT NULL,
		updated_at_ns INTEGER NOT NULL
	)`,
}

// Migrate creates the schema if it does not exist
func (db *DB) Migrate(ctx context.Context) error {
	stmts := postgresSchema
	if db.driver == DriverSQLite {
		stmts = sqliteSchema
	}
	for _, stmt := range stmts {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}
