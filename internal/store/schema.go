package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Dialect selects SQL syntax differences between the supported databases.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// members.last_log_id is the head pointer the conditional append compares
// against; it is deliberately not a foreign key so the head can be moved in
// the same transaction that inserts the entry.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS members (
		id                TEXT PRIMARY KEY,
		first_name        TEXT NOT NULL,
		middle_name       TEXT NOT NULL DEFAULT '',
		last_name         TEXT NOT NULL,
		external_id       TEXT NOT NULL UNIQUE,
		role              TEXT NOT NULL DEFAULT 'member',
		qr_payload        TEXT NOT NULL DEFAULT '',
		profile_image_url TEXT NOT NULL DEFAULT '',
		badge_url         TEXT NOT NULL DEFAULT '',
		last_log_id       TEXT,
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS lab_logs (
		seq         BIGSERIAL PRIMARY KEY,
		id          TEXT NOT NULL UNIQUE,
		member_id   TEXT NOT NULL REFERENCES members(id),
		action      TEXT NOT NULL CHECK (action IN ('IN', 'OUT')),
		recorded_at TIMESTAMPTZ NOT NULL,
		recorded_by TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_lab_logs_member ON lab_logs (member_id, seq DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_lab_logs_time ON lab_logs (recorded_at DESC)`,
	`CREATE TABLE IF NOT EXISTS stations (
		station_id    TEXT PRIMARY KEY,
		registered_at TIMESTAMPTZ NOT NULL,
		last_seen_at  TIMESTAMPTZ NOT NULL
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS members (
		id                TEXT PRIMARY KEY,
		first_name        TEXT NOT NULL,
		middle_name       TEXT NOT NULL DEFAULT '',
		last_name         TEXT NOT NULL,
		external_id       TEXT NOT NULL UNIQUE,
		role              TEXT NOT NULL DEFAULT 'member',
		qr_payload        TEXT NOT NULL DEFAULT '',
		profile_image_url TEXT NOT NULL DEFAULT '',
		badge_url         TEXT NOT NULL DEFAULT '',
		last_log_id       TEXT,
		created_at        DATETIME NOT NULL,
		updated_at        DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS lab_logs (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL UNIQUE,
		member_id   TEXT NOT NULL REFERENCES members(id),
		action      TEXT NOT NULL CHECK (action IN ('IN', 'OUT')),
		recorded_at DATETIME NOT NULL,
		recorded_by TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_lab_logs_member ON lab_logs (member_id, seq DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_lab_logs_time ON lab_logs (recorded_at DESC)`,
	`CREATE TABLE IF NOT EXISTS stations (
		station_id    TEXT PRIMARY KEY,
		registered_at DATETIME NOT NULL,
		last_seen_at  DATETIME NOT NULL
	)`,
}

func migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	stmts := sqliteSchema
	if d == Postgres {
		stmts = postgresSchema
	}
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s step %d: %w", d, i, err)
		}
	}
	return nil
}
