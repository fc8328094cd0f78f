// Package state manages the SQLite database that tracks sync metadata between
// Google Calendar and the row Store: sync configurations, event mappings, the
// sync audit log and per-config run leases.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_configs (
    id                     TEXT    PRIMARY KEY,
    connection_id          TEXT    NOT NULL,
    owner_id               TEXT    NOT NULL DEFAULT '',
    provider_calendar_id   TEXT    NOT NULL,
    provider_calendar_name TEXT    NOT NULL DEFAULT '',
    target_schema_id       TEXT    NOT NULL DEFAULT '',
    direction              TEXT    NOT NULL DEFAULT 'from_provider',
    cursor_token           TEXT    NOT NULL DEFAULT '',
    last_run_at            TEXT    NOT NULL DEFAULT '',
    display_color          TEXT    NOT NULL DEFAULT '',
    enabled                INTEGER NOT NULL DEFAULT 1
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_configs_calendar
    ON sync_configs (connection_id, provider_calendar_id);
CREATE INDEX IF NOT EXISTS idx_sync_configs_schema ON sync_configs (target_schema_id);

CREATE TABLE IF NOT EXISTS event_mappings (
    id                   TEXT PRIMARY KEY,
    sync_config_id       TEXT NOT NULL,
    target_schema_id     TEXT NOT NULL,
    store_row_id         TEXT NOT NULL,
    provider_event_id    TEXT NOT NULL,
    provider_calendar_id TEXT NOT NULL,
    sync_status          TEXT NOT NULL DEFAULT 'synced',
    provider_updated_at  TEXT NOT NULL DEFAULT '',
    last_error           TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_event_mappings_event
    ON event_mappings (provider_event_id, provider_calendar_id);
CREATE INDEX IF NOT EXISTS idx_event_mappings_row    ON event_mappings (target_schema_id, store_row_id);
CREATE INDEX IF NOT EXISTS idx_event_mappings_config ON event_mappings (sync_config_id);

CREATE TABLE IF NOT EXISTS sync_logs (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    sync_config_id TEXT    NOT NULL,
    direction      TEXT    NOT NULL,
    status         TEXT    NOT NULL,
    created        INTEGER NOT NULL DEFAULT 0,
    updated        INTEGER NOT NULL DEFAULT 0,
    deleted        INTEGER NOT NULL DEFAULT 0,
    skipped        INTEGER NOT NULL DEFAULT 0,
    errors         TEXT    NOT NULL DEFAULT '[]',
    completed_at   TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_logs_config ON sync_logs (sync_config_id, id);

CREATE TABLE IF NOT EXISTS leases (
    key        TEXT PRIMARY KEY,
    holder     TEXT    NOT NULL,
    expires_at INTEGER NOT NULL
);
`

// Store is the SQLite-backed state repository.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sqlx.DB) error {
	_, err := db.Exec(schema)
	return err
}

// --- helpers -----------------------------------------------------------------

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
