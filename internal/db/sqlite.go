package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteConfig struct {
	Path         string
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// OpenSQLite opens (or creates) the database file, applies WAL pragmas and runs any
// pending migrations.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*sql.DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 1
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON",
		cfg.Path,
		int(cfg.BusyTimeout.Milliseconds()),
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer connection serialises the conditional updates.
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA temp_store=MEMORY;",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

var sqliteMigrations = []string{
	1: `
CREATE TABLE IF NOT EXISTS slots (
  id              TEXT PRIMARY KEY,
  schedule_id     TEXT NOT NULL DEFAULT '',
  practitioner_id TEXT NOT NULL DEFAULT '',
  service_type    TEXT NOT NULL DEFAULT '',
  start_ns        INTEGER NOT NULL,
  end_ns          INTEGER NOT NULL,
  status          TEXT NOT NULL,
  version         INTEGER NOT NULL DEFAULT 1,
  updated_at_ns   INTEGER NOT NULL,
  CHECK (start_ns < end_ns)
);

CREATE INDEX IF NOT EXISTS idx_slots_status_start ON slots(status, start_ns);

CREATE TABLE IF NOT EXISTS appointments (
  id                  TEXT PRIMARY KEY,
  status              TEXT NOT NULL,
  slot_id             TEXT REFERENCES slots(id),
  slot_version        INTEGER NOT NULL DEFAULT 0,
  start_ns            INTEGER NOT NULL,
  end_ns              INTEGER NOT NULL,
  participants        TEXT NOT NULL,
  patient_id          TEXT NOT NULL DEFAULT '',
  practitioner_id     TEXT NOT NULL DEFAULT '',
  service_type        TEXT NOT NULL DEFAULT '',
  reason              TEXT NOT NULL DEFAULT '',
  cancellation_reason TEXT NOT NULL DEFAULT '',
  version             INTEGER NOT NULL DEFAULT 1,
  created_at_ns       INTEGER NOT NULL,
  last_modified_ns    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_appointments_slot ON appointments(slot_id);
CREATE INDEX IF NOT EXISTS idx_appointments_patient ON appointments(patient_id, start_ns);
`,
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at_ns INTEGER NOT NULL
);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var cur sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations;`).Scan(&cur); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for v := int(cur.Int64) + 1; v < len(sqliteMigrations); v++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, sqliteMigrations[v]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration v%d failed: %w", v, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at_ns) VALUES(?, ?);`, v, time.Now().UnixNano()); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
