// Package store opens the broadcaster's single SQLite database, shared by
// the settings and queue packages, and runs its forward-only schema
// migrations. Grounded on plexTuner's sql.Open("sqlite", ...) idiom, using
// modernc.org/sqlite (a pure-Go, CGo-free driver) so the broadcaster binary
// stays a single static executable.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrStoreLocked names the condition of a write failing under concurrent
// contention (the animator's tick loop and a settings write racing each
// other). No function in this package returns it: callers detect the
// condition with IsLocked, and their policy is to log and skip that tick's
// write rather than fail outright.
var ErrStoreLocked = errors.New("store: database is locked")

// IsLocked reports whether err came from SQLite reporting the database
// busy/locked. modernc.org/sqlite
// surfaces this as a plain string-bearing error rather than a typed one, so
// detection is substring-based, matching the driver's own error text.
func IsLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// schemaVersion is the version recorded in the schema_version table's
// single row once migrations have run. When the stored version is lower,
// every statement in migrations runs again in one transaction (each is
// written to be idempotent) and the stored version is set to schemaVersion.
const schemaVersion = 1

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS settings (
		key VARCHAR(200) PRIMARY KEY,
		value VARCHAR(200),
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS playlist_videos (
		playlist_video_id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		url TEXT NOT NULL,
		thumbnail TEXT,
		title TEXT,
		duration VARCHAR(20),
		status VARCHAR(20) NOT NULL,
		channel VARCHAR(100) NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		is_skip_requested INTEGER NOT NULL DEFAULT 0,
		settings TEXT DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS status_idx ON playlist_videos (status, priority DESC, playlist_video_id ASC)`,
}

// Open opens (creating if necessary) the SQLite database at path and brings
// its schema up to date.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite serializes writers at the file level; a single open connection
	// avoids SQLITE_BUSY storms under the queue's tick loop and settings
	// writes racing each other.
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("store: create schema_version: %w", err)
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`)
	switch err := row.Scan(&current); err {
	case sql.ErrNoRows:
		current = 0
	case nil:
	default:
		return fmt.Errorf("store: read schema_version: %w", err)
	}

	if current >= schemaVersion {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin migration tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range migrations {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}

	if current == 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("store: record schema_version: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version = ?`, schemaVersion); err != nil {
			return fmt.Errorf("store: update schema_version: %w", err)
		}
	}

	return tx.Commit()
}
