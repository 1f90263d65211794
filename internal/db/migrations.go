package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS targets (
	target_id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	trigger_text TEXT NOT NULL CHECK(length(trigger_text) > 0),
	color TEXT NOT NULL DEFAULT '',
	confidence_threshold REAL NOT NULL CHECK(confidence_threshold > 0 AND confidence_threshold <= 1),
	shortcut TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active','inactive')),
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS patterns (
	pattern_id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	is_active INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pattern_targets (
	pattern_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY(pattern_id, target_id),
	FOREIGN KEY(pattern_id) REFERENCES patterns(pattern_id) ON DELETE CASCADE,
	FOREIGN KEY(target_id) REFERENCES targets(target_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS settings (
	id INTEGER PRIMARY KEY CHECK(id = 1),
	bridge_url TEXT NOT NULL,
	max_files_per_batch INTEGER NOT NULL CHECK(max_files_per_batch BETWEEN 1 AND 100),
	auto_reconnect INTEGER NOT NULL DEFAULT 1,
	sound_enabled INTEGER NOT NULL DEFAULT 1,
	theme TEXT NOT NULL DEFAULT 'dark' CHECK(theme IN ('dark','system')),
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS log_entries (
	entry_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL CHECK(kind IN ('info','success','warning','error','bridge')),
	message TEXT NOT NULL,
	logged_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS log_entries_logged_at
ON log_entries(logged_at DESC);
`,
		DownSQL: `
DROP INDEX IF EXISTS log_entries_logged_at;
DROP TABLE IF EXISTS log_entries;
DROP TABLE IF EXISTS settings;
DROP TABLE IF EXISTS pattern_targets;
DROP TABLE IF EXISTS patterns;
DROP TABLE IF EXISTS targets;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE INDEX IF NOT EXISTS log_entries_kind_logged_at
ON log_entries(kind, logged_at DESC);

CREATE INDEX IF NOT EXISTS pattern_targets_target_id
ON pattern_targets(target_id);
`,
		DownSQL: `
DROP INDEX IF EXISTS pattern_targets_target_id;
DROP INDEX IF EXISTS log_entries_kind_logged_at;
`,
	},
}

// ApplyMigrations brings db up to the latest schema. Each migration runs
// in its own transaction together with its schema_migrations record.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	done, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if done[m.Version] {
			continue
		}
		err := withTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`, m.Version, ts(time.Now()))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// RollbackAll undoes every migration, newest first.
func RollbackAll(ctx context.Context, db *sql.DB) error {
	for _, m := range slices.Backward(migrations) {
		if err := withTx(ctx, db, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, m.DownSQL)
			return err
		}); err != nil {
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()
	out := map[int]bool{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		out[v] = true
	}
	return out, rows.Err()
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
