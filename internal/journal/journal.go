// Package journal keeps a persistent history of commands, notifications and
// file transfers in SQLite. It implements comms.Recorder.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite journal database.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the journal database at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// The manager records from several goroutines.
	sqlDB.SetMaxOpenConns(1)
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	j := &DB{db: sqlDB, path: path}
	if err := j.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the database.
func (j *DB) Close() error {
	return j.db.Close()
}

// Path returns the path to the journal database file.
func (j *DB) Path() string {
	return j.path
}

func (j *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		text TEXT NOT NULL,
		status TEXT NOT NULL,
		marker INTEGER NOT NULL DEFAULT 0,
		issued_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS received (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		text TEXT NOT NULL,
		received_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		bytes_sent INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		queued_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_commands_device ON commands(device_id);
	CREATE INDEX IF NOT EXISTS idx_transfers_device ON transfers(device_id);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
