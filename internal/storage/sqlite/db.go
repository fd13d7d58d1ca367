// Package sqlite persists the outbox and user preferences in a local SQLite file.
package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Schema is applied on every open.
const Schema = `
CREATE TABLE IF NOT EXISTS outbox_entries (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	session_id   TEXT NOT NULL,
	message_id   TEXT NOT NULL,
	payload      TEXT NOT NULL,
	status       TEXT NOT NULL,
	retry_count  INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	enqueued_at  TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	UNIQUE (session_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_outbox_entries_session ON outbox_entries(session_id, seq);

CREATE TABLE IF NOT EXISTS user_preferences (
	user_id     TEXT PRIMARY KEY,
	preferences TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
`

// DB wraps the connection shared by the stores.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn and applies the schema. ":memory:" is allowed.
func Open(dsn string) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite: dsn is required")
	}
	if path := pathFromDSN(dsn); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite 只支持单写者，单连接串行化写入；:memory: 也依赖单连接保证看到同一个库。
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close checkpoints the WAL and closes the connection.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	if _, err := d.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Printf("[sqlite] WAL checkpoint on close failed (non-fatal): %v", err)
	}
	return d.db.Close()
}

func pathFromDSN(dsn string) string {
	if strings.Contains(dsn, ":memory:") || strings.HasPrefix(dsn, "file::memory:") {
		return ""
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	return path
}
