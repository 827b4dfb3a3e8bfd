// Package sqlite provides a SQLite-backed relational store.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/memoryx/memoryx/pkg/storage/sqlstore"
)

// Driver implements storage.Store using SQLite.
type Driver struct {
	*sqlstore.SQLStore
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS memories (
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		content TEXT NOT NULL,
		encrypted INTEGER NOT NULL DEFAULT 0,
		category TEXT NOT NULL DEFAULT 'other',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		source_ids TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_owner ON memories (user_id, project_id)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		dedup_key TEXT NOT NULL DEFAULT '',
		payload BLOB,
		result BLOB,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_dedup ON tasks (dedup_key, created_at)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL UNIQUE,
		agent_type TEXT NOT NULL DEFAULT '',
		agent_name TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT '',
		tier TEXT NOT NULL DEFAULT 'free',
		api_key_hash TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS quota_counters (
		user_id TEXT NOT NULL,
		day TEXT NOT NULL,
		searches_used INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, day)
	)`,
	`CREATE TABLE IF NOT EXISTS memory_counters (
		user_id TEXT PRIMARY KEY,
		memories_used INTEGER NOT NULL DEFAULT 0
	)`,
}

// NewDriver creates a new SQLite-backed store.
// The dbPath can be a file path or ":memory:" for an in-memory database.
func NewDriver(dbPath string) (*Driver, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database exists per connection; the pool must not
	// fan out.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// SQLite-specific pragmas
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &Driver{SQLStore: sqlstore.New(db, sqlstore.DialectSQLite)}, nil
}
