// Package store opens the relational database and applies schema
// migrations. Repositories in other packages share the *sql.DB it returns.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the sqlite database at path. Use
// ":memory:" for tests.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		path += "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database exists per connection; keep the pool at one so
	// every query sees the same schema.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{db}, nil
}

// Migrate applies all schema migrations. Statements are idempotent.
func (db *DB) Migrate() error {
	migrations := []string{
		migrationTemplates,
		migrationTemplateLocales,
		migrationMessages,
		migrationWebhookEvents,
		migrationSuppressions,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// IsUniqueViolation reports whether err is a sqlite unique or primary key
// constraint failure. Repositories resolve idempotency and dedupe races by
// catching this after the insert, never by pre-checking.
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

const migrationTemplates = `
CREATE TABLE IF NOT EXISTS templates (
    id TEXT PRIMARY KEY,
    key TEXT UNIQUE NOT NULL,
    name TEXT NOT NULL,
    category TEXT,
    variables TEXT,
    structure TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_templates_key ON templates(key);
`

const migrationTemplateLocales = `
CREATE TABLE IF NOT EXISTS template_locales (
    template_id TEXT NOT NULL REFERENCES templates(id) ON DELETE CASCADE,
    locale TEXT NOT NULL,
    structure TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (template_id, locale)
);
`

const migrationMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    idempotency_key TEXT UNIQUE NOT NULL,
    recipients TEXT NOT NULL,
    sender TEXT NOT NULL,
    template_key TEXT NOT NULL,
    locale TEXT NOT NULL,
    variables TEXT NOT NULL,
    metadata TEXT,
    webhook_url TEXT,
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    provider TEXT,
    provider_message_id TEXT,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_idempotency_key ON messages(idempotency_key);
CREATE INDEX IF NOT EXISTS idx_messages_provider_message_id ON messages(provider_message_id);
CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
`

const migrationWebhookEvents = `
CREATE TABLE IF NOT EXISTS webhook_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tracking_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    event_ts DATETIME NOT NULL,
    details TEXT,
    applied INTEGER NOT NULL DEFAULT 0,
    received_at DATETIME NOT NULL,
    UNIQUE (tracking_id, event_type, event_ts)
);
`

const migrationSuppressions = `
CREATE TABLE IF NOT EXISTS suppressions (
    address TEXT PRIMARY KEY,
    reason TEXT,
    created_at DATETIME NOT NULL
);
`
