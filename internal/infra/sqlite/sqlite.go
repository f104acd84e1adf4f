// Package sqlite is the local storage backend: imports, parsing runs, model
// outputs, staging rows and the budget ledger in one SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Store implements the import, staging and ledger repositories.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("Open: create database directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("Open: open database: %w", err)
	}
	// One connection serialises writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("Open: ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS imports (
		import_id       TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		checksum_sha256 TEXT NOT NULL,
		filename        TEXT NOT NULL DEFAULT '',
		mime_type       TEXT NOT NULL DEFAULT '',
		doc_type        TEXT NOT NULL,
		currency        TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		tier            TEXT NOT NULL DEFAULT '',
		archive_uri     TEXT NOT NULL DEFAULT '',
		ocr_text        TEXT NOT NULL DEFAULT '',
		extraction_json TEXT NOT NULL DEFAULT '',
		last_error      TEXT NOT NULL DEFAULT '',
		created_at      DATETIME NOT NULL,
		updated_at      DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_imports_user ON imports(user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS parsing_runs (
		run_id        TEXT PRIMARY KEY,
		import_id     TEXT NOT NULL REFERENCES imports(import_id),
		tier          TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		started_at    DATETIME NOT NULL,
		finished_at   DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_parsing_runs_import ON parsing_runs(import_id, started_at)`,
	`CREATE TABLE IF NOT EXISTS model_outputs (
		output_id  TEXT PRIMARY KEY,
		run_id     TEXT NOT NULL,
		import_id  TEXT NOT NULL,
		stage      TEXT NOT NULL,
		model_name TEXT NOT NULL DEFAULT '',
		raw_output TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS staging_transactions (
		staging_id   TEXT NOT NULL,
		import_id    TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		tx_date      TEXT,
		description  TEXT NOT NULL,
		merchant     TEXT NOT NULL DEFAULT '',
		amount       REAL NOT NULL,
		currency     TEXT NOT NULL DEFAULT '',
		tx_type      TEXT NOT NULL,
		category     TEXT,
		confidence   REAL NOT NULL,
		doc_type     TEXT NOT NULL,
		tier         TEXT NOT NULL DEFAULT '',
		needs_review INTEGER NOT NULL DEFAULT 0,
		created_at   DATETIME NOT NULL,
		updated_at   DATETIME NOT NULL,
		PRIMARY KEY (import_id, content_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS budget_ledger (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		version    INTEGER NOT NULL,
		state_json TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
}

// Migrate creates missing tables. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Migrate: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("Migrate: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Migrate: commit: %w", err)
	}
	return nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
