// Package storage persists finalized runs to SQLite. A run is written in
// one transaction: either the whole run becomes visible to readers or
// none of it does.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY,
	job_id TEXT NOT NULL,
	branch TEXT NOT NULL DEFAULT '',
	commit_hash TEXT NOT NULL DEFAULT '',
	differential_id TEXT NOT NULL DEFAULT '',
	timestamp TEXT NOT NULL,
	bucket_size INTEGER NOT NULL,
	store_unused_models INTEGER NOT NULL DEFAULT 0,
	analyzer_metadata TEXT NOT NULL DEFAULT '{}',
	new_count INTEGER NOT NULL DEFAULT 0,
	existing_count INTEGER NOT NULL DEFAULT 0
)`

const createSharedTextsTable = `
CREATE TABLE IF NOT EXISTS shared_texts (
	id INTEGER PRIMARY KEY,
	run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	handle INTEGER NOT NULL,
	text TEXT NOT NULL,
	UNIQUE(run_id, handle)
)`

const createModelsTable = `
CREATE TABLE IF NOT EXISTS models (
	id INTEGER PRIMARY KEY,
	run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	callable INTEGER NOT NULL,
	file INTEGER NOT NULL DEFAULT 0,
	line INTEGER NOT NULL DEFAULT 0,
	UNIQUE(run_id, callable)
)`

const createConditionsTable = `
CREATE TABLE IF NOT EXISTS conditions (
	id INTEGER PRIMARY KEY,
	run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	callable INTEGER NOT NULL,
	direction TEXT NOT NULL CHECK (direction IN ('pre', 'post')),
	kind INTEGER NOT NULL,
	port INTEGER NOT NULL,
	distance INTEGER NOT NULL,
	annotations TEXT NOT NULL DEFAULT '[]'
)`

const createTraceFramesTable = `
CREATE TABLE IF NOT EXISTS trace_frames (
	id INTEGER PRIMARY KEY,
	run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	frame_id INTEGER NOT NULL,
	caller INTEGER NOT NULL,
	callee INTEGER NOT NULL,
	kind INTEGER NOT NULL,
	port INTEGER NOT NULL,
	distance INTEGER NOT NULL,
	UNIQUE(run_id, frame_id)
)`

const createIssuesTable = `
CREATE TABLE IF NOT EXISTS issues (
	id INTEGER PRIMARY KEY,
	run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	callable INTEGER NOT NULL,
	message INTEGER NOT NULL DEFAULT 0,
	code INTEGER NOT NULL DEFAULT 0,
	file INTEGER NOT NULL DEFAULT 0,
	line INTEGER NOT NULL DEFAULT 0,
	source_kinds TEXT NOT NULL DEFAULT '[]',
	sink_kinds TEXT NOT NULL DEFAULT '[]',
	handle TEXT NOT NULL,
	partial INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL CHECK (status IN ('new', 'existing'))
)`

const createIssueFramesTable = `
CREATE TABLE IF NOT EXISTS issue_frames (
	issue_id INTEGER NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
	frame_id INTEGER NOT NULL,
	direction TEXT NOT NULL CHECK (direction IN ('forward', 'backward')),
	PRIMARY KEY (issue_id, frame_id, direction)
)`

const createResolvedIssuesTable = `
CREATE TABLE IF NOT EXISTS resolved_issues (
	run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	handle TEXT NOT NULL,
	PRIMARY KEY (run_id, handle)
)`

var schemaIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_issues_run ON issues(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_issues_handle ON issues(handle)`,
	`CREATE INDEX IF NOT EXISTS idx_frames_run ON trace_frames(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_models_run ON models(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_texts_run ON shared_texts(run_id)`,
}

// Open opens (or creates) the run store at path with foreign keys enabled
// and the schema in place.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := CreateSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// CreateSchema creates all tables and indexes inside one transaction.
func CreateSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer tx.Rollback() // Safe to call even after commit

	tables := []struct {
		name string
		ddl  string
	}{
		{"runs", createRunsTable},
		{"shared_texts", createSharedTextsTable},
		{"models", createModelsTable},
		{"conditions", createConditionsTable},
		{"trace_frames", createTraceFramesTable},
		{"issues", createIssuesTable},
		{"issue_frames", createIssueFramesTable},
		{"resolved_issues", createResolvedIssuesTable},
	}
	for _, table := range tables {
		if _, err := tx.Exec(table.ddl); err != nil {
			return fmt.Errorf("failed to create %s table: %w", table.name, err)
		}
	}
	for i, idx := range schemaIndexes {
		if _, err := tx.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema transaction: %w", err)
	}
	return nil
}
