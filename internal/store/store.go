// Package store owns all durable state: tasks, proposals, decisions,
// agent records, metrics and the event audit log, on a single SQLite file.
// Rows never leave the package as shared mutable objects; every read
// returns a fresh snapshot.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Typed store errors. ErrConflict is retryable by the caller with
// refreshed state; everything else wrapping a driver error is a StorageError.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflicting state")
	ErrDuplicateDecision = errors.New("task already has a decision")
	ErrInvalid           = errors.New("invalid value")
)

// Store wraps the SQLite handle. Access is serialized through the
// connection pool; multi-statement operations run in one transaction.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the database file and applies the schema
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(4)

	s := &Store{db: db, logger: logger}
	if err := s.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close releases the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

// init creates tables and indexes
func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT,
			type TEXT NOT NULL,
			complexity INTEGER NOT NULL CHECK (complexity BETWEEN 1 AND 10),
			risk INTEGER NOT NULL CHECK (risk BETWEEN 1 AND 10),
			strategy TEXT,
			created_by TEXT,
			assignees TEXT,
			status TEXT NOT NULL DEFAULT 'PENDING',
			role TEXT NOT NULL DEFAULT 'EXECUTION',
			round INTEGER NOT NULL DEFAULT 0,
			parent_id TEXT,
			result_summary TEXT,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			due_at TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);

		CREATE TABLE IF NOT EXISTS proposals (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			agent_id TEXT NOT NULL,
			input_type TEXT NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			confidence REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			revision_of TEXT,
			superseded INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_proposals_active
			ON proposals(task_id, agent_id) WHERE superseded = 0;
		CREATE INDEX IF NOT EXISTS idx_proposals_task ON proposals(task_id);

		CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL UNIQUE REFERENCES tasks(id) ON DELETE CASCADE,
			strategy TEXT NOT NULL,
			consensus INTEGER NOT NULL DEFAULT 0,
			winner_id TEXT,
			runner_ups TEXT,
			content TEXT,
			confidence REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
			total_tokens INTEGER NOT NULL DEFAULT 0,
			tokens_saved INTEGER NOT NULL DEFAULT 0 CHECK (tokens_saved >= 0),
			partial INTEGER NOT NULL DEFAULT 0,
			rationale TEXT,
			decided_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			type TEXT,
			name TEXT,
			capabilities TEXT,
			status TEXT NOT NULL DEFAULT 'OFFLINE',
			latency_ema REAL NOT NULL DEFAULT 0,
			last_probe TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS task_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			changed_by TEXT,
			reason TEXT,
			changed_at TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_history_task ON task_history(task_id);

		CREATE TABLE IF NOT EXISTS metrics_timeseries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			tags TEXT,
			value REAL NOT NULL,
			ts TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_metrics_name_ts ON metrics_timeseries(name, ts);

		CREATE TABLE IF NOT EXISTS events_log (
			seq INTEGER PRIMARY KEY,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			topic TEXT NOT NULL,
			task_id TEXT,
			agent_id TEXT,
			payload TEXT,
			created_at TIMESTAMP NOT NULL
		)
	`)
	return err
}

// inTx runs fn inside a transaction, rolling back on error
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
