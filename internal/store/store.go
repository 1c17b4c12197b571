// Package store persists all durable companion state in SQLite.
//
// One table per entity: stimuli, thoughts, expression attempts, the UI queue,
// critique log, reflections, consolidation log, patterns, predictions, reward
// signals, preference pairs, plans, plan steps, tool descriptors, tool
// executions, care state, tuned weights, plus the episodic
// adapter tables (conversations, emotions, calendar events, goals) that
// codelets and the consolidator read.
//
// All multi-row mutations that participate in invariants run inside a single
// transaction via WithTx. Embeddings are stored as JSON float arrays; when
// the sqlite-vec extension is available ANN search uses vec0, otherwise
// cosine similarity is computed in Go.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"companion/internal/logging"
)

// Store wraps the SQLite database.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	path      string
	vectorExt bool
}

// Open initializes the SQLite database at the given path.
func Open(path string) (*Store, error) {
	log := logging.Get(logging.CategoryStore)
	log.Infof("opening store at %s", path)

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debugf("pragma failed: %s: %v", pragma, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	s.detectVecExtension()
	if s.vectorExt {
		log.Infof("sqlite-vec extension detected, ANN search enabled")
	} else {
		log.Warnf("sqlite-vec extension not available, falling back to in-process cosine search")
	}

	return s, nil
}

// OpenMemory opens an in-memory store, used by tests.
func OpenMemory() (*Store, error) {
	return Open(":memory:")
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Get(logging.CategoryStore).Infof("closing store")
	return s.db.Close()
}

// DB returns the underlying connection for read-only diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a single transaction, committing on nil error and
// rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.Get(logging.CategoryStore).Errorf("rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Ping verifies the database still answers a trivial read.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// detectVecExtension probes for vec0 virtual table support.
func (s *Store) detectVecExtension() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

// HasVectorExt reports whether ANN search uses the vec0 extension.
func (s *Store) HasVectorExt() bool {
	return s.vectorExt
}

// Stats returns row counts per table for the status surface.
func (s *Store) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{
		"stimuli", "thoughts", "expression_attempts", "queued_expressions",
		"thought_critique_log", "reflections", "consolidation_log",
		"patterns", "predictions", "reward_signals", "preference_pairs",
		"plans", "plan_steps", "tool_descriptors", "tool_executions",
		"care_state", "conversations", "emotions",
	}
	for _, table := range tables {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			continue
		}
		stats[table] = count
	}
	return stats, nil
}
