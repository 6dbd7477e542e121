// Package store is the durable single-writer SQLite store shared by the
// session event bus and the three pipeline queues (§4.1).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schemaVersion = 1

// Sentinel errors forming the error taxonomy described in spec §7. Callers
// (internal/coordinator) translate these into HTTP status codes at the
// boundary rather than the store knowing about HTTP.
var (
	ErrNotFound      = errors.New("not found")
	ErrStateConflict = errors.New("not in claimed state")
	ErrValidation    = errors.New("validation failed")
)

// Store wraps a single-writer SQLite connection. All reads and writes for a
// process go through one *sql.DB with MaxOpenConns(1), matching the
// single-writer-per-process requirement (§4.1).
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns "<home>/.pushpals/pushpals.db" (§6 "Persisted state layout").
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".pushpals", "pushpals.db")
}

// Open opens (creating if necessary) the SQLite store at path, configures
// WAL + single-writer pragmas, and applies the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// Single writer per process (§4.1): one connection total avoids
	// SQLite-level write contention between goroutines sharing *Store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying connection for components (e.g. otelx) that need
// to register pool-size gauges; callers must not issue writes outside the
// operations defined on Store.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			cursor INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			id TEXT NOT NULL,
			ts DATETIME NOT NULL,
			type TEXT NOT NULL,
			envelope TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_cursor ON events(session_id, cursor);`,
		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			prompt TEXT NOT NULL,
			priority INTEGER NOT NULL,
			queue_wait_budget_ms INTEGER NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('pending','claimed','completed','failed')),
			agent_id TEXT,
			result TEXT,
			error TEXT,
			enqueued_at DATETIME NOT NULL,
			claimed_at DATETIME,
			completed_at DATETIME,
			failed_at DATETIME,
			duration_ms INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_requests_claim ON requests(status, priority, enqueued_at);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			kind TEXT NOT NULL,
			params TEXT NOT NULL,
			priority INTEGER NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('pending','claimed','completed','failed')),
			worker_id TEXT,
			summary TEXT,
			artifacts TEXT,
			error TEXT,
			message TEXT,
			detail TEXT,
			attempt_count INTEGER NOT NULL DEFAULT 1,
			enqueued_at DATETIME NOT NULL,
			claimed_at DATETIME,
			completed_at DATETIME,
			failed_at DATETIME,
			duration_ms INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority, enqueued_at);`,
		`CREATE TABLE IF NOT EXISTS job_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL REFERENCES jobs(id),
			stream TEXT NOT NULL CHECK(stream IN ('stdout','stderr')),
			seq INTEGER NOT NULL,
			message TEXT NOT NULL,
			ts DATETIME NOT NULL,
			UNIQUE(job_id, stream, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS workers (
			worker_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			current_job_id TEXT,
			docker INTEGER NOT NULL DEFAULT 0,
			labels TEXT NOT NULL DEFAULT '[]',
			executor_id TEXT NOT NULL DEFAULT '',
			poll_ms INTEGER NOT NULL DEFAULT 0,
			details TEXT NOT NULL DEFAULT '{}',
			last_heartbeat_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_workers_heartbeat ON workers(last_heartbeat_at);`,
		`CREATE TABLE IF NOT EXISTS completions (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			commit_sha TEXT NOT NULL,
			branch TEXT NOT NULL,
			message TEXT NOT NULL,
			pr_title TEXT,
			pr_body TEXT,
			status TEXT NOT NULL CHECK(status IN ('pending','claimed','processed','failed')),
			pusher_id TEXT,
			error TEXT,
			enqueued_at DATETIME NOT NULL,
			claimed_at DATETIME,
			completed_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_completions_claim ON completions(status, enqueued_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if maxVersion < schemaVersion {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES (?);`, schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	}

	return tx.Commit()
}

// retryOnBusy retries f when SQLite reports BUSY/LOCKED, using bounded
// exponential backoff with jitter. Grounded on the teacher's identically
// named helper (persistence/store.go); maxRetries=5 gives ~1.5s of extra
// wait on top of the driver's own 5s _busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// EnsureSession creates the session row if absent. Sessions are never
// deleted during process lifetime (§3 Session lifecycle).
func (s *Store) EnsureSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at) VALUES (?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO NOTHING;
	`, sessionID)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	return nil
}

// SessionExists reports whether a session row has been created.
func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?;`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	return true, nil
}
