// Package store persists sessions, messages, agents, cron jobs, and
// execution history in a single SQLite schema.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/myrmex-ai/myrmex/internal/config"
	"github.com/myrmex-ai/myrmex/internal/observability"
)

// Sentinel errors returned by store operations.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session has ended")
	ErrSessionActive   = errors.New("session is active")
	ErrAgentNotFound   = errors.New("agent not found")
	ErrJobNotFound     = errors.New("cron job not found")
	ErrRateLimited     = errors.New("session creation rate limit exceeded")
)

// defaultContextWindow is the session context window applied when neither
// the caller nor configuration picks one.
const defaultContextWindow = 50

// Store wraps the database handle and the in-process session creation rate
// limiter.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	// contextWindow is the default window for new sessions.
	contextWindow int

	// createLimit caps session creations per minute. Zero disables it.
	createLimit int
	limitMu     sync.Mutex
	createTimes []time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithCreateRateLimit caps session creations per minute.
func WithCreateRateLimit(n int) Option {
	return func(s *Store) { s.createLimit = n }
}

// WithContextWindow sets the default context window for new sessions.
func WithContextWindow(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.contextWindow = n
		}
	}
}

// Open opens (creating if needed) the SQLite database and applies the
// schema.
func Open(cfg config.DatabaseConfig, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		cfg.Path, cfg.BusyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	s := New(db, opts...)
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle. Callers own migration; Open is the
// normal entry point, New exists for tests.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:            db,
		logger:        slog.Default().With("component", "store"),
		now:           time.Now,
		contextWindow: defaultContextWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity and refreshes the connection gauge.
func (s *Store) Ping(ctx context.Context) error {
	err := s.db.PingContext(ctx)
	observability.DBConnections.Set(float64(s.db.Stats().OpenConnections))
	return err
}

// observe records one query's latency.
func (s *Store) observe(op, table string, start time.Time) {
	observability.DBQueryDuration.WithLabelValues(op, table).Observe(s.now().Sub(start).Seconds())
}

// checkCreateLimit enforces the per-process session creation budget with a
// sliding one-minute window.
func (s *Store) checkCreateLimit() error {
	if s.createLimit <= 0 {
		return nil
	}
	s.limitMu.Lock()
	defer s.limitMu.Unlock()

	now := s.now()
	cutoff := now.Add(-time.Minute)
	kept := s.createTimes[:0]
	for _, t := range s.createTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.createTimes = kept
	if len(s.createTimes) >= s.createLimit {
		return ErrRateLimited
	}
	s.createTimes = append(s.createTimes, now)
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id             TEXT PRIMARY KEY,
		agent_id       TEXT NOT NULL,
		type           TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'active',
		title          TEXT NOT NULL DEFAULT '',
		model          TEXT NOT NULL DEFAULT '',
		temperature    REAL NOT NULL DEFAULT 0,
		max_tokens     INTEGER NOT NULL DEFAULT 0,
		context_window INTEGER NOT NULL DEFAULT 50,
		system_prompt  TEXT NOT NULL DEFAULT '',
		message_count  INTEGER NOT NULL DEFAULT 0,
		total_tokens   INTEGER NOT NULL DEFAULT 0,
		total_cost     REAL NOT NULL DEFAULT 0,
		metadata       TEXT NOT NULL DEFAULT '{}',
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL,
		ended_at       TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id            TEXT PRIMARY KEY,
		session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role          TEXT NOT NULL,
		content       TEXT NOT NULL DEFAULT '',
		thinking      TEXT NOT NULL DEFAULT '',
		tool_calls    TEXT,
		tool_call_id  TEXT NOT NULL DEFAULT '',
		tool_name     TEXT NOT NULL DEFAULT '',
		model         TEXT NOT NULL DEFAULT '',
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost          REAL NOT NULL DEFAULT 0,
		latency_ms    INTEGER NOT NULL DEFAULT 0,
		created_at    TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS agents (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		model          TEXT NOT NULL DEFAULT '',
		system_prompt  TEXT NOT NULL DEFAULT '',
		focus          TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT 'idle',
		pheromone      REAL NOT NULL DEFAULT 0.5,
		failure_count  INTEGER NOT NULL DEFAULT 0,
		last_active_at TIMESTAMP,
		session_id     TEXT NOT NULL DEFAULT '',
		current_task   TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS cron_jobs (
		id           TEXT PRIMARY KEY,
		schedule     TEXT NOT NULL,
		agent_id     TEXT NOT NULL,
		enabled      INTEGER NOT NULL DEFAULT 1,
		payload_type TEXT NOT NULL DEFAULT 'prompt',
		payload      TEXT NOT NULL DEFAULT '',
		session_mode TEXT NOT NULL DEFAULT 'isolated',
		max_duration INTEGER NOT NULL DEFAULT 0,
		retry_count  INTEGER NOT NULL DEFAULT 0,
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS job_executions (
		id          TEXT PRIMARY KEY,
		job_id      TEXT NOT NULL,
		status      TEXT NOT NULL,
		started_at  TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		result      TEXT NOT NULL DEFAULT '',
		error       TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_executions_job ON job_executions(job_id, started_at DESC)`,

	`CREATE TABLE IF NOT EXISTS pheromone_observations (
		id         TEXT PRIMARY KEY,
		agent_id   TEXT NOT NULL,
		task       TEXT NOT NULL DEFAULT '',
		success    INTEGER NOT NULL,
		score      REAL NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pheromone_agent ON pheromone_observations(agent_id, created_at DESC)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
