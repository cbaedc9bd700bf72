// Package store is the storage façade for an agent instance: a typed SQL
// executor over an embedded sqlite database, plus bootstrap of the tables an
// agent owns. Schema and concurrency discipline follow the single-writer
// embedded-store idiom (one *sql.DB, MaxOpenConns(1), WAL journal).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Store owns the agent's embedded SQL database and bootstraps its tables.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// bootstraps every table an agent instance owns. An empty path opens an
// in-memory database, which is convenient for tests and for short-lived
// agent instances that do not need to survive a process restart.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file::memory:?cache=shared&_busy_timeout=5000&_foreign_keys=on"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// The agent's event loop is single-threaded cooperative; one
	// writer connection removes any need for SQLITE_BUSY retry loops on our
	// own traffic, while _busy_timeout still absorbs external contention
	// (e.g. a concurrent `sqlite3` CLI inspection).
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.bootstrap(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}
	return nil
}

// schema is the set of tables an agent instance owns.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS cf_agents_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		value BLOB,
		ever_written INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE TABLE IF NOT EXISTS cf_agents_queues (
		id TEXT PRIMARY KEY,
		callback TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS cf_agents_schedules (
		id TEXT PRIMARY KEY,
		callback TEXT NOT NULL,
		payload TEXT,
		kind TEXT NOT NULL CHECK (kind IN ('one-shot','delayed','cron')),
		time INTEGER NOT NULL,
		delay INTEGER,
		cron_expr TEXT,
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS cf_agents_tasks (
		id TEXT PRIMARY KEY,
		method TEXT NOT NULL,
		input TEXT,
		status TEXT NOT NULL CHECK (status IN ('pending','running','completed','failed','aborted')),
		result TEXT,
		error TEXT,
		progress INTEGER,
		timeout_ms INTEGER,
		deadline_at INTEGER,
		queue_id TEXT,
		retries INTEGER NOT NULL DEFAULT 0,
		workflow_instance_id TEXT,
		workflow_binding TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	);`,
	`CREATE INDEX IF NOT EXISTS idx_cf_agents_tasks_status ON cf_agents_tasks(status);`,
	`CREATE TABLE IF NOT EXISTS cf_agents_task_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL REFERENCES cf_agents_tasks(id),
		type TEXT NOT NULL,
		data TEXT,
		timestamp INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_cf_agents_task_events_task ON cf_agents_task_events(task_id);`,
	`CREATE TABLE IF NOT EXISTS cf_agents_mcp_servers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		server_url TEXT NOT NULL,
		callback_url TEXT,
		client_id TEXT,
		auth_url TEXT,
		server_options TEXT
	);`,
}

func (s *Store) bootstrap(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bootstrap tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return tx.Commit()
}

// DB exposes the underlying handle for packages that need raw transaction
// control (e.g. task tracker multi-row updates).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Exec runs a statement with no typed result, for mutation-only calls.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// Query runs query and maps every row through scan, returning the ordered
// slice of results: positional placeholders only, call-site-typed results.
func Query[T any](ctx context.Context, s *Store, scan func(*sql.Rows) (T, error), query string, args ...any) ([]T, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// QueryRow runs query and scans at most one row, reporting ok=false if no row matched.
func QueryRow[T any](ctx context.Context, s *Store, scan func(*sql.Row) (T, error), query string, args ...any) (T, bool, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	v, err := scan(row)
	if err == sql.ErrNoRows {
		var zero T
		return zero, false, nil
	}
	if err != nil {
		var zero T
		return zero, false, err
	}
	return v, true, nil
}

// Destroy drops every table this agent owns and closes the database handle.
// Called from the agent's destroy() lifecycle.
func (s *Store) Destroy(ctx context.Context) error {
	tables := []string{
		"cf_agents_state", "cf_agents_queues", "cf_agents_schedules",
		"cf_agents_task_events", "cf_agents_tasks", "cf_agents_mcp_servers",
	}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s;", t)); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return s.db.Close()
}

// Close closes the database handle without dropping tables (hibernation).
func (s *Store) Close() error {
	return s.db.Close()
}
