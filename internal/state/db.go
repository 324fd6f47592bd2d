// Package state provides SQLite-based persistence for the runtime: agent
// sessions, objectives, their dependency edges, and crash records. The
// database lives under the runtime directory (~/.zmcp/data/zmcp.db).
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps an SQLite database connection with runtime-specific operations.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// RuntimeDir returns the root of the runtime directory. ZMCP_HOME
// overrides the default of ~/.zmcp.
func RuntimeDir() string {
	if dir := os.Getenv("ZMCP_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".zmcp")
}

// DefaultDBPath returns the path to the runtime database.
func DefaultDBPath() string {
	return filepath.Join(RuntimeDir(), "data", "zmcp.db")
}

// Open opens an SQLite database at the given path.
// It creates the parent directories if they don't exist.
// WAL mode is enabled for concurrent reads.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// OpenDefault opens the runtime database at its default location.
func OpenDefault() (*DB, error) {
	return Open(DefaultDBPath())
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Sessions},
		{2, migrationV2Objectives},
		{3, migrationV3Dependencies},
		{4, migrationV4CrashRecords},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Migration SQL statements
const migrationV1Sessions = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	repository_path TEXT NOT NULL,
	agent_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'initializing',
	pid INTEGER NOT NULL DEFAULT 0,
	process_title TEXT,
	last_heartbeat DATETIME NOT NULL,
	capabilities TEXT,
	metadata TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_repository ON sessions(repository_path);
`

const migrationV2Objectives = `
CREATE TABLE IF NOT EXISTS objectives (
	id TEXT PRIMARY KEY,
	repository_path TEXT NOT NULL,
	type TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	assigned_agent_id TEXT,
	parent_objective_id TEXT,
	priority INTEGER NOT NULL DEFAULT 0,
	requirements TEXT,
	results TEXT,
	blocked_reason TEXT,
	prev_status TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_objectives_status ON objectives(status);
CREATE INDEX IF NOT EXISTS idx_objectives_repository ON objectives(repository_path);
CREATE INDEX IF NOT EXISTS idx_objectives_assigned ON objectives(assigned_agent_id);
CREATE INDEX IF NOT EXISTS idx_objectives_parent ON objectives(parent_objective_id);
`

const migrationV3Dependencies = `
CREATE TABLE IF NOT EXISTS objective_dependencies (
	objective_id TEXT NOT NULL,
	depends_on_id TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT 'completion',
	created_at DATETIME NOT NULL,
	PRIMARY KEY (objective_id, depends_on_id),
	FOREIGN KEY (objective_id) REFERENCES objectives(id) ON DELETE CASCADE,
	FOREIGN KEY (depends_on_id) REFERENCES objectives(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_dependencies_depends_on ON objective_dependencies(depends_on_id);
`

const migrationV4CrashRecords = `
CREATE TABLE IF NOT EXISTS crash_records (
	id TEXT PRIMARY KEY,
	timestamp DATETIME NOT NULL,
	phase TEXT NOT NULL,
	category TEXT NOT NULL,
	error_summary TEXT NOT NULL,
	error_detail TEXT,
	affected_session_ids TEXT,
	affected_objective_ids TEXT
);

CREATE INDEX IF NOT EXISTS idx_crash_records_timestamp ON crash_records(timestamp);
`

// Exec executes a query that doesn't return rows.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRow(query, args...)
}

// Transaction runs the given function within a transaction.
func (db *DB) Transaction(fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
