// ABOUTME: Database schema migrations and version management.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// migration represents a single schema migration with version, name, and SQL statements.
type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "init_core_tables",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS stations (
				id TEXT PRIMARY KEY,
				callsign TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL,
				state TEXT NOT NULL,
				terminal_state TEXT NOT NULL,
				total_session_count INTEGER NOT NULL DEFAULT 0,
				total_session_duration_ms INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS lockers (
				id TEXT PRIMARY KEY,
				station_id TEXT NOT NULL,
				callsign TEXT NOT NULL UNIQUE,
				station_index INTEGER NOT NULL,
				locker_type TEXT NOT NULL,
				reported_state TEXT NOT NULL,
				total_session_count INTEGER NOT NULL DEFAULT 0,
				total_session_duration_ms INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				FOREIGN KEY(station_id) REFERENCES stations(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				station_id TEXT NOT NULL,
				locker_id TEXT NOT NULL,
				state TEXT NOT NULL,
				payment_method TEXT,
				websocket_token TEXT NOT NULL,
				timeout_count INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				concluded_at TEXT,
				active_duration_ms INTEGER NOT NULL DEFAULT 0,
				total_duration_ms INTEGER NOT NULL DEFAULT 0,
				FOREIGN KEY(station_id) REFERENCES stations(id) ON DELETE CASCADE,
				FOREIGN KEY(locker_id) REFERENCES lockers(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				task_type TEXT NOT NULL,
				target TEXT NOT NULL,
				state TEXT NOT NULL,
				session_id TEXT NOT NULL,
				station_id TEXT NOT NULL,
				locker_id TEXT,
				queued_state TEXT,
				timeout_states TEXT,
				expiration_window_ms INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				activated_at TEXT,
				expires_at TEXT,
				completed_at TEXT,
				FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE,
				FOREIGN KEY(station_id) REFERENCES stations(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS snapshots (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL,
				state TEXT NOT NULL,
				ts TEXT NOT NULL,
				FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_lockers_station ON lockers(station_id)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_locker ON sessions(locker_id)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_token ON sessions(websocket_token)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_station_state ON tasks(station_id, state)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_expires ON tasks(expires_at)`,
			`CREATE INDEX IF NOT EXISTS idx_snapshots_session ON snapshots(session_id)`,
		},
	},
}

// Migrate runs any pending migrations against the provided database.
//
// This function:
//   - Enables foreign key constraints
//   - Validates migration definitions (no duplicates, ordered versions)
//   - Ensures schema_migrations table exists
//   - Loads previously applied migration versions
//   - Verifies applied migrations are still known
//   - Applies any pending migrations in transaction
//
// Migrations are applied in version order. Each migration runs in a
// separate transaction for atomicity. Returns an error if any step fails.
func Migrate(db *sql.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := validateMigrations(); err != nil {
		return err
	}
	if err := ensureSchemaMigrations(db); err != nil {
		return err
	}
	applied, err := loadAppliedVersions(db)
	if err != nil {
		return err
	}
	if err := verifyKnownMigrations(applied); err != nil {
		return err
	}
	for _, m := range migrations {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
	}
	return nil
}

// ensureSchemaMigrations creates the schema_migrations tracking table if it doesn't exist.
func ensureSchemaMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// loadAppliedVersions returns a set of migration versions that have been applied.
func loadAppliedVersions(db *sql.DB) (map[int]struct{}, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[int]struct{})
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

// verifyKnownMigrations ensures all applied migrations still exist in the codebase.
//
// This prevents a scenario where a migration was applied but then removed
// from the code, which would cause database schema drift.
func verifyKnownMigrations(applied map[int]struct{}) error {
	known := make(map[int]struct{}, len(migrations))
	for _, m := range migrations {
		known[m.version] = struct{}{}
	}
	for version := range applied {
		if _, ok := known[version]; !ok {
			return fmt.Errorf("unknown schema migration version %d", version)
		}
	}
	return nil
}

// applyMigration executes a single migration within a transaction.
func applyMigration(db *sql.DB, m migration) error {
	if len(m.statements) == 0 {
		return fmt.Errorf("migration %d has no statements", m.version)
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	for _, stmt := range m.statements {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		if _, err := tx.Exec(trimmed); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %d: %w", m.version, err)
		}
	}
	appliedAt := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`, m.version, m.name, appliedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

// validateMigrations checks that all migrations are properly defined.
func validateMigrations() error {
	if len(migrations) == 0 {
		return errors.New("no migrations defined")
	}
	seen := make(map[int]struct{}, len(migrations))
	prev := 0
	for _, m := range migrations {
		if m.version <= 0 {
			return fmt.Errorf("migration version must be positive: %d", m.version)
		}
		if _, ok := seen[m.version]; ok {
			return fmt.Errorf("duplicate migration version %d", m.version)
		}
		if m.version < prev {
			return fmt.Errorf("migration version %d is out of order", m.version)
		}
		if strings.TrimSpace(m.name) == "" {
			return fmt.Errorf("migration %d missing name", m.version)
		}
		seen[m.version] = struct{}{}
		prev = m.version
	}
	return nil
}
