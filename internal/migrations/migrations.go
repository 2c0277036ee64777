// Package migrations manages the engine database schema.
package migrations

import (
	"database/sql"
	"fmt"
)

// Migration represents a single database migration
type Migration struct {
	Version int
	Name    string
	Up      string
}

// AllMigrations contains all database migrations in order
var AllMigrations = []Migration{
	{
		Version: 1,
		Name:    "Create run, iteration and history tables",
		Up: `
			CREATE TABLE IF NOT EXISTS runs (
				id TEXT PRIMARY KEY,
				collection_id TEXT NOT NULL,
				team_id TEXT NOT NULL,
				status TEXT NOT NULL,
				started_at DATETIME NOT NULL,
				completed_at DATETIME,
				iteration_count INTEGER NOT NULL DEFAULT 0,
				requests_total INTEGER NOT NULL DEFAULT 0,
				requests_passed INTEGER NOT NULL DEFAULT 0,
				requests_failed INTEGER NOT NULL DEFAULT 0,
				assertions_total INTEGER NOT NULL DEFAULT 0,
				assertions_passed INTEGER NOT NULL DEFAULT 0,
				assertions_failed INTEGER NOT NULL DEFAULT 0,
				duration_ms INTEGER NOT NULL DEFAULT 0
			);

			CREATE TABLE IF NOT EXISTS run_iterations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id TEXT NOT NULL,
				iteration INTEGER NOT NULL,
				request_id TEXT NOT NULL,
				request_name TEXT,
				method TEXT NOT NULL,
				url TEXT NOT NULL,
				status INTEGER NOT NULL,
				duration_ms INTEGER NOT NULL,
				size INTEGER NOT NULL DEFAULT 0,
				passed INTEGER NOT NULL DEFAULT 0,
				skipped INTEGER NOT NULL DEFAULT 0,
				assertions TEXT,
				error TEXT
			);

			CREATE TABLE IF NOT EXISTS history (
				id TEXT PRIMARY KEY,
				timestamp DATETIME NOT NULL,
				request_name TEXT,
				method TEXT NOT NULL,
				url TEXT NOT NULL,
				headers TEXT NOT NULL,
				body TEXT,
				response_status INTEGER NOT NULL,
				response_headers TEXT NOT NULL,
				response_body TEXT,
				duration_ms INTEGER NOT NULL,
				size INTEGER NOT NULL DEFAULT 0,
				error TEXT
			);

			CREATE INDEX IF NOT EXISTS idx_iterations_run ON run_iterations(run_id);
			CREATE INDEX IF NOT EXISTS idx_runs_collection ON runs(collection_id);
			CREATE INDEX IF NOT EXISTS idx_history_timestamp ON history(timestamp DESC);
		`,
	},
	{
		Version: 2,
		Name:    "Create variable tables",
		Up: `
			CREATE TABLE IF NOT EXISTS variables (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				scope TEXT NOT NULL,
				owner_id TEXT NOT NULL,
				key TEXT NOT NULL,
				value TEXT NOT NULL,
				enabled INTEGER NOT NULL DEFAULT 1,
				secret INTEGER NOT NULL DEFAULT 0,
				UNIQUE(scope, owner_id, key)
			);

			CREATE INDEX IF NOT EXISTS idx_variables_owner ON variables(scope, owner_id);
		`,
	},
}

// Run applies all pending migrations to the database
func Run(db *sql.DB) error {
	if err := ensureVersionTable(db); err != nil {
		return err
	}

	current, err := currentVersion(db)
	if err != nil {
		return err
	}

	for _, migration := range AllMigrations {
		if migration.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", migration.Version, err)
		}

		if _, err := tx.Exec(migration.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration %d (%s): %w", migration.Version, migration.Name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, migration.Version, migration.Name); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

func ensureVersionTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func currentVersion(db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read migration version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
