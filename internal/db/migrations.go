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
		name:    "init_servers",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS servers (
				id TEXT PRIMARY KEY,
				owner_id TEXT NOT NULL,
				name TEXT NOT NULL,
				type TEXT NOT NULL,
				status TEXT NOT NULL,
				previous_status TEXT,
				external_id TEXT,
				ip_address TEXT,
				cpu INTEGER NOT NULL,
				memory_mb INTEGER NOT NULL,
				storage_gb INTEGER NOT NULL,
				bandwidth_gb INTEGER NOT NULL DEFAULT 0,
				price_monthly TEXT NOT NULL,
				expires_at TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_servers_owner ON servers(owner_id)`,
			`CREATE INDEX IF NOT EXISTS idx_servers_status ON servers(status)`,
			`CREATE INDEX IF NOT EXISTS idx_servers_expires ON servers(expires_at)`,
		},
	},
	{
		version: 2,
		name:    "add_activity_log",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS activity_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				server_id TEXT NOT NULL,
				actor_id TEXT NOT NULL,
				action TEXT NOT NULL,
				ts TEXT NOT NULL,
				source_address TEXT,
				details TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_activity_server ON activity_log(server_id)`,
		},
	},
	{
		version: 3,
		name:    "add_credits",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS credit_accounts (
				user_id TEXT PRIMARY KEY,
				balance TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS credit_transactions (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				amount TEXT NOT NULL,
				balance_after TEXT NOT NULL,
				reference TEXT,
				created_at TEXT NOT NULL,
				FOREIGN KEY(user_id) REFERENCES credit_accounts(user_id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions(user_id)`,
		},
	},
	{
		version: 4,
		name:    "add_server_reconciled_at",
		statements: []string{
			`ALTER TABLE servers ADD COLUMN reconciled_at TEXT`,
			`CREATE INDEX IF NOT EXISTS idx_servers_reconciled ON servers(reconciled_at)`,
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
	// Enable foreign key constraints in SQLite
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
//
// The schema_migrations table stores which migrations have been applied,
// ensuring each migration is only run once even if Migrate() is called
// multiple times.
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
//
// Queries the schema_migrations table to determine which migrations have
// already been run, returning them as a set for fast lookup.
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
// from the code, which would cause database schema drift. Returns an error
// if an applied migration version is not found in the defined migrations.
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
//
// Runs all SQL statements for the migration in order. If any statement
// fails, the transaction is rolled back. On success, records the migration
// in schema_migrations before committing. Returns an error on failure.
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
//
// Validates:
//   - At least one migration exists
//   - All version numbers are positive
//   - No duplicate version numbers
//   - Versions are in ascending order
//   - All migrations have names
//
// Returns an error if any validation fails.
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
