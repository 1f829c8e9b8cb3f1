package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
)

// Migration represents a database schema migration
type Migration struct {
	SQL         string
	Description string
	Version     int
}

// migrations is the registry of all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with membership, rules, daemon params and stats tables",
		SQL: `
			CREATE TABLE IF NOT EXISTS schema_version (
				version INTEGER PRIMARY KEY,
				applied_at DATETIME NOT NULL
			);

			CREATE TABLE IF NOT EXISTS membership (
				matchclass TEXT NOT NULL,
				domain TEXT NOT NULL,
				family INTEGER NOT NULL,
				PRIMARY KEY (matchclass, domain, family)
			) WITHOUT ROWID;

			CREATE TABLE IF NOT EXISTS rules (
				matchclass TEXT NOT NULL,
				qtype TEXT NOT NULL,
				ip TEXT NOT NULL,
				PRIMARY KEY (matchclass, qtype)
			) WITHOUT ROWID;

			CREATE TABLE IF NOT EXISTS daemon_params (
				daemon_id TEXT NOT NULL,
				param TEXT NOT NULL,
				seq INTEGER NOT NULL,
				value TEXT NOT NULL,
				PRIMARY KEY (daemon_id, param, seq)
			) WITHOUT ROWID;

			CREATE TABLE IF NOT EXISTS stats (
				daemon_id TEXT NOT NULL,
				name TEXT NOT NULL,
				value INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (daemon_id, name)
			) WITHOUT ROWID;
		`,
	},
	{
		Version:     2,
		Description: "Add family index for matchclass summaries",
		SQL: `
			CREATE INDEX IF NOT EXISTS idx_membership_matchclass_family ON membership(matchclass, family);
		`,
	},
}

// getMigrations returns all migrations sorted by version
func getMigrations() []Migration {
	result := make([]Migration, len(migrations))
	copy(result, migrations)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})
	return result
}

// getCurrentVersion returns the current schema version from the database.
// Returns 0 if schema_version table doesn't exist (fresh database).
func getCurrentVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(`
		SELECT 1 FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}
	return version, nil
}

// applyMigration applies a single migration within a transaction
func applyMigration(db *sql.DB, migration Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO schema_version (version, applied_at)
		VALUES (?, CURRENT_TIMESTAMP)
	`, migration.Version); err != nil {
		return fmt.Errorf("failed to record migration version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// runMigrations applies all pending migrations in order. Each migration runs
// in its own transaction, so a failure leaves the schema at the last
// successful version.
func runMigrations(db *sql.DB) error {
	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if err := applyMigration(db, migration); err != nil {
			return fmt.Errorf(
				"failed to apply migration v%d (%s): %w",
				migration.Version,
				migration.Description,
				err,
			)
		}
	}
	return nil
}
