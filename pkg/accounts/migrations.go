package accounts

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/idsync/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all account schema migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create accounts table",
			SQL: `
				CREATE TABLE IF NOT EXISTS accounts (
					id VARCHAR(255) PRIMARY KEY,
					registered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					status VARCHAR(16) NOT NULL,
					attempts INT NOT NULL DEFAULT 0,
					last_attempt_at TIMESTAMPTZ,
					failure_reason TEXT,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CHECK (status IN ('pending', 'active', 'failed')),
					CHECK (attempts >= 0)
				);

				CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status);
			`,
		},
		{
			Version:     2,
			Description: "Create reconciliation_issues table",
			SQL: `
				CREATE TABLE IF NOT EXISTS reconciliation_issues (
					id UUID PRIMARY KEY,
					identity_id VARCHAR(255) NOT NULL,
					username VARCHAR(255) NOT NULL,
					operation VARCHAR(64) NOT NULL,
					detail TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_reconciliation_issues_created_at ON reconciliation_issues(created_at);
			`,
		},
	}
}

// RunMigrations applies pending migrations, each in its own transaction.
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idsync_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM idsync_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		log := logger.WithFields(map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
		})
		log.Info("Running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO idsync_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
		log.Info("Migration completed")
	}

	return nil
}
