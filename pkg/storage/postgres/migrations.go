package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the entitlement schema migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create tenant_licenses table",
			SQL: `
				CREATE TABLE IF NOT EXISTS tenant_licenses (
					tenant_id VARCHAR(255) PRIMARY KEY,
					plan VARCHAR(50) NOT NULL,
					features TEXT[] NOT NULL DEFAULT '{}',
					limits JSONB NOT NULL DEFAULT '{}',
					status VARCHAR(20) NOT NULL,
					valid_until TIMESTAMPTZ NOT NULL,
					grace_period_days INT,
					upgrade_target TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_tenant_licenses_status ON tenant_licenses(status);
			`,
		},
		{
			Version:     2,
			Description: "Create usage_counters table",
			SQL: `
				CREATE TABLE IF NOT EXISTS usage_counters (
					tenant_id VARCHAR(255) NOT NULL,
					feature VARCHAR(255) NOT NULL,
					period CHAR(7) NOT NULL,
					count BIGINT NOT NULL DEFAULT 0 CHECK (count >= 0),
					usage_limit BIGINT NOT NULL DEFAULT -1,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (tenant_id, feature, period)
				);

				CREATE INDEX IF NOT EXISTS idx_usage_counters_period ON usage_counters(period);
			`,
		},
		{
			Version:     3,
			Description: "Create usage reset markers and snapshots",
			SQL: `
				CREATE TABLE IF NOT EXISTS usage_reset_markers (
					tenant_id VARCHAR(255) NOT NULL,
					feature VARCHAR(255) NOT NULL,
					period CHAR(7) NOT NULL,
					reset_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (tenant_id, feature)
				);

				CREATE TABLE IF NOT EXISTS usage_snapshots (
					tenant_id VARCHAR(255) NOT NULL,
					feature VARCHAR(255) NOT NULL,
					period CHAR(7) NOT NULL,
					count BIGINT NOT NULL,
					usage_limit BIGINT NOT NULL,
					captured_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (tenant_id, feature, period)
				);
			`,
		},
	}
}

// RunMigrations applies pending migrations, one transaction each
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS entitlement_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM entitlement_migrations ORDER BY version")
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

	for _, m := range GetMigrations() {
		if applied[m.Version] {
			continue
		}

		log := logger.WithFields(map[string]interface{}{
			"version":     m.Version,
			"description": m.Description,
		})
		log.Info("running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO entitlement_migrations (version, description) VALUES ($1, $2)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}

		log.Info("migration completed")
	}
	return nil
}
