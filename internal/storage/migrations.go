package storage

import (
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/pkg/utils"
)

// Migration represents a database migration
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// GetSQLiteMigrations returns SQLite migration scripts
func GetSQLiteMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create rules table",
			SQL: `
				CREATE TABLE IF NOT EXISTS rules (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					trigger_name TEXT NOT NULL,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					conditions TEXT NOT NULL DEFAULT '{}', -- JSON
					actions TEXT NOT NULL DEFAULT '[]', -- JSON
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_rules_trigger_active ON rules(trigger_name, active);
				CREATE INDEX IF NOT EXISTS idx_rules_created_at ON rules(created_at);
			`,
		},
		{
			Version:     "002",
			Description: "Create records table",
			SQL: `
				CREATE TABLE IF NOT EXISTS records (
					id TEXT PRIMARY KEY,
					entity_type TEXT NOT NULL,
					data TEXT NOT NULL DEFAULT '{}', -- JSON
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_records_entity_type ON records(entity_type);
				CREATE INDEX IF NOT EXISTS idx_records_updated_at ON records(entity_type, updated_at);
			`,
		},
		{
			Version:     "003",
			Description: "Create automation logs table",
			SQL: `
				CREATE TABLE IF NOT EXISTS automation_logs (
					id TEXT PRIMARY KEY,
					rule_id TEXT NOT NULL,
					rule_name TEXT NOT NULL,
					trigger_name TEXT NOT NULL,
					status TEXT NOT NULL,
					execution_details TEXT NOT NULL DEFAULT '[]', -- JSON
					error_message TEXT NOT NULL DEFAULT '',
					triggered_at TEXT NOT NULL,
					is_dry_run BOOLEAN NOT NULL DEFAULT FALSE
				);

				CREATE INDEX IF NOT EXISTS idx_automation_logs_rule_id ON automation_logs(rule_id);
				CREATE INDEX IF NOT EXISTS idx_automation_logs_trigger ON automation_logs(trigger_name);
				CREATE INDEX IF NOT EXISTS idx_automation_logs_triggered_at ON automation_logs(triggered_at);
			`,
		},
	}
}

// GetPostgresMigrations returns PostgreSQL migration scripts
func GetPostgresMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create rules table",
			SQL: `
				CREATE TABLE IF NOT EXISTS rules (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					trigger_name TEXT NOT NULL,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					conditions JSONB NOT NULL DEFAULT '{}'::jsonb,
					actions JSONB NOT NULL DEFAULT '[]'::jsonb,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_rules_trigger_active ON rules(trigger_name, active);
			`,
		},
		{
			Version:     "002",
			Description: "Create records table",
			SQL: `
				CREATE TABLE IF NOT EXISTS records (
					id TEXT PRIMARY KEY,
					entity_type TEXT NOT NULL,
					data JSONB NOT NULL DEFAULT '{}'::jsonb,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_records_entity_type ON records(entity_type, updated_at);
				CREATE INDEX IF NOT EXISTS idx_records_data ON records USING GIN (data jsonb_path_ops);
			`,
		},
		{
			Version:     "003",
			Description: "Create automation logs table",
			SQL: `
				CREATE TABLE IF NOT EXISTS automation_logs (
					id TEXT PRIMARY KEY,
					rule_id TEXT NOT NULL,
					rule_name TEXT NOT NULL,
					trigger_name TEXT NOT NULL,
					status TEXT NOT NULL,
					execution_details JSONB NOT NULL DEFAULT '[]'::jsonb,
					error_message TEXT NOT NULL DEFAULT '',
					triggered_at TIMESTAMPTZ NOT NULL,
					is_dry_run BOOLEAN NOT NULL DEFAULT FALSE
				);

				CREATE INDEX IF NOT EXISTS idx_automation_logs_rule_id ON automation_logs(rule_id);
				CREATE INDEX IF NOT EXISTS idx_automation_logs_triggered_at ON automation_logs(triggered_at DESC);
			`,
		},
	}
}

// applyMigrations runs every migration not yet recorded in schema_migrations.
// placeholder is the dialect's first bind parameter ("?" or "$1").
func applyMigrations(db *sql.DB, migrations []*Migration, placeholder string, logger *logrus.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to create migrations table", err.Error())
	}

	applied := make(map[string]bool)
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to read applied migrations", err.Error())
	}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan migration version", err.Error())
		}
		applied[version] = true
	}
	rows.Close()

	insert := "INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)"
	if placeholder == "$1" {
		insert = "INSERT INTO schema_migrations (version, description, applied_at) VALUES ($1, $2, $3)"
	}

	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}
		logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("Applying migration")

		tx, err := db.Begin()
		if err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin migration", err.Error())
		}
		if _, err := tx.Exec(migration.SQL); err != nil {
			tx.Rollback()
			return utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Migration %s failed", migration.Version),
				err.Error())
		}
		if _, err := tx.Exec(insert, migration.Version, migration.Description, formatTime(timeNow())); err != nil {
			tx.Rollback()
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to record migration", err.Error())
		}
		if err := tx.Commit(); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit migration", err.Error())
		}
	}

	return nil
}
