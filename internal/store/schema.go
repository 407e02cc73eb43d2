package store

import (
	"database/sql"
	"fmt"
	"log"
)

const currentSchemaVersion = 1

// InitSchema creates all required tables and indexes. Idempotent — safe
// to call on every startup.
func InitSchema(db *sql.DB) error {
	version, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	if version >= currentSchemaVersion {
		log.Printf("[store] schema already at version %d, skipping initialization", version)
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := createTables(tx); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	if err := createIndexes(tx); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	if err := setSchemaVersion(tx, currentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema initialization: %w", err)
	}

	log.Printf("[store] schema initialized to version %d", currentSchemaVersion)
	return nil
}

func createTables(tx *sql.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			organization_id TEXT NOT NULL,
			user_id TEXT,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			duration_ms INTEGER,
			trigger_type TEXT,
			trigger_data TEXT,
			node_outputs TEXT,
			error TEXT,
			correlation_id TEXT,
			tags TEXT,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS node_attempts (
			execution_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			input TEXT,
			output TEXT,
			error TEXT,
			metadata TEXT,
			PRIMARY KEY (execution_id, node_id, attempt),
			FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_records (
			execution_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			result_hash TEXT NOT NULL,
			result_data TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			PRIMARY KEY (execution_id, node_id, idempotency_key)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_timers (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			resume_at TIMESTAMP NOT NULL,
			payload BLOB NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER DEFAULT 0,
			last_error TEXT,
			FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS circuit_breakers (
			connector_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			state TEXT NOT NULL,
			consecutive_failures INTEGER DEFAULT 0,
			opened_at TIMESTAMP,
			last_failure_at TIMESTAMP,
			PRIMARY KEY (connector_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS timeline_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			node_id TEXT,
			event_type TEXT NOT NULL,
			payload TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS billing_plans (
			plan_id TEXT PRIMARY KEY,
			max_concurrent_executions INTEGER NOT NULL,
			max_executions_per_minute INTEGER NOT NULL,
			max_executions_per_month INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS organization_limits (
			organization_id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL,
			usage_month TEXT NOT NULL,
			executions_this_month INTEGER DEFAULT 0,
			FOREIGN KEY (plan_id) REFERENCES billing_plans(plan_id)
		)`,
		`CREATE TABLE IF NOT EXISTS execution_resume_tokens (
			token_id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			timer_id TEXT,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			consumed_at TIMESTAMP,
			FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE
		)`,
	}

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func createIndexes(tx *sql.Tx) error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_executions_correlation ON executions(correlation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_org_started ON executions(organization_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_node_attempts_execution ON node_attempts(execution_id)`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_records(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_timers_resume ON workflow_timers(status, resume_at)`,
		`CREATE INDEX IF NOT EXISTS idx_breakers_opened ON circuit_breakers(opened_at)`,
		`CREATE INDEX IF NOT EXISTS idx_timeline_execution ON timeline_events(execution_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_resume_tokens_execution ON execution_resume_tokens(execution_id)`,
	}

	for _, idx := range indexes {
		if _, err := tx.Exec(idx); err != nil {
			return err
		}
	}
	return nil
}

func getSchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, nil // table doesn't exist yet
	}
	return version, nil
}

func setSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version)
	return err
}
