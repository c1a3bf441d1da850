package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SchemaVersion is the version this build of the engine requires.
// It is persisted in the schema_info table and bumped on every schema change.
const SchemaVersion = 7

const (
	migrateMaxAttempts = 5
	migrateBaseBackoff = 500 * time.Millisecond
)

// Migrate brings the engine database to SchemaVersion, retrying transient
// failures with exponential backoff. A database stamped with a version newer
// than this build is a hard error: downgrades are not supported and guessing
// at an unknown lineage would corrupt it.
func (db *DB) Migrate(log zerolog.Logger) error {
	log = log.With().Str("component", "migration").Logger()

	var err error
	backoff := migrateBaseBackoff
	for attempt := 1; attempt <= migrateMaxAttempts; attempt++ {
		err = db.migrateOnce()
		if err == nil {
			log.Info().Int("version", SchemaVersion).Msg("Database schema up to date")
			return nil
		}
		if isVersionMismatch(err) {
			// Retrying will not change the on-disk version.
			return err
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("Migration attempt failed")
		if attempt < migrateMaxAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return fmt.Errorf("schema migration failed after %d attempts: %w", migrateMaxAttempts, err)
}

type versionMismatchError struct {
	onDisk int
}

func (e *versionMismatchError) Error() string {
	return fmt.Sprintf("database schema version %d is newer than supported version %d", e.onDisk, SchemaVersion)
}

func isVersionMismatch(err error) bool {
	_, ok := err.(*versionMismatchError)
	return ok
}

func (db *DB) migrateOnce() error {
	return WithTransaction(db.conn, func(tx *sql.Tx) error {
		version, err := currentVersion(tx)
		if err != nil {
			return err
		}

		switch {
		case version == SchemaVersion:
			return nil
		case version > SchemaVersion:
			return &versionMismatchError{onDisk: version}
		case version == 0:
			if err := createSchema(tx); err != nil {
				return fmt.Errorf("failed to create schema: %w", err)
			}
		default:
			if err := applyMigrations(tx, version); err != nil {
				return fmt.Errorf("failed to upgrade schema from version %d: %w", version, err)
			}
		}

		return setVersion(tx, SchemaVersion)
	})
}

// currentVersion returns the persisted schema version, or 0 for an empty database.
func currentVersion(tx *sql.Tx) (int, error) {
	var exists int
	err := tx.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_info'`,
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect schema_info: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var version int
	err = tx.QueryRow(`SELECT value FROM schema_info WHERE key = 'version'`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func setVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec(
		`INSERT INTO schema_info (key, value, updated_at) VALUES ('version', ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		version,
	)
	if err != nil {
		return fmt.Errorf("failed to persist schema version: %w", err)
	}
	return nil
}

func createSchema(tx *sql.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_info (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS environment_variables (
			id INTEGER PRIMARY KEY,
			name VARCHAR(100) UNIQUE NOT NULL,
			value TEXT NOT NULL,
			description TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id INTEGER PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			code TEXT NOT NULL,
			cron_expression VARCHAR(100) NOT NULL,
			container_id VARCHAR(100),
			packages TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			last_run TIMESTAMP,
			is_active INTEGER DEFAULT 1,
			timeout INTEGER DEFAULT 30
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_jobs (
			id INTEGER PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			endpoint VARCHAR(200) UNIQUE NOT NULL,
			code TEXT NOT NULL,
			container_id VARCHAR(100),
			packages TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			last_triggered TIMESTAMP,
			is_active INTEGER DEFAULT 1,
			timeout INTEGER DEFAULT 30,
			description TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS persistent_services (
			id INTEGER PRIMARY KEY,
			name VARCHAR(100) UNIQUE NOT NULL,
			code TEXT NOT NULL,
			container_id VARCHAR(100),
			packages TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			started_at TIMESTAMP,
			last_restart TIMESTAMP,
			is_active INTEGER DEFAULT 1,
			status VARCHAR(20) DEFAULT 'stopped',
			restart_policy VARCHAR(20) DEFAULT 'always',
			description TEXT,
			process_id VARCHAR(100),
			auto_start INTEGER DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS exposed_ports (
			id INTEGER PRIMARY KEY,
			container_id VARCHAR(100) NOT NULL,
			internal_port INTEGER NOT NULL,
			external_port INTEGER NOT NULL,
			service_name VARCHAR(100),
			service_type VARCHAR(50),
			proxy_path VARCHAR(200) UNIQUE NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			last_accessed TIMESTAMP,
			is_active INTEGER DEFAULT 1,
			description TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id INTEGER PRIMARY KEY,
			job_id INTEGER,
			webhook_job_id INTEGER,
			service_id INTEGER,
			code TEXT NOT NULL,
			output TEXT,
			error TEXT,
			container_id VARCHAR(100),
			execution_time REAL,
			started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			status VARCHAR(20),
			request_data TEXT,
			response_data TEXT,
			metrics BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_started_at ON execution_logs(started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_job_id ON execution_logs(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_webhook_job_id ON execution_logs(webhook_job_id)`,
	}

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// applyMigrations upgrades an existing database from an older lineage.
// Versions below 7 predate the Go engine; they are brought forward by adding
// the columns the old Python migrations introduced incrementally. Columns
// that already exist are skipped.
func applyMigrations(tx *sql.Tx, from int) error {
	if err := createSchema(tx); err != nil {
		return err
	}

	addColumns := []string{
		`ALTER TABLE scheduled_jobs ADD COLUMN timeout INTEGER DEFAULT 30`,
		`ALTER TABLE webhook_jobs ADD COLUMN timeout INTEGER DEFAULT 30`,
		`ALTER TABLE webhook_jobs ADD COLUMN description TEXT`,
		`ALTER TABLE persistent_services ADD COLUMN process_id VARCHAR(100)`,
		`ALTER TABLE persistent_services ADD COLUMN auto_start INTEGER DEFAULT 1`,
		`ALTER TABLE execution_logs ADD COLUMN service_id INTEGER`,
		`ALTER TABLE execution_logs ADD COLUMN request_data TEXT`,
		`ALTER TABLE execution_logs ADD COLUMN response_data TEXT`,
		`ALTER TABLE execution_logs ADD COLUMN metrics BLOB`,
	}
	for _, stmt := range addColumns {
		if _, err := tx.Exec(stmt); err != nil && !isDuplicateColumn(err) {
			return err
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}
