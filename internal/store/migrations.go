package store

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// schemaVersion is the version this build writes. Migrations are forward
// only; each step runs inside the same transaction that records its version.
const schemaVersion = 3

type migration func(tx *sql.Tx) error

var migrations = map[int]migration{
	1: migrateV1,
	2: migrateV2,
	3: migrateV3,
}

// Migrate brings the schema up to schemaVersion. A failure here is fatal for
// the daemon; a half-applied step rolls back with its version unrecorded.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := s.currentVersion()
	if err != nil {
		return err
	}
	s.logger.Info("database schema", slog.Int("version", current))
	if current >= schemaVersion {
		return nil
	}

	for v := current + 1; v <= schemaVersion; v++ {
		step, ok := migrations[v]
		if !ok {
			return fmt.Errorf("no migration registered for version %d", v)
		}
		s.logger.Info("applying migration", slog.Int("to_version", v))
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v, err)
		}
		if err := step(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, v); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v, err)
		}
	}
	return nil
}

func (s *Store) currentVersion() (int, error) {
	var v sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// migrateV1 creates the base tables: job definitions and execution history.
func migrateV1(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			schedule_type TEXT NOT NULL,
			schedule_value TEXT NOT NULL,
			command TEXT NOT NULL,
			args TEXT NOT NULL,
			env TEXT NOT NULL,
			enabled BOOLEAN NOT NULL,
			owner TEXT NOT NULL DEFAULT 'root'
		)`,
		`CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY,
			job_id TEXT NOT NULL,
			run_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			status TEXT NOT NULL,
			output TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_job_id ON history(job_id)`,
	}
	return execAll(tx, stmts)
}

// migrateV2 adds retry, limits and organizational columns plus the retry and
// metrics tables.
func migrateV2(tx *sql.Tx) error {
	// ALTER TABLE ADD COLUMN fails when the column already exists; those
	// errors are ignored so re-runs against a patched table stay harmless.
	alters := []string{
		`ALTER TABLE jobs ADD COLUMN retry_policy TEXT DEFAULT '{}'`,
		`ALTER TABLE jobs ADD COLUMN resource_limits TEXT DEFAULT '{}'`,
		`ALTER TABLE jobs ADD COLUMN jitter_seconds INTEGER DEFAULT 0`,
		`ALTER TABLE jobs ADD COLUMN timezone TEXT`,
		`ALTER TABLE jobs ADD COLUMN tags TEXT DEFAULT '[]'`,
		`ALTER TABLE jobs ADD COLUMN dependencies TEXT DEFAULT '[]'`,
		`ALTER TABLE jobs ADD COLUMN hooks TEXT DEFAULT '{}'`,
		`ALTER TABLE jobs ADD COLUMN max_concurrent INTEGER DEFAULT 0`,
	}
	for _, stmt := range alters {
		_, _ = tx.Exec(stmt)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS retry_attempts (
			id INTEGER PRIMARY KEY,
			job_id TEXT NOT NULL,
			attempt_number INTEGER NOT NULL,
			run_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			next_retry_at DATETIME,
			error TEXT,
			FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_retry_attempts_job_id ON retry_attempts(job_id)`,
		`CREATE TABLE IF NOT EXISTS job_metrics (
			job_id TEXT PRIMARY KEY,
			total_runs INTEGER DEFAULT 0,
			successful_runs INTEGER DEFAULT 0,
			failed_runs INTEGER DEFAULT 0,
			avg_duration_ms INTEGER DEFAULT 0,
			last_duration_ms INTEGER DEFAULT 0,
			last_run_at DATETIME,
			FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
		)`,
	}
	return execAll(tx, stmts)
}

// migrateV3 adds priority/execution metadata and the notification log.
func migrateV3(tx *sql.Tx) error {
	alters := []string{
		`ALTER TABLE jobs ADD COLUMN priority TEXT DEFAULT 'Normal'`,
		`ALTER TABLE jobs ADD COLUMN execution_mode TEXT DEFAULT 'Sequential'`,
		`ALTER TABLE jobs ADD COLUMN notification_config TEXT DEFAULT '{}'`,
	}
	for _, stmt := range alters {
		_, _ = tx.Exec(stmt)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS notification_log (
			id INTEGER PRIMARY KEY,
			job_id TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			channel_type TEXT NOT NULL,
			delivered_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			status TEXT NOT NULL,
			error TEXT,
			FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notification_log_job_id ON notification_log(job_id)`,
	}
	return execAll(tx, stmts)
}

func execAll(tx *sql.Tx, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %.40q: %w", stmt, err)
		}
	}
	return nil
}
