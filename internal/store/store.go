// Package store persists jobs, execution history, retry attempts and
// per-job metrics in a single SQLite file. All access is serialized through
// one connection; callers never hold it across a spawn or a wait.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lunasched/lunasched/internal/ipc"
	"github.com/lunasched/lunasched/internal/job"
)

// Store wraps the SQLite connection. Safe for concurrent use; the
// single-connection pool serializes every statement.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the store file and runs migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// One connection: the store is the serialization point for all callers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// scheduleColumns splits a schedule into its (type, value) persisted form.
func scheduleColumns(sched job.Schedule) (string, string, error) {
	switch sched.Kind {
	case job.ScheduleCron:
		return "cron", sched.Cron, nil
	case job.ScheduleEvery:
		return "every", strconv.FormatUint(sched.Every, 10), nil
	case job.ScheduleCalendar:
		raw, err := json.Marshal(sched.Calendar)
		if err != nil {
			return "", "", fmt.Errorf("encode calendar params: %w", err)
		}
		return "calendar", string(raw), nil
	default:
		return "", "", fmt.Errorf("unknown schedule kind %q", sched.Kind)
	}
}

func scheduleFromColumns(schedType, schedValue string) job.Schedule {
	switch schedType {
	case "every":
		secs, err := strconv.ParseUint(schedValue, 10, 64)
		if err != nil {
			secs = 0
		}
		return job.Schedule{Kind: job.ScheduleEvery, Every: secs}
	case "calendar":
		params := &job.CalendarParams{}
		if err := json.Unmarshal([]byte(schedValue), params); err != nil {
			// Unreadable rows degrade to a never-matching calendar rule.
			params = &job.CalendarParams{Time: job.ClockTime{Hour: -1}}
		}
		return job.Schedule{Kind: job.ScheduleCalendar, Calendar: params}
	default:
		return job.Schedule{Kind: job.ScheduleCron, Cron: schedValue}
	}
}

// AddJob upserts a job definition by id.
func (s *Store) AddJob(j *job.Job) error {
	schedType, schedValue, err := scheduleColumns(j.Schedule)
	if err != nil {
		return err
	}

	argsJSON, _ := json.Marshal(j.Args)
	envJSON, _ := json.Marshal(j.Env)
	retryJSON, _ := json.Marshal(j.RetryPolicy)
	limitsJSON, _ := json.Marshal(j.ResourceLimits)
	tagsJSON, _ := json.Marshal(j.Tags)
	depsJSON, _ := json.Marshal(j.Dependencies)
	hooksJSON, _ := json.Marshal(j.Hooks)
	notifyJSON, _ := json.Marshal(j.NotificationConfig)

	var tz sql.NullString
	if j.Timezone != nil && *j.Timezone != "" {
		tz = sql.NullString{String: *j.Timezone, Valid: true}
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO jobs
			(id, name, schedule_type, schedule_value, command, args, env, enabled, owner,
			 retry_policy, resource_limits, jitter_seconds, timezone, tags, dependencies,
			 hooks, max_concurrent, priority, execution_mode, notification_config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(j.ID), j.Name, schedType, schedValue, j.Command,
		string(argsJSON), string(envJSON), j.Enabled, j.Owner,
		string(retryJSON), string(limitsJSON), j.JitterSeconds, tz,
		string(tagsJSON), string(depsJSON), string(hooksJSON), j.MaxConcurrent,
		string(j.Priority), string(j.ExecutionMode), string(notifyJSON),
	)
	if err != nil {
		return fmt.Errorf("upsert job %q: %w", j.ID, err)
	}
	return nil
}

// RemoveJob deletes a job row. Removing an unknown id is not an error.
func (s *Store) RemoveJob(id job.ID) error {
	if _, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete job %q: %w", id, err)
	}
	return nil
}

// LoadJobs returns the full live table. Rows with unreadable optional
// columns fall back to documented defaults rather than failing the load.
func (s *Store) LoadJobs() (map[job.ID]*job.Job, error) {
	rows, err := s.db.Query(`
		SELECT id, name, schedule_type, schedule_value, command, args, env, enabled, owner,
		       retry_policy, resource_limits, jitter_seconds, timezone, tags, dependencies,
		       hooks, max_concurrent, priority, execution_mode, notification_config
		FROM jobs`)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()

	jobs := make(map[job.ID]*job.Job)
	for rows.Next() {
		var (
			j                              job.Job
			id, schedType, schedValue      string
			argsJSON, envJSON              string
			retryJSON, limitsJSON          sql.NullString
			tz                             sql.NullString
			tagsJSON, depsJSON, hooksJSON  sql.NullString
			priority, execMode, notifyJSON sql.NullString
			jitter                         sql.NullInt64
			maxConcurrent                  sql.NullInt64
		)
		if err := rows.Scan(
			&id, &j.Name, &schedType, &schedValue, &j.Command,
			&argsJSON, &envJSON, &j.Enabled, &j.Owner,
			&retryJSON, &limitsJSON, &jitter, &tz, &tagsJSON, &depsJSON,
			&hooksJSON, &maxConcurrent, &priority, &execMode, &notifyJSON,
		); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}

		j.ID = job.ID(id)
		j.Schedule = scheduleFromColumns(schedType, schedValue)
		_ = json.Unmarshal([]byte(argsJSON), &j.Args)
		_ = json.Unmarshal([]byte(envJSON), &j.Env)
		if retryJSON.Valid {
			_ = json.Unmarshal([]byte(retryJSON.String), &j.RetryPolicy)
		}
		if limitsJSON.Valid {
			_ = json.Unmarshal([]byte(limitsJSON.String), &j.ResourceLimits)
		}
		if jitter.Valid {
			j.JitterSeconds = uint64(jitter.Int64)
		}
		if tz.Valid && tz.String != "" {
			zone := tz.String
			j.Timezone = &zone
		}
		if tagsJSON.Valid {
			_ = json.Unmarshal([]byte(tagsJSON.String), &j.Tags)
		}
		if depsJSON.Valid {
			_ = json.Unmarshal([]byte(depsJSON.String), &j.Dependencies)
		}
		if hooksJSON.Valid {
			_ = json.Unmarshal([]byte(hooksJSON.String), &j.Hooks)
		}
		if maxConcurrent.Valid {
			j.MaxConcurrent = uint32(maxConcurrent.Int64)
		}
		if priority.Valid {
			j.Priority = job.Priority(priority.String)
		}
		if execMode.Valid {
			j.ExecutionMode = job.ExecutionMode(execMode.String)
		}
		if notifyJSON.Valid {
			_ = json.Unmarshal([]byte(notifyJSON.String), &j.NotificationConfig)
		}
		j.ApplyDefaults()
		jobs[j.ID] = &j
	}
	return jobs, rows.Err()
}

// LogHistory appends an execution record.
func (s *Store) LogHistory(id job.ID, status, output string) error {
	_, err := s.db.Exec(
		`INSERT INTO history (job_id, run_at, status, output) VALUES (?, ?, ?, ?)`,
		string(id), time.Now().UTC().Format(time.RFC3339), status, output,
	)
	if err != nil {
		return fmt.Errorf("log history for %q: %w", id, err)
	}
	return nil
}

// History returns the most recent entries for a job, newest first.
// limit 0 means all rows.
func (s *Store) History(id job.ID, limit uint32) ([]ipc.HistoryEntry, error) {
	q := `SELECT id, job_id, run_at, status, COALESCE(output, '')
	      FROM history WHERE job_id = ? ORDER BY run_at DESC, id DESC`
	args := []any{string(id)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query history for %q: %w", id, err)
	}
	defer rows.Close()

	var entries []ipc.HistoryEntry
	for rows.Next() {
		var e ipc.HistoryEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.RunAt, &e.Status, &e.Output); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LogRetryAttempt appends a retry-attempt record. nextRetryAt is nil when
// the attempt exhausted the policy.
func (s *Store) LogRetryAttempt(id job.ID, attempt uint32, nextRetryAt *time.Time, errMsg string) error {
	var next sql.NullString
	if nextRetryAt != nil {
		next = sql.NullString{String: nextRetryAt.UTC().Format(time.RFC3339), Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO retry_attempts (job_id, attempt_number, run_at, next_retry_at, error)
		 VALUES (?, ?, ?, ?, ?)`,
		string(id), attempt, time.Now().UTC().Format(time.RFC3339), next, errMsg,
	)
	if err != nil {
		return fmt.Errorf("log retry attempt for %q: %w", id, err)
	}
	return nil
}

// RecordRun folds one execution into the job_metrics row. The average
// duration is a running mean over all recorded runs.
func (s *Store) RecordRun(id job.ID, duration time.Duration, success bool) error {
	succ, fail := 0, 1
	if success {
		succ, fail = 1, 0
	}
	ms := duration.Milliseconds()
	_, err := s.db.Exec(`
		INSERT INTO job_metrics (job_id, total_runs, successful_runs, failed_runs,
		                         avg_duration_ms, last_duration_ms, last_run_at)
		VALUES (?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			total_runs = total_runs + 1,
			successful_runs = successful_runs + ?,
			failed_runs = failed_runs + ?,
			avg_duration_ms = (avg_duration_ms * total_runs + ?) / (total_runs + 1),
			last_duration_ms = ?,
			last_run_at = ?`,
		string(id), succ, fail, ms, ms, time.Now().UTC().Format(time.RFC3339),
		succ, fail, ms, ms, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record run for %q: %w", id, err)
	}
	return nil
}

// JobMetrics is the accumulated per-job execution summary.
type JobMetrics struct {
	JobID          job.ID
	TotalRuns      int64
	SuccessfulRuns int64
	FailedRuns     int64
	AvgDurationMS  int64
	LastDurationMS int64
	LastRunAt      string
}

// Metrics returns the accumulated summary for one job, or nil when the job
// has never run.
func (s *Store) Metrics(id job.ID) (*JobMetrics, error) {
	var m JobMetrics
	var lastRun sql.NullString
	err := s.db.QueryRow(`
		SELECT job_id, total_runs, successful_runs, failed_runs,
		       avg_duration_ms, last_duration_ms, last_run_at
		FROM job_metrics WHERE job_id = ?`, string(id)).
		Scan(&m.JobID, &m.TotalRuns, &m.SuccessfulRuns, &m.FailedRuns,
			&m.AvgDurationMS, &m.LastDurationMS, &lastRun)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read metrics for %q: %w", id, err)
	}
	m.LastRunAt = lastRun.String
	return &m, nil
}

// PruneHistory enforces the retention policy: rows older than maxAge go
// first, then each job is trimmed to maxPerJob newest rows. Returns the
// number of deleted rows.
func (s *Store) PruneHistory(maxAge time.Duration, maxPerJob uint32) (int64, error) {
	var total int64
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339)
	res, err := s.db.Exec(`DELETE FROM history WHERE run_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune history by age: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	if maxPerJob > 0 {
		res, err = s.db.Exec(`
			DELETE FROM history WHERE id IN (
				SELECT id FROM (
					SELECT id, ROW_NUMBER() OVER (
						PARTITION BY job_id ORDER BY run_at DESC, id DESC
					) AS rn FROM history
				) WHERE rn > ?
			)`, maxPerJob)
		if err != nil {
			return total, fmt.Errorf("prune history by count: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

// LogNotification appends a notification delivery record.
func (s *Store) LogNotification(id job.ID, executionID, event, channel, status, errMsg string) error {
	_, err := s.db.Exec(`
		INSERT INTO notification_log (job_id, execution_id, event_type, channel_type, status, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(id), executionID, event, channel, status, errMsg,
	)
	if err != nil {
		return fmt.Errorf("log notification for %q: %w", id, err)
	}
	return nil
}
