package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/chis/portsmith/internal/apperr"
)

// staleRunCutoff is how long a running batch row may sit before the
// lock path reaps it as a crash leftover.
const staleRunCutoff = 5 * time.Minute

// UpsertBatchConfig creates or replaces the per-user schedule for one
// job type. Intervals are clamped to the valid range by validation.
func (s *SQLiteStore) UpsertBatchConfig(ctx context.Context, cfg *BatchConfig) error {
	if !validJobType(cfg.JobType) {
		return apperr.Validation("unknown job type %q", cfg.JobType)
	}
	if cfg.IntervalMinutes < MinIntervalMinutes || cfg.IntervalMinutes > MaxIntervalMinutes {
		return apperr.Validation("interval must be between %d and %d minutes",
			MinIntervalMinutes, MaxIntervalMinutes)
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO batch_configs (user_id, job_type, enabled, interval_minutes, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (user_id, job_type) DO UPDATE SET
				enabled = excluded.enabled,
				interval_minutes = excluded.interval_minutes,
				updated_at = excluded.updated_at
		`, cfg.UserID, cfg.JobType, cfg.Enabled, cfg.IntervalMinutes, now)
		if err != nil {
			return joinErr("upsert batch config", err)
		}
		cfg.UpdatedAt = now
		return nil
	})
}

func validJobType(jobType string) bool {
	for _, jt := range JobTypes() {
		if jt == jobType {
			return true
		}
	}
	return false
}

// GetBatchConfig returns the schedule for one job type, or NotFound
// when the user never configured it.
func (s *SQLiteStore) GetBatchConfig(ctx context.Context, userID int64, jobType string) (*BatchConfig, error) {
	var cfg BatchConfig
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, job_type, enabled, interval_minutes, updated_at
		FROM batch_configs WHERE user_id = ? AND job_type = ?
	`, userID, jobType).Scan(&cfg.UserID, &cfg.JobType, &cfg.Enabled, &cfg.IntervalMinutes, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("batch config for %s not found", jobType)
	}
	if err != nil {
		return nil, joinErr("get batch config", err)
	}
	return &cfg, nil
}

// ListBatchConfigs returns all configured schedules for one user.
func (s *SQLiteStore) ListBatchConfigs(ctx context.Context, userID int64) ([]BatchConfig, error) {
	return s.queryBatchConfigs(ctx, `
		SELECT user_id, job_type, enabled, interval_minutes, updated_at
		FROM batch_configs WHERE user_id = ? ORDER BY job_type
	`, userID)
}

// ListEnabledBatchConfigs returns every enabled schedule across all
// users. The scheduler tick iterates this.
func (s *SQLiteStore) ListEnabledBatchConfigs(ctx context.Context) ([]BatchConfig, error) {
	return s.queryBatchConfigs(ctx, `
		SELECT user_id, job_type, enabled, interval_minutes, updated_at
		FROM batch_configs WHERE enabled = 1 ORDER BY user_id, job_type
	`)
}

func (s *SQLiteStore) queryBatchConfigs(ctx context.Context, query string, args ...any) ([]BatchConfig, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, joinErr("query batch configs", err)
	}
	defer rows.Close()

	out := make([]BatchConfig, 0)
	for rows.Next() {
		var cfg BatchConfig
		if err := rows.Scan(&cfg.UserID, &cfg.JobType, &cfg.Enabled, &cfg.IntervalMinutes, &cfg.UpdatedAt); err != nil {
			return nil, joinErr("scan batch config", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// CheckAndAcquireBatchJobLock is the single-flight gate for batch jobs.
// In one write transaction it reaps stale running rows, checks for a
// live one, and on success inserts the new running row, so at most one
// run per (user, job type) can be live at any instant. A rejected
// attempt reports the blocking run's id.
func (s *SQLiteStore) CheckAndAcquireBatchJobLock(ctx context.Context, userID int64, jobType string, isManual bool) (*BatchLockResult, error) {
	if !validJobType(jobType) {
		return nil, apperr.Validation("unknown job type %q", jobType)
	}

	var result BatchLockResult
	err := s.write(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		// Crash leftovers: a running row older than the cutoff belongs
		// to a process that never completed it.
		_, err := reapStaleRuns(ctx, tx, now.Add(-staleRunCutoff), userID, jobType,
			"stale: exceeded maximum runtime")
		if err != nil {
			return joinErr("reap stale batch runs", err)
		}

		var runningID int64
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM batch_runs
			WHERE user_id = ? AND job_type = ? AND status = ?
			ORDER BY started_at DESC LIMIT 1
		`, userID, jobType, RunStatusRunning).Scan(&runningID)
		switch {
		case err == nil:
			result = BatchLockResult{IsRunning: true, RunID: runningID}
			return nil
		case errors.Is(err, sql.ErrNoRows):
			// lock is free
		default:
			return joinErr("check running batch", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO batch_runs (user_id, job_type, status, is_manual, started_at)
			VALUES (?, ?, ?, ?, ?)
		`, userID, jobType, RunStatusRunning, isManual, now)
		if err != nil {
			return joinErr("insert batch run", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		result = BatchLockResult{Acquired: true, RunID: id}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CompleteBatchRun writes the terminal state of a run. The row must
// still be running; completing twice is a conflict.
func (s *SQLiteStore) CompleteBatchRun(ctx context.Context, run *BatchRun) error {
	if run.Status != RunStatusCompleted && run.Status != RunStatusFailed {
		return apperr.Validation("terminal status required, got %q", run.Status)
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		n, err := execRowsAffected(ctx, tx, `
			UPDATE batch_runs
			SET status = ?, completed_at = ?, duration_ms = ?,
			    containers_checked = ?, containers_updated = ?, error_message = ?, logs = ?
			WHERE id = ? AND status = ?
		`, run.Status, run.CompletedAt, run.DurationMs,
			run.ContainersChecked, run.ContainersUpdated, run.ErrorMessage, run.Logs,
			run.ID, RunStatusRunning)
		if err != nil {
			return joinErr("complete batch run", err)
		}
		if n == 0 {
			return apperr.Conflict("batch run %d is not running", run.ID)
		}
		return nil
	})
}

const batchRunColumns = `id, user_id, job_type, status, is_manual, started_at,
	completed_at, duration_ms, containers_checked, containers_updated, error_message, logs`

func scanBatchRun(row interface{ Scan(...any) error }) (*BatchRun, error) {
	var r BatchRun
	var completed sql.NullTime
	err := row.Scan(&r.ID, &r.UserID, &r.JobType, &r.Status, &r.IsManual, &r.StartedAt,
		&completed, &r.DurationMs, &r.ContainersChecked, &r.ContainersUpdated, &r.ErrorMessage, &r.Logs)
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		r.CompletedAt = &completed.Time
	}
	return &r, nil
}

// GetBatchRun returns one run owned by the user.
func (s *SQLiteStore) GetBatchRun(ctx context.Context, userID, id int64) (*BatchRun, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+batchRunColumns+" FROM batch_runs WHERE user_id = ? AND id = ?", userID, id)
	r, err := scanBatchRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("batch run %d not found", id)
	}
	if err != nil {
		return nil, joinErr("get batch run", err)
	}
	return r, nil
}

// ListBatchRuns returns recent runs, newest first. jobType empty means
// all job types.
func (s *SQLiteStore) ListBatchRuns(ctx context.Context, userID int64, jobType string, limit int) ([]BatchRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + batchRunColumns + " FROM batch_runs WHERE user_id = ?"
	args := []any{userID}
	if jobType != "" {
		query += " AND job_type = ?"
		args = append(args, jobType)
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, joinErr("query batch runs", err)
	}
	defer rows.Close()

	out := make([]BatchRun, 0)
	for rows.Next() {
		r, err := scanBatchRun(rows)
		if err != nil {
			return nil, joinErr("scan batch run", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// LastBatchRunStart returns when the most recent run of a job started.
// The second return is false when the job has never run.
func (s *SQLiteStore) LastBatchRunStart(ctx context.Context, userID int64, jobType string) (time.Time, bool, error) {
	var started time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT started_at FROM batch_runs
		WHERE user_id = ? AND job_type = ?
		ORDER BY started_at DESC LIMIT 1
	`, userID, jobType).Scan(&started)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, joinErr("last batch run", err)
	}
	return started, true, nil
}

// CleanupStaleBatchJobs fails any running row older than olderThan,
// regardless of user. Called once at startup to sweep rows left by an
// unclean shutdown.
func (s *SQLiteStore) CleanupStaleBatchJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	var n int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		var err error
		n, err = reapStaleRuns(ctx, tx, now.Add(-olderThan), 0, "",
			"stale: process restarted mid-run")
		if err != nil {
			return joinErr("cleanup stale batch runs", err)
		}
		return nil
	})
	return n, err
}

// reapStaleRuns fails every running row started before cutoff and
// records how long each had been running when it was written off.
// userID 0 and jobType "" widen the sweep to all rows.
func reapStaleRuns(ctx context.Context, tx *sql.Tx, cutoff time.Time, userID int64, jobType, msg string) (int64, error) {
	query := `SELECT id, started_at FROM batch_runs WHERE status = ? AND started_at < ?`
	args := []any{RunStatusRunning, cutoff}
	if userID != 0 {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	if jobType != "" {
		query += " AND job_type = ?"
		args = append(args, jobType)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	type staleRun struct {
		id      int64
		started time.Time
	}
	stale := make([]staleRun, 0)
	for rows.Next() {
		var r staleRun
		if err := rows.Scan(&r.id, &r.started); err != nil {
			rows.Close()
			return 0, err
		}
		stale = append(stale, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	now := time.Now().UTC()
	for _, r := range stale {
		_, err := tx.ExecContext(ctx, `
			UPDATE batch_runs
			SET status = ?, completed_at = ?, duration_ms = ?, error_message = ?
			WHERE id = ? AND status = ?
		`, RunStatusFailed, now, now.Sub(r.started).Milliseconds(), msg, r.id, RunStatusRunning)
		if err != nil {
			return 0, err
		}
	}
	return int64(len(stale)), nil
}
