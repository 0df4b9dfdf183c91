package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/chis/portsmith/internal/apperr"
)

// Pattern lists are stored as JSON array text. NULL and "" both decode
// to nil so that hand-edited rows behave.
func encodeList[T any](v []T) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeList[T any](raw sql.NullString, dst *[]T) error {
	if !raw.Valid || raw.String == "" {
		*dst = nil
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dst)
}

// CreateIntent inserts an intent, enforcing the per-user cap inside the
// write transaction so concurrent creates cannot overshoot it.
func (s *SQLiteStore) CreateIntent(ctx context.Context, in *Intent) error {
	if err := validateIntent(in); err != nil {
		return err
	}
	cols, err := intentListColumns(in)
	if err != nil {
		return joinErr("encode intent patterns", err)
	}

	return s.write(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM intents WHERE user_id = ?", in.UserID).Scan(&count); err != nil {
			return joinErr("count intents", err)
		}
		if count >= MaxIntentsPerUser {
			return apperr.Validation("intent limit reached (%d per user)", MaxIntentsPerUser)
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO intents
			(user_id, name, description, enabled,
			 match_containers, match_images, match_instances, match_stacks, match_registries,
			 exclude_containers, exclude_images, exclude_stacks, exclude_registries,
			 schedule_type, schedule_cron, max_concurrent, dry_run, sequential_delay_sec,
			 notify_on_update_detected, notify_on_batch_start, notify_on_success, notify_on_failure,
			 created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, in.UserID, in.Name, in.Description, in.Enabled,
			cols.matchContainers, cols.matchImages, cols.matchInstances, cols.matchStacks, cols.matchRegistries,
			cols.excludeContainers, cols.excludeImages, cols.excludeStacks, cols.excludeRegistries,
			in.ScheduleType, in.ScheduleCron, in.MaxConcurrent, in.DryRun, in.SequentialDelaySec,
			in.NotifyOnUpdateDetected, in.NotifyOnBatchStart, in.NotifyOnSuccess, in.NotifyOnFailure,
			now, now)
		if err != nil {
			return joinErr("insert intent", err)
		}
		in.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		in.CreatedAt = now
		in.UpdatedAt = now
		return nil
	})
}

func validateIntent(in *Intent) error {
	if in.Name == "" {
		return apperr.Validation("intent name is required")
	}
	if in.MaxConcurrent < 1 {
		return apperr.Validation("max_concurrent must be at least 1")
	}
	if in.SequentialDelaySec < 0 {
		return apperr.Validation("sequential_delay_sec must not be negative")
	}
	switch in.ScheduleType {
	case ScheduleImmediate:
	case ScheduleScheduled:
		if in.ScheduleCron == "" {
			return apperr.Validation("scheduled intents require a cron expression")
		}
	default:
		return apperr.Validation("unknown schedule type %q", in.ScheduleType)
	}
	return nil
}

type intentCols struct {
	matchContainers, matchImages, matchInstances, matchStacks, matchRegistries any
	excludeContainers, excludeImages, excludeStacks, excludeRegistries         any
}

func intentListColumns(in *Intent) (intentCols, error) {
	var c intentCols
	var err error
	if c.matchContainers, err = encodeList(in.MatchContainers); err != nil {
		return c, err
	}
	if c.matchImages, err = encodeList(in.MatchImages); err != nil {
		return c, err
	}
	if c.matchInstances, err = encodeList(in.MatchInstances); err != nil {
		return c, err
	}
	if c.matchStacks, err = encodeList(in.MatchStacks); err != nil {
		return c, err
	}
	if c.matchRegistries, err = encodeList(in.MatchRegistries); err != nil {
		return c, err
	}
	if c.excludeContainers, err = encodeList(in.ExcludeContainers); err != nil {
		return c, err
	}
	if c.excludeImages, err = encodeList(in.ExcludeImages); err != nil {
		return c, err
	}
	if c.excludeStacks, err = encodeList(in.ExcludeStacks); err != nil {
		return c, err
	}
	if c.excludeRegistries, err = encodeList(in.ExcludeRegistries); err != nil {
		return c, err
	}
	return c, nil
}

const intentColumns = `id, user_id, name, description, enabled,
	match_containers, match_images, match_instances, match_stacks, match_registries,
	exclude_containers, exclude_images, exclude_stacks, exclude_registries,
	schedule_type, schedule_cron, max_concurrent, dry_run, sequential_delay_sec,
	notify_on_update_detected, notify_on_batch_start, notify_on_success, notify_on_failure,
	last_evaluated_at, last_execution_id, created_at, updated_at`

func scanIntent(row interface{ Scan(...any) error }) (*Intent, error) {
	var in Intent
	var mc, mi, min, ms, mr, ec, ei, es, er sql.NullString
	var evaluated sql.NullTime
	err := row.Scan(&in.ID, &in.UserID, &in.Name, &in.Description, &in.Enabled,
		&mc, &mi, &min, &ms, &mr, &ec, &ei, &es, &er,
		&in.ScheduleType, &in.ScheduleCron, &in.MaxConcurrent, &in.DryRun, &in.SequentialDelaySec,
		&in.NotifyOnUpdateDetected, &in.NotifyOnBatchStart, &in.NotifyOnSuccess, &in.NotifyOnFailure,
		&evaluated, &in.LastExecutionID, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if evaluated.Valid {
		in.LastEvaluatedAt = &evaluated.Time
	}
	for _, pair := range []struct {
		raw sql.NullString
		dst *[]string
	}{
		{mc, &in.MatchContainers}, {mi, &in.MatchImages}, {ms, &in.MatchStacks}, {mr, &in.MatchRegistries},
		{ec, &in.ExcludeContainers}, {ei, &in.ExcludeImages}, {es, &in.ExcludeStacks}, {er, &in.ExcludeRegistries},
	} {
		if err := decodeList(pair.raw, pair.dst); err != nil {
			return nil, err
		}
	}
	if err := decodeList(min, &in.MatchInstances); err != nil {
		return nil, err
	}
	return &in, nil
}

// GetIntent returns one intent owned by the user.
func (s *SQLiteStore) GetIntent(ctx context.Context, userID, id int64) (*Intent, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+intentColumns+" FROM intents WHERE user_id = ? AND id = ?", userID, id)
	in, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("intent %d not found", id)
	}
	if err != nil {
		return nil, joinErr("get intent", err)
	}
	return in, nil
}

// ListIntents returns all of the user's intents by name.
func (s *SQLiteStore) ListIntents(ctx context.Context, userID int64) ([]Intent, error) {
	return s.queryIntents(ctx,
		"SELECT "+intentColumns+" FROM intents WHERE user_id = ? ORDER BY name", userID)
}

// ListEnabledIntents returns only the intents eligible for evaluation.
func (s *SQLiteStore) ListEnabledIntents(ctx context.Context, userID int64) ([]Intent, error) {
	return s.queryIntents(ctx,
		"SELECT "+intentColumns+" FROM intents WHERE user_id = ? AND enabled = 1 ORDER BY id", userID)
}

func (s *SQLiteStore) queryIntents(ctx context.Context, query string, args ...any) ([]Intent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, joinErr("query intents", err)
	}
	defer rows.Close()

	out := make([]Intent, 0)
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, joinErr("scan intent", err)
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

// UpdateIntent rewrites every mutable field of an intent.
func (s *SQLiteStore) UpdateIntent(ctx context.Context, in *Intent) error {
	if err := validateIntent(in); err != nil {
		return err
	}
	cols, err := intentListColumns(in)
	if err != nil {
		return joinErr("encode intent patterns", err)
	}

	return s.write(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		n, err := execRowsAffected(ctx, tx, `
			UPDATE intents
			SET name = ?, description = ?, enabled = ?,
			    match_containers = ?, match_images = ?, match_instances = ?, match_stacks = ?, match_registries = ?,
			    exclude_containers = ?, exclude_images = ?, exclude_stacks = ?, exclude_registries = ?,
			    schedule_type = ?, schedule_cron = ?, max_concurrent = ?, dry_run = ?, sequential_delay_sec = ?,
			    notify_on_update_detected = ?, notify_on_batch_start = ?, notify_on_success = ?, notify_on_failure = ?,
			    updated_at = ?
			WHERE user_id = ? AND id = ?
		`, in.Name, in.Description, in.Enabled,
			cols.matchContainers, cols.matchImages, cols.matchInstances, cols.matchStacks, cols.matchRegistries,
			cols.excludeContainers, cols.excludeImages, cols.excludeStacks, cols.excludeRegistries,
			in.ScheduleType, in.ScheduleCron, in.MaxConcurrent, in.DryRun, in.SequentialDelaySec,
			in.NotifyOnUpdateDetected, in.NotifyOnBatchStart, in.NotifyOnSuccess, in.NotifyOnFailure,
			now, in.UserID, in.ID)
		if err != nil {
			return joinErr("update intent", err)
		}
		if n == 0 {
			return apperr.NotFound("intent %d not found", in.ID)
		}
		in.UpdatedAt = now
		return nil
	})
}

// DeleteIntent removes an intent; its executions cascade.
func (s *SQLiteStore) DeleteIntent(ctx context.Context, userID, id int64) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		n, err := execRowsAffected(ctx, tx,
			"DELETE FROM intents WHERE user_id = ? AND id = ?", userID, id)
		if err != nil {
			return joinErr("delete intent", err)
		}
		if n == 0 {
			return apperr.NotFound("intent %d not found", id)
		}
		return nil
	})
}

// SetIntentEnabled toggles an intent without touching its patterns.
func (s *SQLiteStore) SetIntentEnabled(ctx context.Context, userID, id int64, enabled bool) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		n, err := execRowsAffected(ctx, tx,
			"UPDATE intents SET enabled = ?, updated_at = ? WHERE user_id = ? AND id = ?",
			enabled, time.Now().UTC(), userID, id)
		if err != nil {
			return joinErr("toggle intent", err)
		}
		if n == 0 {
			return apperr.NotFound("intent %d not found", id)
		}
		return nil
	})
}

// TouchIntentEvaluated stamps the last evaluation and links the
// execution produced by it.
func (s *SQLiteStore) TouchIntentEvaluated(ctx context.Context, intentID, executionID int64) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE intents SET last_evaluated_at = ?, last_execution_id = ? WHERE id = ?",
			time.Now().UTC(), executionID, intentID)
		if err != nil {
			return joinErr("touch intent", err)
		}
		return nil
	})
}

// CreateIntentExecution inserts a new execution in its initial state.
func (s *SQLiteStore) CreateIntentExecution(ctx context.Context, exec *IntentExecution) error {
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO intent_executions
			(intent_id, user_id, status, trigger_type, containers_matched, started_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, exec.IntentID, exec.UserID, exec.Status, exec.TriggerType, exec.ContainersMatched, exec.StartedAt)
		if err != nil {
			return joinErr("insert intent execution", err)
		}
		exec.ID, err = res.LastInsertId()
		return err
	})
}

// UpdateIntentExecution writes the terminal counters and status.
func (s *SQLiteStore) UpdateIntentExecution(ctx context.Context, exec *IntentExecution) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		n, err := execRowsAffected(ctx, tx, `
			UPDATE intent_executions
			SET status = ?, containers_matched = ?, containers_upgraded = ?,
			    containers_failed = ?, containers_skipped = ?,
			    completed_at = ?, duration_ms = ?, error_message = ?
			WHERE id = ?
		`, exec.Status, exec.ContainersMatched, exec.ContainersUpgraded,
			exec.ContainersFailed, exec.ContainersSkipped,
			exec.CompletedAt, exec.DurationMs, exec.ErrorMessage, exec.ID)
		if err != nil {
			return joinErr("update intent execution", err)
		}
		if n == 0 {
			return apperr.NotFound("intent execution %d not found", exec.ID)
		}
		return nil
	})
}

// AddExecutionContainer appends one per-container outcome row.
func (s *SQLiteStore) AddExecutionContainer(ctx context.Context, c *IntentExecutionContainer) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO intent_execution_containers
			(execution_id, container_id, container_name, image_name, portainer_instance_id,
			 status, old_image, new_image, old_digest, new_digest, error_message, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ExecutionID, c.ContainerID, c.ContainerName, c.ImageName, c.PortainerInstanceID,
			c.Status, c.OldImage, c.NewImage, c.OldDigest, c.NewDigest, c.ErrorMessage, c.DurationMs)
		if err != nil {
			return joinErr("insert execution container", err)
		}
		c.ID, err = res.LastInsertId()
		return err
	})
}

const executionColumns = `id, intent_id, user_id, status, trigger_type,
	containers_matched, containers_upgraded, containers_failed, containers_skipped,
	started_at, completed_at, duration_ms, error_message`

func scanExecution(row interface{ Scan(...any) error }) (*IntentExecution, error) {
	var e IntentExecution
	var completed sql.NullTime
	err := row.Scan(&e.ID, &e.IntentID, &e.UserID, &e.Status, &e.TriggerType,
		&e.ContainersMatched, &e.ContainersUpgraded, &e.ContainersFailed, &e.ContainersSkipped,
		&e.StartedAt, &completed, &e.DurationMs, &e.ErrorMessage)
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		e.CompletedAt = &completed.Time
	}
	return &e, nil
}

// GetIntentExecution returns one execution owned by the user.
func (s *SQLiteStore) GetIntentExecution(ctx context.Context, userID, id int64) (*IntentExecution, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+executionColumns+" FROM intent_executions WHERE user_id = ? AND id = ?", userID, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("execution %d not found", id)
	}
	if err != nil {
		return nil, joinErr("get intent execution", err)
	}
	return e, nil
}

// ListIntentExecutions returns recent executions, newest first.
// intentID zero means all of the user's intents.
func (s *SQLiteStore) ListIntentExecutions(ctx context.Context, userID, intentID int64, limit int) ([]IntentExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + executionColumns + " FROM intent_executions WHERE user_id = ?"
	args := []any{userID}
	if intentID > 0 {
		query += " AND intent_id = ?"
		args = append(args, intentID)
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, joinErr("query intent executions", err)
	}
	defer rows.Close()

	out := make([]IntentExecution, 0)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, joinErr("scan intent execution", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ListExecutionContainers returns the per-container detail of one execution.
func (s *SQLiteStore) ListExecutionContainers(ctx context.Context, executionID int64) ([]IntentExecutionContainer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, container_id, container_name, image_name, portainer_instance_id,
		       status, old_image, new_image, old_digest, new_digest, error_message, duration_ms
		FROM intent_execution_containers
		WHERE execution_id = ?
		ORDER BY id
	`, executionID)
	if err != nil {
		return nil, joinErr("query execution containers", err)
	}
	defer rows.Close()
	return collectExecutionContainers(rows)
}

// ListUpgradeHistory is the flattened upgrade-history read model: every
// per-container outcome across the user's executions, newest first.
func (s *SQLiteStore) ListUpgradeHistory(ctx context.Context, userID int64, limit int) ([]IntentExecutionContainer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.execution_id, c.container_id, c.container_name, c.image_name, c.portainer_instance_id,
		       c.status, c.old_image, c.new_image, c.old_digest, c.new_digest, c.error_message, c.duration_ms
		FROM intent_execution_containers c
		JOIN intent_executions e ON e.id = c.execution_id
		WHERE e.user_id = ?
		ORDER BY c.id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, joinErr("query upgrade history", err)
	}
	defer rows.Close()
	return collectExecutionContainers(rows)
}

func collectExecutionContainers(rows *sql.Rows) ([]IntentExecutionContainer, error) {
	out := make([]IntentExecutionContainer, 0)
	for rows.Next() {
		var c IntentExecutionContainer
		err := rows.Scan(&c.ID, &c.ExecutionID, &c.ContainerID, &c.ContainerName, &c.ImageName,
			&c.PortainerInstanceID, &c.Status, &c.OldImage, &c.NewImage, &c.OldDigest, &c.NewDigest,
			&c.ErrorMessage, &c.DurationMs)
		if err != nil {
			return nil, joinErr("scan execution container", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CleanupStaleIntentExecutions fails executions stuck in a non-terminal
// state longer than olderThan, e.g. after a crash mid-run.
func (s *SQLiteStore) CleanupStaleIntentExecutions(ctx context.Context, olderThan time.Duration) (int64, error) {
	var n int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		cutoff := time.Now().UTC().Add(-olderThan)
		var err error
		n, err = execRowsAffected(ctx, tx, `
			UPDATE intent_executions
			SET status = ?, completed_at = ?, error_message = 'abandoned: process restarted mid-execution'
			WHERE status IN (?, ?) AND started_at < ?
		`, ExecStatusFailed, time.Now().UTC(), ExecStatusPending, ExecStatusRunning, cutoff)
		if err != nil {
			return joinErr("cleanup stale executions", err)
		}
		return nil
	})
	return n, err
}
