package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/chis/portsmith/internal/apperr"
	"github.com/chis/portsmith/internal/registry"
)

// CreateTrackedApp inserts a tracked app and fills in its id.
func (s *SQLiteStore) CreateTrackedApp(ctx context.Context, app *TrackedApp) error {
	app.CurrentDigest = registry.NormalizeDigest(app.CurrentDigest)
	app.LatestDigest = registry.NormalizeDigest(app.LatestDigest)

	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tracked_apps
			(user_id, name, image_name, github_repo, source_type, repository_token_id,
			 current_version, current_digest, latest_version, latest_digest, has_update,
			 current_version_publish_date, latest_version_publish_date, last_checked)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, app.UserID, app.Name, app.ImageName, app.GithubRepo, app.SourceType, app.RepositoryTokenID,
			app.CurrentVersion, app.CurrentDigest, app.LatestVersion, app.LatestDigest, app.HasUpdate,
			app.CurrentVersionPublishDate, app.LatestVersionPublishDate, app.LastChecked)
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.Conflict("tracked app for %s/%s already exists", app.ImageName, app.GithubRepo)
			}
			return joinErr("insert tracked app", err)
		}
		app.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		s.notifyWrite(app.UserID)
		return nil
	})
}

const trackedAppColumns = `id, user_id, name, image_name, github_repo, source_type,
	repository_token_id, current_version, current_digest, latest_version, latest_digest,
	has_update, current_version_publish_date, latest_version_publish_date, last_checked`

func scanTrackedApp(row interface{ Scan(...any) error }) (*TrackedApp, error) {
	var app TrackedApp
	var curPub, latPub, checked sql.NullTime
	err := row.Scan(&app.ID, &app.UserID, &app.Name, &app.ImageName, &app.GithubRepo, &app.SourceType,
		&app.RepositoryTokenID, &app.CurrentVersion, &app.CurrentDigest, &app.LatestVersion, &app.LatestDigest,
		&app.HasUpdate, &curPub, &latPub, &checked)
	if err != nil {
		return nil, err
	}
	if curPub.Valid {
		app.CurrentVersionPublishDate = &curPub.Time
	}
	if latPub.Valid {
		app.LatestVersionPublishDate = &latPub.Time
	}
	if checked.Valid {
		app.LastChecked = &checked.Time
	}
	return &app, nil
}

// GetTrackedApp returns one tracked app owned by the user.
func (s *SQLiteStore) GetTrackedApp(ctx context.Context, userID, id int64) (*TrackedApp, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+trackedAppColumns+" FROM tracked_apps WHERE user_id = ? AND id = ?", userID, id)
	app, err := scanTrackedApp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("tracked app %d not found", id)
	}
	if err != nil {
		return nil, joinErr("get tracked app", err)
	}
	return app, nil
}

// ListTrackedApps returns the user's tracked apps by name.
func (s *SQLiteStore) ListTrackedApps(ctx context.Context, userID int64) ([]TrackedApp, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+trackedAppColumns+" FROM tracked_apps WHERE user_id = ? ORDER BY name", userID)
	if err != nil {
		return nil, joinErr("query tracked apps", err)
	}
	defer rows.Close()

	out := make([]TrackedApp, 0)
	for rows.Next() {
		app, err := scanTrackedApp(rows)
		if err != nil {
			return nil, joinErr("scan tracked app", err)
		}
		out = append(out, *app)
	}
	return out, rows.Err()
}

// UpdateTrackedApp rewrites a tracked app row.
func (s *SQLiteStore) UpdateTrackedApp(ctx context.Context, app *TrackedApp) error {
	app.CurrentDigest = registry.NormalizeDigest(app.CurrentDigest)
	app.LatestDigest = registry.NormalizeDigest(app.LatestDigest)

	return s.write(ctx, func(tx *sql.Tx) error {
		n, err := execRowsAffected(ctx, tx, `
			UPDATE tracked_apps
			SET name = ?, image_name = ?, github_repo = ?, source_type = ?, repository_token_id = ?,
			    current_version = ?, current_digest = ?, latest_version = ?, latest_digest = ?,
			    has_update = ?, current_version_publish_date = ?, latest_version_publish_date = ?,
			    last_checked = ?
			WHERE user_id = ? AND id = ?
		`, app.Name, app.ImageName, app.GithubRepo, app.SourceType, app.RepositoryTokenID,
			app.CurrentVersion, app.CurrentDigest, app.LatestVersion, app.LatestDigest,
			app.HasUpdate, app.CurrentVersionPublishDate, app.LatestVersionPublishDate,
			app.LastChecked, app.UserID, app.ID)
		if err != nil {
			return joinErr("update tracked app", err)
		}
		if n == 0 {
			return apperr.NotFound("tracked app %d not found", app.ID)
		}
		s.notifyWrite(app.UserID)
		return nil
	})
}

// DeleteTrackedApp removes a tracked app and its history (FK cascade).
func (s *SQLiteStore) DeleteTrackedApp(ctx context.Context, userID, id int64) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		n, err := execRowsAffected(ctx, tx,
			"DELETE FROM tracked_apps WHERE user_id = ? AND id = ?", userID, id)
		if err != nil {
			return joinErr("delete tracked app", err)
		}
		if n == 0 {
			return apperr.NotFound("tracked app %d not found", id)
		}
		s.notifyWrite(userID)
		return nil
	})
}

// RecordTrackedAppTransition appends a version transition to the
// tracked app history (the tracked-app upgrade-history read model).
func (s *SQLiteStore) RecordTrackedAppTransition(ctx context.Context, entry *TrackedAppHistoryEntry) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tracked_app_history
			(user_id, app_id, app_name, from_version, to_version, from_digest, to_digest, detected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, entry.UserID, entry.AppID, entry.AppName, entry.FromVersion, entry.ToVersion,
			entry.FromDigest, entry.ToDigest, time.Now().UTC())
		if err != nil {
			return joinErr("insert tracked app transition", err)
		}
		entry.ID, _ = res.LastInsertId()
		return nil
	})
}

// ListTrackedAppHistory returns recent transitions, newest first.
func (s *SQLiteStore) ListTrackedAppHistory(ctx context.Context, userID int64, limit int) ([]TrackedAppHistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, app_id, app_name, from_version, to_version, from_digest, to_digest, detected_at
		FROM tracked_app_history
		WHERE user_id = ?
		ORDER BY detected_at DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, joinErr("query tracked app history", err)
	}
	defer rows.Close()

	out := make([]TrackedAppHistoryEntry, 0)
	for rows.Next() {
		var e TrackedAppHistoryEntry
		err := rows.Scan(&e.ID, &e.UserID, &e.AppID, &e.AppName,
			&e.FromVersion, &e.ToVersion, &e.FromDigest, &e.ToDigest, &e.DetectedAt)
		if err != nil {
			return nil, joinErr("scan tracked app history", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
