package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/chis/portsmith/internal/apperr"
)

// MarkNotificationSent claims a deduplication key for the user. The
// first caller for a key gets true and should deliver; later callers
// for the same key get false. INSERT OR IGNORE makes the claim atomic.
func (s *SQLiteStore) MarkNotificationSent(ctx context.Context, userID int64, dedupKey, notificationType string) (bool, error) {
	var claimed bool
	err := s.write(ctx, func(tx *sql.Tx) error {
		n, err := execRowsAffected(ctx, tx, `
			INSERT OR IGNORE INTO notifications_sent (user_id, deduplication_key, notification_type, sent_at)
			VALUES (?, ?, ?, ?)
		`, userID, dedupKey, notificationType, time.Now().UTC())
		if err != nil {
			return joinErr("mark notification", err)
		}
		claimed = n > 0
		return nil
	})
	return claimed, err
}

// CreateWebhook stores a notification destination.
func (s *SQLiteStore) CreateWebhook(ctx context.Context, wh *Webhook) error {
	if wh.URL == "" {
		return apperr.Validation("webhook url is required")
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO webhooks (user_id, name, url, enabled) VALUES (?, ?, ?, ?)
		`, wh.UserID, wh.Name, wh.URL, wh.Enabled)
		if err != nil {
			return joinErr("insert webhook", err)
		}
		wh.ID, err = res.LastInsertId()
		return err
	})
}

// ListWebhooks returns the user's webhooks, enabled or not.
func (s *SQLiteStore) ListWebhooks(ctx context.Context, userID int64) ([]Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, url, enabled, created_at
		FROM webhooks WHERE user_id = ? ORDER BY name
	`, userID)
	if err != nil {
		return nil, joinErr("query webhooks", err)
	}
	defer rows.Close()

	out := make([]Webhook, 0)
	for rows.Next() {
		var wh Webhook
		if err := rows.Scan(&wh.ID, &wh.UserID, &wh.Name, &wh.URL, &wh.Enabled, &wh.CreatedAt); err != nil {
			return nil, joinErr("scan webhook", err)
		}
		out = append(out, wh)
	}
	return out, rows.Err()
}

// DeleteWebhook removes a destination.
func (s *SQLiteStore) DeleteWebhook(ctx context.Context, userID, id int64) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		n, err := execRowsAffected(ctx, tx,
			"DELETE FROM webhooks WHERE user_id = ? AND id = ?", userID, id)
		if err != nil {
			return joinErr("delete webhook", err)
		}
		if n == 0 {
			return apperr.NotFound("webhook %d not found", id)
		}
		return nil
	})
}
