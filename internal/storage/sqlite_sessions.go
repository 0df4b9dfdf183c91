package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/chis/portsmith/internal/apperr"
)

// CreateSession stores an API session token.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess.Token == "" {
		return apperr.Validation("session token is required")
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (token, user_id, created_at, expires_at)
			VALUES (?, ?, ?, ?)
		`, sess.Token, sess.UserID, sess.CreatedAt, sess.ExpiresAt)
		if err != nil {
			return joinErr("insert session", err)
		}
		return nil
	})
}

// GetSession returns a live session. Expired tokens read as NotFound.
func (s *SQLiteStore) GetSession(ctx context.Context, token string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT token, user_id, created_at, expires_at
		FROM sessions WHERE token = ? AND expires_at > ?
	`, token, time.Now().UTC()).Scan(&sess.Token, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("session not found")
	}
	if err != nil {
		return nil, joinErr("get session", err)
	}
	return &sess, nil
}

// DeleteExpiredSessions removes dead sessions and OAuth states.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	var n int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		deleted, err := execRowsAffected(ctx, tx,
			"DELETE FROM sessions WHERE expires_at <= ?", now)
		if err != nil {
			return joinErr("delete expired sessions", err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM oauth_states WHERE expires_at <= ?", now); err != nil {
			return joinErr("delete expired oauth states", err)
		}
		n = deleted
		return nil
	})
	return n, err
}

// CreateOAuthState stores an ephemeral state value.
func (s *SQLiteStore) CreateOAuthState(ctx context.Context, st *OAuthState) error {
	if st.State == "" {
		return apperr.Validation("oauth state is required")
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO oauth_states (state, user_id, verifier, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?)
		`, st.State, st.UserID, st.Verifier, st.CreatedAt, st.ExpiresAt)
		if err != nil {
			return joinErr("insert oauth state", err)
		}
		return nil
	})
}

// ConsumeOAuthState reads and deletes a state in one transaction, so a
// replayed value cannot be accepted twice. Expired states are rejected.
func (s *SQLiteStore) ConsumeOAuthState(ctx context.Context, state string) (*OAuthState, error) {
	var st OAuthState
	err := s.write(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT state, user_id, verifier, created_at, expires_at
			FROM oauth_states WHERE state = ?
		`, state).Scan(&st.State, &st.UserID, &st.Verifier, &st.CreatedAt, &st.ExpiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("oauth state not found")
		}
		if err != nil {
			return joinErr("get oauth state", err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM oauth_states WHERE state = ?", state); err != nil {
			return joinErr("consume oauth state", err)
		}
		if time.Now().UTC().After(st.ExpiresAt) {
			return apperr.NotFound("oauth state expired")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}
