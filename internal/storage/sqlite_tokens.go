package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/chis/portsmith/internal/apperr"
)

// CreateToken stores a repository access token for the user.
func (s *SQLiteStore) CreateToken(ctx context.Context, tok *RepositoryAccessToken) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO repository_access_tokens (user_id, provider, name, access_token)
			VALUES (?, ?, ?, ?)
		`, tok.UserID, tok.Provider, tok.Name, tok.AccessToken)
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.Conflict("token %q already exists for provider %s", tok.Name, tok.Provider)
			}
			return joinErr("insert token", err)
		}
		tok.ID, err = res.LastInsertId()
		return err
	})
}

// GetToken returns one token owned by the user, secret included.
func (s *SQLiteStore) GetToken(ctx context.Context, userID, id int64) (*RepositoryAccessToken, error) {
	var tok RepositoryAccessToken
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider, name, access_token, created_at
		FROM repository_access_tokens WHERE user_id = ? AND id = ?
	`, userID, id).Scan(&tok.ID, &tok.UserID, &tok.Provider, &tok.Name, &tok.AccessToken, &tok.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("token %d not found", id)
	}
	if err != nil {
		return nil, joinErr("get token", err)
	}
	return &tok, nil
}

// ListTokens returns the user's tokens ordered by provider then name.
func (s *SQLiteStore) ListTokens(ctx context.Context, userID int64) ([]RepositoryAccessToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, provider, name, access_token, created_at
		FROM repository_access_tokens WHERE user_id = ?
		ORDER BY provider, name
	`, userID)
	if err != nil {
		return nil, joinErr("query tokens", err)
	}
	defer rows.Close()

	out := make([]RepositoryAccessToken, 0)
	for rows.Next() {
		var tok RepositoryAccessToken
		if err := rows.Scan(&tok.ID, &tok.UserID, &tok.Provider, &tok.Name, &tok.AccessToken, &tok.CreatedAt); err != nil {
			return nil, joinErr("scan token", err)
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

// UpdateToken rewrites a token's name and secret.
func (s *SQLiteStore) UpdateToken(ctx context.Context, tok *RepositoryAccessToken) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		n, err := execRowsAffected(ctx, tx, `
			UPDATE repository_access_tokens
			SET provider = ?, name = ?, access_token = ?
			WHERE user_id = ? AND id = ?
		`, tok.Provider, tok.Name, tok.AccessToken, tok.UserID, tok.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.Conflict("token %q already exists for provider %s", tok.Name, tok.Provider)
			}
			return joinErr("update token", err)
		}
		if n == 0 {
			return apperr.NotFound("token %d not found", tok.ID)
		}
		return nil
	})
}

// DeleteToken removes a token. Deployed images and tracked apps that
// referenced it fall back to anonymous access (FK SET NULL).
func (s *SQLiteStore) DeleteToken(ctx context.Context, userID, id int64) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		n, err := execRowsAffected(ctx, tx,
			"DELETE FROM repository_access_tokens WHERE user_id = ? AND id = ?", userID, id)
		if err != nil {
			return joinErr("delete token", err)
		}
		if n == 0 {
			return apperr.NotFound("token %d not found", id)
		}
		s.notifyWrite(userID)
		return nil
	})
}
