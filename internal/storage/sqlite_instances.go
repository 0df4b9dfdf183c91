package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/chis/portsmith/internal/apperr"
)

// ListUserIDs returns every tenant id, for the batch scheduler.
func (s *SQLiteStore) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM users ORDER BY id")
	if err != nil {
		return nil, joinErr("query users", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, joinErr("scan user id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateInstance inserts a Portainer instance and fills in its id.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *PortainerInstance) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO portainer_instances
			(user_id, name, url, auth_type, username, password, api_key, display_order, ip_address)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, inst.UserID, inst.Name, inst.URL, inst.AuthType,
			inst.Username, inst.Password, inst.APIKey, inst.DisplayOrder, inst.IPAddress)
		if err != nil {
			return joinErr("insert portainer instance", err)
		}
		inst.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		inst.CreatedAt = time.Now().UTC()
		s.notifyWrite(inst.UserID)
		return nil
	})
}

const instanceColumns = `id, user_id, name, url, auth_type,
	COALESCE(username, ''), COALESCE(password, ''), COALESCE(api_key, ''),
	display_order, COALESCE(ip_address, ''), created_at`

func scanInstance(row interface{ Scan(...any) error }) (*PortainerInstance, error) {
	var inst PortainerInstance
	err := row.Scan(&inst.ID, &inst.UserID, &inst.Name, &inst.URL, &inst.AuthType,
		&inst.Username, &inst.Password, &inst.APIKey,
		&inst.DisplayOrder, &inst.IPAddress, &inst.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetInstance returns one instance owned by the user.
func (s *SQLiteStore) GetInstance(ctx context.Context, userID, id int64) (*PortainerInstance, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+instanceColumns+" FROM portainer_instances WHERE user_id = ? AND id = ?",
		userID, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("portainer instance %d not found", id)
	}
	if err != nil {
		return nil, joinErr("get portainer instance", err)
	}
	return inst, nil
}

// GetInstanceByURL finds an instance by its base URL.
func (s *SQLiteStore) GetInstanceByURL(ctx context.Context, userID int64, url string) (*PortainerInstance, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+instanceColumns+" FROM portainer_instances WHERE user_id = ? AND url = ?",
		userID, url)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("portainer instance %s not found", url)
	}
	if err != nil {
		return nil, joinErr("get portainer instance by url", err)
	}
	return inst, nil
}

// ListInstances returns the user's instances in display order.
func (s *SQLiteStore) ListInstances(ctx context.Context, userID int64) ([]PortainerInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+instanceColumns+" FROM portainer_instances WHERE user_id = ? ORDER BY display_order, id",
		userID)
	if err != nil {
		return nil, joinErr("query portainer instances", err)
	}
	defer rows.Close()

	out := make([]PortainerInstance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, joinErr("scan portainer instance", err)
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// UpdateInstance rewrites a mutable instance row.
func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *PortainerInstance) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		n, err := execRowsAffected(ctx, tx, `
			UPDATE portainer_instances
			SET name = ?, url = ?, auth_type = ?, username = ?, password = ?,
			    api_key = ?, display_order = ?, ip_address = ?
			WHERE user_id = ? AND id = ?
		`, inst.Name, inst.URL, inst.AuthType, inst.Username, inst.Password,
			inst.APIKey, inst.DisplayOrder, inst.IPAddress, inst.UserID, inst.ID)
		if err != nil {
			return joinErr("update portainer instance", err)
		}
		if n == 0 {
			return apperr.NotFound("portainer instance %d not found", inst.ID)
		}
		s.notifyWrite(inst.UserID)
		return nil
	})
}

// DeleteInstance removes an instance. Containers cascade via FK;
// deployed image rows are left for the explicit orphan cleanup pass.
func (s *SQLiteStore) DeleteInstance(ctx context.Context, userID, id int64) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		n, err := execRowsAffected(ctx, tx,
			"DELETE FROM portainer_instances WHERE user_id = ? AND id = ?", userID, id)
		if err != nil {
			return joinErr("delete portainer instance", err)
		}
		if n == 0 {
			return apperr.NotFound("portainer instance %d not found", id)
		}
		s.notifyWrite(userID)
		return nil
	})
}
