package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/chis/portsmith/internal/apperr"
	"github.com/chis/portsmith/internal/registry"
)

// UpsertContainer inserts or refreshes one observed container row.
func (s *SQLiteStore) UpsertContainer(ctx context.Context, c *Container) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO containers
			(user_id, portainer_instance_id, container_id, container_name, endpoint_id,
			 image_name, image_repo, status, state, stack_name, deployed_image_id,
			 uses_network_mode, provides_network, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, container_id, portainer_instance_id, endpoint_id)
			DO UPDATE SET container_name = excluded.container_name,
			              image_name = excluded.image_name,
			              image_repo = excluded.image_repo,
			              status = excluded.status,
			              state = excluded.state,
			              stack_name = excluded.stack_name,
			              deployed_image_id = excluded.deployed_image_id,
			              uses_network_mode = excluded.uses_network_mode,
			              provides_network = excluded.provides_network,
			              last_seen = excluded.last_seen
		`, c.UserID, c.PortainerInstanceID, c.ContainerID, c.ContainerName, c.EndpointID,
			c.ImageName, c.ImageRepo, c.Status, c.State, c.StackName, c.DeployedImageID,
			c.UsesNetworkMode, c.ProvidesNetwork, now)
		if err != nil {
			return joinErr("upsert container", err)
		}
		if c.ID == 0 {
			if id, err := res.LastInsertId(); err == nil {
				c.ID = id
			}
		}
		c.LastSeen = now
		s.notifyWrite(c.UserID)
		return nil
	})
}

const containerColumns = `id, user_id, portainer_instance_id, container_id, container_name,
	endpoint_id, image_name, image_repo, status, state, COALESCE(stack_name, ''),
	deployed_image_id, uses_network_mode, provides_network, last_seen`

func scanContainer(row interface{ Scan(...any) error }) (*Container, error) {
	var c Container
	err := row.Scan(&c.ID, &c.UserID, &c.PortainerInstanceID, &c.ContainerID, &c.ContainerName,
		&c.EndpointID, &c.ImageName, &c.ImageRepo, &c.Status, &c.State, &c.StackName,
		&c.DeployedImageID, &c.UsesNetworkMode, &c.ProvidesNetwork, &c.LastSeen)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindContainerByCID looks a container up by its Docker id, accepting
// either the full 64-char id or the 12-char short prefix.
func (s *SQLiteStore) FindContainerByCID(ctx context.Context, userID int64, containerID string) (*Container, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+containerColumns+" FROM containers WHERE user_id = ? AND container_id = ?",
		userID, containerID)
	c, err := scanContainer(row)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, joinErr("find container", err)
	}

	// Short-id fallback.
	if len(containerID) >= 12 {
		row = s.db.QueryRowContext(ctx,
			"SELECT "+containerColumns+" FROM containers WHERE user_id = ? AND container_id LIKE ? ESCAPE '\\'",
			userID, likeEscape(containerID[:12])+"%")
		c, err = scanContainer(row)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, joinErr("find container by prefix", err)
		}
	}
	return nil, apperr.NotFound("container %s not found", containerID)
}

// FindContainerByImage falls back to (image_name, endpoint) identity,
// which survives recreation of a container by another tool.
func (s *SQLiteStore) FindContainerByImage(ctx context.Context, userID, instanceID int64, endpointID int, imageName string) (*Container, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+containerColumns+` FROM containers
		WHERE user_id = ? AND portainer_instance_id = ? AND endpoint_id = ? AND image_name = ?
		ORDER BY last_seen DESC LIMIT 1
	`, userID, instanceID, endpointID, imageName)
	c, err := scanContainer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("container for image %s not found", imageName)
	}
	if err != nil {
		return nil, joinErr("find container by image", err)
	}
	return c, nil
}

// containerJoinQuery is the single place the three-table join lives;
// callers compute has_update from the digests it returns.
const containerJoinQuery = `
	SELECT c.id, c.user_id, c.portainer_instance_id, c.container_id, c.container_name,
	       c.endpoint_id, c.image_name, c.image_repo, c.status, c.state, COALESCE(c.stack_name, ''),
	       c.deployed_image_id, c.uses_network_mode, c.provides_network, c.last_seen,
	       COALESCE(di.image_tag, ''), COALESCE(di.image_digest, ''), di.image_created_date,
	       COALESCE(di.registry, ''),
	       COALESCE(riv.latest_digest, ''), COALESCE(riv.latest_version, ''),
	       riv.latest_publish_date, COALESCE(riv.exists_in_registry, 0), riv.last_checked
	FROM containers c
	LEFT JOIN deployed_images di ON di.id = c.deployed_image_id
	LEFT JOIN registry_image_versions riv
	       ON riv.user_id = c.user_id AND riv.image_repo = c.image_repo AND riv.tag = di.image_tag
`

func scanContainerWithVersion(rows *sql.Rows) (*ContainerWithVersion, error) {
	var cv ContainerWithVersion
	var imgCreated, publish, lastChecked sql.NullTime
	err := rows.Scan(&cv.ID, &cv.UserID, &cv.PortainerInstanceID, &cv.Container.ContainerID, &cv.ContainerName,
		&cv.EndpointID, &cv.ImageName, &cv.ImageRepo, &cv.Status, &cv.State, &cv.StackName,
		&cv.DeployedImageID, &cv.UsesNetworkMode, &cv.ProvidesNetwork, &cv.LastSeen,
		&cv.ImageTag, &cv.CurrentDigest, &imgCreated,
		&cv.Registry,
		&cv.LatestDigest, &cv.LatestVersion,
		&publish, &cv.ExistsInRegistry, &lastChecked)
	if err != nil {
		return nil, err
	}
	if imgCreated.Valid {
		cv.ImageCreatedDate = &imgCreated.Time
	}
	if publish.Valid {
		cv.LatestPublishDate = &publish.Time
	}
	if lastChecked.Valid {
		cv.LastChecked = &lastChecked.Time
	}
	cv.HasUpdate = registry.HasUpdate(cv.CurrentDigest, cv.LatestDigest)
	return &cv, nil
}

// GetContainersWithUpdates returns the denormalised container view for
// a user, optionally restricted to one Portainer instance by URL.
func (s *SQLiteStore) GetContainersWithUpdates(ctx context.Context, userID int64, portainerURL string) ([]ContainerWithVersion, error) {
	query := containerJoinQuery + " WHERE c.user_id = ?"
	args := []any{userID}
	if portainerURL != "" {
		query += " AND c.portainer_instance_id IN (SELECT id FROM portainer_instances WHERE user_id = ? AND url = ?)"
		args = append(args, userID, portainerURL)
	}
	query += " ORDER BY c.container_name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, joinErr("query containers with updates", err)
	}
	defer rows.Close()

	out := make([]ContainerWithVersion, 0)
	for rows.Next() {
		cv, err := scanContainerWithVersion(rows)
		if err != nil {
			return nil, joinErr("scan container with version", err)
		}
		out = append(out, *cv)
	}
	return out, rows.Err()
}

// GetContainerWithVersion returns the joined view for one container id
// (full or short prefix).
func (s *SQLiteStore) GetContainerWithVersion(ctx context.Context, userID int64, containerID string) (*ContainerWithVersion, error) {
	c, err := s.FindContainerByCID(ctx, userID, containerID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, containerJoinQuery+" WHERE c.user_id = ? AND c.id = ?", userID, c.ID)
	if err != nil {
		return nil, joinErr("query container with version", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, apperr.NotFound("container %s not found", containerID)
	}
	return scanContainerWithVersion(rows)
}

// DeleteContainersNotIn removes rows for one (instance, endpoint) that
// are absent from the authoritative id list returned by a poll.
func (s *SQLiteStore) DeleteContainersNotIn(ctx context.Context, userID, instanceID int64, endpointID int, seenIDs []string) (int64, error) {
	var n int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		query := "DELETE FROM containers WHERE user_id = ? AND portainer_instance_id = ? AND endpoint_id = ?"
		args := []any{userID, instanceID, endpointID}
		if len(seenIDs) > 0 {
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(seenIDs)), ",")
			query += " AND container_id NOT IN (" + placeholders + ")"
			for _, id := range seenIDs {
				args = append(args, id)
			}
		}
		var err error
		n, err = execRowsAffected(ctx, tx, query, args...)
		if err != nil {
			return joinErr("delete unseen containers", err)
		}
		if n > 0 {
			s.notifyWrite(userID)
		}
		return nil
	})
	return n, err
}

// DeleteContainersNotSeenSince removes rows whose last_seen is older
// than the cutoff (the 7-day reaper).
func (s *SQLiteStore) DeleteContainersNotSeenSince(ctx context.Context, userID int64, cutoff time.Time) (int64, error) {
	var n int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = execRowsAffected(ctx, tx,
			"DELETE FROM containers WHERE user_id = ? AND last_seen < ?", userID, cutoff)
		if err != nil {
			return joinErr("delete stale containers", err)
		}
		if n > 0 {
			s.notifyWrite(userID)
		}
		return nil
	})
	return n, err
}
