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

// UpsertDeployedImage inserts or refreshes a deployed image row.
// The digest is normalised at this boundary so readers always see the
// canonical lower-case sha256:<hex> form. Returns the row id.
func (s *SQLiteStore) UpsertDeployedImage(ctx context.Context, img *DeployedImage) (int64, error) {
	img.ImageDigest = registry.NormalizeDigest(img.ImageDigest)

	var id int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO deployed_images
			(user_id, image_repo, image_tag, image_digest, image_created_date,
			 registry, namespace, repository, repo_digests, repository_token_id, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, image_repo, image_tag, image_digest)
			DO UPDATE SET last_seen = excluded.last_seen,
			              repo_digests = excluded.repo_digests,
			              image_created_date = COALESCE(excluded.image_created_date, deployed_images.image_created_date)
		`, img.UserID, img.ImageRepo, img.ImageTag, img.ImageDigest, img.ImageCreatedDate,
			img.Registry, img.Namespace, img.Repository, img.RepoDigests, img.RepositoryTokenID, now, now)
		if err != nil {
			return joinErr("upsert deployed image", err)
		}

		err = tx.QueryRowContext(ctx, `
			SELECT id FROM deployed_images
			WHERE user_id = ? AND image_repo = ? AND image_tag = ? AND image_digest = ?
		`, img.UserID, img.ImageRepo, img.ImageTag, img.ImageDigest).Scan(&id)
		if err != nil {
			return joinErr("resolve deployed image id", err)
		}
		s.notifyWrite(img.UserID)
		return nil
	})
	if err != nil {
		return 0, err
	}
	img.ID = id
	return id, nil
}

const deployedImageColumns = `id, user_id, image_repo, image_tag, image_digest,
	image_created_date, COALESCE(registry, ''), COALESCE(namespace, ''),
	COALESCE(repository, ''), COALESCE(repo_digests, ''), repository_token_id,
	first_seen, last_seen`

func scanDeployedImage(row interface{ Scan(...any) error }) (*DeployedImage, error) {
	var img DeployedImage
	var created sql.NullTime
	err := row.Scan(&img.ID, &img.UserID, &img.ImageRepo, &img.ImageTag, &img.ImageDigest,
		&created, &img.Registry, &img.Namespace, &img.Repository, &img.RepoDigests,
		&img.RepositoryTokenID, &img.FirstSeen, &img.LastSeen)
	if err != nil {
		return nil, err
	}
	if created.Valid {
		img.ImageCreatedDate = &created.Time
	}
	return &img, nil
}

// ListDeployedImages returns all deployed image rows for a user.
func (s *SQLiteStore) ListDeployedImages(ctx context.Context, userID int64) ([]DeployedImage, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+deployedImageColumns+" FROM deployed_images WHERE user_id = ? ORDER BY image_repo, image_tag",
		userID)
	if err != nil {
		return nil, joinErr("query deployed images", err)
	}
	defer rows.Close()

	out := make([]DeployedImage, 0)
	for rows.Next() {
		img, err := scanDeployedImage(rows)
		if err != nil {
			return nil, joinErr("scan deployed image", err)
		}
		out = append(out, *img)
	}
	return out, rows.Err()
}

// ListImageCoords returns the distinct (image_repo, image_tag) pairs
// the update detector must resolve, with the associated access token.
func (s *SQLiteStore) ListImageCoords(ctx context.Context, userID int64) ([]ImageCoord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT image_repo, image_tag, MAX(repository_token_id)
		FROM deployed_images
		WHERE user_id = ?
		GROUP BY image_repo, image_tag
		ORDER BY image_repo, image_tag
	`, userID)
	if err != nil {
		return nil, joinErr("query image coords", err)
	}
	defer rows.Close()

	out := make([]ImageCoord, 0)
	for rows.Next() {
		var c ImageCoord
		if err := rows.Scan(&c.ImageRepo, &c.ImageTag, &c.RepositoryTokenID); err != nil {
			return nil, joinErr("scan image coord", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AssociateImagesWithToken points deployed image rows at a repository
// access token (or clears the association when tokenID is nil).
func (s *SQLiteStore) AssociateImagesWithToken(ctx context.Context, userID int64, imageIDs []int64, tokenID *int64) error {
	if len(imageIDs) == 0 {
		return apperr.Validation("no image ids given")
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		if tokenID != nil {
			var owner int64
			err := tx.QueryRowContext(ctx,
				"SELECT user_id FROM repository_access_tokens WHERE id = ?", *tokenID).Scan(&owner)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != userID) {
				return apperr.NotFound("repository access token %d not found", *tokenID)
			}
			if err != nil {
				return joinErr("verify token owner", err)
			}
		}

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(imageIDs)), ",")
		args := make([]any, 0, len(imageIDs)+2)
		args = append(args, tokenID, userID)
		for _, id := range imageIDs {
			args = append(args, id)
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE deployed_images SET repository_token_id = ? WHERE user_id = ? AND id IN ("+placeholders+")",
			args...)
		if err != nil {
			return joinErr("associate images with token", err)
		}
		s.notifyWrite(userID)
		return nil
	})
}

// CleanupOrphanDeployedImages deletes deployed image rows no container
// references any more. Run after every container deletion pass.
func (s *SQLiteStore) CleanupOrphanDeployedImages(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = execRowsAffected(ctx, tx, `
			DELETE FROM deployed_images
			WHERE user_id = ?
			  AND id NOT IN (
				SELECT deployed_image_id FROM containers
				WHERE user_id = ? AND deployed_image_id IS NOT NULL
			  )
		`, userID, userID)
		if err != nil {
			return joinErr("cleanup orphan deployed images", err)
		}
		if n > 0 {
			s.notifyWrite(userID)
		}
		return nil
	})
	return n, err
}

// UpsertRegistryVersion persists a registry resolution result. The
// same transaction advances last_seen on the matching deployed image
// rows so both sides of a coordinate become visible atomically.
// A nil digest is kept as NULL so "checked, unknown" is
// distinguishable from "never resolved".
func (s *SQLiteStore) UpsertRegistryVersion(ctx context.Context, v *RegistryImageVersion) error {
	v.LatestDigest = registry.NormalizeDigest(v.LatestDigest)

	return s.write(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		if v.LastChecked.IsZero() {
			v.LastChecked = now
		}

		var latestDigest any
		if v.LatestDigest != "" {
			latestDigest = v.LatestDigest
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO registry_image_versions
			(user_id, image_repo, registry, provider, namespace, repository, tag,
			 latest_digest, latest_version, latest_publish_date, exists_in_registry, no_digest, last_checked)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, image_repo, tag)
			DO UPDATE SET registry = excluded.registry,
			              provider = excluded.provider,
			              namespace = excluded.namespace,
			              repository = excluded.repository,
			              latest_digest = excluded.latest_digest,
			              latest_version = excluded.latest_version,
			              latest_publish_date = excluded.latest_publish_date,
			              exists_in_registry = excluded.exists_in_registry,
			              no_digest = excluded.no_digest,
			              last_checked = excluded.last_checked
		`, v.UserID, v.ImageRepo, v.Registry, v.Provider, v.Namespace, v.Repository, v.Tag,
			latestDigest, v.LatestVersion, v.LatestPublishDate, v.ExistsInRegistry, v.NoDigest, v.LastChecked)
		if err != nil {
			return joinErr("upsert registry version", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE deployed_images SET last_seen = ?
			WHERE user_id = ? AND image_repo = ? AND image_tag = ?
		`, now, v.UserID, v.ImageRepo, v.Tag)
		if err != nil {
			return joinErr("touch deployed images", err)
		}

		s.notifyWrite(v.UserID)
		return nil
	})
}

// TouchRegistryCoordinate refreshes last_seen on the deployed image
// rows of a coordinate without changing the registry version row.
// Used when a resolution failed and the previous latest_digest and
// last_checked must survive untouched.
func (s *SQLiteStore) TouchRegistryCoordinate(ctx context.Context, userID int64, imageRepo, tag string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE deployed_images SET last_seen = ?
			WHERE user_id = ? AND image_repo = ? AND image_tag = ?
		`, time.Now().UTC(), userID, imageRepo, tag)
		if err != nil {
			return joinErr("touch registry coordinate", err)
		}
		return nil
	})
}

const registryVersionColumns = `id, user_id, image_repo, registry,
	COALESCE(provider, ''), COALESCE(namespace, ''), repository, tag,
	COALESCE(latest_digest, ''), COALESCE(latest_version, ''),
	latest_publish_date, exists_in_registry, no_digest, last_checked`

func scanRegistryVersion(row interface{ Scan(...any) error }) (*RegistryImageVersion, error) {
	var v RegistryImageVersion
	var publish sql.NullTime
	err := row.Scan(&v.ID, &v.UserID, &v.ImageRepo, &v.Registry,
		&v.Provider, &v.Namespace, &v.Repository, &v.Tag,
		&v.LatestDigest, &v.LatestVersion, &publish, &v.ExistsInRegistry, &v.NoDigest, &v.LastChecked)
	if err != nil {
		return nil, err
	}
	if publish.Valid {
		v.LatestPublishDate = &publish.Time
	}
	return &v, nil
}

// GetRegistryVersion returns the registry state for one coordinate.
func (s *SQLiteStore) GetRegistryVersion(ctx context.Context, userID int64, imageRepo, tag string) (*RegistryImageVersion, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+registryVersionColumns+" FROM registry_image_versions WHERE user_id = ? AND image_repo = ? AND tag = ?",
		userID, imageRepo, tag)
	v, err := scanRegistryVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("registry version for %s:%s not found", imageRepo, tag)
	}
	if err != nil {
		return nil, joinErr("get registry version", err)
	}
	return v, nil
}
