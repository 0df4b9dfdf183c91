package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chis/portsmith/internal/logging"
	"github.com/chis/portsmith/internal/portainer"
	"github.com/chis/portsmith/internal/registry"
	"github.com/chis/portsmith/internal/storage"
)

// SyncInstance persists a full Portainer snapshot for one instance:
// deployed images and containers are upserted, then rows for
// containers that vanished from the instance are removed per endpoint.
func (c *Cache) SyncInstance(ctx context.Context, inst *storage.PortainerInstance, rl *logging.RunLog) (int, error) {
	snap, err := c.scanners(inst).Scan(ctx)
	if err != nil {
		return 0, err
	}

	// Seed from the endpoint list, not the containers: an endpoint
	// that emptied out still needs its leftover rows removed.
	seenByEndpoint := make(map[int][]string)
	for _, id := range snap.EndpointIDs {
		seenByEndpoint[id] = nil
	}
	for i := range snap.Containers {
		sc := snap.Containers[i]
		seenByEndpoint[sc.EndpointID] = append(seenByEndpoint[sc.EndpointID], sc.ContainerID)

		img := deployedImageFromScan(inst.UserID, sc)
		imgID, err := c.store.UpsertDeployedImage(ctx, img)
		if err != nil {
			return 0, err
		}

		container := &storage.Container{
			UserID:              inst.UserID,
			PortainerInstanceID: inst.ID,
			ContainerID:         sc.ContainerID,
			ContainerName:       sc.ContainerName,
			EndpointID:          sc.EndpointID,
			ImageName:           sc.ImageName,
			ImageRepo:           sc.ImageRepo,
			Status:              sc.Status,
			State:               sc.State,
			StackName:           sc.StackName,
			DeployedImageID:     &imgID,
			UsesNetworkMode:     sc.UsesNetworkMode,
			ProvidesNetwork:     sc.ProvidesNetwork,
			LastSeen:            time.Now().UTC(),
		}
		if err := c.store.UpsertContainer(ctx, container); err != nil {
			return 0, err
		}
	}

	removed := int64(0)
	for endpointID, seen := range seenByEndpoint {
		n, err := c.store.DeleteContainersNotIn(ctx, inst.UserID, inst.ID, endpointID, seen)
		if err != nil {
			return 0, err
		}
		removed += n
	}

	if rl != nil {
		rl.Logf("instance %s: %d container(s) persisted, %d removed", inst.Name, len(snap.Containers), removed)
	}
	return len(snap.Containers), nil
}

// deployedImageFromScan maps an observed container image to its
// deployed_images row.
func deployedImageFromScan(userID int64, sc portainer.ScannedContainer) *storage.DeployedImage {
	img := &storage.DeployedImage{
		UserID:           userID,
		ImageRepo:        sc.ImageRepo,
		ImageTag:         sc.ImageTag,
		ImageDigest:      registry.NormalizeDigest(sc.ImageDigest),
		ImageCreatedDate: sc.ImageCreated,
	}
	if ref, err := registry.ParseRef(sc.ImageRepo); err == nil {
		img.Registry = ref.Registry
		img.Namespace = ref.Namespace
		img.Repository = ref.Repository
	}
	if len(sc.RepoDigests) > 0 {
		if raw, err := json.Marshal(sc.RepoDigests); err == nil {
			img.RepoDigests = string(raw)
		}
	}
	return img
}
