package portainer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/network"
	"github.com/rs/zerolog"

	"github.com/chis/portsmith/internal/apperr"
	"github.com/chis/portsmith/internal/registry"
)

// UpgradeResult reports what a recreation actually did.
type UpgradeResult struct {
	OldContainerID string
	NewContainerID string
	OldImage       string
	NewImage       string
	OldDigest      string
	NewDigest      string
}

// Upgrader recreates containers on new images. One upgrade runs at a
// time per Portainer instance; the per-instance mutex serializes them
// without blocking upgrades on other instances.
type Upgrader struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
	log   zerolog.Logger
}

// NewUpgrader creates an upgrader.
func NewUpgrader(log zerolog.Logger) *Upgrader {
	return &Upgrader{locks: make(map[int64]*sync.Mutex), log: log}
}

func (u *Upgrader) instanceLock(instanceID int64) *sync.Mutex {
	u.mu.Lock()
	defer u.mu.Unlock()
	if l, ok := u.locks[instanceID]; ok {
		return l
	}
	l := &sync.Mutex{}
	u.locks[instanceID] = l
	return l
}

// Recreate replaces a running container with the same configuration on
// a freshly pulled image. The inspect config round-trips into the
// create call unchanged apart from the image reference; name, mounts,
// environment, labels, networks, and restart policy all carry over.
func (u *Upgrader) Recreate(ctx context.Context, client *Client, instanceID int64, endpointID int, containerID string) (*UpgradeResult, error) {
	lock := u.instanceLock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	inspect, err := client.InspectContainer(ctx, endpointID, containerID)
	if err != nil {
		return nil, err
	}
	if inspect.Config == nil {
		return nil, apperr.New(apperr.KindFatal, "container %s has no config in inspect payload", containerID)
	}

	imageName := inspect.Config.Image
	repo, tag := splitRepoTag(imageName)
	if tag == "" {
		return nil, apperr.Validation("container %s pins image by digest, refusing to upgrade", containerID)
	}

	name := strings.TrimPrefix(inspect.Name, "/")
	result := &UpgradeResult{
		OldContainerID: containerID,
		OldImage:       imageName,
		NewImage:       imageName,
	}
	if oldImg, err := client.InspectImage(ctx, endpointID, inspect.Image); err == nil {
		result.OldDigest = digestFromRepoDigests(oldImg.RepoDigests, repo)
	}

	u.log.Info().Str("container", name).Str("image", imageName).Msg("pulling image")
	if err := client.PullImage(ctx, endpointID, repo, tag); err != nil {
		return nil, err
	}
	newImg, err := client.InspectImage(ctx, endpointID, imageName)
	if err != nil {
		return nil, fmt.Errorf("inspect pulled image: %w", err)
	}
	result.NewDigest = digestFromRepoDigests(newImg.RepoDigests, repo)

	if result.OldDigest != "" && !registry.HasUpdate(result.OldDigest, result.NewDigest) {
		return nil, apperr.Conflict("container %s is already on the latest image", name)
	}

	create := &CreateRequest{
		Config:     inspect.Config,
		HostConfig: inspect.HostConfig,
	}
	if len(inspect.NetworkSettings.Networks) > 0 {
		create.NetworkingConfig = &network.NetworkingConfig{
			EndpointsConfig: inspect.NetworkSettings.Networks,
		}
	}

	u.log.Info().Str("container", name).Msg("stopping old container")
	if err := client.StopContainer(ctx, endpointID, containerID); err != nil {
		return nil, fmt.Errorf("stop old container: %w", err)
	}

	// The old container steps aside instead of being removed, so a
	// failed create can rename it back and restart it.
	oldName := name + "-old"
	if err := client.RenameContainer(ctx, endpointID, containerID, oldName); err != nil {
		return nil, fmt.Errorf("rename old container: %w", err)
	}

	newID, err := client.CreateContainer(ctx, endpointID, name, create)
	if err != nil {
		if rbErr := client.RenameContainer(ctx, endpointID, containerID, name); rbErr != nil {
			return nil, apperr.New(apperr.KindFatal,
				"create replacement for %s failed (%v) and rollback rename failed (%v); container is stopped as %s", name, err, rbErr, oldName)
		}
		if startErr := client.StartContainer(ctx, endpointID, containerID); startErr != nil {
			u.log.Error().Err(startErr).Str("container", name).Msg("restarting rolled-back container failed")
		}
		return nil, fmt.Errorf("create replacement for %s: %w", name, err)
	}
	result.NewContainerID = newID

	if err := client.StartContainer(ctx, endpointID, newID); err != nil {
		return nil, apperr.New(apperr.KindFatal,
			"start replacement %s failed: %v; previous container preserved as %s", name, err, oldName)
	}

	if err := client.RemoveContainer(ctx, endpointID, containerID); err != nil {
		u.log.Warn().Err(err).Str("container", oldName).Msg("removing replaced container failed")
	}

	u.log.Info().
		Str("container", name).
		Str("old_digest", result.OldDigest).
		Str("new_digest", result.NewDigest).
		Msg("container upgraded")
	return result, nil
}
