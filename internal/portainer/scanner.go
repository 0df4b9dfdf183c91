package portainer

import (
	"context"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/rs/zerolog"

	"github.com/chis/portsmith/internal/registry"
)

// Compose labels carried over from the Portainer Docker proxy.
const (
	labelComposeProject = "com.docker.compose.project"
	labelComposeService = "com.docker.compose.service"
)

// ScannedContainer is everything a single scan pass learns about one
// container, ready to be persisted by the cache layer.
type ScannedContainer struct {
	ContainerID     string
	ContainerName   string
	EndpointID      int
	ImageName       string // as written in the compose file / run command
	ImageRepo       string // normalized repo without tag
	ImageTag        string
	ImageDigest     string // canonical sha256 digest currently running
	RepoDigests     []string
	ImageCreated    *time.Time
	StackName       string
	ServiceName     string
	State           string
	Status          string
	UsesNetworkMode bool
	ProvidesNetwork bool

	// netTarget is the container this one borrows its network from,
	// only set while the scan resolves ProvidesNetwork.
	netTarget string
}

// Scanner walks every Docker endpoint of one Portainer instance and
// inspects each container down to its image digest.
type Scanner struct {
	client *Client
	log    zerolog.Logger
}

// NewScanner creates a scanner over an authenticated client.
func NewScanner(client *Client, log zerolog.Logger) *Scanner {
	return &Scanner{client: client, log: log}
}

// Snapshot is the result of one instance scan: the inspected
// containers plus the Docker endpoints whose listings succeeded. An
// endpoint that failed to list is absent from EndpointIDs, so its
// persisted rows are left alone instead of being reaped as vanished.
type Snapshot struct {
	EndpointIDs []int
	Containers  []ScannedContainer
}

// Scan lists and inspects all containers across Docker endpoints.
// Per-container inspect failures are logged and skipped so one broken
// container does not lose the whole instance's scan.
func (s *Scanner) Scan(ctx context.Context) (*Snapshot, error) {
	endpoints, err := s.client.ListEndpoints(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{}
	networkProviders := make(map[string]bool) // container ids other containers attach to

	for _, ep := range endpoints {
		if !ep.IsDocker() {
			continue
		}
		containers, err := s.client.ListContainers(ctx, ep.ID)
		if err != nil {
			s.log.Warn().Err(err).Int("endpoint", ep.ID).Msg("container list failed, skipping endpoint")
			continue
		}
		snap.EndpointIDs = append(snap.EndpointIDs, ep.ID)

		for _, summary := range containers {
			sc, err := s.inspectOne(ctx, ep.ID, summary)
			if err != nil {
				s.log.Warn().Err(err).
					Str("container", summary.Name()).
					Int("endpoint", ep.ID).
					Msg("inspect failed, skipping container")
				continue
			}
			if sc.netTarget != "" {
				networkProviders[sc.netTarget] = true
			}
			snap.Containers = append(snap.Containers, *sc)
		}
	}

	for i := range snap.Containers {
		if networkProviders[snap.Containers[i].ContainerID] || networkProviders[snap.Containers[i].ContainerName] {
			snap.Containers[i].ProvidesNetwork = true
		}
	}
	return snap, nil
}

func (s *Scanner) inspectOne(ctx context.Context, endpointID int, summary ContainerSummary) (*ScannedContainer, error) {
	inspect, err := s.client.InspectContainer(ctx, endpointID, summary.ID)
	if err != nil {
		return nil, err
	}

	imageName := summary.Image
	if inspect.Config != nil && inspect.Config.Image != "" {
		imageName = inspect.Config.Image
	}
	repo, tag := splitRepoTag(imageName)

	sc := &ScannedContainer{
		ContainerID:   summary.ID,
		ContainerName: summary.Name(),
		EndpointID:    endpointID,
		ImageName:     imageName,
		ImageRepo:     repo,
		ImageTag:      tag,
		State:         summary.State,
		Status:        summary.Status,
		StackName:     summary.Labels[labelComposeProject],
		ServiceName:   summary.Labels[labelComposeService],
	}

	if inspect.HostConfig != nil {
		mode := string(inspect.HostConfig.NetworkMode)
		if target, ok := strings.CutPrefix(mode, "container:"); ok {
			sc.UsesNetworkMode = true
			sc.netTarget = target
		}
	}

	if img, err := s.client.InspectImage(ctx, endpointID, inspect.Image); err == nil {
		sc.RepoDigests = img.RepoDigests
		sc.ImageDigest = digestFromRepoDigests(img.RepoDigests, repo)
		if created, perr := time.Parse(time.RFC3339Nano, img.Created); perr == nil {
			sc.ImageCreated = &created
		}
	} else {
		s.log.Debug().Err(err).Str("container", sc.ContainerName).Msg("image inspect failed")
	}

	return sc, nil
}

// splitRepoTag normalizes "ghcr.io/a/b:1.2" into repo and tag the way
// Docker would, defaulting the tag to latest. Digest-pinned references
// keep the repo and report an empty tag.
func splitRepoTag(imageName string) (repo, tag string) {
	named, err := reference.ParseNormalizedNamed(imageName)
	if err != nil {
		return imageName, "latest"
	}

	repo = reference.FamiliarName(named)
	if tagged, ok := named.(reference.Tagged); ok {
		return repo, tagged.Tag()
	}
	if _, ok := named.(reference.Digested); ok {
		return repo, ""
	}
	return repo, "latest"
}

// digestFromRepoDigests picks the digest whose repo matches, falling
// back to the first entry for retagged images.
func digestFromRepoDigests(repoDigests []string, repo string) string {
	for _, rd := range repoDigests {
		name, digest, ok := strings.Cut(rd, "@")
		if !ok {
			continue
		}
		if normalized, err := reference.ParseNormalizedNamed(name); err == nil {
			if reference.FamiliarName(normalized) == repo {
				return registry.NormalizeDigest(digest)
			}
		}
	}
	for _, rd := range repoDigests {
		if _, digest, ok := strings.Cut(rd, "@"); ok {
			return registry.NormalizeDigest(digest)
		}
	}
	return ""
}
