package registry

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/chis/portsmith/internal/apperr"
)

// Manager routes a resolution to the right resolver by image repo
// prefix and wraps the call with retry, per-host circuit breaking, and
// the hard per-call timeout.
type Manager struct {
	hub      Resolver
	ghcr     Resolver
	gitlabCR Resolver

	github ReleaseSource
	gitlab ReleaseSource

	breaker *breaker
	log     zerolog.Logger
}

// NewManager wires the default resolver set.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		hub:      NewDockerHubResolver(),
		ghcr:     NewGHCRResolver(),
		gitlabCR: NewGitLabCRResolver(),
		github:   NewGitHubReleases(),
		gitlab:   NewGitLabReleases(),
		breaker:  newBreaker(),
		log:      log,
	}
}

// Resolve answers the latest digest for (imageRepo, tag). Transient
// failures retry with backoff; terminal auth/404 failures come back as
// a Resolution with ExistsInRegistry=false rather than an error.
func (m *Manager) Resolve(ctx context.Context, imageRepo, tag, token string) (*Resolution, error) {
	resolver, host := m.route(imageRepo)

	if !m.breaker.allow(host) {
		return nil, ErrCircuitOpen
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultHTTPTimeout)
	defer cancel()

	var res *Resolution
	err := withRetry(ctx, func() error {
		var opErr error
		res, opErr = resolver.Resolve(ctx, imageRepo, tag, token)
		return opErr
	})
	if err != nil {
		if apperr.IsTransient(err) {
			m.breaker.recordFailure(host)
		}
		m.log.Debug().Err(err).Str("image", imageRepo).Str("tag", tag).Msg("resolution failed")
		return nil, err
	}
	m.breaker.recordSuccess(host)
	return res, nil
}

// LatestRelease answers the newest release of a source repository for
// tracked apps. provider is "github" or "gitlab".
func (m *Manager) LatestRelease(ctx context.Context, provider, repo, token string) (*Release, error) {
	var src ReleaseSource
	switch provider {
	case ProviderGitHub:
		src = m.github
	case ProviderGitLab:
		src = m.gitlab
	default:
		return nil, apperr.Validation("unknown release provider %q", provider)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultHTTPTimeout)
	defer cancel()

	var rel *Release
	err := withRetry(ctx, func() error {
		var opErr error
		rel, opErr = src.LatestRelease(ctx, repo, token)
		return opErr
	})
	return rel, err
}

// route picks the resolver by repo prefix. Anything that is not GHCR
// or GitLab CR goes to Docker Hub, including bare official images.
func (m *Manager) route(imageRepo string) (Resolver, string) {
	switch {
	case strings.HasPrefix(imageRepo, HostGHCR+"/"):
		return m.ghcr, HostGHCR
	case strings.HasPrefix(imageRepo, HostGitLabCR+"/"):
		return m.gitlabCR, HostGitLabCR
	default:
		return m.hub, HostDockerHub
	}
}
