package registry

import (
	"context"
	"time"
)

// Resolution is the uniform answer every resolver produces for an
// (imageRepo, tag) coordinate. A nil LatestDigest with
// ExistsInRegistry=false means "checked, unknown" as opposed to a
// coordinate that was never checked at all.
type Resolution struct {
	// LatestDigest is the canonical sha256:<hex> digest of the tag,
	// or nil when the registry could not supply one.
	LatestDigest *string

	// LatestVersion is a human-readable version when the provider
	// exposes one (release tag, semver label).
	LatestVersion string

	// LatestPublishDate is when the tag or release was last pushed.
	LatestPublishDate *time.Time

	// ExistsInRegistry is false after a terminal 401/403/404.
	ExistsInRegistry bool

	// NoDigest is true when the registry answered the manifest HEAD but
	// supplied no Docker-Content-Digest header. The tag exists; its
	// digest is unknowable, so update detection cannot fire for it.
	NoDigest bool

	Provider   string
	Registry   string
	Namespace  string
	Repository string
}

// setDigest records a successful manifest HEAD. An empty digest marks
// the coordinate NoDigest instead of pretending the tag is absent.
func (r *Resolution) setDigest(digest string) {
	r.ExistsInRegistry = true
	if digest == "" {
		r.NoDigest = true
		return
	}
	r.LatestDigest = &digest
}

// Resolver answers "what is the latest digest for this coordinate".
// token is a repository access token secret, empty for anonymous.
type Resolver interface {
	Resolve(ctx context.Context, imageRepo, tag, token string) (*Resolution, error)
}

// Release is the latest release of a source repository, used by
// tracked apps with a github/gitlab source.
type Release struct {
	TagName     string
	PublishedAt *time.Time
}

// ReleaseSource answers "what is the latest release of this repo".
type ReleaseSource interface {
	LatestRelease(ctx context.Context, repo, token string) (*Release, error)
}

// Provider names stored in registry_image_versions.provider.
const (
	ProviderDockerHub = "dockerhub"
	ProviderGHCR      = "ghcr"
	ProviderGitLabCR  = "gitlabcr"
	ProviderGitHub    = "github"
	ProviderGitLab    = "gitlab"
)
