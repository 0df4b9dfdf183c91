package registry

import (
	"strings"

	"github.com/distribution/reference"

	"github.com/chis/portsmith/internal/apperr"
)

// Well-known registry hosts.
const (
	HostDockerHub = "docker.io"
	HostGHCR      = "ghcr.io"
	HostGitLabCR  = "registry.gitlab.com"
)

// Ref is a parsed image coordinate without tag or digest.
type Ref struct {
	// Registry is the registry host, docker.io for bare repos.
	Registry string

	// Path is the full repository path within the registry,
	// e.g. "library/nginx" or "linuxserver/plex".
	Path string

	// Namespace and Repository split Path at its last element.
	Namespace  string
	Repository string
}

// ParseRef normalizes an image repo string the way a Docker pull
// would: "nginx" becomes docker.io/library/nginx, "ghcr.io/a/b" keeps
// its host. Tags and digests in the input are ignored.
func ParseRef(imageRepo string) (Ref, error) {
	named, err := reference.ParseNormalizedNamed(imageRepo)
	if err != nil {
		return Ref{}, apperr.Validation("invalid image reference %q: %v", imageRepo, err)
	}

	r := Ref{
		Registry: reference.Domain(named),
		Path:     reference.Path(named),
	}
	if idx := strings.LastIndex(r.Path, "/"); idx >= 0 {
		r.Namespace = r.Path[:idx]
		r.Repository = r.Path[idx+1:]
	} else {
		r.Repository = r.Path
	}
	return r, nil
}
