package registry

import (
	"context"
)

// GitLabCRResolver resolves tags against the GitLab Container Registry
// using the gitlab.com JWT auth endpoint. Private repositories need a
// GitLab personal access token.
type GitLabCRResolver struct {
	v2 *v2Client
}

// NewGitLabCRResolver creates a GitLab Container Registry resolver.
func NewGitLabCRResolver() *GitLabCRResolver {
	return &GitLabCRResolver{
		v2: newV2Client("https://"+HostGitLabCR, "https://gitlab.com/jwt/auth", "container_registry"),
	}
}

// Resolve implements Resolver.
func (r *GitLabCRResolver) Resolve(ctx context.Context, imageRepo, tag, token string) (*Resolution, error) {
	ref, err := ParseRef(imageRepo)
	if err != nil {
		return nil, err
	}

	res := &Resolution{
		Provider:   ProviderGitLabCR,
		Registry:   HostGitLabCR,
		Namespace:  ref.Namespace,
		Repository: ref.Repository,
	}

	digest, err := r.v2.resolveDigest(ctx, ref.Path, tag, token)
	if err != nil {
		if terminal(err) {
			return res, nil
		}
		return nil, err
	}
	res.setDigest(digest)
	return res, nil
}
