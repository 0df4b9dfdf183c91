package registry

import (
	"context"
)

// GHCRResolver resolves tags against GitHub Container Registry.
// Private packages need a GitHub personal access token; ghcr.io issues
// anonymous pull tokens for public ones.
type GHCRResolver struct {
	v2 *v2Client
}

// NewGHCRResolver creates a GHCR resolver.
func NewGHCRResolver() *GHCRResolver {
	return &GHCRResolver{
		v2: newV2Client("https://ghcr.io", "https://ghcr.io/token", HostGHCR),
	}
}

// Resolve implements Resolver.
func (r *GHCRResolver) Resolve(ctx context.Context, imageRepo, tag, token string) (*Resolution, error) {
	ref, err := ParseRef(imageRepo)
	if err != nil {
		return nil, err
	}

	res := &Resolution{
		Provider:   ProviderGHCR,
		Registry:   HostGHCR,
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
