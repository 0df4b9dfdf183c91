package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/chis/portsmith/internal/apperr"
)

// DockerHubResolver resolves tags against Docker Hub. The digest comes
// from the v2 registry API; publish dates come from the Hub tags API,
// which the plain v2 surface does not expose.
type DockerHubResolver struct {
	v2         *v2Client
	httpClient *http.Client
}

// NewDockerHubResolver creates a Docker Hub resolver.
func NewDockerHubResolver() *DockerHubResolver {
	return &DockerHubResolver{
		v2:         newV2Client("https://registry-1.docker.io", "https://auth.docker.io/token", "registry.docker.io"),
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
	}
}

type hubTagResponse struct {
	Name        string `json:"name"`
	Digest      string `json:"digest"`
	LastUpdated string `json:"last_updated"`
}

// Resolve implements Resolver.
func (r *DockerHubResolver) Resolve(ctx context.Context, imageRepo, tag, token string) (*Resolution, error) {
	ref, err := ParseRef(imageRepo)
	if err != nil {
		return nil, err
	}

	res := &Resolution{
		Provider:   ProviderDockerHub,
		Registry:   HostDockerHub,
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

	// Best effort: the Hub tags API carries last_updated. Failure here
	// never discards the digest we already have.
	if published, perr := r.tagPublishDate(ctx, ref.Path, tag); perr == nil && published != nil {
		res.LatestPublishDate = published
	}
	return res, nil
}

func (r *DockerHubResolver) tagPublishDate(ctx context.Context, repoPath, tag string) (*time.Time, error) {
	url := fmt.Sprintf("https://hub.docker.com/v2/repositories/%s/tags/%s", repoPath, tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(resp, "hub tag lookup "+repoPath+":"+tag)
	}

	var payload hubTagResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode hub tag response: %w", err)
	}
	if payload.LastUpdated == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, payload.LastUpdated)
	if err != nil {
		return nil, nil
	}
	return &t, nil
}

// terminal reports whether a resolution error means "checked, not
// available" rather than "try again later".
func terminal(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindUpstreamAuth, apperr.KindNotFound:
		return true
	default:
		return false
	}
}
