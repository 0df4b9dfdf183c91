package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/chis/portsmith/internal/apperr"
)

// GitHubReleases fetches the latest release of a GitHub repository.
type GitHubReleases struct {
	httpClient *http.Client
	baseURL    string
}

// NewGitHubReleases creates a GitHub releases source.
func NewGitHubReleases() *GitHubReleases {
	return &GitHubReleases{
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		baseURL:    "https://api.github.com",
	}
}

// LatestRelease implements ReleaseSource. repo is "owner/name".
func (g *GitHubReleases) LatestRelease(ctx context.Context, repo, token string) (*Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/repos/%s/releases/latest", g.baseURL, repo), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(resp, "github latest release "+repo)
	}

	var payload struct {
		TagName     string     `json:"tag_name"`
		PublishedAt *time.Time `json:"published_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode github release: %w", err)
	}
	if payload.TagName == "" {
		return nil, apperr.NotFound("github latest release %s: no releases", repo)
	}
	return &Release{TagName: payload.TagName, PublishedAt: payload.PublishedAt}, nil
}

// GitLabReleases fetches the latest release of a GitLab project.
type GitLabReleases struct {
	httpClient *http.Client
	baseURL    string
}

// NewGitLabReleases creates a GitLab releases source.
func NewGitLabReleases() *GitLabReleases {
	return &GitLabReleases{
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		baseURL:    "https://gitlab.com",
	}
}

// LatestRelease implements ReleaseSource. repo is the project path,
// e.g. "group/project"; it is URL-encoded for the projects API.
func (g *GitLabReleases) LatestRelease(ctx context.Context, repo, token string) (*Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/v4/projects/%s/releases?per_page=1", g.baseURL, url.PathEscape(repo)), nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("PRIVATE-TOKEN", token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(resp, "gitlab releases "+repo)
	}

	var payload []struct {
		TagName    string     `json:"tag_name"`
		ReleasedAt *time.Time `json:"released_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode gitlab releases: %w", err)
	}
	if len(payload) == 0 {
		return nil, apperr.NotFound("gitlab releases %s: no releases", repo)
	}
	return &Release{TagName: payload[0].TagName, PublishedAt: payload[0].ReleasedAt}, nil
}
