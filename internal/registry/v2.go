package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chis/portsmith/internal/apperr"
)

// Accept headers for manifest HEADs. Multi-arch images publish a
// manifest list (or OCI index); its digest is what RepoDigests carry.
const manifestAccept = "application/vnd.docker.distribution.manifest.list.v2+json, " +
	"application/vnd.oci.image.index.v1+json, " +
	"application/vnd.docker.distribution.manifest.v2+json, " +
	"application/vnd.oci.image.manifest.v1+json"

// v2Client resolves tag digests against a Docker Registry v2 API with
// bearer token exchange. One client per registry host; bearer tokens
// are cached per (repository, credential) until shortly before expiry.
type v2Client struct {
	apiBase    string // e.g. https://registry-1.docker.io
	tokenURL   string // e.g. https://auth.docker.io/token
	service    string // token service parameter, empty to omit
	httpClient *http.Client

	tokenMu    sync.Mutex
	tokenCache map[string]v2Token
}

type v2Token struct {
	value     string
	expiresAt time.Time
}

func newV2Client(apiBase, tokenURL, service string) *v2Client {
	return &v2Client{
		apiBase:    apiBase,
		tokenURL:   tokenURL,
		service:    service,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		tokenCache: make(map[string]v2Token),
	}
}

// resolveDigest returns the canonical digest of repoPath:tag, using
// the Docker-Content-Digest header of a manifest HEAD. A 200 without
// the header is a digest-less success: the tag exists, the registry
// just will not say what it points at.
func (c *v2Client) resolveDigest(ctx context.Context, repoPath, tag, credential string) (string, error) {
	token, err := c.bearerToken(ctx, repoPath, credential)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/v2/%s/manifests/%s", c.apiBase, repoPath, tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", manifestAccept)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.KindTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusErr(resp, "manifest head "+repoPath+":"+tag)
	}

	return NormalizeDigest(resp.Header.Get("Docker-Content-Digest")), nil
}

// bearerToken performs the v2 token exchange for pull scope on one
// repository. credential is a PAT or registry password, sent as basic
// auth the way docker login does; empty means anonymous.
func (c *v2Client) bearerToken(ctx context.Context, repoPath, credential string) (string, error) {
	cacheKey := repoPath + "\x00" + credential

	c.tokenMu.Lock()
	cached, ok := c.tokenCache[cacheKey]
	c.tokenMu.Unlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	url := c.tokenURL + "?scope=repository:" + repoPath + ":pull"
	if c.service != "" {
		url += "&service=" + c.service
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	if credential != "" {
		req.SetBasicAuth("token", credential)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.KindTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusErr(resp, "token exchange "+repoPath)
	}

	var payload struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	token := payload.Token
	if token == "" {
		token = payload.AccessToken
	}
	if token == "" {
		return "", apperr.New(apperr.KindUpstreamAuth, "token exchange %s: empty token", repoPath)
	}

	ttl := time.Duration(payload.ExpiresIn) * time.Second
	if ttl < time.Minute {
		ttl = 5 * time.Minute
	}
	c.tokenMu.Lock()
	c.tokenCache[cacheKey] = v2Token{value: token, expiresAt: time.Now().Add(ttl - 30*time.Second)}
	c.tokenMu.Unlock()

	return token, nil
}
