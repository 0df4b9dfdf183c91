package portainer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/chis/portsmith/internal/apperr"
	"github.com/chis/portsmith/internal/storage"
)

// Client talks to one Portainer server through its HTTP API and Docker
// proxy. Password instances hold a cached JWT that refreshes on 401;
// the refresh is single-flight so concurrent calls do not stampede
// /api/auth. API-key instances send X-API-Key on every request.
type Client struct {
	baseURL  string
	authType string
	username string
	password string
	apiKey   string

	httpClient *http.Client

	mu  sync.RWMutex
	jwt string
	sf  singleflight.Group
}

// NewClient builds a client for one stored instance. The secret
// material is read once; callers must rebuild the client after
// credential changes.
func NewClient(inst *storage.PortainerInstance) *Client {
	return &Client{
		baseURL:    strings.TrimRight(inst.URL, "/"),
		authType:   inst.AuthType,
		username:   inst.Username,
		password:   inst.Password,
		apiKey:     inst.APIKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// TestConnection verifies reachability and credentials.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.ListEndpoints(ctx)
	return err
}

// ListEndpoints returns every environment the credentials can see.
func (c *Client) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	var endpoints []Endpoint
	if err := c.get(ctx, "/api/endpoints", &endpoints); err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	return endpoints, nil
}

// ListContainers returns all containers of one endpoint, stopped ones included.
func (c *Client) ListContainers(ctx context.Context, endpointID int) ([]ContainerSummary, error) {
	var containers []ContainerSummary
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/json?all=1", endpointID)
	if err := c.get(ctx, path, &containers); err != nil {
		return nil, fmt.Errorf("list containers (endpoint %d): %w", endpointID, err)
	}
	return containers, nil
}

// InspectContainer returns the full inspect payload of one container.
func (c *Client) InspectContainer(ctx context.Context, endpointID int, containerID string) (*InspectResponse, error) {
	var resp InspectResponse
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/%s/json", endpointID, containerID)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	return &resp, nil
}

// InspectImage resolves an image id or reference to its repo digests.
func (c *Client) InspectImage(ctx context.Context, endpointID int, imageRef string) (*ImageInspect, error) {
	var resp ImageInspect
	path := fmt.Sprintf("/api/endpoints/%d/docker/images/%s/json", endpointID, url.PathEscape(imageRef))
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("inspect image %s: %w", imageRef, err)
	}
	return &resp, nil
}

// PullImage pulls image:tag on the endpoint's Docker host.
func (c *Client) PullImage(ctx context.Context, endpointID int, image, tag string) error {
	path := fmt.Sprintf("/api/endpoints/%d/docker/images/create?fromImage=%s&tag=%s",
		endpointID, url.QueryEscape(image), url.QueryEscape(tag))
	if err := c.post(ctx, path, nil, nil); err != nil {
		return fmt.Errorf("pull %s:%s: %w", image, tag, err)
	}
	return nil
}

// StopContainer stops a container, tolerating already-stopped.
func (c *Client) StopContainer(ctx context.Context, endpointID int, containerID string) error {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/%s/stop", endpointID, containerID)
	err := c.post(ctx, path, nil, nil)
	if err != nil && strings.Contains(err.Error(), "304") {
		return nil
	}
	return err
}

// RenameContainer renames a container in place.
func (c *Client) RenameContainer(ctx context.Context, endpointID int, containerID, newName string) error {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/%s/rename?name=%s",
		endpointID, containerID, url.QueryEscape(newName))
	return c.post(ctx, path, nil, nil)
}

// RemoveContainer deletes a container, forcing removal so a container
// that failed to stop cleanly cannot wedge the recreation flow.
func (c *Client) RemoveContainer(ctx context.Context, endpointID int, containerID string) error {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/%s?force=true", endpointID, containerID)
	return c.delete(ctx, path)
}

// CreateContainer creates a container with the given name and config.
func (c *Client) CreateContainer(ctx context.Context, endpointID int, name string, body *CreateRequest) (string, error) {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/create?name=%s", endpointID, url.QueryEscape(name))
	var resp CreateResponse
	if err := c.post(ctx, path, body, &resp); err != nil {
		return "", fmt.Errorf("create container %s: %w", name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (c *Client) StartContainer(ctx context.Context, endpointID int, containerID string) error {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/%s/start", endpointID, containerID)
	return c.post(ctx, path, nil, nil)
}

// ListImages returns all images on the endpoint's Docker host.
// Containers counts require the shared-size flag.
func (c *Client) ListImages(ctx context.Context, endpointID int) ([]ImageSummary, error) {
	var images []ImageSummary
	path := fmt.Sprintf("/api/endpoints/%d/docker/images/json?shared-size=true", endpointID)
	if err := c.get(ctx, path, &images); err != nil {
		return nil, fmt.Errorf("list images (endpoint %d): %w", endpointID, err)
	}
	return images, nil
}

// PruneImages removes dangling and unreferenced images.
func (c *Client) PruneImages(ctx context.Context, endpointID int) (*PruneReport, error) {
	var report PruneReport
	path := fmt.Sprintf("/api/endpoints/%d/docker/images/prune?filters=%s",
		endpointID, url.QueryEscape(`{"dangling":{"false":true}}`))
	if err := c.post(ctx, path, nil, &report); err != nil {
		return nil, fmt.Errorf("prune images (endpoint %d): %w", endpointID, err)
	}
	return &report, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// do executes one request. Password-auth clients retry exactly once
// after a 401 by refreshing the JWT.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	resp, err := c.send(ctx, method, path, payload)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized && c.authType == storage.AuthTypePassword {
		resp.Body.Close()
		if err := c.refreshJWT(ctx); err != nil {
			return err
		}
		resp, err = c.send(ctx, method, path, payload)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		kind := apperr.KindTransient
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			kind = apperr.KindUpstreamAuth
		case resp.StatusCode == http.StatusNotFound:
			kind = apperr.KindNotFound
		case resp.StatusCode == http.StatusConflict:
			kind = apperr.KindConflict
		case resp.StatusCode < 500:
			kind = apperr.KindValidation
		}
		return apperr.New(kind, "portainer API error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	var r io.Reader
	if payload != nil {
		r = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.authType == storage.AuthTypeAPIKey {
		req.Header.Set("X-API-Key", c.apiKey)
	} else {
		c.mu.RLock()
		jwt := c.jwt
		c.mu.RUnlock()
		if jwt == "" {
			if err := c.refreshJWT(ctx); err != nil {
				return nil, err
			}
			c.mu.RLock()
			jwt = c.jwt
			c.mu.RUnlock()
		}
		req.Header.Set("Authorization", "Bearer "+jwt)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, err)
	}
	return resp, nil
}

// refreshJWT authenticates against /api/auth. Concurrent callers share
// one in-flight authentication.
func (c *Client) refreshJWT(ctx context.Context) error {
	_, err, _ := c.sf.Do("auth", func() (any, error) {
		body, err := json.Marshal(map[string]string{
			"username": c.username,
			"password": c.password,
		})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindTransient, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, apperr.New(apperr.KindUpstreamAuth,
				"portainer auth failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		}

		var payload struct {
			JWT string `json:"jwt"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("decode auth response: %w", err)
		}

		c.mu.Lock()
		c.jwt = payload.JWT
		c.mu.Unlock()
		return nil, nil
	})
	return err
}
