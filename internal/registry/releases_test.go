package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chis/portsmith/internal/apperr"
)

func TestGitHubLatestRelease(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/chis/portsmith/releases/latest" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer pat-123" {
			t.Errorf("authorization = %q", got)
		}
		w.Write([]byte(`{"tag_name": "v1.4.0", "published_at": "2026-01-15T10:00:00Z"}`))
	}))
	defer server.Close()

	g := NewGitHubReleases()
	g.baseURL = server.URL

	rel, err := g.LatestRelease(context.Background(), "chis/portsmith", "pat-123")
	if err != nil {
		t.Fatalf("LatestRelease: %v", err)
	}
	if rel.TagName != "v1.4.0" {
		t.Errorf("tag = %q, want v1.4.0", rel.TagName)
	}
	if rel.PublishedAt == nil || rel.PublishedAt.Year() != 2026 {
		t.Errorf("published at = %v", rel.PublishedAt)
	}
}

func TestGitHubNoReleases(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	g := NewGitHubReleases()
	g.baseURL = server.URL

	_, err := g.LatestRelease(context.Background(), "chis/empty", "")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestGitLabLatestRelease(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Project paths are URL-encoded in the API path.
		if r.URL.EscapedPath() != "/api/v4/projects/group%2Fapp/releases" {
			t.Errorf("unexpected path %s", r.URL.EscapedPath())
		}
		if got := r.Header.Get("PRIVATE-TOKEN"); got != "glpat-9" {
			t.Errorf("private token = %q", got)
		}
		w.Write([]byte(`[{"tag_name": "v2.0.1", "released_at": "2026-02-01T00:00:00Z"}]`))
	}))
	defer server.Close()

	g := NewGitLabReleases()
	g.baseURL = server.URL

	rel, err := g.LatestRelease(context.Background(), "group/app", "glpat-9")
	if err != nil {
		t.Fatalf("LatestRelease: %v", err)
	}
	if rel.TagName != "v2.0.1" {
		t.Errorf("tag = %q, want v2.0.1", rel.TagName)
	}
}

func TestGitLabEmptyReleaseList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	g := NewGitLabReleases()
	g.baseURL = server.URL

	_, err := g.LatestRelease(context.Background(), "group/app", "")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not-found, got %v", err)
	}
}
