package api

import (
	"net/http"
	"strings"

	"github.com/chis/portsmith/internal/apperr"
	"github.com/chis/portsmith/internal/storage"
)

// trackedAppRequest is the create/update payload for a tracked app.
type trackedAppRequest struct {
	Name              string `json:"name"`
	ImageName         string `json:"image_name"`
	GithubRepo        string `json:"github_repo"`
	SourceType        string `json:"source_type"`
	RepositoryTokenID *int64 `json:"repository_token_id"`
	CurrentVersion    string `json:"current_version"`
	CurrentDigest     string `json:"current_digest"`
}

func (req *trackedAppRequest) validate() error {
	if strings.TrimSpace(req.Name) == "" {
		return apperr.Validation("app name is required")
	}
	switch req.SourceType {
	case storage.SourceTypeDocker:
		if req.ImageName == "" {
			return apperr.Validation("image_name is required for docker sources")
		}
	case storage.SourceTypeGitHub, storage.SourceTypeGitLab:
		if req.GithubRepo == "" || !strings.Contains(req.GithubRepo, "/") {
			return apperr.Validation("github_repo must be owner/name for release sources")
		}
	default:
		return apperr.Validation("source_type must be docker, github, or gitlab")
	}
	return nil
}

func (req *trackedAppRequest) apply(app *storage.TrackedApp) {
	app.Name = req.Name
	app.ImageName = req.ImageName
	app.GithubRepo = req.GithubRepo
	app.SourceType = req.SourceType
	app.RepositoryTokenID = req.RepositoryTokenID
	app.CurrentVersion = req.CurrentVersion
	app.CurrentDigest = req.CurrentDigest
}

func (s *Server) handleTrackedAppsList(w http.ResponseWriter, r *http.Request) {
	apps, err := s.store.ListTrackedApps(r.Context(), UserID(r.Context()))
	if err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, apps)
}

func (s *Server) handleTrackedAppCreate(w http.ResponseWriter, r *http.Request) {
	var req trackedAppRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		RespondAppError(w, err)
		return
	}

	app := &storage.TrackedApp{UserID: UserID(r.Context())}
	req.apply(app)
	if err := s.store.CreateTrackedApp(r.Context(), app); err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, app)
}

func (s *Server) handleTrackedAppUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	app, err := s.store.GetTrackedApp(r.Context(), UserID(r.Context()), id)
	if err != nil {
		RespondAppError(w, err)
		return
	}

	var req trackedAppRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		RespondAppError(w, err)
		return
	}

	// Changing the current pin clears stale update state; the next
	// tracked-apps check recomputes it.
	if req.CurrentVersion != app.CurrentVersion || req.CurrentDigest != app.CurrentDigest {
		app.HasUpdate = false
	}
	req.apply(app)
	if err := s.store.UpdateTrackedApp(r.Context(), app); err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, app)
}

func (s *Server) handleTrackedAppDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.store.DeleteTrackedApp(r.Context(), UserID(r.Context()), id); err != nil {
		RespondAppError(w, err)
		return
	}
	RespondNoContent(w)
}

func (s *Server) handleTrackedAppHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 50)
	entries, err := s.store.ListTrackedAppHistory(r.Context(), UserID(r.Context()), limit)
	if err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, entries)
}
