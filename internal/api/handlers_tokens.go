package api

import (
	"net/http"
	"strings"

	"github.com/chis/portsmith/internal/apperr"
	"github.com/chis/portsmith/internal/storage"
)

func (s *Server) handleDeployedImagesList(w http.ResponseWriter, r *http.Request) {
	images, err := s.store.ListDeployedImages(r.Context(), UserID(r.Context()))
	if err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, images)
}

// tokenRequest is the create/update payload for a repository access
// token. The secret is write-only.
type tokenRequest struct {
	Provider    string `json:"provider"`
	Name        string `json:"name"`
	AccessToken string `json:"access_token"`
}

func (req *tokenRequest) validate(creating bool) error {
	if req.Provider != "github" && req.Provider != "gitlab" {
		return apperr.Validation("provider must be github or gitlab")
	}
	if strings.TrimSpace(req.Name) == "" {
		return apperr.Validation("token name is required")
	}
	if creating && req.AccessToken == "" {
		return apperr.Validation("access_token is required")
	}
	return nil
}

func (s *Server) handleTokensList(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.store.ListTokens(r.Context(), UserID(r.Context()))
	if err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, tokens)
}

func (s *Server) handleTokenCreate(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.validate(true); err != nil {
		RespondAppError(w, err)
		return
	}

	tok := &storage.RepositoryAccessToken{
		UserID:      UserID(r.Context()),
		Provider:    req.Provider,
		Name:        req.Name,
		AccessToken: req.AccessToken,
	}
	if err := s.store.CreateToken(r.Context(), tok); err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, tok)
}

func (s *Server) handleTokenUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	tok, err := s.store.GetToken(r.Context(), UserID(r.Context()), id)
	if err != nil {
		RespondAppError(w, err)
		return
	}

	var req tokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.validate(false); err != nil {
		RespondAppError(w, err)
		return
	}

	tok.Provider = req.Provider
	tok.Name = req.Name
	if req.AccessToken != "" {
		tok.AccessToken = req.AccessToken
	}
	if err := s.store.UpdateToken(r.Context(), tok); err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, tok)
}

func (s *Server) handleTokenDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.store.DeleteToken(r.Context(), UserID(r.Context()), id); err != nil {
		RespondAppError(w, err)
		return
	}
	RespondNoContent(w)
}

// handleTokenAssociateImages links deployed images to this token so
// the detector authenticates their registry checks with it.
func (s *Server) handleTokenAssociateImages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	userID := UserID(r.Context())
	if _, err := s.store.GetToken(r.Context(), userID, id); err != nil {
		RespondAppError(w, err)
		return
	}

	var req struct {
		ImageIDs []int64 `json:"image_ids"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.ImageIDs) == 0 {
		RespondBadRequest(w, apperr.Validation("image_ids must not be empty"))
		return
	}

	if err := s.store.AssociateImagesWithToken(r.Context(), userID, req.ImageIDs, &id); err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, map[string]any{"associated": len(req.ImageIDs)})
}
