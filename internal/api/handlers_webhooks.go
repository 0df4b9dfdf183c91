package api

import (
	"net/http"
	"strings"

	"github.com/chis/portsmith/internal/apperr"
	"github.com/chis/portsmith/internal/storage"
)

func (s *Server) handleWebhooksList(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.store.ListWebhooks(r.Context(), UserID(r.Context()))
	if err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, hooks)
}

func (s *Server) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		URL     string `json:"url"`
		Enabled *bool  `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		RespondBadRequest(w, apperr.Validation("webhook name is required"))
		return
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		RespondBadRequest(w, apperr.Validation("webhook url must start with http:// or https://"))
		return
	}

	hook := &storage.Webhook{
		UserID:  UserID(r.Context()),
		Name:    req.Name,
		URL:     req.URL,
		Enabled: true,
	}
	if req.Enabled != nil {
		hook.Enabled = *req.Enabled
	}
	if err := s.store.CreateWebhook(r.Context(), hook); err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, hook)
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.store.DeleteWebhook(r.Context(), UserID(r.Context()), id); err != nil {
		RespondAppError(w, err)
		return
	}
	RespondNoContent(w)
}
