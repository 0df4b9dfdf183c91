package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/chis/portsmith/internal/apperr"
)

// handleHealth reports process liveness and database reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbOK := true
	if _, err := s.store.ListUserIDs(ctx); err != nil {
		dbOK = false
	}

	status := "healthy"
	code := http.StatusOK
	if !dbOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":   status,
		"database": dbOK,
	})
}

// decodeBody decodes a JSON request body into dst. On failure it writes
// a 400 and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		RespondBadRequest(w, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

// pathID parses the {id} path segment. On failure it writes a 400 and
// returns false.
func pathID(w http.ResponseWriter, r *http.Request, segment string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(segment), 10, 64)
	if err != nil || id < 1 {
		RespondBadRequest(w, apperr.Validation("invalid %s %q", segment, r.PathValue(segment)))
		return 0, false
	}
	return id, true
}

// parseIntParam returns an integer query parameter or the default.
func parseIntParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
