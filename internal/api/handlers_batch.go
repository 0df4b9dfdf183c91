package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/chis/portsmith/internal/apperr"
	"github.com/chis/portsmith/internal/storage"
)

func (s *Server) handleBatchConfigList(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.ListBatchConfigs(r.Context(), UserID(r.Context()))
	if err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, configs)
}

func (s *Server) handleBatchConfigUpsert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobType         string `json:"job_type"`
		Enabled         bool   `json:"enabled"`
		IntervalMinutes int    `json:"interval_minutes"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !slices.Contains(storage.JobTypes(), req.JobType) {
		RespondBadRequest(w, apperr.Validation("unknown job type %q", req.JobType))
		return
	}
	if req.IntervalMinutes < storage.MinIntervalMinutes || req.IntervalMinutes > storage.MaxIntervalMinutes {
		RespondBadRequest(w, apperr.Validation("interval_minutes must be between %d and %d",
			storage.MinIntervalMinutes, storage.MaxIntervalMinutes))
		return
	}

	cfg := &storage.BatchConfig{
		UserID:          UserID(r.Context()),
		JobType:         req.JobType,
		Enabled:         req.Enabled,
		IntervalMinutes: req.IntervalMinutes,
		UpdatedAt:       time.Now().UTC(),
	}
	if err := s.store.UpsertBatchConfig(r.Context(), cfg); err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, cfg)
}

// handleBatchRun triggers a manual batch run. A run already holding the
// job lock answers 409 with the running run id.
func (s *Server) handleBatchRun(w http.ResponseWriter, r *http.Request) {
	jobType := r.URL.Query().Get("jobType")
	if !slices.Contains(storage.JobTypes(), jobType) {
		RespondBadRequest(w, apperr.Validation("unknown job type %q", jobType))
		return
	}

	lock, err := s.scheduler.Trigger(r.Context(), UserID(r.Context()), jobType, true)
	if err != nil {
		RespondAppError(w, err)
		return
	}
	if !lock.Acquired {
		RespondErrorWithData(w, http.StatusConflict,
			apperr.Conflict("%s is already running", jobType), lock)
		return
	}
	RespondSuccess(w, lock)
}

func (s *Server) handleBatchRunsList(w http.ResponseWriter, r *http.Request) {
	jobType := r.URL.Query().Get("jobType")
	if jobType != "" && !slices.Contains(storage.JobTypes(), jobType) {
		RespondBadRequest(w, apperr.Validation("unknown job type %q", jobType))
		return
	}
	limit := parseIntParam(r, "limit", 50)

	runs, err := s.store.ListBatchRuns(r.Context(), UserID(r.Context()), jobType, limit)
	if err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, runs)
}

func (s *Server) handleBatchRunGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	run, err := s.store.GetBatchRun(r.Context(), UserID(r.Context()), id)
	if err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, run)
}

func (s *Server) handleUpgradeHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 50)
	entries, err := s.store.ListUpgradeHistory(r.Context(), UserID(r.Context()), limit)
	if err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, entries)
}
