package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/chis/portsmith/internal/apperr"
	"github.com/chis/portsmith/internal/intent"
	"github.com/chis/portsmith/internal/storage"
	"github.com/robfig/cron/v3"
)

// intentRequest is the create/update payload for an upgrade intent.
type intentRequest struct {
	Name                   string   `json:"name"`
	Description            string   `json:"description"`
	Enabled                *bool    `json:"enabled"`
	MatchContainers        []string `json:"match_containers"`
	MatchImages            []string `json:"match_images"`
	MatchInstances         []int64  `json:"match_instances"`
	MatchStacks            []string `json:"match_stacks"`
	MatchRegistries        []string `json:"match_registries"`
	ExcludeContainers      []string `json:"exclude_containers"`
	ExcludeImages          []string `json:"exclude_images"`
	ExcludeStacks          []string `json:"exclude_stacks"`
	ExcludeRegistries      []string `json:"exclude_registries"`
	ScheduleType           string   `json:"schedule_type"`
	ScheduleCron           string   `json:"schedule_cron"`
	MaxConcurrent          int      `json:"max_concurrent"`
	DryRun                 bool     `json:"dry_run"`
	SequentialDelaySec     int      `json:"sequential_delay_sec"`
	NotifyOnUpdateDetected bool     `json:"notify_on_update_detected"`
	NotifyOnBatchStart     bool     `json:"notify_on_batch_start"`
	NotifyOnSuccess        bool     `json:"notify_on_success"`
	NotifyOnFailure        bool     `json:"notify_on_failure"`
}

func (req *intentRequest) validate() error {
	if strings.TrimSpace(req.Name) == "" {
		return apperr.Validation("intent name is required")
	}
	switch req.ScheduleType {
	case "", storage.ScheduleImmediate:
	case storage.ScheduleScheduled:
		if req.ScheduleCron == "" {
			return apperr.Validation("schedule_cron is required for scheduled intents")
		}
		if _, err := cron.ParseStandard(req.ScheduleCron); err != nil {
			return apperr.Validation("invalid schedule_cron %q: %v", req.ScheduleCron, err)
		}
	default:
		return apperr.Validation("schedule_type must be %q or %q", storage.ScheduleImmediate, storage.ScheduleScheduled)
	}
	if req.MaxConcurrent < 0 {
		return apperr.Validation("max_concurrent must not be negative")
	}
	if req.SequentialDelaySec < 0 {
		return apperr.Validation("sequential_delay_sec must not be negative")
	}
	return nil
}

func (req *intentRequest) apply(in *storage.Intent) {
	in.Name = req.Name
	in.Description = req.Description
	if req.Enabled != nil {
		in.Enabled = *req.Enabled
	}
	in.MatchContainers = req.MatchContainers
	in.MatchImages = req.MatchImages
	in.MatchInstances = req.MatchInstances
	in.MatchStacks = req.MatchStacks
	in.MatchRegistries = req.MatchRegistries
	in.ExcludeContainers = req.ExcludeContainers
	in.ExcludeImages = req.ExcludeImages
	in.ExcludeStacks = req.ExcludeStacks
	in.ExcludeRegistries = req.ExcludeRegistries
	in.ScheduleType = req.ScheduleType
	if in.ScheduleType == "" {
		in.ScheduleType = storage.ScheduleImmediate
	}
	in.ScheduleCron = req.ScheduleCron
	in.MaxConcurrent = req.MaxConcurrent
	if in.MaxConcurrent < 1 {
		in.MaxConcurrent = 1
	}
	in.DryRun = req.DryRun
	in.SequentialDelaySec = req.SequentialDelaySec
	in.NotifyOnUpdateDetected = req.NotifyOnUpdateDetected
	in.NotifyOnBatchStart = req.NotifyOnBatchStart
	in.NotifyOnSuccess = req.NotifyOnSuccess
	in.NotifyOnFailure = req.NotifyOnFailure
	in.UpdatedAt = time.Now().UTC()
}

// respondIntentError maps intent validation failures to 422; everything
// else goes through the standard kind mapping.
func respondIntentError(w http.ResponseWriter, err error) {
	if apperr.KindOf(err) == apperr.KindValidation {
		RespondError(w, http.StatusUnprocessableEntity, err)
		return
	}
	RespondAppError(w, err)
}

func (s *Server) handleIntentsList(w http.ResponseWriter, r *http.Request) {
	intents, err := s.store.ListIntents(r.Context(), UserID(r.Context()))
	if err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, intents)
}

func (s *Server) handleIntentCreate(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		respondIntentError(w, err)
		return
	}

	in := &storage.Intent{
		UserID:    UserID(r.Context()),
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	req.apply(in)
	if err := s.store.CreateIntent(r.Context(), in); err != nil {
		// Store-level rejections, the per-user cap included, are
		// validation failures like the request-level ones.
		respondIntentError(w, err)
		return
	}
	RespondSuccess(w, in)
}

func (s *Server) handleIntentGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	in, err := s.store.GetIntent(r.Context(), UserID(r.Context()), id)
	if err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, in)
}

func (s *Server) handleIntentUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	in, err := s.store.GetIntent(r.Context(), UserID(r.Context()), id)
	if err != nil {
		RespondAppError(w, err)
		return
	}

	var req intentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		respondIntentError(w, err)
		return
	}

	req.apply(in)
	if err := s.store.UpdateIntent(r.Context(), in); err != nil {
		respondIntentError(w, err)
		return
	}
	RespondSuccess(w, in)
}

func (s *Server) handleIntentDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.store.DeleteIntent(r.Context(), UserID(r.Context()), id); err != nil {
		RespondAppError(w, err)
		return
	}
	RespondNoContent(w)
}

func (s *Server) handleIntentToggle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	userID := UserID(r.Context())
	in, err := s.store.GetIntent(r.Context(), userID, id)
	if err != nil {
		RespondAppError(w, err)
		return
	}

	if err := s.store.SetIntentEnabled(r.Context(), userID, id, !in.Enabled); err != nil {
		RespondAppError(w, err)
		return
	}
	in.Enabled = !in.Enabled
	RespondSuccess(w, in)
}

// handleIntentTestMatch evaluates the intent predicate against the
// current container state without upgrading anything. Matched lists
// every container the patterns select; candidates narrows that to
// containers that actually have an update pending.
func (s *Server) handleIntentTestMatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	userID := UserID(r.Context())
	in, err := s.store.GetIntent(r.Context(), userID, id)
	if err != nil {
		RespondAppError(w, err)
		return
	}

	rows, err := s.store.GetContainersWithUpdates(r.Context(), userID, "")
	if err != nil {
		RespondAppError(w, err)
		return
	}

	matched := []storage.ContainerWithVersion{}
	for i := range rows {
		if intent.Matches(in, &rows[i]) {
			matched = append(matched, rows[i])
		}
	}

	RespondSuccess(w, map[string]any{
		"matched":    matched,
		"candidates": intent.Candidates(in, rows),
	})
}

func (s *Server) handleIntentExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	limit := parseIntParam(r, "limit", 20)
	execs, err := s.store.ListIntentExecutions(r.Context(), UserID(r.Context()), id, limit)
	if err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, execs)
}

func (s *Server) handleExecutionGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	exec, err := s.store.GetIntentExecution(r.Context(), UserID(r.Context()), id)
	if err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, exec)
}

func (s *Server) handleExecutionContainers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	// Ownership check before reading the per-container rows, which are
	// keyed by execution id alone.
	if _, err := s.store.GetIntentExecution(r.Context(), UserID(r.Context()), id); err != nil {
		RespondAppError(w, err)
		return
	}
	containers, err := s.store.ListExecutionContainers(r.Context(), id)
	if err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, containers)
}
