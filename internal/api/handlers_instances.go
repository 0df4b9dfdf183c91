package api

import (
	"net/http"
	"strings"

	"github.com/chis/portsmith/internal/apperr"
	"github.com/chis/portsmith/internal/portainer"
	"github.com/chis/portsmith/internal/storage"
)

// instanceRequest is the create/update payload for a Portainer instance.
// Credentials are write-only; responses never echo them back.
type instanceRequest struct {
	Name         string `json:"name"`
	URL          string `json:"url"`
	AuthType     string `json:"auth_type"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	APIKey       string `json:"api_key"`
	DisplayOrder int    `json:"display_order"`
	IPAddress    string `json:"ip_address"`
}

func (req *instanceRequest) validate() error {
	if strings.TrimSpace(req.Name) == "" {
		return apperr.Validation("instance name is required")
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		return apperr.Validation("instance url must start with http:// or https://")
	}
	switch req.AuthType {
	case storage.AuthTypePassword:
		if req.Username == "" {
			return apperr.Validation("username is required for password auth")
		}
	case storage.AuthTypeAPIKey:
		if req.APIKey == "" {
			return apperr.Validation("api_key is required for apikey auth")
		}
	default:
		return apperr.Validation("auth_type must be %q or %q", storage.AuthTypePassword, storage.AuthTypeAPIKey)
	}
	return nil
}

func (req *instanceRequest) apply(inst *storage.PortainerInstance) {
	inst.Name = req.Name
	inst.URL = strings.TrimSuffix(req.URL, "/")
	inst.AuthType = req.AuthType
	inst.Username = req.Username
	inst.DisplayOrder = req.DisplayOrder
	inst.IPAddress = req.IPAddress
	// Blank credentials on update mean "keep the stored ones".
	if req.Password != "" {
		inst.Password = req.Password
	}
	if req.APIKey != "" {
		inst.APIKey = req.APIKey
	}
}

func (s *Server) handleInstancesList(w http.ResponseWriter, r *http.Request) {
	instances, err := s.store.ListInstances(r.Context(), UserID(r.Context()))
	if err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, instances)
}

func (s *Server) handleInstanceCreate(w http.ResponseWriter, r *http.Request) {
	var req instanceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		RespondAppError(w, err)
		return
	}

	inst := &storage.PortainerInstance{UserID: UserID(r.Context())}
	req.apply(inst)
	if err := s.store.CreateInstance(r.Context(), inst); err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, inst)
}

func (s *Server) handleInstanceUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	inst, err := s.store.GetInstance(r.Context(), UserID(r.Context()), id)
	if err != nil {
		RespondAppError(w, err)
		return
	}

	var req instanceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		RespondAppError(w, err)
		return
	}

	req.apply(inst)
	if err := s.store.UpdateInstance(r.Context(), inst); err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, inst)
}

func (s *Server) handleInstanceDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.store.DeleteInstance(r.Context(), UserID(r.Context()), id); err != nil {
		RespondAppError(w, err)
		return
	}
	RespondNoContent(w)
}

// handleInstanceTestConnection verifies credentials against the live
// Portainer API without persisting anything.
func (s *Server) handleInstanceTestConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	inst, err := s.store.GetInstance(r.Context(), UserID(r.Context()), id)
	if err != nil {
		RespondAppError(w, err)
		return
	}

	client := portainer.NewClient(inst)
	if err := client.TestConnection(r.Context()); err != nil {
		RespondSuccess(w, map[string]any{
			"reachable": false,
			"error":     err.Error(),
		})
		return
	}
	RespondSuccess(w, map[string]any{"reachable": true})
}

// unusedImage is one dangling image on a Portainer endpoint.
type unusedImage struct {
	EndpointID int      `json:"endpoint_id"`
	ID         string   `json:"id"`
	RepoTags   []string `json:"repo_tags,omitempty"`
	Size       int64    `json:"size"`
}

func (s *Server) handleInstanceUnusedImages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	inst, err := s.store.GetInstance(r.Context(), UserID(r.Context()), id)
	if err != nil {
		RespondAppError(w, err)
		return
	}

	client := portainer.NewClient(inst)
	endpoints, err := client.ListEndpoints(r.Context())
	if err != nil {
		RespondAppError(w, err)
		return
	}

	unused := []unusedImage{}
	for _, ep := range endpoints {
		if !ep.IsDocker() {
			continue
		}
		images, err := client.ListImages(r.Context(), ep.ID)
		if err != nil {
			s.log.Warn().Err(err).Int("endpoint", ep.ID).Msg("listing images failed")
			continue
		}
		for _, img := range images {
			if img.Containers != 0 {
				continue
			}
			unused = append(unused, unusedImage{
				EndpointID: ep.ID,
				ID:         img.ID,
				RepoTags:   img.RepoTags,
				Size:       img.Size,
			})
		}
	}
	RespondSuccess(w, unused)
}

// handleInstancePruneImages removes unused images across all Docker
// endpoints of an instance. Best effort; endpoints that fail are
// reported but do not abort the rest.
func (s *Server) handleInstancePruneImages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	inst, err := s.store.GetInstance(r.Context(), UserID(r.Context()), id)
	if err != nil {
		RespondAppError(w, err)
		return
	}

	client := portainer.NewClient(inst)
	endpoints, err := client.ListEndpoints(r.Context())
	if err != nil {
		RespondAppError(w, err)
		return
	}

	var deleted int
	var reclaimed int64
	var failures []string
	for _, ep := range endpoints {
		if !ep.IsDocker() {
			continue
		}
		report, err := client.PruneImages(r.Context(), ep.ID)
		if err != nil {
			s.log.Warn().Err(err).Int("endpoint", ep.ID).Msg("image prune failed")
			failures = append(failures, err.Error())
			continue
		}
		deleted += len(report.ImagesDeleted)
		reclaimed += report.SpaceReclaimed
	}

	RespondSuccess(w, map[string]any{
		"images_deleted":  deleted,
		"space_reclaimed": reclaimed,
		"failures":        failures,
	})
}
