package api

import (
	"net/http"
	"time"

	"github.com/chis/portsmith/internal/registry"
	"github.com/chis/portsmith/internal/storage"
)

// handleContainersList serves the merged container view. portainerUrl
// narrows the result to one instance; force=true bypasses the cache TTL
// and rescans Portainer.
func (s *Server) handleContainersList(w http.ResponseWriter, r *http.Request) {
	portainerURL := r.URL.Query().Get("portainerUrl")
	force := r.URL.Query().Get("force") == "true"

	result, err := s.cache.Get(r.Context(), UserID(r.Context()), portainerURL, force)
	if err != nil {
		RespondAppError(w, err)
		return
	}
	RespondSuccess(w, result)
}

// handleContainerUpgrade recreates one container on its latest image.
// The fresh digest is persisted immediately so the container view
// reflects the upgrade without waiting for the next scan.
func (s *Server) handleContainerUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	cid := r.PathValue("containerId")

	row, err := s.store.GetContainerWithVersion(r.Context(), userID, cid)
	if err != nil {
		RespondAppError(w, err)
		return
	}
	inst, err := s.store.GetInstance(r.Context(), userID, row.PortainerInstanceID)
	if err != nil {
		RespondAppError(w, err)
		return
	}

	result, err := s.upgrader.Upgrade(r.Context(), inst, row.EndpointID, row.ContainerID)
	if err != nil {
		RespondAppError(w, err)
		return
	}

	s.recordUpgrade(r, userID, row, result.NewContainerID, result.NewDigest)
	RespondSuccess(w, result)
}

// recordUpgrade writes the post-upgrade digest and container identity.
// Failures here only delay the view; the next scan self-corrects.
func (s *Server) recordUpgrade(r *http.Request, userID int64, row *storage.ContainerWithVersion, newCID, newDigest string) {
	ctx := r.Context()
	now := time.Now().UTC()

	img := &storage.DeployedImage{
		UserID:      userID,
		ImageRepo:   row.ImageRepo,
		ImageTag:    row.ImageTag,
		ImageDigest: registry.NormalizeDigest(newDigest),
		FirstSeen:   now,
		LastSeen:    now,
	}
	if ref, err := registry.ParseRef(row.ImageRepo); err == nil {
		img.Registry = ref.Registry
		img.Namespace = ref.Namespace
		img.Repository = ref.Repository
	}
	imgID, err := s.store.UpsertDeployedImage(ctx, img)
	if err != nil {
		s.log.Warn().Err(err).Str("container", row.ContainerName).Msg("persisting upgraded image failed")
		return
	}

	c := row.Container
	if newCID != "" {
		c.ContainerID = newCID
	}
	c.DeployedImageID = &imgID
	c.LastSeen = now
	if err := s.store.UpsertContainer(ctx, &c); err != nil {
		s.log.Warn().Err(err).Str("container", row.ContainerName).Msg("persisting upgraded container failed")
	}
}
