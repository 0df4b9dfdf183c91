package intent

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/chis/portsmith/internal/portainer"
	"github.com/chis/portsmith/internal/storage"
)

// PortainerUpgrader adapts the container recreate flow to the engine's
// Upgrader seam. One shared portainer.Upgrader keeps the per-instance
// mutual exclusion across all intents.
type PortainerUpgrader struct {
	upgrader *portainer.Upgrader
}

// NewPortainerUpgrader builds the production upgrader.
func NewPortainerUpgrader(log zerolog.Logger) *PortainerUpgrader {
	return &PortainerUpgrader{upgrader: portainer.NewUpgrader(log)}
}

// Upgrade recreates one container on its instance.
func (p *PortainerUpgrader) Upgrade(ctx context.Context, inst *storage.PortainerInstance, endpointID int, containerID string) (*portainer.UpgradeResult, error) {
	client := portainer.NewClient(inst)
	return p.upgrader.Recreate(ctx, client, inst.ID, endpointID, containerID)
}
