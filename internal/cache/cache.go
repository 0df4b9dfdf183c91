// Package cache serves the merged container view: the persisted
// three-table state enriched with a live Portainer snapshot, behind a
// short-lived in-memory layer.
package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/chis/portsmith/internal/portainer"
	"github.com/chis/portsmith/internal/registry"
	"github.com/chis/portsmith/internal/storage"
)

// DefaultTTL is how long a memory entry stays fresh.
const DefaultTTL = 30 * time.Second

// ContainerScanner lists the live containers of one Portainer
// instance. *portainer.Scanner is the production implementation.
type ContainerScanner interface {
	Scan(ctx context.Context) (*portainer.Snapshot, error)
}

// ScannerFactory builds a scanner bound to one instance's credentials.
type ScannerFactory func(inst *storage.PortainerInstance) ContainerScanner

// Result is the assembled container view for one read.
type Result struct {
	Containers  []storage.ContainerWithVersion `json:"containers"`
	Stale       bool                           `json:"stale"`
	RefreshedAt time.Time                      `json:"refreshed_at"`
}

type cacheKey struct {
	userID       int64
	portainerURL string
}

type cacheEntry struct {
	result *Result
	at     time.Time
}

// Cache is the two-level container cache. Reads merge a live Portainer
// snapshot with the database rows; any database write for a user drops
// that user's memory entries.
type Cache struct {
	store    storage.Store
	scanners ScannerFactory
	ttl      time.Duration
	log      zerolog.Logger

	mu      sync.RWMutex
	entries map[cacheKey]*cacheEntry
	// gens counts invalidations per user. A read records the value
	// before it touches the database and refuses to populate the map
	// when it changed underneath: the read may have seen rows from
	// before the write that invalidated.
	gens map[int64]uint64
}

// New builds a cache and registers its invalidation hook on the store.
func New(store storage.Store, scanners ScannerFactory, ttl time.Duration, log zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		store:    store,
		scanners: scanners,
		ttl:      ttl,
		log:      log,
		entries:  make(map[cacheKey]*cacheEntry),
		gens:     make(map[int64]uint64),
	}
	store.OnWrite(c.Invalidate)
	return c
}

// Invalidate drops every memory entry belonging to the user.
func (c *Cache) Invalidate(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[userID]++
	for k := range c.entries {
		if k.userID == userID {
			delete(c.entries, k)
		}
	}
}

// Get returns the merged container view, serving from memory when the
// entry is inside its TTL and force is false. When Portainer is
// unreachable the database view is returned alone, marked stale.
func (c *Cache) Get(ctx context.Context, userID int64, portainerURL string, force bool) (*Result, error) {
	key := cacheKey{userID: userID, portainerURL: portainerURL}

	c.mu.RLock()
	gen := c.gens[userID]
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !force && ok && time.Since(e.at) < c.ttl {
		return e.result, nil
	}

	instances, err := c.instancesFor(ctx, userID, portainerURL)
	if err != nil {
		return nil, err
	}

	var (
		dbRows []storage.ContainerWithVersion
		live   []observed
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := c.store.GetContainersWithUpdates(gctx, userID, portainerURL)
		if err != nil {
			return err
		}
		dbRows = rows
		return nil
	})

	stale := false
	g.Go(func() error {
		snapshot, err := c.observe(gctx, instances)
		if err != nil {
			// Portainer unreachable: fall back to the DB view.
			c.log.Warn().Err(err).Int64("user_id", userID).Msg("live container fetch failed, serving database view")
			stale = true
			return nil
		}
		live = snapshot
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &Result{RefreshedAt: time.Now().UTC(), Stale: stale}
	if stale {
		result.Containers = dbRows
	} else {
		result.Containers = c.merge(ctx, userID, live, dbRows)
	}

	c.mu.Lock()
	if c.gens[userID] == gen {
		c.entries[key] = &cacheEntry{result: result, at: time.Now()}
	}
	c.mu.Unlock()
	return result, nil
}

// observed pairs a scanned container with the instance it came from.
type observed struct {
	instanceID int64
	c          portainer.ScannedContainer
}

func (c *Cache) instancesFor(ctx context.Context, userID int64, portainerURL string) ([]storage.PortainerInstance, error) {
	if portainerURL != "" {
		inst, err := c.store.GetInstanceByURL(ctx, userID, portainerURL)
		if err != nil {
			return nil, err
		}
		return []storage.PortainerInstance{*inst}, nil
	}
	return c.store.ListInstances(ctx, userID)
}

func (c *Cache) observe(ctx context.Context, instances []storage.PortainerInstance) ([]observed, error) {
	var out []observed
	for i := range instances {
		inst := instances[i]
		snap, err := c.scanners(&inst).Scan(ctx)
		if err != nil {
			return nil, err
		}
		for _, sc := range snap.Containers {
			out = append(out, observed{instanceID: inst.ID, c: sc})
		}
	}
	return out, nil
}

// merge joins the live snapshot with the persisted rows, preferring
// live identity fields and persisted version fields. A digest observed
// to differ from the stored one means an operator upgraded the
// container outside this system; the stored digest is corrected in
// place before the row is returned.
func (c *Cache) merge(ctx context.Context, userID int64, live []observed, dbRows []storage.ContainerWithVersion) []storage.ContainerWithVersion {
	byCID := make(map[string]*storage.ContainerWithVersion, len(dbRows))
	byPrefix := make(map[string]*storage.ContainerWithVersion, len(dbRows))
	byImage := make(map[string]*storage.ContainerWithVersion, len(dbRows))
	for i := range dbRows {
		row := &dbRows[i]
		byCID[row.Container.ContainerID] = row
		if len(row.Container.ContainerID) >= shortIDLen {
			byPrefix[row.Container.ContainerID[:shortIDLen]] = row
		}
		byImage[imageKey(row.ImageName, row.EndpointID)] = row
	}

	out := make([]storage.ContainerWithVersion, 0, len(live))
	for _, ob := range live {
		sc := ob.c
		row := lookup(byCID, byPrefix, byImage, sc)

		cv := storage.ContainerWithVersion{
			Container: storage.Container{
				UserID:              userID,
				PortainerInstanceID: ob.instanceID,
				ContainerID:         sc.ContainerID,
				ContainerName:       sc.ContainerName,
				EndpointID:          sc.EndpointID,
				ImageName:           sc.ImageName,
				ImageRepo:           sc.ImageRepo,
				Status:              sc.Status,
				State:               sc.State,
				StackName:           sc.StackName,
				UsesNetworkMode:     sc.UsesNetworkMode,
				ProvidesNetwork:     sc.ProvidesNetwork,
			},
			ImageTag:      sc.ImageTag,
			CurrentDigest: registry.NormalizeDigest(sc.ImageDigest),
		}

		if row != nil {
			cv.ID = row.ID
			cv.DeployedImageID = row.DeployedImageID
			cv.Registry = row.Registry
			cv.LatestDigest = row.LatestDigest
			cv.LatestVersion = row.LatestVersion
			cv.LatestPublishDate = row.LatestPublishDate
			cv.ExistsInRegistry = row.ExistsInRegistry
			cv.LastChecked = row.LastChecked
			if cv.CurrentDigest == "" {
				cv.CurrentDigest = row.CurrentDigest
			} else if row.CurrentDigest != "" && cv.CurrentDigest != row.CurrentDigest {
				c.recordManualUpgrade(ctx, userID, row, cv.CurrentDigest, sc)
			}
		}

		cv.HasUpdate = registry.HasUpdate(cv.CurrentDigest, cv.LatestDigest)
		out = append(out, cv)
	}
	return out
}

const shortIDLen = 12

func lookup(byCID, byPrefix, byImage map[string]*storage.ContainerWithVersion, sc portainer.ScannedContainer) *storage.ContainerWithVersion {
	if row, ok := byCID[sc.ContainerID]; ok {
		return row
	}
	if len(sc.ContainerID) >= shortIDLen {
		if row, ok := byPrefix[sc.ContainerID[:shortIDLen]]; ok {
			return row
		}
	}
	// Recreated by another tool: same image on the same endpoint.
	return byImage[imageKey(sc.ImageName, sc.EndpointID)]
}

func imageKey(imageName string, endpointID int) string {
	return imageName + "\x00" + strconv.Itoa(endpointID)
}

// recordManualUpgrade persists the digest an operator deployed behind
// our back so the stored state converges with reality.
func (c *Cache) recordManualUpgrade(ctx context.Context, userID int64, row *storage.ContainerWithVersion, newDigest string, sc portainer.ScannedContainer) {
	c.log.Info().
		Int64("user_id", userID).
		Str("container", sc.ContainerName).
		Str("old_digest", row.CurrentDigest).
		Str("new_digest", newDigest).
		Msg("manual upgrade detected")

	img := deployedImageFromScan(userID, sc)
	if _, err := c.store.UpsertDeployedImage(ctx, img); err != nil {
		c.log.Error().Err(err).Str("container", sc.ContainerName).Msg("persisting manually upgraded digest failed")
	}
}
