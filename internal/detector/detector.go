// Package detector refreshes the registry side of the three-table
// state model and surfaces freshly detected updates as notifications.
package detector

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/chis/portsmith/internal/apperr"
	"github.com/chis/portsmith/internal/intent"
	"github.com/chis/portsmith/internal/logging"
	"github.com/chis/portsmith/internal/metrics"
	"github.com/chis/portsmith/internal/notify"
	"github.com/chis/portsmith/internal/registry"
	"github.com/chis/portsmith/internal/storage"
)

// Resolver is the registry surface the detector needs. *registry.Manager
// is the production implementation.
type Resolver interface {
	Resolve(ctx context.Context, imageRepo, tag, token string) (*registry.Resolution, error)
	LatestRelease(ctx context.Context, provider, repo, token string) (*registry.Release, error)
}

// Summary reports one detector pass.
type Summary struct {
	Checked    int `json:"checked"`
	Failed     int `json:"failed"`
	NewUpdates int `json:"new_updates"`
}

// Detector resolves latest digests for every deployed image coordinate
// of a user and persists them into registry_image_versions.
type Detector struct {
	store   storage.Store
	reg     Resolver
	bus     *notify.Bus
	workers int
	log     zerolog.Logger
}

// New wires a detector. workers bounds the registry fan-out.
func New(store storage.Store, reg Resolver, bus *notify.Bus, workers int, log zerolog.Logger) *Detector {
	if workers < 1 {
		workers = 1
	}
	return &Detector{store: store, reg: reg, bus: bus, workers: workers, log: log}
}

// RefreshImages resolves the latest digest for each distinct
// (imageRepo, imageTag) pair of the user. Failed coordinates keep
// their previous row; transient failures only refresh last_seen on the
// deployed rows, leaving latest_digest and last_checked untouched.
// Containers whose update state flips to true during the pass are
// announced on the bus when a matching intent asked for the notice.
func (d *Detector) RefreshImages(ctx context.Context, userID int64, rl *logging.RunLog) (*Summary, error) {
	start := time.Now()

	beforeRows, err := d.updatedContainers(ctx, userID)
	if err != nil {
		return nil, err
	}
	before := make(map[int64]bool, len(beforeRows))
	for _, cv := range beforeRows {
		before[cv.ID] = true
	}

	coords, err := d.store.ListImageCoords(ctx, userID)
	if err != nil {
		return nil, err
	}

	tokens, err := d.tokenMap(ctx, userID)
	if err != nil {
		return nil, err
	}

	logf(rl, "resolving %d image coordinate(s) with %d worker(s)", len(coords), d.workers)

	var (
		mu      sync.Mutex
		summary Summary
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for _, coord := range coords {
		coord := coord
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			err := d.refreshCoord(gctx, userID, coord, tokens[tokenID(coord.RepositoryTokenID)])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				logf(rl, "resolve %s:%s failed: %v", coord.ImageRepo, coord.ImageTag, err)
				return nil // one bad coordinate must not abort the pass
			}
			summary.Checked++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	after, err := d.updatedContainers(ctx, userID)
	if err != nil {
		return nil, err
	}
	intents, err := d.store.ListEnabledIntents(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range after {
		cv := &after[i]
		if before[cv.ID] {
			continue
		}
		summary.NewUpdates++
		logf(rl, "update detected: %s (%s:%s)", cv.ContainerName, cv.ImageRepo, cv.ImageTag)
		if d.bus != nil && wantsUpdateNotice(intents, cv) {
			d.bus.Publish(notify.UpdateDetected(userID, cv.ImageRepo, cv.ImageTag, cv.LatestDigest))
		}
	}

	metrics.PendingUpdates.Set(float64(len(after)))
	metrics.RegistryCheckDuration.Observe(time.Since(start).Seconds())
	logf(rl, "pass complete: %d checked, %d failed, %d new update(s)",
		summary.Checked, summary.Failed, summary.NewUpdates)
	return &summary, nil
}

func (d *Detector) refreshCoord(ctx context.Context, userID int64, coord storage.ImageCoord, token string) error {
	res, err := d.reg.Resolve(ctx, coord.ImageRepo, coord.ImageTag, token)
	if err != nil {
		metrics.RegistryChecks.WithLabelValues("error").Inc()
		if apperr.IsTransient(err) {
			if touchErr := d.store.TouchRegistryCoordinate(ctx, userID, coord.ImageRepo, coord.ImageTag); touchErr != nil {
				d.log.Error().Err(touchErr).Str("image", coord.ImageRepo).Msg("touching registry coordinate failed")
			}
		}
		return err
	}
	metrics.RegistryChecks.WithLabelValues("ok").Inc()

	v := &storage.RegistryImageVersion{
		UserID:            userID,
		ImageRepo:         coord.ImageRepo,
		Registry:          res.Registry,
		Provider:          res.Provider,
		Namespace:         res.Namespace,
		Repository:        res.Repository,
		Tag:               coord.ImageTag,
		LatestVersion:     res.LatestVersion,
		LatestPublishDate: res.LatestPublishDate,
		ExistsInRegistry:  res.ExistsInRegistry,
		NoDigest:          res.NoDigest,
	}
	if res.LatestDigest != nil {
		v.LatestDigest = *res.LatestDigest
	}
	return d.store.UpsertRegistryVersion(ctx, v)
}

// updatedContainers returns the container rows whose deployed digest
// currently disagrees with the registry digest.
func (d *Detector) updatedContainers(ctx context.Context, userID int64) ([]storage.ContainerWithVersion, error) {
	rows, err := d.store.GetContainersWithUpdates(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, cv := range rows {
		if cv.HasUpdate {
			out = append(out, cv)
		}
	}
	return out, nil
}

// wantsUpdateNotice reports whether any enabled intent that matches the
// container asked to be told about detected updates.
func wantsUpdateNotice(intents []storage.Intent, cv *storage.ContainerWithVersion) bool {
	for i := range intents {
		if intents[i].NotifyOnUpdateDetected && intent.Matches(&intents[i], cv) {
			return true
		}
	}
	return false
}

func (d *Detector) tokenMap(ctx context.Context, userID int64) (map[int64]string, error) {
	toks, err := d.store.ListTokens(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]string, len(toks))
	for _, t := range toks {
		out[t.ID] = t.AccessToken
	}
	return out, nil
}

func tokenID(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}

func logf(rl *logging.RunLog, format string, args ...any) {
	if rl != nil {
		rl.Logf(format, args...)
	}
}
