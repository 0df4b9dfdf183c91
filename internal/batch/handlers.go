package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/chis/portsmith/internal/cache"
	"github.com/chis/portsmith/internal/detector"
	"github.com/chis/portsmith/internal/intent"
	"github.com/chis/portsmith/internal/logging"
	"github.com/chis/portsmith/internal/storage"
)

// HandlerDeps carries everything the standard job handlers need.
type HandlerDeps struct {
	Store    storage.Store
	Cache    *cache.Cache
	Detector *detector.Detector
	Engine   *intent.Engine
	Log      zerolog.Logger
}

// RegisterDefaults binds the three standard job types.
func RegisterDefaults(s *Scheduler, deps HandlerDeps) {
	s.Register(storage.JobTypeDockerHubPull, deps.dockerHubPull)
	s.Register(storage.JobTypeTrackedAppsCheck, deps.trackedAppsCheck)
	s.Register(storage.JobTypeAutoUpdate, deps.autoUpdate)
}

// dockerHubPull polls every Portainer instance of the user into the
// database, prunes orphaned image rows, refreshes the registry side,
// and lets scan-detected intents act on anything new.
func (d HandlerDeps) dockerHubPull(ctx context.Context, userID int64, _ bool, rl *logging.RunLog) (RunResult, error) {
	instances, err := d.Store.ListInstances(ctx, userID)
	if err != nil {
		return RunResult{}, err
	}

	var result RunResult
	synced := 0
	for i := range instances {
		inst := instances[i]
		n, err := d.Cache.SyncInstance(ctx, &inst, rl)
		if err != nil {
			rl.Logf("instance %s unreachable: %v", inst.Name, err)
			d.Log.Warn().Err(err).Str("instance", inst.Name).Msg("instance poll failed")
			continue
		}
		synced++
		result.Checked += n
	}
	if len(instances) > 0 && synced == 0 {
		return result, fmt.Errorf("all %d portainer instance(s) unreachable", len(instances))
	}

	// Rows last seen before the retention cutoff belong to containers
	// that disappeared while their instance was unreachable.
	if n, err := d.Store.DeleteContainersNotSeenSince(ctx, userID, time.Now().UTC().Add(-containerRetention)); err != nil {
		rl.Logf("stale container cleanup failed: %v", err)
	} else if n > 0 {
		rl.Logf("removed %d container row(s) not seen in %s", n, containerRetention)
	}

	if n, err := d.Store.CleanupOrphanDeployedImages(ctx, userID); err != nil {
		rl.Logf("orphan image cleanup failed: %v", err)
	} else if n > 0 {
		rl.Logf("removed %d orphaned image row(s)", n)
	}

	sum, err := d.Detector.RefreshImages(ctx, userID, rl)
	if err != nil {
		return result, err
	}
	result.Updated = sum.NewUpdates

	if sum.NewUpdates > 0 && d.Engine != nil {
		if _, err := d.Engine.Run(ctx, userID, storage.TriggerScanDetected, tickInterval, rl); err != nil {
			rl.Logf("scan-detected intent pass failed: %v", err)
			d.Log.Error().Err(err).Int64("user_id", userID).Msg("scan-detected intent pass failed")
		}
	}
	return result, nil
}

// trackedAppsCheck refreshes the latest release of every tracked app.
func (d HandlerDeps) trackedAppsCheck(ctx context.Context, userID int64, _ bool, rl *logging.RunLog) (RunResult, error) {
	sum, err := d.Detector.RefreshTrackedApps(ctx, userID, rl)
	if err != nil {
		return RunResult{}, err
	}
	return RunResult{Checked: sum.Checked, Updated: sum.NewUpdates}, nil
}

// autoUpdate runs the intent engine. Scheduled intents are given a
// window covering the configured job interval so a cron time between
// two runs still fires.
func (d HandlerDeps) autoUpdate(ctx context.Context, userID int64, isManual bool, rl *logging.RunLog) (RunResult, error) {
	window := tickInterval
	if cfg, err := d.Store.GetBatchConfig(ctx, userID, storage.JobTypeAutoUpdate); err == nil && cfg.IntervalMinutes > 0 {
		window = time.Duration(cfg.IntervalMinutes) * time.Minute
	}

	trigger := storage.TriggerScheduledWindow
	if isManual {
		trigger = storage.TriggerManual
	}

	sum, err := d.Engine.Run(ctx, userID, trigger, window, rl)
	if err != nil {
		return RunResult{}, err
	}
	return RunResult{Checked: sum.Executed, Updated: sum.Upgraded}, nil
}
