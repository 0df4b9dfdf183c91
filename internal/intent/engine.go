package intent

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/chis/portsmith/internal/logging"
	"github.com/chis/portsmith/internal/metrics"
	"github.com/chis/portsmith/internal/notify"
	"github.com/chis/portsmith/internal/portainer"
	"github.com/chis/portsmith/internal/storage"
)

// Upgrader performs one container recreate on a Portainer instance.
// PortainerUpgrader is the production implementation.
type Upgrader interface {
	Upgrade(ctx context.Context, inst *storage.PortainerInstance, endpointID int, containerID string) (*portainer.UpgradeResult, error)
}

// Summary aggregates one engine pass over all of a user's intents.
type Summary struct {
	Executed int `json:"executed"`
	Upgraded int `json:"upgraded"`
	Failed   int `json:"failed"`
}

// Engine resolves candidates per enabled intent and runs the upgrades
// the intent authorizes.
type Engine struct {
	store    storage.Store
	upgrader Upgrader
	bus      *notify.Bus
	log      zerolog.Logger

	// test seams
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// NewEngine wires an engine.
func NewEngine(store storage.Store, upgrader Upgrader, bus *notify.Bus, log zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		upgrader: upgrader,
		bus:      bus,
		log:      log,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run evaluates every enabled intent of the user whose trigger is due
// and executes the upgrades they authorize. window is how far back a
// scheduled intent's cron trigger may lie and still count as due
// (normally one scheduler tick).
func (e *Engine) Run(ctx context.Context, userID int64, triggerType string, window time.Duration, rl *logging.RunLog) (*Summary, error) {
	intents, err := e.store.ListEnabledIntents(ctx, userID)
	if err != nil {
		return nil, err
	}
	rows, err := e.store.GetContainersWithUpdates(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	instances, err := e.instanceMap(ctx, userID)
	if err != nil {
		return nil, err
	}

	var summary Summary
	for i := range intents {
		in := intents[i]
		due, err := e.due(&in, triggerType, window)
		if err != nil {
			e.log.Warn().Err(err).Str("intent", in.Name).Msg("skipping intent with bad schedule")
			continue
		}
		if !due {
			continue
		}
		candidates := Candidates(&in, rows)
		if len(candidates) == 0 {
			continue
		}

		exec, err := e.execute(ctx, &in, candidates, instances, triggerType, rl)
		if err != nil {
			e.log.Error().Err(err).Str("intent", in.Name).Msg("intent execution failed")
			continue
		}
		summary.Executed++
		summary.Upgraded += exec.ContainersUpgraded
		summary.Failed += exec.ContainersFailed
	}
	return &summary, nil
}

// due reports whether the intent's trigger fires for this pass.
// Manual triggers always fire; immediate intents fire on every batch;
// scheduled intents fire when their cron expression had a trigger time
// inside the window.
func (e *Engine) due(in *storage.Intent, triggerType string, window time.Duration) (bool, error) {
	if triggerType == storage.TriggerManual {
		return true, nil
	}
	switch in.ScheduleType {
	case storage.ScheduleScheduled:
		sched, err := cron.ParseStandard(in.ScheduleCron)
		if err != nil {
			return false, err
		}
		now := e.now()
		next := sched.Next(now.Add(-window))
		return !next.After(now), nil
	default:
		return true, nil
	}
}

func (e *Engine) instanceMap(ctx context.Context, userID int64) (map[int64]*storage.PortainerInstance, error) {
	list, err := e.store.ListInstances(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]*storage.PortainerInstance, len(list))
	for i := range list {
		out[list[i].ID] = &list[i]
	}
	return out, nil
}

// execute creates the execution record, runs the candidates in
// maxConcurrent-sized groups, and writes the terminal state. Groups
// run one after another; inside a group containers upgrade
// sequentially with the configured delay between successes.
func (e *Engine) execute(ctx context.Context, in *storage.Intent, candidates []storage.ContainerWithVersion,
	instances map[int64]*storage.PortainerInstance, triggerType string, rl *logging.RunLog) (*storage.IntentExecution, error) {

	start := e.now()
	exec := &storage.IntentExecution{
		IntentID:          in.ID,
		UserID:            in.UserID,
		Status:            storage.ExecStatusPending,
		TriggerType:       triggerType,
		ContainersMatched: len(candidates),
	}
	if err := e.store.CreateIntentExecution(ctx, exec); err != nil {
		return nil, err
	}

	exec.Status = storage.ExecStatusRunning
	if err := e.store.UpdateIntentExecution(ctx, exec); err != nil {
		return nil, err
	}

	if rl != nil {
		rl.Logf("intent %s: %d candidate(s), maxConcurrent=%d, dryRun=%v",
			in.Name, len(candidates), in.MaxConcurrent, in.DryRun)
	}
	if e.bus != nil && in.NotifyOnBatchStart {
		e.bus.Publish(notify.BatchStarted(in.UserID, exec.ID, in.Name, len(candidates)))
	}

	groupSize := in.MaxConcurrent
	if groupSize < 1 {
		groupSize = 1
	}
	for offset := 0; offset < len(candidates); offset += groupSize {
		end := offset + groupSize
		if end > len(candidates) {
			end = len(candidates)
		}
		e.runGroup(ctx, in, exec, candidates[offset:end], instances, rl)
	}

	switch {
	case exec.ContainersFailed == 0:
		exec.Status = storage.ExecStatusCompleted
	case exec.ContainersUpgraded == 0:
		exec.Status = storage.ExecStatusFailed
	default:
		exec.Status = storage.ExecStatusPartial
	}
	completed := e.now().UTC()
	duration := completed.Sub(start).Milliseconds()
	exec.CompletedAt = &completed
	exec.DurationMs = &duration
	if err := e.store.UpdateIntentExecution(ctx, exec); err != nil {
		return nil, err
	}
	if err := e.store.TouchIntentEvaluated(ctx, in.ID, exec.ID); err != nil {
		e.log.Error().Err(err).Str("intent", in.Name).Msg("recording last execution failed")
	}

	if e.bus != nil {
		e.bus.Publish(notify.BatchSummary(in.UserID, exec.ID, in.Name,
			exec.ContainersUpgraded, exec.ContainersFailed, exec.ContainersSkipped))
	}
	if rl != nil {
		rl.Logf("intent %s: %s (%d upgraded, %d failed, %d skipped)",
			in.Name, exec.Status, exec.ContainersUpgraded, exec.ContainersFailed, exec.ContainersSkipped)
	}
	return exec, nil
}

func (e *Engine) runGroup(ctx context.Context, in *storage.Intent, exec *storage.IntentExecution,
	group []storage.ContainerWithVersion, instances map[int64]*storage.PortainerInstance, rl *logging.RunLog) {

	for i := range group {
		c := group[i]
		if err := ctx.Err(); err != nil {
			// Record on a detached context so the outcome row survives
			// the cancellation that caused it.
			e.recordSkip(context.WithoutCancel(ctx), exec, &c, "execution cancelled")
			continue
		}

		if in.DryRun {
			e.recordDryRun(ctx, exec, &c)
			continue
		}

		inst := instances[c.PortainerInstanceID]
		if inst == nil {
			e.recordFailure(ctx, in, exec, &c, "portainer instance no longer exists")
			continue
		}

		upStart := e.now()
		result, err := e.upgrader.Upgrade(ctx, inst, c.EndpointID, c.Container.ContainerID)
		elapsed := e.now().Sub(upStart)
		metrics.UpgradeDuration.Observe(elapsed.Seconds())

		if err != nil {
			metrics.UpgradesTotal.WithLabelValues("failed").Inc()
			e.recordFailure(ctx, in, exec, &c, err.Error())
			if rl != nil {
				rl.Logf("upgrade %s failed: %v", c.ContainerName, err)
			}
			continue
		}

		metrics.UpgradesTotal.WithLabelValues("upgraded").Inc()
		durMs := elapsed.Milliseconds()
		exec.ContainersUpgraded++
		e.addOutcome(ctx, &storage.IntentExecutionContainer{
			ExecutionID:         exec.ID,
			ContainerID:         c.Container.ContainerID,
			ContainerName:       c.ContainerName,
			ImageName:           c.ImageName,
			PortainerInstanceID: &c.PortainerInstanceID,
			Status:              storage.ContainerOutcomeUpgraded,
			OldImage:            result.OldImage,
			NewImage:            result.NewImage,
			OldDigest:           result.OldDigest,
			NewDigest:           result.NewDigest,
			DurationMs:          &durMs,
		})
		if rl != nil {
			rl.Logf("upgraded %s (%s -> %s)", c.ContainerName, result.OldDigest, result.NewDigest)
		}
		if e.bus != nil && in.NotifyOnSuccess {
			e.bus.Publish(notify.UpgradeSuccess(in.UserID, exec.ID, c.ContainerName, result.OldImage, result.NewImage))
		}

		// Let downstream health checks settle before the next one.
		if i < len(group)-1 {
			e.sleep(ctx, time.Duration(in.SequentialDelaySec)*time.Second)
		}
	}
}

func (e *Engine) recordDryRun(ctx context.Context, exec *storage.IntentExecution, c *storage.ContainerWithVersion) {
	exec.ContainersSkipped++
	newImage := c.ImageName
	if c.LatestDigest != "" {
		newImage = c.ImageRepo + "@" + c.LatestDigest
	}
	e.addOutcome(ctx, &storage.IntentExecutionContainer{
		ExecutionID:         exec.ID,
		ContainerID:         c.Container.ContainerID,
		ContainerName:       c.ContainerName,
		ImageName:           c.ImageName,
		PortainerInstanceID: &c.PortainerInstanceID,
		Status:              storage.ContainerOutcomeDryRun,
		OldImage:            c.ImageName,
		NewImage:            newImage,
		OldDigest:           c.CurrentDigest,
		NewDigest:           c.LatestDigest,
	})
}

func (e *Engine) recordSkip(ctx context.Context, exec *storage.IntentExecution, c *storage.ContainerWithVersion, reason string) {
	exec.ContainersSkipped++
	e.addOutcome(ctx, &storage.IntentExecutionContainer{
		ExecutionID:         exec.ID,
		ContainerID:         c.Container.ContainerID,
		ContainerName:       c.ContainerName,
		ImageName:           c.ImageName,
		PortainerInstanceID: &c.PortainerInstanceID,
		Status:              storage.ContainerOutcomeSkipped,
		ErrorMessage:        reason,
	})
}

func (e *Engine) recordFailure(ctx context.Context, in *storage.Intent, exec *storage.IntentExecution, c *storage.ContainerWithVersion, reason string) {
	exec.ContainersFailed++
	e.addOutcome(ctx, &storage.IntentExecutionContainer{
		ExecutionID:         exec.ID,
		ContainerID:         c.Container.ContainerID,
		ContainerName:       c.ContainerName,
		ImageName:           c.ImageName,
		PortainerInstanceID: &c.PortainerInstanceID,
		Status:              storage.ContainerOutcomeFailed,
		ErrorMessage:        reason,
	})
	if e.bus != nil && in.NotifyOnFailure {
		e.bus.Publish(notify.UpgradeFailure(in.UserID, exec.ID, c.ContainerName, reason))
	}
}

func (e *Engine) addOutcome(ctx context.Context, row *storage.IntentExecutionContainer) {
	if err := e.store.AddExecutionContainer(ctx, row); err != nil {
		e.log.Error().Err(err).Str("container", row.ContainerName).Msg("recording execution outcome failed")
	}
}
