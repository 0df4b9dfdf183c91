// Package batch schedules and executes the per-user background jobs:
// container polling, tracked app checks, and auto-upgrades.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chis/portsmith/internal/logging"
	"github.com/chis/portsmith/internal/metrics"
	"github.com/chis/portsmith/internal/storage"
)

// RunResult is what a handler reports back for the run record.
type RunResult struct {
	Checked int
	Updated int
}

// Handler executes one batch job for one user.
type Handler func(ctx context.Context, userID int64, isManual bool, rl *logging.RunLog) (RunResult, error)

const (
	// tickInterval is how often the scheduler looks for due jobs.
	tickInterval = time.Minute

	// runTimeout hard-cancels a run; the stale sweeper reaps anything
	// that overruns it anyway.
	runTimeout = 60 * time.Minute

	// staleSweepAge is the startup sweep threshold for abandoned runs.
	staleSweepAge = 60 * time.Minute

	// containerRetention is how long an unseen container row survives
	// before the pull pass deletes it.
	containerRetention = 7 * 24 * time.Hour
)

// Scheduler wakes once per minute and triggers every enabled
// (user, jobType) whose interval has elapsed. Manual triggers share
// the same per-(user, jobType) lock as scheduled ones.
type Scheduler struct {
	store    storage.Store
	log      zerolog.Logger
	handlers map[string]Handler

	stop   chan struct{}
	stopMu sync.Mutex
	wg     sync.WaitGroup
}

// NewScheduler builds a scheduler with no handlers registered.
func NewScheduler(store storage.Store, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		log:      log,
		handlers: make(map[string]Handler),
		stop:     make(chan struct{}),
	}
}

// Register binds a handler to a job type. Must be called before Start.
func (s *Scheduler) Register(jobType string, h Handler) {
	s.handlers[jobType] = h
}

// Start sweeps stale state left by a previous process, then runs the
// tick loop until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	if n, err := s.store.CleanupStaleBatchJobs(ctx, staleSweepAge); err != nil {
		s.log.Error().Err(err).Msg("stale batch sweep failed")
	} else if n > 0 {
		s.log.Warn().Int64("runs", n).Msg("marked abandoned batch runs failed")
	}
	if n, err := s.store.CleanupStaleIntentExecutions(ctx, staleSweepAge); err != nil {
		s.log.Error().Err(err).Msg("stale intent execution sweep failed")
	} else if n > 0 {
		s.log.Warn().Int64("executions", n).Msg("marked abandoned intent executions failed")
	}

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop ends the tick loop and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.stopMu.Lock()
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.stopMu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick triggers every enabled job whose interval has elapsed.
func (s *Scheduler) tick(ctx context.Context) {
	configs, err := s.store.ListEnabledBatchConfigs(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("listing batch configs failed")
		return
	}

	now := time.Now()
	for _, cfg := range configs {
		if _, ok := s.handlers[cfg.JobType]; !ok {
			continue
		}
		last, found, err := s.store.LastBatchRunStart(ctx, cfg.UserID, cfg.JobType)
		if err != nil {
			s.log.Error().Err(err).Str("job", cfg.JobType).Msg("reading last run failed")
			continue
		}
		if found && now.Sub(last) < time.Duration(cfg.IntervalMinutes)*time.Minute {
			continue
		}
		if _, err := s.Trigger(ctx, cfg.UserID, cfg.JobType, false); err != nil {
			s.log.Error().Err(err).Str("job", cfg.JobType).Int64("user_id", cfg.UserID).Msg("trigger failed")
		}
	}
}

// Trigger attempts to start one run. When another run already holds
// the lock the result says so and no handler is invoked; callers map
// that to a conflict. On success the handler runs in the background
// and the returned result carries the new run id.
func (s *Scheduler) Trigger(ctx context.Context, userID int64, jobType string, isManual bool) (*storage.BatchLockResult, error) {
	h, ok := s.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("no handler for job type %q", jobType)
	}

	lock, err := s.store.CheckAndAcquireBatchJobLock(ctx, userID, jobType, isManual)
	if err != nil {
		return nil, err
	}
	if !lock.Acquired {
		return lock, nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(userID, jobType, lock.RunID, isManual, h)
	}()
	return lock, nil
}

// execute runs the handler under its own timeout and writes the
// terminal run record with the buffered log lines.
func (s *Scheduler) execute(userID int64, jobType string, runID int64, isManual bool, h Handler) {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	rl := logging.NewRunLog()
	rl.Logf("job %s started (manual=%v)", jobType, isManual)
	start := time.Now()

	result, err := h(ctx, userID, isManual, rl)

	completed := time.Now().UTC()
	duration := completed.Sub(start.UTC()).Milliseconds()
	run := &storage.BatchRun{
		ID:                runID,
		UserID:            userID,
		JobType:           jobType,
		Status:            storage.RunStatusCompleted,
		IsManual:          isManual,
		CompletedAt:       &completed,
		DurationMs:        &duration,
		ContainersChecked: result.Checked,
		ContainersUpdated: result.Updated,
	}
	if err != nil {
		run.Status = storage.RunStatusFailed
		run.ErrorMessage = err.Error()
		rl.Logf("job failed: %v", err)
		s.log.Error().Err(err).Str("job", jobType).Int64("user_id", userID).Msg("batch run failed")
	} else {
		rl.Logf("job completed in %dms", duration)
	}
	run.Logs = rl.String()

	metrics.BatchRuns.WithLabelValues(jobType, run.Status).Inc()

	// Persist on a fresh context: the run context may already be done.
	persistCtx, persistCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer persistCancel()
	if err := s.store.CompleteBatchRun(persistCtx, run); err != nil {
		s.log.Error().Err(err).Int64("run_id", runID).Msg("recording batch run failed")
	}
}
