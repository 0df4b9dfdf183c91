package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chis/portsmith/internal/logging"
	"github.com/chis/portsmith/internal/storage"
)

type schedulerStore struct {
	storage.Store

	mu            sync.Mutex
	configs       []storage.BatchConfig
	lastStarts    map[string]time.Time // keyed jobType
	lockResult    *storage.BatchLockResult
	lockErr       error
	completed     []storage.BatchRun
	sweptBatch    bool
	sweptIntents  bool
	nextRunID     int64
	acquiredTypes []string
}

func (s *schedulerStore) ListEnabledBatchConfigs(context.Context) ([]storage.BatchConfig, error) {
	return s.configs, nil
}

func (s *schedulerStore) LastBatchRunStart(_ context.Context, _ int64, jobType string) (time.Time, bool, error) {
	t, ok := s.lastStarts[jobType]
	return t, ok, nil
}

func (s *schedulerStore) CheckAndAcquireBatchJobLock(_ context.Context, _ int64, jobType string, _ bool) (*storage.BatchLockResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockErr != nil {
		return nil, s.lockErr
	}
	if s.lockResult != nil {
		return s.lockResult, nil
	}
	s.nextRunID++
	s.acquiredTypes = append(s.acquiredTypes, jobType)
	return &storage.BatchLockResult{Acquired: true, RunID: s.nextRunID}, nil
}

func (s *schedulerStore) CompleteBatchRun(_ context.Context, run *storage.BatchRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, *run)
	return nil
}

func (s *schedulerStore) CleanupStaleBatchJobs(context.Context, time.Duration) (int64, error) {
	s.sweptBatch = true
	return 0, nil
}

func (s *schedulerStore) CleanupStaleIntentExecutions(context.Context, time.Duration) (int64, error) {
	s.sweptIntents = true
	return 0, nil
}

func (s *schedulerStore) completedRuns() []storage.BatchRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.BatchRun(nil), s.completed...)
}

func waitForRuns(t *testing.T, store *schedulerStore, n int) []storage.BatchRun {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runs := store.completedRuns(); len(runs) >= n {
			return runs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d completed run(s)", n)
	return nil
}

func TestTriggerRunsHandlerToCompletion(t *testing.T) {
	store := &schedulerStore{}
	s := NewScheduler(store, zerolog.Nop())

	var handlerCalls int
	var mu sync.Mutex
	s.Register(storage.JobTypeDockerHubPull, func(_ context.Context, userID int64, isManual bool, rl *logging.RunLog) (RunResult, error) {
		mu.Lock()
		handlerCalls++
		mu.Unlock()
		if userID != 7 || !isManual {
			t.Errorf("handler got userID=%d isManual=%v", userID, isManual)
		}
		rl.Logf("checked some containers")
		return RunResult{Checked: 5, Updated: 2}, nil
	})

	lock, err := s.Trigger(context.Background(), 7, storage.JobTypeDockerHubPull, true)
	if err != nil {
		t.Fatal(err)
	}
	if !lock.Acquired || lock.RunID == 0 {
		t.Fatalf("lock = %+v", lock)
	}

	runs := waitForRuns(t, store, 1)
	run := runs[0]
	if run.Status != storage.RunStatusCompleted {
		t.Errorf("status = %q", run.Status)
	}
	if run.ContainersChecked != 5 || run.ContainersUpdated != 2 {
		t.Errorf("counters = %d/%d", run.ContainersChecked, run.ContainersUpdated)
	}
	if run.CompletedAt == nil || run.DurationMs == nil {
		t.Error("terminal run must carry completion time and duration")
	}
	if run.Logs == "" {
		t.Error("run log lines must be persisted")
	}
	mu.Lock()
	defer mu.Unlock()
	if handlerCalls != 1 {
		t.Errorf("handler calls = %d", handlerCalls)
	}
}

func TestTriggerReportsRunningConflict(t *testing.T) {
	store := &schedulerStore{lockResult: &storage.BatchLockResult{IsRunning: true, RunID: 99}}
	s := NewScheduler(store, zerolog.Nop())

	called := false
	s.Register(storage.JobTypeAutoUpdate, func(context.Context, int64, bool, *logging.RunLog) (RunResult, error) {
		called = true
		return RunResult{}, nil
	})

	lock, err := s.Trigger(context.Background(), 1, storage.JobTypeAutoUpdate, true)
	if err != nil {
		t.Fatal(err)
	}
	if lock.Acquired || !lock.IsRunning || lock.RunID != 99 {
		t.Errorf("lock = %+v", lock)
	}
	s.Stop()
	if called {
		t.Error("handler must not run while another run holds the lock")
	}
}

func TestTriggerUnknownJobType(t *testing.T) {
	s := NewScheduler(&schedulerStore{}, zerolog.Nop())
	if _, err := s.Trigger(context.Background(), 1, "mystery-job", false); err == nil {
		t.Fatal("expected an error for an unregistered job type")
	}
}

func TestHandlerErrorMarksRunFailed(t *testing.T) {
	store := &schedulerStore{}
	s := NewScheduler(store, zerolog.Nop())
	s.Register(storage.JobTypeTrackedAppsCheck, func(context.Context, int64, bool, *logging.RunLog) (RunResult, error) {
		return RunResult{}, errors.New("upstream exploded")
	})

	if _, err := s.Trigger(context.Background(), 1, storage.JobTypeTrackedAppsCheck, false); err != nil {
		t.Fatal(err)
	}
	runs := waitForRuns(t, store, 1)
	if runs[0].Status != storage.RunStatusFailed {
		t.Errorf("status = %q, want failed", runs[0].Status)
	}
	if runs[0].ErrorMessage != "upstream exploded" {
		t.Errorf("error message = %q", runs[0].ErrorMessage)
	}
}

func TestTickTriggersOnlyDueJobs(t *testing.T) {
	store := &schedulerStore{
		configs: []storage.BatchConfig{
			{UserID: 1, JobType: storage.JobTypeDockerHubPull, Enabled: true, IntervalMinutes: 30},
			{UserID: 1, JobType: storage.JobTypeAutoUpdate, Enabled: true, IntervalMinutes: 30},
		},
		lastStarts: map[string]time.Time{
			// docker-hub-pull ran long ago, auto-update just ran.
			storage.JobTypeDockerHubPull: time.Now().Add(-time.Hour),
			storage.JobTypeAutoUpdate:    time.Now().Add(-time.Minute),
		},
	}
	s := NewScheduler(store, zerolog.Nop())
	noop := func(context.Context, int64, bool, *logging.RunLog) (RunResult, error) {
		return RunResult{}, nil
	}
	s.Register(storage.JobTypeDockerHubPull, noop)
	s.Register(storage.JobTypeAutoUpdate, noop)

	s.tick(context.Background())
	runs := waitForRuns(t, store, 1)
	if len(runs) != 1 || runs[0].JobType != storage.JobTypeDockerHubPull {
		t.Errorf("runs = %+v, want only docker-hub-pull", runs)
	}
}

func TestStartSweepsStaleState(t *testing.T) {
	store := &schedulerStore{}
	s := NewScheduler(store, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	s.Stop()

	if !store.sweptBatch || !store.sweptIntents {
		t.Error("startup must sweep stale batch runs and intent executions")
	}
}
