package intent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chis/portsmith/internal/notify"
	"github.com/chis/portsmith/internal/portainer"
	"github.com/chis/portsmith/internal/storage"
)

const (
	digestA = "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	digestB = "sha256:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type engineStore struct {
	storage.Store

	mu         sync.Mutex
	intents    []storage.Intent
	rows       []storage.ContainerWithVersion
	instances  []storage.PortainerInstance
	executions []storage.IntentExecution
	updates    []storage.IntentExecution
	outcomes   []storage.IntentExecutionContainer
	touched    []int64
	nextExecID int64
}

func (s *engineStore) ListEnabledIntents(context.Context, int64) ([]storage.Intent, error) {
	return s.intents, nil
}

func (s *engineStore) GetContainersWithUpdates(context.Context, int64, string) ([]storage.ContainerWithVersion, error) {
	return s.rows, nil
}

func (s *engineStore) ListInstances(context.Context, int64) ([]storage.PortainerInstance, error) {
	return s.instances, nil
}

func (s *engineStore) CreateIntentExecution(_ context.Context, exec *storage.IntentExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextExecID++
	exec.ID = s.nextExecID
	s.executions = append(s.executions, *exec)
	return nil
}

func (s *engineStore) UpdateIntentExecution(_ context.Context, exec *storage.IntentExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, *exec)
	return nil
}

func (s *engineStore) AddExecutionContainer(_ context.Context, c *storage.IntentExecutionContainer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, *c)
	return nil
}

func (s *engineStore) TouchIntentEvaluated(_ context.Context, intentID, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, intentID)
	return nil
}

type recordingUpgrader struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (u *recordingUpgrader) Upgrade(_ context.Context, inst *storage.PortainerInstance, _ int, containerID string) (*portainer.UpgradeResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, containerID)
	if err := u.fail[containerID]; err != nil {
		return nil, err
	}
	return &portainer.UpgradeResult{
		OldContainerID: containerID,
		NewContainerID: "new-" + containerID,
		OldImage:       "nginx:1.26",
		NewImage:       "nginx:1.27",
		OldDigest:      digestA,
		NewDigest:      digestB,
	}, nil
}

func candidateRow(id int64, cid, name string) storage.ContainerWithVersion {
	return storage.ContainerWithVersion{
		Container: storage.Container{
			ID:                  id,
			ContainerID:         cid,
			ContainerName:       name,
			ImageName:           "nginx:1.26",
			ImageRepo:           "library/nginx",
			PortainerInstanceID: 1,
			EndpointID:          1,
		},
		CurrentDigest: digestA,
		LatestDigest:  digestB,
		HasUpdate:     true,
	}
}

func newTestEngine(store *engineStore, up Upgrader, bus *notify.Bus) *Engine {
	e := NewEngine(store, up, bus, zerolog.Nop())
	e.sleep = func(context.Context, time.Duration) {}
	return e
}

func TestRunExecutesMatchingIntent(t *testing.T) {
	store := &engineStore{
		intents:   []storage.Intent{{ID: 1, UserID: 1, Name: "all", Enabled: true, MaxConcurrent: 1}},
		rows:      []storage.ContainerWithVersion{candidateRow(1, "cid-web", "web"), candidateRow(2, "cid-api", "api")},
		instances: []storage.PortainerInstance{{ID: 1, UserID: 1, Name: "prod"}},
	}
	up := &recordingUpgrader{}
	e := newTestEngine(store, up, nil)

	sum, err := e.Run(context.Background(), 1, storage.TriggerScanDetected, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Executed != 1 || sum.Upgraded != 2 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(up.calls) != 2 {
		t.Fatalf("upgrader calls = %v", up.calls)
	}

	final := store.updates[len(store.updates)-1]
	if final.Status != storage.ExecStatusCompleted || final.ContainersUpgraded != 2 {
		t.Errorf("final execution = %+v", final)
	}
	if final.CompletedAt == nil || final.DurationMs == nil {
		t.Error("terminal execution must carry completion time and duration")
	}
	if len(store.touched) != 1 || store.touched[0] != 1 {
		t.Errorf("touched intents = %v", store.touched)
	}
	for _, o := range store.outcomes {
		if o.Status != storage.ContainerOutcomeUpgraded || o.NewDigest != digestB {
			t.Errorf("outcome = %+v", o)
		}
	}
}

func TestRunDryRun(t *testing.T) {
	store := &engineStore{
		intents:   []storage.Intent{{ID: 1, UserID: 1, Name: "dry", DryRun: true, MaxConcurrent: 2}},
		rows:      []storage.ContainerWithVersion{candidateRow(1, "cid-web", "web")},
		instances: []storage.PortainerInstance{{ID: 1}},
	}
	up := &recordingUpgrader{}
	e := newTestEngine(store, up, nil)

	if _, err := e.Run(context.Background(), 1, storage.TriggerScanDetected, time.Minute, nil); err != nil {
		t.Fatal(err)
	}
	if len(up.calls) != 0 {
		t.Error("dry run must not touch Portainer")
	}
	if len(store.outcomes) != 1 || store.outcomes[0].Status != storage.ContainerOutcomeDryRun {
		t.Fatalf("outcomes = %+v", store.outcomes)
	}
	if got := store.outcomes[0].NewImage; got != "library/nginx@"+digestB {
		t.Errorf("dry run new image = %q", got)
	}
	final := store.updates[len(store.updates)-1]
	if final.Status != storage.ExecStatusCompleted {
		t.Errorf("status = %q", final.Status)
	}
}

func TestRunPartialFailure(t *testing.T) {
	store := &engineStore{
		intents: []storage.Intent{{
			ID: 1, UserID: 1, Name: "mixed", MaxConcurrent: 1, NotifyOnFailure: true,
		}},
		rows:      []storage.ContainerWithVersion{candidateRow(1, "cid-ok", "ok"), candidateRow(2, "cid-bad", "bad")},
		instances: []storage.PortainerInstance{{ID: 1}},
	}
	up := &recordingUpgrader{fail: map[string]error{"cid-bad": errors.New("pull failed")}}

	bus := notify.NewBus()
	ch, unsub := bus.Subscribe(notify.EventUpgradeFailure)
	defer unsub()

	e := newTestEngine(store, up, bus)
	sum, err := e.Run(context.Background(), 1, storage.TriggerScanDetected, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Upgraded != 1 || sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	final := store.updates[len(store.updates)-1]
	if final.Status != storage.ExecStatusPartial {
		t.Errorf("status = %q, want partial", final.Status)
	}

	select {
	case ev := <-ch:
		if ev.Type != notify.EventUpgradeFailure {
			t.Errorf("event type = %q", ev.Type)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected a failure notification")
	}
}

func TestRunAllFailed(t *testing.T) {
	store := &engineStore{
		intents:   []storage.Intent{{ID: 1, UserID: 1, Name: "doomed", MaxConcurrent: 1}},
		rows:      []storage.ContainerWithVersion{candidateRow(1, "cid-bad", "bad")},
		instances: []storage.PortainerInstance{{ID: 1}},
	}
	up := &recordingUpgrader{fail: map[string]error{"cid-bad": errors.New("boom")}}
	e := newTestEngine(store, up, nil)

	if _, err := e.Run(context.Background(), 1, storage.TriggerScanDetected, time.Minute, nil); err != nil {
		t.Fatal(err)
	}
	final := store.updates[len(store.updates)-1]
	if final.Status != storage.ExecStatusFailed {
		t.Errorf("status = %q, want failed", final.Status)
	}
}

func TestRunSkipsIntentWithoutCandidates(t *testing.T) {
	store := &engineStore{
		intents: []storage.Intent{{ID: 1, UserID: 1, Name: "idle", MatchContainers: []string{"nothing-*"}}},
		rows:    []storage.ContainerWithVersion{candidateRow(1, "cid-web", "web")},
	}
	e := newTestEngine(store, &recordingUpgrader{}, nil)

	sum, err := e.Run(context.Background(), 1, storage.TriggerScanDetected, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Executed != 0 || len(store.executions) != 0 {
		t.Errorf("expected no executions, got %+v", store.executions)
	}
}

func TestScheduledIntentWindow(t *testing.T) {
	in := storage.Intent{
		ScheduleType: storage.ScheduleScheduled,
		ScheduleCron: "0 3 * * *",
	}
	e := NewEngine(nil, nil, nil, zerolog.Nop())

	e.now = func() time.Time { return time.Date(2026, 8, 26, 3, 0, 30, 0, time.UTC) }
	due, err := e.due(&in, storage.TriggerScanDetected, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !due {
		t.Error("intent must fire just after its cron time")
	}

	e.now = func() time.Time { return time.Date(2026, 8, 26, 4, 0, 0, 0, time.UTC) }
	due, err = e.due(&in, storage.TriggerScanDetected, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if due {
		t.Error("intent must not fire an hour after its cron time")
	}

	// Manual triggers bypass the schedule entirely.
	due, err = e.due(&in, storage.TriggerManual, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !due {
		t.Error("manual trigger must always fire")
	}
}

func TestSequentialDelayBetweenSuccesses(t *testing.T) {
	store := &engineStore{
		intents: []storage.Intent{{
			ID: 1, UserID: 1, Name: "slow", MaxConcurrent: 2, SequentialDelaySec: 5,
		}},
		rows:      []storage.ContainerWithVersion{candidateRow(1, "cid-a", "a"), candidateRow(2, "cid-b", "b")},
		instances: []storage.PortainerInstance{{ID: 1}},
	}
	up := &recordingUpgrader{}
	e := NewEngine(store, up, nil, zerolog.Nop())

	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) { slept = append(slept, d) }

	if _, err := e.Run(context.Background(), 1, storage.TriggerScanDetected, time.Minute, nil); err != nil {
		t.Fatal(err)
	}
	if len(slept) != 1 || slept[0] != 5*time.Second {
		t.Errorf("sleeps = %v, want one 5s pause between the two upgrades", slept)
	}
}
