package api

import (
	"context"
	"sync"
	"time"

	"github.com/chis/portsmith/internal/apperr"
	"github.com/chis/portsmith/internal/portainer"
	"github.com/chis/portsmith/internal/storage"
)

// fakeStore implements the slice of storage.Store the API tests touch.
// The embedded interface panics on anything unimplemented, which keeps
// accidental coverage gaps loud.
type fakeStore struct {
	storage.Store

	mu        sync.Mutex
	sessions  map[string]*storage.Session
	instances map[int64]*storage.PortainerInstance
	intents   map[int64]*storage.Intent
	rows      []storage.ContainerWithVersion
	webhooks  []storage.Webhook
	tokens    map[int64]*storage.RepositoryAccessToken
	nextID    int64

	lockResult *storage.BatchLockResult
	completed  []storage.BatchRun
	imgUpserts []storage.DeployedImage
	cUpserts   []storage.Container
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:  make(map[string]*storage.Session),
		instances: make(map[int64]*storage.PortainerInstance),
		intents:   make(map[int64]*storage.Intent),
		tokens:    make(map[int64]*storage.RepositoryAccessToken),
		nextID:    100,
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStore) OnWrite(fn func(userID int64)) {}

func (f *fakeStore) ListUserIDs(ctx context.Context) ([]int64, error) {
	return []int64{1}, nil
}

func (f *fakeStore) GetSession(ctx context.Context, token string) (*storage.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[token]
	if !ok {
		return nil, apperr.NotFound("session not found")
	}
	return sess, nil
}

func (f *fakeStore) ListInstances(ctx context.Context, userID int64) ([]storage.PortainerInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []storage.PortainerInstance{}
	for _, inst := range f.instances {
		if inst.UserID == userID {
			out = append(out, *inst)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateInstance(ctx context.Context, inst *storage.PortainerInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst.ID = f.id()
	inst.CreatedAt = time.Now().UTC()
	f.instances[inst.ID] = inst
	return nil
}

func (f *fakeStore) GetInstance(ctx context.Context, userID, id int64) (*storage.PortainerInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok || inst.UserID != userID {
		return nil, apperr.NotFound("instance %d not found", id)
	}
	cp := *inst
	return &cp, nil
}

func (f *fakeStore) DeleteInstance(ctx context.Context, userID, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, id)
	return nil
}

func (f *fakeStore) GetContainersWithUpdates(ctx context.Context, userID int64, portainerURL string) ([]storage.ContainerWithVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.ContainerWithVersion(nil), f.rows...), nil
}

func (f *fakeStore) GetContainerWithVersion(ctx context.Context, userID int64, containerID string) (*storage.ContainerWithVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].ContainerID == containerID {
			cp := f.rows[i]
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("container %s not found", containerID)
}

func (f *fakeStore) UpsertDeployedImage(ctx context.Context, img *storage.DeployedImage) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imgUpserts = append(f.imgUpserts, *img)
	return f.id(), nil
}

func (f *fakeStore) UpsertContainer(ctx context.Context, c *storage.Container) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cUpserts = append(f.cUpserts, *c)
	return nil
}

func (f *fakeStore) CreateIntent(ctx context.Context, in *storage.Intent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, ex := range f.intents {
		if ex.UserID == in.UserID {
			count++
		}
	}
	if count >= storage.MaxIntentsPerUser {
		return apperr.Validation("intent limit of %d reached", storage.MaxIntentsPerUser)
	}
	in.ID = f.id()
	f.intents[in.ID] = in
	return nil
}

func (f *fakeStore) GetIntent(ctx context.Context, userID, id int64) (*storage.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.intents[id]
	if !ok || in.UserID != userID {
		return nil, apperr.NotFound("intent %d not found", id)
	}
	cp := *in
	return &cp, nil
}

func (f *fakeStore) ListIntents(ctx context.Context, userID int64) ([]storage.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []storage.Intent{}
	for _, in := range f.intents {
		if in.UserID == userID {
			out = append(out, *in)
		}
	}
	return out, nil
}

func (f *fakeStore) SetIntentEnabled(ctx context.Context, userID, id int64, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok := f.intents[id]; ok {
		in.Enabled = enabled
	}
	return nil
}

func (f *fakeStore) CheckAndAcquireBatchJobLock(ctx context.Context, userID int64, jobType string, isManual bool) (*storage.BatchLockResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockResult != nil {
		return f.lockResult, nil
	}
	return &storage.BatchLockResult{Acquired: true, RunID: f.id()}, nil
}

func (f *fakeStore) CompleteBatchRun(ctx context.Context, run *storage.BatchRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, *run)
	return nil
}

func (f *fakeStore) ListBatchRuns(ctx context.Context, userID int64, jobType string, limit int) ([]storage.BatchRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.BatchRun(nil), f.completed...), nil
}

func (f *fakeStore) UpsertBatchConfig(ctx context.Context, cfg *storage.BatchConfig) error {
	return nil
}

func (f *fakeStore) CreateWebhook(ctx context.Context, wh *storage.Webhook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wh.ID = f.id()
	f.webhooks = append(f.webhooks, *wh)
	return nil
}

func (f *fakeStore) ListWebhooks(ctx context.Context, userID int64) ([]storage.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.Webhook(nil), f.webhooks...), nil
}

func (f *fakeStore) ListTokens(ctx context.Context, userID int64) ([]storage.RepositoryAccessToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []storage.RepositoryAccessToken{}
	for _, tok := range f.tokens {
		out = append(out, *tok)
	}
	return out, nil
}

// fakeUpgrader records upgrade calls and returns a canned result.
type fakeUpgrader struct {
	mu     sync.Mutex
	calls  []string
	result *portainer.UpgradeResult
	err    error
}

func (u *fakeUpgrader) Upgrade(ctx context.Context, inst *storage.PortainerInstance, endpointID int, containerID string) (*portainer.UpgradeResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, containerID)
	if u.err != nil {
		return nil, u.err
	}
	return u.result, nil
}
