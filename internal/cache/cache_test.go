package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chis/portsmith/internal/portainer"
	"github.com/chis/portsmith/internal/storage"
)

const (
	digestA = "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	digestB = "sha256:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	fullCID = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
)

type memStore struct {
	storage.Store

	mu         sync.Mutex
	instances  []storage.PortainerInstance
	rows       []storage.ContainerWithVersion
	onWrite    func(int64)
	rowsHook   func() // runs at the top of GetContainersWithUpdates
	imgUpserts []storage.DeployedImage
	cUpserts   []storage.Container
	deletedFor []int
}

func (s *memStore) OnWrite(fn func(userID int64)) { s.onWrite = fn }

func (s *memStore) ListInstances(context.Context, int64) ([]storage.PortainerInstance, error) {
	return s.instances, nil
}

func (s *memStore) GetInstanceByURL(_ context.Context, _ int64, url string) (*storage.PortainerInstance, error) {
	for i := range s.instances {
		if s.instances[i].URL == url {
			return &s.instances[i], nil
		}
	}
	return nil, errors.New("instance not found")
}

func (s *memStore) GetContainersWithUpdates(context.Context, int64, string) ([]storage.ContainerWithVersion, error) {
	if s.rowsHook != nil {
		s.rowsHook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, nil
}

func (s *memStore) UpsertDeployedImage(_ context.Context, img *storage.DeployedImage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imgUpserts = append(s.imgUpserts, *img)
	return int64(len(s.imgUpserts)), nil
}

func (s *memStore) UpsertContainer(_ context.Context, c *storage.Container) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cUpserts = append(s.cUpserts, *c)
	return nil
}

func (s *memStore) DeleteContainersNotIn(_ context.Context, _ int64, _ int64, endpointID int, _ []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedFor = append(s.deletedFor, endpointID)
	return 0, nil
}

type fakeScanner struct {
	mu        sync.Mutex
	result    []portainer.ScannedContainer
	endpoints []int
	err       error
	scans     int
}

func (f *fakeScanner) Scan(context.Context) (*portainer.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	if f.err != nil {
		return nil, f.err
	}
	eps := f.endpoints
	if eps == nil {
		seen := make(map[int]bool)
		for _, sc := range f.result {
			if !seen[sc.EndpointID] {
				seen[sc.EndpointID] = true
				eps = append(eps, sc.EndpointID)
			}
		}
	}
	return &portainer.Snapshot{EndpointIDs: eps, Containers: f.result}, nil
}

func (f *fakeScanner) scanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

func newTestCache(store *memStore, sc *fakeScanner, ttl time.Duration) *Cache {
	return New(store, func(*storage.PortainerInstance) ContainerScanner { return sc }, ttl, zerolog.Nop())
}

func oneInstance() []storage.PortainerInstance {
	return []storage.PortainerInstance{{ID: 1, UserID: 1, Name: "prod", URL: "https://portainer.local"}}
}

func TestGetServesMemoryWithinTTL(t *testing.T) {
	store := &memStore{instances: oneInstance()}
	sc := &fakeScanner{result: []portainer.ScannedContainer{{ContainerID: fullCID, ContainerName: "web", EndpointID: 1, ImageName: "nginx:1.27"}}}
	c := newTestCache(store, sc, time.Minute)

	if _, err := c.Get(context.Background(), 1, "", false); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(context.Background(), 1, "", false); err != nil {
		t.Fatal(err)
	}
	if n := sc.scanCount(); n != 1 {
		t.Errorf("scans = %d, want 1 (second read must hit memory)", n)
	}
}

func TestGetForceBypassesMemory(t *testing.T) {
	store := &memStore{instances: oneInstance()}
	sc := &fakeScanner{}
	c := newTestCache(store, sc, time.Minute)

	c.Get(context.Background(), 1, "", false)
	c.Get(context.Background(), 1, "", true)
	if n := sc.scanCount(); n != 2 {
		t.Errorf("scans = %d, want 2", n)
	}
}

func TestWriteInvalidatesUserEntries(t *testing.T) {
	store := &memStore{instances: oneInstance()}
	sc := &fakeScanner{}
	c := newTestCache(store, sc, time.Minute)

	c.Get(context.Background(), 1, "", false)
	if store.onWrite == nil {
		t.Fatal("cache did not register an OnWrite hook")
	}
	store.onWrite(1)
	c.Get(context.Background(), 1, "", false)
	if n := sc.scanCount(); n != 2 {
		t.Errorf("scans = %d, want 2 (write must drop the entry)", n)
	}
}

func TestWriteDuringReadIsNotCachedOver(t *testing.T) {
	store := &memStore{instances: oneInstance()}
	sc := &fakeScanner{}
	c := newTestCache(store, sc, time.Minute)

	// A write lands after this read queried the database but before it
	// stored its result; the result predates the write and must not be
	// served to later reads.
	fired := false
	store.rowsHook = func() {
		if !fired {
			fired = true
			store.onWrite(1)
		}
	}

	if _, err := c.Get(context.Background(), 1, "", false); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(context.Background(), 1, "", false); err != nil {
		t.Fatal(err)
	}
	if n := sc.scanCount(); n != 2 {
		t.Errorf("scans = %d, want 2 (read overlapping a write must not populate memory)", n)
	}
}

func TestMergeAttachesVersionByPrefix(t *testing.T) {
	store := &memStore{
		instances: oneInstance(),
		rows: []storage.ContainerWithVersion{{
			Container: storage.Container{
				ID:          7,
				ContainerID: fullCID,
				ImageName:   "nginx:1.27",
				EndpointID:  1,
			},
			CurrentDigest: digestA,
			LatestDigest:  digestB,
		}},
	}
	// Scanner reports the short id, as some Portainer views do.
	sc := &fakeScanner{result: []portainer.ScannedContainer{{
		ContainerID: fullCID[:12],
		EndpointID:  1,
		ImageName:   "nginx:1.27",
		ImageDigest: digestA,
	}}}
	c := newTestCache(store, sc, time.Minute)

	res, err := c.Get(context.Background(), 1, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Containers) != 1 {
		t.Fatalf("containers = %d", len(res.Containers))
	}
	got := res.Containers[0]
	if got.ID != 7 || got.LatestDigest != digestB || !got.HasUpdate {
		t.Errorf("merged row = %+v", got)
	}
}

func TestMergeFallsBackToImageMatch(t *testing.T) {
	store := &memStore{
		instances: oneInstance(),
		rows: []storage.ContainerWithVersion{{
			Container: storage.Container{
				ID:          9,
				ContainerID: fullCID,
				ImageName:   "redis:7",
				EndpointID:  2,
			},
			LatestDigest: digestB,
		}},
	}
	// Recreated by another tool: new container id, same image.
	sc := &fakeScanner{result: []portainer.ScannedContainer{{
		ContainerID: "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
		EndpointID:  2,
		ImageName:   "redis:7",
		ImageDigest: digestB,
	}}}
	c := newTestCache(store, sc, time.Minute)

	res, err := c.Get(context.Background(), 1, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Containers[0].ID != 9 {
		t.Errorf("expected image fallback to reuse row 9, got %+v", res.Containers[0])
	}
	if res.Containers[0].HasUpdate {
		t.Error("digests agree, no update expected")
	}
}

func TestManualUpgradeDetection(t *testing.T) {
	store := &memStore{
		instances: oneInstance(),
		rows: []storage.ContainerWithVersion{{
			Container: storage.Container{
				ID:          3,
				ContainerID: fullCID,
				ImageName:   "nginx:1.27",
				EndpointID:  1,
			},
			CurrentDigest: digestA,
			LatestDigest:  digestB,
		}},
	}
	sc := &fakeScanner{result: []portainer.ScannedContainer{{
		ContainerID: fullCID,
		EndpointID:  1,
		ImageName:   "nginx:1.27",
		ImageRepo:   "library/nginx",
		ImageTag:    "1.27",
		ImageDigest: digestB, // operator pulled the new image themselves
	}}}
	c := newTestCache(store, sc, time.Minute)

	res, err := c.Get(context.Background(), 1, "", false)
	if err != nil {
		t.Fatal(err)
	}
	got := res.Containers[0]
	if got.CurrentDigest != digestB {
		t.Errorf("current digest = %s, want the freshly observed one", got.CurrentDigest)
	}
	if got.HasUpdate {
		t.Error("digests now agree, update flag must clear")
	}
	if len(store.imgUpserts) != 1 || store.imgUpserts[0].ImageDigest != digestB {
		t.Errorf("expected the new digest to be persisted, got %+v", store.imgUpserts)
	}
}

func TestStaleFallbackWhenPortainerUnreachable(t *testing.T) {
	store := &memStore{
		instances: oneInstance(),
		rows: []storage.ContainerWithVersion{{
			Container: storage.Container{ID: 1, ContainerName: "web"},
		}},
	}
	sc := &fakeScanner{err: errors.New("connection refused")}
	c := newTestCache(store, sc, time.Minute)

	res, err := c.Get(context.Background(), 1, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stale {
		t.Error("expected stale result")
	}
	if len(res.Containers) != 1 || res.Containers[0].ContainerName != "web" {
		t.Errorf("expected the database view, got %+v", res.Containers)
	}
}

func TestSyncInstancePersistsSnapshot(t *testing.T) {
	created := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	store := &memStore{instances: oneInstance()}
	sc := &fakeScanner{result: []portainer.ScannedContainer{
		{
			ContainerID:  fullCID,
			EndpointID:   1,
			ImageName:    "nginx:1.27",
			ImageRepo:    "library/nginx",
			ImageTag:     "1.27",
			ImageDigest:  digestA,
			RepoDigests:  []string{"nginx@" + digestA},
			ImageCreated: &created,
			StackName:    "edge",
		},
		{
			ContainerID: "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
			EndpointID:  2,
			ImageName:   "redis:7",
			ImageRepo:   "library/redis",
			ImageTag:    "7",
		},
	}}
	c := newTestCache(store, sc, time.Minute)

	inst := &store.instances[0]
	n, err := c.SyncInstance(context.Background(), inst, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("synced = %d, want 2", n)
	}
	if len(store.imgUpserts) != 2 || len(store.cUpserts) != 2 {
		t.Fatalf("upserts = %d images, %d containers", len(store.imgUpserts), len(store.cUpserts))
	}
	img := store.imgUpserts[0]
	if img.Registry != "docker.io" || img.Repository != "nginx" {
		t.Errorf("image ref fields = %+v", img)
	}
	if img.RepoDigests == "" {
		t.Error("repo digests must be recorded")
	}
	if store.cUpserts[0].DeployedImageID == nil {
		t.Error("container must link its deployed image")
	}
	if len(store.deletedFor) != 2 {
		t.Errorf("expected a cleanup per endpoint, got %v", store.deletedFor)
	}
}

func TestSyncInstanceReapsEmptiedEndpoint(t *testing.T) {
	store := &memStore{instances: oneInstance()}
	// Endpoint 2 listed fine but came back with zero containers; its
	// stored rows must still be swept.
	sc := &fakeScanner{
		endpoints: []int{1, 2},
		result: []portainer.ScannedContainer{{
			ContainerID: fullCID,
			EndpointID:  1,
			ImageName:   "nginx:1.27",
			ImageRepo:   "library/nginx",
			ImageTag:    "1.27",
		}},
	}
	c := newTestCache(store, sc, time.Minute)

	if _, err := c.SyncInstance(context.Background(), &store.instances[0], nil); err != nil {
		t.Fatal(err)
	}
	swept := make(map[int]bool)
	for _, id := range store.deletedFor {
		swept[id] = true
	}
	if !swept[1] || !swept[2] {
		t.Errorf("cleanup ran for endpoints %v, want both 1 and 2", store.deletedFor)
	}
}
