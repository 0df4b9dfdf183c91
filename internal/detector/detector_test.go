package detector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chis/portsmith/internal/apperr"
	"github.com/chis/portsmith/internal/notify"
	"github.com/chis/portsmith/internal/registry"
	"github.com/chis/portsmith/internal/storage"
)

const (
	digestA = "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	digestB = "sha256:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type fakeStore struct {
	storage.Store

	mu          sync.Mutex
	coords      []storage.ImageCoord
	tokens      []storage.RepositoryAccessToken
	upserts     []storage.RegistryImageVersion
	touched     []string
	apps        []storage.TrackedApp
	updatedApps []storage.TrackedApp
	transitions []storage.TrackedAppHistoryEntry
	intents     []storage.Intent

	// withUpdates is returned per GetContainersWithUpdates call, in
	// order; the last entry repeats.
	withUpdates [][]storage.ContainerWithVersion
	updateCalls int
}

func (s *fakeStore) ListImageCoords(context.Context, int64) ([]storage.ImageCoord, error) {
	return s.coords, nil
}

func (s *fakeStore) ListTokens(context.Context, int64) ([]storage.RepositoryAccessToken, error) {
	return s.tokens, nil
}

func (s *fakeStore) UpsertRegistryVersion(_ context.Context, v *storage.RegistryImageVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, *v)
	return nil
}

func (s *fakeStore) TouchRegistryCoordinate(_ context.Context, _ int64, imageRepo, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, imageRepo+":"+tag)
	return nil
}

func (s *fakeStore) GetContainersWithUpdates(context.Context, int64, string) ([]storage.ContainerWithVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.withUpdates) == 0 {
		return nil, nil
	}
	i := s.updateCalls
	if i >= len(s.withUpdates) {
		i = len(s.withUpdates) - 1
	}
	s.updateCalls++
	return s.withUpdates[i], nil
}

func (s *fakeStore) ListEnabledIntents(context.Context, int64) ([]storage.Intent, error) {
	return s.intents, nil
}

func (s *fakeStore) ListTrackedApps(context.Context, int64) ([]storage.TrackedApp, error) {
	return s.apps, nil
}

func (s *fakeStore) UpdateTrackedApp(_ context.Context, app *storage.TrackedApp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updatedApps = append(s.updatedApps, *app)
	return nil
}

func (s *fakeStore) RecordTrackedAppTransition(_ context.Context, e *storage.TrackedAppHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, *e)
	return nil
}

type fakeResolver struct {
	mu       sync.Mutex
	res      map[string]*registry.Resolution // keyed repo:tag
	releases map[string]*registry.Release    // keyed provider:repo
	errs     map[string]error
	calls    int
}

func (r *fakeResolver) Resolve(_ context.Context, imageRepo, tag, _ string) (*registry.Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	key := imageRepo + ":" + tag
	if err := r.errs[key]; err != nil {
		return nil, err
	}
	if res, ok := r.res[key]; ok {
		return res, nil
	}
	return &registry.Resolution{ExistsInRegistry: false}, nil
}

func (r *fakeResolver) LatestRelease(_ context.Context, provider, repo, _ string) (*registry.Release, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := provider + ":" + repo
	if err := r.errs[key]; err != nil {
		return nil, err
	}
	if rel, ok := r.releases[key]; ok {
		return rel, nil
	}
	return nil, apperr.NotFound("no releases")
}

func resolution(digest, version string) *registry.Resolution {
	return &registry.Resolution{
		LatestDigest:     &digest,
		LatestVersion:    version,
		ExistsInRegistry: true,
		Registry:         "docker.io",
		Provider:         registry.ProviderDockerHub,
		Repository:       "nginx",
	}
}

func TestRefreshImagesPersistsResolutions(t *testing.T) {
	store := &fakeStore{
		coords: []storage.ImageCoord{
			{ImageRepo: "library/nginx", ImageTag: "1.27"},
			{ImageRepo: "library/redis", ImageTag: "7"},
		},
	}
	reg := &fakeResolver{res: map[string]*registry.Resolution{
		"library/nginx:1.27": resolution(digestA, "1.27"),
		"library/redis:7":    resolution(digestB, "7"),
	}}

	d := New(store, reg, nil, 4, zerolog.Nop())
	sum, err := d.RefreshImages(context.Background(), 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Checked != 2 || sum.Failed != 0 {
		t.Fatalf("summary = %+v, want 2 checked", sum)
	}
	if len(store.upserts) != 2 {
		t.Fatalf("upserts = %d, want 2", len(store.upserts))
	}
	for _, v := range store.upserts {
		if v.UserID != 1 || v.LatestDigest == "" || !v.ExistsInRegistry {
			t.Errorf("unexpected upsert: %+v", v)
		}
	}
}

func TestRefreshImagesKeepsUnknownCoordinate(t *testing.T) {
	store := &fakeStore{
		coords: []storage.ImageCoord{{ImageRepo: "ghcr.io/acme/gone", ImageTag: "latest"}},
	}
	reg := &fakeResolver{} // default: ExistsInRegistry=false, no digest

	d := New(store, reg, nil, 2, zerolog.Nop())
	sum, err := d.RefreshImages(context.Background(), 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Checked != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(store.upserts) != 1 {
		t.Fatalf("upserts = %d, want 1", len(store.upserts))
	}
	if store.upserts[0].LatestDigest != "" || store.upserts[0].ExistsInRegistry {
		t.Errorf("unknown coordinate must persist with empty digest: %+v", store.upserts[0])
	}
}

func TestRefreshImagesTransientFailureTouches(t *testing.T) {
	store := &fakeStore{
		coords: []storage.ImageCoord{{ImageRepo: "library/nginx", ImageTag: "1.27"}},
	}
	reg := &fakeResolver{errs: map[string]error{
		"library/nginx:1.27": apperr.New(apperr.KindTransient, "registry flapping"),
	}}

	d := New(store, reg, nil, 2, zerolog.Nop())
	sum, err := d.RefreshImages(context.Background(), 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Failed != 1 || sum.Checked != 0 {
		t.Fatalf("summary = %+v, want 1 failed", sum)
	}
	if len(store.upserts) != 0 {
		t.Error("transient failure must not overwrite the stored row")
	}
	if len(store.touched) != 1 || store.touched[0] != "library/nginx:1.27" {
		t.Errorf("touched = %v", store.touched)
	}
}

func TestRefreshImagesAnnouncesNewUpdates(t *testing.T) {
	cv := storage.ContainerWithVersion{
		Container: storage.Container{ID: 10, ContainerName: "web", ImageRepo: "library/nginx"},
		ImageTag:  "1.27",
	}
	withUpdate := cv
	withUpdate.LatestDigest = digestB
	withUpdate.HasUpdate = true

	store := &fakeStore{
		coords: []storage.ImageCoord{{ImageRepo: "library/nginx", ImageTag: "1.27"}},
		withUpdates: [][]storage.ContainerWithVersion{
			{},           // before the pass: nothing pending
			{withUpdate}, // after the pass: one new update
		},
		intents: []storage.Intent{{ID: 1, UserID: 1, NotifyOnUpdateDetected: true}},
	}
	reg := &fakeResolver{res: map[string]*registry.Resolution{
		"library/nginx:1.27": resolution(digestB, "1.27"),
	}}

	bus := notify.NewBus()
	ch, unsub := bus.Subscribe(notify.EventUpdateDetected)
	defer unsub()

	d := New(store, reg, bus, 2, zerolog.Nop())
	sum, err := d.RefreshImages(context.Background(), 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.NewUpdates != 1 {
		t.Fatalf("summary = %+v, want 1 new update", sum)
	}

	select {
	case ev := <-ch:
		if ev.DedupKey != "update:1:library/nginx:"+digestB {
			t.Errorf("dedup key = %q", ev.DedupKey)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected an update-detected event")
	}
}

func TestRefreshImagesSilentWithoutNotifyIntent(t *testing.T) {
	cv := storage.ContainerWithVersion{
		Container: storage.Container{ID: 10, ContainerName: "web", ImageRepo: "library/nginx"},
		ImageTag:  "1.27",
	}
	withUpdate := cv
	withUpdate.LatestDigest = digestB
	withUpdate.HasUpdate = true

	store := &fakeStore{
		coords: []storage.ImageCoord{{ImageRepo: "library/nginx", ImageTag: "1.27"}},
		withUpdates: [][]storage.ContainerWithVersion{
			{},
			{withUpdate},
		},
		intents: []storage.Intent{
			// Matches but never asked for the notice.
			{ID: 1, UserID: 1, NotifyOnUpdateDetected: false},
			// Asked for the notice but matches a different container.
			{ID: 2, UserID: 1, NotifyOnUpdateDetected: true, MatchContainers: []string{"db"}},
		},
	}
	reg := &fakeResolver{res: map[string]*registry.Resolution{
		"library/nginx:1.27": resolution(digestB, "1.27"),
	}}

	bus := notify.NewBus()
	ch, unsub := bus.Subscribe(notify.EventUpdateDetected)
	defer unsub()

	d := New(store, reg, bus, 2, zerolog.Nop())
	sum, err := d.RefreshImages(context.Background(), 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.NewUpdates != 1 {
		t.Fatalf("summary = %+v, want 1 new update", sum)
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %q without a subscribing intent", ev.DedupKey)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRefreshTrackedAppsDocker(t *testing.T) {
	store := &fakeStore{apps: []storage.TrackedApp{{
		ID:             1,
		UserID:         1,
		Name:           "nginx",
		ImageName:      "library/nginx:1.27",
		SourceType:     storage.SourceTypeDocker,
		CurrentVersion: "1.27",
		CurrentDigest:  digestA,
	}}}
	reg := &fakeResolver{res: map[string]*registry.Resolution{
		"library/nginx:1.27": resolution(digestB, "1.27"),
	}}

	bus := notify.NewBus()
	ch, unsub := bus.Subscribe(notify.EventTrackedAppUpdate)
	defer unsub()

	d := New(store, reg, bus, 2, zerolog.Nop())
	sum, err := d.RefreshTrackedApps(context.Background(), 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Checked != 1 || sum.NewUpdates != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(store.updatedApps) != 1 {
		t.Fatal("expected the app to be persisted")
	}
	app := store.updatedApps[0]
	if !app.HasUpdate || app.LatestDigest != digestB || app.LastChecked == nil {
		t.Errorf("persisted app = %+v", app)
	}
	if len(store.transitions) != 1 {
		t.Fatal("expected a history transition")
	}
	if store.transitions[0].ToDigest != digestB {
		t.Errorf("transition = %+v", store.transitions[0])
	}

	select {
	case <-ch:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected a tracked-app-update event")
	}
}

func TestRefreshTrackedAppsGitHubRelease(t *testing.T) {
	published := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{apps: []storage.TrackedApp{{
		ID:             2,
		UserID:         1,
		Name:           "gitea",
		GithubRepo:     "go-gitea/gitea",
		SourceType:     storage.SourceTypeGitHub,
		CurrentVersion: "v1.22.0",
		LatestVersion:  "v1.22.0",
	}}}
	reg := &fakeResolver{releases: map[string]*registry.Release{
		"github:go-gitea/gitea": {TagName: "v1.23.1", PublishedAt: &published},
	}}

	d := New(store, reg, nil, 2, zerolog.Nop())
	sum, err := d.RefreshTrackedApps(context.Background(), 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.NewUpdates != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	app := store.updatedApps[0]
	if !app.HasUpdate || app.LatestVersion != "v1.23.1" {
		t.Errorf("persisted app = %+v", app)
	}
	if app.LatestVersionPublishDate == nil || !app.LatestVersionPublishDate.Equal(published) {
		t.Errorf("publish date = %v", app.LatestVersionPublishDate)
	}
}

func TestRefreshTrackedAppsUnchanged(t *testing.T) {
	store := &fakeStore{apps: []storage.TrackedApp{{
		ID:             3,
		UserID:         1,
		Name:           "redis",
		ImageName:      "library/redis:7",
		SourceType:     storage.SourceTypeDocker,
		CurrentVersion: "7",
		CurrentDigest:  digestA,
		LatestVersion:  "7",
		LatestDigest:   digestA,
	}}}
	reg := &fakeResolver{res: map[string]*registry.Resolution{
		"library/redis:7": resolution(digestA, "7"),
	}}

	d := New(store, reg, nil, 2, zerolog.Nop())
	sum, err := d.RefreshTrackedApps(context.Background(), 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.NewUpdates != 0 {
		t.Fatalf("summary = %+v, want no new updates", sum)
	}
	if len(store.transitions) != 0 {
		t.Error("unchanged app must not record a transition")
	}
	if len(store.updatedApps) != 1 {
		t.Error("last_checked must still be persisted")
	}
}

func TestSplitImageRef(t *testing.T) {
	tests := []struct {
		in   string
		repo string
		tag  string
	}{
		{in: "library/nginx:1.27", repo: "library/nginx", tag: "1.27"},
		{in: "library/nginx", repo: "library/nginx", tag: "latest"},
		{in: "registry.example.com:5000/acme/app", repo: "registry.example.com:5000/acme/app", tag: "latest"},
		{in: "registry.example.com:5000/acme/app:v2", repo: "registry.example.com:5000/acme/app", tag: "v2"},
	}
	for _, tc := range tests {
		repo, tag := splitImageRef(tc.in)
		if repo != tc.repo || tag != tc.tag {
			t.Errorf("splitImageRef(%q) = (%q, %q), want (%q, %q)", tc.in, repo, tag, tc.repo, tc.tag)
		}
	}
}
