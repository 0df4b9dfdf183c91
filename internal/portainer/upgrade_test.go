package portainer

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/chis/portsmith/internal/apperr"
)

func TestUpgraderRecreate(t *testing.T) {
	f := &fakePortainer{
		t: t,
		inspects: map[string]*InspectResponse{
			"old123": inspectFor("old123", "web", "nginx:1.27", "img-old", "bridge"),
		},
		images: map[string]*ImageInspect{
			"img-old":    {ID: "img-old", RepoDigests: []string{"nginx@" + digestA}},
			"nginx:1.27": {ID: "img-new", RepoDigests: []string{"nginx@" + digestB}},
		},
	}
	client := f.client(t)

	u := NewUpgrader(zerolog.Nop())
	result, err := u.Recreate(context.Background(), client, 1, 1, "old123")
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}

	if result.OldDigest != digestA || result.NewDigest != digestB {
		t.Errorf("digests = %s -> %s", result.OldDigest, result.NewDigest)
	}
	if result.NewContainerID != "replacement-id" {
		t.Errorf("new container id = %q", result.NewContainerID)
	}

	// stop, step the old container aside, create with the same name,
	// start the replacement, then drop the old one
	if len(f.stopped) != 1 || f.stopped[0] != "old123" {
		t.Errorf("stopped = %v", f.stopped)
	}
	if len(f.renamed) != 1 || f.renamed[0] != "old123:web-old" {
		t.Errorf("renamed = %v", f.renamed)
	}
	if len(f.created) != 1 || f.created[0] != "web" {
		t.Errorf("created = %v", f.created)
	}
	if len(f.started) != 1 || f.started[0] != "replacement-id" {
		t.Errorf("started = %v", f.started)
	}
	if len(f.removed) != 1 || f.removed[0] != "old123" {
		t.Errorf("removed = %v", f.removed)
	}
}

func TestUpgraderRollsBackOnCreateFailure(t *testing.T) {
	f := &fakePortainer{
		t:          t,
		failCreate: true,
		inspects: map[string]*InspectResponse{
			"old123": inspectFor("old123", "web", "nginx:1.27", "img-old", "bridge"),
		},
		images: map[string]*ImageInspect{
			"img-old":    {ID: "img-old", RepoDigests: []string{"nginx@" + digestA}},
			"nginx:1.27": {ID: "img-new", RepoDigests: []string{"nginx@" + digestB}},
		},
	}
	client := f.client(t)

	u := NewUpgrader(zerolog.Nop())
	_, err := u.Recreate(context.Background(), client, 1, 1, "old123")
	if err == nil {
		t.Fatal("expected the failed create to surface")
	}

	// The old container gets its name back and comes back up.
	if len(f.renamed) != 2 || f.renamed[0] != "old123:web-old" || f.renamed[1] != "old123:web" {
		t.Errorf("renamed = %v", f.renamed)
	}
	if len(f.started) != 1 || f.started[0] != "old123" {
		t.Errorf("started = %v, want the rolled-back container", f.started)
	}
	if len(f.removed) != 0 {
		t.Errorf("removed = %v, want none", f.removed)
	}
}

func TestUpgraderAlreadyLatest(t *testing.T) {
	f := &fakePortainer{
		t: t,
		inspects: map[string]*InspectResponse{
			"old123": inspectFor("old123", "web", "nginx:1.27", "img-old", "bridge"),
		},
		images: map[string]*ImageInspect{
			"img-old":    {ID: "img-old", RepoDigests: []string{"nginx@" + digestA}},
			"nginx:1.27": {ID: "img-old", RepoDigests: []string{"nginx@" + digestA}},
		},
	}
	client := f.client(t)

	u := NewUpgrader(zerolog.Nop())
	_, err := u.Recreate(context.Background(), client, 1, 1, "old123")
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict for already-latest, got %v", err)
	}
	if len(f.stopped) != 0 {
		t.Error("container must not be touched when already on the latest image")
	}
}

func TestUpgraderRefusesDigestPinned(t *testing.T) {
	f := &fakePortainer{
		t: t,
		inspects: map[string]*InspectResponse{
			"pin111": inspectFor("pin111", "pinned", "nginx@"+digestA, "img-old", "bridge"),
		},
		images: map[string]*ImageInspect{},
	}
	client := f.client(t)

	u := NewUpgrader(zerolog.Nop())
	_, err := u.Recreate(context.Background(), client, 1, 1, "pin111")
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for digest-pinned image, got %v", err)
	}
}
