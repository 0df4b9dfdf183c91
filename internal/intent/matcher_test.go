package intent

import (
	"testing"

	"github.com/chis/portsmith/internal/storage"
)

func container(name, imageRepo, stack, registryHost string, instanceID int64) *storage.ContainerWithVersion {
	return &storage.ContainerWithVersion{
		Container: storage.Container{
			ContainerName:       name,
			ImageRepo:           imageRepo,
			StackName:           stack,
			PortainerInstanceID: instanceID,
		},
		Registry: registryHost,
	}
}

func TestMatches(t *testing.T) {
	web := container("web", "library/nginx", "edge", "docker.io", 1)

	tests := []struct {
		name   string
		intent storage.Intent
		c      *storage.ContainerWithVersion
		want   bool
	}{
		{name: "empty intent matches everything", intent: storage.Intent{}, c: web, want: true},
		{
			name:   "container glob",
			intent: storage.Intent{MatchContainers: []string{"we*"}},
			c:      web,
			want:   true,
		},
		{
			name:   "container glob miss",
			intent: storage.Intent{MatchContainers: []string{"db-*"}},
			c:      web,
			want:   false,
		},
		{
			name:   "image glob",
			intent: storage.Intent{MatchImages: []string{"library/*"}},
			c:      web,
			want:   true,
		},
		{
			name:   "image glob stops at slash",
			intent: storage.Intent{MatchImages: []string{"library/*"}},
			c:      container("web", "library/acme/app", "edge", "docker.io", 1),
			want:   false,
		},
		{
			name:   "image glob per segment",
			intent: storage.Intent{MatchImages: []string{"ghcr.io/*/app"}},
			c:      container("web", "ghcr.io/acme/app", "edge", "ghcr.io", 1),
			want:   true,
		},
		{
			name:   "question mark matches one char",
			intent: storage.Intent{MatchContainers: []string{"we?"}},
			c:      web,
			want:   true,
		},
		{
			name:   "instance allow list",
			intent: storage.Intent{MatchInstances: []int64{2, 3}},
			c:      web,
			want:   false,
		},
		{
			name:   "instance allow list hit",
			intent: storage.Intent{MatchInstances: []int64{1}},
			c:      web,
			want:   true,
		},
		{
			name:   "stack glob",
			intent: storage.Intent{MatchStacks: []string{"edge"}},
			c:      web,
			want:   true,
		},
		{
			name:   "unstacked container needs empty or star pattern",
			intent: storage.Intent{MatchStacks: []string{"prod"}},
			c:      container("job", "library/busybox", "", "docker.io", 1),
			want:   false,
		},
		{
			name:   "unstacked container matches star",
			intent: storage.Intent{MatchStacks: []string{"*"}},
			c:      container("job", "library/busybox", "", "docker.io", 1),
			want:   true,
		},
		{
			name:   "registry equality is case-insensitive",
			intent: storage.Intent{MatchRegistries: []string{"Docker.IO"}},
			c:      web,
			want:   true,
		},
		{
			name:   "registry exact match only",
			intent: storage.Intent{MatchRegistries: []string{"ghcr.io"}},
			c:      web,
			want:   false,
		},
		{
			name:   "exclude container wins over match",
			intent: storage.Intent{MatchContainers: []string{"*"}, ExcludeContainers: []string{"web"}},
			c:      web,
			want:   false,
		},
		{
			name:   "exclude image glob",
			intent: storage.Intent{ExcludeImages: []string{"library/ngin*"}},
			c:      web,
			want:   false,
		},
		{
			name:   "exclude stack",
			intent: storage.Intent{ExcludeStacks: []string{"edge"}},
			c:      web,
			want:   false,
		},
		{
			name:   "exclude registry",
			intent: storage.Intent{ExcludeRegistries: []string{"docker.io"}},
			c:      web,
			want:   false,
		},
		{
			name:   "empty exclude lists exclude nothing",
			intent: storage.Intent{MatchContainers: []string{"web"}},
			c:      web,
			want:   true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Matches(&tc.intent, tc.c); got != tc.want {
				t.Errorf("Matches() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCandidatesRequireUpdate(t *testing.T) {
	rows := []storage.ContainerWithVersion{
		{Container: storage.Container{ContainerName: "fresh"}, HasUpdate: false},
		{Container: storage.Container{ContainerName: "stale"}, HasUpdate: true},
	}
	got := Candidates(&storage.Intent{}, rows)
	if len(got) != 1 || got[0].ContainerName != "stale" {
		t.Errorf("Candidates = %+v, want only the container with an update", got)
	}
}
