// Package intent evaluates auto-upgrade policies against containers
// and drives the upgrade executions they authorize.
package intent

import (
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/chis/portsmith/internal/storage"
)

// Matches is the pure policy predicate: every match dimension must
// accept the container and no exclude dimension may hit it. An empty
// match list accepts everything; an empty exclude list rejects nothing.
func Matches(in *storage.Intent, c *storage.ContainerWithVersion) bool {
	if !matchAny(in.MatchContainers, c.ContainerName) {
		return false
	}
	if !matchAny(in.MatchImages, c.ImageRepo) {
		return false
	}
	if !instanceAllowed(in.MatchInstances, c.PortainerInstanceID) {
		return false
	}
	if !matchAny(in.MatchStacks, c.StackName) {
		return false
	}
	if !registryAny(in.MatchRegistries, c.Registry) {
		return false
	}

	if matchesAnyOf(in.ExcludeContainers, c.ContainerName) {
		return false
	}
	if matchesAnyOf(in.ExcludeImages, c.ImageRepo) {
		return false
	}
	if matchesAnyOf(in.ExcludeStacks, c.StackName) {
		return false
	}
	if registryHit(in.ExcludeRegistries, c.Registry) {
		return false
	}
	return true
}

// Candidates filters the rows an intent may act on: matching and
// carrying a pending update.
func Candidates(in *storage.Intent, rows []storage.ContainerWithVersion) []storage.ContainerWithVersion {
	out := make([]storage.ContainerWithVersion, 0)
	for i := range rows {
		if rows[i].HasUpdate && Matches(in, &rows[i]) {
			out = append(out, rows[i])
		}
	}
	return out
}

func matchAny(patterns []string, value string) bool {
	if len(patterns) == 0 {
		return true
	}
	return matchesAnyOf(patterns, value)
}

func matchesAnyOf(patterns []string, value string) bool {
	for _, p := range patterns {
		if matchPattern(p, value) {
			return true
		}
	}
	return false
}

// matchPattern glob-matches one name dimension. Wildcards never cross
// a '/' boundary, so "library/*" matches "library/nginx" but not
// "library/acme/app"; pattern and value are compared segment-wise.
func matchPattern(pattern, value string) bool {
	ps := strings.Split(pattern, "/")
	vs := strings.Split(value, "/")
	if len(ps) != len(vs) {
		return false
	}
	for i := range ps {
		if !wildcard.Match(ps[i], vs[i]) {
			return false
		}
	}
	return true
}

func instanceAllowed(ids []int64, instanceID int64) bool {
	if len(ids) == 0 {
		return true
	}
	for _, id := range ids {
		if id == instanceID {
			return true
		}
	}
	return false
}

func registryAny(registries []string, value string) bool {
	if len(registries) == 0 {
		return true
	}
	return registryHit(registries, value)
}

// Registries compare by exact host, case-insensitively; globbing is
// reserved for name dimensions.
func registryHit(registries []string, value string) bool {
	for _, r := range registries {
		if strings.EqualFold(r, value) {
			return true
		}
	}
	return false
}
