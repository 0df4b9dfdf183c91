// Package version parses and compares release version strings reported
// by tracked application sources (GitHub/GitLab release tags, image tags).
package version

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// Core version pattern: 1.2.3, v1.2.3, 1.2. A bare number alone
	// ("1243") is not a version.
	semverPattern = regexp.MustCompile(`^v?(\d+)\.(\d+)(?:\.(\d+))?(?:\.(\d+))?`)

	// Prerelease identifiers that mark a tag as pre-release rather than
	// a platform variant suffix.
	prereleaseIdentifiers = []string{"alpha", "beta", "rc", "dev", "pre", "preview", "canary"}

	// Date-based release schemes. Checked before semver since
	// 2024.01.15 also matches the semver pattern.
	datePatterns = []struct {
		pattern *regexp.Regexp
		format  string
	}{
		{regexp.MustCompile(`^(\d{4})\.(\d{1,2})\.(\d{1,2})$`), "2006.1.2"},
		{regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})$`), "2006-1-2"},
		{regexp.MustCompile(`^(\d{8})$`), "20060102"},
	}
)

// Version is a parsed release version.
type Version struct {
	Major      int
	Minor      int
	Patch      int
	Revision   int    // 4th segment, e.g. 10156 from "1.42.2.10156"
	Prerelease string // "alpha", "beta.1", "rc2"
	Original   string
	Date       *time.Time // set for date-scheme versions
}

// String renders the version in canonical form.
func (v Version) String() string {
	if v.Date != nil {
		return v.Date.Format("2006.01.02")
	}
	s := strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor) + "." + strconv.Itoa(v.Patch)
	if v.Revision != 0 {
		s += "." + strconv.Itoa(v.Revision)
	}
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	return s
}

// Parse extracts a version from a release tag or image tag. The leading
// "v" is optional. Returns false when the string carries no comparable
// version (meta tags like "latest" or "stable", commit hashes).
func Parse(s string) (*Version, bool) {
	tag := strings.TrimSpace(s)
	if tag == "" {
		return nil, false
	}

	for _, dp := range datePatterns {
		m := dp.pattern.FindStringSubmatch(tag)
		if m == nil {
			continue
		}
		t, err := time.Parse(dp.format, m[0])
		if err != nil {
			continue
		}
		return &Version{
			Major:    t.Year(),
			Minor:    int(t.Month()),
			Patch:    t.Day(),
			Original: tag,
			Date:     &t,
		}, true
	}

	m := semverPattern.FindStringSubmatch(tag)
	if m == nil {
		return nil, false
	}

	v := &Version{Original: tag}
	v.Major, _ = strconv.Atoi(m[1])
	v.Minor, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		v.Patch, _ = strconv.Atoi(m[3])
	}
	if m[4] != "" {
		v.Revision, _ = strconv.Atoi(m[4])
	}

	remainder := strings.TrimLeft(strings.TrimPrefix(tag, m[0]), "-.+")
	if remainder != "" {
		v.Prerelease = extractPrerelease(remainder)
	}
	return v, true
}

// extractPrerelease returns the prerelease portion of a tag remainder,
// or "" when the remainder is a platform variant suffix ("alpine",
// "slim") rather than a pre-release marker.
func extractPrerelease(remainder string) string {
	lower := strings.ToLower(remainder)
	for _, id := range prereleaseIdentifiers {
		if !strings.HasPrefix(lower, id) {
			continue
		}
		// Keep the identifier plus any directly attached ordinal
		// ("rc2", "beta.1"); drop anything after a further separator.
		end := len(id)
		rest := remainder[end:]
		rest = strings.TrimLeft(rest, "-.")
		for i := 0; i < len(rest); i++ {
			if rest[i] < '0' || rest[i] > '9' {
				rest = rest[:i]
				break
			}
		}
		if rest != "" {
			return remainder[:end] + "." + rest
		}
		return remainder[:end]
	}
	return ""
}

// Compare returns -1 when a < b, 0 when equal, 1 when a > b.
// A nil version sorts below any parsed version.
func Compare(a, b *Version) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}

	for _, pair := range [][2]int{
		{a.Major, b.Major},
		{a.Minor, b.Minor},
		{a.Patch, b.Patch},
		{a.Revision, b.Revision},
	} {
		if pair[0] != pair[1] {
			if pair[0] < pair[1] {
				return -1
			}
			return 1
		}
	}

	// Release outranks prerelease at the same numeric version.
	if a.Prerelease != b.Prerelease {
		if a.Prerelease == "" {
			return 1
		}
		if b.Prerelease == "" {
			return -1
		}
		return strings.Compare(a.Prerelease, b.Prerelease)
	}

	return 0
}

// IsNewer reports whether latest is a strictly newer version than
// current. When either side does not parse, it falls back to plain
// inequality so unparsable release tags still surface a change.
func IsNewer(current, latest string) bool {
	if latest == "" {
		return false
	}
	cv, cok := Parse(current)
	lv, lok := Parse(latest)
	if !cok || !lok {
		return current != latest
	}
	return Compare(cv, lv) < 0
}
