package registry

import "strings"

// digestHexLen is the hex length of a sha256 digest.
const digestHexLen = 64

// NormalizeDigest canonicalizes a digest to lower-case "sha256:<64 hex>".
// Accepts bare hex, prefixed, and mixed-case input. Anything that is
// not a plausible sha256 digest is returned lower-cased but otherwise
// untouched, so comparisons stay stable even for malformed rows.
func NormalizeDigest(digest string) string {
	d := strings.ToLower(strings.TrimSpace(digest))
	if d == "" {
		return ""
	}
	if strings.HasPrefix(d, "sha256:") {
		return d
	}
	if len(d) == digestHexLen && isHex(d) {
		return "sha256:" + d
	}
	return d
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

// HasUpdate is the single definition of "needs update": both digests
// known and not equal after normalization. It is computed at query
// time from persisted digests and never stored.
func HasUpdate(currentDigest, latestDigest string) bool {
	if currentDigest == "" || latestDigest == "" {
		return false
	}
	return NormalizeDigest(currentDigest) != NormalizeDigest(latestDigest)
}
