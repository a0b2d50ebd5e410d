// Package pathutil converts between the path forms used by the sync engine:
// the decoded, forward-slash relative form stored in the cache, the
// percent-encoded form sent to the share, and the OS form on disk.
package pathutil

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Normalize turns p into a relative, forward-slash, cleaned path.
// It returns "" for paths that name the root. Leading ".." segments are
// dropped so the result never escapes the root.
func Normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// Escape percent-encodes each segment of a decoded relative path.
func Escape(p string) string {
	if p == "" {
		return ""
	}
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// Unescape decodes a percent-encoded relative path segment by segment.
func Unescape(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	segs := strings.Split(raw, "/")
	for i, s := range segs {
		d, err := url.PathUnescape(s)
		if err != nil {
			return "", fmt.Errorf("unescape %q: %w", raw, err)
		}
		segs[i] = d
	}
	return strings.Join(segs, "/"), nil
}

// Local maps a normalized relative path into root using OS separators.
func Local(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(Normalize(rel)))
}

// Within reports whether target lies inside root (or is root).
func Within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
