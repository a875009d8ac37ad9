// Package pathmatch provides segment-aware URL path prefix matching.
package pathmatch

import (
	"path"
	"strings"
)

// Clean normalises a request path: a leading slash, no dot segments and no
// trailing slash except for the root.
func Clean(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}

// HasPrefix reports whether p equals prefix or continues it at a segment
// boundary, so "/market" matches "/market/quotes" but not "/marketing".
func HasPrefix(p, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(p, prefix) {
		return false
	}
	return len(p) == len(prefix) || p[len(prefix)] == '/'
}

// Remainder returns the part of p after prefix, starting with "/" or empty.
// It assumes HasPrefix(p, prefix).
func Remainder(p, prefix string) string {
	return p[len(strings.TrimSuffix(prefix, "/")):]
}
