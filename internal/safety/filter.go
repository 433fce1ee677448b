// Package safety provides filtering, confirmation, and audit logging for
// destructive or sensitive VM operations.
package safety

import (
	"path/filepath"

	"github.com/containerd/log"
)

// Filter controls access to VMs by name using an allowlist and a denylist.
// Glob patterns (as understood by filepath.Match) are supported in both lists.
//
// Rules:
//   - If both lists are empty (or nil), every name is allowed.
//   - Denylist always takes priority over the allowlist.
//   - If a non-empty allowlist is present, a name must match at least one
//     allowlist pattern to be permitted (after the denylist check).
//   - A nil *Filter allows everything.
type Filter struct {
	allowlist []string
	denylist  []string
}

// NewFilter constructs a Filter from the provided allowlist and denylist
// pattern slices. Either or both may be nil or empty. Malformed patterns are
// kept, never match, and are logged once here.
func NewFilter(allowlist, denylist []string) *Filter {
	for _, list := range [][]string{allowlist, denylist} {
		for _, p := range list {
			if err := CheckPattern(p); err != nil {
				log.L.WithField("pattern", p).WithError(err).Warn("malformed filter pattern never matches")
			}
		}
	}
	return &Filter{
		allowlist: append([]string(nil), allowlist...),
		denylist:  append([]string(nil), denylist...),
	}
}

// CheckPattern reports whether p is a well-formed glob pattern.
func CheckPattern(p string) error {
	_, err := filepath.Match(p, "")
	return err
}

// IsAllowed reports whether name is permitted by this filter.
func (f *Filter) IsAllowed(name string) bool {
	if f == nil {
		return true
	}

	for _, pattern := range f.denylist {
		if matchGlob(pattern, name) {
			return false
		}
	}

	if len(f.allowlist) == 0 {
		return true
	}

	for _, pattern := range f.allowlist {
		if matchGlob(pattern, name) {
			return true
		}
	}

	return false
}

// matchGlob returns true when name matches the given glob pattern.
// filepath.Match errors (malformed patterns) are treated as non-matching.
func matchGlob(pattern, name string) bool {
	matched, err := filepath.Match(pattern, name)
	if err != nil {
		return false
	}
	return matched
}
