// Package filter matches relative paths against a storage group's
// exclusion patterns. Excluded paths are invisible to scanning,
// diffing, deletion, and watching alike.
package filter

import (
	"fmt"
	"path"
	"strings"
)

// Rules is a compiled set of exclusion patterns. The zero value (and
// nil) excludes nothing.
type Rules struct {
	patterns []*pattern
}

// Compile builds Rules from rsync-style glob patterns: `*` matches
// within a path segment, `**` across segments, `?` a single character,
// `[...]` a character class. A trailing `/` restricts the pattern to
// directories; a pattern containing `/` is anchored to the tree root,
// otherwise it matches the basename at any depth.
func Compile(globs []string) (*Rules, error) {
	if len(globs) == 0 {
		return &Rules{}, nil
	}
	r := &Rules{patterns: make([]*pattern, 0, len(globs))}
	for _, g := range globs {
		p, err := compile(g)
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", g, err)
		}
		r.patterns = append(r.patterns, p)
	}
	return r, nil
}

// MustCompile is Compile for patterns known to be valid, panicking
// otherwise. Intended for tests and defaults.
func MustCompile(globs []string) *Rules {
	r, err := Compile(globs)
	if err != nil {
		panic(err)
	}
	return r
}

// Empty reports whether no patterns are configured.
func (r *Rules) Empty() bool {
	return r == nil || len(r.patterns) == 0
}

// Excluded reports whether relPath (slash-separated, relative to the
// tree root) matches any pattern. Directory matches exclude the whole
// subtree because walkers stop descending.
func (r *Rules) Excluded(relPath string, isDir bool) bool {
	if r == nil {
		return false
	}
	for _, p := range r.patterns {
		if p.match(relPath, isDir) {
			return true
		}
	}
	return false
}

// ExcludedPath reports whether relPath or any of its ancestor
// directories is excluded. Used for paths that come from the tracking
// store rather than a walk, where ancestors were never visited.
func (r *Rules) ExcludedPath(relPath string) bool {
	if r == nil || len(r.patterns) == 0 {
		return false
	}
	if r.Excluded(relPath, false) {
		return true
	}
	for dir := path.Dir(relPath); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if r.Excluded(dir, true) {
			return true
		}
	}
	return false
}

// Globs returns the original pattern strings, for logging and config
// round-trips.
func (r *Rules) Globs() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.patterns))
	for i, p := range r.patterns {
		out[i] = p.glob
	}
	return out
}

func (r *Rules) String() string {
	if r.Empty() {
		return "<none>"
	}
	return strings.Join(r.Globs(), ", ")
}
