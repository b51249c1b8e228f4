// Package scanner walks a watch directory and produces the client's
// current snapshot: one FileInfo per regular file, with hidden files,
// the state database, and ignore-pattern matches excluded.
package scanner

import (
	"io"
	"log/slog"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// StateFilePrefix is the leading portion of the state database filename
// and its sqlite sidecars (-wal, -shm). Anything carrying this prefix
// is excluded from scans and from event-driven work.
const StateFilePrefix = ".syncpair.db"

// Filter evaluates ignore patterns against slash-normalized relative
// paths. Pattern semantics:
//
//   - a pattern containing '/' matches against the full relative path,
//     with '**' spanning any number of segments;
//   - a bare pattern (no '/') matches only the leaf name of files at
//     the root of the base directory, so "*.tmp" does not match
//     "sub/foo.tmp";
//   - a pattern ending in '/' is a directory pattern and never matches
//     a file path;
//   - invalid patterns are logged once at parse and never match.
type Filter struct {
	patterns []ignorePattern
	logger   *slog.Logger
}

type ignorePattern struct {
	raw           string
	pattern       string
	directoryOnly bool
	leafOnly      bool // bare pattern: root-level leaf names only
}

// NewFilter parses the given patterns. Invalid patterns are dropped
// with a warning rather than failing the scan.
func NewFilter(patterns []string, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	f := &Filter{logger: logger}

	for _, raw := range patterns {
		p := ignorePattern{raw: raw, pattern: raw}

		if strings.HasSuffix(raw, "/") {
			p.directoryOnly = true
			p.pattern = strings.TrimSuffix(raw, "/")
		}

		p.leafOnly = !strings.Contains(p.pattern, "/")

		if !doublestar.ValidatePattern(p.pattern) {
			logger.Warn("invalid ignore pattern, skipping", "pattern", raw)
			continue
		}

		f.patterns = append(f.patterns, p)
	}

	return f
}

// Ignored reports whether the file at relPath (slash-normalized,
// relative to the base directory) matches any ignore pattern.
func (f *Filter) Ignored(relPath string) bool {
	for _, p := range f.patterns {
		if p.directoryOnly {
			continue // directory patterns never match a file path
		}

		if p.leafOnly && strings.Contains(relPath, "/") {
			continue // bare patterns only apply at the root
		}

		// ValidatePattern passed at parse, so Match cannot fail here.
		if ok, err := doublestar.Match(p.pattern, relPath); err == nil && ok {
			return true
		}
	}

	return false
}

// IgnoredDir reports whether a directory at relPath matches a
// directory-only pattern, allowing the walk to prune the whole subtree.
func (f *Filter) IgnoredDir(relPath string) bool {
	for _, p := range f.patterns {
		if !p.directoryOnly {
			continue
		}

		if p.leafOnly && strings.Contains(relPath, "/") {
			continue
		}

		if ok, err := doublestar.Match(p.pattern, relPath); err == nil && ok {
			return true
		}
	}

	return false
}

// ExcludedName reports whether a leaf name is excluded regardless of
// patterns: hidden names and the state database with its sidecars. The
// event loop applies the same rule to watcher events.
func ExcludedName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, StateFilePrefix)
}
