package snapshot

import (
	"path"
	"strings"
)

// DefaultExcludes lists patterns skipped by every capture in addition to
// version-control metadata directories.
var DefaultExcludes = []string{
	"vendor/**",
	"node_modules/**",
	"**/testdata/**",
	"**/*.min.js",
}

// vcsDirs are always skipped regardless of configured patterns.
var vcsDirs = map[string]bool{
	".git": true,
	".hg":  true,
	".svn": true,
	".bzr": true,
}

// Matcher decides whether a repository-relative path is tracked.
//
// Patterns use glob syntax with ** for recursive matching:
//   - * matches any sequence of non-separator characters
//   - ** matches any sequence of characters including separators
//   - ? matches any single non-separator character
//
// A Matcher is safe for concurrent use after creation.
type Matcher struct {
	includes []string
	excludes []string
}

// NewMatcher creates a matcher from include and exclude patterns.
// An empty include list means every path is included by default.
func NewMatcher(includes, excludes []string) *Matcher {
	return &Matcher{
		includes: includes,
		excludes: append(append([]string{}, DefaultExcludes...), excludes...),
	}
}

// Match reports whether relPath (slash-separated, relative to the root)
// is tracked: it must match an include pattern (or all, when none are
// configured) and no exclude pattern.
func (m *Matcher) Match(relPath string) bool {
	relPath = path.Clean(strings.TrimPrefix(relPath, "/"))

	for _, pattern := range m.excludes {
		if matchGlob(pattern, relPath) {
			return false
		}
	}

	if len(m.includes) == 0 {
		return true
	}
	for _, pattern := range m.includes {
		if matchGlob(pattern, relPath) {
			return true
		}
	}
	return false
}

// SkipDir reports whether an entire directory can be pruned from the walk.
// Only exact directory-prefix excludes (like "vendor/**") prune; include
// patterns never prune because a nested file may still match.
func (m *Matcher) SkipDir(relPath string) bool {
	base := path.Base(relPath)
	if vcsDirs[base] {
		return true
	}
	for _, pattern := range m.excludes {
		if trimmed, ok := strings.CutSuffix(pattern, "/**"); ok && !strings.ContainsAny(trimmed, "*?[") {
			if relPath == trimmed || strings.HasPrefix(relPath, trimmed+"/") {
				return true
			}
		}
	}
	return false
}

// matchGlob matches a slash-separated path against a glob pattern,
// supporting ** across separators. Segment matching defers to path.Match.
func matchGlob(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pattern, name []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "**":
			if len(pattern) == 1 {
				return true
			}
			for skip := 0; skip <= len(name); skip++ {
				if matchSegments(pattern[1:], name[skip:]) {
					return true
				}
			}
			return false
		default:
			if len(name) == 0 {
				return false
			}
			if ok, err := path.Match(pattern[0], name[0]); err != nil || !ok {
				return false
			}
			pattern = pattern[1:]
			name = name[1:]
		}
	}
	return len(name) == 0
}
