// Package ignore implements path-segment aware ignore rules for the local
// install tree. A rule "foo" matches "foo" and "foo/bar" but never "foo2".
package ignore

import (
	"path"
	"strings"
)

// Set is an ordered set of normalized relative path prefixes
type Set struct {
	rules []string
	seen  map[string]bool
}

// New creates a Set containing the given rules
func New(rules ...string) *Set {
	s := &Set{seen: make(map[string]bool)}
	s.Add(rules...)
	return s
}

// Normalize converts a relative path into the canonical form used for
// matching: forward slashes, cleaned, without leading "./" or "/" and
// without a trailing separator.
func Normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// Add appends rules, skipping empty and duplicate entries
func (s *Set) Add(rules ...string) {
	for _, r := range rules {
		n := Normalize(r)
		if n == "" || s.seen[n] {
			continue
		}
		s.seen[n] = true
		s.rules = append(s.rules, n)
	}
}

// Match reports whether rel equals or is nested under any rule
func (s *Set) Match(rel string) bool {
	if s == nil {
		return false
	}
	rel = Normalize(rel)
	if rel == "" {
		return false
	}
	for _, r := range s.rules {
		if rel == r || strings.HasPrefix(rel, r+"/") {
			return true
		}
	}
	return false
}

// Rules returns a copy of the rules in insertion order
func (s *Set) Rules() []string {
	out := make([]string, len(s.rules))
	copy(out, s.rules)
	return out
}

// Clone returns an independent copy, so a single run can extend its rules
// without touching the configured set.
func (s *Set) Clone() *Set {
	if s == nil {
		return New()
	}
	return New(s.rules...)
}

// Len returns the number of rules
func (s *Set) Len() int {
	return len(s.rules)
}
