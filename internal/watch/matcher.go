// Package watch decides whether an absolute request URL is in scope for
// interception.
//
// A Matcher holds an ordered list of patterns, each either an include or an
// exclude. Evaluation policy (design doc Section 4.1): walk the patterns in
// declaration order; a URL is in scope iff the first pattern that matches it
// is not an exclude pattern. Patterns are cheap to evaluate — no cache is
// required, matching the no-LRU note in the design.
package watch

import (
	"fmt"
	"regexp"
	"strings"
)

// PatternSpec is the on-disk/config shape of a single watch pattern.
type PatternSpec struct {
	URL     string `yaml:"url" json:"url"`
	Exclude bool   `yaml:"exclude" json:"exclude"`
}

// Pattern is a compiled PatternSpec.
type Pattern struct {
	Raw     string
	Exclude bool
	re      *regexp.Regexp
}

// Matcher evaluates a request URL against an ordered set of Patterns.
type Matcher struct {
	patterns []Pattern
}

// NewMatcher compiles the given pattern specs into a Matcher. Patterns
// support `*` wildcards, translated to the regex `.*` and anchored at both
// ends, as required by the design (trailing `*` and middle `*` must both
// work).
func NewMatcher(specs []PatternSpec) (*Matcher, error) {
	patterns := make([]Pattern, 0, len(specs))
	for _, s := range specs {
		re, err := compileWildcard(s.URL)
		if err != nil {
			return nil, fmt.Errorf("watch pattern %q: %w", s.URL, err)
		}
		patterns = append(patterns, Pattern{Raw: s.URL, Exclude: s.Exclude, re: re})
	}
	return &Matcher{patterns: patterns}, nil
}

// compileWildcard turns a `*`-wildcard pattern into an anchored regexp.
func compileWildcard(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	anchored := "^" + strings.Join(parts, ".*") + "$"
	return regexp.Compile(anchored)
}

// IsIncluded reports whether rawURL is in scope. With no patterns
// configured, every URL is in scope (an empty watch list watches
// everything — matches the teacher's "unknown built-in defaults to
// enabled" bias toward permissive default behavior when config is absent).
func (m *Matcher) IsIncluded(rawURL string) bool {
	if m == nil || len(m.patterns) == 0 {
		return true
	}
	for _, p := range m.patterns {
		if p.re.MatchString(rawURL) {
			return !p.Exclude
		}
	}
	return false
}

// Patterns returns the compiled pattern specs, in order. Used by plugins
// that need to re-derive their own PatternSpec list (e.g. for serialization).
func (m *Matcher) Patterns() []Pattern {
	if m == nil {
		return nil
	}
	return m.patterns
}
