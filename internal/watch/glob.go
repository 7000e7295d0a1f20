package watch

import (
	"net/url"

	"github.com/gobwas/glob"
)

// CompileGlob compiles a single-field wildcard pattern (as used by mock
// rules and CRUD action URL patterns) using gobwas/glob, separately from
// the regex-based Matcher above: mock/CRUD patterns match one concrete
// request path rather than deciding in/out of a watch set, so a plain glob
// is the right tool — no exclude semantics, no ordered-list evaluation.
func CompileGlob(pattern string) (glob.Glob, error) {
	return glob.Compile(pattern, '/')
}

// RequestPath extracts the path mock/CRUD rules match against (spec.md
// Section 4.13 step 2: "equals the request path or whose wildcard pattern
// regex matches"), as opposed to internal/watch.Matcher's C1 patterns,
// which match the full absolute URL. Falls back to rawURL itself if it
// doesn't parse, so a malformed URL still gets a best-effort match instead
// of never matching.
func RequestPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}
