package archive

import (
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// Matcher decides whether a slash-separated relative path is excluded.
// Patterns without a "/" match the base name at any depth ("*.tmp",
// "node_modules"); patterns with a "/" match the whole relative path
// ("cache/**", "config/path.json").
type Matcher struct {
	byName []glob.Glob
	byPath []glob.Glob
}

// NewMatcher compiles patterns. Empty patterns are ignored.
func NewMatcher(patterns ...string) (*Matcher, error) {
	m := &Matcher{}

	for _, p := range patterns {
		p = strings.Trim(strings.ReplaceAll(strings.TrimSpace(p), `\`, "/"), "/")
		if p == "" {
			continue
		}

		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("archive: invalid exclude pattern %q: %w", p, err)
		}

		if strings.Contains(p, "/") {
			m.byPath = append(m.byPath, g)
		} else {
			m.byName = append(m.byName, g)
		}
	}

	return m, nil
}

// Match reports whether rel is excluded. A nil Matcher excludes nothing.
func (m *Matcher) Match(rel string) bool {
	if m == nil {
		return false
	}

	rel = strings.Trim(rel, "/")
	base := path.Base(rel)

	for _, g := range m.byName {
		if g.Match(base) {
			return true
		}
	}

	for _, g := range m.byPath {
		if g.Match(rel) {
			return true
		}
	}

	return false
}
