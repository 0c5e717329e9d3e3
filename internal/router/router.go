package router

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/vireolabs/janus/internal/config"
)

// Backend is a compiled upstream target.
type Backend struct {
	Name    string
	URL     *url.URL
	Weight  int
	Timeout time.Duration
	Retries int
}

// entry is one compiled route pattern owned by a backend.
//
// Pattern forms, auto-detected:
//
//	/exact/path        exact match
//	/api/*             prefix match on "/api/" (any depth below)
//	/api/*/items       glob; * spans one segment, ** any number
//	~^/v[0-9]+/        regex
//
// Entries are ranked by specificity: literal characters minus 10 per
// single wildcard minus 50 per double wildcard. Exact patterns always
// outrank wildcard patterns of similar length.
type entry struct {
	backend     *Backend
	pattern     string
	specificity int

	kind   string // exact, prefix, glob, regex
	prefix string
	re     *regexp.Regexp
}

func (e *entry) matches(path string) bool {
	switch e.kind {
	case "exact":
		return path == e.pattern
	case "prefix":
		return strings.HasPrefix(path, e.prefix)
	case "glob":
		ok, err := doublestar.Match(e.pattern, path)
		return err == nil && ok
	case "regex":
		return e.re.MatchString(path)
	}
	return false
}

// Candidate pairs a backend with the pattern that admitted it.
type Candidate struct {
	Backend     *Backend
	Pattern     string
	Specificity int
}

// Table resolves request paths to backends. It is immutable once
// built; reload swaps in a freshly built table.
type Table struct {
	entries  []*entry
	backends map[string]*Backend
}

// Build compiles all backend route patterns into a Table.
func Build(backends []config.BackendConfig) (*Table, error) {
	t := &Table{backends: make(map[string]*Backend, len(backends))}

	for _, bc := range backends {
		u, err := url.Parse(bc.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("backend %q: invalid url %q", bc.Name, bc.URL)
		}
		if _, dup := t.backends[bc.Name]; dup {
			return nil, fmt.Errorf("backend %q: duplicate name", bc.Name)
		}
		b := &Backend{
			Name:    bc.Name,
			URL:     u,
			Weight:  bc.Weight,
			Timeout: bc.Timeout,
			Retries: bc.Retries,
		}
		t.backends[bc.Name] = b

		for _, pattern := range bc.Routes {
			e, err := compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("backend %q: %w", bc.Name, err)
			}
			e.backend = b
			t.entries = append(t.entries, e)
		}
	}

	sort.SliceStable(t.entries, func(i, j int) bool {
		a, b := t.entries[i], t.entries[j]
		if a.specificity != b.specificity {
			return a.specificity > b.specificity
		}
		if a.backend.Weight != b.backend.Weight {
			return a.backend.Weight > b.backend.Weight
		}
		return a.backend.Name < b.backend.Name
	})
	return t, nil
}

func compile(pattern string) (*entry, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty route pattern")
	}
	e := &entry{pattern: pattern, specificity: specificity(pattern)}

	switch {
	case strings.HasPrefix(pattern, "~"):
		re, err := regexp.Compile(pattern[1:])
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", pattern, err)
		}
		e.kind = "regex"
		e.re = re
	case strings.HasSuffix(pattern, "/**"):
		e.kind = "prefix"
		e.prefix = pattern[:len(pattern)-2]
	case strings.HasSuffix(pattern, "/*") && strings.Count(pattern, "*") == 1:
		e.kind = "prefix"
		e.prefix = pattern[:len(pattern)-1]
	case strings.Contains(pattern, "*"):
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("route %q: invalid glob", pattern)
		}
		e.kind = "glob"
	default:
		e.kind = "exact"
	}
	return e, nil
}

// specificity scores a pattern: literal characters count for, wildcards
// count heavily against, a double wildcard most of all.
func specificity(pattern string) int {
	p := strings.TrimPrefix(pattern, "~")
	doubles := strings.Count(p, "**")
	singles := strings.Count(p, "*") - 2*doubles
	literals := len(p) - 2*doubles - singles
	return literals - 10*singles - 50*doubles
}

// Resolve returns the candidate backends for a path, most specific
// first. Each backend appears once, ranked by its best pattern. An
// empty result means no route covers the path.
func (t *Table) Resolve(path string) []Candidate {
	var out []Candidate
	seen := make(map[string]bool)
	for _, e := range t.entries {
		if seen[e.backend.Name] || !e.matches(path) {
			continue
		}
		seen[e.backend.Name] = true
		out = append(out, Candidate{
			Backend:     e.backend,
			Pattern:     e.pattern,
			Specificity: e.specificity,
		})
	}
	return out
}

// Backend returns a backend by name, or nil.
func (t *Table) Backend(name string) *Backend {
	return t.backends[name]
}

// Backends returns every backend in the table.
func (t *Table) Backends() []*Backend {
	out := make([]*Backend, 0, len(t.backends))
	for _, b := range t.backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
