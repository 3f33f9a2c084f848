// Package matcher selects repository paths.
package matcher

import (
	"strings"

	"tigscm/internal/repopath"
)

type Matcher interface {
	MatchesFile(path string) (bool, error)
}

type always struct{}

func (always) MatchesFile(string) (bool, error) { return true, nil }

// Always matches every path.
func Always() Matcher { return always{} }

type never struct{}

func (never) MatchesFile(string) (bool, error) { return false, nil }

// Never matches nothing.
func Never() Matcher { return never{} }

// ExactMatcher matches a fixed set of paths.
type ExactMatcher struct {
	paths         map[string]struct{}
	caseSensitive bool
}

func Exact(paths []string, caseSensitive bool) *ExactMatcher {
	m := &ExactMatcher{
		paths:         make(map[string]struct{}, len(paths)),
		caseSensitive: caseSensitive,
	}
	for _, p := range paths {
		m.paths[repopath.Normalize(p, caseSensitive)] = struct{}{}
	}
	return m
}

func (m *ExactMatcher) MatchesFile(path string) (bool, error) {
	_, ok := m.paths[repopath.Normalize(path, m.caseSensitive)]
	return ok, nil
}

type difference struct {
	include, exclude Matcher
}

// Difference matches paths matched by include and not by exclude.
func Difference(include, exclude Matcher) Matcher {
	return difference{include: include, exclude: exclude}
}

func (d difference) MatchesFile(path string) (bool, error) {
	ok, err := d.include.MatchesFile(path)
	if err != nil || !ok {
		return false, err
	}
	excluded, err := d.exclude.MatchesFile(path)
	if err != nil {
		return false, err
	}
	return !excluded, nil
}

type intersect []Matcher

// Intersect matches paths matched by all of ms.
func Intersect(ms ...Matcher) Matcher {
	return intersect(ms)
}

func (in intersect) MatchesFile(path string) (bool, error) {
	for _, m := range in {
		ok, err := m.MatchesFile(path)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// DirNamesMatcher matches any path that has a component in its set.
type DirNamesMatcher struct {
	names map[string]bool
}

func DirNames(names ...string) *DirNamesMatcher {
	m := &DirNamesMatcher{names: make(map[string]bool, len(names))}
	for _, n := range names {
		m.names[n] = true
	}
	return m
}

// DefaultIgnore covers metadata and dependency directories nobody tracks.
func DefaultIgnore() *DirNamesMatcher {
	return DirNames(".git", ".tig", "node_modules", "vendor", "dist", "build")
}

func (m *DirNamesMatcher) MatchesFile(path string) (bool, error) {
	for _, part := range strings.Split(path, "/") {
		if m.names[part] {
			return true, nil
		}
	}
	return false, nil
}
