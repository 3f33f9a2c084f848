// Package repopath validates and normalizes repository-relative paths.
package repopath

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// ParseError describes a path that cannot be a repository path.
type ParseError struct {
	Path   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid repo path %q: %s", e.Path, e.Reason)
}

// Parse validates raw path bytes as reported by a watcher or stored on disk.
func Parse(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", &ParseError{Path: strings.ToValidUTF8(string(b), "�"), Reason: "not valid utf-8"}
	}
	p := string(b)
	if err := Validate(p); err != nil {
		return "", err
	}
	return p, nil
}

func Validate(p string) error {
	switch {
	case p == "":
		return &ParseError{Path: p, Reason: "empty path"}
	case strings.HasPrefix(p, "/"):
		return &ParseError{Path: p, Reason: "leading slash"}
	case strings.HasSuffix(p, "/"):
		return &ParseError{Path: p, Reason: "trailing slash"}
	case strings.IndexByte(p, 0) >= 0:
		return &ParseError{Path: p, Reason: "contains NUL"}
	}
	for _, part := range strings.Split(p, "/") {
		switch part {
		case "":
			return &ParseError{Path: p, Reason: "empty component"}
		case ".", "..":
			return &ParseError{Path: p, Reason: "relative component " + part}
		}
	}
	return nil
}

// Normalize is applied at every persisted-state lookup boundary. On
// case-insensitive filesystems paths differing only in case map to one key.
func Normalize(p string, caseSensitive bool) string {
	if caseSensitive {
		return p
	}
	// A Caser carries state, so each call gets its own.
	return cases.Fold().String(p)
}

// Dir returns the parent directory of p, or "" for top-level entries.
func Dir(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}
