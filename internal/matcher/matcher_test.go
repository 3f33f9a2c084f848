package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func matches(t *testing.T, m Matcher, path string) bool {
	t.Helper()
	ok, err := m.MatchesFile(path)
	require.NoError(t, err)
	return ok
}

func TestMatchers(t *testing.T) {
	exact := Exact([]string{"a/b", "C/D"}, false)

	tests := []struct {
		name string
		m    Matcher
		path string
		want bool
	}{
		{"always", Always(), "x", true},
		{"never", Never(), "x", false},
		{"exact hit", exact, "a/b", true},
		{"exact folded", exact, "c/d", true},
		{"exact miss", exact, "a/c", false},
		{"difference keeps", Difference(Always(), exact), "z", true},
		{"difference drops", Difference(Always(), exact), "a/b", false},
		{"intersect", Intersect(Always(), exact), "a/b", true},
		{"intersect miss", Intersect(Never(), exact), "a/b", false},
		{"dirnames nested", DefaultIgnore(), "web/node_modules/x.js", true},
		{"dirnames plain", DefaultIgnore(), "web/src/x.js", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matches(t, tt.m, tt.path))
		})
	}
}

func TestExactCaseSensitive(t *testing.T) {
	m := Exact([]string{"A"}, true)
	assert.True(t, matches(t, m, "A"))
	assert.False(t, matches(t, m, "a"))
}
