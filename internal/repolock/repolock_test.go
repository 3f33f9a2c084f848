package repolock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, nil)

	g, err := l.Acquire()
	require.NoError(t, err)

	_, err = New(dir, nil).Acquire()
	assert.ErrorIs(t, err, ErrLockBusy)

	require.NoError(t, g.Release())
	require.NoError(t, g.Release())

	g, err = l.Acquire()
	require.NoError(t, err)
	require.NoError(t, g.Release())
}
