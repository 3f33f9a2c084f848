package manifest

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tigscm/internal/detector"
	"tigscm/internal/revstore"
	"tigscm/internal/storage"
)

func setupStore(t *testing.T) *Store {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil // Disable logging for tests

	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(storage.NewBadgerKV(db, "manifest"))
}

func TestManifest(t *testing.T) {
	s := setupStore(t)

	_, ok, err := s.Lookup("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	entry := &detector.ManifestEntry{
		Key:  revstore.Key{Path: "bin/run", Node: revstore.NodeFor([]byte("#!/bin/sh"))},
		Size: 9,
		Type: detector.Executable,
	}
	require.NoError(t, s.Set(map[string]*detector.ManifestEntry{
		"bin/run": entry,
		"README":  {Key: revstore.Key{Path: "README"}, Size: -1, Type: detector.Regular},
	}))

	got, ok, err := s.Lookup("bin/run")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, *entry, got)

	paths, err := s.Paths()
	require.NoError(t, err)
	assert.Equal(t, []string{"README", "bin/run"}, paths)

	require.NoError(t, s.Set(map[string]*detector.ManifestEntry{"README": nil}))
	_, ok, err = s.Lookup("README")
	require.NoError(t, err)
	assert.False(t, ok)
}
