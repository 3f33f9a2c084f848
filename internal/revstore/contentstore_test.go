package revstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tigscm/internal/config"
	tigerrors "tigscm/internal/errors"
)

type testConfig struct {
	store config.StoreConfig
	local string
}

func testKey(path, rev string) Key {
	return Key{Path: path, Node: NodeFor([]byte(path + "@" + rev))}
}

func plainConfig(t *testing.T) testConfig {
	return testConfig{
		store: config.StoreConfig{CachePath: t.TempDir(), CacheSize: 16},
		local: t.TempDir(),
	}
}

func lfsConfig(t *testing.T, threshold string) testConfig {
	cfg := plainConfig(t)
	cfg.store.LFS = true
	cfg.store.LFSThreshold = threshold
	return cfg
}

func openStore(t *testing.T, cfg testConfig, remote RemoteStore, lfsClient ObjectClient) *ContentStore {
	b := NewBuilder(cfg.store).LocalPath(cfg.local)
	if remote != nil {
		b.RemoteStore(remote)
	}
	if lfsClient != nil {
		b.LfsRemote(lfsClient)
	}
	cs, err := b.Build()
	require.NoError(t, err)
	return cs
}

// buildStore opens a store closed automatically at the end of the test.
func buildStore(t *testing.T, cfg testConfig, remote RemoteStore, lfsClient ObjectClient) *ContentStore {
	cs := openStore(t, cfg, remote, lfsClient)
	t.Cleanup(func() { cs.Close() })
	return cs
}

func TestContentStoreAddGet(t *testing.T) {
	ctx := context.Background()
	cfg := plainConfig(t)
	k := testKey("a", "2")
	data := []byte{1, 2, 3, 4}

	t.Run("pending add is readable", func(t *testing.T) {
		cs := openStore(t, cfg, nil, nil)
		defer cs.Close()

		require.NoError(t, cs.Add(Delta{Key: k, Data: data}, Metadata{}))
		got, err := cs.Get(ctx, FileKey(k))
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("unflushed add is dropped on close", func(t *testing.T) {
		cs := openStore(t, cfg, nil, nil)
		_, err := cs.Get(ctx, FileKey(k))
		assert.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, cs.Close())
	})

	t.Run("flushed add survives reopen", func(t *testing.T) {
		cs := openStore(t, cfg, nil, nil)
		base := testKey("a", "1")
		require.NoError(t, cs.Add(Delta{Key: k, Base: &base, Data: data}, Metadata{}))
		paths, err := cs.Flush()
		require.NoError(t, err)
		assert.NotEmpty(t, paths)
		require.NoError(t, cs.Close())

		cs = openStore(t, cfg, nil, nil)
		defer cs.Close()
		got, err := cs.Get(ctx, FileKey(k))
		require.NoError(t, err)
		assert.Equal(t, data, got)

		missing, err := cs.GetMissing(ctx, []StoreKey{FileKey(k), FileKey(base)})
		require.NoError(t, err)
		assert.Equal(t, []StoreKey{FileKey(base)}, missing)
	})
}

func TestContentStoreTierOrder(t *testing.T) {
	cs := buildStore(t, plainConfig(t), NewObjectRemote(newMemObjects(), nil), nil)
	assert.Equal(t, []string{"shared-log", "shared-lfs", "local-log", "local-lfs", "remote"}, cs.Tiers())
}

func TestContentStoreRemote(t *testing.T) {
	ctx := context.Background()
	cfg := plainConfig(t)
	k := testKey("a", "1")
	data := []byte{1, 2, 3, 4}

	objects := newMemObjects()
	objects.put(objectName(k, FetchStored), data, 0)
	remote := NewObjectRemote(objects, nil)

	t.Run("fetches and caches in shared tier only", func(t *testing.T) {
		cs := openStore(t, cfg, remote, nil)
		got, err := cs.Get(ctx, FileKey(k))
		require.NoError(t, err)
		assert.Equal(t, data, got)

		_, err = cs.Shared().Get(ctx, FileKey(k))
		assert.NoError(t, err)
		_, err = cs.Local().Get(ctx, FileKey(k))
		assert.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, cs.Close())
	})

	t.Run("cached data outlives the remote", func(t *testing.T) {
		cs := openStore(t, cfg, nil, nil)
		defer cs.Close()
		got, err := cs.Get(ctx, FileKey(k))
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("not in remote", func(t *testing.T) {
		cs := buildStore(t, plainConfig(t), remote, nil)
		_, err := cs.Get(ctx, FileKey(testKey("b", "1")))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("prefetch skips local keys", func(t *testing.T) {
		objects := newMemObjects()
		objects.put(objectName(k, FetchStored), data, 0)
		cs := buildStore(t, plainConfig(t), NewObjectRemote(objects, nil), nil)

		local := testKey("local", "1")
		require.NoError(t, cs.Add(Delta{Key: local, Data: []byte("x")}, Metadata{}))

		missing, err := cs.Prefetch(ctx, []StoreKey{FileKey(k), FileKey(local), FileKey(testKey("gone", "1"))})
		require.NoError(t, err)
		assert.Equal(t, []StoreKey{FileKey(testKey("gone", "1"))}, missing)
		assert.Equal(t, 2, objects.gets)
	})
}

func TestContentStoreWithoutRemote(t *testing.T) {
	ctx := context.Background()
	cs := buildStore(t, plainConfig(t), nil, nil)
	keys := []StoreKey{FileKey(testKey("a", "1")), FileKey(testKey("b", "1"))}

	missing, err := cs.Prefetch(ctx, keys)
	require.NoError(t, err)
	assert.Empty(t, missing)

	notSent, err := cs.Upload(ctx, keys)
	require.NoError(t, err)
	assert.Equal(t, keys, notSent)
}

func TestContentStoreBuildErrors(t *testing.T) {
	t.Run("no local store", func(t *testing.T) {
		_, err := NewBuilder(config.StoreConfig{CachePath: t.TempDir()}).Build()
		require.Error(t, err)
		assert.True(t, tigerrors.IsKind(err, tigerrors.KindConfig))
	})

	t.Run("neither local nor shared", func(t *testing.T) {
		_, err := NewBuilder(config.StoreConfig{}).NoLocalStore().Build()
		require.Error(t, err)
		assert.True(t, tigerrors.IsKind(err, tigerrors.KindConfig))
	})

	t.Run("shared only store rejects writes", func(t *testing.T) {
		cfg := plainConfig(t)
		cs, err := NewBuilder(cfg.store).NoLocalStore().Build()
		require.NoError(t, err)
		defer cs.Close()

		err = cs.Add(Delta{Key: testKey("a", "1"), Data: []byte("x")}, Metadata{})
		assert.True(t, tigerrors.IsKind(err, tigerrors.KindConfig))
		_, err = cs.Flush()
		assert.True(t, tigerrors.IsKind(err, tigerrors.KindConfig))
	})

	t.Run("local data is not visible to a shared only store", func(t *testing.T) {
		ctx := context.Background()
		cfg := plainConfig(t)
		k := testKey("a", "2")

		cs := openStore(t, cfg, nil, nil)
		require.NoError(t, cs.Add(Delta{Key: k, Data: []byte("x")}, Metadata{}))
		_, err := cs.Flush()
		require.NoError(t, err)
		require.NoError(t, cs.Close())

		shared, err := NewBuilder(cfg.store).NoLocalStore().Build()
		require.NoError(t, err)
		defer shared.Close()
		_, err = shared.Get(ctx, FileKey(k))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestContentStoreLfsThreshold(t *testing.T) {
	ctx := context.Background()
	cfg := lfsConfig(t, "5B")
	small := testKey("small", "1")
	big := testKey("big", "1")
	smallData := []byte{1, 2, 3, 4}
	bigData := []byte{1, 2, 3, 4, 5}

	cs := openStore(t, cfg, nil, nil)
	require.NoError(t, cs.Add(Delta{Key: small, Data: smallData}, Metadata{}))
	require.NoError(t, cs.Add(Delta{Key: big, Data: bigData}, Metadata{}))
	_, err := cs.Flush()
	require.NoError(t, err)
	require.NoError(t, cs.Close())

	cs = buildStore(t, cfg, nil, nil)

	got, err := cs.Get(ctx, FileKey(small))
	require.NoError(t, err)
	assert.Equal(t, smallData, got)
	meta, err := cs.GetMeta(ctx, FileKey(small))
	require.NoError(t, err)
	assert.False(t, meta.IsLFS())

	got, err = cs.Get(ctx, FileKey(big))
	require.NoError(t, err)
	assert.Equal(t, bigData, got)
	meta, err = cs.GetMeta(ctx, FileKey(big))
	require.NoError(t, err)
	assert.True(t, meta.IsLFS())
	require.NotNil(t, meta.Size)
	assert.Equal(t, uint64(5), *meta.Size)

	blob, err := cs.Blob(ctx, ContentKey(Sha256(bigData)))
	require.NoError(t, err)
	assert.Equal(t, bigData, blob)

	cm, err := cs.ContentMetadata(ctx, FileKey(big))
	require.NoError(t, err)
	assert.Equal(t, ContentMetadata{Size: 5, IsBinary: false, Hash: Sha256(bigData)}, cm)

	_, err = cs.Blob(ctx, FileKey(small))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestContentStoreReadsLargeObjectsWithoutLfs(t *testing.T) {
	ctx := context.Background()
	objs := newMemObjects()
	big := testKey("big", "1")
	bigData := []byte("0123456789abcdef")

	writer := buildStore(t, lfsConfig(t, "8B"), NewObjectRemote(objs, nil), objs)
	require.NoError(t, writer.Add(Delta{Key: big, Data: bigData}, Metadata{}))
	_, err := writer.Flush()
	require.NoError(t, err)
	notSent, err := writer.Upload(ctx, []StoreKey{FileKey(big)})
	require.NoError(t, err)
	require.Empty(t, notSent)
	require.Equal(t, FlagLFS, objs.objects[objectName(big, FetchStored)].attrs.Flags)

	tests := []struct {
		name string
		cfg  testConfig
	}{
		{name: "lfs disabled", cfg: plainConfig(t)},
		{name: "lfs without threshold", cfg: lfsConfig(t, "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := buildStore(t, tt.cfg, NewObjectRemote(objs, nil), nil)
			data, err := cs.Get(ctx, FileKey(big))
			require.NoError(t, err)
			assert.Equal(t, bigData, data)

			// Served from the shared cache the second time.
			data, err = cs.Get(ctx, FileKey(big))
			require.NoError(t, err)
			assert.Equal(t, bigData, data)
		})
	}
}

func TestGetFileContent(t *testing.T) {
	ctx := context.Background()
	cs := buildStore(t, plainConfig(t), nil, nil)
	k := testKey("renamed", "1")
	src := &CopyFrom{Path: "orig", Node: NodeFor([]byte("orig"))}

	require.NoError(t, cs.Add(Delta{Key: k, Data: PackFileMetadata([]byte("body"), src)}, Metadata{}))

	content, err := cs.GetFileContent(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, []byte("body"), content)
}

func TestContentStorePurgeMarker(t *testing.T) {
	ctx := context.Background()
	cfg := plainConfig(t)
	k := testKey("a", "2")
	data := []byte{1, 2, 3, 4, 5}

	objects := newMemObjects()
	objects.put(objectName(k, FetchStored), data, 0)
	remote := NewObjectRemote(objects, nil)
	now := time.Now()

	populate := func() {
		cs := openStore(t, cfg, remote, nil)
		_, err := cs.Get(ctx, FileKey(k))
		require.NoError(t, err)
		require.NoError(t, cs.Close())
	}
	cached := func() bool {
		cs, err := NewBuilder(cfg.store).LocalPath(cfg.local).Clock(func() time.Time { return now }).Build()
		require.NoError(t, err)
		defer cs.Close()
		_, err = cs.Get(ctx, FileKey(k))
		return err == nil
	}

	populate()
	require.True(t, cached())

	cfg.store.CachePurge = map[string]string{"marker": now.Add(-24 * time.Hour).UTC().Format(time.RFC3339)}
	assert.True(t, cached(), "a past cutoff must not purge")

	cfg.store.CachePurge = map[string]string{"marker": now.Add(24 * time.Hour).UTC().Format(time.RFC3339)}
	assert.False(t, cached(), "a future cutoff purges on open")

	populate()
	assert.True(t, cached(), "a marker purges only once")
}

func TestCheckCacheBuster(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	purges := map[string]string{"m1": "2024-05-02"}

	assert.True(t, CheckCacheBuster(purges, dir, now, nil))
	assert.False(t, CheckCacheBuster(purges, dir, now, nil))

	purges["m1"] = "2024-05-03 00:00:00"
	assert.True(t, CheckCacheBuster(purges, dir, now, nil))

	assert.False(t, CheckCacheBuster(map[string]string{"m2": "not a date"}, dir, now, nil))
}
