package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tigscm/internal/detector"
	"tigscm/internal/fsmonitor"
	"tigscm/internal/watcher"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func byPath(results []fsmonitor.PendingResult) map[string]detector.Kind {
	out := make(map[string]detector.Kind, len(results))
	for _, r := range results {
		out[r.Path] = r.Kind
	}
	return out
}

func TestSnapshotThenStatus(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, stateDirName), 0755))
	writeFile(t, root, "main.go", "package main\n")
	writeFile(t, root, "docs/readme.md", "hello\n")
	writeFile(t, root, "node_modules/dep/index.js", "ignored\n")

	ctx := context.Background()
	ws, err := openWorkspace(ctx, filepath.Join(root, "docs"), zap.NewNop())
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, root, ws.root)

	stats, err := ws.snapshot()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)
	assert.Zero(t, stats.Removed)

	entry, ok, err := ws.manifest.Lookup("main.go")
	require.NoError(t, err)
	require.True(t, ok)
	data, err := ws.store.GetFileContent(ctx, entry.Key)
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))

	_, ok, err = ws.manifest.Lookup("node_modules/dep/index.js")
	require.NoError(t, err)
	assert.False(t, ok)

	svc := watcher.NewLocalService(watcher.LocalServiceOptions{})
	defer svc.Close()
	mon, err := ws.monitor(svc)
	require.NoError(t, err)
	defer mon.Close()

	results, err := pendingChanges(ctx, ws, mon)
	require.NoError(t, err)
	assert.Empty(t, results)

	writeFile(t, root, "main.go", "package main\n\nfunc main() {}\n")
	writeFile(t, root, "new.txt", "untracked\n")
	require.NoError(t, os.Remove(filepath.Join(root, "docs", "readme.md")))

	results, err = pendingChanges(ctx, ws, mon)
	require.NoError(t, err)
	got := byPath(results)
	assert.Equal(t, detector.Changed, got["main.go"])
	assert.Equal(t, detector.Changed, got["new.txt"])
	assert.Equal(t, detector.Deleted, got["docs/readme.md"])
	assert.Len(t, got, 3)

	t.Run("snapshot drops deleted files", func(t *testing.T) {
		stats, err := ws.snapshot()
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Files)
		assert.Equal(t, 1, stats.Removed)

		_, ok, err := ws.manifest.Lookup("docs/readme.md")
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = ws.manifest.Lookup("new.txt")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestFindRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, stateDirName), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0755))

	got, err := findRoot(filepath.Join(root, "a", "b"))
	require.NoError(t, err)
	assert.Equal(t, root, got)

	_, err = findRoot(t.TempDir())
	assert.Error(t, err)
}

func TestSnapshotFileTypes(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "plain", "x")
	writeFile(t, root, "tool", "#!/bin/sh")
	require.NoError(t, os.Chmod(filepath.Join(root, "tool"), 0755))
	require.NoError(t, os.Symlink("plain", filepath.Join(root, "link")))

	ctx := context.Background()
	require.NoError(t, os.Mkdir(filepath.Join(root, stateDirName), 0755))
	ws, err := openWorkspace(ctx, root, zap.NewNop())
	require.NoError(t, err)
	defer ws.Close()

	for path, want := range map[string]detector.FileType{
		"plain": detector.Regular,
		"tool":  detector.Executable,
		"link":  detector.Symlink,
	} {
		meta, err := ws.fs.Lstat(path)
		require.NoError(t, err)
		assert.Equal(t, want, detector.TypeOf(meta), path)
	}

	_, err = ws.snapshot()
	require.NoError(t, err)
	for path, want := range map[string]detector.FileType{
		"plain": detector.Regular,
		"tool":  detector.Executable,
		"link":  detector.Symlink,
	} {
		entry, ok, err := ws.manifest.Lookup(path)
		require.NoError(t, err)
		require.True(t, ok, path)
		assert.Equal(t, want, entry.Type, path)
	}
}
