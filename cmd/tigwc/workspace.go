package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"tigscm/internal/config"
	"tigscm/internal/fsmonitor"
	"tigscm/internal/manifest"
	"tigscm/internal/progress"
	"tigscm/internal/repolock"
	"tigscm/internal/revstore"
	"tigscm/internal/storage"
	"tigscm/internal/treestate"
	"tigscm/internal/vfs"
	"tigscm/internal/watcher"
)

const (
	stateDirName    = ".tig"
	snapshotTimeKey = "snapshot-time"
)

// workspace bundles everything one command needs about a working copy.
type workspace struct {
	root     string
	cfg      *config.Config
	fs       *vfs.VFS
	db       *badger.DB
	ts       *treestate.TreeState
	manifest *manifest.Store
	store    *revstore.ContentStore
	locker   *repolock.Locker
	progress *progress.Registry
	logger   *zap.Logger
}

func findRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", start, err)
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, stateDirName)); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s directory found above %s", stateDirName, start)
		}
		dir = parent
	}
}

// loadConfig reads .tig/config.yaml when present.
func loadConfig(stateDir string) (*config.Config, error) {
	path := filepath.Join(stateDir, "config.yaml")
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}

func openWorkspace(ctx context.Context, dir string, logger *zap.Logger) (_ *workspace, err error) {
	root, err := findRoot(dir)
	if err != nil {
		return nil, err
	}
	stateDir := filepath.Join(root, stateDirName)

	cfg, err := loadConfig(stateDir)
	if err != nil {
		return nil, err
	}

	fs, err := vfs.New(root)
	if err != nil {
		return nil, fmt.Errorf("opening working copy: %w", err)
	}

	ws := &workspace{
		root:     root,
		cfg:      cfg,
		fs:       fs,
		locker:   repolock.New(stateDir, logger),
		progress: progress.NewRegistry(logger),
		logger:   logger.With(zap.String("root", root)),
	}
	defer func() {
		if err != nil {
			ws.Close()
		}
	}()

	ws.db, err = storage.OpenBadger(filepath.Join(stateDir, "state"))
	if err != nil {
		return nil, err
	}
	ws.ts, err = treestate.Open(storage.NewBadgerKV(ws.db, "treestate"), fs.CaseSensitive(), ws.logger)
	if err != nil {
		return nil, fmt.Errorf("opening tree state: %w", err)
	}
	ws.manifest = manifest.New(storage.NewBadgerKV(ws.db, "manifest"))

	builder := revstore.NewBuilder(cfg.Store).
		LocalPath(filepath.Join(stateDir, "store")).
		Logger(ws.logger)
	if cfg.Store.Remote != nil {
		client, err := revstore.NewS3Client(ctx, *cfg.Store.Remote, ws.logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to remote store: %w", err)
		}
		builder.RemoteStore(revstore.NewObjectRemote(client, ws.logger))
	}
	if cfg.Store.LFSRemote != nil {
		client, err := revstore.NewS3Client(ctx, *cfg.Store.LFSRemote, ws.logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to large-object remote: %w", err)
		}
		builder.LfsRemote(client)
	}
	ws.store, err = builder.Build()
	if err != nil {
		return nil, fmt.Errorf("opening content store: %w", err)
	}
	return ws, nil
}

func (ws *workspace) Close() {
	if ws.store != nil {
		if err := ws.store.Close(); err != nil {
			ws.logger.Warn("closing content store", zap.Error(err))
		}
	}
	if ws.db != nil {
		if err := ws.db.Close(); err != nil {
			ws.logger.Warn("closing state database", zap.Error(err))
		}
	}
}

// monitor builds a reconciler over the working copy using connector.
func (ws *workspace) monitor(connector watcher.Connector) (*fsmonitor.FileSystem, error) {
	return fsmonitor.New(fsmonitor.Options{
		FS:        ws.fs,
		TreeState: ws.ts,
		Manifest:  ws.manifest,
		Content:   ws.store,
		Locker:    ws.locker,
		Connector: connector,
		FSMonitor: ws.cfg.FSMonitor,
		Workers:   ws.cfg.WorkingCopy,
		Progress:  ws.progress,
		Warnings:  os.Stderr,
		Logger:    ws.logger,
	})
}

// lastSnapshot is when the tree state was last written by a snapshot.
// Files modified in that same tick cannot be trusted by stat alone.
func (ws *workspace) lastSnapshot() time.Time {
	v, ok := ws.ts.Metadata()[snapshotTimeKey]
	if !ok {
		return time.Time{}
	}
	ns, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
