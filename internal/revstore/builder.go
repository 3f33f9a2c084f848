package revstore

import (
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"tigscm/internal/config"
	tigerrors "tigscm/internal/errors"
	"tigscm/internal/logging"
)

const (
	logDirName = "log"
	lfsDirName = "lfs"
)

// Builder assembles a ContentStore from configuration. Stores passed in with
// the Shared*/Local* setters are used as-is and not closed by the result.
type Builder struct {
	cfg          config.StoreConfig
	localPath    string
	noLocalStore bool
	suffix       string
	remote       RemoteStore
	lfsClient    ObjectClient
	sharedLog    *LogStore
	localLog     *LogStore
	sharedLfs    *LfsStore
	localLfs     *LfsStore
	logger       *zap.Logger
	now          func() time.Time
}

func NewBuilder(cfg config.StoreConfig) *Builder {
	return &Builder{cfg: cfg, now: time.Now}
}

func (b *Builder) LocalPath(path string) *Builder {
	b.localPath = path
	return b
}

// NoLocalStore allows building without a local tier. Such a store is
// read-only.
func (b *Builder) NoLocalStore() *Builder {
	b.noLocalStore = true
	return b
}

func (b *Builder) RemoteStore(r RemoteStore) *Builder {
	b.remote = r
	return b
}

// LfsRemote sets the client large-object blobs are fetched from.
func (b *Builder) LfsRemote(c ObjectClient) *Builder {
	b.lfsClient = c
	return b
}

// Suffix places every tier in a subdirectory, for stores of other kinds.
func (b *Builder) Suffix(s string) *Builder {
	b.suffix = s
	return b
}

func (b *Builder) SharedLog(s *LogStore) *Builder {
	b.sharedLog = s
	return b
}

func (b *Builder) LocalLog(s *LogStore) *Builder {
	b.localLog = s
	return b
}

func (b *Builder) SharedLfs(s *LfsStore) *Builder {
	b.sharedLfs = s
	return b
}

func (b *Builder) LocalLfs(s *LfsStore) *Builder {
	b.localLfs = s
	return b
}

func (b *Builder) Logger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// Clock overrides the time used for cache purge markers.
func (b *Builder) Clock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) logOptions(kind StoreKind) LogStoreOptions {
	return LogStoreOptions{Kind: kind, CacheSize: b.cfg.CacheSize, Logger: b.logger}
}

func (b *Builder) Build() (_ *ContentStore, err error) {
	logger := logging.OrNop(b.logger)

	threshold, useThreshold, err := b.cfg.Threshold()
	if err != nil {
		return nil, tigerrors.ConfigError(err.Error())
	}

	cs := &ContentStore{
		datastore: NewUnionStore(logger),
		blobs:     &UnionContentStore{},
		logger:    logger,
	}
	defer func() {
		if err != nil {
			cs.closeAll()
		}
	}()

	var cachePath string
	if b.cfg.CachePath != "" {
		cachePath = filepath.Join(b.cfg.CachePath, b.suffix)
		CheckCacheBuster(b.cfg.CachePurge, cachePath, b.now(), logger)
	}

	// Shared tiers come first: most reads are served by the cache.
	sharedLog := b.sharedLog
	if sharedLog == nil && cachePath != "" {
		sharedLog, err = OpenLogStore(filepath.Join(cachePath, logDirName), b.logOptions(Rotated))
		if err != nil {
			return nil, fmt.Errorf("opening shared log store: %w", err)
		}
		cs.closers = append(cs.closers, sharedLog.Close)
	}
	if sharedLog != nil {
		cs.datastore.Add("shared-log", sharedLog)
	}

	sharedLfs := b.sharedLfs
	if sharedLfs == nil && cachePath != "" {
		sharedLfs, err = OpenLfsStore(filepath.Join(cachePath, lfsDirName), Rotated, logger)
		if err != nil {
			return nil, fmt.Errorf("opening shared lfs store: %w", err)
		}
		cs.closers = append(cs.closers, sharedLfs.Close)
	}
	if sharedLfs != nil {
		cs.datastore.Add("shared-lfs", sharedLfs)
		cs.blobs.Add(sharedLfs)
	}

	switch {
	case useThreshold && sharedLog != nil && sharedLfs != nil:
		cs.shared = NewLfsMultiplexer(sharedLfs, sharedLog, threshold)
	case sharedLog != nil:
		cs.shared = sharedLog
	}

	var localLfs *LfsStore
	if b.localPath != "" {
		localBase := filepath.Join(b.localPath, b.suffix)

		localLog := b.localLog
		if localLog == nil {
			localLog, err = OpenLogStore(filepath.Join(localBase, logDirName), b.logOptions(Permanent))
			if err != nil {
				return nil, fmt.Errorf("opening local log store: %w", err)
			}
			cs.closers = append(cs.closers, localLog.Close)
		}
		cs.datastore.Add("local-log", localLog)

		localLfs = b.localLfs
		if localLfs == nil {
			localLfs, err = OpenLfsStore(filepath.Join(localBase, lfsDirName), Permanent, logger)
			if err != nil {
				return nil, fmt.Errorf("opening local lfs store: %w", err)
			}
			cs.closers = append(cs.closers, localLfs.Close)
		}
		cs.datastore.Add("local-lfs", localLfs)
		cs.blobs.Add(localLfs)

		if useThreshold {
			cs.local = NewLfsMultiplexer(localLfs, localLog, threshold)
		} else {
			cs.local = localLog
		}
	} else if !b.noLocalStore {
		return nil, tigerrors.ConfigError("a content store cannot be built without a local store")
	}

	if cs.shared == nil {
		if cs.local == nil {
			return nil, tigerrors.ConfigError("a content store requires at least one of a local or shared store")
		}
		cs.shared = cs.local
	}

	if b.remote != nil {
		remotes := NewUnionRemoteStore(logger)

		var local DataStore
		if cs.local != nil {
			local = cs.local
		}
		remotes.AddRemote("remote", b.remote.DataStore(cs.shared, local))

		if b.cfg.LFS {
			if sharedLfs != nil && b.lfsClient != nil {
				remotes.AddRemote("lfs-remote", NewLfsRemote(sharedLfs, localLfs, b.lfsClient, logger))
			}
			if ff, ok := b.remote.(FullFetcher); ok {
				remotes.AddRemote("lfs-fallback", NewLfsFallback(ff, cs.shared, logger))
			}
		}

		cs.datastore.Add("remote", remotes)
		cs.remote = remotes
	}

	logger.Debug("built content store", zap.Strings("tiers", cs.datastore.Tiers()))
	return cs, nil
}

func (cs *ContentStore) closeAll() {
	for i := len(cs.closers) - 1; i >= 0; i-- {
		_ = cs.closers[i]()
	}
	cs.closers = nil
}
