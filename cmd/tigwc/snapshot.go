package main

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"tigscm/internal/detector"
	"tigscm/internal/matcher"
	"tigscm/internal/revstore"
	"tigscm/internal/treestate"
)

type snapshotStats struct {
	Files   int
	Removed int
	Bytes   uint64
	Packs   []string
}

// snapshot records every non-ignored file as the new parent revision: its
// content goes to the local store, its node to the manifest and its stat
// data to the tree state.
func (ws *workspace) snapshot() (*snapshotStats, error) {
	ws.ts.Lock()
	defer ws.ts.Unlock()

	ignore := matcher.DefaultIgnore()
	entries := make(map[string]*detector.ManifestEntry)
	stats := &snapshotStats{}
	started := time.Now()

	bar := ws.progress.Register("snapshotting", 0, "files")
	defer bar.Close()

	err := filepath.WalkDir(ws.root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(ws.root, full)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if ignored, _ := ignore.MatchesFile(rel); ignored {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		meta, err := ws.fs.Lstat(rel)
		if err != nil {
			return fmt.Errorf("stat %s: %w", rel, err)
		}
		if !meta.IsRegular() && !meta.IsSymlink() {
			return nil
		}
		data, err := ws.fs.Read(rel)
		if err != nil {
			return fmt.Errorf("reading %s: %w", rel, err)
		}

		key := revstore.Key{Path: rel, Node: revstore.NodeFor(data)}
		size := uint64(len(data))
		if err := ws.store.Add(revstore.Delta{Key: key, Data: data}, revstore.Metadata{Size: &size}); err != nil {
			return fmt.Errorf("storing %s: %w", rel, err)
		}
		entries[rel] = &detector.ManifestEntry{Key: key, Size: int64(size), Type: detector.TypeOf(meta)}

		if err := ws.ts.Insert(rel, treestate.FileState{
			Flags: treestate.ExistP1 | treestate.ExistNext,
			Mode:  meta.Mode,
			Size:  int64(meta.Size),
			Mtime: meta.Mtime.UnixNano(),
		}); err != nil {
			return err
		}

		stats.Files++
		stats.Bytes += size
		bar.IncreasePosition(1)
		return nil
	})
	if err != nil {
		ws.discard()
		return nil, fmt.Errorf("walking working copy: %w", err)
	}

	for _, path := range ws.ts.Paths() {
		if _, ok := entries[path]; ok {
			continue
		}
		ws.ts.Remove(path)
		entries[path] = nil
		stats.Removed++
	}

	stamp := strconv.FormatInt(started.UnixNano(), 10)
	ws.ts.UpdateMetadata(map[string]*string{snapshotTimeKey: &stamp})

	guard, err := ws.locker.Acquire()
	if err != nil {
		ws.discard()
		return nil, err
	}
	defer func() {
		if err := guard.Release(); err != nil {
			ws.logger.Warn("releasing repository lock", zap.Error(err))
		}
	}()

	// Content first, so no manifest entry ever points at missing data.
	stats.Packs, err = ws.store.Flush()
	if err != nil {
		ws.discard()
		return nil, fmt.Errorf("flushing content store: %w", err)
	}
	if err := ws.manifest.Set(entries); err != nil {
		ws.discard()
		return nil, err
	}
	if err := ws.ts.Flush(); err != nil {
		return nil, fmt.Errorf("writing tree state: %w", err)
	}
	return stats, nil
}

func (ws *workspace) discard() {
	if err := ws.ts.Discard(); err != nil {
		ws.logger.Error("discarding tree state changes", zap.Error(err))
	}
}
