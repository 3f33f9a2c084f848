// Package fsmonitor reconciles a filesystem watcher's report with the tree
// state to produce the working copy's pending changes.
package fsmonitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"tigscm/internal/config"
	"tigscm/internal/detector"
	tigerrors "tigscm/internal/errors"
	"tigscm/internal/logging"
	"tigscm/internal/matcher"
	"tigscm/internal/progress"
	"tigscm/internal/repolock"
	"tigscm/internal/repopath"
	"tigscm/internal/treestate"
	"tigscm/internal/vfs"
	"tigscm/internal/watcher"
)

const (
	connectAttemptTimeout = time.Second
	connectInterval       = time.Second
	crawlPollInterval     = 100 * time.Millisecond
)

// WorkingCopy is the filesystem view reconciliation needs; *vfs.VFS
// implements it.
type WorkingCopy interface {
	detector.FileReader
	Root() string
	CaseSensitive() bool
}

type Options struct {
	FS        WorkingCopy
	TreeState *treestate.TreeState
	Manifest  detector.Manifest
	Content   detector.ContentReader
	Locker    *repolock.Locker
	Connector watcher.Connector
	FSMonitor config.FSMonitorConfig
	Workers   config.WorkingCopyConfig
	Progress  *progress.Registry
	// Warnings receives user-facing advisories. Nil discards them.
	Warnings io.Writer
	Logger   *zap.Logger
}

// FileSystem owns one session's watcher connection, made on first use and
// reused until Close.
type FileSystem struct {
	opts    Options
	refresh detector.RefreshPolicy
	logger  *zap.Logger

	mu     sync.Mutex
	client watcher.Client
}

func New(opts Options) (*FileSystem, error) {
	if opts.FS == nil || opts.TreeState == nil || opts.Manifest == nil || opts.Content == nil {
		return nil, tigerrors.ConfigError("fsmonitor needs a working copy, tree state, manifest and content reader")
	}
	if opts.Connector == nil || opts.Locker == nil {
		return nil, tigerrors.ConfigError("fsmonitor needs a watcher connector and repository lock")
	}
	refresh, err := detector.ParseRefreshPolicy(opts.Workers.RefreshMtime)
	if err != nil {
		return nil, tigerrors.ConfigError(err.Error())
	}
	if opts.Warnings == nil {
		opts.Warnings = io.Discard
	}
	return &FileSystem{
		opts:    opts,
		refresh: refresh,
		logger:  logging.OrNop(opts.Logger).With(zap.String("root", opts.FS.Root())),
	}, nil
}

// Close drops the watcher connection.
func (f *FileSystem) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client == nil {
		return nil
	}
	err := f.client.Close()
	f.client = nil
	return err
}

func (f *FileSystem) connect(ctx context.Context) (watcher.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		return f.client, nil
	}

	// Connecting is bounded by the same timeout as the query.
	if timeout := f.opts.FSMonitor.Timeout.Duration; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	client, err := watcher.ConnectWithRetry(ctx, f.opts.Connector, connectAttemptTimeout, connectInterval, f.logger)
	if err != nil {
		return nil, err
	}
	f.client = client
	return client, nil
}

// dropClient forgets a connection that failed, so the next call reconnects.
func (f *FileSystem) dropClient(client watcher.Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client == client {
		f.client.Close()
		f.client = nil
	}
}

func (f *FileSystem) query(ctx context.Context, since *string) (watcher.QueryResult, error) {
	client, err := f.connect(ctx)
	if err != nil {
		return watcher.QueryResult{}, err
	}

	// Blocks until any initial crawl is done; crawlProgress reports on it.
	root, err := client.ResolveRoot(ctx, f.opts.FS.Root())
	if err != nil {
		f.dropClient(client)
		return watcher.QueryResult{}, fmt.Errorf("resolving watch root: %w", err)
	}

	bar := f.opts.Progress.Register("querying watcher", 0, "")
	defer bar.Close()

	start := time.Now()
	result, err := client.Query(ctx, root, watcher.QueryRequest{
		Since:       since,
		ExcludeDirs: f.opts.FSMonitor.ExcludeDirs,
		SyncTimeout: f.opts.FSMonitor.Timeout.Duration,
	})
	if err != nil {
		f.dropClient(client)
		return watcher.QueryResult{}, fmt.Errorf("querying watcher: %w", err)
	}
	f.logger.Debug("watcher answered",
		zap.Duration("duration", time.Since(start)),
		zap.Bool("fresh_instance", result.IsFreshInstance),
		zap.Int("files", len(result.Files)))
	return result, nil
}

// crawlProgress mirrors the watcher's crawl in a progress bar until ctx is
// cancelled or the crawl ends. Failures are only logged.
func (f *FileSystem) crawlProgress(ctx context.Context, approxFiles int) {
	client, err := f.connect(ctx)
	if err != nil {
		return
	}
	// Resolving would wait out the crawl being watched.
	root := watcher.Root{Path: f.opts.FS.Root()}

	var bar *progress.Bar
	defer func() { bar.Close() }()

	ticker := time.NewTicker(crawlPollInterval)
	defer ticker.Stop()
	for {
		st, err := client.RootStatus(ctx, root)
		switch {
		case errors.Is(err, watcher.ErrUnknownRoot):
			// Not registered yet.
		case err != nil:
			if ctx.Err() == nil {
				f.logger.Debug("watcher root status failed", zap.Error(err))
			}
			return
		case st.Crawling:
			if bar == nil {
				bar = f.opts.Progress.Register("crawling", int64(approxFiles), "files (approx)")
			}
			bar.SetPosition(int64(st.CrawledFiles))
		case bar != nil:
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PendingChanges runs one reconciliation cycle. The tree state is locked for
// the whole cycle; its updates are flushed under the repository lock, records
// before the new clock. On failure nothing is persisted.
func (f *FileSystem) PendingChanges(ctx context.Context, m, ignore matcher.Matcher, lastWrite time.Time) (results []PendingResult, err error) {
	ts := f.opts.TreeState
	ts.Lock()
	defer ts.Unlock()

	defer func() {
		if err == nil {
			return
		}
		if derr := ts.Discard(); derr != nil {
			f.logger.Error("discarding tree state changes", zap.Error(derr))
		}
	}()

	cfg := f.opts.FSMonitor
	var since *string
	if clock, ok := ts.Clock(); ok {
		since = &clock
	}
	prevClock := since

	if ts.MigrateTrackIgnored(cfg.TrackIgnored) {
		// Dropping the clock makes the watcher re-crawl and report a fresh
		// instance.
		since = nil
		f.logger.Info("migrating track-ignored", zap.Bool("track_ignored", cfg.TrackIgnored))
	}

	crawlCtx, stopCrawl := context.WithCancel(ctx)
	crawlDone := make(chan struct{})
	go func() {
		defer close(crawlDone)
		f.crawlProgress(crawlCtx, ts.Len())
	}()

	result, err := f.query(ctx, since)
	stopCrawl()
	<-crawlDone
	if err != nil {
		return nil, err
	}

	if result.IsFreshInstance && cfg.WarnFreshInstance {
		f.warnFreshInstance(prevClock, result.Clock)
	}

	threshold := cfg.ChangedFileThreshold
	if threshold <= 0 {
		threshold = 200
	}
	shouldUpdateClock := result.IsFreshInstance || len(result.Files) > threshold

	var pathErrors []PendingResult
	watched := make([]detector.Candidate, 0, len(result.Files))
	useMeta := cfg.WatcherMetadata()
	for _, file := range result.Files {
		path, err := repopath.Parse(file.Name)
		if err != nil {
			pathErrors = append(pathErrors, PendingResult{Err: tigerrors.PerItem("watcher path", string(file.Name), err)})
			continue
		}

		c := detector.Candidate{Path: path}
		switch {
		case !file.Exists:
			// The watcher's "gone" outranks a stat, which can see through a
			// symlink that replaced a parent directory.
			c.FSMeta = &detector.Observed{Missing: true}
		case useMeta:
			c.FSMeta = &detector.Observed{Meta: vfs.Metadata{Mode: file.Mode, Size: file.Size, Mtime: file.Mtime}}
		}
		watched = append(watched, c)
	}

	if cfg.TrackIgnored {
		// Nothing is ignored structurally; m still applies to the
		// persisted need-check set.
		ignore = matcher.Never()
	}

	det := detector.New(ctx, detector.Options{
		Workers:   f.opts.Workers.WorkerCount,
		FS:        f.opts.FS,
		Manifest:  f.opts.Manifest,
		Content:   f.opts.Content,
		LastWrite: lastWrite,
		Refresh:   f.refresh,
		Progress:  f.opts.Progress,
		Logger:    f.logger,
	})
	pending, err := DetectChanges(m, ignore, det, ts, watched, result.IsFreshInstance, f.opts.FS.CaseSensitive(), f.logger)
	if err != nil {
		return nil, err
	}

	// The caller decides what to do about paths the watcher mangled.
	pending.Results = append(pending.Results, pathErrors...)

	wrote, err := pending.UpdateTreeState(ts, f.opts.Progress)
	if err != nil {
		return nil, tigerrors.Fatal("recording need-check flags", err)
	}
	if wrote || shouldUpdateClock {
		ts.SetClock(result.Clock)
	}

	if err := f.flush(); err != nil {
		return nil, err
	}
	return pending.Results, nil
}

// flush persists the tree state under the repository lock, if anything
// changed.
func (f *FileSystem) flush() error {
	ts := f.opts.TreeState
	if !ts.Dirty() {
		return nil
	}

	guard, err := f.opts.Locker.Acquire()
	if err != nil {
		return tigerrors.Fatal("locking repository to write tree state", err)
	}
	defer func() {
		if err := guard.Release(); err != nil {
			f.logger.Warn("releasing repository lock", zap.Error(err))
		}
	}()

	if err := ts.Flush(); err != nil {
		return tigerrors.Fatal("writing tree state", err)
	}
	return nil
}

func (f *FileSystem) warnFreshInstance(prevClock *string, newClock string) {
	var oldPID, newPID int
	var hasOld, hasNew bool
	if prevClock != nil {
		oldPID, hasOld = watcher.ParsePID(*prevClock)
	}
	newPID, hasNew = watcher.ParsePID(newClock)

	w := f.opts.Warnings
	switch {
	case hasOld && hasNew && oldPID != newPID:
		fmt.Fprintf(w, "warning: watcher has recently restarted (old pid %d, new pid %d) - operation will be slower than usual\n", oldPID, newPID)
	case !hasOld && hasNew:
		fmt.Fprintf(w, "warning: watcher has recently started (pid %d) - operation will be slower than usual\n", newPID)
	default:
		fmt.Fprintln(w, "warning: watcher failed to catch up with file change events and requires a full scan - operation will be slower than usual")
	}
}
