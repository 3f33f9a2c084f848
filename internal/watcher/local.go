package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tigscm/internal/logging"
	"tigscm/internal/matcher"
	"tigscm/internal/metrics"
	"tigscm/internal/vfs"
)

// cookiePrefix names the files a query drops into the root to find out when
// the event stream has caught up.
const cookiePrefix = ".tigwatch-cookie-"

// LocalServiceOptions configures a LocalService.
type LocalServiceOptions struct {
	// SkipDirs are directory names never watched or reported.
	SkipDirs []string
	Logger   *zap.Logger
}

// LocalService watches roots in-process with fsnotify. Clock tokens look like
// c:<start>:<pid>:<instance>:<seq>; a token minted by another instance is not
// honored and the query answers with a full crawl.
type LocalService struct {
	instance string
	pid      int
	started  time.Time
	skip     *matcher.DirNamesMatcher
	logger   *zap.Logger

	mu     sync.Mutex
	roots  map[string]*watchedRoot
	closed bool
}

func NewLocalService(opts LocalServiceOptions) *LocalService {
	skip := opts.SkipDirs
	if skip == nil {
		skip = []string{".git", ".tig"}
	}
	return &LocalService{
		instance: uuid.NewString(),
		pid:      os.Getpid(),
		started:  time.Now(),
		skip:     matcher.DirNames(skip...),
		logger:   logging.OrNop(opts.Logger),
		roots:    make(map[string]*watchedRoot),
	}
}

// Connect implements Connector. Clients share the service's roots.
func (s *LocalService) Connect(ctx context.Context) (Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("local watcher is shut down")
	}
	return &localClient{svc: s}, nil
}

// Close stops watching every root.
func (s *LocalService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	var errs []error
	for path, r := range s.roots {
		if err := r.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing watcher for %s: %w", path, err))
		}
	}
	s.roots = map[string]*watchedRoot{}
	return errors.Join(errs...)
}

func (s *LocalService) clock(seq uint64) string {
	return fmt.Sprintf("c:%d:%d:%s:%d", s.started.Unix(), s.pid, s.instance, seq)
}

// sinceSeq returns the sequence number of a token minted by this instance.
func (s *LocalService) sinceSeq(clock string) (uint64, bool) {
	fields := strings.Split(clock, ":")
	if len(fields) != 5 || fields[0] != "c" {
		return 0, false
	}
	if fields[2] != strconv.Itoa(s.pid) || fields[3] != s.instance {
		return 0, false
	}
	seq, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func (s *LocalService) resolve(ctx context.Context, path string) (*watchedRoot, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving root %s: %w", path, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("local watcher is shut down")
	}
	r, ok := s.roots[abs]
	if !ok {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("creating file watcher: %w", err)
		}
		r = &watchedRoot{
			path:    abs,
			svc:     s,
			watcher: w,
			ready:   make(chan struct{}),
			changes: make(map[string]uint64),
			known:   make(map[string]struct{}),
			cookies: make(map[string]chan struct{}),
			logger:  s.logger.With(zap.String("root", abs)),
		}
		s.roots[abs] = r
		go r.watchLoop()
		go r.initialize()
	}
	s.mu.Unlock()

	select {
	case <-r.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.initErr != nil {
		return nil, r.initErr
	}
	return r, nil
}

func (s *LocalService) lookup(root Root) (*watchedRoot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roots[root.Path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoot, root.Path)
	}
	return r, nil
}

type localClient struct {
	svc *LocalService
}

func (c *localClient) ResolveRoot(ctx context.Context, path string) (Root, error) {
	r, err := c.svc.resolve(ctx, path)
	if err != nil {
		return Root{}, err
	}
	return Root{Path: r.path}, nil
}

func (c *localClient) Query(ctx context.Context, root Root, req QueryRequest) (QueryResult, error) {
	start := time.Now()
	r, err := c.svc.lookup(root)
	if err != nil {
		return QueryResult{}, err
	}
	if err := r.sync(ctx, req.SyncTimeout); err != nil {
		return QueryResult{}, err
	}

	exclude := matcher.DirNames(req.ExcludeDirs...)

	var since uint64
	fresh := true
	if req.Since != nil {
		since, fresh = c.svc.sinceSeq(*req.Since)
		fresh = !fresh
	}

	r.mu.Lock()
	seq := r.seq
	if !fresh && (since > seq || since < r.resetSeq) {
		fresh = true
	}
	r.mu.Unlock()

	var files []File
	if fresh {
		files, err = r.crawl(ctx, exclude)
	} else {
		files, err = r.changedSince(since, exclude)
	}
	if err != nil {
		return QueryResult{}, err
	}

	metrics.RecordWatcherQuery(time.Since(start), fresh)
	r.logger.Debug("watcher query",
		zap.Bool("fresh_instance", fresh),
		zap.Int("files", len(files)),
		zap.Duration("duration", time.Since(start)))

	return QueryResult{Files: files, Clock: c.svc.clock(seq), IsFreshInstance: fresh}, nil
}

func (c *localClient) RootStatus(ctx context.Context, root Root) (RootStatus, error) {
	r, err := c.svc.lookup(root)
	if err != nil {
		return RootStatus{}, err
	}
	return RootStatus{Crawling: r.crawling.Load(), CrawledFiles: r.crawled.Load()}, nil
}

// Close is a no-op; the service owns the watches.
func (c *localClient) Close() error {
	return nil
}

type watchedRoot struct {
	path    string
	svc     *LocalService
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	ready   chan struct{}
	initErr error

	crawling atomic.Bool
	crawled  atomic.Uint64

	mu      sync.Mutex
	seq     uint64
	changes map[string]uint64
	known   map[string]struct{}
	// resetSeq is the sequence at the last event overflow. Tokens older than
	// it cannot be answered incrementally.
	resetSeq uint64
	cookies  map[string]chan struct{}
}

func (r *watchedRoot) rel(name string) (string, bool) {
	rel, err := filepath.Rel(r.path, name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (r *watchedRoot) skipped(rel string) bool {
	skip, _ := r.svc.skip.MatchesFile(rel)
	return skip
}

// initialize adds a watch for every directory under the root.
func (r *watchedRoot) initialize() {
	defer close(r.ready)
	r.crawling.Store(true)
	defer r.crawling.Store(false)
	r.crawled.Store(0)

	err := r.addTree(r.path, false)
	if err != nil {
		r.initErr = fmt.Errorf("watching %s: %w", r.path, err)
		r.logger.Error("initial crawl failed", zap.Error(err))
		return
	}
	r.logger.Info("watching root", zap.Uint64("files", r.crawled.Load()))
}

// addTree watches dir and everything below it. With record set, files found
// are recorded as changed, which covers a directory moved into the tree.
func (r *watchedRoot) addTree(dir string, record bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path != dir && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}

		rel, ok := r.rel(path)
		if ok && r.skipped(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if err := r.watcher.Add(path); err != nil {
				return fmt.Errorf("adding directory to watcher: %w", err)
			}
			return nil
		}
		if !ok {
			return nil
		}

		if !record {
			r.crawled.Add(1)
		}
		r.mu.Lock()
		r.known[rel] = struct{}{}
		if record {
			r.seq++
			r.changes[rel] = r.seq
		}
		r.mu.Unlock()
		return nil
	})
}

func (r *watchedRoot) watchLoop() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.handleEvent(event)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				r.mu.Lock()
				r.seq++
				r.resetSeq = r.seq
				r.mu.Unlock()
				r.logger.Warn("watcher dropped events, next query will re-crawl")
				continue
			}
			r.logger.Error("watcher error", zap.Error(err))
		}
	}
}

func (r *watchedRoot) handleEvent(event fsnotify.Event) {
	rel, ok := r.rel(event.Name)
	if !ok {
		return
	}

	if base := filepath.Base(event.Name); strings.HasPrefix(base, cookiePrefix) {
		if event.Has(fsnotify.Create) && filepath.Dir(event.Name) == r.path {
			r.mu.Lock()
			if ch, ok := r.cookies[base]; ok {
				close(ch)
				delete(r.cookies, base)
			}
			r.mu.Unlock()
		}
		return
	}

	if r.skipped(rel) {
		return
	}

	switch {
	case event.Has(fsnotify.Create):
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if err := r.addTree(event.Name, true); err != nil {
				r.logger.Error("adding new directory to watcher", zap.String("path", rel), zap.Error(err))
			}
		}
		r.record(rel, false)

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// Children of a directory moved away get no events of their own.
		r.record(rel, true)

	case event.Has(fsnotify.Write), event.Has(fsnotify.Chmod):
		r.record(rel, false)
	}
}

func (r *watchedRoot) record(rel string, gone bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.changes[rel] = r.seq
	r.known[rel] = struct{}{}
	if !gone {
		return
	}
	prefix := rel + "/"
	for p := range r.known {
		if strings.HasPrefix(p, prefix) {
			r.changes[p] = r.seq
		}
	}
}

// sync waits until an event for a freshly created cookie file arrives, so
// every change made before the query is visible to it.
func (r *watchedRoot) sync(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}

	name := cookiePrefix + uuid.NewString()
	seen := make(chan struct{})
	r.mu.Lock()
	r.cookies[name] = seen
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.cookies, name)
		r.mu.Unlock()
	}()

	path := filepath.Join(r.path, name)
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return fmt.Errorf("writing sync cookie: %w", err)
	}
	defer os.Remove(path)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-seen:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrSyncTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// crawl lists every file in the tree.
func (r *watchedRoot) crawl(ctx context.Context, exclude matcher.Matcher) ([]File, error) {
	r.crawling.Store(true)
	defer r.crawling.Store(false)
	r.crawled.Store(0)

	var files []File
	err := filepath.WalkDir(r.path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path != r.path && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, ok := r.rel(path)
		if !ok {
			return nil
		}
		if r.skipped(rel) || excluded(exclude, rel) || strings.HasPrefix(d.Name(), cookiePrefix) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		files = append(files, fileFromInfo(rel, info))
		r.crawled.Add(1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("crawling %s: %w", r.path, err)
	}
	return files, nil
}

// changedSince reports every path recorded after seq with its current stat.
func (r *watchedRoot) changedSince(seq uint64, exclude matcher.Matcher) ([]File, error) {
	r.mu.Lock()
	var paths []string
	for p, s := range r.changes {
		if s > seq && !excluded(exclude, p) {
			paths = append(paths, p)
		}
	}
	r.mu.Unlock()
	sort.Strings(paths)

	files := make([]File, 0, len(paths))
	for _, p := range paths {
		info, err := os.Lstat(filepath.Join(r.path, filepath.FromSlash(p)))
		switch {
		case err == nil:
			files = append(files, fileFromInfo(p, info))
		case vfs.IsNotExist(err):
			files = append(files, File{Name: []byte(p)})
		default:
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
	}
	return files, nil
}

func excluded(m matcher.Matcher, rel string) bool {
	ok, _ := m.MatchesFile(rel)
	return ok
}

func fileFromInfo(rel string, info fs.FileInfo) File {
	return File{
		Name:   []byte(rel),
		Mode:   uint32(info.Mode()),
		Size:   uint64(info.Size()),
		Mtime:  info.ModTime(),
		Exists: true,
	}
}
