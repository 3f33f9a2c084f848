package fsmonitor

import (
	"bytes"
	"context"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tigscm/internal/config"
	"tigscm/internal/detector"
	tigerrors "tigscm/internal/errors"
	"tigscm/internal/matcher"
	"tigscm/internal/repolock"
	"tigscm/internal/revstore"
	"tigscm/internal/storage"
	"tigscm/internal/treestate"
	"tigscm/internal/vfs"
	"tigscm/internal/watcher"
)

var baseTime = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

type fakeFile struct {
	meta vfs.Metadata
	data []byte
}

type fakeWorkingCopy struct {
	files map[string]fakeFile
}

func (f *fakeWorkingCopy) Root() string        { return "/repo" }
func (f *fakeWorkingCopy) CaseSensitive() bool { return true }

func (f *fakeWorkingCopy) Lstat(path string) (vfs.Metadata, error) {
	file, ok := f.files[path]
	if !ok {
		return vfs.Metadata{}, &fs.PathError{Op: "lstat", Path: path, Err: fs.ErrNotExist}
	}
	return file.meta, nil
}

func (f *fakeWorkingCopy) Read(path string) ([]byte, error) {
	file, ok := f.files[path]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	return file.data, nil
}

type fakeManifest map[string]detector.ManifestEntry

func (m fakeManifest) Lookup(path string) (detector.ManifestEntry, bool, error) {
	e, ok := m[path]
	return e, ok, nil
}

type noContent struct{}

func (noContent) GetFileContent(context.Context, revstore.Key) ([]byte, error) {
	panic("unexpected content read")
}

// fakeWatcher answers queries from a script and records the requests.
type fakeWatcher struct {
	mu       sync.Mutex
	results  []watcher.QueryResult
	requests []watcher.QueryRequest
}

func (w *fakeWatcher) Connect(context.Context) (watcher.Client, error) { return w, nil }

func (w *fakeWatcher) ResolveRoot(_ context.Context, path string) (watcher.Root, error) {
	return watcher.Root{Path: path}, nil
}

func (w *fakeWatcher) Query(_ context.Context, _ watcher.Root, req watcher.QueryRequest) (watcher.QueryResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.requests = append(w.requests, req)
	r := w.results[0]
	w.results = w.results[1:]
	return r, nil
}

func (w *fakeWatcher) RootStatus(context.Context, watcher.Root) (watcher.RootStatus, error) {
	return watcher.RootStatus{}, nil
}

func (w *fakeWatcher) Close() error { return nil }

func (w *fakeWatcher) lastRequest() watcher.QueryRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.requests[len(w.requests)-1]
}

func openTreeState(t *testing.T) *treestate.TreeState {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil // Disable logging for tests

	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ts, err := treestate.Open(storage.NewBadgerKV(db, "treestate"), true, nil)
	require.NoError(t, err)
	return ts
}

func regular(size int) vfs.Metadata {
	return vfs.Metadata{Mode: 0o644, Size: uint64(size), Mtime: baseTime}
}

func clean(m vfs.Metadata) treestate.FileState {
	return treestate.FileState{
		Flags: treestate.ExistP1 | treestate.ExistNext,
		Mode:  m.Mode,
		Size:  int64(m.Size),
		Mtime: m.Mtime.UnixNano(),
	}
}

func reported(path string, m vfs.Metadata) watcher.File {
	return watcher.File{Name: []byte(path), Mode: m.Mode, Size: m.Size, Mtime: m.Mtime, Exists: true}
}

type fixture struct {
	ts      *treestate.TreeState
	watcher *fakeWatcher
	wc      *fakeWorkingCopy
	lockDir string
	cfg     config.FSMonitorConfig
	warn    bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		ts:      openTreeState(t),
		watcher: &fakeWatcher{},
		wc:      &fakeWorkingCopy{files: map[string]fakeFile{}},
		lockDir: t.TempDir(),
		cfg:     config.Default().FSMonitor,
	}
}

func (f *fixture) track(t *testing.T, path string, content string) {
	t.Helper()
	m := regular(len(content))
	f.wc.files[path] = fakeFile{meta: m, data: []byte(content)}
	require.NoError(t, f.ts.Insert(path, clean(m)))
}

func (f *fixture) run(t *testing.T, ignore matcher.Matcher) ([]PendingResult, error) {
	t.Helper()
	manifest := fakeManifest{}
	for _, p := range f.ts.Paths() {
		manifest[p] = detector.ManifestEntry{Key: revstore.Key{Path: p}, Size: -1}
	}
	fsys, err := New(Options{
		FS:        f.wc,
		TreeState: f.ts,
		Manifest:  manifest,
		Content:   noContent{},
		Locker:    repolock.New(f.lockDir, nil),
		Connector: f.watcher,
		FSMonitor: f.cfg,
		Workers:   config.Default().WorkingCopy,
		Warnings:  &f.warn,
	})
	require.NoError(t, err)
	defer fsys.Close()
	return fsys.PendingChanges(context.Background(), matcher.Always(), ignore, time.Time{})
}

func changes(results []PendingResult) []string {
	var out []string
	for _, r := range results {
		out = append(out, r.String())
	}
	return out
}

func TestFreshInstanceReportsUnseenFilesDeleted(t *testing.T) {
	f := newFixture(t)
	f.track(t, "a/b", "gone")
	f.track(t, "c", "kept")
	require.NoError(t, f.ts.Flush())

	f.watcher.results = []watcher.QueryResult{{
		Files:           []watcher.File{reported("c", regular(4))},
		Clock:           "c:1:10:x:5",
		IsFreshInstance: true,
	}}

	results, err := f.run(t, matcher.Never())
	require.NoError(t, err)
	assert.Equal(t, []string{"deleted a/b"}, changes(results))

	ab, err := f.ts.Get("a/b")
	require.NoError(t, err)
	assert.Equal(t, treestate.ExistP1|treestate.ExistNext|treestate.NeedCheck, ab.Flags)

	c, err := f.ts.Get("c")
	require.NoError(t, err)
	assert.Equal(t, treestate.ExistP1|treestate.ExistNext, c.Flags)

	clock, ok := f.ts.Clock()
	require.True(t, ok)
	assert.Equal(t, "c:1:10:x:5", clock)
	assert.False(t, f.ts.Dirty())
}

func TestIncrementalQuery(t *testing.T) {
	f := newFixture(t)
	f.track(t, "src/main.go", "package main")
	f.ts.SetClock("c:1:10:x:1")
	require.NoError(t, f.ts.Flush())

	f.wc.files["src/new.go"] = fakeFile{meta: regular(3), data: []byte("new")}
	f.watcher.results = []watcher.QueryResult{{
		Files: []watcher.File{
			reported("src/new.go", regular(3)),
			reported("node_modules/dep.js", regular(1)),
			{Name: []byte("src//bad")},
		},
		Clock: "c:1:10:x:2",
	}}

	results, err := f.run(t, matcher.DefaultIgnore())
	require.NoError(t, err)

	req := f.watcher.lastRequest()
	require.NotNil(t, req.Since)
	assert.Equal(t, "c:1:10:x:1", *req.Since)
	assert.Equal(t, []string{".tig"}, req.ExcludeDirs)

	require.Len(t, results, 2)
	assert.Equal(t, "changed src/new.go", results[0].String())
	assert.True(t, tigerrors.IsKind(results[1].Err, tigerrors.KindPerItem))

	state, err := f.ts.Get("src/new.go")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.Flags.Has(treestate.NeedCheck))
	assert.False(t, state.Tracked())

	ignored, err := f.ts.Get("node_modules/dep.js")
	require.NoError(t, err)
	assert.Nil(t, ignored)

	clock, _ := f.ts.Clock()
	assert.Equal(t, "c:1:10:x:2", clock)
}

func TestNeedsCheckClearedWhenClean(t *testing.T) {
	f := newFixture(t)
	f.track(t, "f", "same")
	_, err := f.ts.MarkNeedsCheck("f")
	require.NoError(t, err)
	f.ts.SetClock("c:1:10:x:1")
	require.NoError(t, f.ts.Flush())

	f.watcher.results = []watcher.QueryResult{{Clock: "c:1:10:x:2"}}

	results, err := f.run(t, matcher.Never())
	require.NoError(t, err)
	assert.Empty(t, results)

	state, err := f.ts.Get("f")
	require.NoError(t, err)
	assert.False(t, state.Flags.Has(treestate.NeedCheck))

	// Something was written, so the clock moved with it.
	clock, _ := f.ts.Clock()
	assert.Equal(t, "c:1:10:x:2", clock)
}

func TestClockThreshold(t *testing.T) {
	for _, tt := range []struct {
		name      string
		threshold int
		want      string
	}{
		{"below threshold keeps clock", 200, "c:1:10:x:1"},
		{"above threshold advances clock", 1, "c:1:10:x:9"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.ts.SetClock("c:1:10:x:1")
			require.NoError(t, f.ts.Flush())
			f.cfg.ChangedFileThreshold = tt.threshold

			f.watcher.results = []watcher.QueryResult{{
				Files: []watcher.File{
					reported("build/a.o", regular(1)),
					reported("build/b.o", regular(1)),
				},
				Clock: "c:1:10:x:9",
			}}

			results, err := f.run(t, matcher.DefaultIgnore())
			require.NoError(t, err)
			assert.Empty(t, results)

			clock, _ := f.ts.Clock()
			assert.Equal(t, tt.want, clock)
		})
	}
}

func TestWatcherMissingOutranksStat(t *testing.T) {
	f := newFixture(t)
	f.track(t, "dir/file", "still here")
	f.ts.SetClock("c:1:10:x:1")
	require.NoError(t, f.ts.Flush())

	f.watcher.results = []watcher.QueryResult{{
		Files: []watcher.File{{Name: []byte("dir/file")}},
		Clock: "c:1:10:x:2",
	}}

	results, err := f.run(t, matcher.Never())
	require.NoError(t, err)
	assert.Equal(t, []string{"deleted dir/file"}, changes(results))
}

func TestTrackIgnoredMigration(t *testing.T) {
	f := newFixture(t)
	f.ts.SetClock("c:1:10:x:1")
	require.NoError(t, f.ts.Flush())
	f.cfg.TrackIgnored = true

	f.wc.files["build/out"] = fakeFile{meta: regular(1), data: []byte("x")}
	f.watcher.results = []watcher.QueryResult{{
		Files:           []watcher.File{reported("build/out", regular(1))},
		Clock:           "c:2:10:x:1",
		IsFreshInstance: true,
	}}

	results, err := f.run(t, matcher.DefaultIgnore())
	require.NoError(t, err)
	assert.Nil(t, f.watcher.lastRequest().Since)
	// Ignore rules are off while tracking ignored files.
	assert.Equal(t, []string{"changed build/out"}, changes(results))

	on, recorded := f.ts.TrackIgnored()
	assert.True(t, recorded)
	assert.True(t, on)
}

func TestFreshInstanceWarning(t *testing.T) {
	tests := []struct {
		name string
		prev string
		next string
		want string
	}{
		{"restarted", "c:1:10:x:1", "c:2:20:y:1", "old pid 10, new pid 20"},
		{"started", "", "c:2:20:y:1", "recently started (pid 20)"},
		{"same process", "c:1:20:y:1", "c:1:20:y:7", "requires a full scan"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.cfg.WarnFreshInstance = true
			if tt.prev != "" {
				f.ts.SetClock(tt.prev)
				require.NoError(t, f.ts.Flush())
			}
			f.watcher.results = []watcher.QueryResult{{Clock: tt.next, IsFreshInstance: true}}

			_, err := f.run(t, matcher.Never())
			require.NoError(t, err)
			assert.Contains(t, f.warn.String(), tt.want)
		})
	}
}

func TestLockBusyDiscardsChanges(t *testing.T) {
	f := newFixture(t)
	f.track(t, "a/b", "gone")
	f.ts.SetClock("c:1:10:x:1")
	require.NoError(t, f.ts.Flush())

	guard, err := repolock.New(f.lockDir, nil).Acquire()
	require.NoError(t, err)
	defer guard.Release()

	f.watcher.results = []watcher.QueryResult{{Clock: "c:1:10:x:2", IsFreshInstance: true}}

	_, err = f.run(t, matcher.Never())
	require.Error(t, err)
	assert.True(t, tigerrors.IsKind(err, tigerrors.KindFatal))
	assert.ErrorIs(t, err, repolock.ErrLockBusy)

	assert.False(t, f.ts.Dirty())
	clock, _ := f.ts.Clock()
	assert.Equal(t, "c:1:10:x:1", clock)
	state, err := f.ts.Get("a/b")
	require.NoError(t, err)
	assert.False(t, state.Flags.Has(treestate.NeedCheck))
}

// scriptedDetector resolves candidates from a fixed table.
type scriptedDetector struct {
	verdicts  map[string]detector.Kind
	submitted []detector.Candidate
	next      int
}

func (d *scriptedDetector) Submit(c detector.Candidate) { d.submitted = append(d.submitted, c) }
func (d *scriptedDetector) TotalWorkHint(int)           {}

func (d *scriptedDetector) Next() (detector.Result, bool) {
	if d.next >= len(d.submitted) {
		return detector.Result{}, false
	}
	c := d.submitted[d.next]
	d.next++
	return detector.Result{Resolution: detector.Resolution{Kind: d.verdicts[c.Path], Path: c.Path}}, true
}

func TestDetectChanges(t *testing.T) {
	ts := openTreeState(t)
	require.NoError(t, ts.Insert("both", treestate.FileState{Flags: treestate.ExistP1 | treestate.ExistNext | treestate.NeedCheck, Size: -1}))
	require.NoError(t, ts.Insert("persisted", treestate.FileState{Flags: treestate.ExistP1 | treestate.ExistNext | treestate.NeedCheck, Size: -1}))
	require.NoError(t, ts.Insert("stray", treestate.FileState{Flags: treestate.NeedCheck, Size: -1}))
	require.NoError(t, ts.Insert("tracked", clean(regular(1))))

	det := &scriptedDetector{verdicts: map[string]detector.Kind{
		"both":      detector.Unchanged,
		"persisted": detector.Changed,
		"tracked":   detector.Unchanged,
	}}
	watched := []detector.Candidate{
		{Path: "both", FSMeta: &detector.Observed{Meta: regular(2)}},
		{Path: "tracked", FSMeta: &detector.Observed{Meta: regular(1)}},
	}

	// The matcher hides "stray" from the need-check listing; the fresh
	// instance walk still finds it.
	m := matcher.Difference(matcher.Always(), matcher.Exact([]string{"stray"}, true))
	pending, err := DetectChanges(m, matcher.Never(), det, ts, watched, true, true, zap.NewNop())
	require.NoError(t, err)

	// "both" is submitted once, with the watcher's metadata.
	var both []detector.Candidate
	for _, c := range det.submitted {
		if c.Path == "both" {
			both = append(both, c)
		}
	}
	require.Len(t, both, 1)
	require.NotNil(t, both[0].FSMeta)
	require.NotNil(t, both[0].State)

	assert.Equal(t, []string{"changed persisted"}, changes(pending.Results))
	assert.ElementsMatch(t, []string{"both", "stray"}, pending.NeedsClear)
	assert.Empty(t, pending.NeedsMark)

	wrote, err := pending.UpdateTreeState(ts, nil)
	require.NoError(t, err)
	assert.True(t, wrote)

	stray, err := ts.Get("stray")
	require.NoError(t, err)
	assert.Nil(t, stray)
}
