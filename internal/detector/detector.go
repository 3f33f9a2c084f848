// Package detector decides whether working copy files differ from the
// parent revision, using stat data where it is conclusive and content
// otherwise.
package detector

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	tigerrors "tigscm/internal/errors"
	"tigscm/internal/logging"
	"tigscm/internal/metrics"
	"tigscm/internal/progress"
	"tigscm/internal/treestate"
	"tigscm/internal/vfs"
)

// ErrSubmitAfterDrain is reported for candidates submitted once results have
// started draining.
var ErrSubmitAfterDrain = errors.New("submit after results started draining")

const DefaultWorkers = 4

type Options struct {
	Workers  int
	FS       FileReader
	Manifest Manifest
	Content  ContentReader
	// LastWrite is when the tree state was last written. Files modified at or
	// after it are compared by content even if their stat data matches.
	LastWrite time.Time
	Refresh   RefreshPolicy
	Progress  *progress.Registry
	Logger    *zap.Logger
}

// Detector is a pool of workers fed by Submit and drained by Next. Every
// submitted candidate yields exactly one Result.
type Detector struct {
	opts   Options
	ctx    context.Context
	jobs   chan Candidate
	group  *errgroup.Group
	bar    *progress.Bar
	logger *zap.Logger

	// sendMu keeps Next from closing jobs while a Submit is sending.
	sendMu sync.RWMutex

	mu        sync.Mutex
	cond      *sync.Cond
	results   []Result
	submitted int
	delivered int
	draining  bool
}

// New starts the workers. They stop when every job is done; cancelling ctx
// turns the remaining jobs into errors.
func New(ctx context.Context, opts Options) *Detector {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}

	group, gctx := errgroup.WithContext(ctx)
	d := &Detector{
		opts:   opts,
		ctx:    gctx,
		jobs:   make(chan Candidate, opts.Workers*4),
		group:  group,
		logger: logging.OrNop(opts.Logger),
	}
	d.cond = sync.NewCond(&d.mu)
	if opts.Progress != nil {
		d.bar = opts.Progress.Register("checking files", 0, "files")
	}

	for i := 0; i < opts.Workers; i++ {
		group.Go(d.work)
	}
	return d
}

func (d *Detector) work() error {
	for c := range d.jobs {
		var r Result
		if err := d.ctx.Err(); err != nil {
			r = Result{Resolution: Resolution{Path: c.Path}, Err: err}
		} else {
			r = d.check(d.ctx, c)
		}
		d.push(r)
		d.bar.IncreasePosition(1)
	}
	return nil
}

func (d *Detector) push(r Result) {
	if r.Err == nil {
		metrics.RecordResolution(r.Kind.String())
	}
	d.mu.Lock()
	d.results = append(d.results, r)
	d.mu.Unlock()
	d.cond.Signal()
}

// TotalWorkHint sizes the progress bar only.
func (d *Detector) TotalWorkHint(n int) {
	d.bar.SetTotal(int64(n))
}

// Submit queues c. It may block while workers catch up but never waits on
// the consumer.
func (d *Detector) Submit(c Candidate) {
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()

	d.mu.Lock()
	d.submitted++
	if d.draining {
		d.results = append(d.results, Result{Resolution: Resolution{Path: c.Path}, Err: ErrSubmitAfterDrain})
		d.mu.Unlock()
		d.cond.Signal()
		return
	}
	d.mu.Unlock()
	d.jobs <- c
}

func (d *Detector) startDrain() {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.draining {
		d.draining = true
		close(d.jobs)
	}
}

// Next returns the next result, blocking until one is ready. It returns
// false once every submission has been delivered.
func (d *Detector) Next() (Result, bool) {
	d.startDrain()

	d.mu.Lock()
	for len(d.results) == 0 && d.delivered < d.submitted {
		d.cond.Wait()
	}
	if len(d.results) == 0 {
		d.mu.Unlock()
		d.finish()
		return Result{}, false
	}
	r := d.results[0]
	d.results[0] = Result{}
	d.results = d.results[1:]
	d.delivered++
	d.mu.Unlock()
	return r, true
}

func (d *Detector) finish() {
	_ = d.group.Wait()
	d.bar.Close()
}

// Drain collects every remaining result.
func (d *Detector) Drain() []Result {
	var out []Result
	for {
		r, ok := d.Next()
		if !ok {
			return out
		}
		out = append(out, r)
	}
}

func perItem(op, path string, err error) Result {
	return Result{Resolution: Resolution{Path: path}, Err: tigerrors.PerItem(op, path, err)}
}

// observe resolves what is on disk. Directories and other special files
// count as absent: the path no longer holds a file.
func (d *Detector) observe(c Candidate) (vfs.Metadata, bool, error) {
	if c.FSMeta != nil {
		if c.FSMeta.Missing {
			return vfs.Metadata{}, false, nil
		}
		m := c.FSMeta.Meta
		return m, m.IsRegular() || m.IsSymlink(), nil
	}

	m, err := d.opts.FS.Lstat(c.Path)
	if err != nil {
		if vfs.IsNotExist(err) {
			return vfs.Metadata{}, false, nil
		}
		return vfs.Metadata{}, false, err
	}
	return m, m.IsRegular() || m.IsSymlink(), nil
}

func (d *Detector) racy(mtime time.Time) bool {
	return !d.opts.LastWrite.IsZero() && !mtime.Before(d.opts.LastWrite)
}

func (d *Detector) check(ctx context.Context, c Candidate) Result {
	meta, exists, err := d.observe(c)
	if err != nil {
		return perItem("stat", c.Path, err)
	}

	if !exists {
		if c.State != nil && c.State.Tracked() {
			return Result{Resolution: Resolution{Kind: Deleted, Path: c.Path}}
		}
		return Result{Resolution: Resolution{Kind: Unchanged, Path: c.Path}}
	}

	changed := Result{Resolution: Resolution{Kind: Changed, Path: c.Path, Meta: meta}}
	if c.State == nil || !c.State.Flags.Has(treestate.ExistP1) {
		return changed
	}

	entry, ok, err := d.opts.Manifest.Lookup(c.Path)
	if err != nil {
		return perItem("looking up parent", c.Path, err)
	}
	if !ok || entry.Type != TypeOf(meta) {
		return changed
	}

	st := c.State
	if st.StatKnown() &&
		st.Mode == meta.Mode &&
		st.Size == int64(meta.Size) &&
		st.Mtime == meta.Mtime.UnixNano() &&
		!d.racy(meta.Mtime) {
		return Result{Resolution: Resolution{Kind: Unchanged, Path: c.Path}}
	}

	if st.StatKnown() && st.Size != int64(meta.Size) {
		return changed
	}
	if entry.Size >= 0 && entry.Size != int64(meta.Size) {
		return changed
	}

	metrics.RecordContentRead()
	local, err := d.opts.FS.Read(c.Path)
	if err != nil {
		// Removed after the stat above.
		if !vfs.IsNotExist(err) {
			return perItem("reading", c.Path, err)
		}
		if c.State.Tracked() {
			return Result{Resolution: Resolution{Kind: Deleted, Path: c.Path}}
		}
		return Result{Resolution: Resolution{Kind: Unchanged, Path: c.Path}}
	}
	same, err := d.sameContent(ctx, local, entry)
	if err != nil {
		return perItem("comparing content", c.Path, err)
	}
	if !same {
		return changed
	}

	unchanged := Result{Resolution: Resolution{Kind: Unchanged, Path: c.Path}}
	// A racy mtime could change again within the same tick, so it is not
	// worth recording.
	if d.opts.Refresh == RefreshAlways && !d.racy(meta.Mtime) {
		refreshed := meta
		unchanged.Refresh = &refreshed
	}
	return unchanged
}

func (d *Detector) sameContent(ctx context.Context, local []byte, entry ManifestEntry) (bool, error) {
	parent, err := d.opts.Content.GetFileContent(ctx, entry.Key)
	if err != nil {
		return false, err
	}
	return bytes.Equal(local, parent), nil
}
