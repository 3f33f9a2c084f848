package fsmonitor

import (
	"go.uber.org/zap"

	"tigscm/internal/detector"
	tigerrors "tigscm/internal/errors"
	"tigscm/internal/matcher"
	"tigscm/internal/progress"
	"tigscm/internal/repopath"
	"tigscm/internal/treestate"
	"tigscm/internal/vfs"
)

// PendingResult is one entry of the change stream: a changed or deleted path,
// or a per-path failure in Err.
type PendingResult struct {
	Kind detector.Kind
	Path string
	Meta vfs.Metadata
	Err  error
}

func (r PendingResult) String() string {
	if r.Err != nil {
		return "error: " + r.Err.Error()
	}
	return r.Kind.String() + " " + r.Path
}

// Detector is the part of *detector.Detector reconciliation drives.
type Detector interface {
	Submit(c detector.Candidate)
	TotalWorkHint(n int)
	Next() (detector.Result, bool)
}

type refresh struct {
	path string
	meta vfs.Metadata
}

// Pending is the outcome of DetectChanges: the change stream plus the tree
// state updates it implies.
type Pending struct {
	Results      []PendingResult
	NeedsMark    []string
	NeedsClear   []string
	needsRefresh []refresh
}

// DetectChanges checks every path the tree state or the watcher flagged and
// works out which NeedCheck flags to set or clear. watched holds the
// watcher's report; on a fresh instance it is the whole tree, so tracked
// paths missing from it are reported deleted.
func DetectChanges(
	m, ignore matcher.Matcher,
	det Detector,
	ts *treestate.TreeState,
	watched []detector.Candidate,
	freshInstance bool,
	caseSensitive bool,
	logger *zap.Logger,
) (*Pending, error) {
	tsNeedCheck, tsErrors := ts.ListNeedsCheck(m)

	norm := func(p string) string { return repopath.Normalize(p, caseSensitive) }

	// tsNeedCheck is filtered by m, so it need not hold every NeedCheck path.
	needCheck := make(map[string]struct{}, len(tsNeedCheck))
	for _, p := range tsNeedCheck {
		needCheck[norm(p)] = struct{}{}
	}
	seen := make(map[string]struct{}, len(watched))
	seenPaths := make([]string, 0, len(watched))
	for _, c := range watched {
		seen[norm(c.Path)] = struct{}{}
		seenPaths = append(seenPaths, c.Path)
	}

	p := &Pending{}
	for _, err := range tsErrors {
		p.Results = append(p.Results, PendingResult{Err: err})
	}

	total := len(tsNeedCheck)
	for _, c := range watched {
		if _, ok := needCheck[norm(c.Path)]; !ok {
			total++
		}
	}
	det.TotalWorkHint(total)

	logger.Debug("detecting changes",
		zap.Int("watcher_needs_check", len(watched)),
		zap.Int("treestate_needs_check", len(tsNeedCheck)))

	for _, path := range tsNeedCheck {
		// The watcher's entry carries disk metadata, so it wins.
		if _, ok := seen[norm(path)]; ok {
			continue
		}
		state, err := ts.Get(path)
		if err != nil {
			p.Results = append(p.Results, PendingResult{Path: path, Err: err})
			continue
		}
		det.Submit(detector.Candidate{Path: path, State: state})
	}

	for _, c := range watched {
		state, err := ts.Get(c.Path)
		if err != nil {
			p.Results = append(p.Results, PendingResult{Path: c.Path, Err: err})
			continue
		}
		if state == nil || !state.Tracked() {
			ignored, err := ignore.MatchesFile(c.Path)
			if err != nil {
				p.Results = append(p.Results, PendingResult{Path: c.Path, Err: tigerrors.PerItem("matching ignore rules", c.Path, err)})
				continue
			}
			if ignored {
				continue
			}
		}
		c.State = state
		det.Submit(c)
	}

	for {
		r, ok := det.Next()
		if !ok {
			break
		}
		if r.Err != nil {
			p.Results = append(p.Results, PendingResult{Path: r.Path, Err: r.Err})
			continue
		}

		_, flagged := needCheck[norm(r.Path)]
		switch r.Kind {
		case detector.Changed, detector.Deleted:
			if !flagged {
				p.NeedsMark = append(p.NeedsMark, r.Path)
			}
			p.Results = append(p.Results, PendingResult{Kind: r.Kind, Path: r.Path, Meta: r.Meta})
		case detector.Unchanged:
			if flagged {
				p.NeedsClear = append(p.NeedsClear, r.Path)
			}
			if r.Refresh != nil {
				p.needsRefresh = append(p.needsRefresh, refresh{path: r.Path, meta: *r.Refresh})
			}
		}
	}

	if freshInstance {
		wasDeleted := matcher.Difference(matcher.Always(), matcher.Exact(seenPaths, caseSensitive))

		// A fresh instance lists every file on disk, so anything the next
		// commit expects that the watcher left out was deleted while nobody
		// was watching.
		err := ts.Walk(wasDeleted, treestate.ExistNext, treestate.NeedCheck, func(path string, _ treestate.FileState) error {
			p.NeedsMark = append(p.NeedsMark, path)
			p.Results = append(p.Results, PendingResult{Kind: detector.Deleted, Path: path})
			return nil
		})
		if err != nil {
			return nil, tigerrors.Fatal("finding deleted files", err)
		}

		// Untracked files that vanished need no further checks.
		err = ts.Walk(wasDeleted, treestate.NeedCheck, treestate.ExistAny, func(path string, _ treestate.FileState) error {
			p.NeedsClear = append(p.NeedsClear, path)
			return nil
		})
		if err != nil {
			return nil, tigerrors.Fatal("finding vanished untracked files", err)
		}
	}

	return p, nil
}

// UpdateTreeState applies the flag changes: clears, then stat refreshes, then
// marks. It reports whether anything was written. Failing to clear or refresh
// only costs a recheck, so those failures join the change stream; a failed
// mark aborts.
func (p *Pending) UpdateTreeState(ts *treestate.TreeState, reg *progress.Registry) (bool, error) {
	bar := reg.Register("recording files", int64(len(p.NeedsClear)+len(p.needsRefresh)+len(p.NeedsMark)), "entries")
	defer bar.Close()

	wrote := false
	for _, path := range p.NeedsClear {
		ok, err := ts.ClearNeedsCheck(path)
		if err != nil {
			p.Results = append(p.Results, PendingResult{Path: path, Err: err})
		}
		wrote = wrote || ok
		bar.IncreasePosition(1)
	}

	for _, r := range p.needsRefresh {
		state, err := ts.Get(r.path)
		if err == nil && state != nil && state.Tracked() {
			var ok bool
			ok, err = ts.UpdateStat(r.path, r.meta.Mode, int64(r.meta.Size), r.meta.Mtime.UnixNano())
			wrote = wrote || ok
		}
		if err != nil {
			p.Results = append(p.Results, PendingResult{Path: r.path, Err: err})
		}
		bar.IncreasePosition(1)
	}

	for _, path := range p.NeedsMark {
		ok, err := ts.MarkNeedsCheck(path)
		if err != nil {
			return wrote, err
		}
		wrote = wrote || ok
		bar.IncreasePosition(1)
	}

	return wrote, nil
}
