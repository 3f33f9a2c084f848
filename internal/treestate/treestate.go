// Package treestate persists per-path flags for the working copy.
package treestate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	tigerrors "tigscm/internal/errors"
	"tigscm/internal/logging"
	"tigscm/internal/matcher"
	"tigscm/internal/repopath"
	"tigscm/internal/storage"
)

const (
	recordPrefix   = "file_state:"
	metadataPrefix = "meta:"
)

// ErrCorruptIndex means the record store itself could not be scanned.
var ErrCorruptIndex = errors.New("tree state index is corrupt")

type entry struct {
	path  string
	state FileState
}

// TreeState is a durable path -> FileState map with an in-memory index.
// Mutations stay in memory until Flush; Discard drops them.
//
// Lock/Unlock guard a whole read-modify-write cycle. The per-call methods are
// independently safe for concurrent use.
type TreeState struct {
	cycle sync.Mutex

	mu            sync.RWMutex
	kv            storage.KV
	caseSensitive bool
	logger        *zap.Logger

	index      map[string]*entry
	needsCheck map[string]struct{}
	corrupt    map[string]error
	metadata   map[string]string

	// dirty maps a normalized key to the path last persisted under it.
	dirty     map[string]string
	metaDirty map[string]struct{}
}

// Open loads every record from kv. Individually corrupt records are kept as
// per-record errors; failing to scan the store is fatal.
func Open(kv storage.KV, caseSensitive bool, logger *zap.Logger) (*TreeState, error) {
	ts := &TreeState{
		kv:            kv,
		caseSensitive: caseSensitive,
		logger:        logging.OrNop(logger),
	}
	if err := ts.load(); err != nil {
		return nil, err
	}
	return ts, nil
}

func (ts *TreeState) load() error {
	index := make(map[string]*entry)
	needsCheck := make(map[string]struct{})
	corrupt := make(map[string]error)
	metadata := make(map[string]string)

	err := ts.kv.Iterate([]byte(recordPrefix), func(key, value []byte) error {
		raw := key[len(recordPrefix):]
		path, err := repopath.Parse(raw)
		if err != nil {
			corrupt[string(raw)] = tigerrors.PerItem("loading tree state record", string(raw), err)
			return nil
		}

		var state FileState
		if err := json.Unmarshal(value, &state); err != nil {
			corrupt[path] = tigerrors.PerItem("decoding tree state record", path, err)
			return nil
		}

		norm := repopath.Normalize(path, ts.caseSensitive)
		index[norm] = &entry{path: path, state: state}
		if state.Flags.Has(NeedCheck) {
			needsCheck[norm] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return tigerrors.Fatal("scanning tree state", fmt.Errorf("%w: %v", ErrCorruptIndex, err))
	}

	err = ts.kv.Iterate([]byte(metadataPrefix), func(key, value []byte) error {
		metadata[string(key[len(metadataPrefix):])] = string(value)
		return nil
	})
	if err != nil {
		return tigerrors.Fatal("scanning tree state metadata", fmt.Errorf("%w: %v", ErrCorruptIndex, err))
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.index = index
	ts.needsCheck = needsCheck
	ts.corrupt = corrupt
	ts.metadata = metadata
	ts.dirty = make(map[string]string)
	ts.metaDirty = make(map[string]struct{})

	if len(corrupt) > 0 {
		ts.logger.Warn("tree state has corrupt records", zap.Int("count", len(corrupt)))
	}
	return nil
}

// Lock takes the exclusive cycle lock.
func (ts *TreeState) Lock() { ts.cycle.Lock() }

// Unlock releases the cycle lock.
func (ts *TreeState) Unlock() { ts.cycle.Unlock() }

func (ts *TreeState) CaseSensitive() bool {
	return ts.caseSensitive
}

func (ts *TreeState) normalize(path string) string {
	return repopath.Normalize(path, ts.caseSensitive)
}

// markDirty must be called with mu held, before the index changes.
func (ts *TreeState) markDirty(norm string) {
	if _, ok := ts.dirty[norm]; ok {
		return
	}
	if e, ok := ts.index[norm]; ok {
		ts.dirty[norm] = e.path
	} else {
		ts.dirty[norm] = ""
	}
}

// Get returns the record for path, or nil if the path has none.
func (ts *TreeState) Get(path string) (*FileState, error) {
	norm := ts.normalize(path)

	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if e, ok := ts.index[norm]; ok {
		state := e.state
		return &state, nil
	}
	if err, ok := ts.corrupt[path]; ok {
		return nil, err
	}
	return nil, nil
}

// Insert replaces the record for path.
func (ts *TreeState) Insert(path string, state FileState) error {
	if err := repopath.Validate(path); err != nil {
		return tigerrors.PerItem("inserting tree state record", path, err)
	}
	norm := ts.normalize(path)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.markDirty(norm)
	ts.index[norm] = &entry{path: path, state: state}
	delete(ts.corrupt, path)
	if state.Flags.Has(NeedCheck) {
		ts.needsCheck[norm] = struct{}{}
	} else {
		delete(ts.needsCheck, norm)
	}
	return nil
}

// Remove deletes the record for path. It reports whether one existed.
func (ts *TreeState) Remove(path string) bool {
	norm := ts.normalize(path)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, ok := ts.index[norm]; !ok {
		return false
	}
	ts.markDirty(norm)
	delete(ts.index, norm)
	delete(ts.needsCheck, norm)
	return true
}

// ListNeedsCheck returns every NeedCheck path matched by m, sorted. Corrupt
// records and matcher failures come back as errors next to the valid paths.
func (ts *TreeState) ListNeedsCheck(m matcher.Matcher) ([]string, []error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	var paths []string
	var errs []error
	for norm := range ts.needsCheck {
		path := ts.index[norm].path
		ok, err := m.MatchesFile(path)
		if err != nil {
			errs = append(errs, tigerrors.PerItem("matching", path, err))
			continue
		}
		if ok {
			paths = append(paths, path)
		}
	}
	for _, err := range ts.corrupt {
		errs = append(errs, err)
	}
	sort.Strings(paths)
	return paths, errs
}

// MarkNeedsCheck sets NeedCheck on path, creating an untracked record if
// needed. It reports whether anything was written.
func (ts *TreeState) MarkNeedsCheck(path string) (bool, error) {
	if err := repopath.Validate(path); err != nil {
		return false, tigerrors.PerItem("marking need-check", path, err)
	}
	norm := ts.normalize(path)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	e, ok := ts.index[norm]
	if ok && e.state.Flags.Has(NeedCheck) {
		return false, nil
	}

	ts.markDirty(norm)
	if !ok {
		e = &entry{path: path, state: FileState{Size: -1}}
		ts.index[norm] = e
		delete(ts.corrupt, path)
	}
	e.state.Flags |= NeedCheck
	ts.needsCheck[norm] = struct{}{}
	return true, nil
}

// ClearNeedsCheck clears NeedCheck on path. A record left with no flags is
// removed. It reports whether anything was written.
func (ts *TreeState) ClearNeedsCheck(path string) (bool, error) {
	norm := ts.normalize(path)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	e, ok := ts.index[norm]
	if !ok {
		if err, bad := ts.corrupt[path]; bad {
			return false, err
		}
		return false, nil
	}
	if !e.state.Flags.Has(NeedCheck) {
		return false, nil
	}

	ts.markDirty(norm)
	e.state.Flags &^= NeedCheck
	delete(ts.needsCheck, norm)
	if !e.state.Flags.Intersects(ExistAny | NeedCheck) {
		delete(ts.index, norm)
	}
	return true, nil
}

// UpdateStat records a fresh clean stat snapshot for a tracked path.
func (ts *TreeState) UpdateStat(path string, mode uint32, size int64, mtime int64) (bool, error) {
	norm := ts.normalize(path)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	e, ok := ts.index[norm]
	if !ok {
		return false, tigerrors.PerItem("updating stat", path, fmt.Errorf("no tree state record"))
	}
	if e.state.Mode == mode && e.state.Size == size && e.state.Mtime == mtime {
		return false, nil
	}
	ts.markDirty(norm)
	e.state.Mode = mode
	e.state.Size = size
	e.state.Mtime = mtime
	return true, nil
}

// Walk calls fn, in path order, for each record matched by m that has every
// flag in set and none in unset.
func (ts *TreeState) Walk(m matcher.Matcher, set, unset StateFlags, fn func(path string, state FileState) error) error {
	type hit struct {
		path  string
		state FileState
	}

	ts.mu.RLock()
	var hits []hit
	for _, e := range ts.index {
		if !e.state.Flags.Has(set) || e.state.Flags.Intersects(unset) {
			continue
		}
		ok, err := m.MatchesFile(e.path)
		if err != nil {
			ts.mu.RUnlock()
			return fmt.Errorf("matching %s: %w", e.path, err)
		}
		if ok {
			hits = append(hits, hit{path: e.path, state: e.state})
		}
	}
	ts.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].path < hits[j].path })
	for _, h := range hits {
		if err := fn(h.path, h.state); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of records.
func (ts *TreeState) Len() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.index)
}

// Metadata returns a copy of the free-form metadata map.
func (ts *TreeState) Metadata() map[string]string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	out := make(map[string]string, len(ts.metadata))
	for k, v := range ts.metadata {
		out[k] = v
	}
	return out
}

// UpdateMetadata sets each key to its value; a nil value removes the key.
func (ts *TreeState) UpdateMetadata(pairs map[string]*string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	for k, v := range pairs {
		if v == nil {
			if _, ok := ts.metadata[k]; !ok {
				continue
			}
			delete(ts.metadata, k)
		} else {
			if cur, ok := ts.metadata[k]; ok && cur == *v {
				continue
			}
			ts.metadata[k] = *v
		}
		ts.metaDirty[k] = struct{}{}
	}
}

// Dirty reports whether there are unflushed changes.
func (ts *TreeState) Dirty() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.dirty) > 0 || len(ts.metaDirty) > 0
}

// Flush persists pending changes. Records are made durable before metadata,
// so a persisted watcher clock never runs ahead of the records it covers.
func (ts *TreeState) Flush() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if len(ts.dirty) > 0 {
		entries := make([]storage.Entry, 0, len(ts.dirty))
		for norm, stored := range ts.dirty {
			e, ok := ts.index[norm]
			if stored != "" && (!ok || e.path != stored) {
				entries = append(entries, storage.Entry{Key: []byte(recordPrefix + stored)})
			}
			if !ok {
				continue
			}
			data, err := json.Marshal(e.state)
			if err != nil {
				return fmt.Errorf("marshaling file state for %s: %w", e.path, err)
			}
			entries = append(entries, storage.Entry{Key: []byte(recordPrefix + e.path), Value: data})
		}
		if err := ts.kv.PutBatch(entries); err != nil {
			return fmt.Errorf("writing tree state records: %w", err)
		}
		if err := ts.kv.Sync(); err != nil {
			return fmt.Errorf("syncing tree state records: %w", err)
		}
		ts.dirty = make(map[string]string)
	}

	if len(ts.metaDirty) > 0 {
		entries := make([]storage.Entry, 0, len(ts.metaDirty))
		for k := range ts.metaDirty {
			entry := storage.Entry{Key: []byte(metadataPrefix + k)}
			if v, ok := ts.metadata[k]; ok {
				entry.Value = []byte(v)
			}
			entries = append(entries, entry)
		}
		if err := ts.kv.PutBatch(entries); err != nil {
			return fmt.Errorf("writing tree state metadata: %w", err)
		}
		if err := ts.kv.Sync(); err != nil {
			return fmt.Errorf("syncing tree state metadata: %w", err)
		}
		ts.metaDirty = make(map[string]struct{})
	}

	return nil
}

// Discard drops every unflushed change by reloading from storage.
func (ts *TreeState) Discard() error {
	if !ts.Dirty() {
		return nil
	}
	ts.logger.Debug("discarding unflushed tree state changes")
	return ts.load()
}

// Paths returns all tracked and need-check paths, sorted. Mostly for debugging.
func (ts *TreeState) Paths() []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	out := make([]string, 0, len(ts.index))
	for _, e := range ts.index {
		out = append(out, e.path)
	}
	sort.Strings(out)
	return out
}

func (ts *TreeState) String() string {
	var b strings.Builder
	for _, p := range ts.Paths() {
		s, _ := ts.Get(p)
		fmt.Fprintf(&b, "%s %s\n", p, s.Flags)
	}
	return b.String()
}
