// Package manifest persists the parent revision's file list: which node each
// path had, how big it was and what type of file it was.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"

	"tigscm/internal/detector"
	"tigscm/internal/revstore"
	"tigscm/internal/storage"
)

const entryPrefix = "entry:"

type record struct {
	Node string `json:"node"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// Store implements detector.Manifest over a KV.
type Store struct {
	kv storage.KV
}

func New(kv storage.KV) *Store {
	return &Store{kv: kv}
}

func parseType(s string) (detector.FileType, error) {
	switch s {
	case "regular":
		return detector.Regular, nil
	case "executable":
		return detector.Executable, nil
	case "symlink":
		return detector.Symlink, nil
	}
	return 0, fmt.Errorf("unknown file type %q", s)
}

func (s *Store) Lookup(path string) (detector.ManifestEntry, bool, error) {
	data, err := s.kv.Get([]byte(entryPrefix + path))
	if errors.Is(err, storage.ErrNotFound) {
		return detector.ManifestEntry{}, false, nil
	}
	if err != nil {
		return detector.ManifestEntry{}, false, fmt.Errorf("reading manifest entry %s: %w", path, err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return detector.ManifestEntry{}, false, fmt.Errorf("decoding manifest entry %s: %w", path, err)
	}
	node, err := revstore.ParseNode(rec.Node)
	if err != nil {
		return detector.ManifestEntry{}, false, fmt.Errorf("manifest entry %s: %w", path, err)
	}
	typ, err := parseType(rec.Type)
	if err != nil {
		return detector.ManifestEntry{}, false, fmt.Errorf("manifest entry %s: %w", path, err)
	}
	return detector.ManifestEntry{
		Key:  revstore.Key{Path: path, Node: node},
		Size: rec.Size,
		Type: typ,
	}, true, nil
}

// Set records entries in one batch. A nil entry removes the path.
func (s *Store) Set(entries map[string]*detector.ManifestEntry) error {
	batch := make([]storage.Entry, 0, len(entries))
	for path, e := range entries {
		key := []byte(entryPrefix + path)
		if e == nil {
			batch = append(batch, storage.Entry{Key: key})
			continue
		}
		data, err := json.Marshal(record{Node: e.Key.Node.String(), Size: e.Size, Type: e.Type.String()})
		if err != nil {
			return fmt.Errorf("encoding manifest entry %s: %w", path, err)
		}
		batch = append(batch, storage.Entry{Key: key, Value: data})
	}
	if err := s.kv.PutBatch(batch); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return s.kv.Sync()
}

// Paths lists every path in the manifest in key order.
func (s *Store) Paths() ([]string, error) {
	var paths []string
	err := s.kv.Iterate([]byte(entryPrefix), func(key, _ []byte) error {
		paths = append(paths, string(key[len(entryPrefix):]))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing manifest: %w", err)
	}
	return paths, nil
}
