package revstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"tigscm/internal/logging"
	"tigscm/internal/storage"
)

const recordVersion = 1

type logRecord struct {
	data []byte
	meta Metadata
}

// LogStore keeps file revisions in a KV. Adds stay pending in memory until
// Flush makes them durable.
type LogStore struct {
	mu      sync.RWMutex
	kv      storage.KV
	kind    StoreKind
	pending map[StoreKey]logRecord
	cache   *lru.Cache[StoreKey, logRecord]
	comp    *compressor
	logger  *zap.Logger
}

type LogStoreOptions struct {
	Kind        StoreKind
	CacheSize   int
	Compression CompressionOptions
	Logger      *zap.Logger
}

func NewLogStore(kv storage.KV, opts LogStoreOptions) (*LogStore, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1000
	}
	if opts.Compression == (CompressionOptions{}) {
		opts.Compression = DefaultCompressionOptions()
	}

	cache, err := lru.New[StoreKey, logRecord](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating read cache: %w", err)
	}
	comp, err := newCompressor(opts.Compression)
	if err != nil {
		return nil, err
	}

	return &LogStore{
		kv:      kv,
		kind:    opts.Kind,
		pending: make(map[StoreKey]logRecord),
		cache:   cache,
		comp:    comp,
		logger:  logging.OrNop(opts.Logger).With(zap.Stringer("kind", opts.Kind)),
	}, nil
}

// OpenLogStore opens a LogStore on a private badger database in dir.
func OpenLogStore(dir string, opts LogStoreOptions) (*LogStore, error) {
	kv, err := storage.OpenBadgerKV(dir, "log")
	if err != nil {
		return nil, err
	}
	s, err := NewLogStore(kv, opts)
	if err != nil {
		kv.Close()
		return nil, err
	}
	return s, nil
}

func (s *LogStore) encode(rec logRecord) []byte {
	var hdr [1 + 3*binary.MaxVarintLen64]byte
	hdr[0] = recordVersion
	n := 1
	n += binary.PutUvarint(hdr[n:], rec.meta.Flags)
	if rec.meta.Size != nil {
		n += binary.PutUvarint(hdr[n:], 1)
		n += binary.PutUvarint(hdr[n:], *rec.meta.Size)
	} else {
		n += binary.PutUvarint(hdr[n:], 0)
	}
	return append(hdr[:n:n], s.comp.compress(rec.data)...)
}

func (s *LogStore) decode(value []byte) (logRecord, error) {
	var rec logRecord
	if len(value) == 0 || value[0] != recordVersion {
		return rec, fmt.Errorf("unsupported record version")
	}
	rest := value[1:]

	flags, n := binary.Uvarint(rest)
	if n <= 0 {
		return rec, fmt.Errorf("bad flags")
	}
	rest = rest[n:]
	hasSize, n := binary.Uvarint(rest)
	if n <= 0 {
		return rec, fmt.Errorf("bad size marker")
	}
	rest = rest[n:]
	if hasSize == 1 {
		size, n := binary.Uvarint(rest)
		if n <= 0 {
			return rec, fmt.Errorf("bad size")
		}
		rest = rest[n:]
		rec.meta.Size = &size
	}
	rec.meta.Flags = flags

	data, err := s.comp.decompress(rest)
	if err != nil {
		return rec, err
	}
	rec.data = data
	return rec, nil
}

func (s *LogStore) lookup(key StoreKey) (logRecord, error) {
	s.mu.RLock()
	rec, ok := s.pending[key]
	s.mu.RUnlock()
	if ok {
		return visible(rec)
	}
	if rec, ok := s.cache.Get(key); ok {
		return visible(rec)
	}

	value, err := s.kv.Get(key.encode())
	if errors.Is(err, storage.ErrNotFound) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}

	rec, err = s.decode(value)
	if err != nil {
		if s.kind == Rotated {
			s.logger.Warn("dropping corrupt cache entry", zap.Stringer("key", key), zap.Error(err))
			if derr := s.kv.Delete(key.encode()); derr != nil {
				s.logger.Debug("removing corrupt entry failed", zap.Error(derr))
			}
			return rec, ErrNotFound
		}
		return rec, fmt.Errorf("decoding %s: %w", key, err)
	}
	s.cache.Add(key, rec)
	return visible(rec)
}

// visible hides large-object pointers. A log store has no blobs to resolve
// them against, so their text is never file content.
func visible(rec logRecord) (logRecord, error) {
	if rec.meta.IsLFS() {
		return logRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *LogStore) Get(_ context.Context, key StoreKey) ([]byte, error) {
	rec, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), rec.data...), nil
}

func (s *LogStore) GetMeta(_ context.Context, key StoreKey) (Metadata, error) {
	rec, err := s.lookup(key)
	if err != nil {
		return Metadata{}, err
	}
	meta := rec.meta
	if meta.Size == nil {
		size := uint64(len(rec.data))
		meta.Size = &size
	}
	return meta, nil
}

func (s *LogStore) GetMissing(_ context.Context, keys []StoreKey) ([]StoreKey, error) {
	var missing []StoreKey
	for _, k := range keys {
		if _, err := s.lookup(k); err != nil {
			if !isNotFound(err) {
				return nil, err
			}
			missing = append(missing, k)
		}
	}
	return missing, nil
}

// Refresh drops the read cache so data flushed by other processes is seen.
func (s *LogStore) Refresh() error {
	s.cache.Purge()
	return nil
}

func (s *LogStore) Add(delta Delta, meta Metadata) error {
	key := FileKey(delta.Key)
	rec := logRecord{data: append([]byte(nil), delta.Data...), meta: meta}

	s.mu.Lock()
	s.pending[key] = rec
	s.mu.Unlock()
	s.cache.Remove(key)
	return nil
}

// Flush writes pending records and syncs. It returns the database directory
// when anything was written.
func (s *LogStore) Flush() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil, nil
	}

	entries := make([]storage.Entry, 0, len(s.pending))
	for key, rec := range s.pending {
		entries = append(entries, storage.Entry{Key: key.encode(), Value: s.encode(rec)})
	}
	if err := s.kv.PutBatch(entries); err != nil {
		return nil, fmt.Errorf("writing %d records: %w", len(entries), err)
	}
	if err := s.kv.Sync(); err != nil {
		return nil, fmt.Errorf("syncing records: %w", err)
	}

	for key, rec := range s.pending {
		s.cache.Add(key, rec)
	}
	s.logger.Debug("flushed log store", zap.Int("records", len(s.pending)))
	s.pending = make(map[StoreKey]logRecord)

	return locationOf(s.kv), nil
}

// Close drops pending writes and closes the KV if it owns it.
func (s *LogStore) Close() error {
	s.mu.Lock()
	if n := len(s.pending); n > 0 {
		s.logger.Debug("discarding unflushed records", zap.Int("records", n))
	}
	s.pending = make(map[StoreKey]logRecord)
	s.mu.Unlock()
	return s.kv.Close()
}

func locationOf(kv storage.KV) []string {
	if d, ok := kv.(interface{ Dir() string }); ok && d.Dir() != "" {
		return []string{d.Dir()}
	}
	return nil
}
