package revstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"tigscm/internal/logging"
	"tigscm/internal/storage"
)

const lfsVersion = "https://git-lfs.github.com/spec/v1"

// Pointer is a large-object indirection record.
type Pointer struct {
	Oid      ContentHash
	Size     uint64
	IsBinary bool
}

// PointerFor builds the pointer describing data.
func PointerFor(data []byte) Pointer {
	return Pointer{
		Oid:      Sha256(data),
		Size:     uint64(len(data)),
		IsBinary: bytes.IndexByte(data, 0) >= 0,
	}
}

func (p Pointer) Bytes() []byte {
	binary := "0"
	if p.IsBinary {
		binary = "1"
	}
	return []byte(fmt.Sprintf("version %s\noid sha256:%s\nsize %d\nx-is-binary %s\n",
		lfsVersion, p.Oid, p.Size, binary))
}

// ParsePointer reads the text form produced by Pointer.Bytes.
func ParsePointer(data []byte) (Pointer, error) {
	var p Pointer
	var haveOid, haveSize, haveVersion bool

	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		name, value, ok := strings.Cut(line, " ")
		if !ok {
			return p, fmt.Errorf("malformed pointer line %q", line)
		}
		switch name {
		case "version":
			if value != lfsVersion {
				return p, fmt.Errorf("unsupported pointer version %q", value)
			}
			haveVersion = true
		case "oid":
			hex, ok := strings.CutPrefix(value, "sha256:")
			if !ok {
				return p, fmt.Errorf("unsupported oid %q", value)
			}
			h, err := ParseContentHash(hex)
			if err != nil {
				return p, err
			}
			p.Oid = h
			haveOid = true
		case "size":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return p, fmt.Errorf("parsing pointer size: %w", err)
			}
			p.Size = n
			haveSize = true
		case "x-is-binary":
			p.IsBinary = value == "1"
		}
	}
	if !haveVersion || !haveOid || !haveSize {
		return p, fmt.Errorf("incomplete pointer")
	}
	return p, nil
}

// LfsStore holds large objects as a pointer per file key plus a blob per
// content hash. A pointer without its blob reads as missing until the blob
// is fetched.
type LfsStore struct {
	mu       sync.RWMutex
	kv       storage.KV
	kind     StoreKind
	pointers map[StoreKey]Pointer
	blobs    map[ContentHash][]byte
	comp     *compressor
	logger   *zap.Logger
}

func NewLfsStore(kv storage.KV, kind StoreKind, logger *zap.Logger) (*LfsStore, error) {
	comp, err := newCompressor(DefaultCompressionOptions())
	if err != nil {
		return nil, err
	}
	return &LfsStore{
		kv:       kv,
		kind:     kind,
		pointers: make(map[StoreKey]Pointer),
		blobs:    make(map[ContentHash][]byte),
		comp:     comp,
		logger:   logging.OrNop(logger).With(zap.String("tier", "lfs"), zap.Stringer("kind", kind)),
	}, nil
}

func OpenLfsStore(dir string, kind StoreKind, logger *zap.Logger) (*LfsStore, error) {
	kv, err := storage.OpenBadgerKV(dir, "lfs")
	if err != nil {
		return nil, err
	}
	s, err := NewLfsStore(kv, kind, logger)
	if err != nil {
		kv.Close()
		return nil, err
	}
	return s, nil
}

func pointerKey(key StoreKey) []byte {
	return append([]byte("pointer/"), key.encode()...)
}

func blobKey(h ContentHash) []byte {
	return []byte("blob/" + h.String())
}

// Pointer returns the pointer stored for a file key.
func (s *LfsStore) Pointer(key StoreKey) (Pointer, error) {
	s.mu.RLock()
	p, ok := s.pointers[key]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}

	value, err := s.kv.Get(pointerKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p, err = ParsePointer(value)
	if err != nil {
		return p, s.corrupt(pointerKey(key), key.String(), err)
	}
	return p, nil
}

func (s *LfsStore) corrupt(kvKey []byte, what string, err error) error {
	if s.kind == Rotated {
		s.logger.Warn("dropping corrupt lfs entry", zap.String("key", what), zap.Error(err))
		_ = s.kv.Delete(kvKey)
		return ErrNotFound
	}
	return fmt.Errorf("reading %s: %w", what, err)
}

func (s *LfsStore) blob(h ContentHash) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.blobs[h]
	s.mu.RUnlock()
	if ok {
		return append([]byte(nil), data...), nil
	}

	value, err := s.kv.Get(blobKey(h))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	data, err = s.comp.decompress(value)
	if err == nil && Sha256(data) != h {
		err = fmt.Errorf("content hash mismatch")
	}
	if err != nil {
		return nil, s.corrupt(blobKey(h), h.String(), err)
	}
	return data, nil
}

// HasBlob reports whether the blob for h is present.
func (s *LfsStore) HasBlob(h ContentHash) bool {
	_, err := s.blob(h)
	return err == nil
}

// AddBlob stores content fetched for a known pointer.
func (s *LfsStore) AddBlob(h ContentHash, data []byte) error {
	if Sha256(data) != h {
		return fmt.Errorf("blob does not match sha256:%s", h)
	}
	s.mu.Lock()
	s.blobs[h] = append([]byte(nil), data...)
	s.mu.Unlock()
	return nil
}

func (s *LfsStore) resolve(key StoreKey) (ContentHash, error) {
	if h, ok := key.Hash(); ok {
		return h, nil
	}
	p, err := s.Pointer(key)
	if err != nil {
		return ContentHash{}, err
	}
	return p.Oid, nil
}

func (s *LfsStore) Get(_ context.Context, key StoreKey) ([]byte, error) {
	h, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	return s.blob(h)
}

func (s *LfsStore) GetMeta(_ context.Context, key StoreKey) (Metadata, error) {
	if h, ok := key.Hash(); ok {
		data, err := s.blob(h)
		if err != nil {
			return Metadata{}, err
		}
		size := uint64(len(data))
		return Metadata{Size: &size}, nil
	}
	p, err := s.Pointer(key)
	if err != nil {
		return Metadata{}, err
	}
	if !s.HasBlob(p.Oid) {
		return Metadata{}, ErrNotFound
	}
	size := p.Size
	return Metadata{Size: &size, Flags: FlagLFS}, nil
}

func (s *LfsStore) GetMissing(ctx context.Context, keys []StoreKey) ([]StoreKey, error) {
	var missing []StoreKey
	for _, k := range keys {
		h, err := s.resolve(k)
		if err == nil && !s.HasBlob(h) {
			err = ErrNotFound
		}
		if err != nil {
			if !isNotFound(err) {
				return nil, err
			}
			missing = append(missing, k)
		}
	}
	return missing, nil
}

func (s *LfsStore) Refresh() error {
	return nil
}

// Add stores delta. Data flagged as a pointer is kept as a pointer only;
// anything else is stored as a pointer plus its blob.
func (s *LfsStore) Add(delta Delta, meta Metadata) error {
	key := FileKey(delta.Key)

	if meta.IsLFS() {
		p, err := ParsePointer(delta.Data)
		if err != nil {
			return fmt.Errorf("adding pointer for %s: %w", delta.Key, err)
		}
		s.mu.Lock()
		s.pointers[key] = p
		s.mu.Unlock()
		return nil
	}

	p := PointerFor(delta.Data)
	s.mu.Lock()
	s.pointers[key] = p
	s.blobs[p.Oid] = append([]byte(nil), delta.Data...)
	s.mu.Unlock()
	return nil
}

func (s *LfsStore) Flush() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pointers) == 0 && len(s.blobs) == 0 {
		return nil, nil
	}

	entries := make([]storage.Entry, 0, len(s.pointers)+len(s.blobs))
	for h, data := range s.blobs {
		entries = append(entries, storage.Entry{Key: blobKey(h), Value: s.comp.compress(data)})
	}
	for key, p := range s.pointers {
		entries = append(entries, storage.Entry{Key: pointerKey(key), Value: p.Bytes()})
	}
	if err := s.kv.PutBatch(entries); err != nil {
		return nil, fmt.Errorf("writing lfs entries: %w", err)
	}
	if err := s.kv.Sync(); err != nil {
		return nil, fmt.Errorf("syncing lfs entries: %w", err)
	}

	s.pointers = make(map[StoreKey]Pointer)
	s.blobs = make(map[ContentHash][]byte)
	return locationOf(s.kv), nil
}

func (s *LfsStore) Blob(ctx context.Context, key StoreKey) ([]byte, error) {
	return s.Get(ctx, key)
}

func (s *LfsStore) ContentMetadata(_ context.Context, key StoreKey) (ContentMetadata, error) {
	h, err := s.resolve(key)
	if err != nil {
		return ContentMetadata{}, err
	}
	data, err := s.blob(h)
	if err != nil {
		return ContentMetadata{}, err
	}
	return ContentMetadata{
		Size:     uint64(len(data)),
		IsBinary: bytes.IndexByte(data, 0) >= 0,
		Hash:     h,
	}, nil
}

func (s *LfsStore) Close() error {
	s.mu.Lock()
	s.pointers = make(map[StoreKey]Pointer)
	s.blobs = make(map[ContentHash][]byte)
	s.mu.Unlock()
	return s.kv.Close()
}

// LfsMultiplexer routes writes: pointers and content at or above threshold
// go to lfs, everything else to plain.
type LfsMultiplexer struct {
	lfs       *LfsStore
	plain     MutableStore
	threshold uint64
	union     *UnionStore
}

func NewLfsMultiplexer(lfs *LfsStore, plain MutableStore, threshold uint64) *LfsMultiplexer {
	union := NewUnionStore(nil)
	union.Add("plain", plain)
	union.Add("lfs", lfs)
	return &LfsMultiplexer{lfs: lfs, plain: plain, threshold: threshold, union: union}
}

func (m *LfsMultiplexer) Add(delta Delta, meta Metadata) error {
	if meta.IsLFS() || uint64(len(delta.Data)) >= m.threshold {
		return m.lfs.Add(delta, meta)
	}
	return m.plain.Add(delta, meta)
}

func (m *LfsMultiplexer) Flush() ([]string, error) {
	var paths []string
	p, err := m.plain.Flush()
	if err != nil {
		return nil, err
	}
	paths = append(paths, p...)
	p, err = m.lfs.Flush()
	if err != nil {
		return nil, err
	}
	return append(paths, p...), nil
}

func (m *LfsMultiplexer) Get(ctx context.Context, key StoreKey) ([]byte, error) {
	return m.union.Get(ctx, key)
}

func (m *LfsMultiplexer) GetMeta(ctx context.Context, key StoreKey) (Metadata, error) {
	return m.union.GetMeta(ctx, key)
}

func (m *LfsMultiplexer) GetMissing(ctx context.Context, keys []StoreKey) ([]StoreKey, error) {
	return m.union.GetMissing(ctx, keys)
}

func (m *LfsMultiplexer) Refresh() error {
	return m.union.Refresh()
}
