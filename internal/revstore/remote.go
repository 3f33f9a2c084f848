package revstore

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tigscm/internal/logging"
	"tigscm/internal/metrics"
)

// ObjectAttrs travels with an object in the remote.
type ObjectAttrs struct {
	Flags uint64
}

// ObjectClient is a flat object namespace. GetObject returns ErrNotFound for
// absent objects.
type ObjectClient interface {
	GetObject(ctx context.Context, name string) ([]byte, ObjectAttrs, error)
	PutObject(ctx context.Context, name string, data []byte, attrs ObjectAttrs) error
}

// FetchMode picks which form of a file revision the remote returns.
type FetchMode int

const (
	// FetchStored returns data as stored, which may be a large-object pointer.
	FetchStored FetchMode = iota
	// FetchFull always returns full content.
	FetchFull
)

const fetchConcurrency = 8

// ObjectRemote serves file revisions from an ObjectClient.
type ObjectRemote struct {
	client ObjectClient
	logger *zap.Logger
}

func NewObjectRemote(client ObjectClient, logger *zap.Logger) *ObjectRemote {
	return &ObjectRemote{client: client, logger: logging.OrNop(logger).With(zap.String("tier", "remote"))}
}

func objectName(k Key, mode FetchMode) string {
	dir := "stored"
	if mode == FetchFull {
		dir = "full"
	}
	return dir + "/" + k.Node.String() + "/" + k.Path
}

// Fetch returns one revision in the requested form.
func (r *ObjectRemote) Fetch(ctx context.Context, k Key, mode FetchMode) ([]byte, ObjectAttrs, error) {
	data, attrs, err := r.client.GetObject(ctx, objectName(k, mode))
	if err != nil {
		return nil, attrs, err
	}
	metrics.RecordRemoteFetch(len(data))
	return data, attrs, nil
}

// FetchFull implements FullFetcher.
func (r *ObjectRemote) FetchFull(ctx context.Context, k Key) ([]byte, error) {
	data, _, err := r.Fetch(ctx, k, FetchFull)
	return data, err
}

func (r *ObjectRemote) DataStore(shared MutableStore, local DataStore) RemoteDataStore {
	return &remoteDataStore{remote: r, shared: shared, local: local}
}

type remoteDataStore struct {
	remote *ObjectRemote
	shared MutableStore
	local  DataStore
}

func (s *remoteDataStore) Prefetch(ctx context.Context, keys []StoreKey) ([]StoreKey, error) {
	var mu sync.Mutex
	var missing []StoreKey

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, sk := range keys {
		sk := sk
		k, ok := sk.Key()
		if !ok {
			mu.Lock()
			missing = append(missing, sk)
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			data, meta, err := s.fetch(ctx, k)
			if isNotFound(err) {
				mu.Lock()
				missing = append(missing, sk)
				mu.Unlock()
				return nil
			}
			if err != nil {
				return fmt.Errorf("fetching %s: %w", k, err)
			}
			return s.shared.Add(Delta{Key: k, Data: data}, meta)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return missing, nil
}

// fetch returns k in the form the shared tier can hold. Only large-object
// stores know what to do with a pointer; everything else gets full content.
func (s *remoteDataStore) fetch(ctx context.Context, k Key) ([]byte, Metadata, error) {
	data, attrs, err := s.remote.Fetch(ctx, k, FetchStored)
	if err != nil {
		return nil, Metadata{}, err
	}
	meta := Metadata{Flags: attrs.Flags}
	if !meta.IsLFS() || s.holdsPointers() {
		return data, meta, nil
	}

	data, _, err = s.remote.Fetch(ctx, k, FetchFull)
	if err != nil {
		return nil, Metadata{}, err
	}
	size := uint64(len(data))
	return data, Metadata{Size: &size, Flags: meta.Flags &^ FlagLFS}, nil
}

func (s *remoteDataStore) holdsPointers() bool {
	switch s.shared.(type) {
	case *LfsMultiplexer, *LfsStore:
		return true
	}
	return false
}

func (s *remoteDataStore) Get(ctx context.Context, key StoreKey) ([]byte, error) {
	missing, err := s.Prefetch(ctx, []StoreKey{key})
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, ErrNotFound
	}
	return s.shared.Get(ctx, key)
}

func (s *remoteDataStore) GetMeta(ctx context.Context, key StoreKey) (Metadata, error) {
	missing, err := s.Prefetch(ctx, []StoreKey{key})
	if err != nil {
		return Metadata{}, err
	}
	if len(missing) > 0 {
		return Metadata{}, ErrNotFound
	}
	return s.shared.GetMeta(ctx, key)
}

func (s *remoteDataStore) GetMissing(ctx context.Context, keys []StoreKey) ([]StoreKey, error) {
	return s.shared.GetMissing(ctx, keys)
}

func (s *remoteDataStore) Refresh() error {
	return nil
}

// Upload sends local revisions. Large objects are written as a pointer plus
// the full form so readers without large-object access can fall back.
func (s *remoteDataStore) Upload(ctx context.Context, keys []StoreKey) ([]StoreKey, error) {
	if s.local == nil {
		return keys, nil
	}

	var mu sync.Mutex
	var notSent []StoreKey
	skip := func(sk StoreKey) {
		mu.Lock()
		notSent = append(notSent, sk)
		mu.Unlock()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, sk := range keys {
		sk := sk
		k, ok := sk.Key()
		if !ok {
			skip(sk)
			continue
		}
		g.Go(func() error {
			data, err := s.local.Get(ctx, sk)
			if isNotFound(err) {
				skip(sk)
				return nil
			}
			if err != nil {
				return err
			}
			meta, err := s.local.GetMeta(ctx, sk)
			if err != nil {
				return err
			}

			client := s.remote.client
			if meta.IsLFS() {
				if err := client.PutObject(ctx, objectName(k, FetchFull), data, ObjectAttrs{}); err != nil {
					return fmt.Errorf("uploading %s: %w", k, err)
				}
				p := PointerFor(data)
				return client.PutObject(ctx, objectName(k, FetchStored), p.Bytes(), ObjectAttrs{Flags: FlagLFS})
			}
			return client.PutObject(ctx, objectName(k, FetchStored), data, ObjectAttrs{})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return notSent, nil
}

// LfsRemote fetches blobs for pointers already present in the local or
// shared large-object store.
type LfsRemote struct {
	shared *LfsStore
	local  *LfsStore
	client ObjectClient
	logger *zap.Logger
}

func NewLfsRemote(shared, local *LfsStore, client ObjectClient, logger *zap.Logger) *LfsRemote {
	return &LfsRemote{
		shared: shared,
		local:  local,
		client: client,
		logger: logging.OrNop(logger).With(zap.String("tier", "lfs-remote")),
	}
}

func lfsObjectName(h ContentHash) string {
	return "lfs/" + h.String()
}

// locate finds the store holding key's pointer and the oid it names.
func (r *LfsRemote) locate(key StoreKey) (*LfsStore, ContentHash, bool) {
	if h, ok := key.Hash(); ok {
		if r.local != nil && r.local.HasBlob(h) {
			return r.local, h, true
		}
		return r.shared, h, true
	}
	for _, s := range []*LfsStore{r.local, r.shared} {
		if s == nil {
			continue
		}
		if p, err := s.Pointer(key); err == nil {
			return s, p.Oid, true
		}
	}
	return nil, ContentHash{}, false
}

// Prefetch treats every fetch failure as a miss so a later tier can retry
// through the ordinary remote.
func (r *LfsRemote) Prefetch(ctx context.Context, keys []StoreKey) ([]StoreKey, error) {
	var mu sync.Mutex
	var missing []StoreKey
	miss := func(k StoreKey) {
		mu.Lock()
		missing = append(missing, k)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(fetchConcurrency)
	for _, key := range keys {
		key := key
		store, oid, ok := r.locate(key)
		if !ok || store == nil {
			miss(key)
			continue
		}
		if store.HasBlob(oid) {
			continue
		}
		g.Go(func() error {
			data, _, err := r.client.GetObject(ctx, lfsObjectName(oid))
			if err != nil {
				if !isNotFound(err) {
					r.logger.Warn("large object fetch failed", zap.Stringer("key", key), zap.Error(err))
				}
				miss(key)
				return nil
			}
			if err := store.AddBlob(oid, data); err != nil {
				r.logger.Warn("large object failed verification", zap.Stringer("key", key), zap.Error(err))
				miss(key)
				return nil
			}
			metrics.RecordRemoteFetch(len(data))
			return nil
		})
	}
	_ = g.Wait()
	return missing, nil
}

func (r *LfsRemote) Get(ctx context.Context, key StoreKey) ([]byte, error) {
	missing, err := r.Prefetch(ctx, []StoreKey{key})
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, ErrNotFound
	}
	store, _, _ := r.locate(key)
	return store.Get(ctx, key)
}

func (r *LfsRemote) GetMeta(ctx context.Context, key StoreKey) (Metadata, error) {
	missing, err := r.Prefetch(ctx, []StoreKey{key})
	if err != nil {
		return Metadata{}, err
	}
	if len(missing) > 0 {
		return Metadata{}, ErrNotFound
	}
	store, _, _ := r.locate(key)
	return store.GetMeta(ctx, key)
}

func (r *LfsRemote) GetMissing(ctx context.Context, keys []StoreKey) ([]StoreKey, error) {
	var missing []StoreKey
	for _, k := range keys {
		store, oid, ok := r.locate(k)
		if !ok || store == nil || !store.HasBlob(oid) {
			missing = append(missing, k)
		}
	}
	return missing, nil
}

func (r *LfsRemote) Refresh() error {
	return nil
}

func (r *LfsRemote) Upload(ctx context.Context, keys []StoreKey) ([]StoreKey, error) {
	var notSent []StoreKey
	for _, key := range keys {
		store, oid, ok := r.locate(key)
		if !ok || store == nil {
			notSent = append(notSent, key)
			continue
		}
		data, err := store.blob(oid)
		if isNotFound(err) {
			notSent = append(notSent, key)
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := r.client.PutObject(ctx, lfsObjectName(oid), data, ObjectAttrs{}); err != nil {
			return nil, fmt.Errorf("uploading large object %s: %w", oid, err)
		}
	}
	return notSent, nil
}

// FullFetcher returns full content for a revision regardless of how the
// remote stores it.
type FullFetcher interface {
	FetchFull(ctx context.Context, k Key) ([]byte, error)
}

// LfsFallback retries a large-object miss through the ordinary remote,
// caching the full content in shared.
type LfsFallback struct {
	remote FullFetcher
	shared MutableStore
	logger *zap.Logger
}

func NewLfsFallback(remote FullFetcher, shared MutableStore, logger *zap.Logger) *LfsFallback {
	return &LfsFallback{
		remote: remote,
		shared: shared,
		logger: logging.OrNop(logger).With(zap.String("tier", "lfs-fallback")),
	}
}

func (f *LfsFallback) Prefetch(ctx context.Context, keys []StoreKey) ([]StoreKey, error) {
	var missing []StoreKey
	for _, sk := range keys {
		k, ok := sk.Key()
		if !ok {
			missing = append(missing, sk)
			continue
		}
		data, err := f.remote.FetchFull(ctx, k)
		if isNotFound(err) {
			missing = append(missing, sk)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetching full content of %s: %w", k, err)
		}
		f.logger.Debug("served large object through fallback", zap.Stringer("key", k))
		if err := f.shared.Add(Delta{Key: k, Data: data}, Metadata{}); err != nil {
			return nil, err
		}
	}
	return missing, nil
}

func (f *LfsFallback) Get(ctx context.Context, key StoreKey) ([]byte, error) {
	missing, err := f.Prefetch(ctx, []StoreKey{key})
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, ErrNotFound
	}
	return f.shared.Get(ctx, key)
}

func (f *LfsFallback) GetMeta(ctx context.Context, key StoreKey) (Metadata, error) {
	if _, err := f.Get(ctx, key); err != nil {
		return Metadata{}, err
	}
	return f.shared.GetMeta(ctx, key)
}

func (f *LfsFallback) GetMissing(_ context.Context, keys []StoreKey) ([]StoreKey, error) {
	return keys, nil
}

func (f *LfsFallback) Refresh() error {
	return nil
}

// Upload is never served by the fallback.
func (f *LfsFallback) Upload(_ context.Context, keys []StoreKey) ([]StoreKey, error) {
	return keys, nil
}
