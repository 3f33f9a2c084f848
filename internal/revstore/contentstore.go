package revstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	tigerrors "tigscm/internal/errors"
)

// RepackLocation selects which mutable tier a pending repack write targets.
type RepackLocation int

const (
	RepackLocal RepackLocation = iota
	RepackShared
)

// ContentStore is the union of every configured tier. Reads try shared
// tiers first, then local, then remote. Writes go to the local tier only.
type ContentStore struct {
	datastore *UnionStore
	local     MutableStore
	shared    MutableStore
	remote    RemoteDataStore
	blobs     *UnionContentStore

	closers []func() error
	logger  *zap.Logger
}

func (cs *ContentStore) Get(ctx context.Context, key StoreKey) ([]byte, error) {
	return cs.datastore.Get(ctx, key)
}

func (cs *ContentStore) GetMeta(ctx context.Context, key StoreKey) (Metadata, error) {
	return cs.datastore.GetMeta(ctx, key)
}

// GetMissing never touches the network.
func (cs *ContentStore) GetMissing(ctx context.Context, keys []StoreKey) ([]StoreKey, error) {
	return cs.datastore.GetMissing(ctx, keys)
}

func (cs *ContentStore) Refresh() error {
	return cs.datastore.Refresh()
}

// GetFileContent returns a revision's content with any copy header removed.
func (cs *ContentStore) GetFileContent(ctx context.Context, key Key) ([]byte, error) {
	data, err := cs.Get(ctx, FileKey(key))
	if err != nil {
		return nil, err
	}
	content, _, err := StripFileMetadata(data)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return content, nil
}

// Add writes to the local tier.
func (cs *ContentStore) Add(delta Delta, meta Metadata) error {
	if cs.local == nil {
		return tigerrors.ConfigError("writing to a non-local content store is not allowed")
	}
	return cs.local.Add(delta, meta)
}

// Flush commits the shared tier, then the local one. It returns the locations
// the local tier wrote.
func (cs *ContentStore) Flush() ([]string, error) {
	if _, err := cs.shared.Flush(); err != nil {
		return nil, fmt.Errorf("flushing shared store: %w", err)
	}
	if cs.local == nil {
		return nil, tigerrors.ConfigError("flushing a non-local content store is not allowed")
	}
	return cs.local.Flush()
}

// Prefetch fetches whatever is not already local. Without a remote it is a
// successful no-op.
func (cs *ContentStore) Prefetch(ctx context.Context, keys []StoreKey) ([]StoreKey, error) {
	if cs.remote == nil {
		return nil, nil
	}
	missing, err := cs.GetMissing(ctx, keys)
	if err != nil {
		return nil, err
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return cs.remote.Prefetch(ctx, missing)
}

// Upload returns the keys that could not be sent; all of them without a remote.
func (cs *ContentStore) Upload(ctx context.Context, keys []StoreKey) ([]StoreKey, error) {
	if cs.remote == nil {
		return keys, nil
	}
	return cs.remote.Upload(ctx, keys)
}

func (cs *ContentStore) Blob(ctx context.Context, key StoreKey) ([]byte, error) {
	return cs.blobs.Blob(ctx, key)
}

func (cs *ContentStore) ContentMetadata(ctx context.Context, key StoreKey) (ContentMetadata, error) {
	return cs.blobs.ContentMetadata(ctx, key)
}

// Shared exposes the cache tier.
func (cs *ContentStore) Shared() MutableStore {
	return cs.shared
}

// Local exposes the local tier, or nil.
func (cs *ContentStore) Local() MutableStore {
	return cs.local
}

// Tiers lists the read tiers in search order.
func (cs *ContentStore) Tiers() []string {
	return cs.datastore.Tiers()
}

// AddPending stages a repacked revision in the chosen tier.
func (cs *ContentStore) AddPending(key Key, data []byte, meta Metadata, location RepackLocation) error {
	delta := Delta{Key: key, Data: data}
	if location == RepackShared {
		return cs.shared.Add(delta, meta)
	}
	return cs.Add(delta, meta)
}

// CommitPending flushes the tier AddPending wrote to.
func (cs *ContentStore) CommitPending(location RepackLocation) ([]string, error) {
	if location == RepackShared {
		return cs.shared.Flush()
	}
	return cs.Flush()
}

// Close flushes the shared cache best-effort and releases every tier.
// Unflushed local writes are dropped, even when the local tier doubles as
// the cache; callers flush explicitly.
func (cs *ContentStore) Close() error {
	if cs.shared != cs.local {
		if _, err := cs.shared.Flush(); err != nil {
			cs.logger.Debug("flushing shared store on close", zap.Error(err))
		}
	}

	var first error
	for i := len(cs.closers) - 1; i >= 0; i-- {
		if err := cs.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	cs.closers = nil
	return first
}
