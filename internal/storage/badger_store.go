// internal/storage/badger_store.go
package storage

import (
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
)

var ErrNotFound = errors.New("key not found")

// Entry is one key/value pair in a batched write. A nil Value deletes the key.
type Entry struct {
	Key   []byte
	Value []byte
}

// KV is the generic key-value contract every store tier and the tree state
// are built on. It is used identically regardless of backing format.
type KV interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	PutBatch(entries []Entry) error
	Delete(key []byte) error
	Iterate(prefix []byte, fn func(key, value []byte) error) error
	Sync() error
	Close() error
}

// BadgerKV provides KV storage inside one key prefix of a badger database.
type BadgerKV struct {
	db     *badger.DB
	prefix string
	owned  bool
}

// NewBadgerKV shares db with other users; Close leaves db open.
func NewBadgerKV(db *badger.DB, prefix string) *BadgerKV {
	return &BadgerKV{
		db:     db,
		prefix: prefix,
	}
}

// OpenBadger opens (creating if needed) a badger database in dir.
func OpenBadger(dir string) (*badger.DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Several small databases are open at once (one per store tier), so
	// memtables are kept well below badger's default.
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithNumVersionsToKeep(1).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", dir, err)
	}
	return db, nil
}

// OpenBadgerKV opens a private database in dir; Close closes it.
func OpenBadgerKV(dir, prefix string) (*BadgerKV, error) {
	db, err := OpenBadger(dir)
	if err != nil {
		return nil, err
	}
	return &BadgerKV{db: db, prefix: prefix, owned: true}, nil
}

func (s *BadgerKV) makeKey(key []byte) []byte {
	out := make([]byte, 0, len(s.prefix)+1+len(key))
	out = append(out, s.prefix...)
	out = append(out, ':')
	return append(out, key...)
}

func (s *BadgerKV) stripPrefix(key []byte) []byte {
	return key[len(s.prefix)+1:]
}

func (s *BadgerKV) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.makeKey(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return value, nil
}

func (s *BadgerKV) Put(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.makeKey(key), value)
	})
}

// PutBatch applies entries in order. Large batches are split across several
// transactions by badger's WriteBatch, so callers needing ordering between two
// groups of writes must issue two PutBatch calls.
func (s *BadgerKV) PutBatch(entries []Entry) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, e := range entries {
		var err error
		if e.Value == nil {
			err = wb.Delete(s.makeKey(e.Key))
		} else {
			err = wb.Set(s.makeKey(e.Key), e.Value)
		}
		if err != nil {
			return fmt.Errorf("batching %s: %w", e.Key, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flushing batch: %w", err)
	}
	return nil
}

func (s *BadgerKV) Delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.makeKey(key))
	})
}

// Iterate calls fn for every key under prefix with the store prefix removed.
// Both slices are copies and may be retained.
func (s *BadgerKV) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.makeKey(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := s.stripPrefix(item.KeyCopy(nil))
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("reading value of %s: %w", key, err)
			}
			if err := fn(key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerKV) Sync() error {
	return s.db.Sync()
}

func (s *BadgerKV) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// Dir returns the directory holding the database files.
func (s *BadgerKV) Dir() string {
	return s.db.Opts().Dir
}
