// Package revstore is the layered content store: local, shared and remote
// tiers queried in priority order behind one DataStore.
package revstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by every tier for a key it does not hold.
var ErrNotFound = errors.New("key not found in store")

// Node identifies one revision of a file.
type Node [20]byte

func (n Node) String() string {
	return hex.EncodeToString(n[:])
}

func (n Node) IsNull() bool {
	return n == Node{}
}

func ParseNode(s string) (Node, error) {
	var n Node
	b, err := hex.DecodeString(s)
	if err != nil {
		return n, fmt.Errorf("parsing node %q: %w", s, err)
	}
	if len(b) != len(n) {
		return n, fmt.Errorf("parsing node %q: want %d bytes, got %d", s, len(n), len(b))
	}
	copy(n[:], b)
	return n, nil
}

// NodeFor derives a deterministic node from content; tests and tools use it
// when no revision id is at hand.
func NodeFor(data []byte) Node {
	sum := sha256.Sum256(data)
	var n Node
	copy(n[:], sum[:])
	return n
}

// Key names a file revision.
type Key struct {
	Path string
	Node Node
}

func (k Key) String() string {
	return k.Path + "@" + k.Node.String()[:12]
}

// ContentHash is the sha256 of a file's full content.
type ContentHash [32]byte

func Sha256(data []byte) ContentHash {
	return ContentHash(sha256.Sum256(data))
}

func (h ContentHash) String() string {
	return hex.EncodeToString(h[:])
}

func ParseContentHash(s string) (ContentHash, error) {
	var h ContentHash
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(h) {
		return h, fmt.Errorf("invalid sha256 %q", s)
	}
	copy(h[:], b)
	return h, nil
}

// StoreKey is either a file revision key or a content hash.
type StoreKey struct {
	key      Key
	hash     ContentHash
	isHashed bool
}

func FileKey(k Key) StoreKey {
	return StoreKey{key: k}
}

func ContentKey(h ContentHash) StoreKey {
	return StoreKey{hash: h, isHashed: true}
}

// Key returns the file key; ok is false for content keys.
func (s StoreKey) Key() (Key, bool) {
	return s.key, !s.isHashed
}

// Hash returns the content hash; ok is false for file keys.
func (s StoreKey) Hash() (ContentHash, bool) {
	return s.hash, s.isHashed
}

func (s StoreKey) String() string {
	if s.isHashed {
		return "sha256:" + s.hash.String()
	}
	return s.key.String()
}

// encode gives the byte form used as a KV key.
func (s StoreKey) encode() []byte {
	if s.isHashed {
		return []byte("c/" + s.hash.String())
	}
	return []byte("f/" + s.key.Node.String() + "/" + s.key.Path)
}

func decodeStoreKey(b []byte) (StoreKey, error) {
	str := string(b)
	switch {
	case strings.HasPrefix(str, "c/"):
		h, err := ParseContentHash(str[2:])
		if err != nil {
			return StoreKey{}, err
		}
		return ContentKey(h), nil
	case strings.HasPrefix(str, "f/"):
		rest := str[2:]
		i := strings.IndexByte(rest, '/')
		if i < 0 {
			return StoreKey{}, fmt.Errorf("malformed store key %q", str)
		}
		n, err := ParseNode(rest[:i])
		if err != nil {
			return StoreKey{}, err
		}
		return FileKey(Key{Path: rest[i+1:], Node: n}), nil
	}
	return StoreKey{}, fmt.Errorf("malformed store key %q", str)
}

// Delta is one write. Base is reserved for delta-chain compression and is
// ignored by every tier here.
type Delta struct {
	Key  Key
	Base *Key
	Data []byte
}

const (
	// FlagLFS marks data that is a large-object pointer rather than content.
	FlagLFS uint64 = 1 << 13
)

type Metadata struct {
	Size  *uint64
	Flags uint64
}

func (m Metadata) IsLFS() bool {
	return m.Flags&FlagLFS != 0
}

// ContentMetadata describes a large-object blob.
type ContentMetadata struct {
	Size     uint64
	IsBinary bool
	Hash     ContentHash
}

// DataStore is the read capability every tier has.
type DataStore interface {
	Get(ctx context.Context, key StoreKey) ([]byte, error)
	GetMeta(ctx context.Context, key StoreKey) (Metadata, error)
	// GetMissing returns the keys this store cannot serve without network access.
	GetMissing(ctx context.Context, keys []StoreKey) ([]StoreKey, error)
	Refresh() error
}

// MutableStore is a tier that accepts writes. Written data is only durable
// after Flush, which returns the locations it wrote.
type MutableStore interface {
	DataStore
	Add(delta Delta, meta Metadata) error
	Flush() ([]string, error)
}

// RemoteDataStore is a tier backed by network storage.
type RemoteDataStore interface {
	DataStore
	// Prefetch fetches keys into the local cache and returns those still missing.
	Prefetch(ctx context.Context, keys []StoreKey) ([]StoreKey, error)
	// Upload sends keys to the remote and returns those that were not sent.
	Upload(ctx context.Context, keys []StoreKey) ([]StoreKey, error)
}

// ContentDataStore serves raw large-object blobs.
type ContentDataStore interface {
	Blob(ctx context.Context, key StoreKey) ([]byte, error)
	ContentMetadata(ctx context.Context, key StoreKey) (ContentMetadata, error)
}

// RemoteStore produces a RemoteDataStore that caches fetched data in shared
// and reads uploads from local.
type RemoteStore interface {
	DataStore(shared MutableStore, local DataStore) RemoteDataStore
}

// StoreKind selects durability behaviour of a tier.
type StoreKind int

const (
	// Permanent stores hold local truth; corrupt entries are reported.
	Permanent StoreKind = iota
	// Rotated stores are caches; corrupt entries are dropped.
	Rotated
)

func (k StoreKind) String() string {
	if k == Rotated {
		return "rotated"
	}
	return "permanent"
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
