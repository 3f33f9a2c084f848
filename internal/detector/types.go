package detector

import (
	"context"
	"fmt"

	"tigscm/internal/revstore"
	"tigscm/internal/treestate"
	"tigscm/internal/vfs"
)

// Observed is what is already known about a file on disk. Missing means the
// watcher asserted the file does not exist, which outranks a direct stat.
type Observed struct {
	Missing bool
	Meta    vfs.Metadata
}

// Candidate is one unit of work. A nil FSMeta means nothing is known and the
// file is stat'ed.
type Candidate struct {
	Path   string
	State  *treestate.FileState
	FSMeta *Observed
}

type FileType int

const (
	Regular FileType = iota
	Executable
	Symlink
)

func (t FileType) String() string {
	switch t {
	case Executable:
		return "executable"
	case Symlink:
		return "symlink"
	default:
		return "regular"
	}
}

// TypeOf classifies m the way manifest entries record it.
func TypeOf(m vfs.Metadata) FileType {
	switch {
	case m.IsSymlink():
		return Symlink
	case m.IsExec():
		return Executable
	default:
		return Regular
	}
}

// ManifestEntry is a file as recorded at the parent revision. Size is the
// content size, or -1 when the manifest does not know it.
type ManifestEntry struct {
	Key  revstore.Key
	Size int64
	Type FileType
}

// Manifest resolves paths at the parent revision.
type Manifest interface {
	Lookup(path string) (ManifestEntry, bool, error)
}

// ContentReader returns the parent revision's bytes, without copy headers.
type ContentReader interface {
	GetFileContent(ctx context.Context, key revstore.Key) ([]byte, error)
}

// FileReader reads the working copy; *vfs.VFS implements it.
type FileReader interface {
	Lstat(path string) (vfs.Metadata, error)
	Read(path string) ([]byte, error)
}

type Kind int

const (
	Changed Kind = iota
	Deleted
	Unchanged
)

func (k Kind) String() string {
	switch k {
	case Changed:
		return "changed"
	case Deleted:
		return "deleted"
	default:
		return "unchanged"
	}
}

// Resolution is the verdict for one candidate. Meta is set for Changed.
// Refresh is set for Unchanged files whose recorded stat data should be
// replaced.
type Resolution struct {
	Kind    Kind
	Path    string
	Meta    vfs.Metadata
	Refresh *vfs.Metadata
}

func (r Resolution) String() string {
	return fmt.Sprintf("%s %s", r.Kind, r.Path)
}

// Result carries either a Resolution or a per-item error for Path.
type Result struct {
	Resolution
	Err error
}

// RefreshPolicy decides whether a content-equal file with different stat
// data gets its recorded stat data refreshed.
type RefreshPolicy int

const (
	RefreshAlways RefreshPolicy = iota
	RefreshNever
)

func ParseRefreshPolicy(s string) (RefreshPolicy, error) {
	switch s {
	case "", "always":
		return RefreshAlways, nil
	case "never":
		return RefreshNever, nil
	}
	return RefreshAlways, fmt.Errorf("unknown refresh policy %q", s)
}
