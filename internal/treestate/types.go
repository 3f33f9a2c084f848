package treestate

import (
	"strings"
	"time"
)

// StateFlags records where a path exists and whether it needs rechecking.
type StateFlags uint16

const (
	// ExistP1 means the path exists in the first parent.
	ExistP1 StateFlags = 1 << iota
	// ExistP2 means the path exists in the second (merge) parent.
	ExistP2
	// ExistNext means the path will exist in the next commit.
	ExistNext
	// NeedCheck marks a path whose on-disk state has not been confirmed
	// against the parent since it was last reported as possibly changed.
	NeedCheck
	// Copied means CopySource is meaningful.
	Copied
	// Ignored is set for untracked paths kept only because they need checking.
	Ignored
)

// ExistAny is the set of flags that make a path tracked.
const ExistAny = ExistP1 | ExistP2 | ExistNext

func (f StateFlags) Has(mask StateFlags) bool {
	return f&mask == mask
}

func (f StateFlags) Intersects(mask StateFlags) bool {
	return f&mask != 0
}

func (f StateFlags) String() string {
	names := []struct {
		flag StateFlags
		name string
	}{
		{ExistP1, "EXIST_P1"},
		{ExistP2, "EXIST_P2"},
		{ExistNext, "EXIST_NEXT"},
		{NeedCheck, "NEED_CHECK"},
		{Copied, "COPIED"},
		{Ignored, "IGNORED"},
	}
	var parts []string
	for _, n := range names {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// FileState is the persisted record for one path. Size < 0 means the stat
// data is unknown and the next check must compare content.
type FileState struct {
	Flags      StateFlags `json:"flags"`
	Mode       uint32     `json:"mode"`
	Size       int64      `json:"size"`
	Mtime      int64      `json:"mtime"`
	CopySource string     `json:"copy_source,omitempty"`
}

// Tracked reports whether the record claims existence anywhere.
func (s FileState) Tracked() bool {
	return s.Flags.Intersects(ExistAny)
}

// StatKnown reports whether Size/Mtime/Mode hold a clean stat snapshot.
func (s FileState) StatKnown() bool {
	return s.Size >= 0
}

func (s FileState) MtimeTime() time.Time {
	return time.Unix(0, s.Mtime)
}
