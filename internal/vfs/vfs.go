// Package vfs gives path-relative access to the working copy on disk.
package vfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Metadata is a stat snapshot of one working copy file.
type Metadata struct {
	Mode  uint32
	Size  uint64
	Mtime time.Time
}

func (m Metadata) IsSymlink() bool {
	return fs.FileMode(m.Mode)&fs.ModeSymlink != 0
}

func (m Metadata) IsExec() bool {
	return !m.IsSymlink() && fs.FileMode(m.Mode)&0o111 != 0
}

func (m Metadata) IsRegular() bool {
	return fs.FileMode(m.Mode).IsRegular()
}

// FromFileInfo converts an os stat result.
func FromFileInfo(info fs.FileInfo) Metadata {
	return Metadata{
		Mode:  uint32(info.Mode()),
		Size:  uint64(info.Size()),
		Mtime: info.ModTime(),
	}
}

type VFS struct {
	root          string
	caseSensitive bool
}

// New opens root and checks whether the filesystem folds case.
func New(root string) (*VFS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("opening working copy: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("working copy root %s is not a directory", abs)
	}
	return &VFS{root: abs, caseSensitive: detectCaseSensitive(abs)}, nil
}

// NewWithCase skips probing.
func NewWithCase(root string, caseSensitive bool) *VFS {
	return &VFS{root: root, caseSensitive: caseSensitive}
}

func detectCaseSensitive(root string) bool {
	f, err := os.CreateTemp(root, ".tigcase-")
	if err != nil {
		return true
	}
	name := f.Name()
	f.Close()
	defer os.Remove(name)

	base := filepath.Base(name)
	swapped := strings.ToUpper(base)
	if swapped == base {
		swapped = strings.ToLower(base)
	}
	_, err = os.Lstat(filepath.Join(root, swapped))
	return err != nil
}

func (v *VFS) Root() string {
	return v.root
}

func (v *VFS) CaseSensitive() bool {
	return v.caseSensitive
}

// Join maps a repository path onto the filesystem.
func (v *VFS) Join(path string) string {
	return filepath.Join(v.root, filepath.FromSlash(path))
}

// Lstat stats path without following a final symlink. A missing file is
// reported with an error satisfying errors.Is(err, fs.ErrNotExist).
func (v *VFS) Lstat(path string) (Metadata, error) {
	info, err := os.Lstat(v.Join(path))
	if err != nil {
		return Metadata{}, err
	}
	return FromFileInfo(info), nil
}

// Read returns file contents, or the link target for a symlink.
func (v *VFS) Read(path string) ([]byte, error) {
	full := v.Join(path)
	info, err := os.Lstat(full)
	if err != nil {
		return nil, err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(full)
		if err != nil {
			return nil, fmt.Errorf("reading link %s: %w", path, err)
		}
		return []byte(filepath.ToSlash(target)), nil
	}
	return os.ReadFile(full)
}

// IsNotExist also treats ENOTDIR as missing: a parent replaced by a file
// means the path is gone.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, notDir)
}
