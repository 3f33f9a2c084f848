// Package repolock serializes writers to a working copy's persisted state
// across processes.
package repolock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"tigscm/internal/logging"
)

var ErrLockBusy = errors.New("repository lock is held by another process")

const lockName = "wlock"

type Locker struct {
	path   string
	logger *zap.Logger
}

// New returns a locker for the lock file inside dir.
func New(dir string, logger *zap.Logger) *Locker {
	return &Locker{
		path:   filepath.Join(dir, lockName),
		logger: logging.OrNop(logger),
	}
}

// Acquire takes the lock without waiting.
func (l *Locker) Acquire() (*Guard, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	fl := flock.New(l.path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", l.path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockBusy, l.path)
	}
	l.logger.Debug("acquired repository lock", zap.String("path", l.path))
	return &Guard{fl: fl, logger: l.logger}, nil
}

// Guard holds the lock until Release.
type Guard struct {
	fl     *flock.Flock
	logger *zap.Logger
}

func (g *Guard) Release() error {
	if g == nil || g.fl == nil {
		return nil
	}
	if err := g.fl.Unlock(); err != nil {
		return fmt.Errorf("unlocking %s: %w", g.fl.Path(), err)
	}
	g.logger.Debug("released repository lock", zap.String("path", g.fl.Path()))
	g.fl = nil
	return nil
}
