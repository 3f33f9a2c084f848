// Package watcher defines the filesystem watcher a working copy queries for
// possibly changed files, and an in-process implementation of it.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	tigerrors "tigscm/internal/errors"
	"tigscm/internal/logging"
	"tigscm/internal/retry"
)

var (
	ErrConnect     = errors.New("watcher is not reachable")
	ErrUnknownRoot = errors.New("root is not watched")
	ErrSyncTimeout = errors.New("timed out waiting for watcher to settle")
)

// File is one reported path. Name is raw bytes as the watcher saw them and
// may not be a valid repository path.
type File struct {
	Name   []byte
	Mode   uint32
	Size   uint64
	Mtime  time.Time
	Exists bool
}

type QueryRequest struct {
	// Since is the token from a previous query. Nil asks for every file.
	Since *string
	// ExcludeDirs are directory names whose contents are never reported.
	ExcludeDirs []string
	// SyncTimeout bounds how long the watcher may wait for pending events
	// before answering. Zero skips the wait.
	SyncTimeout time.Duration
}

// QueryResult lists files changed since the request's token. When
// IsFreshInstance is set the token was not honored and Files holds every file
// currently in the tree.
type QueryResult struct {
	Files           []File
	Clock           string
	IsFreshInstance bool
}

// Root is a resolved watch root.
type Root struct {
	Path string
}

// RootStatus reports crawl progress for a root.
type RootStatus struct {
	Crawling     bool
	CrawledFiles uint64
}

type Client interface {
	// ResolveRoot starts watching path if needed. It returns once the
	// initial crawl is done.
	ResolveRoot(ctx context.Context, path string) (Root, error)
	Query(ctx context.Context, root Root, req QueryRequest) (QueryResult, error)
	RootStatus(ctx context.Context, root Root) (RootStatus, error)
	Close() error
}

type Connector interface {
	Connect(ctx context.Context) (Client, error)
}

// ConnectWithRetry keeps trying to connect every interval, giving each attempt
// at most attemptTimeout. It fails only once ctx is done.
func ConnectWithRetry(ctx context.Context, connector Connector, attemptTimeout, interval time.Duration, logger *zap.Logger) (Client, error) {
	logger = logging.OrNop(logger)

	type connected struct {
		client Client
		err    error
	}

	attempts := 0
	client, err := retry.Do(ctx, retry.Fixed(interval, attemptTimeout), func(ctx context.Context) (Client, error) {
		attempts++

		// A connect that ignores ctx must not hold up the retry loop.
		done := make(chan connected, 1)
		go func() {
			c, err := connector.Connect(ctx)
			done <- connected{c, err}
		}()

		select {
		case r := <-done:
			if r.err != nil {
				logger.Debug("watcher connect failed", zap.Int("attempt", attempts), zap.Error(r.err))
				return nil, retry.Retryable(r.err)
			}
			return r.client, nil
		case <-ctx.Done():
			go func() {
				if r := <-done; r.client != nil {
					r.client.Close()
				}
			}()
			logger.Debug("watcher connect timed out", zap.Int("attempt", attempts))
			return nil, retry.Retryable(ctx.Err())
		}
	})
	if err != nil {
		return nil, tigerrors.Transient("connecting to watcher", fmt.Errorf("%w: %w", ErrConnect, err))
	}
	if attempts > 1 {
		logger.Info("connected to watcher", zap.Int("attempts", attempts))
	}
	return client, nil
}

// ParsePID extracts the watcher process id from a clock token of the form
// c:<start>:<pid>:....
func ParsePID(clock string) (int, bool) {
	fields := strings.Split(clock, ":")
	if len(fields) < 3 {
		return 0, false
	}
	pid, err := strconv.Atoi(fields[2])
	if err != nil {
		return 0, false
	}
	return pid, true
}
