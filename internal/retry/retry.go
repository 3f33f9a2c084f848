// Package retry runs operations again after retryable failures.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

type Config struct {
	MaxAttempts int           // 0 retries until ctx is done
	InitialWait time.Duration // wait before the second attempt
	MaxWait     time.Duration
	Multiplier  float64 // 1 gives a fixed interval
	Jitter      float64 // fraction of the wait, 0-1
	// AttemptTimeout bounds each attempt when non-zero.
	AttemptTimeout time.Duration
}

// DefaultConfig is exponential backoff suited to network calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// Fixed retries every interval until ctx is done, giving each attempt at most
// attemptTimeout.
func Fixed(interval, attemptTimeout time.Duration) Config {
	return Config{
		InitialWait:    interval,
		MaxWait:        interval,
		Multiplier:     1,
		AttemptTimeout: attemptTimeout,
	}
}

type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// Retryable marks err as worth another attempt.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

func (c Config) wait(attempt int) time.Duration {
	wait := float64(c.InitialWait) * math.Pow(c.Multiplier, float64(attempt-1))
	if c.MaxWait > 0 && wait > float64(c.MaxWait) {
		wait = float64(c.MaxWait)
	}
	if c.Jitter > 0 {
		wait += wait * c.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(wait)
}

// Do executes fn until it succeeds, returns a non-retryable error, runs out
// of attempts, or ctx is done. On ctx expiry the last attempt's error is
// returned wrapped with the context error.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if cfg.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.AttemptTimeout)
		}
		r, err := fn(attemptCtx)
		cancel()
		if err == nil {
			return r, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, errors.Join(ctx.Err(), lastErr)
		}

		select {
		case <-ctx.Done():
			return zero, errors.Join(ctx.Err(), lastErr)
		case <-time.After(cfg.wait(attempt)):
		}
	}

	return zero, lastErr
}
