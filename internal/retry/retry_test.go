package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialWait: time.Millisecond, Multiplier: 1}

	t.Run("succeeds after retries", func(t *testing.T) {
		calls := 0
		v, err := Do(context.Background(), cfg, func(context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, Retryable(errors.New("not yet"))
			}
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, v)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		calls := 0
		permanent := errors.New("permanent")
		_, err := Do(context.Background(), cfg, func(context.Context) (int, error) {
			calls++
			return 0, permanent
		})
		assert.ErrorIs(t, err, permanent)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		_, err := Do(context.Background(), cfg, func(context.Context) (int, error) {
			calls++
			return 0, Retryable(errors.New("down"))
		})
		assert.Error(t, err)
		assert.True(t, IsRetryable(err))
		assert.Equal(t, 3, calls)
	})
}

func TestFixedHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Do(ctx, Fixed(10*time.Millisecond, time.Second), func(context.Context) (struct{}, error) {
		return struct{}{}, Retryable(errors.New("refused"))
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
