package revstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogStoreHidesPointers(t *testing.T) {
	ctx := context.Background()
	s, err := OpenLogStore(t.TempDir(), LogStoreOptions{Kind: Rotated})
	require.NoError(t, err)
	defer s.Close()

	k := testKey("big", "1")
	p := PointerFor([]byte("0123456789abcdef"))
	require.NoError(t, s.Add(Delta{Key: k, Data: p.Bytes()}, Metadata{Flags: FlagLFS}))

	check := func(t *testing.T) {
		_, err := s.Get(ctx, FileKey(k))
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetMeta(ctx, FileKey(k))
		assert.ErrorIs(t, err, ErrNotFound)
		missing, err := s.GetMissing(ctx, []StoreKey{FileKey(k)})
		require.NoError(t, err)
		assert.Equal(t, []StoreKey{FileKey(k)}, missing)
	}

	t.Run("pending", check)
	_, err = s.Flush()
	require.NoError(t, err)
	t.Run("flushed", check)
}
