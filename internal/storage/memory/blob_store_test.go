package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()

	uri, err := store.PutObject(ctx, "extracted/DIT123.md", "text/markdown", []byte("# Algorithms"))
	require.NoError(t, err)
	require.Equal(t, "memory://extracted/DIT123.md", uri)

	data, err := store.GetObject(ctx, "extracted/DIT123.md")
	require.NoError(t, err)
	require.Equal(t, []byte("# Algorithms"), data)

	size, err := store.ObjectSize(ctx, "extracted/DIT123.md")
	require.NoError(t, err)
	require.Equal(t, int64(12), size)
}

func TestBlobStoreMissingObject(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, err := store.GetObject(context.Background(), "nope")
	require.Error(t, err)
	_, err = store.ObjectSize(context.Background(), "nope")
	require.Error(t, err)
}
