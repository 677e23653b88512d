package cache_test

import (
	"context"
	"testing"

	"github.com/illmade-knight/go-gigcache/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamespaceSet_Names(t *testing.T) {
	set, err := cache.NewNamespaceSet("gigcache", 3, 0)
	require.NoError(t, err)

	assert.Equal(t, cache.Namespace("gigcache-data-v3"), set.Data())
	assert.Equal(t, cache.Namespace("gigcache-assets-v1"), set.Assets())
	assert.Equal(t, set.Assets(), set.For(cache.KindStaticAssets))
	assert.Equal(t, set.Data(), set.For(cache.KindPerformanceData))

	assert.True(t, set.Owns("gigcache-data-v1"))
	assert.True(t, set.Owns("gigcache-assets-v9"))
	assert.False(t, set.Owns("otherapp-data-v1"))
	assert.True(t, set.IsCurrent("gigcache-data-v3"))
	assert.False(t, set.IsCurrent("gigcache-data-v2"))
}

func TestNewNamespaceSet_Validation(t *testing.T) {
	_, err := cache.NewNamespaceSet("  ", 1, 1)
	assert.Error(t, err)

	_, err = cache.NewNamespaceSet("bad:name", 1, 1)
	assert.Error(t, err)
}

func TestSweep(t *testing.T) {
	// Arrange
	ctx := context.Background()
	store := cache.NewInMemoryStore()
	set, err := cache.NewNamespaceSet("gigcache", 2, 1)
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "gigcache-data-v1", "gig:1", []byte("old")))
	require.NoError(t, store.Put(ctx, set.Data(), "gig:1", []byte("new")))
	require.NoError(t, store.Put(ctx, set.Assets(), "/static/app.js", []byte("js")))
	require.NoError(t, store.Put(ctx, "otherapp-data-v1", "k", []byte("foreign")))

	// Act
	swept, err := cache.Sweep(ctx, store, set, zerolog.Nop())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []cache.Namespace{"gigcache-data-v1"}, swept)

	_, err = store.Get(ctx, "gigcache-data-v1", "gig:1")
	assert.ErrorIs(t, err, cache.ErrNotFound)
	_, err = store.Get(ctx, set.Data(), "gig:1")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "otherapp-data-v1", "k")
	assert.NoError(t, err, "namespaces of other apps must survive the sweep")
}
