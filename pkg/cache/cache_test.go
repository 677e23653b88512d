package cache_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/illmade-knight/go-gigcache/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	dataNS   = cache.Namespace("gigcache-data-v1")
	assetsNS = cache.Namespace("gigcache-assets-v1")
)

// runStoreConformance exercises the behaviour every Store implementation must share.
func runStoreConformance(t *testing.T, newStore func(t *testing.T) cache.Store) {
	ctx := context.Background()

	t.Run("Get miss returns ErrNotFound", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Get(ctx, dataNS, "gig:missing")

		require.Error(t, err)
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("Put then Get round-trips the payload byte for byte", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		payload := []byte(`{"id":"42","sets":[{"position":1}]}`)

		// Act
		require.NoError(t, store.Put(ctx, dataNS, "gig:42", payload))
		entry, err := store.Get(ctx, dataNS, "gig:42")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "gig:42", entry.Key)
		assert.Equal(t, payload, entry.Payload)
		assert.False(t, entry.FetchedAt.IsZero())
	})

	t.Run("Put replaces the whole entry", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Put(ctx, dataNS, "gig:1", []byte("first version, longer")))
		require.NoError(t, store.Put(ctx, dataNS, "gig:1", []byte("second")))

		entry, err := store.Get(ctx, dataNS, "gig:1")

		require.NoError(t, err)
		assert.Equal(t, []byte("second"), entry.Payload)
	})

	t.Run("Namespaces are closed key spaces", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Put(ctx, dataNS, "shared-key", []byte("data")))

		_, err := store.Get(ctx, assetsNS, "shared-key")

		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("Delete is idempotent", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Put(ctx, dataNS, "gig:7", []byte("x")))

		require.NoError(t, store.Delete(ctx, dataNS, "gig:7"))
		require.NoError(t, store.Delete(ctx, dataNS, "gig:7"))

		_, err := store.Get(ctx, dataNS, "gig:7")
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("DeleteNamespace leaves other namespaces intact", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Put(ctx, dataNS, "gig:1", []byte("a")))
		require.NoError(t, store.Put(ctx, dataNS, "gig:2", []byte("b")))
		require.NoError(t, store.Put(ctx, assetsNS, "/static/app.css", []byte("body{}")))

		require.NoError(t, store.DeleteNamespace(ctx, dataNS))

		_, err := store.Get(ctx, dataNS, "gig:1")
		assert.ErrorIs(t, err, cache.ErrNotFound)
		_, err = store.Get(ctx, dataNS, "gig:2")
		assert.ErrorIs(t, err, cache.ErrNotFound)
		entry, err := store.Get(ctx, assetsNS, "/static/app.css")
		require.NoError(t, err)
		assert.Equal(t, []byte("body{}"), entry.Payload)

		namespaces, err := store.Namespaces(ctx)
		require.NoError(t, err)
		assert.Contains(t, namespaces, assetsNS)
		assert.NotContains(t, namespaces, dataNS)
	})

	t.Run("Concurrent readers never observe a partial write", func(t *testing.T) {
		store := newStore(t)
		first := []byte(`{"version":"aaaaaaaaaaaaaaaa"}`)
		second := []byte(`{"version":"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"}`)
		require.NoError(t, store.Put(ctx, dataNS, "gig:race", first))

		var wg sync.WaitGroup
		errs := make(chan error, 64)
		for i := 0; i < 8; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				payload := first
				if i%2 == 0 {
					payload = second
				}
				if err := store.Put(ctx, dataNS, "gig:race", payload); err != nil {
					errs <- err
				}
			}(i)
			go func() {
				defer wg.Done()
				entry, err := store.Get(ctx, dataNS, "gig:race")
				if err != nil {
					errs <- err
					return
				}
				if string(entry.Payload) != string(first) && string(entry.Payload) != string(second) {
					errs <- fmt.Errorf("observed partial payload %q", entry.Payload)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}
	})
}

func TestInMemoryStore(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) cache.Store {
		return cache.NewInMemoryStore()
	})
}

func TestInMemoryStore_CopiesPayload(t *testing.T) {
	// Arrange
	ctx := context.Background()
	store := cache.NewInMemoryStore()
	payload := []byte("original")
	require.NoError(t, store.Put(ctx, dataNS, "gig:1", payload))

	// Act: mutate both the caller's slice and a returned slice.
	payload[0] = 'X'
	entry, err := store.Get(ctx, dataNS, "gig:1")
	require.NoError(t, err)
	entry.Payload[1] = 'Y'

	// Assert
	again, err := store.Get(ctx, dataNS, "gig:1")
	require.NoError(t, err)
	assert.Equal(t, "original", string(again.Payload))
}

func TestDisabledStore(t *testing.T) {
	ctx := context.Background()
	var store cache.Store = cache.DisabledStore{}

	require.NoError(t, store.Put(ctx, dataNS, "gig:1", []byte("dropped")))
	_, err := store.Get(ctx, dataNS, "gig:1")
	assert.ErrorIs(t, err, cache.ErrNotFound)
	assert.NoError(t, store.Delete(ctx, dataNS, "gig:1"))
	assert.NoError(t, store.DeleteNamespace(ctx, dataNS))
	namespaces, err := store.Namespaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, namespaces)
}
