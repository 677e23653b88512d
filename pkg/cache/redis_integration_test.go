//go:build integration

package cache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-gigcache/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// TestRedisStore_Integration needs a reachable Redis, e.g. REDIS_ADDR=localhost:6379.
func TestRedisStore_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	runStoreConformance(t, func(t *testing.T) cache.Store {
		// Each subtest gets its own key prefix so runs do not interfere.
		cfg := &cache.RedisConfig{Addr: addr, KeyPrefix: "gigcache-test-" + uuid.NewString() + ":"}
		store, err := cache.NewRedisStore(ctx, cfg, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}
