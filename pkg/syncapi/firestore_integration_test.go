//go:build integration

package syncapi_test

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-gigcache/pkg/syncapi"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFirestoreSource_Integration needs a running emulator, e.g.
// FIRESTORE_EMULATOR_HOST=localhost:8080.
func TestFirestoreSource_Integration(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	const projectID = "test-project"
	client, err := firestore.NewClient(ctx, projectID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	// Each run gets its own scope so leftovers in the emulator do not interfere.
	scope := "band-" + uuid.NewString()
	base := time.Date(2026, 10, 1, 18, 0, 0, 0, time.UTC)
	songs := client.Collection("bands").Doc(scope).Collection("songs")
	for i, title := range []string{"Sweet Jane", "Heroes", "Waterloo Sunset"} {
		_, err := songs.Doc(title).Set(ctx, map[string]any{
			"title":     title,
			"updatedAt": base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	source, err := syncapi.NewFirestoreSource(&syncapi.FirestoreConfig{ProjectID: projectID}, client, zerolog.Nop())
	require.NoError(t, err)

	t.Run("Stats counts documents and finds the newest", func(t *testing.T) {
		stats, err := source.Stats(ctx, scope, "songs")

		require.NoError(t, err)
		assert.Equal(t, 3, stats.Count)
		require.NotNil(t, stats.LastModified)
		assert.True(t, base.Add(2*time.Hour).Equal(*stats.LastModified))
	})

	t.Run("Stats on an empty collection", func(t *testing.T) {
		stats, err := source.Stats(ctx, scope, "setlists")

		require.NoError(t, err)
		assert.Zero(t, stats.Count)
		assert.Nil(t, stats.LastModified)
	})

	t.Run("ChangedSince is newest first and limited", func(t *testing.T) {
		changes, err := source.ChangedSince(ctx, scope, "songs", base, time.Time{}, 1)

		require.NoError(t, err)
		require.Len(t, changes, 1)
		assert.Equal(t, "Waterloo Sunset", changes[0].ID)
		assert.Equal(t, "Waterloo Sunset", changes[0].Fields["title"])
		assert.NotContains(t, changes[0].Fields, "updatedAt")
		assert.True(t, base.Add(2*time.Hour).Equal(changes[0].UpdatedAt))
	})

	t.Run("ChangedSince excludes the since instant", func(t *testing.T) {
		changes, err := source.ChangedSince(ctx, scope, "songs", base, time.Time{}, 0)

		require.NoError(t, err)
		require.Len(t, changes, 2)
		assert.Equal(t, "Waterloo Sunset", changes[0].ID)
		assert.Equal(t, "Heroes", changes[1].ID)
	})

	t.Run("ChangedSince honours an inclusive until", func(t *testing.T) {
		changes, err := source.ChangedSince(ctx, scope, "songs", base.Add(-time.Hour), base.Add(time.Hour), 0)

		require.NoError(t, err)
		require.Len(t, changes, 2)
		assert.Equal(t, "Heroes", changes[0].ID)
		assert.Equal(t, "Sweet Jane", changes[1].ID)
	})
}
