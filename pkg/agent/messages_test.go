package agent_test

import (
	"testing"
	"time"

	"github.com/illmade-knight/go-gigcache/pkg/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCommand(t *testing.T) {
	testCases := []struct {
		name   string
		input  string
		wantID string
		want   agent.Command
	}{
		{
			name:  "Cache for offline",
			input: `{"type":"CACHE_FOR_OFFLINE","resourceId":"42"}`,
			want:  agent.CacheForOffline{ResourceID: "42"},
		},
		{
			name:   "Status with correlation id",
			input:  `{"id":"abc","type":"GET_CACHE_STATUS","resourceId":"gig:42"}`,
			wantID: "abc",
			want:   agent.GetCacheStatus{ResourceID: "gig:42"},
		},
		{
			name:  "Clear",
			input: `{"type":"CLEAR_CACHE","resourceId":"42"}`,
			want:  agent.ClearCache{ResourceID: "42"},
		},
		{
			name:  "Fetch bypassing the cache",
			input: `{"type":"FETCH","path":"/api/gigs/42/performance","bypassCache":true}`,
			want:  agent.Fetch{Path: "/api/gigs/42/performance", BypassCache: true},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			id, cmd, err := agent.DecodeCommand([]byte(tc.input))

			require.NoError(t, err)
			assert.Equal(t, tc.wantID, id)
			assert.Equal(t, tc.want, cmd)
		})
	}

	t.Run("Unknown type", func(t *testing.T) {
		_, _, err := agent.DecodeCommand([]byte(`{"type":"SELF_DESTRUCT"}`))
		assert.ErrorIs(t, err, agent.ErrUnknownMessage)
	})

	t.Run("Missing resource id", func(t *testing.T) {
		_, _, err := agent.DecodeCommand([]byte(`{"type":"CACHE_FOR_OFFLINE"}`))
		assert.ErrorIs(t, err, agent.ErrInvalidMessage)
	})

	t.Run("Not JSON", func(t *testing.T) {
		_, _, err := agent.DecodeCommand([]byte(`CACHE_FOR_OFFLINE 42`))
		assert.ErrorIs(t, err, agent.ErrInvalidMessage)
	})
}

func TestEncodeCommand_RoundTripsThroughDecode(t *testing.T) {
	data, err := agent.EncodeCommand("c1", agent.Fetch{Path: "/gigs/42/performance"})
	require.NoError(t, err)

	id, cmd, err := agent.DecodeCommand(data)

	require.NoError(t, err)
	assert.Equal(t, "c1", id)
	assert.Equal(t, agent.Fetch{Path: "/gigs/42/performance"}, cmd)
}

func TestEncodeEvent(t *testing.T) {
	t.Run("Cached", func(t *testing.T) {
		data, err := agent.EncodeEvent(agent.Cached{ResourceID: "42"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"CACHED","resourceId":"42"}`, string(data))
	})

	t.Run("Cache error", func(t *testing.T) {
		data, err := agent.EncodeEvent(agent.CacheError{CorrelationID: "c1", ResourceID: "42", Error: "page: offline", DataCached: true})
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"c1","type":"CACHE_ERROR","resourceId":"42","error":"page: offline","dataCached":true,"pageCached":false}`, string(data))
	})

	t.Run("Cache status", func(t *testing.T) {
		data, err := agent.EncodeEvent(agent.CacheStatus{ResourceID: "42", DataCached: true, PageCached: true, FullyCached: true})
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"CACHE_STATUS","resourceId":"42","dataCached":true,"pageCached":true,"fullyCached":true}`, string(data))
	})

	t.Run("Failed fetch carries the error kind", func(t *testing.T) {
		data, err := agent.EncodeEvent(agent.FetchResult{
			Path:  "/assets/logo.svg",
			Class: agent.ClassStaticAsset,
			Err:   &agent.FetchError{Kind: agent.AssetUnavailableOffline, Path: "/assets/logo.svg"},
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"type":"FETCH_RESULT","path":"/assets/logo.svg","class":"static-asset","stale":false,
			"error":{"kind":"asset-unavailable-offline","path":"/assets/logo.svg"},
			"message":"asset-unavailable-offline: /assets/logo.svg"
		}`, string(data))
	})

	t.Run("Data updated", func(t *testing.T) {
		at := time.Date(2026, 10, 1, 18, 0, 0, 0, time.UTC)
		data, err := agent.EncodeEvent(agent.DataUpdated{ResourceID: "42", Path: "/api/gigs/42/performance", FetchedAt: at, Changed: true})
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"DATA_UPDATED","resourceId":"42","path":"/api/gigs/42/performance","fetchedAt":"2026-10-01T18:00:00Z","changed":true}`, string(data))
	})
	t.Run("Refresh failed", func(t *testing.T) {
		data, err := agent.EncodeEvent(agent.RefreshFailed{
			ResourceID: "42", Path: "/api/gigs/42/performance", Kind: agent.NetworkUnavailable, Error: "offline",
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"REFRESH_FAILED","resourceId":"42","path":"/api/gigs/42/performance","kind":"network-unavailable","error":"offline"}`, string(data))
	})
}
