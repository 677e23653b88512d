package syncapi_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/illmade-knight/go-gigcache/pkg/syncapi"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, source syncapi.Source) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	syncapi.NewHandlers(newTestService(t, source, syncapi.ServiceConfig{}), zerolog.Nop()).RegisterRoutes(router)
	return router
}

func TestHandlers_Manifest(t *testing.T) {
	// Arrange
	router := newTestRouter(t, seededSource())
	req := httptest.NewRequest(http.MethodGet, "/api/sync/band-1/manifest", nil)
	rec := httptest.NewRecorder()

	// Act
	router.ServeHTTP(rec, req)

	// Assert
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.JSONEq(t, `{
		"collectionId": "band-1",
		"lastModified": {"gigs": "2026-10-18T10:00:00Z", "setlists": null, "songs": "2026-10-18T11:30:00Z"},
		"counts": {"gigs": 1, "setlists": 0, "songs": 2},
		"generatedAt": "2026-10-18T12:00:00Z"
	}`, rec.Body.String())
}

func TestHandlers_Delta(t *testing.T) {
	t.Run("Flattened change shape", func(t *testing.T) {
		// Arrange
		router := newTestRouter(t, seededSource())
		req := httptest.NewRequest(http.MethodGet, "/api/sync/band-1/delta?since=2026-10-18T11:00:00Z", nil)
		rec := httptest.NewRecorder()

		// Act
		router.ServeHTTP(rec, req)

		// Assert
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{
			"since": "2026-10-18T11:00:00Z",
			"generatedAt": "2026-10-18T12:00:00Z",
			"changes": {
				"gigs": [],
				"setlists": [],
				"songs": [{"id": "s1", "title": "Heroes", "updatedAt": "2026-10-18T11:30:00Z", "action": "update"}]
			}
		}`, rec.Body.String())
	})

	t.Run("Omitted since uses the default lookback", func(t *testing.T) {
		router := newTestRouter(t, seededSource())
		rec := httptest.NewRecorder()

		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sync/band-1/delta", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var batch syncapi.DeltaBatch
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))
		assert.Equal(t, testNow.Add(-24*time.Hour), batch.Since)
		assert.Equal(t, 2, batch.ChangeCount())
	})

	t.Run("Malformed since is a 400, never coerced", func(t *testing.T) {
		router := newTestRouter(t, seededSource())
		rec := httptest.NewRecorder()

		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sync/band-1/delta?since=last-tuesday", nil))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "malformed since")
	})

	t.Run("Until bounds the range", func(t *testing.T) {
		router := newTestRouter(t, seededSource())
		rec := httptest.NewRecorder()

		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sync/band-1/delta?until=2026-10-18T11:00:00Z", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var batch syncapi.DeltaBatch
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))
		require.NotNil(t, batch.Until)
		assert.Equal(t, testNow.Add(-time.Hour), *batch.Until)
		assert.Equal(t, 1, batch.ChangeCount())
	})

	t.Run("Bad until is a 400", func(t *testing.T) {
		for query, want := range map[string]string{
			"until=tomorrow": "malformed until",
			"since=2026-10-18T11:00:00Z&until=2026-10-18T10:00:00Z": "until must be after since",
		} {
			router := newTestRouter(t, seededSource())
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sync/band-1/delta?"+query, nil))

			assert.Equal(t, http.StatusBadRequest, rec.Code, query)
			assert.Contains(t, rec.Body.String(), want, query)
		}
	})
}
