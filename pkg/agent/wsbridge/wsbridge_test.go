package wsbridge_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/illmade-knight/go-gigcache/pkg/agent"
	"github.com/illmade-knight/go-gigcache/pkg/agent/wsbridge"
	"github.com/illmade-knight/go-gigcache/pkg/cache"
	"github.com/illmade-knight/go-gigcache/pkg/gig"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBridgedAgent(t *testing.T) string {
	t.Helper()
	snapshot, err := gig.Encode(gig.Snapshot{
		GigID: "42",
		Title: "Friday",
		Sets:  []gig.Set{{Position: 1, Songs: []gig.SongEntry{{Position: 1, SongID: "s1", Title: "Heroes"}}}},
	})
	require.NoError(t, err)

	origin := agent.OriginFunc(func(_ context.Context, path string) (agent.Response, error) {
		switch path {
		case "/api/gigs/42/performance":
			return agent.Response{Status: http.StatusOK, ContentType: "application/json", Body: snapshot}, nil
		case "/gigs/42/performance":
			return agent.Response{Status: http.StatusOK, ContentType: "text/html", Body: []byte("<html></html>")}, nil
		default:
			return agent.Response{Status: http.StatusNotFound}, nil
		}
	})
	namespaces, err := cache.NewNamespaceSet("gigcache", 1, 1)
	require.NoError(t, err)
	a, err := agent.New(agent.Config{Namespaces: namespaces}, cache.NewInMemoryStore(), origin, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	server := httptest.NewServer(wsbridge.NewHandler(wsbridge.Config{}, a, zerolog.Nop()))
	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// readUntil reads frames until one has the wanted correlation id.
func readUntil(t *testing.T, conn *websocket.Conn, id string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame["id"] == id {
			return frame
		}
	}
}

func TestHandler_BridgesControlMessages(t *testing.T) {
	// Arrange
	url := newBridgedAgent(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// Act
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"pin-1","type":"CACHE_FOR_OFFLINE","resourceId":"42"}`)))
	pinned := readUntil(t, conn, "pin-1")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"status-1","type":"GET_CACHE_STATUS","resourceId":"42"}`)))
	status := readUntil(t, conn, "status-1")

	// Assert
	assert.Equal(t, "CACHED", pinned["type"])
	assert.Equal(t, "42", pinned["resourceId"])
	assert.Equal(t, "CACHE_STATUS", status["type"])
	assert.Equal(t, true, status["fullyCached"])
}

func TestHandler_IgnoresMalformedCommands(t *testing.T) {
	// Arrange
	url := newBridgedAgent(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// Act
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"NOPE"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"f-1","type":"FETCH","path":"/api/gigs/42/performance"}`)))
	result := readUntil(t, conn, "f-1")

	// Assert
	assert.Equal(t, "FETCH_RESULT", result["type"])
	assert.Equal(t, "network", result["source"])
	assert.Equal(t, "performance-data", result["class"])
}

func TestHandler_AnswersMalformedCommandsWithAnID(t *testing.T) {
	// Arrange
	url := newBridgedAgent(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// Act
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"bad-1","type":"CACHE_FOR_OFFLINE"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"bad-2","type":"NOPE"}`)))
	missingResource := readUntil(t, conn, "bad-1")
	unknownType := readUntil(t, conn, "bad-2")

	// Assert
	assert.Equal(t, "CACHE_ERROR", missingResource["type"])
	assert.Contains(t, missingResource["error"], "requires resourceId")
	assert.Equal(t, "CACHE_ERROR", unknownType["type"])
	assert.Contains(t, unknownType["error"], "NOPE")
}

func TestHandler_RejectsForeignOrigins(t *testing.T) {
	handler := wsbridge.NewHandler(wsbridge.Config{AllowedOrigins: []string{"https://band.example"}}, nil, zerolog.Nop())
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), header)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
