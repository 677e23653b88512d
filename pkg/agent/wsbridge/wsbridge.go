// Package wsbridge exposes the agent message protocol over a websocket, so a
// performance view running outside this process can attach as a controller.
package wsbridge

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/illmade-knight/go-gigcache/pkg/agent"
	"github.com/rs/zerolog"
)

// Attacher hands out agent ports.
type Attacher interface {
	Attach() *agent.Port
}

// Config holds websocket timing settings.
type Config struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	// PongTimeout must be longer than PingInterval.
	PongTimeout    time.Duration
	MaxMessageSize int64
	// AllowedOrigins restricts browser origins; empty allows any.
	AllowedOrigins []string
}

// Handler upgrades each request to a websocket and bridges it to its own port.
type Handler struct {
	cfg      Config
	attacher Attacher
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a websocket bridge for attacher.
func NewHandler(cfg Config, attacher Attacher, logger zerolog.Logger) *Handler {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = cfg.PingInterval + cfg.PingInterval/2
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 << 10
	}

	h := &Handler{
		cfg:      cfg,
		attacher: attacher,
		logger:   logger.With().Str("component", "WebsocketBridge").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ServeHTTP runs one bridged connection until either side goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket upgrade failed.")
		return
	}
	port := h.attacher.Attach()
	connID := uuid.NewString()
	logger := h.logger.With().Str("conn_id", connID).Logger()
	logger.Info().Str("remote", r.RemoteAddr).Msg("Controller connected.")

	ctx, cancel := context.WithCancel(context.Background())
	rejects := make(chan agent.Event, 8)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, conn, port, rejects, logger)
	}()

	h.readLoop(ctx, conn, port, rejects, logger)
	cancel()
	port.Close()
	<-writerDone
	_ = conn.Close()
	logger.Info().Msg("Controller disconnected.")
}

// readLoop forwards commands to the port. A malformed command that still
// carries an id is answered with CACHE_ERROR so the sender's request settles.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, port *agent.Port, rejects chan<- agent.Event, logger zerolog.Logger) {
	conn.SetReadLimit(h.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("Websocket read failed.")
			}
			return
		}
		id, cmd, err := agent.DecodeCommand(data)
		if err != nil {
			logger.Warn().Err(err).Str("id", id).Msg("Discarding malformed command.")
			if id != "" {
				select {
				case rejects <- agent.CacheError{CorrelationID: id, Error: err.Error()}:
				case <-ctx.Done():
					return
				}
			}
			continue
		}
		if id == "" {
			id = uuid.NewString()
		}
		if err := port.SendWithID(ctx, id, cmd); err != nil {
			logger.Warn().Err(err).Str("type", string(cmd.Type())).Msg("Agent rejected command.")
			return
		}
	}
}

func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, port *agent.Port, rejects <-chan agent.Event, logger zerolog.Logger) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.writeClose(conn, websocket.CloseNormalClosure, "")
			return
		case <-port.Done():
			h.writeClose(conn, websocket.CloseGoingAway, "agent stopped")
			return
		case ev := <-port.Events():
			if !h.writeEvent(conn, ev, logger) {
				return
			}
		case ev := <-rejects:
			if !h.writeEvent(conn, ev, logger) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeEvent reports false once the connection can no longer be written.
func (h *Handler) writeEvent(conn *websocket.Conn, ev agent.Event, logger zerolog.Logger) bool {
	data, err := agent.EncodeEvent(ev)
	if err != nil {
		logger.Error().Err(err).Str("type", string(ev.Type())).Msg("Failed to encode event.")
		return true
	}
	_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logger.Warn().Err(err).Msg("Websocket write failed.")
		return false
	}
	return true
}

func (h *Handler) writeClose(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(h.cfg.WriteTimeout))
}
