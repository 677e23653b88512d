package syncapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Handlers exposes a Service over HTTP.
type Handlers struct {
	service *Service
	logger  zerolog.Logger
}

// NewHandlers creates the HTTP handlers for service.
func NewHandlers(service *Service, logger zerolog.Logger) *Handlers {
	return &Handlers{
		service: service,
		logger:  logger.With().Str("component", "SyncHandlers").Logger(),
	}
}

// RegisterRoutes mounts the sync endpoints:
//
//	GET /api/sync/:scope/manifest
//	GET /api/sync/:scope/delta?since=<RFC 3339>[&until=<RFC 3339>]
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	group := r.Group("/api/sync/:scope")
	group.GET("/manifest", h.Manifest)
	group.GET("/delta", h.Delta)
}

// Manifest handles GET /api/sync/:scope/manifest.
func (h *Handlers) Manifest(c *gin.Context) {
	manifest, err := h.service.Manifest(c.Request.Context(), c.Param("scope"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, manifest)
}

// Delta handles GET /api/sync/:scope/delta.
func (h *Handlers) Delta(c *gin.Context) {
	since, err := ParseSince(c.Query("since"))
	if err != nil {
		h.fail(c, err)
		return
	}
	until, err := ParseUntil(c.Query("until"))
	if err != nil {
		h.fail(c, err)
		return
	}
	batch, err := h.service.DeltaRange(c.Request.Context(), c.Param("scope"), since, until)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, batch)
}

func (h *Handlers) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrMalformedSince), errors.Is(err, ErrMalformedUntil),
		errors.Is(err, ErrEmptyRange), errors.Is(err, ErrInvalidScope):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrSourceUnavailable):
		h.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Sync source unavailable.")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync source unavailable"})
	default:
		h.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Sync request failed.")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
