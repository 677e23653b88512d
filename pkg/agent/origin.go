package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Response is what the origin returned for a path.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// OK reports whether the response is a 2xx.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Origin is the network side of the agent. Fetch returns an error only when
// the request could not be completed; HTTP error statuses are returned as a
// Response.
type Origin interface {
	Fetch(ctx context.Context, path string) (Response, error)
}

// OriginFunc adapts a function to the Origin interface.
type OriginFunc func(ctx context.Context, path string) (Response, error)

// Fetch calls f.
func (f OriginFunc) Fetch(ctx context.Context, path string) (Response, error) {
	return f(ctx, path)
}

// HTTPOriginConfig holds configuration for an HTTPOrigin.
type HTTPOriginConfig struct {
	BaseURL string
	Timeout time.Duration
	// MaxBodyBytes caps a single response body.
	MaxBodyBytes int64
}

// HTTPOrigin fetches paths relative to a base URL.
type HTTPOrigin struct {
	base     *url.URL
	client   *http.Client
	maxBytes int64
	logger   zerolog.Logger
}

// NewHTTPOrigin creates an origin for cfg.BaseURL.
func NewHTTPOrigin(cfg HTTPOriginConfig, client *http.Client, logger zerolog.Logger) (*HTTPOrigin, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid origin base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 16 << 20
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPOrigin{
		base:     base,
		client:   client,
		maxBytes: cfg.MaxBodyBytes,
		logger:   logger.With().Str("component", "HTTPOrigin").Logger(),
	}, nil
}

// Fetch performs a GET for path.
func (o *HTTPOrigin) Fetch(ctx context.Context, path string) (Response, error) {
	target := o.base.String() + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Response{}, fmt.Errorf("build request for %s: %w", path, err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		o.logger.Debug().Err(err).Str("path", path).Msg("Origin request failed.")
		return Response{}, fmt.Errorf("fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, o.maxBytes+1))
	if err != nil {
		return Response{}, fmt.Errorf("read body of %s: %w", path, err)
	}
	if int64(len(body)) > o.maxBytes {
		return Response{}, fmt.Errorf("body of %s exceeds %d bytes", path, o.maxBytes)
	}
	return Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}
