package syncapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Client polls a sync API.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger zerolog.Logger
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, httpClient *http.Client, logger zerolog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid sync api url %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		base:   base,
		http:   httpClient,
		logger: logger.With().Str("component", "SyncClient").Logger(),
	}, nil
}

// Manifest fetches the manifest of scope.
func (c *Client) Manifest(ctx context.Context, scope string) (Manifest, error) {
	var m Manifest
	err := c.get(ctx, "/api/sync/"+url.PathEscape(scope)+"/manifest", nil, &m)
	return m, err
}

// Delta fetches the changes of scope since the given time; a zero since uses
// the server's default lookback.
func (c *Client) Delta(ctx context.Context, scope string, since time.Time) (DeltaBatch, error) {
	return c.DeltaRange(ctx, scope, since, time.Time{})
}

// DeltaRange fetches one page of changes in (since, until]. A zero until is
// unbounded.
func (c *Client) DeltaRange(ctx context.Context, scope string, since, until time.Time) (DeltaBatch, error) {
	query := url.Values{}
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if !until.IsZero() {
		query.Set("until", until.UTC().Format(time.RFC3339Nano))
	}
	var d DeltaBatch
	err := c.get(ctx, "/api/sync/"+url.PathEscape(scope)+"/delta", query, &d)
	return d, err
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	target := c.base.String() + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusBadRequest {
			return fmt.Errorf("get %s: %w: %s", path, ErrBadRequest, strings.TrimSpace(string(body)))
		}
		return fmt.Errorf("get %s: unexpected status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
