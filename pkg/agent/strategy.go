package agent

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/illmade-knight/go-gigcache/pkg/cache"
	"github.com/illmade-knight/go-gigcache/pkg/gig"
)

const snapshotContentType = "application/json"

// fetch routes a Fetch to the strategy of its request class.
func (a *Agent) fetch(ctx context.Context, cmd Fetch) Event {
	class, gigID := a.cfg.Routes.Classify(cmd.Path)
	var res FetchResult
	switch class {
	case ClassPerformanceData:
		if cmd.BypassCache {
			res = a.networkFirstData(ctx, cmd.Path, gigID)
		} else {
			res = a.cacheFirstData(ctx, cmd.Path, gigID)
		}
	case ClassPerformancePage:
		res = a.networkFirstPage(ctx, cmd.Path, gigID)
	case ClassStaticAsset:
		res = a.cacheFirstAsset(ctx, cmd.Path)
	default:
		res = a.passthrough(ctx, cmd.Path)
	}
	res.Path = cmd.Path
	res.Class = class
	res.ResourceID = gigID
	return res
}

// cacheFirstData serves a cached snapshot immediately and refreshes it in the
// background. On a miss it fetches from the network and populates the cache.
func (a *Agent) cacheFirstData(ctx context.Context, path, gigID string) FetchResult {
	key := gig.DataKey(gigID)
	entry, found := a.lookup(ctx, cache.KindPerformanceData, key)
	if found {
		a.logger.Debug().Str("gig_id", gigID).Msg("Serving snapshot from cache.")
		a.metrics.RecordRequest(ClassPerformanceData, "hit")
		a.refreshInBackground(path, gigID, entry.Payload)
		return FetchResult{
			Source:      SourceCache,
			Status:      http.StatusOK,
			ContentType: snapshotContentType,
			Body:        entry.Payload,
			FetchedAt:   entry.FetchedAt,
		}
	}

	resp, ferr := a.fetchSnapshot(ctx, path)
	if ferr != nil {
		a.logger.Warn().Err(ferr).Str("gig_id", gigID).Msg("Snapshot unavailable: cache miss and network failed.")
		a.metrics.RecordRequest(ClassPerformanceData, "error")
		return FetchResult{Status: resp.Status, Err: ferr}
	}
	now := a.now()
	a.put(ctx, cache.KindPerformanceData, key, resp.Body)
	a.metrics.RecordRequest(ClassPerformanceData, "miss")
	return FetchResult{
		Source:      SourceNetwork,
		Status:      resp.Status,
		ContentType: contentTypeOr(resp.ContentType, snapshotContentType),
		Body:        resp.Body,
		FetchedAt:   now,
	}
}

// networkFirstData serves a cache-bypassing read. The result still populates
// the cache and is broadcast, so every open view learns about it.
func (a *Agent) networkFirstData(ctx context.Context, path, gigID string) FetchResult {
	key := gig.DataKey(gigID)
	previous, hadPrevious := a.lookup(ctx, cache.KindPerformanceData, key)

	resp, ferr := a.fetchSnapshot(ctx, path)
	if ferr != nil {
		if hadPrevious {
			a.logger.Warn().Err(ferr).Str("gig_id", gigID).Msg("Forced refresh failed; serving cached snapshot.")
			a.metrics.RecordRequest(ClassPerformanceData, "stale")
			return FetchResult{
				Source:      SourceCache,
				Stale:       true,
				Status:      http.StatusOK,
				ContentType: snapshotContentType,
				Body:        previous.Payload,
				FetchedAt:   previous.FetchedAt,
			}
		}
		a.metrics.RecordRequest(ClassPerformanceData, "error")
		return FetchResult{Status: resp.Status, Err: ferr}
	}

	now := a.now()
	a.put(ctx, cache.KindPerformanceData, key, resp.Body)
	a.broadcast(DataUpdated{
		ResourceID: gigID,
		Path:       path,
		Body:       resp.Body,
		FetchedAt:  now,
		Changed:    !hadPrevious || !bytes.Equal(previous.Payload, resp.Body),
	})
	a.metrics.RecordRequest(ClassPerformanceData, "network")
	return FetchResult{
		Source:      SourceNetwork,
		Status:      resp.Status,
		ContentType: contentTypeOr(resp.ContentType, snapshotContentType),
		Body:        resp.Body,
		FetchedAt:   now,
	}
}

// refreshInBackground re-fetches a snapshot after a cache hit. At most one
// refresh per key is in flight. A failure leaves the cache alone and is
// broadcast as RefreshFailed.
func (a *Agent) refreshInBackground(path, gigID string, cached []byte) {
	key := gig.DataKey(gigID)
	a.inflightMu.Lock()
	if _, busy := a.inflight[key]; busy {
		a.inflightMu.Unlock()
		a.metrics.RecordRefresh("deduplicated")
		return
	}
	a.inflight[key] = struct{}{}
	a.inflightMu.Unlock()

	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		defer func() {
			a.inflightMu.Lock()
			delete(a.inflight, key)
			a.inflightMu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error().Interface("panic", r).Str("gig_id", gigID).Msg("Recovered from panic in background refresh.")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RefreshTimeout)
		defer cancel()

		resp, ferr := a.fetchSnapshot(ctx, path)
		if ferr != nil {
			a.logger.Debug().Err(ferr).Str("gig_id", gigID).Msg("Background refresh failed; keeping cached snapshot.")
			a.metrics.RecordRefresh("failed")
			a.broadcast(RefreshFailed{ResourceID: gigID, Path: path, Kind: ferr.Kind, Error: ferr.Error()})
			return
		}
		if err := a.put(ctx, cache.KindPerformanceData, key, resp.Body); err != nil {
			a.metrics.RecordRefresh("failed")
			return
		}

		changed := !bytes.Equal(cached, resp.Body)
		a.broadcast(DataUpdated{
			ResourceID: gigID,
			Path:       path,
			Body:       resp.Body,
			FetchedAt:  a.now(),
			Changed:    changed,
		})
		if changed {
			a.logger.Info().Str("gig_id", gigID).Msg("Background refresh found newer snapshot.")
			a.metrics.RecordRefresh("updated")
		} else {
			a.metrics.RecordRefresh("unchanged")
		}
	}()
}

// networkFirstPage tries the network and falls back to the cached page.
func (a *Agent) networkFirstPage(ctx context.Context, path, gigID string) FetchResult {
	_, key, _ := a.cfg.Routes.CacheKey(ClassPerformancePage, gigID, path)

	resp, err := a.origin.Fetch(ctx, path)
	if err == nil && resp.OK() {
		now := a.now()
		a.put(ctx, cache.KindStaticAssets, key, resp.Body)
		a.metrics.RecordRequest(ClassPerformancePage, "network")
		return FetchResult{
			Source:      SourceNetwork,
			Status:      resp.Status,
			ContentType: resp.ContentType,
			Body:        resp.Body,
			FetchedAt:   now,
		}
	}

	if entry, found := a.lookup(ctx, cache.KindStaticAssets, key); found {
		a.logger.Warn().Err(err).Int("status", resp.Status).Str("path", path).Msg("Network failed; serving cached page.")
		a.metrics.RecordRequest(ClassPerformancePage, "stale")
		return FetchResult{
			Source:    SourceCache,
			Stale:     true,
			Status:    http.StatusOK,
			Body:      entry.Payload,
			FetchedAt: entry.FetchedAt,
		}
	}

	a.metrics.RecordRequest(ClassPerformancePage, "error")
	if err != nil {
		return FetchResult{Err: &FetchError{Kind: NetworkUnavailable, Path: path, Err: err}}
	}
	return FetchResult{
		Status: resp.Status,
		Err:    &FetchError{Kind: UpstreamStatus, Path: path, Err: &StatusError{Path: path, Status: resp.Status}},
	}
}

// cacheFirstAsset serves a cached asset or fetches and stores it on a miss.
func (a *Agent) cacheFirstAsset(ctx context.Context, path string) FetchResult {
	_, key, _ := a.cfg.Routes.CacheKey(ClassStaticAsset, "", path)
	if entry, found := a.lookup(ctx, cache.KindStaticAssets, key); found {
		a.metrics.RecordRequest(ClassStaticAsset, "hit")
		return FetchResult{
			Source:    SourceCache,
			Status:    http.StatusOK,
			Body:      entry.Payload,
			FetchedAt: entry.FetchedAt,
		}
	}

	resp, err := a.origin.Fetch(ctx, path)
	if err != nil {
		a.logger.Debug().Err(err).Str("path", path).Msg("Asset missed the cache and the network failed.")
		a.metrics.RecordRequest(ClassStaticAsset, "error")
		return FetchResult{Err: &FetchError{Kind: AssetUnavailableOffline, Path: path, Err: err}}
	}
	if !resp.OK() {
		a.metrics.RecordRequest(ClassStaticAsset, "error")
		return FetchResult{
			Status: resp.Status,
			Err:    &FetchError{Kind: UpstreamStatus, Path: path, Err: &StatusError{Path: path, Status: resp.Status}},
		}
	}
	now := a.now()
	a.put(ctx, cache.KindStaticAssets, key, resp.Body)
	a.metrics.RecordRequest(ClassStaticAsset, "miss")
	return FetchResult{
		Source:      SourceNetwork,
		Status:      resp.Status,
		ContentType: resp.ContentType,
		Body:        resp.Body,
		FetchedAt:   now,
	}
}

// passthrough forwards a request untouched and never caches it.
func (a *Agent) passthrough(ctx context.Context, path string) FetchResult {
	resp, err := a.origin.Fetch(ctx, path)
	if err != nil {
		a.metrics.RecordRequest(ClassPassthrough, "error")
		return FetchResult{Err: &FetchError{Kind: NetworkUnavailable, Path: path, Err: err}}
	}
	a.metrics.RecordRequest(ClassPassthrough, "network")
	return FetchResult{
		Source:      SourceNetwork,
		Status:      resp.Status,
		ContentType: resp.ContentType,
		Body:        resp.Body,
		FetchedAt:   a.now(),
	}
}

// fetchSnapshot fetches path and accepts only a 2xx carrying a valid snapshot.
// The response is returned even on failure so callers can report its status.
func (a *Agent) fetchSnapshot(ctx context.Context, path string) (Response, *FetchError) {
	resp, err := a.origin.Fetch(ctx, path)
	if err != nil {
		return Response{}, &FetchError{Kind: NetworkUnavailable, Path: path, Err: err}
	}
	if !resp.OK() {
		return resp, &FetchError{Kind: UpstreamStatus, Path: path, Err: &StatusError{Path: path, Status: resp.Status}}
	}
	if _, err := gig.Decode(resp.Body); err != nil {
		return resp, &FetchError{Kind: InvalidPayload, Path: path, Err: err}
	}
	return resp, nil
}

// lookup reads key from the current namespace of kind. Store failures count
// as a miss.
func (a *Agent) lookup(ctx context.Context, kind cache.Kind, key string) (cache.Entry, bool) {
	entry, err := a.currentStore().Get(ctx, a.cfg.Namespaces.For(kind), key)
	if err == nil {
		return entry, true
	}
	if !errors.Is(err, cache.ErrNotFound) {
		a.logger.Warn().Err(err).Str("key", key).Msg("Cache read failed; treating as miss.")
		a.storeFailed(err)
	}
	return cache.Entry{}, false
}

// put writes key into the current namespace of kind.
func (a *Agent) put(ctx context.Context, kind cache.Kind, key string, payload []byte) error {
	if err := a.currentStore().Put(ctx, a.cfg.Namespaces.For(kind), key, payload); err != nil {
		a.logger.Error().Err(err).Str("key", key).Msg("Failed to write cache entry.")
		a.storeFailed(err)
		return err
	}
	return nil
}

func contentTypeOr(ct, fallback string) string {
	if ct == "" {
		return fallback
	}
	return ct
}
