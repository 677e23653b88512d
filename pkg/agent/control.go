package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/illmade-knight/go-gigcache/pkg/cache"
	"github.com/illmade-knight/go-gigcache/pkg/gig"
)

// pin fetches the snapshot and the page of a gig in parallel and stores both.
// The two writes are independent: a failure of one never rolls back the other.
func (a *Agent) pin(ctx context.Context, resourceID string) Event {
	gigID := gig.NormalizeID(resourceID)
	if gigID == "" {
		return CacheError{ResourceID: resourceID, Error: "resource id is required"}
	}
	if a.degraded.Load() {
		a.metrics.RecordPin("failed")
		return CacheError{ResourceID: gigID, Error: "cache storage unavailable: " + a.reason()}
	}

	var (
		wg               sync.WaitGroup
		dataErr, pageErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer recoverInto(&dataErr)
		dataErr = a.pinData(ctx, gigID)
	}()
	go func() {
		defer wg.Done()
		defer recoverInto(&pageErr)
		pageErr = a.pinPage(ctx, gigID)
	}()
	wg.Wait()

	if dataErr == nil && pageErr == nil {
		a.logger.Info().Str("gig_id", gigID).Msg("Gig available offline.")
		a.metrics.RecordPin("cached")
		return Cached{ResourceID: gigID}
	}

	var reasons []string
	if dataErr != nil {
		reasons = append(reasons, "data: "+dataErr.Error())
	}
	if pageErr != nil {
		reasons = append(reasons, "page: "+pageErr.Error())
	}
	result := "failed"
	if dataErr == nil || pageErr == nil {
		result = "partial"
	}
	a.logger.Error().Str("gig_id", gigID).Str("result", result).Strs("reasons", reasons).Msg("Failed to make gig available offline.")
	a.metrics.RecordPin(result)
	return CacheError{
		ResourceID: gigID,
		Error:      strings.Join(reasons, "; "),
		DataCached: dataErr == nil,
		PageCached: pageErr == nil,
	}
}

func (a *Agent) pinData(ctx context.Context, gigID string) error {
	path := a.cfg.Routes.DataPath(gigID)
	key := gig.DataKey(gigID)
	previous, hadPrevious := a.lookup(ctx, cache.KindPerformanceData, key)

	resp, ferr := a.fetchSnapshot(ctx, path)
	if ferr != nil {
		return ferr
	}
	if err := a.put(ctx, cache.KindPerformanceData, key, resp.Body); err != nil {
		return err
	}
	if hadPrevious && !bytes.Equal(previous.Payload, resp.Body) {
		a.broadcast(DataUpdated{
			ResourceID: gigID,
			Path:       path,
			Body:       resp.Body,
			FetchedAt:  a.now(),
			Changed:    true,
		})
	}
	return nil
}

func (a *Agent) pinPage(ctx context.Context, gigID string) error {
	path := a.cfg.Routes.PagePath(gigID)
	resp, err := a.origin.Fetch(ctx, path)
	if err != nil {
		return &FetchError{Kind: NetworkUnavailable, Path: path, Err: err}
	}
	if !resp.OK() {
		return &FetchError{Kind: UpstreamStatus, Path: path, Err: &StatusError{Path: path, Status: resp.Status}}
	}
	return a.put(ctx, cache.KindStaticAssets, path, resp.Body)
}

// clear deletes both entries of a gig. Deleting what is already gone is not
// an error, so clearing twice is harmless.
func (a *Agent) clear(ctx context.Context, resourceID string) Event {
	gigID := gig.NormalizeID(resourceID)
	if gigID == "" {
		return CacheError{ResourceID: resourceID, Error: "resource id is required"}
	}
	store := a.currentStore()
	dataErr := store.Delete(ctx, a.cfg.Namespaces.Data(), gig.DataKey(gigID))
	pageErr := store.Delete(ctx, a.cfg.Namespaces.Assets(), a.cfg.Routes.PagePath(gigID))

	if err := errors.Join(dataErr, pageErr); err != nil {
		a.storeFailed(err)
		if !errors.Is(err, cache.ErrStoreUnavailable) {
			a.logger.Error().Err(err).Str("gig_id", gigID).Msg("Failed to clear offline copy.")
			return CacheError{ResourceID: gigID, Error: err.Error()}
		}
	}
	a.logger.Info().Str("gig_id", gigID).Msg("Offline copy cleared.")
	return CacheCleared{ResourceID: gigID}
}

// status probes the store for both halves of a gig.
func (a *Agent) status(ctx context.Context, resourceID string) Event {
	gigID := gig.NormalizeID(resourceID)
	_, dataCached := a.lookup(ctx, cache.KindPerformanceData, gig.DataKey(gigID))
	_, pageCached := a.lookup(ctx, cache.KindStaticAssets, a.cfg.Routes.PagePath(gigID))
	return CacheStatus{
		ResourceID:  gigID,
		DataCached:  dataCached,
		PageCached:  pageCached,
		FullyCached: dataCached && pageCached,
	}
}

func recoverInto(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("internal agent error: %v", r)
	}
}
