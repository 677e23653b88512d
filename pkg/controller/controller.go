// Package controller drives one performance view: it loads a gig snapshot
// through the caching agent, tracks connectivity, and surfaces update, pin and
// storage status to the view without ever touching the cache directly.
package controller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-gigcache/pkg/agent"
	"github.com/illmade-knight/go-gigcache/pkg/gig"
	"github.com/illmade-knight/go-gigcache/pkg/syncapi"
	"github.com/rs/zerolog"
)

// ErrNotActive is returned for operations that need an activated controller.
var ErrNotActive = errors.New("controller: not active")

// State is the load state of the view.
type State string

const (
	StateInit    State = "init"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateError   State = "error"
)

// Banner is a piece of status chrome the view should show.
type Banner string

const (
	BannerOffline         Banner = "offline"
	BannerStale           Banner = "stale"
	BannerUpdateAvailable Banner = "update-available"
	BannerStorageDegraded Banner = "storage-degraded"
	BannerPinFailed       Banner = "pin-failed"
)

// PinPhase tracks a make-available-offline request.
type PinPhase string

const (
	PinIdle    PinPhase = ""
	PinPending PinPhase = "pending"
	PinCached  PinPhase = "cached"
	PinFailed  PinPhase = "failed"
)

// AgentPort is the controller's side of an agent connection.
type AgentPort interface {
	SendWithID(ctx context.Context, id string, cmd agent.Command) error
	Events() <-chan agent.Event
	Done() <-chan struct{}
	Close()
}

// SyncClient reads freshness information from the sync API.
type SyncClient interface {
	Manifest(ctx context.Context, scope string) (syncapi.Manifest, error)
	Delta(ctx context.Context, scope string, since time.Time) (syncapi.DeltaBatch, error)
}

// Config holds the configuration for a Controller.
type Config struct {
	GigID  string
	Routes agent.Routes
	// SyncScope is the collection scope polled for manifests, usually the band id.
	SyncScope string
	// ConnectivityPollInterval is the fallback sampling interval of the connectivity signal.
	ConnectivityPollInterval time.Duration
	// ManifestInterval is how often the manifest is polled while Ready.
	ManifestInterval time.Duration
	// SendTimeout bounds handing a command to the agent.
	SendTimeout time.Duration
}

// View is an immutable copy of what the performance view should render.
type View struct {
	State     State
	Snapshot  *gig.Snapshot
	Source    agent.Source
	FetchedAt time.Time
	Online    bool
	// Stale is set when the displayed snapshot came from the cache while offline
	// or after a failed network attempt.
	Stale           bool
	UpdateAvailable bool
	UpdateSummary   string
	Pin             PinPhase
	PinError        string
	Cache           agent.CacheStatus
	StorageDegraded bool
	Err             error
	Banners         []Banner
}

type purpose int

const (
	purposeLoad purpose = iota
	purposeRefresh
	purposePin
	purposeClear
	purposeStatus
)

// Controller is the state machine behind one performance view.
type Controller struct {
	cfg    Config
	gigID  string
	port   AgentPort
	sync   SyncClient
	conn   Connectivity
	logger zerolog.Logger

	mu              sync.Mutex
	view            View
	displayedBody   []byte
	fetchStale      bool
	pending         map[string]purpose
	pendingSnapshot *gig.Snapshot
	pendingBody     []byte
	pendingFetched  time.Time
	earlyBody       []byte
	earlyFetched    time.Time
	earlyFailed     bool
	manifestSeen    time.Time
	activated       bool

	changes chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a controller for one gig. syncClient may be nil, which disables
// manifest polling and update summaries.
func New(cfg Config, port AgentPort, syncClient SyncClient, conn Connectivity, logger zerolog.Logger) (*Controller, error) {
	gigID := gig.NormalizeID(cfg.GigID)
	if gigID == "" {
		return nil, fmt.Errorf("gig id is required")
	}
	if port == nil {
		return nil, fmt.Errorf("agent port cannot be nil")
	}
	if cfg.Routes.DataPattern == "" {
		cfg.Routes = agent.DefaultRoutes()
	}
	if cfg.ConnectivityPollInterval <= 0 {
		cfg.ConnectivityPollInterval = 30 * time.Second
	}
	if cfg.ManifestInterval <= 0 {
		cfg.ManifestInterval = 5 * time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if conn == nil {
		conn = NewStaticConnectivity(true)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:     cfg,
		gigID:   gigID,
		port:    port,
		sync:    syncClient,
		conn:    conn,
		logger:  logger.With().Str("component", "Controller").Str("gig_id", gigID).Logger(),
		view:    View{State: StateInit, Online: conn.Online()},
		pending: make(map[string]purpose),
		changes: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Changes signals after every view change. Signals coalesce; read View for the state.
func (c *Controller) Changes() <-chan struct{} {
	return c.changes
}

// View returns a copy of the current view.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.view
	if c.view.Snapshot != nil {
		snap := *c.view.Snapshot
		v.Snapshot = &snap
	}
	v.Banners = c.bannersLocked()
	return v
}

// Activate moves Init to Loading, starts the event loop and requests the snapshot.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	if c.activated {
		c.mu.Unlock()
		return fmt.Errorf("controller already activated")
	}
	c.activated = true
	c.view.State = StateLoading
	c.mu.Unlock()
	c.notify()

	c.wg.Add(1)
	go c.loop()

	c.logger.Info().Msg("Performance view activated.")
	if err := c.send(ctx, purposeLoad, agent.Fetch{Path: c.cfg.Routes.DataPath(c.gigID)}); err != nil {
		c.fail(err)
		return err
	}
	_ = c.send(ctx, purposeStatus, agent.GetCacheStatus{ResourceID: c.gigID})
	return nil
}

// Retry re-enters Loading from Error.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.view.State != StateError {
		state := c.view.State
		c.mu.Unlock()
		return fmt.Errorf("retry is only possible from %s, not %s", StateError, state)
	}
	c.view.State = StateLoading
	c.view.Err = nil
	c.earlyFailed = false
	c.mu.Unlock()
	c.notify()

	c.logger.Info().Msg("Retrying snapshot load.")
	if err := c.send(ctx, purposeLoad, agent.Fetch{Path: c.cfg.Routes.DataPath(c.gigID)}); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// MakeAvailableOffline asks the agent to pin the gig. The outcome arrives later
// in View().Pin; only a failure to hand the request to the agent is returned.
func (c *Controller) MakeAvailableOffline(ctx context.Context) error {
	c.mu.Lock()
	c.view.Pin = PinPending
	c.view.PinError = ""
	c.mu.Unlock()
	c.notify()

	if err := c.send(ctx, purposePin, agent.CacheForOffline{ResourceID: c.gigID}); err != nil {
		c.mu.Lock()
		c.view.Pin = PinFailed
		c.view.PinError = err.Error()
		c.mu.Unlock()
		c.notify()
		return err
	}
	return nil
}

// ClearOffline removes the offline copy of the gig.
func (c *Controller) ClearOffline(ctx context.Context) error {
	return c.send(ctx, purposeClear, agent.ClearCache{ResourceID: c.gigID})
}

// RefreshStatus re-reads the cache status of the gig.
func (c *Controller) RefreshStatus(ctx context.Context) error {
	return c.send(ctx, purposeStatus, agent.GetCacheStatus{ResourceID: c.gigID})
}

// AcceptUpdate swaps in the newer snapshot announced by a data update. It
// reports whether there was one.
func (c *Controller) AcceptUpdate() bool {
	c.mu.Lock()
	if c.pendingSnapshot == nil {
		c.mu.Unlock()
		return false
	}
	c.view.Snapshot = c.pendingSnapshot
	c.view.Source = agent.SourceNetwork
	c.view.FetchedAt = c.pendingFetched
	c.displayedBody = c.pendingBody
	c.fetchStale = false
	c.clearPendingLocked()
	c.updateStaleLocked()
	c.mu.Unlock()
	c.notify()
	c.logger.Info().Msg("Newer snapshot accepted.")
	return true
}

// Close stops the controller and detaches from the agent.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
	c.port.Close()
}

func (c *Controller) send(ctx context.Context, p purpose, cmd agent.Command) error {
	c.mu.Lock()
	if !c.activated {
		c.mu.Unlock()
		return ErrNotActive
	}
	id := uuid.NewString()
	c.pending[id] = p
	c.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()
	if err := c.port.SendWithID(sendCtx, id, cmd); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		c.logger.Warn().Err(err).Str("type", string(cmd.Type())).Msg("Agent did not accept command.")
		return fmt.Errorf("send %s: %w", cmd.Type(), err)
	}
	return nil
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	c.view.State = StateError
	c.view.Err = err
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) notify() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

func (c *Controller) loop() {
	defer c.wg.Done()
	poll := time.NewTicker(c.cfg.ConnectivityPollInterval)
	defer poll.Stop()

	var manifestTick <-chan time.Time
	if c.sync != nil && c.cfg.SyncScope != "" {
		ticker := time.NewTicker(c.cfg.ManifestInterval)
		defer ticker.Stop()
		manifestTick = ticker.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.port.Done():
			c.logger.Warn().Msg("Agent port closed; view keeps its last state.")
			return
		case ev := <-c.port.Events():
			c.handleEvent(ev)
		case online := <-c.conn.Changes():
			c.setOnline(online)
		case <-poll.C:
			c.setOnline(c.conn.Online())
			c.retryStaleRefresh()
		case <-manifestTick:
			c.checkManifest()
		}
	}
}

func (c *Controller) handleEvent(ev agent.Event) {
	var (
		p        purpose
		isReply  bool
		followUp agent.Command
	)
	c.mu.Lock()
	if id := ev.Correlation(); id != "" {
		p, isReply = c.pending[id]
		if !isReply {
			c.mu.Unlock()
			return
		}
		delete(c.pending, id)
	}

	switch e := ev.(type) {
	case agent.FetchResult:
		if p == purposeRefresh {
			c.applyRefreshLocked(e)
		} else {
			c.applyLoadLocked(e)
		}
	case agent.DataUpdated:
		if e.ResourceID != c.gigID {
			c.mu.Unlock()
			return
		}
		c.networkReachedLocked()
		c.offerUpdateLocked(e.Body, e.FetchedAt)
	case agent.RefreshFailed:
		if e.ResourceID != c.gigID {
			c.mu.Unlock()
			return
		}
		c.refreshFailedLocked(e.Error)
	case agent.Cached:
		c.view.Pin = PinCached
		c.view.PinError = ""
		followUp = agent.GetCacheStatus{ResourceID: c.gigID}
	case agent.CacheError:
		if p == purposePin {
			c.view.Pin = PinFailed
			c.view.PinError = e.Error
		} else {
			c.logger.Warn().Str("error", e.Error).Msg("Cache command failed.")
		}
		followUp = agent.GetCacheStatus{ResourceID: c.gigID}
	case agent.CacheCleared:
		c.view.Pin = PinIdle
		followUp = agent.GetCacheStatus{ResourceID: c.gigID}
	case agent.CacheStatus:
		c.view.Cache = e
	case agent.StorageDegraded:
		c.view.StorageDegraded = true
		c.logger.Warn().Str("reason", e.Reason).Msg("Offline storage unavailable.")
	}
	c.mu.Unlock()
	c.notify()

	if followUp != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			_ = c.send(c.ctx, purposeStatus, followUp)
		}()
	}
}

// applyLoadLocked handles the reply to the initial load or a retry.
func (c *Controller) applyLoadLocked(res agent.FetchResult) {
	if c.view.State != StateLoading {
		return
	}
	if res.Err != nil {
		c.logger.Warn().Err(res.Err).Msg("Snapshot unavailable from cache and network.")
		c.view.State = StateError
		c.view.Err = res.Err
		return
	}
	snap, err := gig.Decode(res.Body)
	if err != nil {
		c.view.State = StateError
		c.view.Err = err
		return
	}
	c.view.State = StateReady
	c.view.Snapshot = &snap
	c.view.Source = res.Source
	c.view.FetchedAt = res.FetchedAt
	c.view.Err = nil
	c.displayedBody = res.Body
	c.fetchStale = res.Stale || (c.earlyFailed && res.Source == agent.SourceCache)
	c.earlyFailed = false
	c.updateStaleLocked()
	c.logger.Info().Str("source", string(res.Source)).Bool("stale", c.view.Stale).Msg("Snapshot loaded.")

	if early := c.earlyBody; early != nil {
		c.earlyBody = nil
		c.offerUpdateLocked(early, c.earlyFetched)
	}
}

// applyRefreshLocked handles the reply to a cache-bypassing refresh.
func (c *Controller) applyRefreshLocked(res agent.FetchResult) {
	if res.Err != nil || res.Stale {
		reason := "served from cache"
		if res.Err != nil {
			reason = res.Err.Error()
		}
		c.refreshFailedLocked(reason)
		return
	}
	c.networkReachedLocked()
	c.offerUpdateLocked(res.Body, res.FetchedAt)
}

// refreshFailedLocked marks a snapshot served from the cache as stale once a
// network read for it has failed, whatever the host connectivity says.
func (c *Controller) refreshFailedLocked(reason string) {
	switch c.view.State {
	case StateLoading:
		c.earlyFailed = true
	case StateReady:
		if !c.fetchStale {
			c.logger.Warn().Str("reason", reason).Msg("Network unreachable; showing cached snapshot.")
		}
		c.fetchStale = true
		c.updateStaleLocked()
	}
}

// networkReachedLocked clears the failure mark after a successful network read.
func (c *Controller) networkReachedLocked() {
	if c.view.State == StateLoading {
		c.earlyFailed = false
		return
	}
	c.fetchStale = false
	c.updateStaleLocked()
}

// retryStaleRefresh retries the network while a cached snapshot is marked
// stale and the host reports it is online.
func (c *Controller) retryStaleRefresh() {
	c.mu.Lock()
	retry := c.view.State == StateReady && c.fetchStale && c.view.Online
	c.mu.Unlock()
	if !retry {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.send(c.ctx, purposeRefresh, agent.Fetch{Path: c.cfg.Routes.DataPath(c.gigID), BypassCache: true})
	}()
}

// offerUpdateLocked stages a newer snapshot behind a toast. The displayed
// snapshot is never replaced here.
func (c *Controller) offerUpdateLocked(body []byte, fetchedAt time.Time) {
	if c.view.State == StateLoading {
		// A background refresh can finish before the load reply arrives.
		c.earlyBody = body
		c.earlyFetched = fetchedAt
		return
	}
	if c.view.State != StateReady || bytes.Equal(body, c.displayedBody) {
		return
	}
	snap, err := gig.Decode(body)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Ignoring unreadable snapshot update.")
		return
	}
	first := c.pendingSnapshot == nil
	c.pendingSnapshot = &snap
	c.pendingBody = body
	c.pendingFetched = fetchedAt
	c.view.UpdateAvailable = true
	c.logger.Info().Msg("Newer snapshot available.")

	if first && c.sync != nil && c.cfg.SyncScope != "" && c.view.Snapshot != nil {
		since := c.view.Snapshot.GeneratedAt
		c.wg.Add(1)
		go c.summarise(since)
	}
}

// summarise fetches a delta to describe what changed.
func (c *Controller) summarise(since time.Time) {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SendTimeout)
	defer cancel()

	batch, err := c.sync.Delta(ctx, c.cfg.SyncScope, since)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Could not summarise update.")
		return
	}
	c.mu.Lock()
	if c.pendingSnapshot != nil {
		c.view.UpdateSummary = summary(batch)
	}
	c.mu.Unlock()
	c.notify()
}

func summary(batch syncapi.DeltaBatch) string {
	songs := len(batch.Changes["songs"])
	more := ""
	if batch.MayHaveMore("songs") {
		more = "+"
	}
	switch {
	case songs == 1:
		return "1 song changed"
	case songs > 1:
		return fmt.Sprintf("%d%s songs changed", songs, more)
	case batch.ChangeCount() > 0:
		return "gig details changed"
	default:
		return "updated"
	}
}

// checkManifest forces a cache-bypassing refresh when the server has data
// newer than the displayed snapshot.
func (c *Controller) checkManifest() {
	c.mu.Lock()
	if c.view.State != StateReady || c.view.Snapshot == nil || !c.view.Online {
		c.mu.Unlock()
		return
	}
	generatedAt := c.view.Snapshot.GeneratedAt
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SendTimeout)
	defer cancel()
	manifest, err := c.sync.Manifest(ctx, c.cfg.SyncScope)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Manifest poll failed.")
		return
	}
	newest, ok := manifest.Newest()
	if !ok || !newest.After(generatedAt) {
		return
	}

	c.mu.Lock()
	if !newest.After(c.manifestSeen) {
		c.mu.Unlock()
		return
	}
	c.manifestSeen = newest
	c.mu.Unlock()

	c.logger.Info().Time("manifest_newest", newest).Time("snapshot_generated", generatedAt).Msg("Server has newer data; refreshing.")
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.send(c.ctx, purposeRefresh, agent.Fetch{Path: c.cfg.Routes.DataPath(c.gigID), BypassCache: true})
	}()
}

func (c *Controller) setOnline(online bool) {
	c.mu.Lock()
	if c.view.Online == online {
		c.mu.Unlock()
		return
	}
	wasOffline := !c.view.Online
	c.view.Online = online
	c.updateStaleLocked()
	ready := c.view.State == StateReady
	c.mu.Unlock()
	c.notify()
	c.logger.Info().Bool("online", online).Msg("Connectivity changed.")

	if online && wasOffline && ready {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			_ = c.send(c.ctx, purposeRefresh, agent.Fetch{Path: c.cfg.Routes.DataPath(c.gigID), BypassCache: true})
		}()
	}
}

func (c *Controller) updateStaleLocked() {
	fromCache := c.view.Source == agent.SourceCache
	c.view.Stale = c.view.State == StateReady && fromCache && (c.fetchStale || !c.view.Online)
}

func (c *Controller) clearPendingLocked() {
	c.pendingSnapshot = nil
	c.pendingBody = nil
	c.pendingFetched = time.Time{}
	c.view.UpdateAvailable = false
	c.view.UpdateSummary = ""
}

func (c *Controller) bannersLocked() []Banner {
	var banners []Banner
	if !c.view.Online {
		banners = append(banners, BannerOffline)
	}
	if c.view.Stale {
		banners = append(banners, BannerStale)
	}
	if c.view.UpdateAvailable {
		banners = append(banners, BannerUpdateAvailable)
	}
	if c.view.StorageDegraded {
		banners = append(banners, BannerStorageDegraded)
	}
	if c.view.Pin == PinFailed {
		banners = append(banners, BannerPinFailed)
	}
	return banners
}
