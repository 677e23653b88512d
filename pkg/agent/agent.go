// Package agent implements the caching agent: a long-lived actor that sits
// between the performance view and the network, serves requests from the
// cache store according to their request class, and answers control messages
// from controllers over ports.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-gigcache/pkg/cache"
	"github.com/rs/zerolog"
)

const (
	stateNew int32 = iota
	stateRunning
	stateStopped
)

// Config holds the configuration for an Agent.
type Config struct {
	Namespaces cache.NamespaceSet
	Routes     Routes
	// NumWorkers is the number of commands handled concurrently.
	NumWorkers int
	InboxSize  int
	// EventBuffer is the per-port event buffer.
	EventBuffer int
	// RefreshTimeout bounds a background refresh. Refreshes are never cancelled
	// by the request that started them.
	RefreshTimeout time.Duration
	// ReplyTimeout bounds how long a reply waits for a slow port.
	ReplyTimeout time.Duration
}

// Option customises an Agent.
type Option func(*Agent)

// WithMetrics records agent activity on m.
func WithMetrics(m *Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithClock overrides the clock used to stamp network results.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// Agent owns the cache store. Controllers reach it only through ports.
type Agent struct {
	cfg     Config
	origin  Origin
	logger  zerolog.Logger
	metrics *Metrics
	now     func() time.Time

	inbox  chan envelope
	stopCh chan struct{}
	state  atomic.Int32
	wg     sync.WaitGroup
	bg     sync.WaitGroup

	storeMu       sync.RWMutex
	store         cache.Store
	degraded      atomic.Bool
	degradeOnce   sync.Once
	degradeReason string

	portsMu sync.RWMutex
	ports   map[*Port]struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New creates an Agent. A nil store starts the agent in degraded mode, where
// every request is passed through uncached.
func New(cfg Config, store cache.Store, origin Origin, logger zerolog.Logger, opts ...Option) (*Agent, error) {
	if origin == nil {
		return nil, fmt.Errorf("origin cannot be nil")
	}
	if cfg.Namespaces.App == "" {
		return nil, fmt.Errorf("namespace set is required")
	}
	if cfg.Routes.DataPattern == "" && cfg.Routes.PagePattern == "" {
		cfg.Routes = DefaultRoutes()
	}
	if err := cfg.Routes.Validate(); err != nil {
		return nil, fmt.Errorf("invalid routes: %w", err)
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 4
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 64
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 32
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 5 * time.Second
	}

	a := &Agent{
		cfg:      cfg,
		origin:   origin,
		logger:   logger.With().Str("component", "CachingAgent").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		inbox:    make(chan envelope, cfg.InboxSize),
		stopCh:   make(chan struct{}),
		store:    store,
		ports:    make(map[*Port]struct{}),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if store == nil {
		a.store = cache.DisabledStore{}
		a.degradeReason = "no persistent cache store configured"
		a.degraded.Store(true)
		a.degradeOnce.Do(func() {})
		a.metrics.SetDegraded(true)
	}
	return a, nil
}

// Start sweeps stale namespaces and starts the worker pool.
func (a *Agent) Start(ctx context.Context) error {
	if !a.state.CompareAndSwap(stateNew, stateRunning) {
		return fmt.Errorf("agent already started")
	}
	a.logger.Info().
		Str("data_namespace", string(a.cfg.Namespaces.Data())).
		Str("assets_namespace", string(a.cfg.Namespaces.Assets())).
		Msg("Starting caching agent...")

	if !a.degraded.Load() {
		swept, err := cache.Sweep(ctx, a.currentStore(), a.cfg.Namespaces, a.logger)
		if err != nil {
			a.logger.Warn().Err(err).Msg("Failed to sweep stale namespaces.")
			a.storeFailed(err)
		} else if len(swept) > 0 {
			a.logger.Info().Int("count", len(swept)).Msg("Stale namespaces swept.")
		}
	} else {
		a.logger.Warn().Str("reason", a.reason()).Msg("Caching agent starting in degraded mode; requests pass through uncached.")
	}

	a.logger.Info().Int("worker_count", a.cfg.NumWorkers).Msg("Starting agent workers...")
	a.wg.Add(a.cfg.NumWorkers)
	for i := 0; i < a.cfg.NumWorkers; i++ {
		go a.worker(ctx, i)
	}
	a.logger.Info().Msg("Caching agent started.")
	return nil
}

// Stop stops accepting commands, waits for in-flight commands and background
// refreshes, then closes every attached port.
func (a *Agent) Stop(ctx context.Context) error {
	if !a.state.CompareAndSwap(stateRunning, stateStopped) {
		return nil
	}
	a.logger.Info().Msg("Stopping caching agent...")
	close(a.stopCh)

	done := make(chan struct{})
	go func() {
		// Workers first: only workers start background refreshes.
		a.wg.Wait()
		a.bg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		a.logger.Info().Msg("All agent work completed gracefully.")
	case <-ctx.Done():
		a.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for agent work to finish.")
		err = ctx.Err()
	}

	a.portsMu.Lock()
	for p := range a.ports {
		p.shutdown()
		delete(a.ports, p)
	}
	a.portsMu.Unlock()
	a.metrics.SetAttachedPorts(0)

	a.logger.Info().Msg("Caching agent stopped.")
	return err
}

// Attach registers a new controller port. A port attached while storage is
// degraded is told so immediately.
func (a *Agent) Attach() *Port {
	p := newPort(a, a.cfg.EventBuffer)
	if a.state.Load() == stateStopped {
		p.shutdown()
		return p
	}
	a.portsMu.Lock()
	a.ports[p] = struct{}{}
	n := len(a.ports)
	a.portsMu.Unlock()
	a.metrics.SetAttachedPorts(n)

	if a.degraded.Load() {
		p.notify(StorageDegraded{Reason: a.reason()})
	}
	return p
}

// Degraded reports whether caching has been disabled.
func (a *Agent) Degraded() bool {
	return a.degraded.Load()
}

func (a *Agent) detach(p *Port) {
	a.portsMu.Lock()
	delete(a.ports, p)
	n := len(a.ports)
	a.portsMu.Unlock()
	a.metrics.SetAttachedPorts(n)
}

func (a *Agent) submit(ctx context.Context, env envelope) error {
	if a.state.Load() != stateRunning {
		return ErrAgentStopped
	}
	select {
	case a.inbox <- env:
		return nil
	case <-a.stopCh:
		return ErrAgentStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) worker(ctx context.Context, workerID int) {
	defer a.wg.Done()
	a.logger.Debug().Int("worker_id", workerID).Msg("Agent worker started.")
	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Int("worker_id", workerID).Msg("Agent worker shutting down due to context cancellation.")
			return
		case <-a.stopCh:
			return
		case env := <-a.inbox:
			a.handle(ctx, env)
		}
	}
}

// handle dispatches one command and replies on its port. A panicking handler
// is answered with an error event instead of taking the agent down.
func (a *Agent) handle(ctx context.Context, env envelope) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Str("type", string(env.cmd.Type())).Msg("Recovered from panic in agent handler.")
			a.reply(env, a.failureFor(env.cmd, fmt.Errorf("internal agent error: %v", r)))
		}
	}()

	a.logger.Debug().Str("type", string(env.cmd.Type())).Str("id", env.id).Msg("Handling command.")
	var ev Event
	switch cmd := env.cmd.(type) {
	case Fetch:
		ev = a.fetch(ctx, cmd)
	case CacheForOffline:
		ev = a.pin(ctx, cmd.ResourceID)
	case ClearCache:
		ev = a.clear(ctx, cmd.ResourceID)
	case GetCacheStatus:
		ev = a.status(ctx, cmd.ResourceID)
	default:
		a.logger.Warn().Str("type", fmt.Sprintf("%T", env.cmd)).Msg("Ignoring unknown command.")
		return
	}
	a.reply(env, ev)
}

func (a *Agent) failureFor(cmd Command, err error) Event {
	switch c := cmd.(type) {
	case Fetch:
		class, _ := a.cfg.Routes.Classify(c.Path)
		return FetchResult{Path: c.Path, Class: class, Err: &FetchError{Kind: InternalFailure, Path: c.Path, Err: err}}
	case CacheForOffline:
		return CacheError{ResourceID: c.ResourceID, Error: err.Error()}
	case ClearCache:
		return CacheError{ResourceID: c.ResourceID, Error: err.Error()}
	case GetCacheStatus:
		return CacheStatus{ResourceID: c.ResourceID}
	default:
		return nil
	}
}

func (a *Agent) reply(env envelope, ev Event) {
	if ev == nil {
		return
	}
	if !env.port.reply(withCorrelation(ev, env.id), a.cfg.ReplyTimeout) {
		a.logger.Warn().Str("type", string(ev.Type())).Str("id", env.id).Msg("Reply not delivered; port closed or not reading.")
		a.metrics.RecordDropped(ev.Type())
	}
}

// broadcast fans ev out to every attached port without blocking.
func (a *Agent) broadcast(ev Event) {
	a.portsMu.RLock()
	defer a.portsMu.RUnlock()
	for p := range a.ports {
		if !p.notify(ev) {
			a.logger.Warn().Str("type", string(ev.Type())).Msg("Dropped broadcast for slow port.")
			a.metrics.RecordDropped(ev.Type())
		}
	}
}

func (a *Agent) currentStore() cache.Store {
	a.storeMu.RLock()
	defer a.storeMu.RUnlock()
	return a.store
}

func (a *Agent) reason() string {
	a.storeMu.RLock()
	defer a.storeMu.RUnlock()
	return a.degradeReason
}

// storeFailed degrades the agent if err means the store is gone for good. A
// cancelled or timed-out operation never does.
func (a *Agent) storeFailed(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	if errors.Is(err, cache.ErrStoreUnavailable) {
		a.degrade(err.Error())
	}
}

// degrade swaps in a DisabledStore and tells every controller, once.
func (a *Agent) degrade(reason string) {
	a.degradeOnce.Do(func() {
		a.storeMu.Lock()
		a.store = cache.DisabledStore{}
		a.degradeReason = reason
		a.storeMu.Unlock()
		a.degraded.Store(true)
		a.metrics.SetDegraded(true)

		a.logger.Warn().Str("reason", reason).Msg("Cache storage unavailable; caching disabled.")
		a.broadcast(StorageDegraded{Reason: reason})
	})
}
