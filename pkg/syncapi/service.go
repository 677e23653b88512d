package syncapi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ServiceConfig holds configuration for the sync Service.
type ServiceConfig struct {
	// Collections reported for every scope.
	Collections []string
	// DeltaCap is the maximum number of changes per collection in one delta.
	DeltaCap int
	// DefaultLookback applies when a delta request has no since.
	DefaultLookback time.Duration
}

// DefaultCollections are the band collections a performance view depends on.
func DefaultCollections() []string {
	return []string{"gigs", "setlists", "songs"}
}

// Service answers manifest and delta queries. It is read-only and safe to poll.
type Service struct {
	cfg    ServiceConfig
	source Source
	logger zerolog.Logger
	now    func() time.Time
}

// NewService creates a Service over source.
func NewService(cfg ServiceConfig, source Source, logger zerolog.Logger) (*Service, error) {
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if len(cfg.Collections) == 0 {
		cfg.Collections = DefaultCollections()
	}
	if cfg.DeltaCap <= 0 {
		cfg.DeltaCap = 100
	}
	if cfg.DefaultLookback <= 0 {
		cfg.DefaultLookback = 24 * time.Hour
	}
	return &Service{
		cfg:    cfg,
		source: source,
		logger: logger.With().Str("component", "SyncService").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock overrides the service clock. Intended for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Collections returns the configured collections.
func (s *Service) Collections() []string {
	return append([]string(nil), s.cfg.Collections...)
}

// Manifest aggregates every configured collection of scope.
func (s *Service) Manifest(ctx context.Context, scope string) (Manifest, error) {
	if err := validateScope(scope); err != nil {
		return Manifest{}, err
	}
	m := Manifest{
		CollectionID: scope,
		LastModified: make(map[string]*time.Time, len(s.cfg.Collections)),
		Counts:       make(map[string]int, len(s.cfg.Collections)),
	}
	for _, collection := range s.cfg.Collections {
		stats, err := s.source.Stats(ctx, scope, collection)
		if err != nil {
			return Manifest{}, fmt.Errorf("manifest for %s: %w", scope, err)
		}
		m.LastModified[collection] = stats.LastModified
		m.Counts[collection] = stats.Count
	}
	m.GeneratedAt = s.now()
	s.logger.Debug().Str("scope", scope).Msg("Manifest generated.")
	return m, nil
}

// Delta lists changes after since, or after the default lookback when since is nil.
func (s *Service) Delta(ctx context.Context, scope string, since *time.Time) (DeltaBatch, error) {
	return s.DeltaRange(ctx, scope, since, nil)
}

// DeltaRange is Delta bounded above by until, inclusive. A truncated
// collection is paged by passing its NextUntil back as until.
func (s *Service) DeltaRange(ctx context.Context, scope string, since, until *time.Time) (DeltaBatch, error) {
	if err := validateScope(scope); err != nil {
		return DeltaBatch{}, err
	}
	now := s.now()
	from := now.Add(-s.cfg.DefaultLookback)
	if since != nil {
		from = since.UTC()
	}
	var to time.Time
	if until != nil {
		to = until.UTC()
		if !to.After(from) {
			return DeltaBatch{}, fmt.Errorf("%w: since %s, until %s", ErrEmptyRange, from.Format(time.RFC3339Nano), to.Format(time.RFC3339Nano))
		}
	}

	batch := DeltaBatch{
		Since:     from,
		Changes:   make(map[string][]ChangeSummary, len(s.cfg.Collections)),
		Truncated: make(map[string]bool),
	}
	if until != nil {
		batch.Until = &to
	}
	for _, collection := range s.cfg.Collections {
		changes, err := s.source.ChangedSince(ctx, scope, collection, from, to, s.cfg.DeltaCap)
		if err != nil {
			return DeltaBatch{}, fmt.Errorf("delta for %s: %w", scope, err)
		}
		if changes == nil {
			changes = []ChangeSummary{}
		}
		batch.Changes[collection] = changes
		if len(changes) >= s.cfg.DeltaCap {
			batch.Truncated[collection] = true
		}
	}
	batch.GeneratedAt = now
	s.logger.Debug().Str("scope", scope).Time("since", from).Int("changes", batch.ChangeCount()).Msg("Delta generated.")
	return batch, nil
}

// ParseSince parses the since query parameter. An empty value means "use the
// default lookback"; anything else must be RFC 3339.
func ParseSince(raw string) (*time.Time, error) {
	return parseTimestamp(raw, ErrMalformedSince)
}

// ParseUntil parses the optional until query parameter. An empty value means
// no upper bound.
func ParseUntil(raw string) (*time.Time, error) {
	return parseTimestamp(raw, ErrMalformedUntil)
}

func parseTimestamp(raw string, malformed error) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not an RFC 3339 timestamp", malformed, raw)
	}
	t = t.UTC()
	return &t, nil
}

func validateScope(scope string) error {
	if strings.TrimSpace(scope) == "" || strings.Contains(scope, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	return nil
}
