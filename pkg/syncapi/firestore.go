package syncapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore source.
type FirestoreConfig struct {
	ProjectID string
	// RootCollection holds one document per scope, e.g. "bands".
	RootCollection string
	// UpdatedAtField is the timestamp field on every document.
	UpdatedAtField string
}

// FirestoreSource reads collections stored as
// <RootCollection>/<scope>/<collection>/<doc>.
type FirestoreSource struct {
	client       *firestore.Client
	root         string
	updatedField string
	logger       zerolog.Logger
}

// NewFirestoreSource creates a new FirestoreSource. The client's lifecycle is
// managed by the caller.
func NewFirestoreSource(cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreSource, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	root := cfg.RootCollection
	if root == "" {
		root = "bands"
	}
	field := cfg.UpdatedAtField
	if field == "" {
		field = "updatedAt"
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("root_collection", root).Msg("FirestoreSource initialized.")

	return &FirestoreSource{
		client:       client,
		root:         root,
		updatedField: field,
		logger:       logger.With().Str("component", "FirestoreSource").Logger(),
	}, nil
}

func (s *FirestoreSource) collection(scope, collection string) *firestore.CollectionRef {
	return s.client.Collection(s.root).Doc(scope).Collection(collection)
}

// Stats uses a server-side count aggregation and a single-document query for
// the newest timestamp.
func (s *FirestoreSource) Stats(ctx context.Context, scope, collection string) (CollectionStats, error) {
	coll := s.collection(scope, collection)

	result, err := coll.NewAggregationQuery().WithCount("count").Get(ctx)
	if err != nil {
		return CollectionStats{}, s.classify(err, "count", scope, collection)
	}
	var stats CollectionStats
	if v, ok := result["count"].(*firestorepb.Value); ok {
		stats.Count = int(v.GetIntegerValue())
	}

	iter := coll.OrderBy(s.updatedField, firestore.Desc).Limit(1).Documents(ctx)
	defer iter.Stop()
	doc, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return stats, nil
	}
	if err != nil {
		return CollectionStats{}, s.classify(err, "newest", scope, collection)
	}
	if t, ok := doc.Data()[s.updatedField].(time.Time); ok {
		t = t.UTC()
		stats.LastModified = &t
	}
	return stats, nil
}

// ChangedSince runs a ranged, ordered and limited query.
func (s *FirestoreSource) ChangedSince(ctx context.Context, scope, collection string, since, until time.Time, limit int) ([]ChangeSummary, error) {
	q := s.collection(scope, collection).Where(s.updatedField, ">", since.UTC())
	if !until.IsZero() {
		q = q.Where(s.updatedField, "<=", until.UTC())
	}
	q = q.OrderBy(s.updatedField, firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []ChangeSummary
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, s.classify(err, "delta", scope, collection)
		}
		fields := doc.Data()
		updatedAt, _ := fields[s.updatedField].(time.Time)
		delete(fields, s.updatedField)
		out = append(out, ChangeSummary{
			ID:        doc.Ref.ID,
			Fields:    fields,
			UpdatedAt: updatedAt.UTC(),
			Action:    ActionUpdate,
		})
	}
	s.logger.Debug().Str("scope", scope).Str("collection", collection).Int("changes", len(out)).Msg("Fetched delta from Firestore.")
	return out, nil
}

func (s *FirestoreSource) classify(err error, op, scope, collection string) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("firestore %s for %s/%s: %w: %w", op, scope, collection, ErrInvalidScope, err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.PermissionDenied, codes.Unauthenticated:
		s.logger.Error().Err(err).Str("op", op).Str("scope", scope).Str("collection", collection).Msg("Firestore unavailable.")
		return fmt.Errorf("firestore %s for %s/%s: %w: %w", op, scope, collection, ErrSourceUnavailable, err)
	default:
		return fmt.Errorf("firestore %s for %s/%s: %w", op, scope, collection, err)
	}
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreSource) Close() error {
	s.logger.Info().Msg("FirestoreSource does not close the injected Firestore client.")
	return nil
}
