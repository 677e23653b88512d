package syncapi

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Source is the server-side store the sync API reads from. Implementations
// must answer Stats with aggregate queries rather than by loading documents.
type Source interface {
	Stats(ctx context.Context, scope, collection string) (CollectionStats, error)
	// ChangedSince returns at most limit documents with updatedAt strictly
	// after since and, unless until is zero, at or before until. Results are
	// newest first, ties broken by ascending id.
	ChangedSince(ctx context.Context, scope, collection string, since, until time.Time, limit int) ([]ChangeSummary, error)
}

// Document is a stored document as the sync API sees it.
type Document struct {
	ID        string
	Fields    map[string]any
	UpdatedAt time.Time
}

// MemorySource is an in-memory Source for tests and local development.
type MemorySource struct {
	mu   sync.RWMutex
	docs map[string]map[string]map[string]Document
}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{docs: make(map[string]map[string]map[string]Document)}
}

// Upsert stores doc in scope/collection.
func (s *MemorySource) Upsert(scope, collection string, doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	collections, ok := s.docs[scope]
	if !ok {
		collections = make(map[string]map[string]Document)
		s.docs[scope] = collections
	}
	docs, ok := collections[collection]
	if !ok {
		docs = make(map[string]Document)
		collections[collection] = docs
	}
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	docs[doc.ID] = doc
}

// Stats counts the collection and finds its newest timestamp.
func (s *MemorySource) Stats(ctx context.Context, scope, collection string) (CollectionStats, error) {
	if err := ctx.Err(); err != nil {
		return CollectionStats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats CollectionStats
	for _, doc := range s.docs[scope][collection] {
		stats.Count++
		if stats.LastModified == nil || doc.UpdatedAt.After(*stats.LastModified) {
			t := doc.UpdatedAt
			stats.LastModified = &t
		}
	}
	return stats, nil
}

// ChangedSince returns the newest changes in (since, until].
func (s *MemorySource) ChangedSince(ctx context.Context, scope, collection string, since, until time.Time, limit int) ([]ChangeSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var matched []Document
	for _, doc := range s.docs[scope][collection] {
		if doc.UpdatedAt.After(since) && (until.IsZero() || !doc.UpdatedAt.After(until)) {
			matched = append(matched, doc)
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]ChangeSummary, 0, len(matched))
	for _, doc := range matched {
		out = append(out, ChangeSummary{ID: doc.ID, Fields: copyFields(doc.Fields), UpdatedAt: doc.UpdatedAt, Action: ActionUpdate})
	}
	return out, nil
}

func sortNewestFirst(docs []Document) {
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].UpdatedAt.Equal(docs[j].UpdatedAt) {
			return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
