package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryStore is a thread-safe, non-persistent Store. It is primarily intended
// for local development and testing.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[Namespace]map[string]Entry
	now  func() time.Time
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		data: make(map[Namespace]map[string]Entry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Put stores a copy of payload under key.
func (s *InMemoryStore) Put(ctx context.Context, ns Namespace, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := Entry{Key: key, Payload: clonePayload(payload), FetchedAt: s.now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.data[ns]
	if !ok {
		bucket = make(map[string]Entry)
		s.data[ns] = bucket
	}
	bucket[key] = entry
	return nil
}

// Get retrieves a copy of the entry stored under key.
func (s *InMemoryStore) Get(ctx context.Context, ns Namespace, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.data[ns][key]
	if !ok {
		return Entry{}, fmt.Errorf("key '%s' in %s: %w", key, ns, ErrNotFound)
	}
	entry.Payload = clonePayload(entry.Payload)
	return entry, nil
}

// Delete removes key.
func (s *InMemoryStore) Delete(ctx context.Context, ns Namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok := s.data[ns]; ok {
		delete(bucket, key)
		if len(bucket) == 0 {
			delete(s.data, ns)
		}
	}
	return nil
}

// DeleteNamespace removes every entry in ns.
func (s *InMemoryStore) DeleteNamespace(ctx context.Context, ns Namespace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, ns)
	return nil
}

// Namespaces lists the non-empty namespaces.
func (s *InMemoryStore) Namespaces(ctx context.Context) ([]Namespace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Namespace, 0, len(s.data))
	for ns := range s.data {
		out = append(out, ns)
	}
	return out, nil
}

// Close is a no-op for the in-memory implementation.
func (s *InMemoryStore) Close() error {
	return nil
}
