package cache

import (
	"context"
	"fmt"
)

// DisabledStore stands in when persistent storage is unavailable. Writes are
// dropped and every read misses, so callers behave as a plain passthrough.
type DisabledStore struct{}

// Put discards the payload.
func (DisabledStore) Put(context.Context, Namespace, string, []byte) error { return nil }

// Get always misses.
func (DisabledStore) Get(_ context.Context, ns Namespace, key string) (Entry, error) {
	return Entry{}, fmt.Errorf("key '%s' in %s: %w", key, ns, ErrNotFound)
}

// Delete is a no-op.
func (DisabledStore) Delete(context.Context, Namespace, string) error { return nil }

// DeleteNamespace is a no-op.
func (DisabledStore) DeleteNamespace(context.Context, Namespace) error { return nil }

// Namespaces is always empty.
func (DisabledStore) Namespaces(context.Context) ([]Namespace, error) { return nil, nil }

// Close is a no-op.
func (DisabledStore) Close() error { return nil }
