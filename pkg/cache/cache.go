// Package cache provides the namespaced, persistent key/payload store that backs
// the offline caching agent.
package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned by Get when a key is absent from a namespace.
	ErrNotFound = errors.New("cache: entry not found")
	// ErrStoreUnavailable signals that the host denied or lost persistent storage.
	// Callers are expected to degrade to uncached operation.
	ErrStoreUnavailable = errors.New("cache: store unavailable")
)

// Entry is a single cached payload. Entries are never patched: a refresh
// replaces the whole entry.
type Entry struct {
	Key       string
	Payload   []byte
	FetchedAt time.Time
}

// Store is a namespaced key/payload store. Every operation is atomic per key;
// a concurrent Get never observes a partially written Put. There is no
// eviction beyond Delete and DeleteNamespace.
type Store interface {
	// Put writes (or wholesale replaces) the payload stored under key.
	Put(ctx context.Context, ns Namespace, key string, payload []byte) error
	// Get returns the entry for key or an error wrapping ErrNotFound.
	Get(ctx context.Context, ns Namespace, key string) (Entry, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, ns Namespace, key string) error
	// DeleteNamespace removes every entry in ns.
	DeleteNamespace(ctx context.Context, ns Namespace) error
	// Namespaces lists the namespaces currently holding at least one entry.
	Namespaces(ctx context.Context) ([]Namespace, error)
	io.Closer
}

// clonePayload copies b so stored entries cannot be mutated through the caller's slice.
func clonePayload(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
