// Package syncapi serves read-only freshness information about a collection
// scope (typically a band): a manifest of per-collection counts and newest
// timestamps, and a bounded delta of documents changed since a point in time.
package syncapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedSince is returned when the since parameter is not an RFC 3339 timestamp.
	ErrMalformedSince = errors.New("syncapi: malformed since")
	// ErrMalformedUntil is returned when the until parameter is not an RFC 3339 timestamp.
	ErrMalformedUntil = errors.New("syncapi: malformed until")
	// ErrEmptyRange is returned when until is not after since.
	ErrEmptyRange = errors.New("syncapi: until must be after since")
	// ErrInvalidScope is returned for an empty or unusable collection scope.
	ErrInvalidScope = errors.New("syncapi: invalid collection scope")
	// ErrSourceUnavailable is returned when the backing source cannot be reached.
	ErrSourceUnavailable = errors.New("syncapi: source unavailable")
	// ErrBadRequest is returned by Client when the server rejected a request as malformed.
	ErrBadRequest = errors.New("syncapi: bad request")
)

// ActionUpdate is the only change action reported.
const ActionUpdate = "update"

// Manifest summarises every collection of a scope. A collection with no
// documents has a nil LastModified entry.
type Manifest struct {
	CollectionID string                `json:"collectionId"`
	LastModified map[string]*time.Time `json:"lastModified"`
	Counts       map[string]int        `json:"counts"`
	GeneratedAt  time.Time             `json:"generatedAt"`
}

// Newest returns the latest modification time across all collections.
func (m Manifest) Newest() (time.Time, bool) {
	var newest time.Time
	found := false
	for _, t := range m.LastModified {
		if t != nil && t.After(newest) {
			newest = *t
			found = true
		}
	}
	return newest, found
}

// ChangeSummary is one changed document. On the wire its fields are flattened
// next to id, updatedAt and action.
type ChangeSummary struct {
	ID        string
	Fields    map[string]any
	UpdatedAt time.Time
	Action    string
}

// MarshalJSON flattens Fields into the object. The reserved keys always win.
func (c ChangeSummary) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Fields)+3)
	for k, v := range c.Fields {
		out[k] = v
	}
	action := c.Action
	if action == "" {
		action = ActionUpdate
	}
	out["id"] = c.ID
	out["updatedAt"] = c.UpdatedAt.UTC().Format(time.RFC3339Nano)
	out["action"] = action
	return json.Marshal(out)
}

// UnmarshalJSON splits the reserved keys back out of the flattened object.
func (c *ChangeSummary) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, _ := raw["id"].(string)
	action, _ := raw["action"].(string)
	updated, _ := raw["updatedAt"].(string)
	updatedAt, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return fmt.Errorf("change %q: bad updatedAt: %w", id, err)
	}
	delete(raw, "id")
	delete(raw, "action")
	delete(raw, "updatedAt")

	*c = ChangeSummary{ID: id, Fields: raw, UpdatedAt: updatedAt, Action: action}
	return nil
}

// DeltaBatch lists the documents changed since a point in time, newest first
// and capped per collection. Truncated marks collections that hit the cap and
// may have more changes than were returned. Until is set when the request
// bounded the range from above; it is inclusive.
type DeltaBatch struct {
	Since       time.Time                  `json:"since"`
	Until       *time.Time                 `json:"until,omitempty"`
	GeneratedAt time.Time                  `json:"generatedAt"`
	Changes     map[string][]ChangeSummary `json:"changes"`
	Truncated   map[string]bool            `json:"truncated,omitempty"`
}

// ChangeCount returns the number of changes across all collections.
func (d DeltaBatch) ChangeCount() int {
	n := 0
	for _, changes := range d.Changes {
		n += len(changes)
	}
	return n
}

// MayHaveMore reports whether collection hit the cap.
func (d DeltaBatch) MayHaveMore(collection string) bool {
	return d.Truncated[collection]
}

// NextUntil returns the until bound for the next page of a truncated
// collection: the oldest timestamp in this page. The boundary is inclusive, so
// the next page repeats the documents at that instant; callers dedupe by id.
func (d DeltaBatch) NextUntil(collection string) (time.Time, bool) {
	changes := d.Changes[collection]
	if !d.Truncated[collection] || len(changes) == 0 {
		return time.Time{}, false
	}
	return changes[len(changes)-1].UpdatedAt, true
}

// CollectionStats is the aggregate a Source computes for one collection.
type CollectionStats struct {
	Count        int
	LastModified *time.Time
}
