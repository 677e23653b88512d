// Package gig defines the gig snapshot: the document cached for a performance
// view, made of ordered sets of ordered song entries.
package gig

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidSnapshot is returned when a snapshot violates its ordering invariants.
var ErrInvalidSnapshot = errors.New("gig: invalid snapshot")

// TransitionKind describes how one song leads into the next.
type TransitionKind string

const (
	TransitionNone     TransitionKind = ""
	TransitionStop     TransitionKind = "stop"
	TransitionSegue    TransitionKind = "segue"
	TransitionCountIn  TransitionKind = "count-in"
	TransitionTalk     TransitionKind = "talk"
	TransitionKeyShift TransitionKind = "key-change"
)

// Transition describes what happens between an entry and the one after it.
type Transition struct {
	Kind  TransitionKind `json:"kind,omitempty"`
	Notes string         `json:"notes,omitempty"`
}

// SongEntry is a frozen copy of a song as it stood when the snapshot was built.
// Later edits to the song do not reach a cached snapshot until it is refreshed.
type SongEntry struct {
	Position        int        `json:"position"`
	SongID          string     `json:"songId"`
	Title           string     `json:"title"`
	Artist          string     `json:"artist,omitempty"`
	Key             string     `json:"key,omitempty"`
	Tempo           int        `json:"tempo,omitempty"`
	DurationSeconds int        `json:"durationSeconds,omitempty"`
	Lyrics          string     `json:"lyrics,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	Transition      Transition `json:"transition"`
	Practiced       bool       `json:"practiced"`
}

// Set is one ordered block of songs within a gig.
type Set struct {
	Position int         `json:"position"`
	Name     string      `json:"name,omitempty"`
	Songs    []SongEntry `json:"songs"`
}

// Snapshot is the full performance document for one gig.
type Snapshot struct {
	GigID    string    `json:"gigId"`
	Title    string    `json:"title"`
	Venue    string    `json:"venue,omitempty"`
	StartsAt time.Time `json:"startsAt"`
	BandID   string    `json:"bandId,omitempty"`
	Sets     []Set     `json:"sets"`

	// GeneratedAt is when the server assembled the snapshot. Sync manifests
	// newer than this mean the snapshot may be out of date.
	GeneratedAt time.Time `json:"generatedAt"`
}

// Validate checks the structural invariants: at least one set, and dense 1..N
// positions for sets and for the songs within each set.
func (s Snapshot) Validate() error {
	if strings.TrimSpace(s.GigID) == "" {
		return fmt.Errorf("%w: gig id is required", ErrInvalidSnapshot)
	}
	if len(s.Sets) == 0 {
		return fmt.Errorf("%w: gig %s has no sets", ErrInvalidSnapshot, s.GigID)
	}
	for i, set := range s.Sets {
		if set.Position != i+1 {
			return fmt.Errorf("%w: gig %s set at index %d has position %d, want %d",
				ErrInvalidSnapshot, s.GigID, i, set.Position, i+1)
		}
		for j, song := range set.Songs {
			if song.Position != j+1 {
				return fmt.Errorf("%w: gig %s set %d song at index %d has position %d, want %d",
					ErrInvalidSnapshot, s.GigID, set.Position, j, song.Position, j+1)
			}
		}
	}
	return nil
}

// SongCount returns the number of entries across all sets.
func (s Snapshot) SongCount() int {
	n := 0
	for _, set := range s.Sets {
		n += len(set.Songs)
	}
	return n
}

// TotalDuration sums the durations of all entries.
func (s Snapshot) TotalDuration() time.Duration {
	var total time.Duration
	for _, set := range s.Sets {
		for _, song := range set.Songs {
			total += time.Duration(song.DurationSeconds) * time.Second
		}
	}
	return total
}

// Decode parses and validates a cached or fetched snapshot payload.
func Decode(payload []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Encode validates and serialises a snapshot.
func Encode(snap Snapshot) ([]byte, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(snap)
}
