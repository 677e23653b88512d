package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrAgentStopped is returned when a message is sent to an agent that is not running.
	ErrAgentStopped = errors.New("agent: not running")
	// ErrPortClosed is returned when sending on a detached port.
	ErrPortClosed = errors.New("agent: port closed")
	// ErrUnknownMessage is returned when decoding a message with an unrecognised type.
	ErrUnknownMessage = errors.New("agent: unknown message type")
	// ErrInvalidMessage is returned when a message is missing required fields.
	ErrInvalidMessage = errors.New("agent: invalid message")
)

// FetchErrorKind classifies why a fetch could not be satisfied.
type FetchErrorKind string

const (
	// NetworkUnavailable: the network failed and nothing was cached.
	NetworkUnavailable FetchErrorKind = "network-unavailable"
	// AssetUnavailableOffline: a static asset missed the cache and the network failed.
	AssetUnavailableOffline FetchErrorKind = "asset-unavailable-offline"
	// UpstreamStatus: the server answered with a non-success status and nothing was cached.
	UpstreamStatus FetchErrorKind = "upstream-status"
	// InvalidPayload: the server answered with something that is not a valid snapshot.
	InvalidPayload FetchErrorKind = "invalid-payload"
	// InternalFailure: the agent itself failed while handling the request.
	InternalFailure FetchErrorKind = "internal"
)

// FetchError is the structured error carried by a failed FetchResult.
type FetchError struct {
	Kind FetchErrorKind `json:"kind"`
	Path string         `json:"path"`
	Err  error          `json:"-"`
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Path)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StatusError reports a non-2xx response from the origin.
type StatusError struct {
	Path   string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("origin returned status %d for %s", e.Status, e.Path)
}
