package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MessageType is the discriminator of every message crossing the agent boundary.
type MessageType string

// Commands, sent by controllers.
const (
	TypeFetch           MessageType = "FETCH"
	TypeCacheForOffline MessageType = "CACHE_FOR_OFFLINE"
	TypeClearCache      MessageType = "CLEAR_CACHE"
	TypeGetCacheStatus  MessageType = "GET_CACHE_STATUS"
)

// Events, sent by the agent.
const (
	TypeFetchResult     MessageType = "FETCH_RESULT"
	TypeCached          MessageType = "CACHED"
	TypeCacheError      MessageType = "CACHE_ERROR"
	TypeCacheStatus     MessageType = "CACHE_STATUS"
	TypeCacheCleared    MessageType = "CACHE_CLEARED"
	TypeDataUpdated     MessageType = "DATA_UPDATED"
	TypeStorageDegraded MessageType = "STORAGE_DEGRADED"
	TypeRefreshFailed   MessageType = "REFRESH_FAILED"
)

// Command is the closed set of requests a controller can make. The unexported
// marker method keeps the set closed to this package.
type Command interface {
	Type() MessageType
	isCommand()
}

// Fetch asks the agent for a path under the strategy of its request class.
// BypassCache forces a network-first read of performance data.
type Fetch struct {
	Path        string
	BypassCache bool
}

// CacheForOffline pins both the data and the page of a gig.
type CacheForOffline struct {
	ResourceID string
}

// ClearCache evicts both the data and the page of a gig.
type ClearCache struct {
	ResourceID string
}

// GetCacheStatus asks which halves of a gig are cached.
type GetCacheStatus struct {
	ResourceID string
}

func (Fetch) Type() MessageType           { return TypeFetch }
func (CacheForOffline) Type() MessageType { return TypeCacheForOffline }
func (ClearCache) Type() MessageType      { return TypeClearCache }
func (GetCacheStatus) Type() MessageType  { return TypeGetCacheStatus }

func (Fetch) isCommand()           {}
func (CacheForOffline) isCommand() {}
func (ClearCache) isCommand()      {}
func (GetCacheStatus) isCommand()  {}

// Event is the closed set of messages the agent emits. Replies carry the
// correlation id of the command they answer; broadcasts carry none.
type Event interface {
	Type() MessageType
	Correlation() string
	isEvent()
}

// Source says where a fetch result came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// FetchResult answers a Fetch.
type FetchResult struct {
	CorrelationID string
	Path          string
	Class         RequestClass
	ResourceID    string
	Source        Source
	// Stale is set when the network was tried, failed, and the cached copy was served instead.
	Stale       bool
	Status      int
	ContentType string
	Body        []byte
	FetchedAt   time.Time
	Err         *FetchError
}

// Cached reports a fully successful CacheForOffline.
type Cached struct {
	CorrelationID string
	ResourceID    string
}

// CacheError reports a CacheForOffline where at least one half failed. The
// half that succeeded stays cached.
type CacheError struct {
	CorrelationID string
	ResourceID    string
	Error         string
	DataCached    bool
	PageCached    bool
}

// CacheStatus answers GetCacheStatus.
type CacheStatus struct {
	CorrelationID string
	ResourceID    string
	DataCached    bool
	PageCached    bool
	FullyCached   bool
}

// CacheCleared acknowledges ClearCache.
type CacheCleared struct {
	CorrelationID string
	ResourceID    string
}

// DataUpdated is broadcast when a network read overwrote a cached snapshot.
// Changed is false when the new payload is byte-identical to the old one.
type DataUpdated struct {
	ResourceID string
	Path       string
	Body       []byte
	FetchedAt  time.Time
	Changed    bool
}

// StorageDegraded is sent once when persistent storage is unavailable and the
// agent has fallen back to uncached passthrough.
type StorageDegraded struct {
	Reason string
}

// RefreshFailed is broadcast when a background refresh after a cache hit could
// not reach the network. Views showing that resource are now showing stale data.
type RefreshFailed struct {
	ResourceID string
	Path       string
	Kind       FetchErrorKind
	Error      string
}

func (e FetchResult) Type() MessageType     { return TypeFetchResult }
func (e Cached) Type() MessageType          { return TypeCached }
func (e CacheError) Type() MessageType      { return TypeCacheError }
func (e CacheStatus) Type() MessageType     { return TypeCacheStatus }
func (e CacheCleared) Type() MessageType    { return TypeCacheCleared }
func (e DataUpdated) Type() MessageType     { return TypeDataUpdated }
func (e StorageDegraded) Type() MessageType { return TypeStorageDegraded }
func (e RefreshFailed) Type() MessageType   { return TypeRefreshFailed }

func (e FetchResult) Correlation() string     { return e.CorrelationID }
func (e Cached) Correlation() string          { return e.CorrelationID }
func (e CacheError) Correlation() string      { return e.CorrelationID }
func (e CacheStatus) Correlation() string     { return e.CorrelationID }
func (e CacheCleared) Correlation() string    { return e.CorrelationID }
func (e DataUpdated) Correlation() string     { return "" }
func (e StorageDegraded) Correlation() string { return "" }
func (e RefreshFailed) Correlation() string   { return "" }

func (FetchResult) isEvent()     {}
func (Cached) isEvent()          {}
func (CacheError) isEvent()      {}
func (CacheStatus) isEvent()     {}
func (CacheCleared) isEvent()    {}
func (DataUpdated) isEvent()     {}
func (StorageDegraded) isEvent() {}
func (RefreshFailed) isEvent()   {}

// withCorrelation stamps a reply with the id of the command it answers.
func withCorrelation(ev Event, id string) Event {
	switch e := ev.(type) {
	case FetchResult:
		e.CorrelationID = id
		return e
	case Cached:
		e.CorrelationID = id
		return e
	case CacheError:
		e.CorrelationID = id
		return e
	case CacheStatus:
		e.CorrelationID = id
		return e
	case CacheCleared:
		e.CorrelationID = id
		return e
	default:
		return ev
	}
}

// --- JSON wire format ---

// commandEnvelope is the wire shape of every command.
type commandEnvelope struct {
	ID          string      `json:"id,omitempty"`
	Type        MessageType `json:"type"`
	ResourceID  string      `json:"resourceId,omitempty"`
	Path        string      `json:"path,omitempty"`
	BypassCache bool        `json:"bypassCache,omitempty"`
}

// EncodeCommand serialises a command with an optional correlation id.
func EncodeCommand(id string, cmd Command) ([]byte, error) {
	env := commandEnvelope{ID: id, Type: cmd.Type()}
	switch c := cmd.(type) {
	case Fetch:
		env.Path = c.Path
		env.BypassCache = c.BypassCache
	case CacheForOffline:
		env.ResourceID = c.ResourceID
	case ClearCache:
		env.ResourceID = c.ResourceID
	case GetCacheStatus:
		env.ResourceID = c.ResourceID
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, cmd)
	}
	return json.Marshal(env)
}

// DecodeCommand parses a wire command, returning its correlation id.
func DecodeCommand(data []byte) (string, Command, error) {
	var env commandEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	requireResource := func() error {
		if strings.TrimSpace(env.ResourceID) == "" {
			return fmt.Errorf("%w: %s requires resourceId", ErrInvalidMessage, env.Type)
		}
		return nil
	}

	switch env.Type {
	case TypeFetch:
		if strings.TrimSpace(env.Path) == "" {
			return env.ID, nil, fmt.Errorf("%w: FETCH requires path", ErrInvalidMessage)
		}
		return env.ID, Fetch{Path: env.Path, BypassCache: env.BypassCache}, nil
	case TypeCacheForOffline:
		if err := requireResource(); err != nil {
			return env.ID, nil, err
		}
		return env.ID, CacheForOffline{ResourceID: env.ResourceID}, nil
	case TypeClearCache:
		if err := requireResource(); err != nil {
			return env.ID, nil, err
		}
		return env.ID, ClearCache{ResourceID: env.ResourceID}, nil
	case TypeGetCacheStatus:
		if err := requireResource(); err != nil {
			return env.ID, nil, err
		}
		return env.ID, GetCacheStatus{ResourceID: env.ResourceID}, nil
	default:
		return env.ID, nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

type fetchResultWire struct {
	ID          string      `json:"id,omitempty"`
	Type        MessageType `json:"type"`
	Path        string      `json:"path"`
	Class       string      `json:"class"`
	ResourceID  string      `json:"resourceId,omitempty"`
	Source      Source      `json:"source,omitempty"`
	Stale       bool        `json:"stale"`
	Status      int         `json:"status,omitempty"`
	ContentType string      `json:"contentType,omitempty"`
	Body        []byte      `json:"body,omitempty"`
	FetchedAt   *time.Time  `json:"fetchedAt,omitempty"`
	Error       *FetchError `json:"error,omitempty"`
	Message     string      `json:"message,omitempty"`
}

type resourceWire struct {
	ID         string      `json:"id,omitempty"`
	Type       MessageType `json:"type"`
	ResourceID string      `json:"resourceId"`
}

type cacheErrorWire struct {
	ID         string      `json:"id,omitempty"`
	Type       MessageType `json:"type"`
	ResourceID string      `json:"resourceId"`
	Error      string      `json:"error"`
	DataCached bool        `json:"dataCached"`
	PageCached bool        `json:"pageCached"`
}

type cacheStatusWire struct {
	ID          string      `json:"id,omitempty"`
	Type        MessageType `json:"type"`
	ResourceID  string      `json:"resourceId"`
	DataCached  bool        `json:"dataCached"`
	PageCached  bool        `json:"pageCached"`
	FullyCached bool        `json:"fullyCached"`
}

type dataUpdatedWire struct {
	Type       MessageType `json:"type"`
	ResourceID string      `json:"resourceId"`
	Path       string      `json:"path"`
	Body       []byte      `json:"body,omitempty"`
	FetchedAt  time.Time   `json:"fetchedAt"`
	Changed    bool        `json:"changed"`
}

type storageDegradedWire struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason"`
}

type refreshFailedWire struct {
	Type       MessageType    `json:"type"`
	ResourceID string         `json:"resourceId"`
	Path       string         `json:"path"`
	Kind       FetchErrorKind `json:"kind"`
	Error      string         `json:"error"`
}

// EncodeEvent serialises an event to its wire shape.
func EncodeEvent(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case FetchResult:
		w := fetchResultWire{
			ID: e.CorrelationID, Type: TypeFetchResult, Path: e.Path, Class: string(e.Class),
			ResourceID: e.ResourceID, Source: e.Source, Stale: e.Stale, Status: e.Status,
			ContentType: e.ContentType, Body: e.Body, Error: e.Err,
		}
		if !e.FetchedAt.IsZero() {
			t := e.FetchedAt
			w.FetchedAt = &t
		}
		if e.Err != nil {
			w.Message = e.Err.Error()
		}
		return json.Marshal(w)
	case Cached:
		return json.Marshal(resourceWire{ID: e.CorrelationID, Type: TypeCached, ResourceID: e.ResourceID})
	case CacheCleared:
		return json.Marshal(resourceWire{ID: e.CorrelationID, Type: TypeCacheCleared, ResourceID: e.ResourceID})
	case CacheError:
		return json.Marshal(cacheErrorWire{
			ID: e.CorrelationID, Type: TypeCacheError, ResourceID: e.ResourceID,
			Error: e.Error, DataCached: e.DataCached, PageCached: e.PageCached,
		})
	case CacheStatus:
		return json.Marshal(cacheStatusWire{
			ID: e.CorrelationID, Type: TypeCacheStatus, ResourceID: e.ResourceID,
			DataCached: e.DataCached, PageCached: e.PageCached, FullyCached: e.FullyCached,
		})
	case DataUpdated:
		return json.Marshal(dataUpdatedWire{
			Type: TypeDataUpdated, ResourceID: e.ResourceID, Path: e.Path,
			Body: e.Body, FetchedAt: e.FetchedAt, Changed: e.Changed,
		})
	case StorageDegraded:
		return json.Marshal(storageDegradedWire{Type: TypeStorageDegraded, Reason: e.Reason})
	case RefreshFailed:
		return json.Marshal(refreshFailedWire{
			Type: TypeRefreshFailed, ResourceID: e.ResourceID, Path: e.Path, Kind: e.Kind, Error: e.Error,
		})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, ev)
	}
}
