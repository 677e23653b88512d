package agent_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-gigcache/pkg/agent"
	"github.com/illmade-knight/go-gigcache/pkg/cache"
	"github.com/illmade-knight/go-gigcache/pkg/gig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	dataNS   = cache.Namespace("gigcache-data-v1")
	assetsNS = cache.Namespace("gigcache-assets-v1")
	dataPath = "/api/gigs/42/performance"
	pagePath = "/gigs/42/performance"
)

var errOffline = errors.New("dial tcp: network is unreachable")

// --- Fakes ---

// fakeOrigin serves canned responses and can be switched offline.
type fakeOrigin struct {
	mu        sync.Mutex
	responses map[string]agent.Response
	offline   atomic.Bool
	calls     atomic.Int32
	FetchFunc func(ctx context.Context, path string) (agent.Response, error)
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{responses: make(map[string]agent.Response)}
}

func (o *fakeOrigin) Fetch(ctx context.Context, path string) (agent.Response, error) {
	o.calls.Add(1)
	if o.FetchFunc != nil {
		return o.FetchFunc(ctx, path)
	}
	if o.offline.Load() {
		return agent.Response{}, errOffline
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	resp, ok := o.responses[path]
	if !ok {
		return agent.Response{Status: http.StatusNotFound, Body: []byte("not found")}, nil
	}
	return resp, nil
}

func (o *fakeOrigin) set(path string, status int, contentType string, body []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.responses[path] = agent.Response{Status: status, ContentType: contentType, Body: body}
}

// serveGig makes both halves of a gig available.
func (o *fakeOrigin) serveGig(t *testing.T, id, title string) []byte {
	t.Helper()
	body := snapshotBody(t, id, title)
	o.set("/api/gigs/"+id+"/performance", http.StatusOK, "application/json", body)
	o.set("/gigs/"+id+"/performance", http.StatusOK, "text/html", []byte("<html>"+title+"</html>"))
	return body
}

// unavailableStore fails every read and write as if the disk had gone away.
type unavailableStore struct {
	cache.DisabledStore
	puts atomic.Int32
}

func (s *unavailableStore) Put(context.Context, cache.Namespace, string, []byte) error {
	s.puts.Add(1)
	return cache.ErrStoreUnavailable
}

func (s *unavailableStore) Get(context.Context, cache.Namespace, string) (cache.Entry, error) {
	return cache.Entry{}, cache.ErrStoreUnavailable
}

func snapshotBody(t *testing.T, id, title string) []byte {
	t.Helper()
	body, err := gig.Encode(gig.Snapshot{
		GigID:       id,
		Title:       title,
		GeneratedAt: time.Date(2026, 10, 1, 18, 0, 0, 0, time.UTC),
		Sets: []gig.Set{{Position: 1, Songs: []gig.SongEntry{
			{Position: 1, SongID: "s1", Title: "Sweet Jane"},
			{Position: 2, SongID: "s2", Title: "Heroes"},
		}}},
	})
	require.NoError(t, err)
	return body
}

// --- Agent harness ---

func newTestAgent(t *testing.T, store cache.Store, origin agent.Origin, opts ...agent.Option) *agent.Agent {
	t.Helper()
	namespaces, err := cache.NewNamespaceSet("gigcache", 1, 1)
	require.NoError(t, err)

	a, err := agent.New(agent.Config{
		Namespaces:     namespaces,
		NumWorkers:     2,
		RefreshTimeout: 2 * time.Second,
		ReplyTimeout:   time.Second,
	}, store, origin, zerolog.Nop(), opts...)
	require.NoError(t, err)
	return a
}

func startAgent(t *testing.T, a *agent.Agent) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx)
		cancel()
	})
}

// recorder drains a port in the background so replies and broadcasts can be
// asserted regardless of the order they arrive in.
type recorder struct {
	port   *agent.Port
	mu     sync.Mutex
	events []agent.Event
}

func record(t *testing.T, port *agent.Port) *recorder {
	t.Helper()
	r := &recorder{port: port}
	go func() {
		for {
			select {
			case <-port.Done():
				return
			case ev := <-port.Events():
				r.mu.Lock()
				r.events = append(r.events, ev)
				r.mu.Unlock()
			}
		}
	}()
	return r
}

func (r *recorder) find(match func(agent.Event) bool) (agent.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if match(ev) {
			return ev, true
		}
	}
	return nil, false
}

func (r *recorder) count(t agent.MessageType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type() == t {
			n++
		}
	}
	return n
}

// send issues cmd and waits for its reply.
func (r *recorder) send(t *testing.T, cmd agent.Command) agent.Event {
	t.Helper()
	id, err := r.port.Send(context.Background(), cmd)
	require.NoError(t, err)

	var reply agent.Event
	require.Eventually(t, func() bool {
		ev, ok := r.find(func(ev agent.Event) bool { return ev.Correlation() == id })
		reply = ev
		return ok
	}, 3*time.Second, 5*time.Millisecond, "no reply to %s", cmd.Type())
	return reply
}

func (r *recorder) fetch(t *testing.T, path string) agent.FetchResult {
	t.Helper()
	ev := r.send(t, agent.Fetch{Path: path})
	res, ok := ev.(agent.FetchResult)
	require.True(t, ok, "expected FetchResult, got %T", ev)
	return res
}

func (r *recorder) awaitDataUpdated(t *testing.T, gigID string) agent.DataUpdated {
	t.Helper()
	var out agent.DataUpdated
	require.Eventually(t, func() bool {
		ev, ok := r.find(func(ev agent.Event) bool {
			du, isUpdate := ev.(agent.DataUpdated)
			return isUpdate && du.ResourceID == gigID
		})
		if ok {
			out = ev.(agent.DataUpdated)
		}
		return ok
	}, 3*time.Second, 5*time.Millisecond, "no DATA_UPDATED for gig %s", gigID)
	return out
}

// metricValue sums the samples of a metric family whose labels include want.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, m := range family.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
	}
	return total
}
