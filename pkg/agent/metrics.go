package agent

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records agent activity on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	requests      *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	pins          *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	degraded      prometheus.Gauge
	attachedPorts prometheus.Gauge
}

// NewMetrics creates the agent collectors and registers them on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gigcache_agent_requests_total",
		Help: "Total fetches handled by the agent",
	}, []string{"class", "outcome"})

	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gigcache_agent_background_refreshes_total",
		Help: "Total background refreshes of performance data",
	}, []string{"result"})

	pins := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gigcache_agent_pins_total",
		Help: "Total make-available-offline requests",
	}, []string{"result"})

	dropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gigcache_agent_dropped_events_total",
		Help: "Total broadcast events dropped because a port buffer was full",
	}, []string{"type"})

	degraded := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gigcache_agent_storage_degraded",
		Help: "1 when persistent storage is unavailable and caching is disabled",
	})

	attachedPorts := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gigcache_agent_attached_ports",
		Help: "Number of controllers currently attached",
	})

	registry.MustRegister(requests, refreshes, pins, dropped, degraded, attachedPorts)

	return &Metrics{
		registry:      registry,
		requests:      requests,
		refreshes:     refreshes,
		pins:          pins,
		dropped:       dropped,
		degraded:      degraded,
		attachedPorts: attachedPorts,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRequest counts a fetch by request class and outcome
// (hit, miss, network, stale, error).
func (m *Metrics) RecordRequest(class RequestClass, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(string(class), outcome).Inc()
}

// RecordRefresh counts a background refresh by result (updated, unchanged, failed, deduplicated).
func (m *Metrics) RecordRefresh(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}

// RecordPin counts a pin by result (cached, partial, failed).
func (m *Metrics) RecordPin(result string) {
	if m == nil {
		return
	}
	m.pins.WithLabelValues(result).Inc()
}

// RecordDropped counts a broadcast that a slow port never received.
func (m *Metrics) RecordDropped(t MessageType) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(string(t)).Inc()
}

// SetDegraded flips the degraded-storage gauge.
func (m *Metrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.degraded.Set(1)
		return
	}
	m.degraded.Set(0)
}

// SetAttachedPorts records the number of attached controllers.
func (m *Metrics) SetAttachedPorts(n int) {
	if m == nil {
		return
	}
	m.attachedPorts.Set(float64(n))
}
