// Package metrics exposes prometheus counters for sync and proxy activity.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "crate"

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Pushes           *prometheus.CounterVec
	PulledChangesets *prometheus.CounterVec
	Attestations     *prometheus.CounterVec
	ProxyWrites      *prometheus.CounterVec
	ChainState       *prometheus.GaugeVec
}

// New creates and registers all collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.Pushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "pushes_total",
			Namespace: namespace,
			Subsystem: "sync",
			Help:      "Push attempts by outcome.",
		},
		[]string{"outcome"},
	)
	m.PulledChangesets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "pulled_changesets_total",
			Namespace: namespace,
			Subsystem: "sync",
			Help:      "Remote changesets processed during pull by outcome.",
		},
		[]string{"outcome"},
	)
	m.Attestations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "attestations_total",
			Namespace: namespace,
			Subsystem: "trust",
			Help:      "Attestations ingested by outcome.",
		},
		[]string{"outcome"},
	)
	m.ProxyWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "writes_total",
			Namespace: namespace,
			Subsystem: "proxy",
			Help:      "Write requests handled by the proxy.",
		},
		[]string{"method", "outcome"},
	)
	m.ChainState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:      "chain_state",
			Namespace: namespace,
			Subsystem: "proxy",
			Help:      "Membership chain state the proxy authorizes against (1 for the active state).",
		},
		[]string{"state"},
	)

	m.registry.MustRegister(
		m.Pushes,
		m.PulledChangesets,
		m.Attestations,
		m.ProxyWrites,
		m.ChainState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePush counts a push outcome (pushed, nothing, collision, error).
func (m *Metrics) ObservePush(outcome string) {
	if m == nil {
		return
	}
	m.Pushes.WithLabelValues(outcome).Inc()
}

// ObservePull counts one pulled changeset (applied, quarantined, rejected).
func (m *Metrics) ObservePull(outcome string) {
	if m == nil {
		return
	}
	m.PulledChangesets.WithLabelValues(outcome).Inc()
}

// ObserveAttestations adds a batch ingest result.
func (m *Metrics) ObserveAttestations(stored, rejected int) {
	if m == nil {
		return
	}
	m.Attestations.WithLabelValues("stored").Add(float64(stored))
	m.Attestations.WithLabelValues("rejected").Add(float64(rejected))
}

// ObserveProxyWrite counts one proxied write.
func (m *Metrics) ObserveProxyWrite(method, outcome string) {
	if m == nil {
		return
	}
	m.ProxyWrites.WithLabelValues(method, outcome).Inc()
}

// SetChainState marks state as the active chain state.
func (m *Metrics) SetChainState(state string) {
	if m == nil {
		return
	}
	for _, s := range []string{"none", "valid", "invalid"} {
		value := 0.0
		if s == state {
			value = 1
		}
		m.ChainState.WithLabelValues(s).Set(value)
	}
}
