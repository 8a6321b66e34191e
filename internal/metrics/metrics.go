// Package metrics holds the Prometheus collectors for hookrelay.
//
// Collectors live on a private registry so several instances (one per test,
// for example) never collide on registration. All recording helpers are safe
// on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hookrelay"

// Metrics contains the hookrelay collectors.
type Metrics struct {
	MessagesRouted      *prometheus.CounterVec
	RemediationOutcomes *prometheus.CounterVec
	Finalizations       *prometheus.CounterVec
	InstallRequests     *prometheus.CounterVec
	DebugEntriesDropped prometheus.Counter

	registry *prometheus.Registry
}

// New creates the collectors and registers them, plus Go runtime metrics.
func New() *Metrics {
	m := &Metrics{
		MessagesRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "routed_total",
				Help:      "Messages routed from worker error channels, by route",
			},
			[]string{"type"},
		),
		RemediationOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "remediation",
				Name:      "outcomes_total",
				Help:      "Missing-module existence checks, by outcome",
			},
			[]string{"outcome"},
		),
		Finalizations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "responses",
				Name:      "finalizations_total",
				Help:      "Response streams finalized, by the path that finalized them",
			},
			[]string{"path"},
		),
		InstallRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "remediation",
				Name:      "install_requests_total",
				Help:      "Install requests sent to the registry service, by result",
			},
			[]string{"result"},
		),
		DebugEntriesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "debug",
				Name:      "entries_dropped_total",
				Help:      "Debug log entries dropped because the writer was saturated",
			},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.MessagesRouted,
		m.RemediationOutcomes,
		m.Finalizations,
		m.InstallRequests,
		m.DebugEntriesDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageRouted(route string) {
	if m == nil {
		return
	}
	m.MessagesRouted.WithLabelValues(route).Inc()
}

func (m *Metrics) RemediationOutcome(outcome string) {
	if m == nil {
		return
	}
	m.RemediationOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Finalized(path string) {
	if m == nil {
		return
	}
	m.Finalizations.WithLabelValues(path).Inc()
}

func (m *Metrics) InstallRequested(result string) {
	if m == nil {
		return
	}
	m.InstallRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) DebugEntryDropped() {
	if m == nil {
		return
	}
	m.DebugEntriesDropped.Inc()
}
