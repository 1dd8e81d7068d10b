// Package metrics exposes the engine's counters as Prometheus series.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements usecase.Observer over a dedicated registry so tests
// can create independent instances without collision panics.
type Metrics struct {
	registry *prometheus.Registry

	eventsSubmitted   *prometheus.CounterVec
	duplicatesFlagged prometheus.Counter
	eventsSynced      *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		eventsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "benesync_events_submitted_total",
			Help: "Events submitted to the engine, by type and result.",
		}, []string{"type", "result"}),
		duplicatesFlagged: factory.NewCounter(prometheus.CounterOpts{
			Name: "benesync_duplicates_flagged_total",
			Help: "Potential duplicate pairs flagged by detection.",
		}),
		eventsSynced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "benesync_events_synced_total",
			Help: "Events moved by sync, by direction and scope.",
		}, []string{"direction", "scope"}),
	}
}

func (m *Metrics) EventSubmitted(eventType string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.eventsSubmitted.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) DuplicatesFlagged(n int) {
	m.duplicatesFlagged.Add(float64(n))
}

func (m *Metrics) EventsSynced(direction, scope string, n int) {
	m.eventsSynced.WithLabelValues(direction, scope).Add(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
