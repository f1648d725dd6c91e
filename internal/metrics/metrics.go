// Package metrics provides Prometheus metrics for the control client.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "anonctl"
)

// Result labels for CommandsTotal and CountryLookups.
const (
	ResultOK      = "ok"
	ResultRefused = "refused"
	ResultError   = "error"
	ResultTimeout = "timeout"
)

// Metrics contains all Prometheus metrics for one control connection.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Command metrics
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	StaleReplies    prometheus.Counter

	// Event metrics
	EventsReceived   *prometheus.CounterVec
	ListenerFailures *prometheus.CounterVec

	// Lookup metrics
	CountryLookups *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates a Metrics instance on a fresh registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total control commands sent by verb and result",
		}, []string{"verb", "result"}),
		CommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Histogram of command round trip time in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"verb"}),
		StaleReplies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_replies_total",
			Help:      "Replies discarded because their command was abandoned",
		}),
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Asynchronous events received by type",
		}, []string{"type"}),
		ListenerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_failures_total",
			Help:      "Event listeners that returned an error or panicked, by event type",
		}, []string{"type"}),
		CountryLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "country_lookups_total",
			Help:      "Relay country lookups by result",
		}, []string{"result"}),
		gatherer: reg,
	}
}

// Handler returns an HTTP handler exposing the registry in the Prometheus
// text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordCommand records one command round trip.
func (m *Metrics) RecordCommand(verb, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(verb, result).Inc()
	m.CommandDuration.WithLabelValues(verb).Observe(elapsed.Seconds())
}

// RecordStaleReply records a discarded leftover reply.
func (m *Metrics) RecordStaleReply() {
	if m == nil {
		return
	}
	m.StaleReplies.Inc()
}

// RecordEvent records an event received from the daemon.
func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(eventType).Inc()
}

// RecordListenerFailure records a listener error or panic.
func (m *Metrics) RecordListenerFailure(eventType string) {
	if m == nil {
		return
	}
	m.ListenerFailures.WithLabelValues(eventType).Inc()
}

// RecordCountryLookup records a relay country lookup.
func (m *Metrics) RecordCountryLookup(result string) {
	if m == nil {
		return
	}
	m.CountryLookups.WithLabelValues(result).Inc()
}
