// Package observability provides the engine's metrics instruments.
//
// All instruments hang off an explicit Metrics object owning its own
// registry; there is no ambient global state. Construct one at process start
// and pass it to whatever needs to record.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "espalier"

// Metrics owns the engine's Prometheus instruments and their registry.
type Metrics struct {
	registry *prometheus.Registry

	// turnsTotal counts processed turns by outcome (action name or "error").
	turnsTotal *prometheus.CounterVec

	// turnDuration is a histogram of full turn processing duration.
	turnDuration prometheus.Histogram

	// commandsTotal counts applied commands by variant tag.
	commandsTotal *prometheus.CounterVec

	// codeChangesTotal counts turns where stale flow definitions were
	// detected and commands were discarded.
	codeChangesTotal prometheus.Counter
}

// NewMetrics builds a Metrics object with a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Total number of processed turns by selected action",
			},
			[]string{"action"},
		),
		turnDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "Histogram of turn processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of applied commands by variant",
			},
			[]string{"command"},
		),
		codeChangesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "code_changes_total",
				Help:      "Turns where changed flow definitions invalidated the command list",
			},
		),
	}
	m.registry.MustRegister(m.turnsTotal, m.turnDuration, m.commandsTotal, m.codeChangesTotal)
	return m
}

// Registry exposes the underlying registry, e.g. for an HTTP exporter.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveTurn records one processed turn.
func (m *Metrics) ObserveTurn(action string, seconds float64) {
	m.turnsTotal.WithLabelValues(action).Inc()
	m.turnDuration.Observe(seconds)
}

// ObserveCommand records one applied command.
func (m *Metrics) ObserveCommand(tag string) {
	m.commandsTotal.WithLabelValues(tag).Inc()
}

// ObserveCodeChange records a turn invalidated by changed flow definitions.
func (m *Metrics) ObserveCodeChange() {
	m.codeChangesTotal.Inc()
}
