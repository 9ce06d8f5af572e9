// Package metrics exposes the harness's own Prometheus metrics: how long
// scenarios take, where they fail, and how long clients need to become ready.
// Client-under-test metrics travel through the telemetry sidecar instead.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics of the harness.
type Metrics struct {
	ScenarioDuration *prometheus.HistogramVec
	ScenariosTotal   *prometheus.CounterVec
	ReadinessWait    *prometheus.HistogramVec
	CleanupFailures  *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all harness metrics on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		ScenarioDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "expb_scenario_duration_seconds",
				Help:    "Wall-clock duration of scenario executions",
				Buckets: []float64{30, 60, 120, 300, 600, 1200, 3600, 7200},
			},
			[]string{"scenario", "client"},
		),

		ScenariosTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "expb_scenarios_total",
				Help: "Scenario executions by outcome",
			},
			[]string{"scenario", "client", "outcome"},
		),

		ReadinessWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "expb_client_readiness_wait_seconds",
				Help:    "Time until the execution client answered JSON-RPC",
				Buckets: []float64{15, 30, 45, 60, 90, 120, 300, 600},
			},
			[]string{"client"},
		),

		CleanupFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "expb_cleanup_failures_total",
				Help: "Best-effort cleanup steps that reported an error",
			},
			[]string{"step"},
		),

		registry: registry,
	}
}

// ObserveScenario records one finished scenario execution.
func (m *Metrics) ObserveScenario(scenario, client string, seconds float64, err error) {
	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	m.ScenarioDuration.WithLabelValues(scenario, client).Observe(seconds)
	m.ScenariosTotal.WithLabelValues(scenario, client, outcome).Inc()
}

// ObserveReadiness records how long a client took to answer JSON-RPC.
func (m *Metrics) ObserveReadiness(client string, seconds float64) {
	m.ReadinessWait.WithLabelValues(client).Observe(seconds)
}

// RecordCleanupFailure counts a failed best-effort cleanup step.
func (m *Metrics) RecordCleanupFailure(step string) {
	m.CleanupFailures.WithLabelValues(step).Inc()
}

// Handler serves the registry over HTTP for a /metrics listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
