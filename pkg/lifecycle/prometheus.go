package lifecycle

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jrepp/prism-embed/pkg/embederr"
)

// PrometheusMetricsCollector implements MetricsCollector using Prometheus metrics
type PrometheusMetricsCollector struct {
	stateTransitions *prometheus.CounterVec
	state            *prometheus.GaugeVec

	startDuration *prometheus.HistogramVec
	stopDuration  *prometheus.HistogramVec

	errors  *prometheus.CounterVec
	shadows *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a collector with its own registry
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "embed"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_state_transitions_total",
			Help:      "Total number of server lifecycle state transitions",
		},
		[]string{"implementation", "from_state", "to_state"},
	)

	pmc.state = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_state",
			Help:      "Current lifecycle state of the server (1 for the active state)",
		},
		[]string{"implementation", "state"},
	)

	pmc.startDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "server_start_duration_seconds",
			Help:      "Duration of server start calls",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"implementation", "status"},
	)

	pmc.stopDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "server_stop_duration_seconds",
			Help:      "Duration of server stop calls",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"implementation", "status"},
	)

	pmc.errors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_errors_total",
			Help:      "Total number of lifecycle errors by code",
		},
		[]string{"implementation", "code"},
	)

	pmc.shadows = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_shadowed_contract_names",
			Help:      "Contract names also packaged inside isolated artifacts",
		},
		[]string{"implementation"},
	)

	pmc.registry.MustRegister(
		pmc.stateTransitions,
		pmc.state,
		pmc.startDuration,
		pmc.stopDuration,
		pmc.errors,
		pmc.shadows,
	)

	return pmc
}

// StateTransition records a state transition
func (pmc *PrometheusMetricsCollector) StateTransition(implementation string, fromState, toState State) {
	pmc.stateTransitions.WithLabelValues(
		implementation,
		fromState.String(),
		toState.String(),
	).Inc()

	pmc.state.WithLabelValues(implementation, fromState.String()).Set(0)
	pmc.state.WithLabelValues(implementation, toState.String()).Set(1)
}

// StartDuration records the duration of a start call
func (pmc *PrometheusMetricsCollector) StartDuration(implementation string, duration time.Duration, err error) {
	pmc.startDuration.WithLabelValues(implementation, status(err)).Observe(duration.Seconds())
}

// StopDuration records the duration of a stop call
func (pmc *PrometheusMetricsCollector) StopDuration(implementation string, duration time.Duration, err error) {
	pmc.stopDuration.WithLabelValues(implementation, status(err)).Observe(duration.Seconds())
}

// Error records a lifecycle error
func (pmc *PrometheusMetricsCollector) Error(implementation string, code embederr.Code) {
	pmc.errors.WithLabelValues(implementation, string(code)).Inc()
}

// SharedShadows records the number of shadowed contract names
func (pmc *PrometheusMetricsCollector) SharedShadows(implementation string, count int) {
	pmc.shadows.WithLabelValues(implementation).Set(float64(count))
}

// Registry returns the Prometheus registry for HTTP handler setup
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Compile-time interface compliance check
var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)
