package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sessioncore/internal/session"
)

// Compile-time contract assertion.
var _ session.MetricsRecorder = (*PrometheusRecorder)(nil)

// PrometheusRecorder publishes scope operation outcomes and latencies to a
// Prometheus registry.
type PrometheusRecorder struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	suspects   *prometheus.CounterVec
}

// NewPrometheusRecorder registers the session metric families on the provided
// registerer (prometheus.DefaultRegisterer when nil).
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &PrometheusRecorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessioncore_operations_total",
			Help: "Scope operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sessioncore_operation_duration_seconds",
			Help:    "Scope operation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		suspects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessioncore_nplusone_suspects_total",
			Help: "Association paths flagged for repeated lazy resolution.",
		}, []string{"path"}),
	}
	for _, c := range []prometheus.Collector{r.operations, r.latency, r.suspects} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe records one completed scope operation.
func (r *PrometheusRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	r.operations.WithLabelValues(operation, outcome).Inc()
	r.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// SuspectHook returns a callback suitable for session.WithNPlusOneHook that
// counts flagged association paths.
func (r *PrometheusRecorder) SuspectHook() func(path string, count int) {
	return func(path string, _ int) {
		r.suspects.WithLabelValues(path).Inc()
	}
}
