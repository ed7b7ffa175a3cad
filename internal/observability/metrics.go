package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "coderunner"

// MetricsCollector holds all Prometheus metrics for coderunner.
// Uses a custom registry with no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Tool run metrics.
	ToolRunsTotal   *prometheus.CounterVec
	ToolRunDuration *prometheus.HistogramVec
	ActiveRuns      prometheus.Gauge

	// Sandbox metrics, one sample per interpreter or engine process.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// Container engine probe results.
	ProbeResultsTotal *prometheus.CounterVec

	// Janitor metrics.
	JanitorRemovedTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetricsCollector registers every coderunner metric on a private
// registry, so the process defaults stay out of /metrics.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ToolRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "runs_total",
			Help:      "Total tool runs by language and outcome.",
		}, []string{"language", "status"}),

		ToolRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "run_duration_seconds",
			Help:      "Tool run duration in seconds, storage setup included.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"language"}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Number of tool runs in flight.",
		}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox process executions.",
		}, []string{"backend", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox process duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"backend"}),

		ProbeResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "results_total",
			Help:      "Container engine availability probe results.",
		}, []string{"availability"}),

		JanitorRemovedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "janitor",
			Name:      "removed_total",
			Help:      "Entries removed by the janitor.",
		}, []string{"kind"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		m.ToolRunsTotal,
		m.ToolRunDuration,
		m.ActiveRuns,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.ProbeResultsTotal,
		m.JanitorRemovedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// RecordJanitorRemoval counts n removed entries of kind. Nil-safe, so the
// janitor can take it as a plain func.
func (m *MetricsCollector) RecordJanitorRemoval(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.JanitorRemovedTotal.WithLabelValues(kind).Add(float64(n))
}
