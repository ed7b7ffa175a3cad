// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// health checks and anomaly detection for tool runs.
//
// Every component is optional. The Wrap helpers return their argument
// unchanged when nothing is enabled, so a disabled setup adds no layer.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/coderunner/internal/config"
	"github.com/jkaninda/coderunner/internal/sandbox"
	"github.com/jkaninda/coderunner/internal/tool"
)

// Observability groups the enabled components. Health is always set.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New builds the components enabled in cfg. A nil cfg still yields a
// health checker for /healthz and /readyz.
func New(cfg *config.ObservabilityConfig, version string, logger *slog.Logger) (*Observability, error) {
	obs := &Observability{Health: NewHealthChecker(logger)}
	if cfg == nil {
		return obs, nil
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing, version)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}
	return obs, nil
}

// Enabled reports whether any run instrumentation is active.
func (o *Observability) Enabled() bool {
	return o != nil && (o.Metrics != nil || o.Tracer != nil || o.Anomaly != nil)
}

// WrapSandbox instruments launches on backend.
func (o *Observability) WrapSandbox(s sandbox.Sandbox, backend sandbox.Backend) sandbox.Sandbox {
	if !o.Enabled() {
		return s
	}
	return NewInstrumentedSandbox(s, backend, o.Metrics, o.Tracer, o.Anomaly)
}

// WrapService instruments tool runs, checks and definitions.
func (o *Observability) WrapService(svc tool.Service) tool.Service {
	if !o.Enabled() {
		return svc
	}
	return NewInstrumentedService(svc, o.Metrics, o.Tracer, o.Anomaly)
}

// WrapProbe counts probe answers; only metrics apply to probes.
func (o *Observability) WrapProbe(p sandbox.Probe) sandbox.Probe {
	if o == nil || o.Metrics == nil {
		return p
	}
	return NewInstrumentedProbe(p, o.Metrics)
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil || o.Tracer == nil {
		return
	}
	_ = o.Tracer.Shutdown(ctx)
}

// MetricsOrNil returns the collector or nil if metrics are disabled.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// TracerOrNil returns the tracer setup or nil if tracing is disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// AnomalyOrNil returns the anomaly detector or nil if it is disabled.
func (o *Observability) AnomalyOrNil() *AnomalyDetector {
	if o == nil {
		return nil
	}
	return o.Anomaly
}
