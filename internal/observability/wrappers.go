package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/coderunner/internal/execution"
	"github.com/jkaninda/coderunner/internal/sandbox"
	"github.com/jkaninda/coderunner/internal/tool"
)

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps a sandbox.Sandbox with metrics and tracing.
// backend labels every sample, since one wrapper is built per launch path.
type InstrumentedSandbox struct {
	inner   sandbox.Sandbox
	backend string
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedSandbox wraps a sandbox with observability.
func NewInstrumentedSandbox(inner sandbox.Sandbox, backend sandbox.Backend, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSandbox {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandbox{
		inner:   inner,
		backend: string(backend),
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (s *InstrumentedSandbox) Run(ctx context.Context, c sandbox.Command) (*sandbox.Output, error) {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.backend", s.backend),
				attribute.String("sandbox.program", c.Program),
			))
		defer span.End()
	}

	start := time.Now()
	out, err := s.inner.Run(ctx, c)
	duration := time.Since(start).Seconds()

	status := statusOf(err)
	if s.metrics != nil {
		s.metrics.SandboxExecutionsTotal.WithLabelValues(s.backend, status).Inc()
		s.metrics.SandboxExecutionDuration.WithLabelValues(s.backend).Observe(duration)
	}
	if err != nil {
		s.anomaly.RecordError("sandbox." + s.backend)
	} else {
		s.anomaly.RecordSuccess("sandbox." + s.backend)
	}

	if span != nil {
		if out != nil {
			span.SetAttributes(attribute.Int("sandbox.exit_code", out.ExitCode))
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
	}
	return out, err
}

// --- InstrumentedService ---

// InstrumentedService wraps a tool.Service with metrics, tracing and anomaly
// detection.
type InstrumentedService struct {
	inner   tool.Service
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedService wraps a tool service with observability.
func NewInstrumentedService(inner tool.Service, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedService {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedService{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (s *InstrumentedService) Run(ctx context.Context, req tool.Request) (*execution.RunResult, error) {
	req = req.WithIdentity()
	language := languageLabel(req)

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "tool.run",
			trace.WithAttributes(
				attribute.String("tool.language", language),
				attribute.String("tool.context_id", req.Context.ContextID),
				attribute.String("tool.execution_id", req.Context.ExecutionID),
			))
		defer span.End()
	}

	if s.metrics != nil {
		s.metrics.ActiveRuns.Inc()
		defer s.metrics.ActiveRuns.Dec()
	}

	start := time.Now()
	res, err := s.inner.Run(ctx, req)
	duration := time.Since(start).Seconds()

	if s.metrics != nil {
		s.metrics.ToolRunsTotal.WithLabelValues(language, statusOf(err)).Inc()
		s.metrics.ToolRunDuration.WithLabelValues(language).Observe(duration)
	}
	if err != nil {
		s.anomaly.RecordError("tool." + language)
	} else {
		s.anomaly.RecordSuccess("tool." + language)
	}

	if span != nil {
		if res != nil && res.Backend != "" {
			span.SetAttributes(attribute.String("sandbox.backend", res.Backend))
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
	}
	return res, err
}

func (s *InstrumentedService) Check(ctx context.Context, req tool.Request) ([]string, error) {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "tool.check",
			trace.WithAttributes(attribute.String("tool.language", languageLabel(req))))
		defer span.End()
	}
	diagnostics, err := s.inner.Check(ctx, req)
	if span != nil {
		span.SetAttributes(attribute.Int("tool.diagnostics", len(diagnostics)))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
	}
	return diagnostics, err
}

func (s *InstrumentedService) Definition(ctx context.Context, req tool.Request) (*tool.Definition, error) {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "tool.definition",
			trace.WithAttributes(attribute.String("tool.language", languageLabel(req))))
		defer span.End()
	}
	def, err := s.inner.Definition(ctx, req)
	if span != nil && err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	return def, err
}

// --- InstrumentedProbe ---

// InstrumentedProbe counts container engine probe results.
type InstrumentedProbe struct {
	inner   sandbox.Probe
	metrics *MetricsCollector
}

// NewInstrumentedProbe wraps a probe with a result counter.
func NewInstrumentedProbe(inner sandbox.Probe, metrics *MetricsCollector) *InstrumentedProbe {
	return &InstrumentedProbe{inner: inner, metrics: metrics}
}

func (p *InstrumentedProbe) Probe(ctx context.Context) sandbox.Availability {
	a := p.inner.Probe(ctx)
	if p.metrics != nil {
		p.metrics.ProbeResultsTotal.WithLabelValues(a.String()).Inc()
	}
	return a
}

var (
	_ sandbox.Sandbox = (*InstrumentedSandbox)(nil)
	_ tool.Service    = (*InstrumentedService)(nil)
	_ sandbox.Probe   = (*InstrumentedProbe)(nil)
)

// statusOf maps an error to a metric label: "success", the execution error
// kind, or "error".
func statusOf(err error) string {
	if err == nil {
		return "success"
	}
	if kind := sandbox.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}

func languageLabel(req tool.Request) string {
	lang, err := req.ResolveLanguage()
	if err != nil {
		return "unknown"
	}
	return string(lang)
}

// statusCode formats an HTTP status code as a label value.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
