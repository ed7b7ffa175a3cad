package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jkaninda/coderunner/internal/config"
	"github.com/jkaninda/coderunner/internal/execution"
	"github.com/jkaninda/coderunner/internal/sandbox"
	"github.com/jkaninda/coderunner/internal/tool"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, "test", nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		t.Error("expected every optional component to be nil")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsAndAnomaly(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5},
	}, "test", nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.MetricsOrNil() == nil {
		t.Error("metrics should be enabled")
	}
	if obs.AnomalyOrNil() == nil {
		t.Error("anomaly should be enabled")
	}
	if obs.TracerOrNil() != nil {
		t.Error("tracer should be nil when not enabled")
	}
}

func TestObservability_NilReceiver(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.TracerOrNil() != nil || obs.MetricsOrNil() != nil || obs.AnomalyOrNil() != nil {
		t.Error("expected nil components from nil Observability")
	}
}

func TestWrap_DisabledReturnsInner(t *testing.T) {
	obs, err := New(nil, "test", nil)
	if err != nil {
		t.Fatal(err)
	}
	if obs.Enabled() {
		t.Fatal("nil config should not enable instrumentation")
	}
	inner := &mockSandbox{out: &sandbox.Output{}}
	if got := obs.WrapSandbox(inner, sandbox.BackendHost); got != sandbox.Sandbox(inner) {
		t.Errorf("WrapSandbox wrapped a disabled setup: %T", got)
	}
	svc := &mockService{}
	if got := obs.WrapService(svc); got != tool.Service(svc) {
		t.Errorf("WrapService wrapped a disabled setup: %T", got)
	}
}

func TestWrap_Enabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{Metrics: &config.MetricsConfig{Enabled: true}}, "test", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := obs.WrapSandbox(&mockSandbox{out: &sandbox.Output{}}, sandbox.BackendHost).(*InstrumentedSandbox); !ok {
		t.Error("WrapSandbox should instrument when metrics are on")
	}
	if _, ok := obs.WrapService(&mockService{}).(*InstrumentedService); !ok {
		t.Error("WrapService should instrument when metrics are on")
	}
	probe := sandbox.ProbeFunc(func(context.Context) sandbox.Availability { return sandbox.Running })
	if _, ok := obs.WrapProbe(probe).(*InstrumentedProbe); !ok {
		t.Error("WrapProbe should instrument when metrics are on")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Registered(t *testing.T) {
	m := NewMetricsCollector()

	// Vectors only appear in Gather after first use.
	m.ToolRunsTotal.WithLabelValues("python", "success").Inc()
	m.SandboxExecutionsTotal.WithLabelValues("host", "success").Inc()
	m.ProbeResultsTotal.WithLabelValues("running").Inc()
	m.JanitorRemovedTotal.WithLabelValues("code").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"coderunner_tool_runs_total",
		"coderunner_sandbox_executions_total",
		"coderunner_probe_results_total",
		"coderunner_janitor_removed_total",
		"coderunner_http_requests_total",
		"coderunner_active_runs",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_RecordJanitorRemoval(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordJanitorRemoval("logs", 3)
	m.RecordJanitorRemoval("logs", 0)

	if got := counterValue(t, m.Registry, "coderunner_janitor_removed_total", prometheus.Labels{"kind": "logs"}); got != 3 {
		t.Errorf("removed logs = %v, want 3", got)
	}

	var nilMetrics *MetricsCollector
	nilMetrics.RecordJanitorRemoval("logs", 1)
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(ctx context.Context) error { return nil })
	h.AddCheck("engine", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if len(status.Checks) != 2 {
		t.Errorf("checks = %d, want 2", len(status.Checks))
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(ctx context.Context) error { return nil })
	h.AddCheck("engine", func(ctx context.Context) error { return errors.New("not running") })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if got := status.Checks["engine"]; got.Status != "fail" || got.Message != "not running" {
		t.Errorf("engine check = %+v", got)
	}
	if got := status.Checks["store"]; got.Status != "ok" {
		t.Errorf("store check = %+v", got)
	}
}

func TestHealthChecker_OptionalFailureWarns(t *testing.T) {
	h := NewHealthChecker(slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.AddCheck("store", func(ctx context.Context) error { return nil })
	h.AddOptionalCheck("engine", func(ctx context.Context) error { return errors.New("not running") })

	status := h.CheckReady(context.Background())
	if status.Status != StatusOK {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if got := status.Checks["engine"]; got.Status != StatusWarn || got.Message != "not running" {
		t.Errorf("engine check = %+v", got)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("broken", func(ctx context.Context) error { return errors.New("down") })
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	if rate, n := a.ErrorRate("test"); rate != 0 || n != 0 {
		t.Errorf("ErrorRate on nil = %v, %d", rate, n)
	}
}

func TestAnomalyDetector_ErrorRate(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		MinSamples:         5,
	}, nil)

	for i := 0; i < 4; i++ {
		a.RecordSuccess("tool.python")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("tool.python")
	}

	rate, n := a.ErrorRate("tool.python")
	if n != 10 {
		t.Errorf("samples = %d, want 10", n)
	}
	if rate != 0.6 {
		t.Errorf("rate = %v, want 0.6", rate)
	}

	a.mu.Lock()
	alerting := a.alerting["tool.python"]
	a.mu.Unlock()
	if !alerting {
		t.Error("expected the operation to be alerting above threshold")
	}
}

func TestAnomalyDetector_WindowExpiry(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, Window: "1m"}, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	a.RecordError("sandbox.host")
	a.RecordError("sandbox.host")
	now = now.Add(2 * time.Minute)
	a.RecordSuccess("sandbox.host")

	rate, n := a.ErrorRate("sandbox.host")
	if n != 1 || rate != 0 {
		t.Errorf("ErrorRate = %v over %d samples, want 0 over 1", rate, n)
	}
}

func TestAnomalyDetector_MinSamples(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.1, MinSamples: 3}, nil)
	a.RecordError("tool.typescript")
	a.RecordError("tool.typescript")

	a.mu.Lock()
	alerting := a.alerting["tool.typescript"]
	a.mu.Unlock()
	if alerting {
		t.Error("should not alert below the minimum sample count")
	}
}

// --- InstrumentedSandbox ---

type mockSandbox struct {
	out    *sandbox.Output
	err    error
	called int
}

func (m *mockSandbox) Run(ctx context.Context, c sandbox.Command) (*sandbox.Output, error) {
	m.called++
	return m.out, m.err
}

func TestInstrumentedSandbox_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockSandbox{out: &sandbox.Output{ExitCode: 0}}
	s := NewInstrumentedSandbox(inner, sandbox.BackendHost, metrics, nil, nil)

	if _, err := s.Run(context.Background(), sandbox.Command{Program: "deno"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if inner.called != 1 {
		t.Errorf("inner called %d times, want 1", inner.called)
	}
	if got := counterValue(t, metrics.Registry, "coderunner_sandbox_executions_total", prometheus.Labels{"backend": "host", "status": "success"}); got != 1 {
		t.Errorf("executions = %v, want 1", got)
	}
}

func TestInstrumentedSandbox_ErrorKindLabel(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockSandbox{err: sandbox.NewError(sandbox.KindTimedOut, "timed out", nil)}
	s := NewInstrumentedSandbox(inner, sandbox.BackendContainer, metrics, nil, nil)

	if _, err := s.Run(context.Background(), sandbox.Command{Program: "docker"}); err == nil {
		t.Fatal("expected error")
	}
	if got := counterValue(t, metrics.Registry, "coderunner_sandbox_executions_total", prometheus.Labels{"backend": "container", "status": "timed_out"}); got != 1 {
		t.Errorf("timed out executions = %v, want 1", got)
	}
}

func TestInstrumentedSandbox_Span(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	ts := NewTracerSetupFromProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)), "test")
	s := NewInstrumentedSandbox(&mockSandbox{out: &sandbox.Output{}}, sandbox.BackendHost, nil, ts, nil)

	if _, err := s.Run(context.Background(), sandbox.Command{Program: "deno"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "sandbox.execute" {
		t.Fatalf("spans = %v, want one sandbox.execute span", spans)
	}
}

// --- InstrumentedService ---

type mockService struct {
	req tool.Request
	res *execution.RunResult
	err error
}

func (m *mockService) Run(ctx context.Context, req tool.Request) (*execution.RunResult, error) {
	m.req = req
	return m.res, m.err
}

func (m *mockService) Check(ctx context.Context, req tool.Request) ([]string, error) {
	return []string{"warning"}, m.err
}

func (m *mockService) Definition(ctx context.Context, req tool.Request) (*tool.Definition, error) {
	return &tool.Definition{Name: "t"}, m.err
}

func TestInstrumentedService_Run(t *testing.T) {
	metrics := NewMetricsCollector()
	anomaly := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true}, nil)
	inner := &mockService{res: &execution.RunResult{Backend: "host"}}
	s := NewInstrumentedService(inner, metrics, nil, anomaly)

	req := tool.Request{Code: execution.SingleFile("main.py", "def run(c, p): return 1")}
	if _, err := s.Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if inner.req.Context.ExecutionID == "" {
		t.Error("expected the execution id to be assigned before delegation")
	}
	if got := counterValue(t, metrics.Registry, "coderunner_tool_runs_total", prometheus.Labels{"language": "python", "status": "success"}); got != 1 {
		t.Errorf("runs = %v, want 1", got)
	}
	if _, n := anomaly.ErrorRate("tool.python"); n != 1 {
		t.Errorf("anomaly samples = %d, want 1", n)
	}
}

func TestInstrumentedService_RunError(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockService{err: errors.New("boom")}
	s := NewInstrumentedService(inner, metrics, nil, nil)

	req := tool.Request{Language: tool.TypeScript, Code: execution.SingleFile("index.ts", "")}
	if _, err := s.Run(context.Background(), req); err == nil {
		t.Fatal("expected error")
	}
	if got := counterValue(t, metrics.Registry, "coderunner_tool_runs_total", prometheus.Labels{"language": "typescript", "status": "error"}); got != 1 {
		t.Errorf("failed runs = %v, want 1", got)
	}
}

func TestInstrumentedService_PassThrough(t *testing.T) {
	s := NewInstrumentedService(&mockService{}, nil, nil, nil)
	diags, err := s.Check(context.Background(), tool.Request{})
	if err != nil || len(diags) != 1 {
		t.Errorf("Check = %v, %v", diags, err)
	}
	def, err := s.Definition(context.Background(), tool.Request{})
	if err != nil || def.Name != "t" {
		t.Errorf("Definition = %+v, %v", def, err)
	}
}

// --- InstrumentedProbe ---

func TestInstrumentedProbe(t *testing.T) {
	metrics := NewMetricsCollector()
	p := NewInstrumentedProbe(sandbox.ProbeFunc(func(ctx context.Context) sandbox.Availability {
		return sandbox.NotRunning
	}), metrics)

	if got := p.Probe(context.Background()); got != sandbox.NotRunning {
		t.Errorf("Probe = %v, want NotRunning", got)
	}
	if got := counterValue(t, metrics.Registry, "coderunner_probe_results_total", prometheus.Labels{"availability": "not_running"}); got != 1 {
		t.Errorf("probe results = %v, want 1", got)
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("GET", "/v1/executions/abc-123", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	val := counterValue(t, metrics.Registry, "coderunner_http_requests_total",
		prometheus.Labels{"method": "GET", "path": "/v1/executions/{id}", "status_code": "404"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_ImplicitOK(t *testing.T) {
	metrics := NewMetricsCollector()
	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	val := counterValue(t, metrics.Registry, "coderunner_http_requests_total",
		prometheus.Labels{"method": "GET", "path": "/healthz", "status_code": "200"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/v1/run", "/v1/run"},
		{"/v1/executions", "/v1/executions"},
		{"/v1/executions/", "/v1/executions/"},
		{"/v1/executions/abc", "/v1/executions/{id}"},
		{"/v1/executions/abc/logs", "/v1/executions/{id}/logs"},
	}
	for _, tt := range tests {
		if got := RouteLabel(tt.path); got != tt.want {
			t.Errorf("RouteLabel(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
