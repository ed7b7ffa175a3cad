// Package httpapi exposes the tool runtime over HTTP.
//
// Security:
//   - API key authentication on /v1 (constant-time comparison)
//   - Request body size limit (default 10 MiB)
//   - Host paths cannot be mounted through the API
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/coderunner/internal/execution"
	"github.com/jkaninda/coderunner/internal/observability"
	"github.com/jkaninda/coderunner/internal/ratelimit"
	"github.com/jkaninda/coderunner/internal/sandbox"
	"github.com/jkaninda/coderunner/internal/storage"
	"github.com/jkaninda/coderunner/internal/tool"
)

const defaultMaxRequestSize = 10 << 20 // 10 MiB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":9560"
	EnableDocs     bool
	APIKeys        []string // Empty = /v1 is unauthenticated.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 10 MiB default.
	Version        string

	// AllowBackendOverride lets /v1/run requests pick their own backend.
	// When false the server's configured backend always applies.
	AllowBackendOverride bool

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// ExecutionHistory is the read side of the execution store.
type ExecutionHistory interface {
	Get(ctx context.Context, executionID string) (*storage.Record, error)
	List(ctx context.Context, contextID string, limit int) ([]*storage.Record, error)
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	service tool.Service
	history ExecutionHistory   // nil = execution endpoints disabled.
	limiter *ratelimit.Limiter // nil = unlimited.
	logger  *slog.Logger
	server  *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the log stream endpoint).
	extraRoutes []extraRoute

	okapi     *okapi.Okapi
	group     *okapi.Group
	routeOnce sync.Once
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway serving svc.
func NewGateway(cfg Config, svc tool.Service, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		config:  cfg,
		service: svc,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithHistory enables the execution history endpoints.
func (g *Gateway) WithHistory(h ExecutionHistory) *Gateway {
	g.history = h
	return g
}

// WithRateLimiter limits /v1 requests per API key.
func (g *Gateway) WithRateLimiter(rl *ratelimit.Limiter) *Gateway {
	g.limiter = rl
	return g
}

// WithHandler mounts an additional GET handler at the given pattern.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs serves the generated OpenAPI document.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	version := g.config.Version
	if version == "" {
		version = "dev"
	}
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "coderunner",
			Version: version,
		},
	)
	return g
}

// Handler returns the routed handler, for tests and custom servers.
func (g *Gateway) Handler() http.Handler {
	g.routeOnce.Do(g.routes)
	return g.okapi
}

func (g *Gateway) routes() {
	maxBytes := g.config.MaxRequestSize
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	})

	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/run", g.handleRun,
		okapi.DocSummary("Run a tool"),
		okapi.DocTags("Tools"),
		okapi.DocRequestBody(RunRequest{}),
		okapi.DocResponse(RunResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, RunErrorResponse{}),
	)
	g.group.Post("/check", g.handleCheck,
		okapi.DocSummary("Type-check or lint tool code"),
		okapi.DocTags("Tools"),
		okapi.DocRequestBody(CheckRequest{}),
		okapi.DocResponse(CheckResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Post("/definition", g.handleDefinition,
		okapi.DocSummary("Extract the tool definition"),
		okapi.DocTags("Tools"),
		okapi.DocRequestBody(CheckRequest{}),
		okapi.DocResponse(tool.Definition{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, RunErrorResponse{}),
	)

	// Execution history endpoints (only if a store is configured).
	if g.history != nil {
		g.group.Get("/executions", g.handleExecutionList,
			okapi.DocSummary("List executions of a context"),
			okapi.DocTags("Executions"),
			okapi.DocResponse([]storage.Record{}),
		)
		g.group.Get("/executions/{id}", g.handleExecutionGet,
			okapi.DocSummary("Get an execution"),
			okapi.DocTags("Executions"),
			okapi.DocPathParam("id", "string", "Execution ID"),
			okapi.DocResponse(storage.Record{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Extra handlers (e.g., WebSocket log stream).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.routeOnce.Do(g.routes)

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: runs and log streams outlive any fixed bound.
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.server.Shutdown(ctx)
}

// --- Requests and responses ---

// CodeRequest carries tool source: either Code (a single file) or Files with
// an Entrypoint.
type CodeRequest struct {
	Language   string            `json:"language,omitempty"` // Empty = inferred from the entrypoint.
	Code       string            `json:"code,omitempty"`
	Files      map[string]string `json:"files,omitempty"`
	Entrypoint string            `json:"entrypoint,omitempty"`
}

// CheckRequest is the JSON body for POST /v1/check and /v1/definition.
type CheckRequest struct {
	CodeRequest
	ContextID string `json:"context_id,omitempty"`
}

// RunRequest is the JSON body for POST /v1/run.
type RunRequest struct {
	CodeRequest
	Configurations json.RawMessage   `json:"configurations,omitempty"`
	Parameters     json.RawMessage   `json:"parameters,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	ContextID      string            `json:"context_id,omitempty"`
	ExecutionID    string            `json:"execution_id,omitempty"` // Empty = generated. Set it to follow the logs.
	CodeID         string            `json:"code_id,omitempty"`
	TimeoutMS      int64             `json:"timeout_ms,omitempty"`
	Backend        string            `json:"backend,omitempty"`
	PristineCache  bool              `json:"pristine_cache,omitempty"`
}

// RunResponse is the JSON response for a successful run.
type RunResponse struct {
	ExecutionID string          `json:"execution_id"`
	ContextID   string          `json:"context_id"`
	Backend     string          `json:"backend,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// RunErrorResponse describes a failed run.
type RunErrorResponse struct {
	Error       string `json:"error"`
	Kind        string `json:"kind,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	Backend     string `json:"backend,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	Stack       string `json:"stack,omitempty"`
}

// CheckResponse is the JSON response for POST /v1/check.
type CheckResponse struct {
	Diagnostics []string `json:"diagnostics"`
}

// HealthResponse is the JSON response for /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// files converts the request into code files.
func (r CodeRequest) files() (tool.Language, execution.CodeFiles, error) {
	var lang tool.Language
	if r.Language != "" {
		l, err := tool.ParseLanguage(r.Language)
		if err != nil {
			return "", execution.CodeFiles{}, err
		}
		lang = l
	}

	if len(r.Files) > 0 {
		files := execution.CodeFiles{Files: r.Files, Entrypoint: r.Entrypoint}
		if r.Code != "" {
			files = files.WithEntrypoint(r.Code)
		}
		return lang, files, files.Validate()
	}

	if r.Code == "" {
		return "", execution.CodeFiles{}, errors.New("code or files is required")
	}
	entry := r.Entrypoint
	if entry == "" {
		switch lang {
		case tool.Python:
			entry = "main.py"
		case tool.TypeScript:
			entry = "index.ts"
		default:
			return "", execution.CodeFiles{}, errors.New("language or entrypoint is required")
		}
	}
	return lang, execution.SingleFile(entry, r.Code), nil
}

// --- Handlers ---

func (g *Gateway) handleRun(c *okapi.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	lang, files, err := req.files()
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	var backend sandbox.Backend // Empty = server default.
	if req.Backend != "" {
		if !g.config.AllowBackendOverride {
			return c.AbortBadRequest("backend selection is disabled on this server")
		}
		if backend, err = sandbox.ParseBackend(req.Backend); err != nil {
			return c.AbortBadRequest(err.Error())
		}
	}
	if req.TimeoutMS < 0 {
		return c.AbortBadRequest("timeout_ms must not be negative")
	}

	treq := tool.Request{
		Language:       lang,
		Code:           files,
		Configurations: req.Configurations,
		Parameters:     req.Parameters,
		Env:            req.Env,
		Context: execution.Context{
			ContextID:   req.ContextID,
			ExecutionID: req.ExecutionID,
			CodeID:      req.CodeID,
		},
		Timeout:       time.Duration(req.TimeoutMS) * time.Millisecond,
		Backend:       backend,
		PristineCache: req.PristineCache,
	}.WithIdentity()

	g.logger.Info("http run",
		slog.String("user_id", c.GetString("userID")),
		slog.String("context_id", treq.Context.ContextID),
		slog.String("execution_id", treq.Context.ExecutionID),
		slog.String("language", string(lang)),
	)

	res, err := g.service.Run(c.Context(), treq)
	if err != nil {
		return g.runError(c, treq.Context.ExecutionID, err)
	}
	return c.OK(RunResponse{
		ExecutionID: treq.Context.ExecutionID,
		ContextID:   treq.Context.ContextID,
		Backend:     res.Backend,
		Data:        res.Data,
	})
}

func (g *Gateway) handleCheck(c *okapi.Context) error {
	var req CheckRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	lang, files, err := req.files()
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	diagnostics, err := g.service.Check(c.Context(), tool.Request{
		Language: lang,
		Code:     files,
		Context:  execution.Context{ContextID: req.ContextID},
	})
	if err != nil {
		return g.runError(c, "", err)
	}
	if diagnostics == nil {
		diagnostics = []string{}
	}
	return c.OK(CheckResponse{Diagnostics: diagnostics})
}

func (g *Gateway) handleDefinition(c *okapi.Context) error {
	var req CheckRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	lang, files, err := req.files()
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	def, err := g.service.Definition(c.Context(), tool.Request{
		Language: lang,
		Code:     files,
		Context:  execution.Context{ContextID: req.ContextID},
	})
	if err != nil {
		return g.runError(c, "", err)
	}
	return c.OK(def)
}

func (g *Gateway) handleExecutionList(c *okapi.Context) error {
	q := c.Request().URL.Query()
	limit := storage.DefaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		limit = n
	}
	records, err := g.history.List(c.Context(), q.Get("context_id"), limit)
	if err != nil {
		g.logger.Error("listing executions failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing executions failed")
	}
	if records == nil {
		records = []*storage.Record{}
	}
	return c.OK(records)
}

func (g *Gateway) handleExecutionGet(c *okapi.Context) error {
	rec, err := g.history.Get(c.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "execution not found"})
		}
		g.logger.Error("loading execution failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("loading execution failed")
	}
	return c.OK(rec)
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the bearer API key. With no keys configured every
// request passes.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		userID := "anonymous"
		if len(g.config.APIKeys) > 0 {
			authHeader := c.Header("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				return c.AbortUnauthorized("missing or invalid Authorization header")
			}
			apiKey := strings.TrimPrefix(authHeader, "Bearer ")

			userID = ""
			for i, key := range g.config.APIKeys {
				if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
					userID = "key-" + strconv.Itoa(i)
				}
			}
			if userID == "" {
				return c.AbortUnauthorized("invalid API key")
			}
		}

		if err := g.limiter.Allow(userID); err != nil {
			msg := "rate limit exceeded"
			if wait := g.limiter.RetryAfter(userID); wait > 0 {
				msg += ", retry in " + wait.Round(time.Second).String()
			}
			return c.AbortTooManyRequests(msg)
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// --- Helpers ---

// runError maps tool errors to HTTP responses. Failures caused by the guest
// code are 422; failures of the runtime itself are 500; anything else is a
// bad request.
func (g *Gateway) runError(c *okapi.Context, executionID string, err error) error {
	resp := RunErrorResponse{Error: err.Error(), ExecutionID: executionID}

	var re *tool.RunError
	if errors.As(err, &re) {
		resp.ExecutionID = re.ExecutionID
		resp.Backend = string(re.Backend)
	}
	var ee *sandbox.ExecutionError
	if !errors.As(err, &ee) {
		return c.JSON(http.StatusBadRequest, resp)
	}
	resp.Kind = string(ee.Kind)
	resp.Stack = ee.Stack
	if ee.Kind == sandbox.KindNonZeroExit || ee.Kind == sandbox.KindCapabilityDenied {
		code := ee.ExitCode
		resp.ExitCode = &code
	}

	switch ee.Kind {
	case sandbox.KindSpawn, sandbox.KindStorageIO:
		g.logger.Error("tool runtime failure",
			slog.String("execution_id", resp.ExecutionID),
			slog.String("kind", resp.Kind),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusInternalServerError, resp)
	case sandbox.KindCanceled:
		return c.JSON(http.StatusServiceUnavailable, resp)
	default:
		return c.JSON(http.StatusUnprocessableEntity, resp)
	}
}
