// Package tool is the entry point for running tools. It picks the runner for
// the tool's language, resolves the execution backend for every call and
// reports guest output to an optional publisher.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/coderunner/internal/deno"
	"github.com/jkaninda/coderunner/internal/execution"
	"github.com/jkaninda/coderunner/internal/python"
	"github.com/jkaninda/coderunner/internal/sandbox"
)

// Runner is implemented by the per-language runners.
type Runner interface {
	Run(ctx context.Context, req sandbox.RunRequest) (*execution.RunResult, error)
	Check(ctx context.Context) ([]string, error)
	Definition(ctx context.Context) (json.RawMessage, error)
}

var (
	_ Runner = (*deno.Runner)(nil)
	_ Runner = (*python.Runner)(nil)
)

// Request describes one tool call.
type Request struct {
	Language       Language // Empty = inferred from the entrypoint.
	Code           execution.CodeFiles
	Configurations json.RawMessage
	Parameters     json.RawMessage
	Env            map[string]string
	Context        execution.Context
	Timeout        time.Duration   // Zero = Settings.DefaultTimeout.
	Backend        sandbox.Backend // Empty = Settings.Backend.
	PristineCache  bool
	Sink           sandbox.LineSink
}

// WithIdentity fills the context and execution ids so that every layer
// reports the same run.
func (r Request) WithIdentity() Request {
	if r.Context.ContextID == "" {
		r.Context.ContextID = execution.NewID()
	}
	if r.Context.ExecutionID == "" {
		r.Context.ExecutionID = execution.NewID()
	}
	return r
}

// ResolveLanguage returns the explicit language or the one implied by the
// entrypoint extension.
func (r Request) ResolveLanguage() (Language, error) {
	if r.Language != "" {
		return ParseLanguage(string(r.Language))
	}
	return DetectLanguage(r.Code.Entrypoint)
}

// Service runs, checks and introspects tools.
type Service interface {
	Run(ctx context.Context, req Request) (*execution.RunResult, error)
	Check(ctx context.Context, req Request) ([]string, error)
	Definition(ctx context.Context, req Request) (*Definition, error)
}

// RunError wraps a failed run with the identity of the run.
type RunError struct {
	ExecutionID string
	Backend     sandbox.Backend
	Err         error
}

func (e *RunError) Error() string { return e.Err.Error() }

func (e *RunError) Unwrap() error { return e.Err }

// OutputPublisher receives guest output lines as they are produced.
type OutputPublisher interface {
	Publish(executionID string, stream sandbox.Stream, line string)
	// Done is called once the run has ended.
	Done(executionID string)
}

// Settings are the process-wide defaults applied to every request.
type Settings struct {
	DenoBinaryPath string
	UVBinaryPath   string
	StorageRoot    string
	Backend        sandbox.Backend
	NodeLocation   execution.NodeLocation
	DefaultTimeout time.Duration
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(rt *Runtime) { rt.logger = logger }
}

// WithProbe sets the availability probe used for the auto backend.
func WithProbe(p sandbox.Probe) Option {
	return func(rt *Runtime) { rt.probe = p }
}

// WithExecutor sets the host process sandbox.
func WithExecutor(s sandbox.Sandbox) Option {
	return func(rt *Runtime) { rt.executor = s }
}

// WithContainerLauncher sets the container launcher.
func WithContainerLauncher(l *sandbox.ContainerLauncher) Option {
	return func(rt *Runtime) { rt.launcher = l }
}

// WithPublisher streams guest output to p.
func WithPublisher(p OutputPublisher) Option {
	return func(rt *Runtime) { rt.publisher = p }
}

// Runtime implements Service on top of the deno and python runners.
type Runtime struct {
	settings  Settings
	executor  sandbox.Sandbox
	launcher  *sandbox.ContainerLauncher
	probe     sandbox.Probe
	publisher OutputPublisher
	logger    *slog.Logger
}

var _ Service = (*Runtime)(nil)

// NewRuntime creates a Runtime. Zero settings select the bundled binaries,
// the default storage root and the auto backend.
func NewRuntime(settings Settings, opts ...Option) *Runtime {
	if settings.Backend == "" {
		settings.Backend = sandbox.BackendAuto
	}
	if settings.StorageRoot == "" {
		settings.StorageRoot = execution.DefaultStorageRoot
	}
	if settings.NodeLocation == (execution.NodeLocation{}) {
		settings.NodeLocation = execution.DefaultNodeLocation()
	}
	rt := &Runtime{settings: settings}
	for _, o := range opts {
		o(rt)
	}
	if rt.logger == nil {
		rt.logger = slog.Default()
	}
	if rt.executor == nil {
		rt.executor = sandbox.NewExecutor(rt.logger)
	}
	if rt.launcher == nil {
		rt.launcher = sandbox.NewContainerLauncher(sandbox.ContainerConfig{}, rt.executor, rt.logger)
	}
	if rt.probe == nil {
		rt.probe = sandbox.NewCLIProbe(rt.logger)
	}
	return rt
}

// Settings returns the effective settings.
func (rt *Runtime) Settings() Settings {
	return rt.settings
}

// Probe reports the container engine availability.
func (rt *Runtime) Probe(ctx context.Context) sandbox.Availability {
	return rt.probe.Probe(ctx)
}

// Run executes the tool and returns its result. Failures are returned as a
// *RunError wrapping the *sandbox.ExecutionError.
func (rt *Runtime) Run(ctx context.Context, req Request) (*execution.RunResult, error) {
	req = req.WithIdentity()
	backend, runner, err := rt.prepare(ctx, req)
	if err != nil {
		return nil, &RunError{ExecutionID: req.Context.ExecutionID, Backend: backend, Err: err}
	}

	timeout := rt.timeout(req)
	sink := rt.sink(req)
	if rt.publisher != nil {
		defer rt.publisher.Done(req.Context.ExecutionID)
	}

	res, err := runner.Run(ctx, sandbox.RunRequest{
		Env:        req.Env,
		Parameters: req.Parameters,
		Timeout:    timeout,
		Sink:       sink,
	})
	if err != nil {
		return nil, &RunError{ExecutionID: req.Context.ExecutionID, Backend: backend, Err: err}
	}
	res.Backend = string(backend)
	return res, nil
}

// Check returns the static-check diagnostics of the tool's code. The request
// timeout applies to the whole check, environment bootstrap included.
func (rt *Runtime) Check(ctx context.Context, req Request) ([]string, error) {
	_, runner, err := rt.prepare(ctx, req.WithIdentity())
	if err != nil {
		return nil, err
	}
	ctx, cancel := rt.withDeadline(ctx, req)
	defer cancel()
	return runner.Check(ctx)
}

// withDeadline bounds ctx by the request timeout.
func (rt *Runtime) withDeadline(ctx context.Context, req Request) (context.Context, context.CancelFunc) {
	if timeout := rt.timeout(req); timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return ctx, func() {}
}

// timeout is the request timeout, or the default when unset.
func (rt *Runtime) timeout(req Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return rt.settings.DefaultTimeout
}

// Definition returns the tool's declared definition.
func (rt *Runtime) Definition(ctx context.Context, req Request) (*Definition, error) {
	_, runner, err := rt.prepare(ctx, req.WithIdentity())
	if err != nil {
		return nil, err
	}
	raw, err := runner.Definition(ctx)
	if err != nil {
		return nil, err
	}
	return decodeDefinition(raw, req.Code.EntrypointCode())
}

// prepare resolves the backend for this call and builds the runner.
func (rt *Runtime) prepare(ctx context.Context, req Request) (sandbox.Backend, Runner, error) {
	lang, err := req.ResolveLanguage()
	if err != nil {
		return "", nil, err
	}
	if err := req.Code.Validate(); err != nil {
		return "", nil, sandbox.StorageError(err)
	}

	requested := req.Backend
	if requested == "" {
		requested = rt.settings.Backend
	}
	backend := requested.Resolve(ctx, rt.probe)

	ectx := req.Context
	if ectx.StorageRoot == "" {
		ectx.StorageRoot = rt.settings.StorageRoot
	}

	rt.logger.Debug("tool runner selected",
		slog.String("language", string(lang)),
		slog.String("requested_backend", string(requested)),
		slog.String("backend", string(backend)),
		slog.String("execution_id", ectx.ExecutionID),
	)

	switch lang {
	case TypeScript:
		return backend, deno.New(req.Code, req.Configurations, deno.Options{
			BinaryPath:    rt.settings.DenoBinaryPath,
			Backend:       backend,
			NodeLocation:  rt.settings.NodeLocation,
			Context:       ectx,
			PristineCache: req.PristineCache,
		},
			deno.WithLogger(rt.logger),
			deno.WithProbe(rt.probe),
			deno.WithExecutor(rt.executor),
			deno.WithContainerLauncher(rt.launcher),
		), nil
	case Python:
		return backend, python.New(req.Code, req.Configurations, python.Options{
			UVBinaryPath:  rt.settings.UVBinaryPath,
			Backend:       backend,
			NodeLocation:  rt.settings.NodeLocation,
			Context:       ectx,
			PristineCache: req.PristineCache,
		},
			python.WithLogger(rt.logger),
			python.WithProbe(rt.probe),
			python.WithExecutor(rt.executor),
			python.WithContainerLauncher(rt.launcher),
		), nil
	default:
		return backend, nil, fmt.Errorf("unsupported language %q", lang)
	}
}

// sink chains the caller's sink with the publisher.
func (rt *Runtime) sink(req Request) sandbox.LineSink {
	next := req.Sink
	if rt.publisher == nil {
		return next
	}
	id := req.Context.ExecutionID
	pub := rt.publisher
	return func(stream sandbox.Stream, line string) {
		pub.Publish(id, stream, line)
		if next != nil {
			next(stream, line)
		}
	}
}
