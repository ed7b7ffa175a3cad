// Package python runs Python tools. Before the entrypoint runs, a virtual
// environment is created in the context cache with uv, and the code's
// imports are resolved into a requirements file with pipreqs and installed.
package python

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/jkaninda/coderunner/internal/execution"
	"github.com/jkaninda/coderunner/internal/harness"
	"github.com/jkaninda/coderunner/internal/sandbox"
)

// Version is the interpreter version requested from uv.
const Version = "3.13"

// DefaultUVBinaryPath is where the bundled uv binary is expected.
var DefaultUVBinaryPath = defaultUVBinaryPath()

func defaultUVBinaryPath() string {
	if runtime.GOOS == "windows" {
		return "./shinkai-tools-runner-resources/uv.exe"
	}
	return "./shinkai-tools-runner-resources/uv"
}

// Options configures a Runner. The zero value works.
type Options struct {
	UVBinaryPath  string                 // Host uv binary; default DefaultUVBinaryPath.
	Backend       sandbox.Backend        // Default auto.
	NodeLocation  execution.NodeLocation // Default execution.DefaultNodeLocation().
	Context       execution.Context
	PristineCache bool
}

// Option configures the collaborators of a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithProbe sets the container availability probe used by the auto backend.
func WithProbe(p sandbox.Probe) Option {
	return func(r *Runner) { r.probe = p }
}

// WithExecutor sets the host process executor.
func WithExecutor(e sandbox.Sandbox) Option {
	return func(r *Runner) { r.executor = e }
}

// WithContainerLauncher sets the container launcher.
func WithContainerLauncher(l *sandbox.ContainerLauncher) Option {
	return func(r *Runner) { r.launcher = l }
}

// Runner executes one Python tool.
type Runner struct {
	code           execution.CodeFiles
	configurations json.RawMessage
	opts           Options

	executor sandbox.Sandbox
	launcher *sandbox.ContainerLauncher
	probe    sandbox.Probe
	logger   *slog.Logger
}

// New creates a runner for code with the given tool configuration.
func New(code execution.CodeFiles, configurations json.RawMessage, opts Options, options ...Option) *Runner {
	if opts.UVBinaryPath == "" {
		opts.UVBinaryPath = DefaultUVBinaryPath
	}
	if opts.Backend == "" {
		opts.Backend = sandbox.BackendAuto
	}
	if opts.NodeLocation == (execution.NodeLocation{}) {
		opts.NodeLocation = execution.DefaultNodeLocation()
	}

	r := &Runner{code: code, configurations: configurations, opts: opts}
	for _, o := range options {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.executor == nil {
		r.executor = sandbox.NewExecutor(r.logger)
	}
	if r.launcher == nil {
		r.launcher = sandbox.NewContainerLauncher(sandbox.ContainerConfig{}, r.executor, r.logger)
	}
	if r.probe == nil {
		r.probe = sandbox.NewCLIProbe(r.logger)
	}
	return r
}

// Run executes run(configurations, parameters) and returns its JSON result.
func (r *Runner) Run(ctx context.Context, req sandbox.RunRequest) (*execution.RunResult, error) {
	if err := r.code.Validate(); err != nil {
		return nil, sandbox.StorageError(err)
	}
	wrapped, err := harness.Python(r.code.EntrypointCode(), r.configurations, req.Parameters)
	if err != nil {
		return nil, sandbox.StorageError(err)
	}

	out, ectx, err := r.execute(ctx, r.code.WithEntrypoint(wrapped), modeRun, req)
	if err != nil {
		return nil, err
	}
	data, err := sandbox.DecodeResult(out.Stdout)
	if err != nil {
		return nil, err
	}
	return &execution.RunResult{Data: data, ExecutionID: ectx.ExecutionID}, nil
}

// Definition returns the module-level definition value of the tool.
func (r *Runner) Definition(ctx context.Context) (json.RawMessage, error) {
	if err := r.code.Validate(); err != nil {
		return nil, sandbox.StorageError(err)
	}
	files := r.code.WithEntrypoint(harness.PythonDefinition(r.code.EntrypointCode()))
	out, _, err := r.execute(ctx, files, modeRun, sandbox.RunRequest{})
	if err != nil {
		return nil, err
	}
	return sandbox.DecodeDefinition(out.Stdout)
}

// Check byte-compiles the entrypoint. Compiler errors come back as
// diagnostics, one per stderr line.
func (r *Runner) Check(ctx context.Context) ([]string, error) {
	if err := r.code.Validate(); err != nil {
		return nil, sandbox.StorageError(err)
	}
	out, _, err := r.execute(ctx, r.code, modeCheck, sandbox.RunRequest{})
	if err == nil {
		return []string{}, nil
	}
	// Without output the compiler never ran: the bootstrap failed.
	if k := sandbox.KindOf(err); out == nil || (k != sandbox.KindNonZeroExit && k != sandbox.KindCapabilityDenied) {
		return nil, err
	}
	var diagnostics []string
	for _, line := range out.Stderr {
		if strings.TrimSpace(line) != "" {
			diagnostics = append(diagnostics, line)
		}
	}
	if len(diagnostics) == 0 {
		diagnostics = []string{err.Error()}
	}
	for _, d := range diagnostics {
		r.logger.Debug("python check diagnostic", slog.String("line", d))
	}
	return diagnostics, nil
}

type mode int

const (
	modeRun mode = iota
	modeCheck
)

type invocation struct {
	mode    mode
	storage *execution.Storage
	context execution.Context
	req     sandbox.RunRequest
}

type strategy interface {
	launch(ctx context.Context, inv invocation) (*sandbox.Output, error)
}

func (r *Runner) execute(ctx context.Context, files execution.CodeFiles, m mode, req sandbox.RunRequest) (*sandbox.Output, execution.Context, error) {
	ectx := r.opts.Context.ForRun()
	storage, err := execution.NewStorage(files, ectx, execution.CachePython, r.logger)
	if err != nil {
		return nil, ectx, sandbox.StorageError(err)
	}
	defer storage.Cleanup()
	if err := storage.Init(r.opts.PristineCache); err != nil {
		return nil, ectx, sandbox.StorageError(err)
	}

	backend := r.opts.Backend.Resolve(ctx, r.probe)
	r.logger.Info("running python tool",
		slog.String("context_id", ectx.ContextID),
		slog.String("execution_id", ectx.ExecutionID),
		slog.String("backend", string(backend)),
	)

	req.Sink = sandbox.LogSink(storage, r.logger, req.Sink)
	var s strategy = hostStrategy{r}
	if backend == sandbox.BackendContainer {
		s = containerStrategy{r}
	}
	out, err := s.launch(ctx, invocation{mode: m, storage: storage, context: ectx, req: req})
	return out, ectx, err
}

// venvPython is the interpreter inside a virtual environment.
func venvPython(venv string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(venv, "Scripts", "python.exe")
	}
	return filepath.Join(venv, "bin", "python")
}

// venvScript is an installed console script inside a virtual environment.
func venvScript(venv, name string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(venv, "Scripts", name+".exe")
	}
	return filepath.Join(venv, "bin", name)
}
