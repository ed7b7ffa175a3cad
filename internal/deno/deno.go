// Package deno runs TypeScript tools with the Deno runtime, either as a host
// process restricted by explicit permission flags or inside the runner image.
package deno

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/jkaninda/coderunner/internal/execution"
	"github.com/jkaninda/coderunner/internal/harness"
	"github.com/jkaninda/coderunner/internal/sandbox"
)

// DefaultBinaryPath is where the bundled deno binary is expected.
var DefaultBinaryPath = defaultBinaryPath()

func defaultBinaryPath() string {
	if runtime.GOOS == "windows" {
		return "./shinkai-tools-runner-resources/deno.exe"
	}
	return "./shinkai-tools-runner-resources/deno"
}

// Options configures a Runner. The zero value works.
type Options struct {
	BinaryPath    string                 // Host binary; default DefaultBinaryPath.
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

// Runner executes one TypeScript tool.
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
	if opts.BinaryPath == "" {
		opts.BinaryPath = DefaultBinaryPath
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

// Run executes the tool's run function with req.Parameters and returns its
// JSON result.
func (r *Runner) Run(ctx context.Context, req sandbox.RunRequest) (*execution.RunResult, error) {
	if err := r.code.Validate(); err != nil {
		return nil, sandbox.StorageError(err)
	}
	wrapped, err := harness.TypeScript(r.code.EntrypointCode(), r.configurations, req.Parameters)
	if err != nil {
		return nil, sandbox.StorageError(err)
	}

	out, ectx, err := r.execute(ctx, r.code.WithEntrypoint(wrapped), subRun, req)
	if err != nil {
		return nil, err
	}
	data, err := sandbox.DecodeResult(out.Stdout)
	if err != nil {
		return nil, err
	}
	return &execution.RunResult{Data: data, ExecutionID: ectx.ExecutionID}, nil
}

// Definition prints the tool's exported definition object and returns it.
func (r *Runner) Definition(ctx context.Context) (json.RawMessage, error) {
	if err := r.code.Validate(); err != nil {
		return nil, sandbox.StorageError(err)
	}
	files := r.code.WithEntrypoint(harness.TypeScriptDefinition(r.code.EntrypointCode()))
	out, _, err := r.execute(ctx, files, subRun, sandbox.RunRequest{})
	if err != nil {
		return nil, err
	}
	return sandbox.DecodeDefinition(out.Stdout)
}

// Check type-checks the code without running it. Diagnostics are returned as
// values; an error means the checker itself could not run.
func (r *Runner) Check(ctx context.Context) ([]string, error) {
	if err := r.code.Validate(); err != nil {
		return nil, sandbox.StorageError(err)
	}
	out, _, err := r.execute(ctx, r.code, subCheck, sandbox.RunRequest{})
	if err == nil {
		return []string{}, nil
	}
	if k := sandbox.KindOf(err); k != sandbox.KindNonZeroExit && k != sandbox.KindCapabilityDenied {
		return nil, err
	}
	var diagnostics []string
	if out != nil {
		for _, line := range out.Stderr {
			if strings.TrimSpace(line) != "" {
				diagnostics = append(diagnostics, line)
			}
		}
	}
	if len(diagnostics) == 0 {
		var ee *sandbox.ExecutionError
		if errors.As(err, &ee) {
			diagnostics = []string{ee.Message}
		}
	}
	for _, d := range diagnostics {
		r.logger.Debug("deno check diagnostic", slog.String("line", d))
	}
	return diagnostics, nil
}

type subcommand int

const (
	subRun subcommand = iota
	subCheck
)

// invocation is a materialized run handed to a backend strategy.
type invocation struct {
	sub     subcommand
	storage *execution.Storage
	context execution.Context
	req     sandbox.RunRequest
}

// strategy launches deno on one backend.
type strategy interface {
	launch(ctx context.Context, inv invocation) (*sandbox.Output, error)
}

// execute materializes files, resolves the backend and runs deno.
func (r *Runner) execute(ctx context.Context, files execution.CodeFiles, sub subcommand, req sandbox.RunRequest) (*sandbox.Output, execution.Context, error) {
	ectx := r.opts.Context.ForRun()
	storage, err := execution.NewStorage(files, ectx, execution.CacheDeno, r.logger)
	if err != nil {
		return nil, ectx, sandbox.StorageError(err)
	}
	defer storage.Cleanup()
	if err := storage.Init(r.opts.PristineCache); err != nil {
		return nil, ectx, sandbox.StorageError(err)
	}

	backend := r.opts.Backend.Resolve(ctx, r.probe)
	r.logger.Info("running deno tool",
		slog.String("context_id", ectx.ContextID),
		slog.String("execution_id", ectx.ExecutionID),
		slog.String("backend", string(backend)),
	)

	req.Sink = sandbox.LogSink(storage, r.logger, req.Sink)
	out, err := r.strategyFor(backend).launch(ctx, invocation{
		sub:     sub,
		storage: storage,
		context: ectx,
		req:     req,
	})
	return out, ectx, err
}

func (r *Runner) strategyFor(b sandbox.Backend) strategy {
	if b == sandbox.BackendContainer {
		return containerStrategy{r}
	}
	return hostStrategy{r}
}

// hostBinary makes a relative binary path absolute; a bare name is left for
// PATH lookup.
func hostBinary(p string) string {
	if !strings.ContainsAny(p, `/\`) {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
