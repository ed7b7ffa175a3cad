package sandbox

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os/exec"
	"time"
)

const probeTimeout = 10 * time.Second

// Availability is the state of the container engine.
type Availability int

const (
	NotInstalled Availability = iota
	NotRunning
	Running
)

func (a Availability) String() string {
	switch a {
	case Running:
		return "running"
	case NotRunning:
		return "not_running"
	default:
		return "not_installed"
	}
}

// Probe reports whether the container engine can run containers right now.
// Implementations never fail; anything unexpected maps to a non-running state.
type Probe interface {
	Probe(ctx context.Context) Availability
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) Availability

func (f ProbeFunc) Probe(ctx context.Context) Availability { return f(ctx) }

// CLIProbe asks the engine CLI ("docker info").
type CLIProbe struct {
	binary      string
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
	logger      *slog.Logger
}

// CLIProbeOption configures a CLIProbe.
type CLIProbeOption func(*CLIProbe)

// WithEngineBinary overrides the engine CLI binary (default "docker").
func WithEngineBinary(binary string) CLIProbeOption {
	return func(p *CLIProbe) {
		if binary != "" {
			p.binary = binary
		}
	}
}

// WithExecCommand replaces the command constructor, for tests.
func WithExecCommand(fn func(ctx context.Context, name string, args ...string) *exec.Cmd) CLIProbeOption {
	return func(p *CLIProbe) { p.execCommand = fn }
}

// NewCLIProbe creates a CLI-based probe.
func NewCLIProbe(logger *slog.Logger, opts ...CLIProbeOption) *CLIProbe {
	if logger == nil {
		logger = slog.Default()
	}
	p := &CLIProbe{
		binary:      "docker",
		execCommand: exec.CommandContext,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe runs "<engine> info": exit 0 is Running, any other exit is
// NotRunning, and a launch failure is NotInstalled.
func (p *CLIProbe) Probe(ctx context.Context) Availability {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := p.execCommand(ctx, p.binary, "info").Run()
	if err == nil {
		return Running
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		p.logger.Debug("container engine not running",
			slog.String("engine", p.binary),
			slog.Int("exit_code", exitErr.ExitCode()),
		)
		return NotRunning
	}
	if !errors.Is(err, exec.ErrNotFound) && !errors.Is(err, fs.ErrNotExist) {
		p.logger.Debug("container engine probe failed",
			slog.String("engine", p.binary),
			slog.String("error", err.Error()),
		)
	}
	return NotInstalled
}
