// Package sandbox launches guest interpreters either directly on the host or
// inside a container, under an explicitly enumerated capability set.
//
// Every launch goes through Executor: stdout and stderr are drained
// concurrently line by line into a sink, a wall-clock timeout kills the whole
// process group, and failures come back as *ExecutionError.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Backend selects where the guest interpreter runs.
type Backend string

const (
	BackendAuto      Backend = "auto"      // Container when the engine is running, host otherwise.
	BackendHost      Backend = "host"      // Interpreter binary on the host with permission flags.
	BackendContainer Backend = "container" // Interpreter inside the runner image.
)

// ParseBackend parses a backend name. Empty means auto; "docker" is accepted
// as an alias for container.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return BackendAuto, nil
	case "host":
		return BackendHost, nil
	case "container", "docker":
		return BackendContainer, nil
	default:
		return "", fmt.Errorf("unknown backend %q (supported: auto, host, container)", s)
	}
}

// Resolve turns b into a concrete backend. Auto consults the probe on every
// call; the answer is never cached.
func (b Backend) Resolve(ctx context.Context, probe Probe) Backend {
	switch b {
	case BackendHost, BackendContainer:
		return b
	}
	if probe != nil && probe.Probe(ctx) == Running {
		return BackendContainer
	}
	return BackendHost
}

// Sandbox runs one process to completion. *Executor is the implementation;
// wrappers add instrumentation.
type Sandbox interface {
	Run(ctx context.Context, c Command) (*Output, error)
}

// Stream identifies an output stream of the guest process.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// LineSink receives every output line in emission order for its stream.
// It is called concurrently for the two streams.
type LineSink func(stream Stream, line string)

// Command is a single process invocation.
type Command struct {
	Program string
	Args    []string
	Dir     string
	Env     []string      // Complete environment; nothing is inherited.
	Timeout time.Duration // Zero = no timeout.
	Sink    LineSink      // Optional.
}

// Output is what a successful process produced.
type Output struct {
	Stdout   []string
	Stderr   []string
	ExitCode int
	Duration time.Duration
}
