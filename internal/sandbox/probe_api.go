package sandbox

import (
	"context"
	"log/slog"
	"os/exec"

	"github.com/docker/docker/client"
)

// APIProbe checks for the engine CLI on PATH, then pings the daemon through
// the Engine API (DOCKER_HOST and friends are honoured).
type APIProbe struct {
	binary   string
	lookPath func(string) (string, error)
	ping     func(ctx context.Context) error
	logger   *slog.Logger
}

// NewAPIProbe creates an API-based probe.
func NewAPIProbe(logger *slog.Logger) *APIProbe {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIProbe{
		binary:   "docker",
		lookPath: exec.LookPath,
		ping:     pingDaemon,
		logger:   logger,
	}
}

func (p *APIProbe) Probe(ctx context.Context) Availability {
	if _, err := p.lookPath(p.binary); err != nil {
		return NotInstalled
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := p.ping(ctx); err != nil {
		p.logger.Debug("docker daemon ping failed", slog.String("error", err.Error()))
		return NotRunning
	}
	return Running
}

func pingDaemon(ctx context.Context) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()
	_, err = cli.Ping(ctx)
	return err
}
