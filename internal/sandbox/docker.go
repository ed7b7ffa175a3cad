package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// DefaultImage is the runner image carrying deno, python and uv.
const DefaultImage = "dcspark/shinkai-code-runner:0.9.0"

// ContainerHostGateway lets the guest reach services on the host.
const ContainerHostGateway = "host.docker.internal:host-gateway"

// ContainerConfig configures container launches.
type ContainerConfig struct {
	Engine string // CLI binary, default "docker".
	Image  string // Default DefaultImage.
}

// ContainerSpec is one containerized invocation.
type ContainerSpec struct {
	Mounts  []BindMount
	Env     map[string]string
	Command []string // Program and arguments inside the container.
	Timeout time.Duration
	Sink    LineSink
}

// ContainerLauncher runs guest commands in ephemeral containers via the
// engine CLI.
//
//   - each run gets its own uniquely named container (--rm)
//   - the container is force-removed after every run, timeouts included
//   - only the bind mounts in the spec are visible to the guest
//   - the working directory is /app, where the storage root layout is mirrored
type ContainerLauncher struct {
	config   ContainerConfig
	executor Sandbox
	logger   *slog.Logger
}

// NewContainerLauncher creates a launcher.
func NewContainerLauncher(cfg ContainerConfig, executor Sandbox, logger *slog.Logger) *ContainerLauncher {
	if cfg.Engine == "" {
		cfg.Engine = "docker"
	}
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if logger == nil {
		logger = slog.Default()
	}
	if executor == nil {
		executor = NewExecutor(logger)
	}
	return &ContainerLauncher{config: cfg, executor: executor, logger: logger}
}

// Image returns the configured runner image.
func (l *ContainerLauncher) Image() string { return l.config.Image }

// Run starts the container and waits for it.
func (l *ContainerLauncher) Run(ctx context.Context, spec ContainerSpec) (*Output, error) {
	name, err := generateContainerName()
	if err != nil {
		return nil, NewError(KindSpawn, "generating container name", err)
	}

	l.logger.Info("container executing",
		slog.String("container", name),
		slog.String("image", l.config.Image),
		slog.Int("mounts", len(spec.Mounts)),
		slog.Duration("timeout", spec.Timeout),
	)

	out, runErr := l.executor.Run(ctx, Command{
		Program: l.config.Engine,
		Args:    l.buildRunArgs(name, spec),
		Env:     engineEnviron(),
		Timeout: spec.Timeout,
		Sink:    spec.Sink,
	})

	// Killing the CLI client does not always stop the container.
	l.forceRemoveContainer(name)

	return out, runErr
}

// buildRunArgs constructs the engine arguments, image and command included.
func (l *ContainerLauncher) buildRunArgs(name string, spec ContainerSpec) []string {
	args := []string{"run", "--rm", "--name", name}
	for _, m := range spec.Mounts {
		args = append(args, "--mount", m.String())
	}
	args = append(args, "--add-host="+ContainerHostGateway)
	for _, kv := range FormatEnv(spec.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, "--workdir", ContainerWorkdir)
	args = append(args, l.config.Image)
	return append(args, spec.Command...)
}

// forceRemoveContainer removes the container by name. "No such container" is
// the normal case once --rm has fired; other failures are logged.
func (l *ContainerLauncher) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, l.config.Engine, "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		l.logger.Warn("container rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

// engineEnviron is the environment of the engine CLI itself. The client needs
// DOCKER_HOST, HOME and friends to find its daemon; guest variables travel as
// -e flags and never pass through it.
func engineEnviron() []string {
	return os.Environ()
}

// generateContainerName returns coderunner-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "coderunner-" + hex.EncodeToString(b), nil
}
