package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// waitDelay bounds how long Wait keeps copying output after the process is
// gone, for grandchildren that escaped the process group.
const waitDelay = 2 * time.Second

var _ Sandbox = (*Executor)(nil)

// Executor runs commands as child processes in their own process group.
//
//   - stdout and stderr are drained concurrently, line by line
//   - every line is forwarded to the command's sink as it is read
//   - on timeout the entire process group is killed
//   - the environment is exactly Command.Env, nothing is inherited
type Executor struct {
	logger *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger}
}

// Run executes c and waits for it. A zero exit yields the captured output;
// anything else yields an *ExecutionError.
func (e *Executor) Run(ctx context.Context, c Command) (*Output, error) {
	if c.Program == "" {
		return nil, NewError(KindSpawn, "empty command", nil)
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.Program, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	if cmd.Env == nil {
		cmd.Env = []string{}
	}
	isolateProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	e.logger.Debug("sandbox executing",
		slog.String("program", c.Program),
		slog.Any("args", c.Args),
		slog.String("dir", c.Dir),
		slog.Duration("timeout", c.Timeout),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		outW.Close()
		errW.Close()
		return nil, spawnError(c.Program, err)
	}

	var stdout, stderr lineBuffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		drain(outR, Stdout, &stdout, c.Sink)
	}()
	go func() {
		defer wg.Done()
		drain(errR, Stderr, &stderr, c.Sink)
	}()

	waitErr := cmd.Wait()
	outW.Close()
	errW.Close()
	wg.Wait()
	duration := time.Since(start)

	out := &Output{
		Stdout:   stdout.Lines(),
		Stderr:   stderr.Lines(),
		Duration: duration,
	}

	if waitErr == nil {
		e.logger.Debug("sandbox execution completed",
			slog.Duration("duration", duration),
			slog.Int("stdout_lines", len(out.Stdout)),
			slog.Int("stderr_lines", len(out.Stderr)),
		)
		return out, nil
	}

	// Deadline first: a killed process also reports an exit error.
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		e.logger.Warn("sandbox execution timed out",
			slog.String("program", c.Program),
			slog.Duration("timeout", c.Timeout),
			slog.Duration("duration", duration),
		)
		msg := "execution deadline exceeded"
		if c.Timeout > 0 {
			msg = fmt.Sprintf("execution timed out after %s", c.Timeout)
		}
		return nil, &ExecutionError{Kind: KindTimedOut, Message: msg, Err: runCtx.Err()}
	}
	if errors.Is(runCtx.Err(), context.Canceled) {
		return nil, &ExecutionError{Kind: KindCanceled, Message: "execution canceled", Err: runCtx.Err()}
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		ee := exitError(out.ExitCode, out.Stderr)
		ee.Err = waitErr
		e.logger.Debug("sandbox execution failed",
			slog.Int("exit_code", out.ExitCode),
			slog.String("kind", string(ee.Kind)),
			slog.Duration("duration", duration),
		)
		return out, ee
	}
	return nil, NewError(KindSpawn, fmt.Sprintf("waiting for %s: %v", c.Program, waitErr), waitErr)
}

func spawnError(program string, err error) *ExecutionError {
	msg := fmt.Sprintf("starting %s: %v", program, err)
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		msg = fmt.Sprintf("interpreter binary not found: %s", program)
	}
	return NewError(KindSpawn, msg, err)
}

// drain reads r line by line into buf, forwarding each line to sink. Lines
// have no length limit: a tool result is printed as a single line. A final
// line without a newline is kept.
func drain(r io.Reader, stream Stream, buf *lineBuffer, sink LineSink) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
			buf.Append(line)
			if sink != nil {
				sink(stream, line)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				_, _ = io.Copy(io.Discard, r)
			}
			return
		}
	}
}

// lineBuffer is an append-only list of lines safe for concurrent use.
type lineBuffer struct {
	mu    sync.Mutex
	lines []string
}

func (b *lineBuffer) Append(line string) {
	b.mu.Lock()
	b.lines = append(b.lines, line)
	b.mu.Unlock()
}

func (b *lineBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}
