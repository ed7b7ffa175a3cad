//go:build unix

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestExecutor() *Executor {
	return NewExecutor(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func sh(script string) Command {
	return Command{Program: "/bin/sh", Args: []string{"-c", script}, Env: HostEnviron(nil)}
}

func TestExecutor_CapturesStreamsInOrder(t *testing.T) {
	out, err := newTestExecutor().Run(context.Background(), sh("echo one; echo two >&2; echo three; printf 'tail'"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"one", "three", "tail"}; !slices.Equal(out.Stdout, want) {
		t.Errorf("stdout = %q, want %q", out.Stdout, want)
	}
	if want := []string{"two"}; !slices.Equal(out.Stderr, want) {
		t.Errorf("stderr = %q, want %q", out.Stderr, want)
	}
	if out.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", out.ExitCode)
	}
}

func TestExecutor_SinkSeesEveryLine(t *testing.T) {
	var mu sync.Mutex
	got := map[Stream][]string{}
	c := sh("for i in 1 2 3 4 5; do echo out$i; echo err$i >&2; done")
	c.Sink = func(stream Stream, line string) {
		mu.Lock()
		got[stream] = append(got[stream], line)
		mu.Unlock()
	}

	out, err := newTestExecutor().Run(context.Background(), c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(got[Stdout], out.Stdout) {
		t.Errorf("sink stdout = %q, captured %q", got[Stdout], out.Stdout)
	}
	if !slices.Equal(got[Stderr], []string{"err1", "err2", "err3", "err4", "err5"}) {
		t.Errorf("sink stderr = %q", got[Stderr])
	}
}

func TestExecutor_NonZeroExitJoinsStderr(t *testing.T) {
	out, err := newTestExecutor().Run(context.Background(), sh("echo partial; echo boom >&2; echo again >&2; exit 3"))
	if !errors.Is(err, ErrNonZeroExit) {
		t.Fatalf("error = %v, want non-zero exit", err)
	}
	var ee *ExecutionError
	if !errors.As(err, &ee) {
		t.Fatal("expected *ExecutionError")
	}
	if ee.Message != "boom\nagain" {
		t.Errorf("message = %q, want %q", ee.Message, "boom\nagain")
	}
	if ee.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", ee.ExitCode)
	}
	if out == nil || !slices.Equal(out.Stdout, []string{"partial"}) {
		t.Errorf("partial output not returned: %+v", out)
	}
}

func TestExecutor_CapabilityDenied(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
	}{
		{"deno write", `error: Uncaught NotCapable: Requires write access to "/etc/passwd"`},
		{"python", "PermissionError: [Errno 13] Permission denied: '/etc/x'"},
		{"read only mount", "OSError: [Errno 30] Read-only file system: '/app/assets/a.txt'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Command{
				Program: "/bin/sh",
				Args:    []string{"-c", `echo "$MSG" >&2; exit 1`},
				Env:     HostEnviron(map[string]string{"MSG": tt.stderr}),
			}
			_, err := newTestExecutor().Run(context.Background(), c)
			if !errors.Is(err, ErrCapabilityDenied) {
				t.Errorf("error = %v (kind %q), want capability denied", err, KindOf(err))
			}
		})
	}
}

func TestExecutor_TimeoutKillsProcessGroup(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ticks")
	c := sh(`(while true; do echo x >> "$TICKS"; sleep 0.05; done) & sleep 30`)
	c.Env = HostEnviron(map[string]string{"TICKS": marker})
	c.Timeout = 300 * time.Millisecond

	start := time.Now()
	_, err := newTestExecutor().Run(context.Background(), c)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("error = %v, want timed out", err)
	}
	if elapsed > 5*time.Second {
		t.Errorf("run took %s, want close to the timeout", elapsed)
	}

	before, _ := os.ReadFile(marker)
	time.Sleep(300 * time.Millisecond)
	after, _ := os.ReadFile(marker)
	if !bytes.Equal(before, after) {
		t.Error("background child still running after timeout")
	}
}

func TestExecutor_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := newTestExecutor().Run(ctx, sh("sleep 30"))
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("error = %v, want canceled", err)
	}
}

func TestExecutor_SpawnError(t *testing.T) {
	_, err := newTestExecutor().Run(context.Background(), Command{Program: "/nonexistent/interpreter"})
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("error = %v, want spawn error", err)
	}
	if !strings.Contains(err.Error(), "/nonexistent/interpreter") {
		t.Errorf("error %q does not name the binary", err)
	}

	_, err = newTestExecutor().Run(context.Background(), Command{})
	if !errors.Is(err, ErrSpawn) {
		t.Errorf("empty program: error = %v, want spawn error", err)
	}
}

func TestExecutor_DoesNotInheritEnvironment(t *testing.T) {
	t.Setenv("CODERUNNER_TEST_SECRET", "leaked")

	out, err := newTestExecutor().Run(context.Background(), sh(`echo "${CODERUNNER_TEST_SECRET:-unset}"`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(out.Stdout, ""); got != "unset" {
		t.Errorf("guest saw %q, want unset", got)
	}
}

func TestExecutor_WorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	c := sh("pwd -P")
	c.Dir = dir

	out, err := newTestExecutor().Run(context.Background(), c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := filepath.EvalSymlinks(dir)
	if got := strings.Join(out.Stdout, ""); got != want {
		t.Errorf("pwd = %q, want %q", got, want)
	}
}

func TestDrain_KeepsLongLines(t *testing.T) {
	long := strings.Repeat("a", 5_000_000)
	r := strings.NewReader("first\r\n" + long + "\nlast")

	var buf lineBuffer
	var forwarded int
	drain(r, Stdout, &buf, func(Stream, string) { forwarded++ })

	got := buf.Lines()
	if len(got) != 3 {
		t.Fatalf("lines = %d, want 3", len(got))
	}
	if got[0] != "first" || len(got[1]) != len(long) || got[2] != "last" {
		t.Errorf("lines = %q, %d bytes, %q", got[0], len(got[1]), got[2])
	}
	if forwarded != 3 {
		t.Errorf("sink saw %d lines, want 3", forwarded)
	}
}

func TestExecutor_LargeResultLineKeepsMarkers(t *testing.T) {
	script := `head -c 5000000 /dev/zero | tr '\0' x; echo; echo '<<RESULT>>'; echo '{"ok":true}'; echo '<<END>>'`
	out, err := newTestExecutor().Run(context.Background(), sh(script))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Stdout) != 4 {
		t.Fatalf("stdout lines = %d, want 4", len(out.Stdout))
	}
	if len(out.Stdout[0]) != 5_000_000 {
		t.Errorf("first line = %d bytes, want 5000000", len(out.Stdout[0]))
	}
	if want := []string{"<<RESULT>>", `{"ok":true}`, "<<END>>"}; !slices.Equal(out.Stdout[1:], want) {
		t.Errorf("tail = %q, want %q", out.Stdout[1:], want)
	}
}
