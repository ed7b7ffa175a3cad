//go:build unix

package tool

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/coderunner/internal/execution"
	"github.com/jkaninda/coderunner/internal/sandbox"
)

const echoTool = `export async function run(configurations: any, parameters: any) {
  return { message: "echoing: " + parameters.message };
}`

// fakeDeno writes a shell script standing in for the deno binary.
func fakeDeno(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "deno")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return p
}

const resultScript = `echo "starting"
echo "<shinkai-tool-result>"
printf '{"execution_id":"%s","context_id":"%s"}\n' "$EXECUTION_ID" "$CONTEXT_ID"
echo "</shinkai-tool-result>"`

func newRuntime(t *testing.T, script string, opts ...Option) *Runtime {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	return NewRuntime(Settings{
		DenoBinaryPath: fakeDeno(t, script),
		StorageRoot:    t.TempDir(),
		Backend:        sandbox.BackendHost,
	}, opts...)
}

func tsRequest() Request {
	return Request{
		Code:       execution.SingleFile("main.ts", echoTool),
		Parameters: json.RawMessage(`{"message":"hi"}`),
	}
}

func TestRuntime_Run(t *testing.T) {
	rt := newRuntime(t, resultScript)
	req := tsRequest()
	req.Context = execution.Context{ContextID: "ctx-1", ExecutionID: "exec-1"}

	res, err := rt.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Backend != string(sandbox.BackendHost) {
		t.Errorf("backend = %q, want host", res.Backend)
	}
	if res.ExecutionID != "exec-1" {
		t.Errorf("execution id = %q, want exec-1", res.ExecutionID)
	}
	var got struct {
		ExecutionID string `json:"execution_id"`
		ContextID   string `json:"context_id"`
	}
	if err := json.Unmarshal(res.Data, &got); err != nil {
		t.Fatalf("decoding %s: %v", res.Data, err)
	}
	if got.ExecutionID != "exec-1" || got.ContextID != "ctx-1" {
		t.Errorf("guest saw %+v", got)
	}
}

func TestRuntime_RunGeneratesIdentity(t *testing.T) {
	rt := newRuntime(t, resultScript)
	res, err := rt.Run(context.Background(), tsRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExecutionID == "" {
		t.Error("execution id not generated")
	}
}

func TestRuntime_AutoBackendProbesEveryCall(t *testing.T) {
	var calls atomic.Int32
	probe := sandbox.ProbeFunc(func(context.Context) sandbox.Availability {
		calls.Add(1)
		return sandbox.NotInstalled
	})
	rt := NewRuntime(Settings{
		DenoBinaryPath: fakeDeno(t, resultScript),
		StorageRoot:    t.TempDir(),
	}, WithLogger(testLogger()), WithProbe(probe))

	for range 2 {
		res, err := rt.Run(context.Background(), tsRequest())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if res.Backend != string(sandbox.BackendHost) {
			t.Errorf("backend = %q, want host fallback", res.Backend)
		}
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("probe called %d times, want 2", got)
	}
}

func TestRuntime_RunError(t *testing.T) {
	rt := newRuntime(t, `echo "Uncaught Error: boom" >&2; exit 1`)
	req := tsRequest()
	req.Context.ExecutionID = "exec-err"

	_, err := rt.Run(context.Background(), req)
	if !errors.Is(err, sandbox.ErrNonZeroExit) {
		t.Fatalf("err = %v, want non-zero exit", err)
	}
	var re *RunError
	if !errors.As(err, &re) {
		t.Fatalf("err is %T, want *RunError", err)
	}
	if re.ExecutionID != "exec-err" || re.Backend != sandbox.BackendHost {
		t.Errorf("run error = %+v", re)
	}
	var ee *sandbox.ExecutionError
	if !errors.As(err, &ee) || ee.Message != "Uncaught Error: boom" {
		t.Errorf("execution error = %+v", ee)
	}
}

func TestRuntime_UnknownLanguage(t *testing.T) {
	rt := newRuntime(t, resultScript)
	req := tsRequest()
	req.Code = execution.SingleFile("main.rb", "puts 1")
	if _, err := rt.Run(context.Background(), req); err == nil {
		t.Fatal("expected error for unknown language")
	}
}

type recordingPublisher struct {
	mu    sync.Mutex
	lines map[string][]string
	done  []string
}

func (p *recordingPublisher) Publish(executionID string, _ sandbox.Stream, line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lines == nil {
		p.lines = make(map[string][]string)
	}
	p.lines[executionID] = append(p.lines[executionID], line)
}

func (p *recordingPublisher) Done(executionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = append(p.done, executionID)
}

func TestRuntime_Publisher(t *testing.T) {
	pub := &recordingPublisher{}
	rt := newRuntime(t, resultScript, WithPublisher(pub))

	var sinkLines atomic.Int32
	req := tsRequest()
	req.Context.ExecutionID = "exec-pub"
	req.Sink = func(sandbox.Stream, string) { sinkLines.Add(1) }

	if _, err := rt.Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	lines := pub.lines["exec-pub"]
	if len(lines) != 4 || lines[0] != "starting" {
		t.Errorf("published = %q", lines)
	}
	if int(sinkLines.Load()) != len(lines) {
		t.Errorf("caller sink saw %d lines, publisher %d", sinkLines.Load(), len(lines))
	}
	if len(pub.done) != 1 || pub.done[0] != "exec-pub" {
		t.Errorf("done = %q", pub.done)
	}
}

func TestRuntime_Check(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   int
	}{
		{"clean", `exit 0`, 0},
		{"diagnostics", `echo "TS2322 [ERROR]: Type 'string' is not assignable" >&2; echo "    at file:///main.ts:1:7" >&2; exit 1`, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newRuntime(t, tt.script)
			got, err := rt.Check(context.Background(), tsRequest())
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("diagnostics = %q, want %d", got, tt.want)
			}
		})
	}
}

func TestRuntime_CheckAppliesDefaultTimeout(t *testing.T) {
	rt := NewRuntime(Settings{
		DenoBinaryPath: fakeDeno(t, "sleep 5"),
		StorageRoot:    t.TempDir(),
		Backend:        sandbox.BackendHost,
		DefaultTimeout: 200 * time.Millisecond,
	}, WithLogger(testLogger()))

	start := time.Now()
	_, err := rt.Check(context.Background(), tsRequest())
	if k := sandbox.KindOf(err); k != sandbox.KindTimedOut {
		t.Fatalf("kind = %q (err %v), want timed out", k, err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("check took %s", elapsed)
	}
}

func TestRuntime_Definition(t *testing.T) {
	script := `echo "<shinkai-tool-definition>"
echo '{"id":"echo","name":"Echo","description":"echoes","author":"me","configurations":{"type":"object"},"parameters":{"type":"object"},"result":{}}'
echo "</shinkai-tool-definition>"`
	rt := newRuntime(t, script)

	def, err := rt.Definition(context.Background(), tsRequest())
	if err != nil {
		t.Fatalf("Definition: %v", err)
	}
	if def.ID != "echo" || def.Name != "Echo" || def.Author != "me" {
		t.Errorf("definition = %+v", def)
	}
	if def.Code != echoTool {
		t.Errorf("code not filled from entrypoint: %q", def.Code)
	}
	if def.Keywords == nil {
		t.Error("keywords should default to an empty list")
	}
}

func TestRuntime_DefinitionKeepsGuestCode(t *testing.T) {
	script := `echo "<shinkai-tool-definition>"
echo '{"id":"x","name":"x","description":"","author":"","keywords":["a"],"configurations":{},"parameters":{},"result":{},"code":"guest"}'
echo "</shinkai-tool-definition>"`
	rt := newRuntime(t, script)
	def, err := rt.Definition(context.Background(), tsRequest())
	if err != nil {
		t.Fatalf("Definition: %v", err)
	}
	if def.Code != "guest" || len(def.Keywords) != 1 {
		t.Errorf("definition = %+v", def)
	}
}
