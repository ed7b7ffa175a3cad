package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/coderunner/internal/sandbox"
	"github.com/jkaninda/coderunner/internal/tool"
)

// codeFlags select the tool source; run, check and definition share them.
type codeFlags struct {
	code     string
	entry    string
	language string
}

func (f *codeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.code, "code", "", "tool source file or directory")
	cmd.Flags().StringVar(&f.entry, "entry", "", "entrypoint relative to --code (default index.ts or main.py)")
	cmd.Flags().StringVar(&f.language, "language", "", "typescript or python (default: inferred from the entrypoint)")
}

func (f *codeFlags) request() (tool.Request, error) {
	if f.code == "" {
		return tool.Request{}, errors.New("--code is required")
	}
	code, err := loadCode(f.code, f.entry)
	if err != nil {
		return tool.Request{}, err
	}
	req := tool.Request{Code: code}
	if f.language != "" {
		lang, err := tool.ParseLanguage(f.language)
		if err != nil {
			return tool.Request{}, err
		}
		req.Language = lang
	}
	return req, nil
}

var (
	runCode          codeFlags
	runManifest      string
	runConfigs       string
	runParams        string
	runEnv           []string
	runMounts        []string
	runAssets        []string
	runTimeout       time.Duration
	runBackend       string
	runPristineCache bool
	runContextID     string
	runExecutionID   string
	runStream        bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a tool once and print its JSON result",
	Example: `  coderunner run --code ./weather.ts --params '{"city":"Paris"}'
  coderunner run --code ./tool --entry main.py --config @config.json --mount ./data.csv
  coderunner run --manifest run.yaml`,
	RunE: runRun,
}

func init() {
	runCode.register(runCmd)
	f := runCmd.Flags()
	f.StringVar(&runManifest, "manifest", "", "YAML manifest describing the run")
	f.StringVar(&runConfigs, "config", "", "tool configurations as JSON or @file")
	f.StringVar(&runParams, "params", "", "tool parameters as JSON or @file")
	f.StringArrayVar(&runEnv, "env", nil, "guest environment variable KEY=VALUE (repeatable)")
	f.StringArrayVar(&runMounts, "mount", nil, "host file the tool may read and write (repeatable)")
	f.StringArrayVar(&runAssets, "asset", nil, "host file the tool may only read (repeatable)")
	f.DurationVar(&runTimeout, "timeout", 0, "wall-clock limit, e.g. 30s (default: config timeout)")
	f.StringVar(&runBackend, "backend", "", "auto, host or container (default: config backend)")
	f.BoolVar(&runPristineCache, "pristine-cache", false, "empty the dependency cache before running")
	f.StringVar(&runContextID, "context-id", "", "reuse the storage and cache of a previous context")
	f.StringVar(&runExecutionID, "execution-id", "", "execution id (default: generated)")
	f.BoolVar(&runStream, "stream", false, "echo guest output to stderr while the tool runs")
}

func runRun(cmd *cobra.Command, _ []string) error {
	req, err := buildRunRequest(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, sharedOptions{history: true})
	if err != nil {
		return err
	}
	defer sc.Close()

	if runStream {
		req.Sink = streamSink(os.Stderr)
	}

	res, err := sc.Service.Run(ctx, req)
	if err != nil {
		if werr := writeJSON(cmd.OutOrStdout(), runFailure(err)); werr != nil {
			return werr
		}
		return &exitCodeError{code: 1}
	}
	return writeJSON(cmd.OutOrStdout(), res)
}

// buildRunRequest merges the manifest, when given, with the flags. Flags
// that were set explicitly win.
func buildRunRequest(cmd *cobra.Command) (tool.Request, error) {
	var (
		req tool.Request
		err error
	)
	if runManifest != "" {
		req, err = loadManifest(runManifest)
		if err != nil {
			return req, err
		}
		if runCode.code != "" {
			code, err := runCode.request()
			if err != nil {
				return req, err
			}
			req.Code = code.Code
		}
		if runCode.language != "" {
			if req.Language, err = tool.ParseLanguage(runCode.language); err != nil {
				return req, err
			}
		}
	} else {
		req, err = runCode.request()
		if err != nil {
			return req, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("config") {
		if req.Configurations, err = jsonArg("config", runConfigs); err != nil {
			return req, err
		}
	}
	if flags.Changed("params") {
		if req.Parameters, err = jsonArg("params", runParams); err != nil {
			return req, err
		}
	}
	env, err := parseEnv(runEnv)
	if err != nil {
		return req, err
	}
	if len(env) > 0 {
		if req.Env == nil {
			req.Env = make(map[string]string, len(env))
		}
		for k, v := range env {
			req.Env[k] = v
		}
	}
	req.Context.MountFiles = append(req.Context.MountFiles, runMounts...)
	req.Context.AssetFiles = append(req.Context.AssetFiles, runAssets...)
	if runContextID != "" {
		req.Context.ContextID = runContextID
	}
	if runExecutionID != "" {
		req.Context.ExecutionID = runExecutionID
	}
	if flags.Changed("timeout") {
		if runTimeout < 0 {
			return req, errors.New("--timeout must not be negative")
		}
		req.Timeout = runTimeout
	}
	if runBackend != "" {
		if req.Backend, err = sandbox.ParseBackend(runBackend); err != nil {
			return req, err
		}
	}
	if runPristineCache {
		req.PristineCache = true
	}
	return req, nil
}

// runFailureOutput is printed instead of the result when a run fails.
type runFailureOutput struct {
	Error       string `json:"error"`
	Kind        string `json:"kind,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	Backend     string `json:"backend,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	Stack       string `json:"stack,omitempty"`
	Output      string `json:"output,omitempty"`
}

func runFailure(err error) runFailureOutput {
	out := runFailureOutput{Error: err.Error()}
	var re *tool.RunError
	if errors.As(err, &re) {
		out.ExecutionID = re.ExecutionID
		out.Backend = string(re.Backend)
	}
	var ee *sandbox.ExecutionError
	if errors.As(err, &ee) {
		out.Kind = string(ee.Kind)
		out.Stack = ee.Stack
		out.Output = ee.Output
		if ee.Kind == sandbox.KindNonZeroExit {
			code := ee.ExitCode
			out.ExitCode = &code
		}
	}
	return out
}

// streamSink writes guest lines to w prefixed with their stream.
func streamSink(w io.Writer) sandbox.LineSink {
	var mu sync.Mutex
	return func(stream sandbox.Stream, line string) {
		mu.Lock()
		defer mu.Unlock()
		_, _ = fmt.Fprintf(w, "[%s] %s\n", stream, line)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
