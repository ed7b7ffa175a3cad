package python

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jkaninda/coderunner/internal/execution"
	"github.com/jkaninda/coderunner/internal/sandbox"
)

type hostStrategy struct{ r *Runner }

// launch bootstraps the context's virtual environment, then runs the
// entrypoint with the storage root as working directory.
func (s hostStrategy) launch(ctx context.Context, inv invocation) (*sandbox.Output, error) {
	st := inv.storage
	python, err := s.r.bootstrap(ctx, st, inv.mode == modeRun)
	if err != nil {
		return nil, err
	}

	if inv.mode == modeCheck {
		return s.r.executor.Run(ctx, sandbox.Command{
			Program: python,
			Args:    []string{"-m", "py_compile", st.EntrypointPath},
			Dir:     st.CodeDir,
			Env:     toolEnv(st.CacheDir),
			Timeout: inv.req.Timeout,
			Sink:    inv.req.Sink,
		})
	}

	mounts, err := sandbox.AbsPaths(inv.context.MountFiles)
	if err != nil {
		return nil, sandbox.StorageError(err)
	}
	assets, err := sandbox.AbsPaths(inv.context.AssetFiles)
	if err != nil {
		return nil, sandbox.StorageError(err)
	}
	vars := sandbox.GuestEnv{
		ContextID:    inv.context.ContextID,
		ExecutionID:  inv.context.ExecutionID,
		NodeLocation: s.r.opts.NodeLocation.String(),
		Home:         st.HomeDir,
		Mount:        mounts,
		Assets:       assets,
		Extra:        inv.req.Env,
	}.Vars()
	vars["PYTHONIOENCODING"] = "utf-8"

	return s.r.executor.Run(ctx, sandbox.Command{
		Program: python,
		Args:    []string{st.EntrypointPath},
		Dir:     st.Root,
		Env:     sandbox.HostEnviron(vars),
		Timeout: inv.req.Timeout,
		Sink:    inv.req.Sink,
	})
}

// bootstrap makes sure the cache holds a virtual environment and, when
// withDeps is set, that the code's inferred requirements are installed into
// it. Steps whose outcome is already on disk are skipped. The run timeout
// does not apply here; ctx does.
func (r *Runner) bootstrap(ctx context.Context, st *execution.Storage, withDeps bool) (string, error) {
	uv := hostBinary(r.opts.UVBinaryPath)
	venv := st.CacheDir
	python := venvPython(venv)
	env := toolEnv(venv)
	sink := sandbox.LogSink(st, r.logger, nil)

	step := func(name string, c sandbox.Command) error {
		c.Env = env
		c.Sink = sink
		if _, err := r.executor.Run(ctx, c); err != nil {
			return stepError(name, err)
		}
		return nil
	}

	if !fileExists(python) {
		r.logger.Info("creating python virtual environment", slog.String("venv", venv))
		if err := step("creating virtual environment", sandbox.Command{
			Program: uv,
			Args:    []string{"venv", "--seed", venv, "--python", Version},
		}); err != nil {
			return "", err
		}
	}
	if !withDeps {
		return python, nil
	}

	if !fileExists(venvScript(venv, "pipreqs")) {
		if err := step("installing pipreqs", sandbox.Command{
			Program: uv,
			Args:    []string{"pip", "install", "pipreqs"},
		}); err != nil {
			return "", err
		}
	}
	if err := step("inferring requirements", sandbox.Command{
		Program: python,
		Args:    []string{"-m", "pipreqs.pipreqs", "--encoding", "utf-8", "--force", st.CodeDir},
	}); err != nil {
		return "", err
	}
	if hasRequirements(filepath.Join(st.CodeDir, "requirements.txt")) {
		if err := step("installing requirements", sandbox.Command{
			Program: uv,
			Args:    []string{"pip", "install", "-r", "requirements.txt"},
			Dir:     st.CodeDir,
		}); err != nil {
			return "", err
		}
	}
	return python, nil
}

// toolEnv is the environment for uv and pipreqs. They keep the user's HOME
// so downloaded interpreters and the uv cache are shared across contexts.
func toolEnv(venv string) []string {
	vars := map[string]string{"VIRTUAL_ENV": venv}
	if home, err := os.UserHomeDir(); err == nil {
		vars["HOME"] = home
	}
	for _, k := range []string{"UV_CACHE_DIR", "UV_PYTHON_INSTALL_DIR", "UV_INDEX_URL", "XDG_CACHE_HOME", "XDG_DATA_HOME"} {
		if v, ok := os.LookupEnv(k); ok {
			vars[k] = v
		}
	}
	return sandbox.HostEnviron(vars)
}

func stepError(step string, err error) error {
	var ee *sandbox.ExecutionError
	if errors.As(err, &ee) {
		wrapped := *ee
		wrapped.Message = step + ": " + ee.Message
		return &wrapped
	}
	return fmt.Errorf("%s: %w", step, err)
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// hasRequirements reports whether the file lists at least one requirement.
func hasRequirements(p string) bool {
	f, err := os.Open(p)
	if err != nil {
		return false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			return true
		}
	}
	return false
}

func hostBinary(p string) string {
	if !strings.ContainsAny(p, `/\`) {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
