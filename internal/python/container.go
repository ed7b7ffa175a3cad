package python

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/jkaninda/coderunner/internal/sandbox"
)

type containerStrategy struct{ r *Runner }

// launch runs the whole bootstrap and the entrypoint in one bash invocation
// inside the runner image, which ships uv.
func (s containerStrategy) launch(ctx context.Context, inv invocation) (*sandbox.Output, error) {
	st := inv.storage
	mounts, err := sandbox.ContainerMounts(st, inv.context.MountFiles, inv.context.AssetFiles)
	if err != nil {
		return nil, sandbox.StorageError(err)
	}
	paths := map[string]string{}
	for name, p := range map[string]string{"entry": st.EntrypointPath, "home": st.HomeDir, "venv": st.CacheDir} {
		cp, err := sandbox.ContainerPath(st, p)
		if err != nil {
			return nil, sandbox.StorageError(err)
		}
		paths[name] = cp
	}

	script := containerScript(inv.mode, paths["venv"], paths["entry"])
	vars := sandbox.GuestEnv{
		ContextID:    inv.context.ContextID,
		ExecutionID:  inv.context.ExecutionID,
		NodeLocation: s.r.opts.NodeLocation.ForContainer().String(),
		Home:         paths["home"],
		Mount:        sandbox.ContainerFileTargets("mount", inv.context.MountFiles),
		Assets:       sandbox.ContainerFileTargets("assets", inv.context.AssetFiles),
		Extra:        inv.req.Env,
	}.Vars()
	vars["PYTHONIOENCODING"] = "utf-8"

	return s.r.launcher.Run(ctx, sandbox.ContainerSpec{
		Mounts:  mounts,
		Env:     vars,
		Command: []string{"/bin/bash", "-c", script},
		Timeout: inv.req.Timeout,
		Sink:    inv.req.Sink,
	})
}

// containerScript builds the bash program for mode. Every step is skipped when
// its result is already in the mounted cache.
func containerScript(m mode, venv, entry string) string {
	codeDir := path.Dir(entry)
	requirements := path.Join(codeDir, "requirements.txt")

	steps := []string{
		fmt.Sprintf("source %s", shellQuote(path.Join(venv, "bin", "activate"))),
	}
	if m == modeCheck {
		steps = append(steps, fmt.Sprintf("python -m py_compile %s", shellQuote(entry)))
	} else {
		steps = append(steps,
			"(python -c 'import pipreqs' 2>/dev/null || uv pip install pipreqs)",
			fmt.Sprintf("python -m pipreqs.pipreqs --encoding utf-8 --force %s", shellQuote(codeDir)),
			fmt.Sprintf("{ ! grep -q '[^[:space:]]' %[1]s || uv pip install -r %[1]s; }", shellQuote(requirements)),
			fmt.Sprintf("python %s", shellQuote(entry)),
		)
	}

	create := fmt.Sprintf("[ -f %s ] || uv venv --seed %s --python %s",
		shellQuote(path.Join(venv, "bin", "activate")), shellQuote(venv), Version)
	return create + "; " + strings.Join(steps, " && ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
