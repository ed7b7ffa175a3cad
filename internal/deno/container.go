package deno

import (
	"context"

	"github.com/jkaninda/coderunner/internal/sandbox"
)

type containerStrategy struct{ r *Runner }

// launch runs deno inside the runner image. The container is the isolation
// boundary, so deno itself gets --allow-all.
func (s containerStrategy) launch(ctx context.Context, inv invocation) (*sandbox.Output, error) {
	st := inv.storage
	mounts, err := sandbox.ContainerMounts(st, inv.context.MountFiles, inv.context.AssetFiles)
	if err != nil {
		return nil, sandbox.StorageError(err)
	}
	entry, err := sandbox.ContainerPath(st, st.EntrypointPath)
	if err != nil {
		return nil, sandbox.StorageError(err)
	}
	home, err := sandbox.ContainerPath(st, st.HomeDir)
	if err != nil {
		return nil, sandbox.StorageError(err)
	}
	cache, err := sandbox.ContainerPath(st, st.CacheDir)
	if err != nil {
		return nil, sandbox.StorageError(err)
	}

	command := []string{"deno", "run", "--ext", "ts", "--allow-all", entry}
	if inv.sub == subCheck {
		command = []string{"deno", "check", entry}
	}

	vars := sandbox.GuestEnv{
		ContextID:    inv.context.ContextID,
		ExecutionID:  inv.context.ExecutionID,
		NodeLocation: s.r.opts.NodeLocation.ForContainer().String(),
		Home:         home,
		Mount:        sandbox.ContainerFileTargets("mount", inv.context.MountFiles),
		Assets:       sandbox.ContainerFileTargets("assets", inv.context.AssetFiles),
		Extra:        inv.req.Env,
	}.Vars()
	vars["DENO_DIR"] = cache

	return s.r.launcher.Run(ctx, sandbox.ContainerSpec{
		Mounts:  mounts,
		Env:     vars,
		Command: command,
		Timeout: inv.req.Timeout,
		Sink:    inv.req.Sink,
	})
}
