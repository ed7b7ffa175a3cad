package deno

import (
	"context"

	"github.com/jkaninda/coderunner/internal/sandbox"
)

type hostStrategy struct{ r *Runner }

// launch runs the host binary with the storage root as working directory.
// Filesystem access is limited to the capability grant.
func (s hostStrategy) launch(ctx context.Context, inv invocation) (*sandbox.Output, error) {
	binary := hostBinary(s.r.opts.BinaryPath)
	st := inv.storage

	var args []string
	switch inv.sub {
	case subCheck:
		args = []string{"check", st.EntrypointPath}
	default:
		grant, err := sandbox.HostGrant(binary, st, inv.context.MountFiles, inv.context.AssetFiles)
		if err != nil {
			return nil, sandbox.StorageError(err)
		}
		args = append([]string{"run", "--ext", "ts"}, grant.DenoFlags()...)
		args = append(args, st.EntrypointPath)
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
	vars["DENO_DIR"] = st.CacheDir

	return s.r.executor.Run(ctx, sandbox.Command{
		Program: binary,
		Args:    args,
		Dir:     st.Root,
		Env:     sandbox.HostEnviron(vars),
		Timeout: inv.req.Timeout,
		Sink:    inv.req.Sink,
	})
}
