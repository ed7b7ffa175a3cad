package sandbox

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/jkaninda/coderunner/internal/execution"
)

// ContainerWorkdir is where the storage root is mounted inside the runner image.
const ContainerWorkdir = "/app"

// BindMount is a host path exposed inside the container.
type BindMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// String renders the --mount value.
func (m BindMount) String() string {
	s := fmt.Sprintf("type=bind,source=%s,target=%s", m.Source, m.Target)
	if m.ReadOnly {
		s += ",readonly"
	}
	return s
}

// ContainerPath maps a storage-managed path to its location in the container.
func ContainerPath(s *execution.Storage, p string) (string, error) {
	rel, err := s.RelativeToRoot(p)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside storage root %s", p, s.Root)
	}
	return path.Join(ContainerWorkdir, rel), nil
}

// ContainerFileTargets returns the container paths for files bound under dir
// (mount or assets), one per file, keyed by base name.
func ContainerFileTargets(dir string, files []string) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, path.Join(ContainerWorkdir, dir, filepath.Base(f)))
	}
	return out
}

// ContainerMounts is the complete container grant for a run: code, cache and
// home directories read-write, each mount file read-write and each asset
// read-only. Nothing else from the host is visible.
func ContainerMounts(s *execution.Storage, mountFiles, assetFiles []string) ([]BindMount, error) {
	var mounts []BindMount
	for _, dir := range []string{s.CodeDir, s.CacheDir, s.HomeDir} {
		target, err := ContainerPath(s, dir)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, BindMount{Source: dir, Target: target})
	}

	add := func(files []string, sub string, readOnly bool) error {
		targets := ContainerFileTargets(sub, files)
		for i, f := range files {
			abs, err := filepath.Abs(f)
			if err != nil {
				return fmt.Errorf("resolving %s: %w", f, err)
			}
			mounts = append(mounts, BindMount{
				Source:   abs,
				Target:   targets[i],
				ReadOnly: readOnly,
			})
		}
		return nil
	}
	if err := add(mountFiles, "mount", false); err != nil {
		return nil, err
	}
	if err := add(assetFiles, "assets", true); err != nil {
		return nil, err
	}
	return mounts, nil
}

// HostPermissions is the read and write allow-list for a host-mode run.
type HostPermissions struct {
	Read  []string
	Write []string
}

// HostGrant computes the host-mode grant: read on the interpreter binary,
// code, cache, home, mounts, assets and scratch locations; write on home,
// mounts and scratch locations only.
func HostGrant(binary string, s *execution.Storage, mountFiles, assetFiles []string) (HostPermissions, error) {
	mounts, err := AbsPaths(mountFiles)
	if err != nil {
		return HostPermissions{}, err
	}
	assets, err := AbsPaths(assetFiles)
	if err != nil {
		return HostPermissions{}, err
	}
	bin := binary
	if abs, err := filepath.Abs(binary); err == nil && strings.ContainsAny(binary, `/\`) {
		bin = abs
	}

	scratch := scratchPaths()
	var p HostPermissions
	p.Read = append(p.Read, bin, s.CodeDir, s.CacheDir, s.HomeDir)
	p.Read = append(p.Read, mounts...)
	p.Read = append(p.Read, assets...)
	p.Read = append(p.Read, scratch...)
	p.Read = append(p.Read, browserPaths()...)

	p.Write = append(p.Write, s.HomeDir)
	p.Write = append(p.Write, mounts...)
	p.Write = append(p.Write, scratch...)
	return p, nil
}

// DenoFlags renders the grant as Deno permission flags. Network, env,
// subprocess, system info, FFI and remote imports are allowed wholesale;
// filesystem access is limited to the lists.
func (p HostPermissions) DenoFlags() []string {
	return []string{
		"--no-prompt",
		"--allow-env",
		"--allow-net",
		"--allow-run",
		"--allow-sys",
		"--allow-ffi",
		"--allow-import",
		"--allow-read=" + strings.Join(p.Read, ","),
		"--allow-write=" + strings.Join(p.Write, ","),
	}
}

// AbsPaths resolves every file to an absolute path.
func AbsPaths(files []string) ([]string, error) {
	out := make([]string, 0, len(files))
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", f, err)
		}
		out = append(out, abs)
	}
	return out, nil
}

// scratchPaths are the platform temp locations browsers and tools write to.
func scratchPaths() []string {
	paths := []string{os.TempDir()}
	if runtime.GOOS != "windows" && os.TempDir() != "/tmp" {
		paths = append(paths, "/tmp")
	}
	return paths
}

// browserPaths are common Chrome/Chromium install locations.
func browserPaths() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"/Applications/Google Chrome.app",
			"/Applications/Chromium.app",
		}
	case "windows":
		return []string{
			`C:\Program Files\Google\Chrome`,
			`C:\Program Files (x86)\Google\Chrome`,
		}
	default:
		return []string{
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/usr/bin/google-chrome",
			"/opt/google/chrome",
		}
	}
}
