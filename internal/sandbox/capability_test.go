package sandbox

import (
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/jkaninda/coderunner/internal/execution"
)

func newTestStorage(t *testing.T, cache string) *execution.Storage {
	t.Helper()
	ectx := execution.Context{
		ContextID:   "ctx-1",
		ExecutionID: "exec-1",
		CodeID:      "code-1",
		StorageRoot: t.TempDir(),
	}
	s, err := execution.NewStorage(execution.SingleFile("main.ts", ""), ectx, cache, nil)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	return s
}

func TestBindMount_String(t *testing.T) {
	m := BindMount{Source: "/host/a.txt", Target: "/app/assets/a.txt", ReadOnly: true}
	if got, want := m.String(), "type=bind,source=/host/a.txt,target=/app/assets/a.txt,readonly"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	m.ReadOnly = false
	if strings.Contains(m.String(), "readonly") {
		t.Errorf("read-write mount rendered as %q", m.String())
	}
}

func TestContainerMounts(t *testing.T) {
	s := newTestStorage(t, execution.CacheDeno)
	dir := t.TempDir()
	mountFile := filepath.Join(dir, "data.csv")
	assetFile := filepath.Join(dir, "logo.png")

	mounts, err := ContainerMounts(s, []string{mountFile}, []string{assetFile})
	if err != nil {
		t.Fatalf("ContainerMounts: %v", err)
	}
	if len(mounts) != 5 {
		t.Fatalf("got %d mounts, want 5: %+v", len(mounts), mounts)
	}

	codeRel, _ := s.RelativeToRoot(s.CodeDir)
	want := []BindMount{
		{Source: s.CodeDir, Target: "/app/" + codeRel},
		{Source: s.CacheDir, Target: "/app/cache/deno"},
		{Source: s.HomeDir, Target: "/app/home"},
		{Source: mountFile, Target: "/app/mount/data.csv"},
		{Source: assetFile, Target: "/app/assets/logo.png", ReadOnly: true},
	}
	for i := range want {
		if mounts[i] != want[i] {
			t.Errorf("mount[%d] = %+v, want %+v", i, mounts[i], want[i])
		}
	}
}

func TestContainerPath_OutsideRoot(t *testing.T) {
	s := newTestStorage(t, execution.CacheDeno)
	if _, err := ContainerPath(s, t.TempDir()); err == nil {
		t.Error("expected error for a path outside the storage root")
	}
}

func TestHostGrant(t *testing.T) {
	s := newTestStorage(t, execution.CacheDeno)
	dir := t.TempDir()
	mountFile := filepath.Join(dir, "rw.txt")
	assetFile := filepath.Join(dir, "ro.txt")

	p, err := HostGrant("/opt/deno", s, []string{mountFile}, []string{assetFile})
	if err != nil {
		t.Fatalf("HostGrant: %v", err)
	}

	for _, path := range []string{"/opt/deno", s.CodeDir, s.CacheDir, s.HomeDir, mountFile, assetFile} {
		if !slices.Contains(p.Read, path) {
			t.Errorf("read grant missing %s", path)
		}
	}
	for _, path := range []string{s.HomeDir, mountFile} {
		if !slices.Contains(p.Write, path) {
			t.Errorf("write grant missing %s", path)
		}
	}
	for _, path := range []string{assetFile, s.CodeDir, s.CacheDir, "/opt/deno"} {
		if slices.Contains(p.Write, path) {
			t.Errorf("write grant must not include %s", path)
		}
	}
}

func TestHostPermissions_DenoFlags(t *testing.T) {
	p := HostPermissions{Read: []string{"/a", "/b"}, Write: []string{"/b"}}
	flags := p.DenoFlags()

	for _, want := range []string{"--allow-read=/a,/b", "--allow-write=/b", "--allow-net", "--no-prompt"} {
		if !slices.Contains(flags, want) {
			t.Errorf("flags %q missing %q", flags, want)
		}
	}
	for _, f := range flags {
		if f == "--allow-all" || f == "-A" || f == "--allow-read" || f == "--allow-write" {
			t.Errorf("unscoped filesystem flag %q", f)
		}
	}
}
