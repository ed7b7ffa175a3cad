package execution

import "testing"

func TestForRun_FillsMissingIDs(t *testing.T) {
	c := Context{ContextID: "stable", MountFiles: []string{"/a"}}

	r1 := c.ForRun()
	r2 := c.ForRun()

	if r1.ContextID != "stable" || r2.ContextID != "stable" {
		t.Errorf("context id changed: %q %q", r1.ContextID, r2.ContextID)
	}
	if r1.ExecutionID == "" || r1.ExecutionID == r2.ExecutionID {
		t.Errorf("execution ids should be fresh per run: %q %q", r1.ExecutionID, r2.ExecutionID)
	}
	if r1.CodeID == "" || r1.CodeID == r2.CodeID {
		t.Errorf("code ids should be fresh per run: %q %q", r1.CodeID, r2.CodeID)
	}
	if r1.StorageRoot != DefaultStorageRoot {
		t.Errorf("storage root = %q, want default", r1.StorageRoot)
	}
	if c.ExecutionID != "" {
		t.Error("ForRun mutated the caller's context")
	}

	r1.MountFiles[0] = "/changed"
	if c.MountFiles[0] != "/a" {
		t.Error("ForRun shares the mount slice with the caller")
	}
}

func TestForRun_KeepsExplicitIDs(t *testing.T) {
	c := Context{ContextID: "c", ExecutionID: "e", CodeID: "k", StorageRoot: "/tmp/x"}
	r := c.ForRun()
	if r.ContextID != "c" || r.ExecutionID != "e" || r.CodeID != "k" || r.StorageRoot != "/tmp/x" {
		t.Errorf("ForRun = %+v", r)
	}
}

func TestCodeFiles_Validate(t *testing.T) {
	tests := []struct {
		name    string
		files   CodeFiles
		wantErr bool
	}{
		{"single file", SingleFile("main.ts", "x"), false},
		{"nested", CodeFiles{Files: map[string]string{"main.py": "", "pkg/a.py": ""}, Entrypoint: "main.py"}, false},
		{"missing entrypoint", CodeFiles{Files: map[string]string{"a.ts": ""}, Entrypoint: "main.ts"}, true},
		{"empty entrypoint", CodeFiles{Files: map[string]string{"a.ts": ""}}, true},
		{"escapes", CodeFiles{Files: map[string]string{"main.ts": "", "../evil.ts": ""}, Entrypoint: "main.ts"}, true},
		{"absolute", CodeFiles{Files: map[string]string{"main.ts": "", "/etc/passwd": ""}, Entrypoint: "main.ts"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.files.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestCodeFiles_WithEntrypoint(t *testing.T) {
	orig := CodeFiles{Files: map[string]string{"main.ts": "a", "lib.ts": "b"}, Entrypoint: "main.ts"}
	wrapped := orig.WithEntrypoint("wrapped")

	if wrapped.EntrypointCode() != "wrapped" {
		t.Errorf("entrypoint = %q", wrapped.EntrypointCode())
	}
	if orig.EntrypointCode() != "a" {
		t.Error("WithEntrypoint mutated the original")
	}
	if wrapped.Files["lib.ts"] != "b" {
		t.Error("other files not copied")
	}
}

func TestNodeLocation(t *testing.T) {
	loc, err := ParseNodeLocation("https://127.0.0.2:9554")
	if err != nil {
		t.Fatal(err)
	}
	if loc.String() != "https://127.0.0.2:9554" {
		t.Errorf("String() = %q", loc.String())
	}
	if got := loc.ForContainer().String(); got != "https://host.docker.internal:9554" {
		t.Errorf("ForContainer() = %q", got)
	}
	if DefaultNodeLocation().String() != "http://127.0.0.1:9550" {
		t.Errorf("default = %q", DefaultNodeLocation().String())
	}

	for _, bad := range []string{"127.0.0.1:9550", "http://host", "http://host:notaport", "http://host:70000"} {
		if _, err := ParseNodeLocation(bad); err == nil {
			t.Errorf("ParseNodeLocation(%q) should fail", bad)
		}
	}
}
