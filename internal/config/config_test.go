package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/coderunner/internal/execution"
	"github.com/jkaninda/coderunner/internal/sandbox"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BackendMode() != sandbox.BackendAuto {
		t.Errorf("backend = %q, want auto", cfg.BackendMode())
	}
	if cfg.StorageRoot != execution.DefaultStorageRoot {
		t.Errorf("storage root = %q", cfg.StorageRoot)
	}
	if cfg.Image != sandbox.DefaultImage {
		t.Errorf("image = %q", cfg.Image)
	}
	if cfg.Location() != execution.DefaultNodeLocation() {
		t.Errorf("node location = %v", cfg.Location())
	}
	if cfg.ExecutionTimeout() != 0 {
		t.Errorf("timeout = %v, want none", cfg.ExecutionTimeout())
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("driver = %q", cfg.StorageDriverName())
	}
	if !strings.HasSuffix(cfg.DatabasePath(), "history.db") {
		t.Errorf("database path = %q", cfg.DatabasePath())
	}
}

func TestLoad_YAML(t *testing.T) {
	p := writeConfig(t, "config.yaml", `
storage_root: /var/lib/coderunner
backend: host
timeout: 45s
node_location: https://node.internal:9443
storage:
  driver: postgres
  postgres:
    dsn: postgres://u:p@localhost/coderunner
janitor:
  enabled: true
  schedule: "*/15 * * * *"
  max_age: 2h
http:
  listen_addr: ":8080"
  api_keys: [k1]
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BackendMode() != sandbox.BackendHost {
		t.Errorf("backend = %q", cfg.BackendMode())
	}
	if cfg.ExecutionTimeout() != 45*time.Second {
		t.Errorf("timeout = %v", cfg.ExecutionTimeout())
	}
	if loc := cfg.Location(); loc.Protocol != "https" || loc.Host != "node.internal" || loc.Port != 9443 {
		t.Errorf("node location = %+v", loc)
	}
	if cfg.StorageDriverName() != "postgres" {
		t.Errorf("driver = %q", cfg.StorageDriverName())
	}
	if cfg.Janitor.Spec() != "*/15 * * * *" || cfg.Janitor.Age() != 2*time.Hour {
		t.Errorf("janitor = %q %v", cfg.Janitor.Spec(), cfg.Janitor.Age())
	}
	if cfg.HTTP.Addr() != ":8080" || len(cfg.HTTP.APIKeys) != 1 {
		t.Errorf("http = %+v", cfg.HTTP)
	}
	// Unset fields keep their defaults.
	if cfg.Image != sandbox.DefaultImage {
		t.Errorf("image = %q, want default", cfg.Image)
	}
}

func TestLoad_JSON(t *testing.T) {
	p := writeConfig(t, "config.json", `{"backend":"container","image":"ghcr.io/acme/runner:1.2.3"}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BackendMode() != sandbox.BackendContainer || cfg.Image != "ghcr.io/acme/runner:1.2.3" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	p := writeConfig(t, "config.yaml", "backend: host\nimage: example/one:1\n")
	t.Setenv("CODERUNNER_BACKEND", "container")
	t.Setenv("CODERUNNER_IMAGE", "example/two:2")
	t.Setenv("CODERUNNER_STORAGE_ROOT", "/tmp/cr")
	t.Setenv("CODERUNNER_DB_DSN", "postgres://localhost/cr")
	t.Setenv("CODERUNNER_REDIS_ADDR", "localhost:6379")
	t.Setenv("CODERUNNER_API_KEY", "secret")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != "container" || cfg.Image != "example/two:2" || cfg.StorageRoot != "/tmp/cr" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.StorageDriverName() != "postgres" || cfg.Storage.Postgres.DSN != "postgres://localhost/cr" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.LogStream == nil || cfg.LogStream.Redis.Addr != "localhost:6379" {
		t.Errorf("log stream = %+v", cfg.LogStream)
	}
	if cfg.HTTP == nil || len(cfg.HTTP.APIKeys) != 1 || cfg.HTTP.APIKeys[0] != "secret" {
		t.Errorf("http = %+v", cfg.HTTP)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown backend", "backend: vm\n", "backend"},
		{"negative timeout", "timeout: -1s\n", "negative"},
		{"bad timeout", "timeout: soon\n", "timeout"},
		{"bad node location", "node_location: localhost\n", "node location"},
		{"bad image", "image: 'UPPER/case:tag'\n", "image"},
		{"bad probe", "probe: ping\n", "probe"},
		{"unknown driver", "storage:\n  driver: mysql\n", "storage.driver"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "dsn"},
		{"bad schedule", "janitor:\n  schedule: every hour\n", "janitor.schedule"},
		{"zero max age", "janitor:\n  max_age: 0s\n", "janitor.max_age"},
		{"redis without addr", "log_stream:\n  redis: {db: 1}\n", "redis.addr"},
		{"negative rate limit", "http:\n  rate_limit: {requests_per_minute: -1}\n", "rate_limit"},
		{"bad tracing protocol", "observability:\n  tracing: {enabled: true, protocol: udp}\n", "protocol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := writeConfig(t, "config.yaml", tt.content)
			_, err := Load(p)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestJanitorDefaults(t *testing.T) {
	var j *JanitorConfig
	if j.Spec() != "@every 1h" || j.Age() != 24*time.Hour {
		t.Errorf("defaults = %q %v", j.Spec(), j.Age())
	}
}

func TestHTTPDefaults(t *testing.T) {
	var h *HTTPConfig
	if h.Addr() != ":9560" || h.MaxBodyBytes() != 10<<20 {
		t.Errorf("defaults = %q %d", h.Addr(), h.MaxBodyBytes())
	}
}
