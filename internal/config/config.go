// Package config handles loading and validating coderunner configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/coderunner/internal/deno"
	"github.com/jkaninda/coderunner/internal/execution"
	"github.com/jkaninda/coderunner/internal/python"
	"github.com/jkaninda/coderunner/internal/sandbox"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for coderunner.
type Config struct {
	StorageRoot    string               `json:"storage_root" yaml:"storage_root"`           // Override: CODERUNNER_STORAGE_ROOT.
	Backend        string               `json:"backend" yaml:"backend"`                     // "auto" (default), "host" or "container". Override: CODERUNNER_BACKEND.
	Probe          string               `json:"probe" yaml:"probe"`                         // "cli" (default) or "api".
	DenoBinaryPath string               `json:"deno_binary_path" yaml:"deno_binary_path"`   // Override: CODERUNNER_DENO_BINARY.
	UVBinaryPath   string               `json:"uv_binary_path" yaml:"uv_binary_path"`       // Override: CODERUNNER_UV_BINARY.
	Image          string               `json:"image" yaml:"image"`                         // Runner image. Override: CODERUNNER_IMAGE.
	EngineBinary   string               `json:"engine_binary" yaml:"engine_binary"`         // Container engine CLI. Default: "docker".
	NodeLocation   string               `json:"node_location" yaml:"node_location"`         // protocol://host:port. Override: CODERUNNER_NODE_LOCATION.
	Timeout        string               `json:"timeout,omitempty" yaml:"timeout,omitempty"` // Go duration, e.g. "30s". Empty = no timeout.
	Storage        *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite under the storage root
	LogStream      *LogStreamConfig     `json:"log_stream,omitempty" yaml:"log_stream,omitempty"`
	Janitor        *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty"` // nil = janitor with defaults while serving
	HTTP           *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"`
	Observability  *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// StorageConfig configures the execution history backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres" or "none".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <storage_root>/history.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN             string `json:"dsn" yaml:"dsn"`                             // Override: CODERUNNER_DB_DSN.
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns"`       // Default: 10
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns"`       // Default: 2
	ConnMaxLifetime string `json:"conn_max_lifetime" yaml:"conn_max_lifetime"` // Go duration. Default: 30m
}

// LogStreamConfig configures live guest output fan-out.
type LogStreamConfig struct {
	BufferSize int          `json:"buffer_size" yaml:"buffer_size"` // Per-subscriber buffer. Default: 256
	Redis      *RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// RedisConfig configures the Redis output publisher.
type RedisConfig struct {
	Addr          string `json:"addr" yaml:"addr"` // Override: CODERUNNER_REDIS_ADDR.
	Password      string `json:"password,omitempty" yaml:"password,omitempty"`
	DB            int    `json:"db" yaml:"db"`
	ChannelPrefix string `json:"channel_prefix" yaml:"channel_prefix"` // Default: "coderunner:logs:"
}

// JanitorConfig configures the sweep of leftover code directories and logs.
type JanitorConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"` // Cron spec. Default: "@every 1h"
	MaxAge   string `json:"max_age" yaml:"max_age"`   // Go duration. Default: 24h
}

// Spec returns the cron schedule with a default of "@every 1h".
func (j *JanitorConfig) Spec() string {
	if j != nil && j.Schedule != "" {
		return j.Schedule
	}
	return "@every 1h"
}

// Age returns the maximum entry age with a default of 24h.
func (j *JanitorConfig) Age() time.Duration {
	if j != nil && j.MaxAge != "" {
		if d, err := time.ParseDuration(j.MaxAge); err == nil && d > 0 {
			return d
		}
	}
	return 24 * time.Hour
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	ListenAddr          string           `json:"listen_addr" yaml:"listen_addr"` // Default: ":9560"
	APIKeys             []string         `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`
	MaxRequestSizeBytes int64            `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 10 MiB
	EnableDocs          bool             `json:"enable_docs" yaml:"enable_docs"`
	RateLimit           *RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	// AllowBackendOverride lets callers of /v1/run choose the backend per
	// request. Off by default.
	AllowBackendOverride bool `json:"allow_backend_override" yaml:"allow_backend_override"`
}

// RateLimitConfig limits /v1 requests per API key.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // Default: requests_per_minute
}

// Addr returns the listen address with a default of ":9560".
func (h *HTTPConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":9560"
}

// MaxBodyBytes returns the request size limit with a default of 10 MiB.
func (h *HTTPConfig) MaxBodyBytes() int64 {
	if h != nil && h.MaxRequestSizeBytes > 0 {
		return h.MaxRequestSizeBytes
	}
	return 10 << 20
}

// ObservabilityConfig configures metrics, tracing, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "coderunner"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures error-rate alerts over tool runs.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	MinSamples         int     `json:"min_samples" yaml:"min_samples"`                   // Default: 5
	Window             string  `json:"window" yaml:"window"`                             // Go duration. Default: 5m
}

// Default returns a configuration that works without any file or environment.
func Default() *Config {
	return &Config{
		StorageRoot:    execution.DefaultStorageRoot,
		Backend:        string(sandbox.BackendAuto),
		Probe:          "cli",
		DenoBinaryPath: deno.DefaultBinaryPath,
		UVBinaryPath:   python.DefaultUVBinaryPath,
		Image:          sandbox.DefaultImage,
		EngineBinary:   "docker",
		NodeLocation:   execution.DefaultNodeLocation().String(),
	}
}

// DefaultConfigPath returns the default config file path (~/.coderunner/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "coderunner.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".coderunner", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Values absent from the file keep their Default value, and
// environment variables take precedence over both. An empty path loads the
// defaults and the environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}

		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}

		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides file values with CODERUNNER_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("CODERUNNER_STORAGE_ROOT"); v != "" {
		c.StorageRoot = v
	}
	if v := os.Getenv("CODERUNNER_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := os.Getenv("CODERUNNER_DENO_BINARY"); v != "" {
		c.DenoBinaryPath = v
	}
	if v := os.Getenv("CODERUNNER_UV_BINARY"); v != "" {
		c.UVBinaryPath = v
	}
	if v := os.Getenv("CODERUNNER_IMAGE"); v != "" {
		c.Image = v
	}
	if v := os.Getenv("CODERUNNER_NODE_LOCATION"); v != "" {
		c.NodeLocation = v
	}
	if v := os.Getenv("CODERUNNER_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Driver == "" {
			c.Storage.Driver = "postgres"
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("CODERUNNER_REDIS_ADDR"); v != "" {
		if c.LogStream == nil {
			c.LogStream = &LogStreamConfig{}
		}
		if c.LogStream.Redis == nil {
			c.LogStream.Redis = &RedisConfig{}
		}
		c.LogStream.Redis.Addr = v
	}
	if v := os.Getenv("CODERUNNER_API_KEY"); v != "" {
		if c.HTTP == nil {
			c.HTTP = &HTTPConfig{}
		}
		c.HTTP.APIKeys = append(c.HTTP.APIKeys, v)
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ExecutionTimeout returns the default run timeout; zero means none.
func (c *Config) ExecutionTimeout() time.Duration {
	if c.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// BackendMode returns the parsed backend, defaulting to auto.
func (c *Config) BackendMode() sandbox.Backend {
	b, err := sandbox.ParseBackend(c.Backend)
	if err != nil {
		return sandbox.BackendAuto
	}
	return b
}

// Location returns the parsed node location, defaulting to
// execution.DefaultNodeLocation.
func (c *Config) Location() execution.NodeLocation {
	if c.NodeLocation == "" {
		return execution.DefaultNodeLocation()
	}
	loc, err := execution.ParseNodeLocation(c.NodeLocation)
	if err != nil {
		return execution.DefaultNodeLocation()
	}
	return loc
}

// ResolvedStorageRoot returns the storage root, resolving ~ if needed.
func (c *Config) ResolvedStorageRoot() string {
	root := c.StorageRoot
	if root == "" {
		root = execution.DefaultStorageRoot
	}
	resolved, err := resolvePath(root)
	if err != nil {
		return root
	}
	return resolved
}

// StorageDriverName returns the effective history driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

// DatabasePath returns the SQLite history path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedStorageRoot(), "history.db")
}

func (c *Config) validate() error {
	if _, err := sandbox.ParseBackend(c.Backend); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	switch c.Probe {
	case "", "cli", "api":
	default:
		return fmt.Errorf("probe %q is not supported (use cli or api)", c.Probe)
	}
	if c.NodeLocation != "" {
		if _, err := execution.ParseNodeLocation(c.NodeLocation); err != nil {
			return err
		}
	}
	if c.Image != "" {
		if _, err := name.ParseReference(c.Image); err != nil {
			return fmt.Errorf("image %q is not a valid reference: %w", c.Image, err)
		}
	}
	if c.Timeout != "" {
		d, err := time.ParseDuration(c.Timeout)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("timeout must not be negative")
		}
	}
	// Storage driver validation.
	switch c.StorageDriverName() {
	case "sqlite", "none":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set CODERUNNER_DB_DSN)")
		}
		if lt := c.Storage.Postgres.ConnMaxLifetime; lt != "" {
			if _, err := time.ParseDuration(lt); err != nil {
				return fmt.Errorf("storage.postgres.conn_max_lifetime: %w", err)
			}
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres or none)", c.Storage.Driver)
	}
	if c.HTTP != nil && c.HTTP.RateLimit != nil {
		if c.HTTP.RateLimit.RequestsPerMinute < 0 || c.HTTP.RateLimit.BurstSize < 0 {
			return fmt.Errorf("http.rate_limit values must not be negative")
		}
	}
	if c.LogStream != nil && c.LogStream.Redis != nil && c.LogStream.Redis.Addr == "" {
		return fmt.Errorf("log_stream.redis.addr is required when redis is configured")
	}
	if c.Janitor != nil {
		if _, err := cron.ParseStandard(c.Janitor.Spec()); err != nil {
			return fmt.Errorf("janitor.schedule %q: %w", c.Janitor.Schedule, err)
		}
		if c.Janitor.MaxAge != "" {
			d, err := time.ParseDuration(c.Janitor.MaxAge)
			if err != nil {
				return fmt.Errorf("janitor.max_age: %w", err)
			}
			if d <= 0 {
				return fmt.Errorf("janitor.max_age must be positive")
			}
		}
	}
	if o := c.Observability; o != nil {
		if o.Tracing != nil && o.Tracing.Enabled {
			switch o.Tracing.Protocol {
			case "", "grpc", "http":
			default:
				return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", o.Tracing.Protocol)
			}
		}
		if o.Anomaly != nil && o.Anomaly.Window != "" {
			if _, err := time.ParseDuration(o.Anomaly.Window); err != nil {
				return fmt.Errorf("observability.anomaly.window: %w", err)
			}
		}
	}
	return nil
}
