package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/coderunner/internal/config"
	"github.com/jkaninda/coderunner/internal/logstream"
	"github.com/jkaninda/coderunner/internal/observability"
	"github.com/jkaninda/coderunner/internal/sandbox"
	"github.com/jkaninda/coderunner/internal/storage"
	"github.com/jkaninda/coderunner/internal/storage/postgres"
	"github.com/jkaninda/coderunner/internal/storage/sqlite"
	"github.com/jkaninda/coderunner/internal/tool"
)

// SharedComponents holds everything the subcommands have in common.
type SharedComponents struct {
	Config  *config.Config
	Logger  *slog.Logger
	Obs     *observability.Observability
	Store   storage.Store // nil when history is disabled.
	Probe   sandbox.Probe
	Runtime *tool.Runtime
	Service tool.Service
	Hub     *logstream.Hub
	Redis   *logstream.RedisPublisher // nil unless log_stream.redis is set.

	cleanups []func()
}

// Close releases resources in reverse order of acquisition.
func (sc *SharedComponents) Close() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

// sharedOptions selects the optional parts of initShared.
type sharedOptions struct {
	history bool // Open the execution store.
	publish bool // Set up the hub and the Redis publisher.
}

// loadConfig reads the config file named by CODERUNNER_CONFIG or
// --config-file. A missing file at the default path yields the defaults.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("CODERUNNER_CONFIG", configPath)
	if path == "" {
		path = config.DefaultConfigPath()
	}
	if path == config.DefaultConfigPath() {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return config.Load("")
		}
	}
	return config.Load(path)
}

// initShared loads the config and builds the tool service with its
// supporting infrastructure.
func initShared(ctx context.Context, opts sharedOptions) (*SharedComponents, error) {
	logger, err := newLogger(logLevel)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	sc := &SharedComponents{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			sc.Close()
		}
	}()

	obs, err := observability.New(cfg.Observability, version, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.cleanups = append(sc.cleanups, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})

	if opts.history {
		store, err := initStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		if store != nil {
			sc.Store = store
			sc.cleanups = append(sc.cleanups, func() { _ = store.Close() })
		}
	}

	sc.Probe = obs.WrapProbe(initProbe(cfg, logger))

	var publisher tool.OutputPublisher
	if opts.publish {
		bufferSize := 0
		if cfg.LogStream != nil {
			bufferSize = cfg.LogStream.BufferSize
		}
		sc.Hub = logstream.NewHub(bufferSize, logger)

		if cfg.LogStream != nil && cfg.LogStream.Redis != nil {
			rp, err := logstream.NewRedisPublisher(ctx, cfg.LogStream.Redis, logger)
			if err != nil {
				return nil, err
			}
			sc.Redis = rp
			sc.cleanups = append(sc.cleanups, func() { _ = rp.Close() })
			logger.Info("redis log publisher enabled", slog.String("addr", cfg.LogStream.Redis.Addr))
		}
		if sc.Redis != nil {
			publisher = logstream.Multi(sc.Hub, sc.Redis)
		} else {
			publisher = sc.Hub
		}
	}

	sc.Runtime = initRuntime(cfg, obs, sc.Probe, publisher, logger)

	var svc tool.Service = sc.Runtime
	if sc.Store != nil {
		svc = tool.WithHistory(svc, sc.Store, logger)
	}
	sc.Service = obs.WrapService(svc)

	registerHealthChecks(sc)

	ok = true
	return sc, nil
}

// initRuntime wires the host and container sandboxes into a tool runtime.
func initRuntime(cfg *config.Config, obs *observability.Observability, probe sandbox.Probe, publisher tool.OutputPublisher, logger *slog.Logger) *tool.Runtime {
	host := obs.WrapSandbox(sandbox.NewExecutor(logger), sandbox.BackendHost)
	engine := obs.WrapSandbox(sandbox.NewExecutor(logger), sandbox.BackendContainer)
	launcher := sandbox.NewContainerLauncher(sandbox.ContainerConfig{
		Engine: cfg.EngineBinary,
		Image:  cfg.Image,
	}, engine, logger)

	opts := []tool.Option{
		tool.WithLogger(logger),
		tool.WithProbe(probe),
		tool.WithExecutor(host),
		tool.WithContainerLauncher(launcher),
	}
	if publisher != nil {
		opts = append(opts, tool.WithPublisher(publisher))
	}

	return tool.NewRuntime(tool.Settings{
		DenoBinaryPath: cfg.DenoBinaryPath,
		UVBinaryPath:   cfg.UVBinaryPath,
		StorageRoot:    cfg.ResolvedStorageRoot(),
		Backend:        cfg.BackendMode(),
		NodeLocation:   cfg.Location(),
		DefaultTimeout: cfg.ExecutionTimeout(),
	}, opts...)
}

// initProbe selects the engine probe: the CLI ("docker info") by default,
// or the daemon API.
func initProbe(cfg *config.Config, logger *slog.Logger) sandbox.Probe {
	if cfg.Probe == "api" {
		return sandbox.NewAPIProbe(logger)
	}
	return sandbox.NewCLIProbe(logger, sandbox.WithEngineBinary(cfg.EngineBinary))
}

// initStore opens the execution history backend. It returns nil when the
// driver is "none".
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageDriverName() {
	case storage.DriverNone:
		logger.Info("execution history disabled")
		return nil, nil
	case storage.DriverPostgres:
		return initPostgresStore(ctx, cfg, logger)
	default:
		return initSQLiteStore(ctx, cfg, logger)
	}
}

func initSQLiteStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var journalMode string
	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	store, err := sqlite.Open(sqlite.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrating sqlite store: %w", err)
	}
	return store, nil
}

func initPostgresStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pgCfg := cfg.Storage.Postgres
	var lifetime time.Duration
	if pgCfg.ConnMaxLifetime != "" {
		d, err := time.ParseDuration(pgCfg.ConnMaxLifetime)
		if err != nil {
			return nil, fmt.Errorf("storage.postgres.conn_max_lifetime: %w", err)
		}
		lifetime = d
	}
	db, err := postgres.Open(postgres.Config{
		DSN:             pgCfg.DSN,
		MaxOpenConns:    pgCfg.MaxOpenConns,
		MaxIdleConns:    pgCfg.MaxIdleConns,
		ConnMaxLifetime: lifetime,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres store: %w", err)
	}
	store := postgres.NewStore(db)
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return store, nil
}

// registerHealthChecks adds the readiness checks behind /readyz.
func registerHealthChecks(sc *SharedComponents) {
	health := sc.Obs.Health
	if sc.Store != nil {
		health.AddCheck("store", sc.Store.Ping)
	}
	if sc.Redis != nil {
		health.AddCheck("redis", sc.Redis.Ping)
	}
	backend := sc.Config.BackendMode()
	probe := sc.Probe
	engine := func(ctx context.Context) error {
		if availability := probe.Probe(ctx); availability != sandbox.Running {
			return fmt.Errorf("container engine is %s", availability)
		}
		return nil
	}
	// Only a forced container backend needs the engine; auto falls back to host.
	if backend == sandbox.BackendContainer {
		health.AddCheck("engine", engine)
	} else {
		health.AddOptionalCheck("engine", engine)
	}
}
