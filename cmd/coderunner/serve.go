package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/coderunner/internal/gateway/httpapi"
	"github.com/jkaninda/coderunner/internal/gateway/ws"
	"github.com/jkaninda/coderunner/internal/ratelimit"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and the live log stream",
	Long: `serve exposes tool runs over HTTP (/v1/run, /v1/check, /v1/definition), the execution
history, guest output over WebSocket (/v1/executions/{id}/logs), and health and metrics
endpoints. The janitor sweeps stale storage on its schedule while the server runs.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (default from config, :9560)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, sharedOptions{history: true, publish: true})
	if err != nil {
		return err
	}
	defer sc.Close()

	cfg := sc.Config
	logger := sc.Logger

	if cfg.Janitor == nil || cfg.Janitor.Enabled {
		stopJanitor, err := newJanitor(sc).Start(ctx)
		if err != nil {
			return err
		}
		defer stopJanitor()
	}

	addr := cfg.HTTP.Addr()
	if serveListen != "" {
		addr = serveListen
	}
	var (
		apiKeys       []string
		enableDocs    bool
		allowOverride bool
	)
	if cfg.HTTP != nil {
		apiKeys = cfg.HTTP.APIKeys
		enableDocs = cfg.HTTP.EnableDocs
		allowOverride = cfg.HTTP.AllowBackendOverride
	}

	gwCfg := httpapi.Config{
		ListenAddr:     addr,
		EnableDocs:     enableDocs,
		APIKeys:        apiKeys,
		MaxRequestSize: cfg.HTTP.MaxBodyBytes(),
		Version:        version,
		HealthChecker:  sc.Obs.Health,

		AllowBackendOverride: allowOverride,
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		gwCfg.Metrics = m
		gwCfg.MetricsRegistry = m.Registry
		if cfg.Observability != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		}
	}
	if t := sc.Obs.TracerOrNil(); t != nil {
		gwCfg.Tracer = t.Tracer()
	}

	logs := ws.NewServer(sc.Hub, apiKeys, logger.With(slog.String("component", "ws")))

	gw := httpapi.NewGateway(gwCfg, sc.Service, logger.With(slog.String("component", "httpapi"))).
		WithHandler(logs.Pattern(), logs.Handler())
	if sc.Store != nil {
		gw = gw.WithHistory(sc.Store)
	}
	if cfg.HTTP != nil && cfg.HTTP.RateLimit != nil {
		gw = gw.WithRateLimiter(ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.HTTP.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.HTTP.RateLimit.BurstSize,
		}))
	}
	if len(apiKeys) == 0 {
		logger.Warn("no api keys configured, /v1 is unauthenticated")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start(ctx)
	}()

	logger.Info("coderunner serving",
		slog.String("addr", addr),
		slog.String("backend", cfg.Backend),
		slog.String("storage_root", cfg.ResolvedStorageRoot()),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http gateway: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("gateway shutdown error", slog.String("error", err.Error()))
	}
	return nil
}
