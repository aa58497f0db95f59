package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus/internal/broadcast"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/coordinator"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/orchestrator"
	"github.com/haasonsaas/nexus/internal/orchestrator/providers"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/internal/transport/http"
	"github.com/haasonsaas/nexus/internal/transport/ipc"
	"github.com/haasonsaas/nexus/internal/transport/ws"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator daemon",
		Long: `Start the daemon that drives works through the Agent Loop.

The daemon loads configuration, builds one provider adapter per configured
provider, and serves:
  - a REST API for creating works and posting messages
  - a WebSocket push channel for streaming assistant output
  - a local Unix-domain-socket IPC protocol for the CLI`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	defer closeStore()

	bus := broadcast.New()
	providerSet := buildProviders(cfg)
	if len(providerSet) == 0 {
		logger.Warn("no providers configured; works will fail to start a session until providers.<name>.api_key is set")
	}

	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "nexus",
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.EnableInsecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("tracer shutdown failed", "error", err)
		}
	}()
	coord := coordinator.New(store, bus, providerSet, cfg).WithMetrics(metrics).WithTracer(tracer)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if configPath != "" {
		startConfigReload(ctx, configPath, logger, coord)
	}

	httpServer := &nethttp.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler: withWebSocket(http.New(coord, store, logger), ws.New(bus, logger)),
	}

	if cfg.Server.MetricsPort != 0 {
		metricsServer := &nethttp.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
			Handler: promhttp.Handler(),
		}
		go func() {
			logger.Info("serving metrics", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	ipcServer := ipc.New(coord, store, logger)
	if cfg.Server.IPCSocket != "" {
		if err := ipcServer.Listen(cfg.Server.IPCSocket); err != nil {
			return fmt.Errorf("listen ipc socket: %w", err)
		}
		go func() {
			if err := ipcServer.Serve(); err != nil {
				logger.Error("ipc server stopped", "error", err)
			}
		}()
		defer ipcServer.Close()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving http", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Limits.TurnDeadline)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// startConfigReload rebuilds the provider set whenever configPath changes
// on disk or the process receives SIGHUP, so rotating a provider's
// api_key takes effect without restarting the daemon (spec §7).
func startConfigReload(ctx context.Context, configPath string, logger *slog.Logger, coord *coordinator.Coordinator) {
	changed, err := config.Watch(ctx, configPath)
	if err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
		changed = nil
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	reload := func(trigger string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			logger.Error("config reload failed", "trigger", trigger, "error", err)
			return
		}
		coord.UpdateProviders(buildProviders(cfg))
		logger.Info("providers reloaded", "trigger", trigger)
	}

	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changed:
				if !ok {
					changed = nil
					continue
				}
				reload("file change")
			case <-hup:
				reload("sighup")
			}
		}
	}()
}

// buildStore opens the durable Postgres-backed Conversation Store when
// cfg.Database.URL is set, otherwise falls back to the in-memory store
// (single-process local runs, per spec §9).
func buildStore(ctx context.Context, cfg *config.Config) (sessions.Store, func(), error) {
	if cfg.Database.URL == "" {
		return sessions.NewMemoryStore(), func() {}, nil
	}
	store, err := sessions.NewPostgresStore(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func buildProviders(cfg *config.Config) map[string]orchestrator.Provider {
	out := make(map[string]orchestrator.Provider)
	for name, p := range cfg.Providers {
		if p.APIKey == "" {
			continue
		}
		switch name {
		case "anthropic":
			out[name] = providers.NewAnthropicProvider(providers.AnthropicConfig{
				APIKey: p.APIKey, BaseURL: p.BaseURL, DefaultModel: cfg.Defaults.Model,
			})
		case "openai":
			out[name] = providers.NewOpenAIProviderWithConfig(providers.OpenAIConfig{
				APIKey: p.APIKey, BaseURL: p.BaseURL, Legacy: p.Legacy,
			})
		}
	}
	return out
}

// withWebSocket mounts the streaming handler alongside the REST routes on
// one mux, since both share the HTTP listener.
func withWebSocket(rest *http.Server, stream *ws.Handler) nethttp.Handler {
	mux := nethttp.NewServeMux()
	mux.HandleFunc("GET /ws/sessions/{id}", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		stream.ServeHTTP(w, r)
	})
	mux.Handle("/", rest)
	return mux
}
