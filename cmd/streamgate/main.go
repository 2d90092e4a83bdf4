// Package main implements the entry point for the StreamGate gateway: the
// WebSocket edge that delivers sequenced platform events to connected clients.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/streamgate/config"
	"github.com/c360/streamgate/gateway"
	"github.com/c360/streamgate/health"
	"github.com/c360/streamgate/ingest"
	"github.com/c360/streamgate/metric"
	"github.com/c360/streamgate/natsclient"
	"github.com/c360/streamgate/pkg/retry"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "streamgate"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting StreamGate",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	logger = logger.With(
		"org", cfg.Platform.Org,
		"deployment", cfg.Platform.ID,
	)
	if cfg.Platform.InstanceID != "" {
		logger = logger.With("instance", cfg.Platform.InstanceID)
	}
	if cfg.Platform.Environment != "" {
		logger = logger.With("environment", cfg.Platform.Environment)
	}
	slog.SetDefault(logger)

	return runGateway(cfg, logger, cliCfg.ShutdownTimeout)
}

// runGateway wires the components together and runs until a signal arrives.
// Startup order is ops surface, NATS, bus, gateway, ingest; shutdown walks
// the same chain in reverse so no component loses a dependency while live.
func runGateway(cfg *config.Config, logger *slog.Logger, shutdownTimeout time.Duration) error {
	ctx := context.Background()

	metricsRegistry := metric.NewMetricsRegistry()
	healthMonitor := health.NewMonitor()

	opsServer := metric.NewServer(cfg.Ops.Addr, cfg.Ops.MetricsPath, metricsRegistry, healthMonitor)
	go func() {
		if err := opsServer.Start(); err != nil {
			slog.Error("ops server failed", "error", err)
		}
	}()
	defer func() { _ = opsServer.Stop(5 * time.Second) }()
	slog.Info("Ops server listening", "addr", cfg.Ops.Addr, "metrics_path", cfg.Ops.MetricsPath)

	natsClient, err := buildNATSClient(cfg, metricsRegistry, logger, healthMonitor)
	if err != nil {
		return err
	}

	slog.Info("Connecting to NATS", "url", natsClient.URL())
	if err := retry.Do(ctx, retry.Quick(), func() error {
		return natsClient.Connect(ctx)
	}); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = natsClient.Close(closeCtx)
	}()
	healthMonitor.UpdateHealthy("natsclient", "connected")

	registry := gateway.NewRegistry(cfg.Gateway.ResumeWindow)

	bus := gateway.NewBus(gateway.BusConfig{
		Registry:        registry,
		SlowConsumer:    cfg.Gateway.SlowConsumer,
		MetricsRegistry: metricsRegistry,
		Logger:          logger,
	})

	server, err := gateway.NewServer(gateway.ServerConfig{
		Gateway:         cfg.Gateway,
		Registry:        registry,
		MetricsRegistry: metricsRegistry,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("create gateway server: %w", err)
	}

	eventIngest, err := ingest.New(ingest.Config{
		Client:          natsClient,
		Bus:             bus,
		SubjectPrefix:   cfg.EventSubjectPrefix(),
		MetricsRegistry: metricsRegistry,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("create ingest: %w", err)
	}

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := bus.Start(signalCtx); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}
	healthMonitor.UpdateHealthy("bus", "publish worker running")

	if err := server.Initialize(); err != nil {
		return fmt.Errorf("initialize gateway server: %w", err)
	}
	if err := server.Start(signalCtx); err != nil {
		return fmt.Errorf("start gateway server: %w", err)
	}
	healthMonitor.UpdateHealthy("gateway", "accepting connections")
	slog.Info("Gateway listening", "addr", server.Addr(), "path", cfg.Gateway.Path)

	if err := eventIngest.Initialize(); err != nil {
		return fmt.Errorf("initialize ingest: %w", err)
	}
	if err := eventIngest.Start(signalCtx); err != nil {
		return fmt.Errorf("start ingest: %w", err)
	}
	healthMonitor.UpdateHealthy("ingest", "subscribed")

	slog.Info("StreamGate started")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	var shutdownErr error
	if err := eventIngest.Stop(shutdownTimeout); err != nil {
		slog.Error("ingest stop failed", "error", err)
		shutdownErr = err
	}
	if err := server.Stop(shutdownTimeout); err != nil {
		slog.Error("gateway stop failed", "error", err)
		shutdownErr = err
	}
	if err := bus.Stop(shutdownTimeout); err != nil {
		slog.Error("bus stop failed", "error", err)
		shutdownErr = err
	}

	if shutdownErr != nil {
		return fmt.Errorf("graceful shutdown failed: %w", shutdownErr)
	}

	slog.Info("StreamGate shutdown complete")
	return nil
}

// buildNATSClient creates the NATS client from configuration
func buildNATSClient(
	cfg *config.Config,
	metricsRegistry *metric.MetricsRegistry,
	logger *slog.Logger,
	healthMonitor *health.Monitor,
) (*natsclient.Client, error) {
	natsURL := "nats://localhost:4222"
	if envURL := os.Getenv("STREAMGATE_NATS_URLS"); envURL != "" {
		natsURL = envURL
	} else if len(cfg.NATS.URLs) > 0 {
		natsURL = cfg.NATS.URLs[0]
	}

	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(metricsRegistry),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				healthMonitor.UpdateHealthy("natsclient", "connected")
			} else {
				healthMonitor.UpdateUnhealthy("natsclient", "connection lost")
			}
		}),
	}
	if cfg.NATS.MaxReconnects != 0 {
		opts = append(opts, natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects))
	}
	if cfg.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.NATS.ReconnectWait))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	client, err := natsclient.NewClient(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}
	return client, nil
}

// loadConfig loads configuration from the specified file path
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	cfg, err := loader.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
