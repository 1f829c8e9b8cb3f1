package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sinkhole-dns/pkg/config"
	"sinkhole-dns/pkg/dns"
	"sinkhole-dns/pkg/forwarder"
	"sinkhole-dns/pkg/logging"
	"sinkhole-dns/pkg/stats"
	"sinkhole-dns/pkg/storage"
	"sinkhole-dns/pkg/telemetry"
)

var (
	configPath = flag.String("config", "config.yml", "Path to configuration file")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	// Parse configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	defer func() { _ = logger.Close() }()

	logger.Info("Sinkhole DNS starting",
		"version", version,
		"build_time", buildTime,
		"daemon_id", cfg.DaemonID,
	)

	watcher, err := config.NewWatcher(*configPath, logger.Logger)
	if err != nil {
		logger.Error("Failed to start config watcher", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, watcher, logger); err != nil {
		logger.Error("Sinkhole DNS failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, watcher *config.Watcher, logger *logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize telemetry
	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	// Initialize metrics
	metrics, err := telem.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	// Open the rule store
	store, err := storage.New(ctx, &cfg.Storage, logger.WithField("component", "storage").Logger)
	if err != nil {
		return fmt.Errorf("failed to open rule store at %s: %w", cfg.Storage.Address(), err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Error closing rule store", "error", err)
		}
	}()
	telem.Serve(store)

	// Store values override the file when present
	serverCfg := cfg.Server
	upstreams := cfg.UpstreamDNSServers
	storeUpstreams := false
	if dc, err := store.DaemonConfig(ctx, cfg.DaemonID); err != nil {
		logger.Warn("Failed to read daemon config from store, using file values", "error", err)
	} else {
		if len(dc.Binds) > 0 {
			serverCfg.ListenAddresses = dc.Binds
		}
		if len(dc.Forwarders) > 0 {
			upstreams = dc.Forwarders
			storeUpstreams = true
		}
	}

	fwd := forwarder.NewForwarder(&cfg.Forwarder, upstreams, logger.WithField("component", "forwarder"))

	handler := dns.NewHandler(dns.Context{
		Matchclasses: cfg.Matchclasses,
		Store:        store,
		Resolver:     fwd,
		Synthesizer:  dns.NewSynthesizer(cfg.Sinkhole.SRVTarget),
		Parallel:     cfg.Matching.Parallel,
	}, logger)
	handler.SetMetrics(metrics)
	handler.SetTracerProvider(telem.TracerProvider())

	var recorder *stats.Recorder
	if cfg.Stats.Enabled {
		recorder = stats.NewRecorder(cfg.DaemonID, store, &cfg.Stats, logger.WithField("component", "stats"), metrics)
		handler.SetStats(recorder)
	}

	server := dns.NewServer(&serverCfg, handler, logger, metrics)

	watcher.OnChange(func(old, next *config.Config) {
		delta := config.Diff(old, next)
		if delta.LogLevel {
			logger.SetLevel(next.Logging.Level)
			logger.Info("Log level updated", "level", next.Logging.Level)
		}
		if delta.Upstreams {
			if storeUpstreams {
				logger.Info("Ignoring upstream change, forwarders come from the rule store")
			} else {
				fwd.SetUpstreams(next.UpstreamDNSServers)
			}
		}
		if delta.Forwarder {
			delta.Restart = append(delta.Restart, "forwarder")
		}
		if len(delta.Restart) > 0 {
			logger.Warn("Config changes take effect after restart", "sections", delta.Restart)
		}
	})
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.Error("Config watcher failed", "error", err)
		}
	}()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start server in background
	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(serverCtx); err != nil {
			errChan <- err
		}
	}()

	logger.Info("Sinkhole DNS server is running",
		"addresses", serverCfg.ListenAddresses,
		"upstreams", fwd.Upstreams(),
		"matchclasses", cfg.Matchclasses,
	)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case runErr = <-errChan:
	}
	serverCancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", "error", err)
	}
	if recorder != nil {
		_ = recorder.Close()
	}
	if circuits := fwd.Health(); len(circuits) > 0 {
		logger.Info("Upstream circuits at shutdown", "circuits", circuits)
	}
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}

	logger.Info("Sinkhole DNS stopped")
	return runErr
}
