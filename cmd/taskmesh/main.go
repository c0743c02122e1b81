// Package main implements the entry point for the taskmesh node daemon.
// Taskmesh is a distributed object store and task execution runtime with
// locality-aware scheduling and a supervised actor layer.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/taskmesh/config"
	"github.com/c360/taskmesh/health"
	"github.com/c360/taskmesh/metric"
	taskruntime "github.com/c360/taskmesh/runtime"
	"github.com/c360/taskmesh/transport/natstransport"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "taskmesh"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	// Run application with proper error handling
	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	// Parse and validate CLI flags
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	// Load and validate configuration
	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	// Flag overrides win over the config file for logging, so rebuild the
	// logger once the effective level and format are known.
	logger = reconcileLogger(cliCfg, cfg)

	// Assemble the runtime with its transport and metrics
	rt, natsClient, metricsRegistry, err := setupRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Shutdown()

	// Health monitoring and HTTP surfaces
	ctx := context.Background()
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	monitor := setupHealth(cfg, logger, rt, natsClient)
	if monitor != nil {
		go monitor.Run(signalCtx, cfg.Health.Interval.Std())
	}

	servers := startHTTPServers(cfg, metricsRegistry, monitor)
	defer stopHTTPServers(servers, cliCfg.ShutdownTimeout)

	slog.Info("Taskmesh started",
		"cluster", cfg.Cluster.Name,
		"nodes", len(cfg.Cluster.Nodes),
		"workers", len(cfg.Workers()))

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")
	return nil
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting taskmesh (distributed object store and task runtime)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// initializeConfiguration loads and validates configuration
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// reconcileLogger applies CLI logging overrides on top of the config file
// settings and installs the resulting logger as the default.
func reconcileLogger(cliCfg *CLIConfig, cfg *config.Config) *slog.Logger {
	level := cfg.Logging.Level
	format := cfg.Logging.Format
	if cliCfg.LogLevel != "" {
		level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		format = cliCfg.LogFormat
	}

	rebuilt := setupLogger(level, format)
	slog.SetDefault(rebuilt)
	return rebuilt
}

// setupRuntime builds the transport, metrics registry and runtime. The NATS
// client is nil when the loopback transport is in use.
func setupRuntime(
	cfg *config.Config,
	logger *slog.Logger,
) (*taskruntime.Runtime, *natstransport.Client, *metric.MetricsRegistry, error) {
	metricsRegistry := metric.NewMetricsRegistry()

	opts := []taskruntime.Option{
		taskruntime.WithLogger(logger),
		taskruntime.WithMetricsRegistry(metricsRegistry),
	}

	var natsClient *natstransport.Client
	if cfg.Transport.NATS.Enabled {
		client, err := connectNATS(cfg.Transport.NATS, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		natsClient = client
		opts = append(opts, taskruntime.WithTransport(natsClient))
	}

	rt, err := taskruntime.New(cfg, opts...)
	if err != nil {
		if natsClient != nil {
			_ = natsClient.Close()
		}
		return nil, nil, nil, fmt.Errorf("create runtime: %w", err)
	}

	return rt, natsClient, metricsRegistry, nil
}

// connectNATS builds the NATS transport from configuration
func connectNATS(natsCfg config.NATSConfig, logger *slog.Logger) (*natstransport.Client, error) {
	slog.Info("Connecting to NATS", "urls", natsCfg.URLs)

	var opts []natstransport.Option
	if natsCfg.MaxReconnects != 0 || natsCfg.ReconnectWait != 0 {
		wait := natsCfg.ReconnectWait.Std()
		if wait == 0 {
			wait = 2 * time.Second
		}
		opts = append(opts, natstransport.WithReconnect(natsCfg.MaxReconnects, wait))
	}
	if natsCfg.Username != "" {
		opts = append(opts, natstransport.WithUserPass(natsCfg.Username, natsCfg.Password))
	}
	if natsCfg.Token != "" {
		opts = append(opts, natstransport.WithToken(natsCfg.Token))
	}

	client, err := natstransport.New(strings.Join(natsCfg.URLs, ","), logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return client, nil
}

// setupHealth registers checkers for the scheduler, every node store and the
// NATS connection when present. Returns nil when health is disabled.
func setupHealth(
	cfg *config.Config,
	logger *slog.Logger,
	rt *taskruntime.Runtime,
	natsClient *natstransport.Client,
) *health.Monitor {
	if !cfg.Health.Enabled {
		return nil
	}

	monitor := health.NewMonitor(logger)
	monitor.Register(health.SchedulerChecker{
		Scheduler:  rt.Scheduler(),
		QueueLimit: cfg.Scheduler.QueueLimit,
	})
	for _, ns := range rt.NodeStores() {
		monitor.Register(health.NodeStoreChecker{Store: ns})
	}
	if natsClient != nil {
		monitor.Register(health.ConnChecker{CheckerName: "nats", Conn: natsClient})
	}

	slog.Info("Health monitoring enabled",
		"checkers", monitor.Count(),
		"interval", cfg.Health.Interval.Std())
	return monitor
}

// startHTTPServers starts the metrics and health endpoints that are enabled
// in configuration.
func startHTTPServers(
	cfg *config.Config,
	metricsRegistry *metric.MetricsRegistry,
	monitor *health.Monitor,
) []*http.Server {
	var servers []*http.Server

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(
			metricsRegistry.PrometheusRegistry(),
			promhttp.HandlerOpts{},
		))
		servers = append(servers, serveHTTP("metrics", cfg.Metrics.Listen, mux))
	}

	if cfg.Health.Enabled && monitor != nil {
		mux := http.NewServeMux()
		mux.Handle("/healthz", health.Handler(monitor, appName))
		servers = append(servers, serveHTTP("health", cfg.Health.Listen, mux))
	}

	return servers
}

// serveHTTP starts an HTTP server in the background
func serveHTTP(name, listen string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "name", name, "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "name", name, "addr", listen, "error", err)
		}
	}()
	return srv
}

// stopHTTPServers shuts down HTTP servers with a shared timeout
func stopHTTPServers(servers []*http.Server, timeout time.Duration) {
	if len(servers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("HTTP server shutdown error", "addr", srv.Addr, "error", err)
		}
	}
}
