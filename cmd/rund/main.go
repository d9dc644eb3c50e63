// Rund is a run orchestration daemon.
//
// This binary starts the rund HTTP server with full service initialization,
// including NATS (external or embedded), the credit ledger, the work queue,
// the coordinator, worker pool, and autoscaling monitor.
//
// Configuration is loaded from a YAML file and environment variables. See
// internal/config for details.
//
// Usage:
//
//	# Start daemon with defaults (embedded NATS)
//	rund
//
//	# Configure via environment
//	SERVER_HTTP_PORT=9090 NATS_URL=nats://localhost:4222 rund
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rund/internal/artifact"
	"github.com/fyrsmithlabs/rund/internal/audit"
	"github.com/fyrsmithlabs/rund/internal/config"
	"github.com/fyrsmithlabs/rund/internal/engine"
	rundhttp "github.com/fyrsmithlabs/rund/internal/http"
	"github.com/fyrsmithlabs/rund/internal/idempotency"
	"github.com/fyrsmithlabs/rund/internal/ledger"
	"github.com/fyrsmithlabs/rund/internal/logging"
	"github.com/fyrsmithlabs/rund/internal/queue"
	"github.com/fyrsmithlabs/rund/internal/services"
	"github.com/fyrsmithlabs/rund/internal/store"
	"github.com/fyrsmithlabs/rund/internal/telemetry"
	"github.com/fyrsmithlabs/rund/internal/tool"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()
	args := flag.Args()

	// Handle subcommands
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  rund           Start the rund daemon\n")
			fmt.Fprintf(os.Stderr, "  rund version   Show version information\n")
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("rund by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the rund daemon and blocks until context is cancelled.
//
// This function initializes all dependencies and services:
//  1. Loads and validates configuration
//  2. Initializes telemetry and the structured logger
//  3. Starts or connects to NATS and binds JetStream resources
//  4. Creates the entity store, ledger, queue, and tool registry
//  5. Wires the coordinator, worker pool, and monitor
//  6. Starts the HTTP server
//  7. Performs graceful shutdown on context cancellation
//
// Returns http.ErrServerClosed on graceful shutdown.
func run(ctx context.Context, configPath string) error {
	// Load configuration
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Initialize telemetry
	tcfg := telemetry.NewDefaultConfig()
	tcfg.Enabled = cfg.Observability.EnableTelemetry
	tcfg.ServiceName = cfg.Observability.ServiceName
	tcfg.ServiceVersion = version
	if cfg.Observability.Endpoint != "" {
		tcfg.Endpoint = cfg.Observability.Endpoint
	}

	tel, err := telemetry.New(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	// Initialize logger
	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()
	zl := logger.Underlying()

	zl.Info("starting rund",
		zap.Int("port", cfg.Server.Port),
		zap.String("service", cfg.Observability.ServiceName),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	// Initialize infrastructure dependencies
	deps, err := initDependencies(cfg, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	zl.Info("dependencies initialized",
		zap.Bool("nats_embedded", deps.embedded != nil),
		zap.String("nats_url", deps.natsConn.ConnectedUrl()))

	// Wire the coordinator and its collaborators
	reg, err := initServices(cfg, deps, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	// Start the worker pool and monitor
	reg.Workers().Start(ctx)
	defer reg.Workers().Stop()

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		if err := reg.Monitor().Run(ctx); err != nil && ctx.Err() == nil {
			zl.Warn("monitor stopped", zap.Error(err))
		}
	}()
	defer func() { <-monitorDone }()

	// Reclaim expired artifacts in the background
	go func() {
		ticker := time.NewTicker(cfg.Artifacts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := reg.Artifacts().Sweep(ctx); err != nil {
					zl.Warn("artifact sweep failed", zap.Error(err))
				} else if n > 0 {
					zl.Info("artifact sweep reclaimed expired content", zap.Int("count", n))
				}
			}
		}
	}()

	// Create HTTP server
	srv, err := rundhttp.NewServer(reg, zl, &rundhttp.Config{
		Host: "0.0.0.0",
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	// Register metrics endpoint
	srv.Echo().GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	zl.Info("server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("api_prefix", "/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	// Start server (blocks until context cancellation)
	return srv.Serve(ctx, cfg.Server.ShutdownTimeout)
}

// dependencies holds all infrastructure dependencies.
type dependencies struct {
	embedded *natsserver.Server
	natsConn *nats.Conn
	js       nats.JetStreamContext
	logger   *zap.Logger
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.embedded != nil {
		d.embedded.Shutdown()
		d.embedded.WaitForShutdown()
	}
}

// initLogger initializes the structured logger, routed through the OTEL
// log provider when telemetry is enabled.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lcfg := logging.NewDefaultConfig()
	lcfg.Format = cfg.Logging.Format

	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	lcfg.Level = level

	if tel.IsEnabled() {
		lcfg.Output.OTEL = true
		return logging.NewLogger(lcfg, tel.LoggerProvider())
	}
	return logging.NewLogger(lcfg, nil)
}

// initDependencies starts or connects to NATS and binds JetStream.
//
// With NATS.Embedded set an in-process server is started; otherwise the
// configured URL is dialed. Either way the queue, ledger, artifact store,
// and audit trail all ride the resulting connection.
func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	var embedded *natsserver.Server
	url := cfg.NATS.URL

	if cfg.NATS.Embedded {
		storeDir := cfg.NATS.StoreDir
		if storeDir == "" {
			dir, err := os.MkdirTemp("", "rund-jetstream-*")
			if err != nil {
				return nil, fmt.Errorf("failed to create jetstream store dir: %w", err)
			}
			storeDir = dir
		}

		srv, err := natsserver.NewServer(&natsserver.Options{
			Host:      "127.0.0.1",
			Port:      -1, // Random port
			NoLog:     true,
			NoSigs:    true,
			JetStream: true,
			StoreDir:  storeDir,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
		}

		go srv.Start()
		if !srv.ReadyForConnections(10 * time.Second) {
			srv.Shutdown()
			return nil, fmt.Errorf("embedded NATS server not ready")
		}

		embedded = srv
		url = srv.ClientURL()
		logger.Info("embedded NATS server started",
			zap.String("url", url),
			zap.String("store_dir", storeDir))
	}

	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1 * time.Second),
	}
	if creds := cfg.NATS.Credentials.Value(); creds != "" {
		opts = append(opts, nats.UserCredentials(creds))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &dependencies{
		embedded: embedded,
		natsConn: nc,
		js:       js,
		logger:   logger,
	}, nil
}

// initServices wires the coordinator, worker pool, and monitor into a
// service registry.
func initServices(cfg *config.Config, deps *dependencies, logger *zap.Logger) (services.Registry, error) {
	// Work queue over JetStream
	q, err := queue.NewJetStream(deps.js, queue.Config{
		MaxDepth:   cfg.Queue.MaxDepth,
		MaxLeases:  cfg.Queue.MaxLeases,
		Visibility: cfg.Queue.Visibility,
		MaxRetries: cfg.Queue.MaxRetries,
		Retry: queue.RetryPolicy{
			BaseDelay:      cfg.Queue.RetryBaseDelay,
			MaxDelay:       cfg.Queue.RetryMaxDelay,
			JitterFraction: cfg.Queue.RetryJitterFraction,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create work queue: %w", err)
	}

	// Credit ledger over NATS KV
	kv, err := ledger.NewKVStore(deps.js)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger store: %w", err)
	}
	led, err := ledger.NewService(kv, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger service: %w", err)
	}

	// Artifact content over NATS ObjectStore
	artifacts, err := artifact.NewObjectStore(deps.js, cfg.Artifacts.TTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact store: %w", err)
	}

	// Tool registry with the default pipeline tool
	tools := tool.NewRegistry(tool.Config{
		InvokeTimeout: cfg.Tools.InvokeTimeout,
		CancelGrace:   cfg.Tools.CancelGrace,
	}, logger)
	registerBuiltinTools(tools)

	st := store.NewMemory()
	idem := idempotency.New(cfg.Idempotency.MaxEntries, cfg.Idempotency.TTL)
	auditLog := audit.NewNATSLogger(deps.natsConn, logger)

	coord, err := engine.NewCoordinator(engine.Config{
		DefaultMaxAgents:       cfg.Engine.DefaultMaxAgents,
		DefaultMaxAttempts:     cfg.Engine.DefaultMaxAttempts,
		StepMaxAttempts:        cfg.Engine.StepMaxAttempts,
		DefaultWallClockBudget: cfg.Engine.DefaultWallClockBudget,
		CostPerStep:            cfg.Engine.CostPerStep,
		OrgMaxConcurrentTasks:  cfg.Engine.OrgMaxConcurrentTasks,
	}, engine.Options{
		Store:     st,
		Ledger:    led,
		Queue:     q,
		Tools:     tools,
		Artifacts: artifacts,
		Audit:     auditLog,
		Planner:   &engine.StaticPlanner{CostPerStep: cfg.Engine.CostPerStep},
		Idem:      idem,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	pool := engine.NewWorkerPool(engine.WorkerConfig{
		InitialWorkers: cfg.Worker.InitialWorkers,
		PollInterval:   cfg.Worker.PollInterval,
		Heartbeat:      cfg.Worker.Heartbeat,
	}, q, coord, logger)

	monitor := engine.NewMonitor(engine.MonitorConfig{
		Interval:      cfg.Monitor.Interval,
		HighWatermark: cfg.Monitor.HighWatermark,
		LowWatermark:  cfg.Monitor.LowWatermark,
		MinWorkers:    cfg.Monitor.MinWorkers,
		MaxWorkers:    cfg.Monitor.MaxWorkers,
	}, q, pool, coord, logger)

	return services.NewRegistry(services.Options{
		Store:       st,
		Ledger:      led,
		Queue:       q,
		Coordinator: coord,
		Workers:     pool,
		Monitor:     monitor,
		Tools:       tools,
		Artifacts:   artifacts,
		Audit:       auditLog,
		Idempotency: idem,
	}), nil
}

// registerBuiltinTools registers the tools every deployment carries.
// Deployments with domain tools register them here before startup.
func registerBuiltinTools(tools *tool.Registry) {
	// execute is the planner's default pipeline stage. It echoes its
	// input so a bare deployment produces inspectable artifacts.
	tools.Register("execute", tool.HandlerFunc(func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		out, err := json.Marshal(map[string]any{
			"input":       input,
			"executed_at": time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}))
}
