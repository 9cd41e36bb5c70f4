// Package main is the entry point for the robot command console server.
// It wires all internal packages together and runs the dispatch loop.
//
// Startup sequence:
//  1. Read configuration from the environment (APP_TOKEN is mandatory)
//  2. Build logger
//  3. Build core components: metrics, bus, store, registry, queue, validator
//  4. Build protocol adapters (HTTP, WebSocket, MQTT)
//  5. Start dispatch workers and background jobs
//  6. Bind the listener and print the supervisor handshake line
//  7. Block until SIGINT/SIGTERM, then graceful shutdown within the grace
//
// Exit codes: 0 clean shutdown, 1 startup or runtime failure, 2 missing or
// too-short APP_TOKEN.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/adapter"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/api"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/auth"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/bus"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/config"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/dispatch"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/metrics"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/queue"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/registry"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/scheduler"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/store"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/validate"
)

const serviceName = "robot-command-console"

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, config.ErrTokenMissing) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   serviceName,
		Short: "Robot command console — command middleware between operators and robots",
		Long: `The robot command console accepts commands over a REST API, validates
them, queues them per priority, and dispatches them to registered robots
over HTTP, WebSocket, or MQTT. Configuration comes entirely from the
environment; see the README for the variable list.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s (commit: %s, built: %s)\n", serviceName, version, commit, date)
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting robot command console",
		zap.String("version", version),
		zap.String("listen_addr", cfg.ListenAddr()),
		zap.Int("workers", cfg.MaxWorkers),
		zap.Int("queue_capacity", cfg.QueueMaxSize),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Core components ---
	m := metrics.New()
	b := bus.New(logger, m)
	bus.MirrorToLog(ctx, b, logger)
	st := store.New(cfg.StoreTTL(), logger)
	reg := registry.New(logger, b, m)
	q := queue.New(cfg.QueueMaxSize, logger, m)

	validator := validate.New(st, reg, validate.Options{
		StrictTarget:   cfg.StrictTargetCheck,
		DefaultTimeout: cfg.DefaultTimeout(),
		MaxRetries:     cfg.MaxRetries,
	}, logger)

	ready := &api.Readiness{}
	ready.SetQueueReady(true)
	ready.SetRegistryReady(true)

	// --- Protocol adapters ---
	// MQTT connects lazily on first dispatch, so registering it against a
	// broker that may not be running costs nothing until an MQTT robot is
	// actually targeted.
	adapters := adapter.NewRegistry(
		adapter.NewHTTP(logger.Named("adapter_http")),
		adapter.NewWS(logger.Named("adapter_ws")),
		adapter.NewMQTT(cfg.MQTTBrokerURL, logger.Named("adapter_mqtt")),
	)

	// --- Dispatch pool ---
	pool := dispatch.New(q, st, reg, adapters, b, m, logger, dispatch.Config{
		Workers:        cfg.MaxWorkers,
		PollInterval:   cfg.PollInterval(),
		DefaultTimeout: cfg.DefaultTimeout(),
	})

	// --- Background jobs ---
	sched, err := scheduler.New(reg, st, cfg.HeartbeatTimeout(), logger)
	if err != nil {
		return fmt.Errorf("failed to build scheduler: %w", err)
	}

	// --- HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Auth:      auth.New(cfg.Token, nil),
		Validator: validator,
		Queue:     q,
		Store:     st,
		Registry:  reg,
		Pool:      pool,
		Bus:       b,
		Metrics:   m,
		Readiness: ready,
		Logger:    logger,
		Service:   serviceName,
		Version:   version,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", cfg.ListenAddr(), err)
	}

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- Start ---
	pool.Start(ctx)
	ready.SetWorkersReady(true)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// The supervisor scans stdout for this line to detect readiness; keep it
	// outside the structured log stream.
	fmt.Printf("Running on http://%s\n", ln.Addr())
	logger.Info("http server listening", zap.String("addr", ln.Addr().String()))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		ready.SetShuttingDown()
		return fmt.Errorf("http server failed: %w", err)
	}

	// --- Graceful shutdown ---
	// One grace budget covers the HTTP server and the dispatch drain; the
	// health endpoint flips to 503 first so the supervisor stops probing.
	logger.Info("shutting down", zap.Duration("grace", cfg.ShutdownGrace()))
	ready.SetShuttingDown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown incomplete", zap.Error(err))
		_ = srv.Close()
	}

	pool.Drain(shutdownCtx)

	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler stop failed", zap.Error(err))
	}
	if err := adapters.Close(); err != nil {
		logger.Warn("adapter close failed", zap.Error(err))
	}
	b.Close()

	logger.Info("robot command console stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg.OutputPaths = []string{"stdout"}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.InitialFields = map[string]any{"service": serviceName}

	return cfg.Build()
}
