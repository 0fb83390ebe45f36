package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/agent/admin"
	"github.com/conductor-sh/conductor/internal/agent/client"
	"github.com/conductor-sh/conductor/internal/agent/probe"
	"github.com/conductor-sh/conductor/internal/agent/runtime"
	"github.com/conductor-sh/conductor/internal/agent/supervisor"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const exitConfigInvalid = 2

type config struct {
	conductorURL  string
	token         string
	adminPort     string
	stateDir      string
	logLevel      string
	pingInterval  int
	probeInterval int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Error())
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "conductor-agent",
		Short: "Worker agent that connects a host to the conductor",
		Long: `The agent registers its host with the conductor, heartbeats and reports
resource usage, and runs the deployment instructions the conductor pushes
through the container engine.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.conductorURL, "conductor-url", envOrDefault("CONDUCTOR_URL", ""), "Conductor WebSocket endpoint, e.g. ws://conductor:8080/workers (required)")
	root.PersistentFlags().StringVar(&cfg.token, "token", envOrDefault("CONDUCTOR_TOKEN", ""), "Registration token issued by the conductor (required)")
	root.PersistentFlags().StringVar(&cfg.adminPort, "port", envOrDefault("PORT", "9090"), "Local admin API port")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("CONDUCTOR_STATE_DIR", defaultStateDir()), "Directory where the worker identity is persisted")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CONDUCTOR_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&cfg.pingInterval, "heartbeat-interval", envIntOrDefault("HEARTBEAT_INTERVAL", 30), "Heartbeat cadence in seconds")
	root.PersistentFlags().IntVar(&cfg.probeInterval, "resource-check-interval", envIntOrDefault("RESOURCE_CHECK_INTERVAL", 60), "Resource sampling cadence in seconds")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conductor-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.conductorURL == "" {
		return &exitError{exitConfigInvalid, errors.New(
			"conductor URL is required: set --conductor-url or CONDUCTOR_URL")}
	}
	if cfg.token == "" {
		return &exitError{exitConfigInvalid, errors.New(
			"registration token is required: set --token or CONDUCTOR_TOKEN")}
	}
	if cfg.pingInterval <= 0 || cfg.probeInterval <= 0 {
		return &exitError{exitConfigInvalid, errors.New(
			"heartbeat and resource check intervals must be positive")}
	}

	logger.Info("starting agent",
		zap.String("version", version),
		zap.String("conductor_url", cfg.conductorURL),
		zap.String("admin_port", cfg.adminPort),
		zap.Int("heartbeat_interval_s", cfg.pingInterval),
		zap.Int("resource_check_interval_s", cfg.probeInterval),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// A missing engine does not stop the agent. It registers, heartbeats,
	// and reports resources; deployments fail with a runtime_missing class
	// until the engine comes back.
	var rt runtime.Runtime
	docker, err := runtime.NewDocker(logger)
	if err != nil {
		logger.Warn("container engine unavailable, deployments will fail", zap.Error(err))
		rt = runtime.Unavailable{}
	} else {
		rt = docker
	}

	prober := probe.New("/", logger)

	conn := client.New(client.Config{
		ConductorURL:  cfg.conductorURL,
		Token:         cfg.token,
		StateDir:      cfg.stateDir,
		PingInterval:  time.Duration(cfg.pingInterval) * time.Second,
		ProbeInterval: time.Duration(cfg.probeInterval) * time.Second,
	}, prober, logger)

	sup := supervisor.New(rt, conn, logger)
	conn.SetSupervisor(sup)

	adminSrv := admin.NewServer(conn, sup, rt, logger)
	server := &http.Server{
		Addr:    "127.0.0.1:" + cfg.adminPort,
		Handler: adminSrv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin api up", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go conn.Run(ctx)

	select {
	case err := <-errCh:
		return fmt.Errorf("admin server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down agent")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin shutdown incomplete", zap.Error(err))
	}
	return nil
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/conductor-agent"
	}
	return "/var/lib/conductor-agent"
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

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
