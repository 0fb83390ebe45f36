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
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/conductor-sh/conductor/internal/api"
	"github.com/conductor-sh/conductor/internal/auth"
	"github.com/conductor-sh/conductor/internal/db"
	"github.com/conductor-sh/conductor/internal/hub"
	"github.com/conductor-sh/conductor/internal/ingress"
	"github.com/conductor-sh/conductor/internal/registry"
	"github.com/conductor-sh/conductor/internal/repository"
	"github.com/conductor-sh/conductor/internal/session"
	"github.com/conductor-sh/conductor/internal/tokens"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes: 0 clean shutdown, 2 configuration invalid, 3 persistence
// unreachable at startup.
const (
	exitConfigInvalid = 2
	exitPersistence   = 3
)

// sweepInterval is how often the liveness sweeper runs a pass.
const sweepInterval = 10 * time.Second

// pingCadence is the expected worker heartbeat interval. The liveness
// window must be at least three times it.
const pingCadence = 30 * time.Second

type config struct {
	port           string
	dbDriver       string
	dbDSN          string
	secretKey      string
	logLevel       string
	livenessWindow int
	regGrace       int
	jwtPrivateKey  string
	jwtPublicKey   string
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

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "conductor",
		Short: "Conductor control plane for a self-hosted worker fleet",
		Long: `Conductor is the control plane of the platform. It registers worker
agents, tracks their liveness and resources, streams fleet events to
operator dashboards, and exposes the operator REST API.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.port, "port", envOrDefault("PORT", "8080"), "HTTP listen port (REST + both streaming namespaces)")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("CONDUCTOR_DB_DRIVER", "sqlite"), "Database driver (sqlite, postgres, or memory)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("CONDUCTOR_DB_DSN", "./conductor.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("CONDUCTOR_SECRET_KEY", ""), "Master secret key for encrypting credentials at rest (required, 32 bytes)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CONDUCTOR_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&cfg.livenessWindow, "liveness-window", envIntOrDefault("LIVENESS_WINDOW", 90), "Seconds of silence before a worker is swept offline")
	root.PersistentFlags().IntVar(&cfg.regGrace, "registration-grace", envIntOrDefault("REGISTRATION_GRACE", 30), "Seconds an unauthenticated worker socket may stay open")
	root.PersistentFlags().StringVar(&cfg.jwtPrivateKey, "jwt-private-key", envOrDefault("CONDUCTOR_JWT_PRIVATE_KEY", ""), "Path to a PEM RSA private key for session tokens (generated if empty)")
	root.PersistentFlags().StringVar(&cfg.jwtPublicKey, "jwt-public-key", envOrDefault("CONDUCTOR_JWT_PUBLIC_KEY", ""), "Path to the matching PEM RSA public key")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conductor %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	window := time.Duration(cfg.livenessWindow) * time.Second
	grace := time.Duration(cfg.regGrace) * time.Second

	if window < 3*pingCadence {
		return &exitError{exitConfigInvalid, fmt.Errorf(
			"LIVENESS_WINDOW (%s) must be at least 3x the ping cadence (%s)", window, 3*pingCadence)}
	}
	if cfg.secretKey == "" {
		return &exitError{exitConfigInvalid, errors.New(
			"secret key is required: set --secret-key or CONDUCTOR_SECRET_KEY")}
	}
	if err := db.InitEncryption([]byte(cfg.secretKey)); err != nil {
		return &exitError{exitConfigInvalid, err}
	}

	logger.Info("starting conductor",
		zap.String("version", version),
		zap.String("port", cfg.port),
		zap.String("db_driver", cfg.dbDriver),
		zap.Duration("liveness_window", window),
		zap.Duration("registration_grace", grace),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Persistence ---
	var (
		store  repository.Store
		pingDB func(ctx context.Context) error
	)
	if cfg.dbDriver == "memory" {
		_, store = repository.NewMemoryStore()
	} else {
		gormLevel := gormlogger.Warn
		if cfg.logLevel == "debug" {
			gormLevel = gormlogger.Info
		}
		database, err := db.New(db.Config{
			Driver:   cfg.dbDriver,
			DSN:      cfg.dbDSN,
			Logger:   logger,
			LogLevel: gormLevel,
		})
		if err != nil {
			return &exitError{exitPersistence, fmt.Errorf("database init failed: %w", err)}
		}
		if err := db.Ping(ctx, database); err != nil {
			return &exitError{exitPersistence, fmt.Errorf("database unreachable: %w", err)}
		}
		store = repository.Store{
			Operators: repository.NewOperatorRepository(database),
			Tokens:    repository.NewTokenRepository(database),
			Workers:   repository.NewWorkerRepository(database),
		}
		pingDB = func(ctx context.Context) error { return db.Ping(ctx, database) }
		defer closeDB(database, logger)
	}

	// --- Auth ---
	var jwtMgr *auth.JWTManager
	if cfg.jwtPrivateKey != "" {
		jwtMgr, err = auth.NewJWTManagerFromFiles(cfg.jwtPrivateKey, cfg.jwtPublicKey, "conductor")
	} else {
		jwtMgr, err = auth.NewJWTManagerGenerated("conductor")
	}
	if err != nil {
		return &exitError{exitConfigInvalid, err}
	}
	authSvc := auth.NewService(store.Operators, jwtMgr, logger)

	// --- Core components ---
	tokenStore := tokens.NewStore(store.Tokens, logger)
	reg := registry.New(store.Workers, tokenStore, logger)
	fanout := hub.New(logger)
	reg.SetNotifier(fanout)
	sessions := session.NewManager(logger)
	ing := ingress.New(reg, sessions, grace, logger)

	go fanout.Run(ctx)

	sweeper, err := registry.NewSweeper(reg, sessions, window, sweepInterval, logger)
	if err != nil {
		return err
	}
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sweeper.Stop(); err != nil {
			logger.Warn("sweeper stop failed", zap.Error(err))
		}
	}()

	// --- HTTP ---
	router := api.NewRouter(api.RouterConfig{
		AuthService: authSvc,
		JWTManager:  jwtMgr,
		Registry:    reg,
		Tokens:      tokenStore,
		Sessions:    sessions,
		Hub:         fanout,
		Ingress:     ing,
		Logger:      logger,
		PingDB:      pingDB,
	})

	server := &http.Server{
		Addr:    ":" + cfg.port,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listener up", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down conductor")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	return nil
}

func closeDB(database *gorm.DB, logger *zap.Logger) {
	sqlDB, err := database.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		logger.Warn("database close failed", zap.Error(err))
	}
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
