// Command seed creates the first operator account and prints its
// registration token. Run it once against a fresh database before starting
// the conductor.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/conductor-sh/conductor/internal/auth"
	"github.com/conductor-sh/conductor/internal/db"
	"github.com/conductor-sh/conductor/internal/repository"
	"github.com/conductor-sh/conductor/internal/tokens"
)

type config struct {
	dbDriver  string
	dbDSN     string
	secretKey string
	username  string
	email     string
	password  string
	role      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:          "conductor-seed",
		Short:        "Create an operator account and print its registration token",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.Flags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("CONDUCTOR_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.Flags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("CONDUCTOR_DB_DSN", "./conductor.db"), "Database DSN or file path for SQLite")
	root.Flags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("CONDUCTOR_SECRET_KEY", ""), "Master secret key, same value the conductor runs with (required)")
	root.Flags().StringVar(&cfg.username, "username", envOrDefault("CONDUCTOR_SEED_USERNAME", "admin"), "Operator username")
	root.Flags().StringVar(&cfg.email, "email", envOrDefault("CONDUCTOR_SEED_EMAIL", ""), "Operator email")
	root.Flags().StringVar(&cfg.password, "password", envOrDefault("CONDUCTOR_SEED_PASSWORD", ""), "Operator password (required, min 8 chars)")
	root.Flags().StringVar(&cfg.role, "role", envOrDefault("CONDUCTOR_SEED_ROLE", "admin"), "Operator role (admin or operator)")

	return root
}

func run(ctx context.Context, cfg *config) error {
	logger := zap.NewNop()

	if cfg.secretKey == "" {
		return errors.New("secret key is required: set --secret-key or CONDUCTOR_SECRET_KEY")
	}
	if len(cfg.password) < 8 {
		return errors.New("password must be at least 8 characters")
	}
	if err := db.InitEncryption([]byte(cfg.secretKey)); err != nil {
		return err
	}

	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}

	operators := repository.NewOperatorRepository(database)
	tokenStore := tokens.NewStore(repository.NewTokenRepository(database), logger)

	hash, err := auth.HashPassword(cfg.password)
	if err != nil {
		return err
	}

	operator := &db.Operator{
		Username:   strings.ToLower(cfg.username),
		Email:      cfg.email,
		SecretHash: db.EncryptedString(hash),
		Role:       cfg.role,
	}
	if err := operators.Create(ctx, operator); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("operator %q already exists", operator.Username)
		}
		return fmt.Errorf("creating operator: %w", err)
	}

	token, err := tokenStore.Active(ctx, operator.ID)
	if err != nil {
		return fmt.Errorf("issuing registration token: %w", err)
	}

	fmt.Printf("operator created\n")
	fmt.Printf("  id:       %s\n", operator.ID)
	fmt.Printf("  username: %s\n", operator.Username)
	fmt.Printf("  role:     %s\n", operator.Role)
	fmt.Printf("registration token (CONDUCTOR_TOKEN for agents):\n")
	fmt.Printf("  %s\n", string(token.Value))
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
