package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/biowallet/internal/app"
	"github.com/example/biowallet/internal/config"
	"github.com/example/biowallet/internal/identity"
	"github.com/example/biowallet/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "verifyctl",
	Short:        "Run biometric wallet verifications against the oracle",
	SilenceUsage: true,
	Long: `verifyctl reads the same configuration as the API service
(config.yaml, or the file given with --config, plus environment overrides)
and talks to the chain directly.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file")
}

// Execute runs the root command. Interrupting abandons a pending verification.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// environment is what every subcommand needs from configuration.
type environment struct {
	cfg        *config.Config
	logger     *zap.Logger
	client     *ethclient.Client
	identities *identity.ChainStore
}

func (e *environment) close() {
	e.client.Close()
	_ = e.logger.Sync()
}

func loadEnvironment(ctx context.Context) (*environment, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level := cfg.Logging.Level
	if level == "info" {
		level = "warn"
	}
	logger, err := logging.NewLogger(level)
	if err != nil {
		return nil, err
	}

	client, err := app.ConnectChain(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	identities, err := app.NewIdentityStore(cfg, client, logger)
	if err != nil {
		client.Close()
		return nil, err
	}

	return &environment{
		cfg:        cfg,
		logger:     logger,
		client:     client,
		identities: identities,
	}, nil
}
