package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/agent/connection"
	"github.com/custard-io/custard/internal/agent/executor"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	gatewayURL  string
	agentID     string
	agentKey    string
	databaseURL string
	logLevel    string
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
		Use:   "custard-agent",
		Short: "Custard connector agent — runs next to the customer database",
		Long: `Custard agent dials out to the Custard gateway over WebSocket and
executes the read-only SQL the gateway sends against the local
PostgreSQL database. Database credentials stay on this host; the
gateway only ever sees SQL in and rows out.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.gatewayURL, "gateway-url", envOrDefault("CUSTARD_GATEWAY_URL", "ws://localhost:8080/agent/ws"), "Gateway WebSocket endpoint")
	root.PersistentFlags().StringVar(&cfg.agentID, "agent-id", envOrDefault("CUSTARD_AGENT_ID", ""), "Agent ID issued when the connection was created (required)")
	root.PersistentFlags().StringVar(&cfg.agentKey, "agent-key", envOrDefault("CUSTARD_AGENT_KEY", ""), "Agent key issued when the connection was created (required)")
	root.PersistentFlags().StringVar(&cfg.databaseURL, "database-url", envOrDefault("CUSTARD_DATABASE_URL", ""), "PostgreSQL connection URL for the customer database (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CUSTARD_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("custard-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.agentID == "" || cfg.agentKey == "" {
		return fmt.Errorf("agent credentials are required — set --agent-id and --agent-key")
	}
	if cfg.databaseURL == "" {
		return fmt.Errorf("database URL is required — set --database-url or CUSTARD_DATABASE_URL")
	}

	logger.Info("starting custard agent",
		zap.String("version", version),
		zap.String("gateway_url", cfg.gatewayURL),
		zap.String("agent_id", cfg.agentID),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	exec, err := executor.New(ctx, cfg.databaseURL, logger)
	if err != nil {
		return err
	}
	defer exec.Close()

	manager := connection.New(connection.Config{
		GatewayURL: cfg.gatewayURL,
		AgentID:    cfg.agentID,
		AgentKey:   cfg.agentKey,
	}, exec, logger)

	if err := manager.Run(ctx); err != nil {
		return err
	}

	logger.Info("custard agent stopped")
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

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
