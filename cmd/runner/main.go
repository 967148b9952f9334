// Command runner dials a rivetkit manager once at startup and services
// tunneled actor traffic for the actor names it announces, forwarding it to
// a local HTTP/WebSocket server that actually hosts the actor instances.
// Structured the way the teacher's cmd/agent dials its server for job
// assignments.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/internal/config"
	"github.com/rivetkit-go/rivetkit/internal/runnerconn"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	managerAddr string
	runnerID    string
	localAddr   string
	logLevel    string
	names       []string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "rivetkit-runner",
		Short: "rivetkit runner — hosts actors and tunnels their traffic to a manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.managerAddr, "manager-addr", config.EnvOrDefault("RIVET_MANAGER_RUNNER_ADDR", "ws://localhost:8082/runner/connect"), "manager runner-registration endpoint")
	root.PersistentFlags().StringVar(&cfg.runnerID, "runner-id", config.EnvOrDefault(config.EnvRunner, ""), "this runner's id (defaults to RIVET_RUNNER, required)")
	root.PersistentFlags().StringVar(&cfg.localAddr, "local-addr", config.EnvOrDefault("RIVET_RUNNER_LOCAL_ADDR", "http://localhost:9000"), "local HTTP/WebSocket server actually hosting the actors")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", config.EnvOrDefault("RIVET_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.PersistentFlags().StringSliceVar(&cfg.names, "name", nil, "actor type name this runner hosts (repeatable)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rivetkit-runner %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *cliConfig) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.runnerID == "" {
		return fmt.Errorf("runner id is required — set --runner-id or %s", config.EnvRunner)
	}
	if len(cfg.names) == 0 {
		return fmt.Errorf("at least one --name is required")
	}

	logger.Info("starting rivetkit runner",
		zap.String("version", version),
		zap.String("runner_id", cfg.runnerID),
		zap.String("manager_addr", cfg.managerAddr),
		zap.Strings("names", cfg.names),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	handler, err := newLocalHandler(cfg.localAddr)
	if err != nil {
		return err
	}

	client := runnerconn.NewClient(cfg.managerAddr, cfg.runnerID, cfg.names, handler, logger)
	client.Run(ctx)

	logger.Info("rivetkit runner stopped")
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
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
