// Command manager runs the rivetkit manager: the gateway that routes client
// traffic to actors (C4), the identity/transport driver backing it (C3), the
// manager HTTP API (§6.1), and the runner registration endpoint. Structured
// the way the teacher's cmd/server lays out its cobra root command and
// run() function.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rivetkit-go/rivetkit/gateway"
	"github.com/rivetkit-go/rivetkit/internal/config"
	"github.com/rivetkit-go/rivetkit/internal/managerapi"
	"github.com/rivetkit-go/rivetkit/internal/metrics"
	"github.com/rivetkit-go/rivetkit/internal/runnerconn"
	"github.com/rivetkit-go/rivetkit/internal/runnerregistry"
	"github.com/rivetkit-go/rivetkit/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	httpAddr    string
	gatewayAddr string
	runnerAddr  string
	dbDriver    string
	dbDSN       string
	logLevel    string
	namespace   string
	token       string
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
		Use:   "rivetkit-manager",
		Short: "rivetkit manager — actor gateway, driver, and manager HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", config.EnvOrDefault("RIVET_MANAGER_HTTP_ADDR", ":8080"), "manager HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.gatewayAddr, "gateway-addr", config.EnvOrDefault("RIVET_MANAGER_GATEWAY_ADDR", ":8081"), "actor gateway listen address")
	root.PersistentFlags().StringVar(&cfg.runnerAddr, "runner-addr", config.EnvOrDefault("RIVET_MANAGER_RUNNER_ADDR", ":8082"), "runner registration listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", config.EnvOrDefault("RIVET_MANAGER_DB_DRIVER", "sqlite"), "database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", config.EnvOrDefault("RIVET_MANAGER_DB_DSN", "./rivetkit-manager.db"), "database DSN or file path for sqlite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", config.EnvOrDefault("RIVET_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.namespace, "namespace", config.EnvOrDefault(config.EnvNamespace, "default"), "default namespace")
	root.PersistentFlags().StringVar(&cfg.token, "token", os.Getenv(config.EnvToken), "bearer token required on the manager HTTP API (empty disables auth)")
	root.PersistentFlags().StringSliceVar(&cfg.names, "name", nil, "actor type name registered at build time (repeatable)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rivetkit-manager %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *cliConfig) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting rivetkit manager",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("gateway_addr", cfg.gatewayAddr),
		zap.String("runner_addr", cfg.runnerAddr),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Store ---
	st, err := store.Open(store.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	// --- Runner registry & driver ---
	registry := runnerregistry.New(logger)
	transport := runnerregistry.NewTransport(registry, logger)
	drv := &managerDriver{Identity: st.Identity(), Transport: transport}

	// --- Metrics ---
	metricsReg := metrics.New()

	// --- Manager HTTP API ---
	apiRouter := managerapi.NewRouter(managerapi.Config{
		Driver:      drv,
		Names:       managerapi.StaticRegistry(cfg.names),
		Namespace:   cfg.namespace,
		Version:     version,
		Logger:      logger,
		BearerToken: cfg.token,
	})

	httpMux := http.NewServeMux()
	httpMux.Handle("/", apiRouter)
	httpMux.Handle("/metrics", metricsReg.Handler())

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      httpMux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("manager http api listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("manager http api error", zap.Error(err))
			cancel()
		}
	}()

	// --- Gateway ---
	gatewayRouter := gateway.NewRouter(gateway.Config{
		Driver:    drv,
		Namespace: cfg.namespace,
		Logger:    logger,
	})
	gatewaySrv := &http.Server{
		Addr:         cfg.gatewayAddr,
		Handler:      gatewayRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket upgrades may stay open indefinitely
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("actor gateway listening", zap.String("addr", cfg.gatewayAddr))
		if err := gatewaySrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("actor gateway error", zap.Error(err))
			cancel()
		}
	}()

	// --- Runner registration endpoint ---
	runnerMux := http.NewServeMux()
	runnerMux.HandleFunc("/runner/connect", func(w http.ResponseWriter, r *http.Request) {
		err := runnerconn.Accept(w, r, logger,
			func(runnerID string, names []string, conn *runnerconn.Conn) {
				registry.Register(runnerID, names, conn)
			},
			func(runnerID string) {
				registry.Deregister(runnerID)
			},
		)
		if err != nil {
			logger.Warn("runner tunnel ended", zap.Error(err))
		}
	})
	runnerSrv := &http.Server{
		Addr:         cfg.runnerAddr,
		Handler:      runnerMux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  0, // runner tunnels are long-lived by design
	}
	go func() {
		logger.Info("runner registration endpoint listening", zap.String("addr", cfg.runnerAddr))
		if err := runnerSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("runner registration endpoint error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down rivetkit manager")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	for _, srv := range []*http.Server{httpSrv, gatewaySrv, runnerSrv} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server graceful shutdown error", zap.Error(err))
		}
	}

	logger.Info("rivetkit manager stopped")
	return nil
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
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
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
