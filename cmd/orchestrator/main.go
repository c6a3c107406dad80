// Package main is the entry point for the orchestrator binary.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Open database and apply migrations
//  4. Build stores, auth manager, registry, hub, relay, dispatcher, janitor
//  5. Start the HTTP server (control plane + robot channel)
//  6. Block until SIGINT/SIGTERM, then graceful shutdown
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

	"github.com/omerlefaruk/CasareRPA-sub014/internal/api"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/auth"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/dispatch"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/janitor"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/registry"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/relay"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr    string
	dbDriver    string
	dbDSN       string
	adminSecret string
	jwtKeyFile  string
	jwtPubFile  string
	logLevel    string

	heartbeatSecs    int
	logRetentionDays int
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
		Use:   "orchestrator",
		Short: "Orchestrator — central control plane for the robot fleet",
		Long: `Orchestrator is the central component of the RPA platform.
It exposes a REST API for operators, maintains WebSocket channels
to the robot fleet, and dispatches queued jobs to available robots.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("ORCH_HTTP_ADDR", ":8080"), "HTTP listen address (API + robot channel)")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("ORCH_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("ORCH_DB_DSN", "./orchestrator.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.adminSecret, "admin-secret", envOrDefault("ORCH_ADMIN_SECRET", ""), "Admin secret exchanged for API tokens (required)")
	root.PersistentFlags().StringVar(&cfg.jwtKeyFile, "jwt-key", envOrDefault("ORCH_JWT_KEY", ""), "Path to RSA private key PEM (empty = ephemeral key)")
	root.PersistentFlags().StringVar(&cfg.jwtPubFile, "jwt-pub", envOrDefault("ORCH_JWT_PUB", ""), "Path to RSA public key PEM")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ORCH_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&cfg.heartbeatSecs, "heartbeat-interval", envIntOrDefault("ORCH_HEARTBEAT_INTERVAL", 30), "Robot heartbeat interval in seconds")
	root.PersistentFlags().IntVar(&cfg.logRetentionDays, "log-retention-days", envIntOrDefault("ORCH_LOG_RETENTION_DAYS", 14), "Days to keep job log entries (0 = forever)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orchestrator %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.adminSecret == "" {
		return fmt.Errorf("admin secret is required — set --admin-secret or ORCH_ADMIN_SECRET")
	}

	logger.Info("starting orchestrator",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Database ---
	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return err
	}
	stores := store.New(database)

	// --- Auth ---
	var authMgr *auth.Manager
	if cfg.jwtKeyFile != "" && cfg.jwtPubFile != "" {
		authMgr, err = auth.NewManagerFromFiles(cfg.jwtKeyFile, cfg.jwtPubFile, "orchestrator", cfg.adminSecret)
	} else {
		authMgr, err = auth.NewManagerGenerated("orchestrator", cfg.adminSecret)
	}
	if err != nil {
		return err
	}

	// --- Registry, relay, dispatcher ---
	heartbeat := time.Duration(cfg.heartbeatSecs) * time.Second
	reg := registry.New(registry.Config{HeartbeatInterval: heartbeat}, stores, logger)
	hub := relay.NewHub()
	reg.SetSink(relay.New(stores, hub, reg, logger))

	dispatcher := dispatch.New(dispatch.Config{}, stores, reg, logger)

	// --- Janitor ---
	jan, err := janitor.New(janitor.Config{
		LogRetention: time.Duration(cfg.logRetentionDays) * 24 * time.Hour,
	}, stores, reg, logger)
	if err != nil {
		return err
	}

	// --- HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Auth:       authMgr,
		Stores:     stores,
		Registry:   reg,
		Dispatcher: dispatcher,
		Hub:        hub,
		Logger:     logger,
		Ping: func(ctx context.Context) error {
			return db.Ping(ctx, database)
		},
	})
	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- Start ---
	go reg.RunSweeper(ctx)
	go dispatcher.Run(ctx)
	jan.Start()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	// --- Graceful shutdown ---
	logger.Info("shutting down orchestrator")
	jan.Stop()
	reg.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}

	logger.Info("orchestrator stopped")
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

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return defaultVal
}
