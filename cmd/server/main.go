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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agentdeck-io/agentdeck/internal/api"
	"github.com/agentdeck-io/agentdeck/internal/auth"
	"github.com/agentdeck-io/agentdeck/internal/db"
	"github.com/agentdeck-io/agentdeck/internal/hub"
	"github.com/agentdeck-io/agentdeck/internal/metrics"
	"github.com/agentdeck-io/agentdeck/internal/presence"
	"github.com/agentdeck-io/agentdeck/internal/repositories"
	"github.com/agentdeck-io/agentdeck/internal/scheduler"
	"github.com/agentdeck-io/agentdeck/internal/ws"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr string
	dbDriver string
	dbDSN    string
	logLevel string

	jwtPublicKey string
	jwtIssuer    string
	oidcIssuer   string
	oidcClientID string
	refreshURL   string

	redisAddr     string
	redisPassword string
	redisDB       int
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
		Use:   "agentdeck-server",
		Short: "AgentDeck server — control-plane hub for remote agents",
		Long: `AgentDeck server is the control plane of the AgentDeck platform.
It terminates WebSocket connections from agents and dashboards, routes
commands and their results between them, queues work for offline agents,
and exposes a read-only REST API over the stored history.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(cfg))

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("AGENTDECK_HTTP_ADDR", ":8080"), "HTTP and WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("AGENTDECK_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("AGENTDECK_DB_DSN", "./agentdeck.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("AGENTDECK_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	root.PersistentFlags().StringVar(&cfg.jwtPublicKey, "jwt-public-key", envOrDefault("AGENTDECK_JWT_PUBLIC_KEY", ""), "Path to the PEM RSA public key for token verification")
	root.PersistentFlags().StringVar(&cfg.jwtIssuer, "jwt-issuer", envOrDefault("AGENTDECK_JWT_ISSUER", "agentdeck"), "Expected issuer claim on access tokens")
	root.PersistentFlags().StringVar(&cfg.oidcIssuer, "oidc-issuer", envOrDefault("AGENTDECK_OIDC_ISSUER", ""), "OIDC issuer URL (enables OIDC verification instead of a static key)")
	root.PersistentFlags().StringVar(&cfg.oidcClientID, "oidc-client-id", envOrDefault("AGENTDECK_OIDC_CLIENT_ID", ""), "Expected audience for OIDC tokens")
	root.PersistentFlags().StringVar(&cfg.refreshURL, "token-refresh-url", envOrDefault("AGENTDECK_TOKEN_REFRESH_URL", ""), "Identity provider endpoint for refresh token exchange")

	root.PersistentFlags().StringVar(&cfg.redisAddr, "redis-addr", envOrDefault("AGENTDECK_REDIS_ADDR", ""), "Redis address for presence events (empty disables)")
	root.PersistentFlags().StringVar(&cfg.redisPassword, "redis-password", envOrDefault("AGENTDECK_REDIS_PASSWORD", ""), "Redis password")
	root.PersistentFlags().IntVar(&cfg.redisDB, "redis-db", 0, "Redis database number")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentdeck-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// newMigrateCmd applies pending migrations and exits, for deployments that
// migrate as a separate step before rolling the server.
func newMigrateCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			_, err = db.New(db.Config{
				Driver:   cfg.dbDriver,
				DSN:      cfg.dbDSN,
				Logger:   logger,
				LogLevel: gormLogLevel(cfg.logLevel),
			})
			return err
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting agentdeck server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return err
	}

	verifier, err := buildVerifier(ctx, cfg)
	if err != nil {
		return err
	}

	presencePub, err := presence.New(ctx, cfg.redisAddr, cfg.redisPassword, cfg.redisDB, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer presencePub.Close() //nolint:errcheck

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	repos := hub.Repos{
		Agents:   repositories.NewAgentRepository(database),
		Commands: repositories.NewCommandRepository(database),
		Audit:    repositories.NewAuditRepository(database),
	}

	hubCfg := hub.DefaultConfig()
	h := hub.New(hubCfg, logger, repos, verifier, presencePub, m, version)

	if err := recoverInterrupted(ctx, repos.Commands, logger); err != nil {
		return err
	}

	h.Start()

	sched, err := scheduler.New(h, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(hubCfg.SweepInterval); err != nil {
		return err
	}

	router := api.NewRouter(api.RouterConfig{
		Logger:   logger,
		Verifier: verifier,
		Hub:      h,
		WS:       ws.NewHandler(h, verifier, hubCfg.AuthGrace, logger),
		DB:       database,
		Presence: presencePub,
		Registry: registry,
		Version:  version,
		Agents:   repos.Agents,
		Commands: repos.Commands,
		Audit:    repos.Audit,
	})

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down agentdeck server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), hubCfg.ShutdownDeadline)
	defer shutdownCancel()

	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler stop failed", zap.Error(err))
	}
	h.Shutdown(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	return nil
}

// buildVerifier picks the token verification backend: OIDC discovery when
// an issuer URL is configured, otherwise a static RSA public key.
func buildVerifier(ctx context.Context, cfg *config) (auth.TokenVerifier, error) {
	if cfg.oidcIssuer != "" {
		discoveryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return auth.NewOIDCVerifier(discoveryCtx, cfg.oidcIssuer, cfg.oidcClientID, cfg.refreshURL)
	}
	if cfg.jwtPublicKey == "" {
		return nil, fmt.Errorf("token verification requires --jwt-public-key or --oidc-issuer")
	}
	return auth.NewJWTVerifierFromFile(cfg.jwtPublicKey, cfg.jwtIssuer, cfg.refreshURL)
}

// recoverInterrupted fails commands left non-terminal by a previous
// process: their agents will not report back under this process's tracker,
// so completing them now keeps the history truthful.
func recoverInterrupted(ctx context.Context, commands repositories.CommandRepository, logger *zap.Logger) error {
	running, err := commands.GetRunning(ctx)
	if err != nil {
		return err
	}
	queued, err := commands.GetQueued(ctx)
	if err != nil {
		return err
	}

	interrupted := append(running, queued...)
	for i := range interrupted {
		if err := commands.Complete(ctx, interrupted[i].ID, "failed", time.Now(), "server restarted"); err != nil {
			logger.Warn("failed to mark interrupted command",
				zap.String("command_id", interrupted[i].ID.String()), zap.Error(err))
		}
	}
	if len(interrupted) > 0 {
		logger.Info("failed commands interrupted by restart", zap.Int("count", len(interrupted)))
	}
	return nil
}

func gormLogLevel(level string) gormlogger.LogLevel {
	if level == "debug" {
		return gormlogger.Info
	}
	return gormlogger.Warn
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
