/*
main.go - Application entry point

PURPOSE:
  Starts the reward engine. Loads configuration, opens the store, wires
  the engine, the catalog cache and the FHIR history client, and serves
  the HTTP API until interrupted.

COMMANDS:
  serve     Start the HTTP server
  migrate   Apply the schema and exit
  seed      Load the reward catalog (CATALOG_SEED_FILE or the defaults)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close the store and the redis client
  4. Exit

ENVIRONMENT:
  See config/config.go. A .env file in the working directory is read
  when present.

EXAMPLES:
  # Local run on SQLite
  DATABASE_DRIVER=sqlite SQLITE_PATH=./rewards.db reward-engine serve

  # Postgres with a redis catalog cache
  DATABASE_DRIVER=postgres DATABASE_URL=postgres://... REDIS_URL=redis://... reward-engine serve

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
*/
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
	"github.com/warp/reward-engine/api"
	"github.com/warp/reward-engine/caching"
	"github.com/warp/reward-engine/config"
	"github.com/warp/reward-engine/fhir"
	"github.com/warp/reward-engine/logging"
	"github.com/warp/reward-engine/rewards"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:           "reward-engine",
		Short:         "Reward condition matching and distribution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the reward engine API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx)
		},
	}
}

func runServer(ctx context.Context) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var catalog rewards.CatalogStore = st
	if cfg.RedisURL != "" {
		client, err := caching.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		catalog = caching.NewCatalogCache(st, caching.NewRedisCache(client, true), cfg.CatalogCacheTTL, logger)
		logger.Info("catalog cache enabled", zap.Duration("ttl", cfg.CatalogCacheTTL))
	}

	if cfg.FHIRBaseURL == "" {
		logger.Warn("FHIR_BASE_URL is not set; webhook notifications will be answered as retryable")
	}
	history := fhir.NewHTTPHistoryClient(cfg.FHIRBaseURL, cfg.FHIRAccessToken, cfg.FHIRTimeout)

	engine := rewards.NewEngine(catalog, rewards.NewLedger(st), logger.Named("engine"))
	ingestor := fhir.NewIngestor(engine, history, logger.Named("fhir"))

	handler := api.NewHandler(engine, catalog, ingestor, api.HeaderDirectory{}, logger)
	handler.Health = st
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger.Named("http"),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.String("addr", server.Addr), zap.String("driver", cfg.DatabaseDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}

func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
