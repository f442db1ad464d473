package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/warp/reward-engine/config"
	"github.com/warp/reward-engine/factory"
	"github.com/warp/reward-engine/rewards"
	"github.com/warp/reward-engine/store/postgres"
	"github.com/warp/reward-engine/store/sqlite"
	"go.uber.org/zap"
)

// backend is what both SQL stores provide.
type backend interface {
	rewards.TxStore
	rewards.CatalogStore
	Ping(ctx context.Context) error
	Close() error
}

// openStore opens the configured store. Both drivers apply their schema
// on open.
func openStore(ctx context.Context, cfg *config.Config) (backend, error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		st, err := postgres.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return st, nil
	default:
		st, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync()

			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			logger.Info("schema applied", zap.String("driver", cfg.DatabaseDriver))
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the reward catalog",
		Long: `Loads rewards from a JSON array file (--file or CATALOG_SEED_FILE).
Without a file the built-in default catalog is loaded. Rewards that
already exist are left untouched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync()

			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				file = cfg.CatalogSeedFile
			}
			catalog, err := loadCatalog(file)
			if err != nil {
				return err
			}

			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			created, err := seedCatalog(cmd.Context(), st, catalog, logger)
			if err != nil {
				return err
			}
			logger.Info("catalog seeded", zap.Int("created", created), zap.Int("total", len(catalog)))
			return nil
		},
	}
	cmd.Flags().String("file", "", "Path to a JSON array of rewards")
	return cmd
}

func loadCatalog(path string) ([]rewards.Reward, error) {
	if path == "" {
		return rewards.DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return factory.NewRewardFactory().ParseCatalog(data)
}

// seedCatalog saves every reward not already in the store.
func seedCatalog(ctx context.Context, st rewards.CatalogStore, catalog []rewards.Reward, logger *zap.Logger) (int, error) {
	created := 0
	for _, r := range catalog {
		err := st.SaveReward(ctx, r)
		switch {
		case errors.Is(err, rewards.ErrDuplicateReward):
			logger.Debug("reward already exists", zap.String("event", string(r.Event)))
		case err != nil:
			return created, fmt.Errorf("save reward %s: %w", r.Event, err)
		default:
			created++
		}
	}
	return created, nil
}
