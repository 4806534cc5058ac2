package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vnmchuo/ai-metering/internal/auth"
	"github.com/vnmchuo/ai-metering/internal/catalog"
	"github.com/vnmchuo/ai-metering/internal/migrations"
	"github.com/vnmchuo/ai-metering/internal/seeder"
	"github.com/vnmchuo/ai-metering/internal/tier"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(m *migrations.Migrator, _ *zap.Logger) error { return m.Up() })
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back all migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(m *migrations.Migrator, _ *zap.Logger) error { return m.Down() })
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(m *migrations.Migrator, _ *zap.Logger) error {
					v, dirty, err := m.Version()
					if err != nil {
						return err
					}
					cmd.Printf("version=%d dirty=%t\n", v, dirty)
					return nil
				})
			},
		},
	)
	return cmd
}

func withMigrator(fn func(*migrations.Migrator, *zap.Logger) error) error {
	cfg, log, err := bootstrap(false)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}

	m, err := migrations.New(cfg.PostgresDSN, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("failed to close migrator", zap.Error(err))
		}
	}()
	return fn(m, log)
}

func newSeedCmd() *cobra.Command {
	var tierID string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write the tier catalog and a test user with an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context(), tierID)
		},
	}
	cmd.Flags().StringVar(&tierID, "tier", "", "tier for the test user (default: the catalog default tier)")
	return cmd
}

func runSeed(ctx context.Context, tierID string) error {
	cfg, log, err := bootstrap(false)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	if tierID == "" {
		tierID = cat.DefaultTier
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	defer pool.Close()

	s := seeder.New(auth.NewPostgresStore(pool), tier.NewPostgresStore(pool), log)
	if err := s.SeedTiers(ctx, cat.Tiers); err != nil {
		return err
	}
	return s.SeedTestUser(ctx, tierID, time.Now())
}
