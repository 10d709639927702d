package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/kozaktomas/rollcall/internal/database/mariadb"
	"github.com/kozaktomas/rollcall/internal/database/postgres"
)

// registerStoreBackends registers the persistence backends selectable with STORE_DRIVER.
// Both apply pending migrations when opened.
func registerStoreBackends(cfg *config.Config) {
	database.RegisterBackend("postgres", func(ctx context.Context) (database.Store, error) {
		if cfg.Database.URL == "" {
			return nil, errors.New("DATABASE_URL environment variable is required")
		}
		pool, err := postgres.Open(ctx, &cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := pool.Migrate(ctx, logger); err != nil {
			_ = pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		return postgres.NewStore(pool), nil
	})

	database.RegisterBackend("mariadb", func(ctx context.Context) (database.Store, error) {
		if cfg.MariaDB.DSN == "" {
			return nil, errors.New("MARIADB_DSN environment variable is required")
		}
		pool, err := mariadb.Open(ctx, cfg.MariaDB.DSN)
		if err != nil {
			return nil, err
		}
		if err := pool.Migrate(ctx, logger); err != nil {
			_ = pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		return mariadb.NewStore(pool), nil
	})
}

// openStore opens the configured store.
func openStore(ctx context.Context, cfg *config.Config) (database.Store, error) {
	registerStoreBackends(cfg)
	return database.Open(ctx, cfg.Store.Driver)
}
