package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/agentdeploy/internal/config"
)

// Open connects to Postgres, applies migrations when cfg.AutoMigrate is set,
// and returns a ready PostgresStore. Callers close the returned pool.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, *pgxpool.Pool, error) {
	if cfg.AutoMigrate {
		if err := RunMigrations(cfg.URL); err != nil {
			return nil, nil, err
		}
	}

	pool, err := connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return NewPostgresStore(pool), pool, nil
}

func connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "agentdeploy"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
