// Package storage opens the PostgreSQL pool shared by the definition, task,
// and notification stores and keeps its schema current.
package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pitabwire/curator/internal/config"
)

// Open connects to the database named by cfg.DSNEnv, pings it, and runs the
// schema migrations when cfg.AutoMigrate is set.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("storage: %s environment variable not set", cfg.DSNEnv)
	}
	return OpenDSN(ctx, dsn, cfg, logger)
}

// OpenDSN is Open with an explicit connection string.
func OpenDSN(ctx context.Context, dsn string, cfg config.StoreConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	if cfg.AutoMigrate {
		if err := NewMigrator(pool, logger).Run(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return pool, nil
}
