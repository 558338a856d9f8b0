package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/valuestor/trader/internal/config"
	"github.com/valuestor/trader/internal/store"
)

// openStore picks the persistence backend: Postgres (with a Redis read-through
// cache when Redis is configured), Redis alone, or process memory. The
// returned *PostgresStore is nil unless Postgres is in use.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, *store.PostgresStore, []func(), error) {
	var cleanup []func()

	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, cleanup, fmt.Errorf("postgres connect: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			return nil, nil, cleanup, err
		}
		pg := store.NewPostgresStore(pool, cfg.ExecutionTTL)
		logger.Info("connected to PostgreSQL")

		var st store.Store = pg
		if cfg.RedisURL != "" {
			rdb, err := store.OpenRedis(cfg.RedisURL)
			if err != nil {
				return nil, nil, cleanup, err
			}
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(pg, rdb, cfg.CacheTTL)
			logger.Info("Redis cache enabled", zap.Duration("ttl", cfg.CacheTTL))
		}
		return st, pg, cleanup, nil
	}

	if cfg.RedisURL != "" {
		rdb, err := store.OpenRedis(cfg.RedisURL)
		if err != nil {
			return nil, nil, cleanup, err
		}
		cleanup = append(cleanup, func() { rdb.Close() })
		logger.Info("using Redis store")
		return store.NewRedisStore(rdb, cfg.ExecutionTTL), nil, cleanup, nil
	}

	logger.Warn("no store configured, using in-memory store (data will not persist)")
	return store.NewMemoryStore(), nil, cleanup, nil
}
