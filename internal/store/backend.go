package store

import (
	"context"
	"fmt"

	"mealsync/internal/config"
	"mealsync/internal/database"
	"mealsync/internal/domain"
	"mealsync/internal/repository"

	"github.com/rs/zerolog"
)

// Backend is an opened key-value backend. SQLite is set whenever the backend
// persists to a local database file, so callers can schedule backups.
type Backend struct {
	KV     domain.KV
	SQLite *database.DB
}

// OpenBackend builds the configured backend. The redis client, if any, is
// owned by the returned KV.
func OpenBackend(ctx context.Context, cfg config.StoreConfig, redisCfg config.RedisConfig, logger *zerolog.Logger) (*Backend, error) {
	switch cfg.Backend {
	case "memory":
		return &Backend{KV: repository.NewMemoryKV()}, nil

	case "sqlite", "":
		db, err := database.NewDB(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return &Backend{KV: db, SQLite: db}, nil

	case "redis":
		client := repository.NewRedisClient(redisCfg)
		if err := repository.Ping(ctx, client); err != nil {
			client.Close()
			return nil, err
		}
		return &Backend{KV: repository.NewRedisKV(client)}, nil

	case "failover":
		db, err := database.NewDB(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		client := repository.NewRedisClient(redisCfg)
		kv := repository.NewFailoverKV(repository.NewRedisKV(client), db, logger)
		if err := repository.Ping(ctx, client); err != nil && logger != nil {
			logger.Warn().Err(err).Msg("redis unavailable at startup, serving from sqlite")
		}
		return &Backend{KV: kv, SQLite: db}, nil

	default:
		return nil, fmt.Errorf("unknown store backend: %q", cfg.Backend)
	}
}
