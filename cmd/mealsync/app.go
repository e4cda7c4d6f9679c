package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"mealsync/internal/compress"
	"mealsync/internal/config"
	"mealsync/internal/connectivity"
	"mealsync/internal/logging"
	"mealsync/internal/remote"
	"mealsync/internal/repository"
	"mealsync/internal/service"
	"mealsync/internal/store"
	"mealsync/internal/upload"
	"mealsync/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app holds what every subcommand needs: config, logger and the opened store.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	closer  io.Closer
	backend *store.Backend
	store   *store.Store
	redis   *redis.Client
}

func loadConfigAndLogger(configPath string) (*config.Config, zerolog.Logger, io.Closer, error) {
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, *baseLogger, closer, nil
}

func openApp(ctx context.Context, configPath, component string) (*app, error) {
	cfg, logger, closer, err := loadConfigAndLogger(configPath)
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("component", component).Logger()

	backend, err := store.OpenBackend(ctx, cfg.Store, cfg.Redis, &logger)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, fmt.Errorf("open store backend: %w", err)
	}

	st, err := store.Open(ctx, backend.KV, store.Options{
		KeyPrefix:     cfg.Store.KeyPrefix,
		MaxRetries:    cfg.Store.MaxRetries,
		CacheCapacity: cfg.Store.CacheCapacity,
	}, &logger)
	if err != nil {
		_ = backend.KV.Close()
		if closer != nil {
			_ = closer.Close()
		}
		return nil, fmt.Errorf("open work store: %w", err)
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		closer:  closer,
		backend: backend,
		store:   st,
		redis:   initRedis(ctx, cfg, &logger),
	}, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close store")
	}
	if a.closer != nil {
		_ = a.closer.Close()
	}
}

// initRedis connects the auxiliary client used for the response cache and the
// dead-letter list. Redis is optional; failures only disable those features.
func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}
	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}
	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

// engine is the wired sync stack.
type engine struct {
	probe      *connectivity.HTTPProbe
	monitor    *connectivity.Monitor
	remote     *remote.Client
	pipeline   *upload.Pipeline
	dispatcher *worker.QueueDispatcher
	sync       *service.SyncService
}

func (a *app) buildEngine(ctx context.Context) *engine {
	connCfg := a.cfg.Connectivity
	if connCfg.ProbeURL == "" {
		connCfg.ProbeURL = a.cfg.Remote.BaseURL
	}
	probe := connectivity.NewHTTPProbe(connCfg, &a.logger)
	monitor := connectivity.NewMonitor(ctx, probe, &a.logger)

	client := remote.NewClient(a.cfg.Remote, nil, &a.logger)
	if a.redis != nil && a.cfg.Remote.CacheTTL > 0 {
		client.UseRedisCache(a.redis, a.cfg.Remote.CacheTTL)
	}

	compressor := compress.NewImagingCompressor(a.cfg.Upload.WorkDir, &a.logger)
	pipeline := upload.NewPipeline(a.store, client, compressor, monitor,
		upload.ConfigFrom(a.cfg.Upload, a.cfg.Store.MaxRetries), &a.logger)
	dispatcher := worker.NewQueueDispatcher(a.store, client, a.redis, &a.logger)

	syncLogger := a.logger.With().Str("component", "sync").Logger()
	svc := service.NewSyncService(a.store, pipeline, dispatcher, monitor, service.SyncConfig{
		Interval:    a.cfg.Sync.Interval,
		SettleDelay: a.cfg.Sync.SettleDelay,
		FanOut:      a.cfg.Sync.FanOut,
		CacheMaxAge: a.cfg.Store.CacheMaxAge,
		Compress:    !a.cfg.Upload.NoCompress,
	}, &syncLogger)

	return &engine{
		probe:      probe,
		monitor:    monitor,
		remote:     client,
		pipeline:   pipeline,
		dispatcher: dispatcher,
		sync:       svc,
	}
}
