package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/commerce-coordinator/internal/health"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/storage/memory"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/storage/postgres"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/storage/rediscache"
)

const (
	redisKeyPrefix     = "coordinator:"
	healthCheckTimeout = 2 * time.Second
)

// runtimeDependencies — хранилища, выбранные по конфигурации.
type runtimeDependencies struct {
	backend     CacheBackend
	cache       domain.Cache
	expired     domain.ExpiredEntryDeleter
	deadLetters domain.DeadLetterRepository
	checkers    map[string]healthcheck.Checker
	closers     []func() error
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}
}

// initRuntimeDependencies подключает redis и postgres, если они сконфигурированы.
// Без внешних хранилищ кэш и dead letters живут в памяти процесса.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{
		backend:  cfg.CacheBackend(),
		checkers: make(map[string]healthcheck.Checker),
	}

	var store *postgres.Store
	if cfg.PostgresDSN != "" {
		var err error
		store, err = postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		deps.closers = append(deps.closers, store.Close)

		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				deps.close(logger)
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		deps.deadLetters = postgres.NewDeadLetterRepository(store)
		deps.checkers["postgres"] = healthcheck.NewPingChecker("postgres", healthCheckTimeout, store.Ping)
		logger.Info("postgres storage initialized")
	} else {
		deps.deadLetters = memory.NewDeadLetterRepository()
	}

	switch deps.backend {
	case CacheBackendRedis:
		client, err := rediscache.Open(ctx, cfg.RedisURL)
		if err != nil {
			deps.close(logger)
			return nil, fmt.Errorf("open redis: %w", err)
		}
		deps.closers = append(deps.closers, client.Close)
		cache := rediscache.New(client, redisKeyPrefix)
		deps.cache = cache
		deps.checkers["redis"] = healthcheck.NewPingChecker("redis", healthCheckTimeout, cache.Ping)
	case CacheBackendPostgres:
		cache := postgres.NewCacheRepository(store)
		deps.cache = cache
		deps.expired = cache
	case CacheBackendMemory:
		cache := memory.NewCache()
		deps.cache = cache
		deps.expired = cache
		logger.Warn("using in-memory cache: locks and notification dedup are not shared between processes")
	default:
		return nil, errors.New("unsupported cache backend")
	}

	logger.WithField("cache_backend", deps.backend).Info("cache initialized")
	return deps, nil
}
