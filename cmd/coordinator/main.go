package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/app"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/version"
)

const (
	envLogLevel            = "COORDINATOR_LOG_LEVEL"
	envGRPCAddr            = "COORDINATOR_GRPC_ADDR"
	envMetricsAddr         = "COORDINATOR_METRICS_ADDR"
	envWiringFile          = "COORDINATOR_WIRING_FILE"
	envRedisURL            = "REDIS_URL"
	envPostgresDSN         = "COORDINATOR_POSTGRES_DSN"
	envPostgresAutoMigrate = "COORDINATOR_POSTGRES_AUTO_MIGRATE"
	envKafkaBrokers        = "KAFKA_BROKERS"
	envKafkaGroupID        = "KAFKA_GROUP_ID"
	envWorkers             = "COORDINATOR_WORKERS"
	envTaskMaxAttempts     = "COORDINATOR_TASK_MAX_ATTEMPTS"
	envTaskBackoff         = "COORDINATOR_TASK_BACKOFF"
	envTaskDrainTimeout    = "COORDINATOR_TASK_DRAIN_TIMEOUT"
	envLockTTL             = "COORDINATOR_LOCK_TTL"
	envLockPoll            = "COORDINATOR_LOCK_POLL"
	envCacheSweepInterval  = "COORDINATOR_CACHE_SWEEP_INTERVAL"
)

type envLookup func(key string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup envLookup) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	raw, ok := lookup(envLogLevel)
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}
	level, err := log.ParseLevel(strings.TrimSpace(raw))
	if err != nil {
		log.WithError(err).WithField("env", envLogLevel).Warn("invalid log level, using info")
		return
	}
	log.SetLevel(level)
}

// readConfigFromEnv накладывает переменные окружения на app.DefaultConfig.
// Некорректные значения не применяются и возвращаются как предупреждения.
func readConfigFromEnv(lookup envLookup) (app.Config, []error) {
	cfg := app.DefaultConfig()
	var warnings []error

	setString := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setInt := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseInt(v, func(n int) bool { return n > 0 }, "must be > 0")
		if err != nil {
			warnings = append(warnings, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = parsed
	}
	setDuration := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseDuration(v, func(d time.Duration) bool { return d > 0 }, "must be > 0")
		if err != nil {
			warnings = append(warnings, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = parsed
	}

	setString(envGRPCAddr, &cfg.GRPCAddr)
	setString(envMetricsAddr, &cfg.MetricsAddr)
	setString(envWiringFile, &cfg.WiringFile)
	setString(envRedisURL, &cfg.RedisURL)
	setString(envPostgresDSN, &cfg.PostgresDSN)
	setString(envKafkaBrokers, &cfg.KafkaBrokers)
	setString(envKafkaGroupID, &cfg.KafkaGroupID)

	if v, ok := lookup(envPostgresAutoMigrate); ok && strings.TrimSpace(v) != "" {
		parsed, err := parseBool(v)
		if err != nil {
			warnings = append(warnings, fmt.Errorf("%s: %w", envPostgresAutoMigrate, err))
		} else {
			cfg.PostgresAutoMigrate = parsed
		}
	}

	setInt(envWorkers, &cfg.Workers)
	setInt(envTaskMaxAttempts, &cfg.TaskMaxAttempts)
	setDuration(envTaskBackoff, &cfg.TaskBackoff)
	setDuration(envTaskDrainTimeout, &cfg.TaskDrainTimeout)
	setDuration(envLockTTL, &cfg.LockTTL)
	setDuration(envLockPoll, &cfg.LockPollInterval)
	setDuration(envCacheSweepInterval, &cfg.CacheSweepInterval)

	return cfg, warnings
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q: %w", raw, err)
	}
	if !valid(value) {
		return 0, fmt.Errorf("invalid int value %d: %s", value, rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration value %q: %w", raw, err)
	}
	if !valid(value) {
		return 0, fmt.Errorf("invalid duration value %s: %s", value, rule)
	}
	return value, nil
}

func main() {
	setupLogger(os.LookupEnv)
	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, w := range warnings {
		log.WithError(w).Warn("ignoring invalid environment value")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"grpc_addr":     cfg.GRPCAddr,
		"metrics_addr":  cfg.MetricsAddr,
		"cache_backend": cfg.CacheBackend(),
		"kafka":         cfg.KafkaBrokers != "",
		"version":       version.String(),
	}).Info("запускаем commerce-coordinator")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("commerce-coordinator остановлен")
}
