package app

import (
	"time"
)

// CacheBackend — хранилище маркеров блокировок и дедупликации.
type CacheBackend string

const (
	CacheBackendMemory   CacheBackend = "memory"
	CacheBackendRedis    CacheBackend = "redis"
	CacheBackendPostgres CacheBackend = "postgres"
)

// Config описывает настройки запуска координатора.
type Config struct {
	GRPCAddr    string
	MetricsAddr string
	// YAML с привязкой событий и пайплайнов; пусто означает встроенный wiring.yaml.
	WiringFile string

	RedisURL            string
	PostgresDSN         string
	PostgresAutoMigrate bool

	KafkaBrokers    string
	KafkaGroupID    string
	KafkaMaxRetries int

	Workers         int
	TaskMaxAttempts int
	TaskBackoff     time.Duration
	// Сколько ждать фоновые задачи при остановке, прежде чем сохранить остаток как dead letters.
	TaskDrainTimeout time.Duration

	LockTTL          time.Duration
	LockPollInterval time.Duration

	CacheSweepInterval  time.Duration
	CacheSweepBatchSize int
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:            ":50051",
		MetricsAddr:         ":9090",
		PostgresAutoMigrate: true,
		KafkaGroupID:        "commerce-coordinator",
		KafkaMaxRetries:     3,
		Workers:             8,
		TaskMaxAttempts:     5,
		TaskBackoff:         2 * time.Second,
		TaskDrainTimeout:    15 * time.Second,
		LockTTL:             60 * time.Second,
		LockPollInterval:    500 * time.Millisecond,
		CacheSweepInterval:  10 * time.Minute,
		CacheSweepBatchSize: 500,
	}
}

// CacheBackend выбирает хранилище кэша: redis, если задан REDIS_URL, затем postgres, иначе память.
func (c Config) CacheBackend() CacheBackend {
	switch {
	case c.RedisURL != "":
		return CacheBackendRedis
	case c.PostgresDSN != "":
		return CacheBackendPostgres
	default:
		return CacheBackendMemory
	}
}
