package rediscache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
)

// Client — минимальный набор команд redis, который использует кэш.
type Client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Cache — реализация domain.Cache поверх redis. Add использует SET NX, поэтому
// маркер создаёт ровно один из конкурирующих воркеров.
type Cache struct {
	client    Client
	keyPrefix string
}

// New создаёт кэш; keyPrefix отделяет ключи координатора от чужих.
func New(client Client, keyPrefix string) *Cache {
	return &Cache{client: client, keyPrefix: keyPrefix}
}

// Open разбирает redis URL, создаёт клиент и проверяет соединение.
func Open(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (c *Cache) key(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", domain.ErrCacheKeyRequired
	}
	return c.keyPrefix + key, nil
}

func (c *Cache) Add(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	k, err := c.key(key)
	if err != nil {
		return false, err
	}
	added, err := c.client.SetNX(ctx, k, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", k, err)
	}
	return added, nil
}

func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	k, err := c.key(key)
	if err != nil {
		return "", err
	}
	value, err := c.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", k, err)
	}
	return value, nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	k, err := c.key(key)
	if err != nil {
		return err
	}
	if err := c.client.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", k, err)
	}
	return nil
}

// Ping проверяет доступность redis (для health checks).
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

var _ domain.Cache = (*Cache)(nil)
