package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
)

// cacheInMemory — in-memory реализация domain.Cache для одного процесса и тестов.
type cacheInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.CacheEntry
	now   func() time.Time
}

// CacheOption настраивает in-memory кэш.
type CacheOption func(*cacheInMemory)

// WithClock подменяет источник времени (для тестов TTL).
func WithClock(now func() time.Time) CacheOption {
	return func(c *cacheInMemory) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCache создаёт in-memory кэш с поддержкой TTL.
func NewCache(opts ...CacheOption) *cacheInMemory {
	c := &cacheInMemory{
		items: make(map[string]domain.CacheEntry),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *cacheInMemory) Add(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, domain.ErrCacheKeyRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if existing, ok := c.items[key]; ok && !existing.Expired(now) {
		return false, nil
	}
	c.items[key] = c.entry(key, value, ttl, now)
	return true, nil
}

func (c *cacheInMemory) Get(_ context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", domain.ErrCacheKeyRequired
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.items[key]
	if !ok || entry.Expired(c.now()) {
		return "", domain.ErrCacheMiss
	}
	return entry.Value, nil
}

func (c *cacheInMemory) Delete(_ context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrCacheKeyRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
	return nil
}

// DeleteExpired удаляет до limit истёкших записей (limit <= 0: без ограничения).
func (c *cacheInMemory) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.items {
		if !entry.Expired(before) {
			continue
		}

		delete(c.items, key)
		removed++
		if limit > 0 && removed >= limit {
			break
		}
	}

	return removed, nil
}

// Len возвращает число записей, включая ещё не вычищенные истёкшие.
func (c *cacheInMemory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *cacheInMemory) entry(key, value string, ttl time.Duration, now time.Time) domain.CacheEntry {
	entry := domain.CacheEntry{Key: key, Value: value, CreatedAt: now}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}
	return entry
}

var (
	_ domain.Cache               = (*cacheInMemory)(nil)
	_ domain.ExpiredEntryDeleter = (*cacheInMemory)(nil)
)
