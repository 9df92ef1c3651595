package domain

import (
	"errors"
	"time"
)

var (
	// Пустой ключ кэша.
	ErrCacheKeyRequired = errors.New("cache key is required")
	// Запись отсутствует или истекла.
	ErrCacheMiss = errors.New("cache miss")
)

// CacheEntry — запись общего кэша (блокировки и дедупликация).
type CacheEntry struct {
	Key       string
	Value     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired сообщает, истекла ли запись к моменту now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now)
}
