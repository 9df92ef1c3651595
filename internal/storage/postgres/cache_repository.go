package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
)

// CacheRepository — общий кэш поверх таблицы cache_entries. Истекшие записи
// невидимы для чтения и перезаписываются Add; физически их удаляет sweeper.
type CacheRepository struct {
	db *sql.DB
}

// NewCacheRepository создаёт PostgreSQL-реализацию domain.Cache.
func NewCacheRepository(store *Store) *CacheRepository {
	return &CacheRepository{db: store.DB()}
}

func (r *CacheRepository) Add(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, domain.ErrCacheKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, expires_at, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value,
		    expires_at = EXCLUDED.expires_at,
		    created_at = EXCLUDED.created_at
		WHERE cache_entries.expires_at IS NOT NULL
		  AND cache_entries.expires_at <= NOW()
	`, key, value, expiresAt(ttl))
	if err != nil {
		return false, fmt.Errorf("add cache entry: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cache rows affected: %w", err)
	}
	return affected == 1, nil
}

func (r *CacheRepository) Get(ctx context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", domain.ErrCacheKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var value string
	err := r.db.QueryRowContext(ctx, `
		SELECT value
		FROM cache_entries
		WHERE key = $1
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrCacheMiss
		}
		return "", fmt.Errorf("get cache entry: %w", err)
	}
	return value, nil
}

func (r *CacheRepository) Delete(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrCacheKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// DeleteExpired удаляет до limit записей, истекших к before. limit<=0 снимает ограничение.
func (r *CacheRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		res sql.Result
		err error
	)

	if limit > 0 {
		res, err = r.db.ExecContext(ctx, `
			DELETE FROM cache_entries
			WHERE key IN (
				SELECT key
				FROM cache_entries
				WHERE expires_at IS NOT NULL AND expires_at <= $1
				ORDER BY expires_at ASC
				LIMIT $2
			)
		`, before, limit)
	} else {
		res, err = r.db.ExecContext(ctx, `
			DELETE FROM cache_entries
			WHERE expires_at IS NOT NULL AND expires_at <= $1
		`, before)
	}
	if err != nil {
		return 0, fmt.Errorf("delete expired cache entries: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache rows affected: %w", err)
	}
	return int(affected), nil
}

func expiresAt(ttl time.Duration) sql.NullTime {
	if ttl <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: time.Now().UTC().Add(ttl), Valid: true}
}

var (
	_ domain.Cache               = (*CacheRepository)(nil)
	_ domain.ExpiredEntryDeleter = (*CacheRepository)(nil)
)
