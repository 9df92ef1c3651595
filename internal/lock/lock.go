package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
)

const (
	// Время жизни маркера блокировки; защищает от вечной блокировки упавшим воркером.
	DefaultTTL = 60 * time.Second
	// Интервал повторной попытки захвата.
	DefaultPollInterval = 500 * time.Millisecond

	releaseTimeout = 5 * time.Second
)

// ErrNotAcquired возвращается, если блокировку не удалось захватить до отмены контекста.
var ErrNotAcquired = errors.New("lock not acquired")

// ErrLockLost возвращает Release, когда маркер уже принадлежит другому владельцу.
var ErrLockLost = errors.New("lock taken over by another owner")

// RefundKey возвращает ключ блокировки возврата по заказу.
func RefundKey(orderID string) string {
	return "refund-lock:" + orderID
}

// FulfillmentKey возвращает ключ блокировки исполнения заказа.
func FulfillmentKey(orderID string) string {
	return "fulfillment-lock:" + orderID
}

// Recorder принимает метрики ожидания блокировки.
type Recorder interface {
	ObserveLockWait(key string, wait time.Duration, acquired bool)
}

type noopRecorder struct{}

func (noopRecorder) ObserveLockWait(string, time.Duration, bool) {}

// Options задаёт параметры блокировки.
type Options struct {
	TTL          time.Duration
	PollInterval time.Duration
	Logger       *log.Entry
	Recorder     Recorder
}

// Option настраивает Locker.
type Option func(*Options)

// WithTTL задаёт время жизни маркера.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = ttl
	}
}

// WithPollInterval задаёт интервал опроса при ожидании.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.PollInterval = interval
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithRecorder задаёт приёмник метрик.
func WithRecorder(recorder Recorder) Option {
	return func(opts *Options) {
		opts.Recorder = recorder
	}
}

// Locker — распределённая блокировка поверх общего кэша. Маркер создаётся
// атомарной операцией Add, поэтому в каждый момент его держит не больше одного
// воркера, пока не истёк TTL.
type Locker struct {
	cache    domain.Cache
	ttl      time.Duration
	poll     time.Duration
	logger   *log.Entry
	recorder Recorder
	owner    string
}

// New создаёт Locker.
func New(cache domain.Cache, options ...Option) *Locker {
	opts := Options{TTL: DefaultTTL, PollInterval: DefaultPollInterval}
	for _, option := range options {
		option(&opts)
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "lock")
	}
	if opts.Recorder == nil {
		opts.Recorder = noopRecorder{}
	}

	return &Locker{
		cache:    cache,
		ttl:      opts.TTL,
		poll:     opts.PollInterval,
		logger:   opts.Logger,
		recorder: opts.Recorder,
		owner:    uuid.NewString(),
	}
}

// TryAcquire делает одну попытку захвата.
func (l *Locker) TryAcquire(ctx context.Context, key string) (bool, error) {
	acquired, err := l.cache.Add(ctx, key, l.owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return acquired, nil
}

// Acquire ждёт захвата, опрашивая кэш с фиксированным интервалом, пока не отменён ctx.
func (l *Locker) Acquire(ctx context.Context, key string) error {
	start := time.Now()
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		acquired, err := l.TryAcquire(ctx, key)
		if err != nil {
			l.recorder.ObserveLockWait(key, time.Since(start), false)
			return err
		}
		if acquired {
			l.recorder.ObserveLockWait(key, time.Since(start), true)
			return nil
		}

		select {
		case <-ctx.Done():
			l.recorder.ObserveLockWait(key, time.Since(start), false)
			return fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Release снимает блокировку, если маркер принадлежит этому Locker. Истёкший маркер
// уже снят; маркер, который после истечения TTL захватил другой владелец, не трогается.
func (l *Locker) Release(ctx context.Context, key string) error {
	holder, err := l.cache.Get(ctx, key)
	switch {
	case errors.Is(err, domain.ErrCacheMiss):
		return nil
	case err != nil:
		return fmt.Errorf("release lock %s: %w", key, err)
	case holder != l.owner:
		return fmt.Errorf("%w: %s", ErrLockLost, key)
	}

	// Get и Delete не атомарны: маркер, перехваченный между ними, всё равно будет удалён.
	if err := l.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

// WithLock выполняет fn под блокировкой key. Блокировка снимается на любом
// выходе из fn, включая панику; паника затем пробрасывается дальше.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := l.Acquire(ctx, key); err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := l.Release(releaseCtx, key); err != nil {
			l.logger.WithError(err).WithField("key", key).Warn("failed to release lock, it will expire by ttl")
		}
	}()

	return fn(ctx)
}
