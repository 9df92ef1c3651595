package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
)

// ErrRemoteCallFailed — чтение у внешнего сервиса не удалось после всех попыток.
var ErrRemoteCallFailed = errors.New("remote call failed")

// Config конфигурация для retry логики.
type Config struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Recorder принимает метрики удалённых вызовов.
type Recorder interface {
	ObserveRemoteCall(endpoint string, attempts int, err error)
}

type noopRecorder struct{}

func (noopRecorder) ObserveRemoteCall(string, int, error) {}

// Option настраивает Caller.
type Option func(*Caller)

// WithSleep подменяет ожидание между попытками (для тестов).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Caller) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithClassifier задаёт функцию, решающую, стоит ли повторять ошибку.
func WithClassifier(classify func(error) bool) Option {
	return func(c *Caller) {
		if classify != nil {
			c.classify = classify
		}
	}
}

// WithCircuitBreaker пропускает каждую попытку через breaker.
func WithCircuitBreaker(breaker *CircuitBreaker) Option {
	return func(c *Caller) {
		c.breaker = breaker
	}
}

// WithRecorder задаёт приёмник метрик.
func WithRecorder(recorder Recorder) Option {
	return func(c *Caller) {
		if recorder != nil {
			c.recorder = recorder
		}
	}
}

// Caller выполняет вызовы внешних сервисов с экспоненциальной задержкой между попытками.
// Повторяются только временные ошибки (сеть, таймауты, 5xx и 429).
type Caller struct {
	config   Config
	logger   *log.Entry
	sleep    func(ctx context.Context, d time.Duration) error
	classify func(error) bool
	breaker  *CircuitBreaker
	recorder Recorder
}

// New создаёт Caller.
func New(config Config, logger *log.Entry, opts ...Option) *Caller {
	if logger == nil {
		logger = log.New().WithField("component", "retry")
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 1
	}

	c := &Caller{
		config:   config,
		logger:   logger,
		sleep:    sleepContext,
		classify: IsRetryable,
		recorder: noopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Read выполняет чтение. После исчерпания попыток логирует endpoint, последнюю
// ошибку и tag и возвращает ErrRemoteCallFailed. Неповторяемая ошибка
// возвращается сразу без изменений.
func (c *Caller) Read(ctx context.Context, endpoint, tag string, fn func(ctx context.Context) error) error {
	attempts, fatal, err := c.execute(ctx, endpoint, tag, fn)
	c.recorder.ObserveRemoteCall(endpoint, attempts, err)
	if err == nil || fatal {
		return err
	}

	c.logger.WithError(err).WithFields(log.Fields{
		"endpoint": endpoint,
		"tag":      tag,
		"attempts": attempts,
	}).Error("remote read failed after all retry attempts")
	return fmt.Errorf("%w: %s (%s): %w", ErrRemoteCallFailed, endpoint, tag, err)
}

// Write выполняет мутацию. После исчерпания попыток возвращает последнюю ошибку как есть.
func (c *Caller) Write(ctx context.Context, endpoint, tag string, fn func(ctx context.Context) error) error {
	attempts, _, err := c.execute(ctx, endpoint, tag, fn)
	c.recorder.ObserveRemoteCall(endpoint, attempts, err)
	return err
}

// ReadValue — Read для вызовов, возвращающих значение.
func ReadValue[T any](ctx context.Context, c *Caller, endpoint, tag string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := c.Read(ctx, endpoint, tag, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// WriteValue — Write для вызовов, возвращающих значение.
func WriteValue[T any](ctx context.Context, c *Caller, endpoint, tag string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := c.Write(ctx, endpoint, tag, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (c *Caller) execute(ctx context.Context, endpoint, tag string, fn func(ctx context.Context) error) (attempts int, fatal bool, err error) {
	var lastErr error
	delay := c.config.InitialDelay

	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		err = c.call(ctx, endpoint, fn)
		if err == nil {
			if attempt > 1 {
				c.logger.WithFields(log.Fields{
					"endpoint": endpoint,
					"tag":      tag,
					"attempt":  attempt,
				}).Info("remote call succeeded after retry")
			}
			return attempt, false, nil
		}

		lastErr = err
		if !c.classify(err) {
			return attempt, true, err
		}

		if attempt < c.config.MaxAttempts {
			c.logger.WithError(err).WithFields(log.Fields{
				"endpoint": endpoint,
				"tag":      tag,
				"attempt":  attempt,
				"delay":    delay,
			}).Warn("remote call failed, retrying")

			if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
				return attempt, false, lastErr
			}

			// Экспоненциальная задержка с ограничением
			delay = time.Duration(float64(delay) * c.config.BackoffFactor)
			if c.config.MaxDelay > 0 && delay > c.config.MaxDelay {
				delay = c.config.MaxDelay
			}
		}
	}

	return c.config.MaxAttempts, false, lastErr
}

func (c *Caller) call(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	if c.breaker == nil {
		return fn(ctx)
	}
	return c.breaker.Execute(endpoint, func() error { return fn(ctx) })
}

// IsRetryable определяет, стоит ли повторять вызов при данной ошибке.
func IsRetryable(err error) bool {
	if err == nil || domain.IsPermanent(err) || errors.Is(err, context.Canceled) {
		return false
	}

	var omsErr *domain.OMSError
	if errors.As(err, &omsErr) {
		return omsErr.Retryable()
	}

	if errors.Is(err, domain.ErrTemporary) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrCircuitOpen) {
		return true
	}

	// url.Error тоже реализует net.Error
	var netErr net.Error
	return errors.As(err, &netErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
