package sweeper

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
)

const (
	defaultInterval  = 10 * time.Minute
	defaultBatchSize = 500
)

// Recorder принимает метрики циклов очистки.
type Recorder interface {
	ObserveSweep(deleted int, err error)
}

type noopRecorder struct{}

func (noopRecorder) ObserveSweep(int, error) {}

// Options задает параметры воркера очистки кэша.
type Options struct {
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
	Recorder  Recorder
}

// Option настраивает Worker.
type Option func(*Options)

// WithLogger задает logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithInterval задает интервал между циклами очистки.
func WithInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.Interval = interval
	}
}

// WithBatchSize задает размер порции для одного удаления.
func WithBatchSize(batchSize int) Option {
	return func(opts *Options) {
		opts.BatchSize = batchSize
	}
}

// WithRecorder задает приемник метрик.
func WithRecorder(recorder Recorder) Option {
	return func(opts *Options) {
		opts.Recorder = recorder
	}
}

// Worker периодически удаляет истекшие маркеры блокировок и дедупликации
// из хранилищ, которые сами не умеют истекать по TTL.
type Worker struct {
	store     domain.ExpiredEntryDeleter
	logger    *log.Entry
	recorder  Recorder
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// New создает воркер очистки.
func New(store domain.ExpiredEntryDeleter, options ...Option) *Worker {
	opts := Options{
		Interval:  defaultInterval,
		BatchSize: defaultBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "cache-sweeper")
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}

	return &Worker{
		store:     store,
		logger:    logger,
		recorder:  recorder,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run запускает периодическую очистку до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.store == nil {
		w.logger.Warn("cache sweeper is disabled: store is nil")
		return
	}

	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	deleted, err := w.DeleteExpired(ctx, w.now())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.recorder.ObserveSweep(deleted, err)
		w.logger.WithError(err).Warn("cache sweep failed")
		return
	}

	w.recorder.ObserveSweep(deleted, nil)
	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Info("expired cache entries removed")
	}
}

// DeleteExpired удаляет все записи с expires_at <= before порциями batchSize.
func (w *Worker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now()
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := w.store.DeleteExpired(ctx, before, w.batchSize)
		if err != nil {
			return total, err
		}
		total += deleted

		if deleted < w.batchSize {
			return total, nil
		}
	}
}
