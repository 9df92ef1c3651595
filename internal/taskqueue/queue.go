package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
)

// ErrQueueClosed возвращается Submit после Stop.
var ErrQueueClosed = errors.New("task queue is closed")

// Task — единица фоновой работы с собственной политикой повторов на уровне очереди.
type Task interface {
	// Тип задачи (для логов, метрик и dead letters).
	Name() string
	// Идентификатор сущности, например order_id.
	Key() string
	Execute(ctx context.Context) error
}

// PayloadCarrier реализуют задачи, чьи аргументы сохраняются в dead letter.
type PayloadCarrier interface {
	Payload() any
}

type funcTask struct {
	name    string
	key     string
	payload any
	fn      func(ctx context.Context) error
}

func (t *funcTask) Name() string { return t.name }
func (t *funcTask) Key() string { return t.key }
func (t *funcTask) Payload() any { return t.payload }
func (t *funcTask) Execute(ctx context.Context) error { return t.fn(ctx) }

// NewTask оборачивает функцию в задачу.
func NewTask(name, key string, payload any, fn func(ctx context.Context) error) Task {
	return &funcTask{name: name, key: key, payload: payload, fn: fn}
}

// RetryPolicy задаёт, сколько раз и с какой задержкой повторять упавшую задачу.
type RetryPolicy struct {
	MaxAttempts int
	// Backoff возвращает задержку перед попыткой attempt+1.
	Backoff func(attempt int) time.Duration
	// IsRetryable решает, стоит ли повторять ошибку.
	IsRetryable func(err error) bool
}

// FixedBackoff возвращает одинаковую задержку для всех попыток.
func FixedBackoff(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// DefaultRetryPolicy — 5 попыток с паузой 2s; ошибки, помеченные domain.Permanent, не повторяются.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Backoff:     FixedBackoff(2 * time.Second),
		IsRetryable: func(err error) bool { return !domain.IsPermanent(err) },
	}
}

// PanicError — паника задачи, превращённая в ошибку.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Recorder принимает метрики выполнения задач.
type Recorder interface {
	ObserveTask(task string, duration time.Duration, err error)
	TaskRetried(task string)
	TaskDeadLettered(task string)
}

type noopRecorder struct{}

func (noopRecorder) ObserveTask(string, time.Duration, error) {}
func (noopRecorder) TaskRetried(string) {}
func (noopRecorder) TaskDeadLettered(string) {}

// Options задаёт параметры очереди.
type Options struct {
	Workers     int
	Buffer      int
	Policy      RetryPolicy
	TaskTimeout time.Duration
	Logger      *log.Entry
	DeadLetters domain.DeadLetterRepository
	Recorder    Recorder
}

// Option настраивает очередь.
type Option func(*Options)

// WithWorkers задаёт число параллельных воркеров.
func WithWorkers(n int) Option {
	return func(opts *Options) {
		opts.Workers = n
	}
}

// WithBuffer задаёт ёмкость очереди; Submit блокируется, когда она заполнена.
func WithBuffer(n int) Option {
	return func(opts *Options) {
		opts.Buffer = n
	}
}

// WithRetryPolicy задаёт политику повторов.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(opts *Options) {
		opts.Policy = policy
	}
}

// WithTaskTimeout ограничивает время одной попытки.
func WithTaskTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.TaskTimeout = timeout
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithDeadLetters задаёт хранилище задач, исчерпавших повторы.
func WithDeadLetters(repo domain.DeadLetterRepository) Option {
	return func(opts *Options) {
		opts.DeadLetters = repo
	}
}

// WithRecorder задаёт приёмник метрик.
func WithRecorder(recorder Recorder) Option {
	return func(opts *Options) {
		opts.Recorder = recorder
	}
}

type envelope struct {
	task    Task
	attempt int
	lastErr error
}

type scheduledRetry struct {
	env   envelope
	timer *time.Timer
}

// Queue — пул воркеров, выполняющий задачи асинхронно относительно потребителя
// сообщений. Упавшая задача возвращается в очередь после паузы Backoff, пока
// не исчерпан MaxAttempts; затем она логируется и сохраняется как dead letter.
// Принятая задача либо выполняется, либо попадает в dead letters: при Stop
// невыполненные задачи из буфера и отложенные повторы сохраняются с ErrQueueClosed.
type Queue struct {
	tasks       chan envelope
	workers     int
	policy      RetryPolicy
	taskTimeout time.Duration
	logger      *log.Entry
	deadLetters domain.DeadLetterRepository
	recorder    Recorder

	stopCh   chan struct{}
	stopOnce sync.Once
	// submitMu не даёт Submit положить задачу в буфер после того, как Stop его вычерпал.
	submitMu sync.RWMutex
	stopped  bool
	wg       sync.WaitGroup
	pending  sync.WaitGroup

	retryMu   sync.Mutex
	retries   map[uint64]scheduledRetry
	nextRetry uint64
	retryWG   sync.WaitGroup
}

// New создаёт очередь. Воркеры запускаются через Start.
func New(options ...Option) *Queue {
	opts := Options{
		Workers: 8,
		Buffer:  256,
		Policy:  DefaultRetryPolicy(),
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Buffer < 0 {
		opts.Buffer = 0
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy.MaxAttempts = 1
	}
	if opts.Policy.Backoff == nil {
		opts.Policy.Backoff = FixedBackoff(0)
	}
	if opts.Policy.IsRetryable == nil {
		opts.Policy.IsRetryable = DefaultRetryPolicy().IsRetryable
	}
	if opts.Logger == nil {
		opts.Logger = log.New().WithField("component", "task-queue")
	}
	if opts.Recorder == nil {
		opts.Recorder = noopRecorder{}
	}

	return &Queue{
		tasks:       make(chan envelope, opts.Buffer),
		workers:     opts.Workers,
		policy:      opts.Policy,
		taskTimeout: opts.TaskTimeout,
		logger:      opts.Logger,
		deadLetters: opts.DeadLetters,
		recorder:    opts.Recorder,
		stopCh:      make(chan struct{}),
		retries:     make(map[uint64]scheduledRetry),
	}
}

// Start запускает воркеры.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(q.workers)
	for i := 0; i < q.workers; i++ {
		go q.worker(ctx)
	}
	q.logger.WithField("workers", q.workers).Info("task queue started")
}

// Stop прекращает приём задач и ждёт завершения текущих попыток. Задачи,
// оставшиеся в буфере, и отложенные повторы сохраняются как dead letters.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		q.submitMu.Lock()
		q.stopped = true
		q.submitMu.Unlock()
	})
	q.wg.Wait()
	q.cancelRetries()
	q.retryWG.Wait()
	abandoned := q.drainBuffer()

	entry := q.logger
	if abandoned > 0 {
		entry = entry.WithField("abandoned", abandoned)
	}
	entry.Info("task queue stopped")
}

// Drain ждёт, пока все принятые задачи завершатся успешно или окончательно упадут,
// но не дольше ctx. Вызывается после остановки источников задач.
func (q *Queue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit ставит задачу в очередь, блокируясь, пока в ней нет места.
func (q *Queue) Submit(ctx context.Context, task Task) error {
	q.submitMu.RLock()
	defer q.submitMu.RUnlock()
	if q.stopped {
		return ErrQueueClosed
	}
	select {
	case <-q.stopCh:
		return ErrQueueClosed
	default:
	}

	q.pending.Add(1)
	select {
	case q.tasks <- envelope{task: task}:
		return nil
	case <-q.stopCh:
		q.pending.Done()
		return ErrQueueClosed
	case <-ctx.Done():
		q.pending.Done()
		return ctx.Err()
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case env := <-q.tasks:
			q.process(ctx, env)
		}
	}
}

func (q *Queue) process(ctx context.Context, env envelope) {
	env.attempt++
	task := env.task

	start := time.Now()
	err := q.execute(ctx, task)
	q.recorder.ObserveTask(task.Name(), time.Since(start), err)

	fields := log.Fields{
		"task":    task.Name(),
		"key":     task.Key(),
		"attempt": env.attempt,
	}

	if err == nil {
		if env.attempt > 1 {
			q.logger.WithFields(fields).Info("task succeeded after retry")
		}
		q.pending.Done()
		return
	}

	if q.policy.IsRetryable(err) && env.attempt < q.policy.MaxAttempts {
		delay := q.policy.Backoff(env.attempt)
		q.logger.WithError(err).WithFields(fields).WithField("delay", delay).Warn("task failed, scheduling retry")
		q.recorder.TaskRetried(task.Name())
		env.lastErr = err
		q.requeue(ctx, env, delay)
		return
	}

	entry := q.logger.WithError(err).WithFields(fields)
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		entry = entry.WithField("stack", string(panicErr.Stack))
	}
	entry.Error("task failed permanently")
	q.deadLetter(task, env.attempt, err)
	q.pending.Done()
}

func (q *Queue) execute(ctx context.Context, task Task) (err error) {
	if q.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.taskTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return task.Execute(ctx)
}

func (q *Queue) requeue(ctx context.Context, env envelope, delay time.Duration) {
	q.retryMu.Lock()
	defer q.retryMu.Unlock()

	id := q.nextRetry
	q.nextRetry++
	q.retryWG.Add(1)
	timer := time.AfterFunc(delay, func() {
		defer q.retryWG.Done()
		q.retryMu.Lock()
		delete(q.retries, id)
		q.retryMu.Unlock()

		select {
		case q.tasks <- env:
		case <-q.stopCh:
			q.abandon(env, ErrQueueClosed)
		case <-ctx.Done():
			q.abandon(env, ctx.Err())
		}
	})
	q.retries[id] = scheduledRetry{env: env, timer: timer}
}

// cancelRetries снимает ещё не сработавшие таймеры повторов и сохраняет их задачи.
func (q *Queue) cancelRetries() {
	q.retryMu.Lock()
	var stopped []envelope
	for id, retry := range q.retries {
		if retry.timer.Stop() {
			delete(q.retries, id)
			stopped = append(stopped, retry.env)
		}
	}
	q.retryMu.Unlock()

	for _, env := range stopped {
		q.abandon(env, ErrQueueClosed)
		q.retryWG.Done()
	}
}

func (q *Queue) drainBuffer() int {
	abandoned := 0
	for {
		select {
		case env := <-q.tasks:
			q.abandon(env, ErrQueueClosed)
			abandoned++
		default:
			return abandoned
		}
	}
}

// abandon сохраняет принятую, но не завершённую задачу как dead letter.
func (q *Queue) abandon(env envelope, cause error) {
	err := cause
	if env.lastErr != nil {
		err = fmt.Errorf("%w; last error: %v", cause, env.lastErr)
	}
	q.logger.WithError(err).WithFields(log.Fields{
		"task":     env.task.Name(),
		"key":      env.task.Key(),
		"attempts": env.attempt,
	}).Error("task abandoned on shutdown")
	q.deadLetter(env.task, env.attempt, err)
	q.pending.Done()
}

func (q *Queue) deadLetter(task Task, attempts int, cause error) {
	q.recorder.TaskDeadLettered(task.Name())
	if q.deadLetters == nil {
		return
	}

	letter := domain.DeadLetter{
		TaskName:  task.Name(),
		TaskKey:   task.Key(),
		LastError: cause.Error(),
		Attempts:  attempts,
		FailedAt:  time.Now().UTC(),
	}
	if carrier, ok := task.(PayloadCarrier); ok && carrier.Payload() != nil {
		payload, err := json.Marshal(carrier.Payload())
		if err != nil {
			q.logger.WithError(err).WithField("task", task.Name()).Warn("failed to encode dead letter payload")
		} else {
			letter.Payload = payload
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.deadLetters.Save(ctx, letter); err != nil {
		q.logger.WithError(err).WithFields(log.Fields{
			"task": task.Name(),
			"key":  task.Key(),
		}).Error("failed to save dead letter")
	}
}
