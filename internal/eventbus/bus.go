package eventbus

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

// Event — имя доменного события. Множество событий закрыто.
type Event string

const (
	OrderPlaced          Event = "order_placed"
	OrderSanctioned      Event = "order_sanctioned"
	OrderReturned        Event = "order_returned"
	EnrollmentRequested  Event = "enrollment_requested"
	EntitlementRequested Event = "entitlement_requested"
)

// KnownEvents возвращает все события, которые поддерживает шина.
func KnownEvents() []Event {
	return []Event{OrderPlaced, OrderSanctioned, OrderReturned, EnrollmentRequested, EntitlementRequested}
}

// IsKnown проверяет, входит ли имя в закрытое множество событий.
func IsKnown(name string) bool {
	for _, e := range KnownEvents() {
		if string(e) == name {
			return true
		}
	}
	return false
}

var (
	// Событие вне закрытого множества.
	ErrUnknownEvent = errors.New("unknown event")
	// Нарушены инварианты конфигурации шины.
	ErrInvalidConfig = errors.New("invalid event bus configuration")
)

// Consumer — потребитель события.
type Consumer interface {
	Name() string
	Handle(ctx context.Context, payload Payload) error
}

type consumerFunc struct {
	name string
	fn   func(ctx context.Context, payload Payload) error
}

func (c consumerFunc) Name() string { return c.name }

func (c consumerFunc) Handle(ctx context.Context, payload Payload) error {
	return c.fn(ctx, payload)
}

// NewConsumer оборачивает функцию в именованного потребителя.
func NewConsumer(name string, fn func(ctx context.Context, payload Payload) error) Consumer {
	return consumerFunc{name: name, fn: fn}
}

// Config — декларативная привязка событий к упорядоченным спискам потребителей.
type Config struct {
	Events map[string][]string `yaml:"events"`
}

// Outcome — результат вызова одного потребителя.
type Outcome struct {
	Consumer string
	Err      error
}

// PanicError — паника потребителя, перехваченная шиной.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("consumer panicked: %v", e.Value)
}

// Recorder принимает метрики вызовов потребителей.
type Recorder interface {
	ObserveConsumer(event, consumer string, duration time.Duration, err error)
}

type noopRecorder struct{}

func (noopRecorder) ObserveConsumer(string, string, time.Duration, error) {}

// Options задаёт параметры шины.
type Options struct {
	Logger   *log.Entry
	Recorder Recorder
}

// Option настраивает Bus.
type Option func(*Options)

// WithLogger задаёт logger шины.
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

// Bus — внутрипроцессная шина событий. Строится один раз через Init и далее только читается.
type Bus struct {
	bindings map[Event][]Consumer
	logger   *log.Entry
	recorder Recorder
}

// Init валидирует конфигурацию и строит реестр событие → потребители.
// Каждое событие из конфигурации должно существовать, у каждого события должен быть
// хотя бы один потребитель, а потребители привязываются только через конфигурацию.
func Init(cfg Config, consumers []Consumer, options ...Option) (*Bus, error) {
	opts := Options{}
	for _, option := range options {
		option(&opts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "eventbus")
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}

	available := make(map[string]Consumer, len(consumers))
	for _, c := range consumers {
		if c == nil || c.Name() == "" {
			return nil, fmt.Errorf("%w: consumer without name", ErrInvalidConfig)
		}
		if _, dup := available[c.Name()]; dup {
			return nil, fmt.Errorf("%w: consumer %q registered twice", ErrInvalidConfig, c.Name())
		}
		available[c.Name()] = c
	}

	bindings := make(map[Event][]Consumer, len(cfg.Events))
	used := make(map[string]bool, len(available))
	for name, consumerNames := range cfg.Events {
		if !IsKnown(name) {
			return nil, fmt.Errorf("%w: %w: %q", ErrInvalidConfig, ErrUnknownEvent, name)
		}
		seen := make(map[string]bool, len(consumerNames))
		for _, consumerName := range consumerNames {
			c, ok := available[consumerName]
			if !ok {
				return nil, fmt.Errorf("%w: event %q references unknown consumer %q", ErrInvalidConfig, name, consumerName)
			}
			if seen[consumerName] {
				return nil, fmt.Errorf("%w: consumer %q bound twice to event %q", ErrInvalidConfig, consumerName, name)
			}
			seen[consumerName] = true
			used[consumerName] = true
			bindings[Event(name)] = append(bindings[Event(name)], c)
		}
	}

	for _, event := range KnownEvents() {
		if len(bindings[event]) == 0 {
			return nil, fmt.Errorf("%w: event %q has no consumers", ErrInvalidConfig, event)
		}
	}

	unused := make([]string, 0)
	for name := range available {
		if !used[name] {
			unused = append(unused, name)
		}
	}
	if len(unused) > 0 {
		sort.Strings(unused)
		logger.WithField("consumers", unused).Warn("registered consumers are not bound to any event")
	}

	return &Bus{bindings: bindings, logger: logger, recorder: recorder}, nil
}

// Consumers возвращает имена потребителей события в порядке вызова.
func (b *Bus) Consumers(event Event) []string {
	names := make([]string, 0, len(b.bindings[event]))
	for _, c := range b.bindings[event] {
		names = append(names, c.Name())
	}
	return names
}

// Publish вызывает всех потребителей события по порядку. Ошибка или паника одного
// потребителя логируется и записывается в результат, остальные всё равно вызываются.
func (b *Bus) Publish(ctx context.Context, event Event, payload Payload) []Outcome {
	consumers, ok := b.bindings[event]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownEvent, event)
		b.logger.WithError(err).WithField("payload", payload).Error("publish of unknown event")
		return []Outcome{{Consumer: "", Err: err}}
	}

	outcomes := make([]Outcome, 0, len(consumers))
	for _, c := range consumers {
		start := time.Now()
		err := b.invoke(ctx, c, payload.Clone())
		b.recorder.ObserveConsumer(string(event), c.Name(), time.Since(start), err)
		if err != nil {
			entry := b.logger.WithError(err).WithFields(log.Fields{
				"event":    event,
				"consumer": c.Name(),
				"payload":  payload,
			})
			var panicErr *PanicError
			if errors.As(err, &panicErr) {
				entry = entry.WithField("stack", string(panicErr.Stack))
			}
			entry.Error("event consumer failed")
		}
		outcomes = append(outcomes, Outcome{Consumer: c.Name(), Err: err})
	}
	return outcomes
}

func (b *Bus) invoke(ctx context.Context, c Consumer, payload Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return c.Handle(ctx, payload)
}

// Failed объединяет ошибки потребителей в одну; nil, если все успешны.
func Failed(outcomes []Outcome) error {
	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("consumer %q: %w", o.Consumer, o.Err))
		}
	}
	return errors.Join(errs...)
}
