package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	log "github.com/sirupsen/logrus"
)

// Context — общий мешок ключ/значение, который проходит через шаги одного запроса.
type Context map[string]any

// String возвращает строковое значение или пустую строку.
func (c Context) String(key string) string {
	v, _ := c[key].(string)
	return v
}

// Int64 возвращает целое значение или 0.
func (c Context) Int64(key string) int64 {
	switch v := c[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	default:
		return 0
	}
}

func (c Context) clone() Context {
	dst := make(Context, len(c))
	for k, v := range c {
		dst[k] = v
	}
	return dst
}

// Command — решение шага о продолжении выполнения.
type Command int

const (
	// Continue передаёт управление следующему шагу.
	Continue Command = iota
	// Halt останавливает выполнение; текущий контекст становится результатом.
	Halt
)

// Step — независимый шаг пайплайна. Возвращает частичное обновление контекста.
// Ошибка шага прерывает выполнение и возвращается вызывающему.
type Step interface {
	Name() string
	Run(ctx context.Context, pc Context) (Context, Command, error)
}

type stepFunc struct {
	name string
	fn   func(ctx context.Context, pc Context) (Context, Command, error)
}

func (s stepFunc) Name() string { return s.name }

func (s stepFunc) Run(ctx context.Context, pc Context) (Context, Command, error) {
	return s.fn(ctx, pc)
}

// NewStep оборачивает функцию в именованный шаг.
func NewStep(name string, fn func(ctx context.Context, pc Context) (Context, Command, error)) Step {
	return stepFunc{name: name, fn: fn}
}

// Config — тип пайплайна → упорядоченный список имён шагов.
type Config struct {
	Pipelines map[string][]string `yaml:"pipelines"`
}

var (
	// Тип пайплайна не сконфигурирован.
	ErrUnknownPipeline = errors.New("unknown pipeline type")
	// Конфигурация ссылается на несуществующие шаги.
	ErrInvalidConfig = errors.New("invalid pipeline configuration")
)

// Result — итоговый контекст и шаг, остановивший выполнение (если был).
type Result struct {
	Context  Context
	HaltedBy string
}

// Halted сообщает, был ли пайплайн остановлен досрочно.
func (r Result) Halted() bool {
	return r.HaltedBy != ""
}

// StepPanicError — паника шага, превращённая в ошибку.
type StepPanicError struct {
	Step  string
	Value any
	Stack []byte
}

func (e *StepPanicError) Error() string {
	return fmt.Sprintf("pipeline step %s panicked: %v", e.Step, e.Value)
}

// Registry хранит разрешённые списки шагов для каждого типа пайплайна.
type Registry struct {
	pipelines map[string][]Step
	logger    *log.Entry
}

// Init проверяет конфигурацию и разрешает имена шагов в реализации.
func Init(cfg Config, steps []Step, logger *log.Entry) (*Registry, error) {
	if logger == nil {
		logger = log.WithField("component", "pipeline")
	}

	available := make(map[string]Step, len(steps))
	for _, s := range steps {
		if _, dup := available[s.Name()]; dup {
			return nil, fmt.Errorf("%w: step %q registered twice", ErrInvalidConfig, s.Name())
		}
		available[s.Name()] = s
	}

	pipelines := make(map[string][]Step, len(cfg.Pipelines))
	for pipelineType, names := range cfg.Pipelines {
		if len(names) == 0 {
			return nil, fmt.Errorf("%w: pipeline %q has no steps", ErrInvalidConfig, pipelineType)
		}
		resolved := make([]Step, 0, len(names))
		for _, name := range names {
			s, ok := available[name]
			if !ok {
				return nil, fmt.Errorf("%w: pipeline %q references unknown step %q", ErrInvalidConfig, pipelineType, name)
			}
			resolved = append(resolved, s)
		}
		pipelines[pipelineType] = resolved
	}

	return &Registry{pipelines: pipelines, logger: logger}, nil
}

// Has сообщает, сконфигурирован ли тип пайплайна.
func (r *Registry) Has(pipelineType string) bool {
	_, ok := r.pipelines[pipelineType]
	return ok
}

// Run выполняет шаги пайплайна по порядку. Входной контекст не изменяется.
func (r *Registry) Run(ctx context.Context, pipelineType string, input Context) (Result, error) {
	steps, ok := r.pipelines[pipelineType]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownPipeline, pipelineType)
	}

	current := input.clone()
	for _, s := range steps {
		start := time.Now()
		update, cmd, err := runStep(ctx, s, current.clone())
		if err != nil {
			return Result{Context: current}, fmt.Errorf("pipeline %s step %s: %w", pipelineType, s.Name(), err)
		}
		for k, v := range update {
			current[k] = v
		}

		r.logger.WithFields(log.Fields{
			"pipeline": pipelineType,
			"step":     s.Name(),
			"duration": time.Since(start),
		}).Debug("pipeline step finished")

		if cmd == Halt {
			return Result{Context: current, HaltedBy: s.Name()}, nil
		}
	}

	return Result{Context: current}, nil
}

func runStep(ctx context.Context, s Step, pc Context) (update Context, cmd Command, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &StepPanicError{Step: s.Name(), Value: rec, Stack: debug.Stack()}
		}
	}()
	return s.Run(ctx, pc)
}
