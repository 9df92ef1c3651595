package app

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/eventbus"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/pipeline"
)

//go:embed wiring.yaml
var defaultWiring []byte

// ErrInvalidWiring — файл привязки не проходит проверку.
var ErrInvalidWiring = errors.New("invalid wiring")

// Wiring — декларативная конфигурация: событие → потребители, пайплайн → шаги,
// PSP → тип пайплайна и обслуживаемые типы продуктов.
type Wiring struct {
	Events       map[string][]string `yaml:"events"`
	Pipelines    map[string][]string `yaml:"pipelines"`
	PSPPipelines map[string]string   `yaml:"psp_pipelines"`
	ProductTypes []string            `yaml:"product_types"`
}

// LoadWiring читает файл привязки; пустой путь означает встроенную конфигурацию.
func LoadWiring(path string) (Wiring, error) {
	if path == "" {
		return ParseWiring(defaultWiring)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Wiring{}, fmt.Errorf("read wiring file: %w", err)
	}
	return ParseWiring(data)
}

// ParseWiring разбирает YAML. Неизвестные ключи считаются ошибкой.
func ParseWiring(data []byte) (Wiring, error) {
	var w Wiring
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&w); err != nil {
		return Wiring{}, fmt.Errorf("%w: %w", ErrInvalidWiring, err)
	}
	if err := w.validate(); err != nil {
		return Wiring{}, err
	}
	return w, nil
}

func (w Wiring) validate() error {
	if len(w.ProductTypes) == 0 {
		return fmt.Errorf("%w: product_types is empty", ErrInvalidWiring)
	}
	for psp, pipelineType := range w.PSPPipelines {
		if _, ok := w.Pipelines[pipelineType]; !ok {
			return fmt.Errorf("%w: psp %q references unknown pipeline %q", ErrInvalidWiring, psp, pipelineType)
		}
	}
	return nil
}

// BusConfig возвращает конфигурацию шины событий.
func (w Wiring) BusConfig() eventbus.Config {
	return eventbus.Config{Events: w.Events}
}

// PipelineConfig возвращает конфигурацию пайплайнов.
func (w Wiring) PipelineConfig() pipeline.Config {
	return pipeline.Config{Pipelines: w.Pipelines}
}

func (w Wiring) productTypes() domain.ProductTypes {
	return domain.NewProductTypes(w.ProductTypes...)
}
