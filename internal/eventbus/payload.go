package eventbus

import (
	"encoding/json"
	"fmt"
)

// Payload — именованные аргументы события.
type Payload map[string]any

// String возвращает строковое значение ключа или пустую строку.
func (p Payload) String(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Clone возвращает поверхностную копию payload, чтобы потребители не видели мутаций друг друга.
func (p Payload) Clone() Payload {
	dst := make(Payload, len(p))
	for k, v := range p {
		dst[k] = v
	}
	return dst
}

// Encode превращает структуру с json-тегами в Payload.
func Encode(v any) (Payload, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return p, nil
}

// Decode заполняет структуру с json-тегами значениями из Payload.
func Decode(p Payload, dst any) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
