package eventbus

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Deferred — ссылка на шину, которую можно отдать потребителям до вызова Init.
// Потребители публикуют вторичные события, а сами строятся раньше шины.
type Deferred struct {
	bus atomic.Pointer[Bus]
}

// Bind привязывает готовую шину.
func (d *Deferred) Bind(bus *Bus) {
	d.bus.Store(bus)
}

// Publish делегирует в привязанную шину.
func (d *Deferred) Publish(ctx context.Context, event Event, payload Payload) []Outcome {
	bus := d.bus.Load()
	if bus == nil {
		return []Outcome{{Err: fmt.Errorf("publish %q: event bus is not initialized", event)}}
	}
	return bus.Publish(ctx, event, payload)
}
