// Package eventbus provides the in-process implementation of domain.EventBus.
package eventbus

import (
	"sync"

	"github.com/tallybot/tallybot/pkg/domain"
)

// Bus is a synchronous in-process event bus. Publish dispatches to the
// registered handlers on the calling goroutine; handlers that need to do real
// work hand off internally (the checkpoint writer queues keys, the websocket
// feed drops on a full buffer).
type Bus struct {
	handlers    map[domain.EventType][]domain.EventHandler
	allHandlers []domain.EventHandler
	mu          sync.RWMutex
	closed      bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[domain.EventType][]domain.EventHandler),
	}
}

// Publish dispatches an event to all matching handlers. Typed handlers run
// first, then catch-all handlers, in subscription order.
func (b *Bus) Publish(event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, handler := range b.handlers[event.EventType()] {
		handler(event)
	}
	for _, handler := range b.allHandlers {
		handler(event)
	}
}

// PublishAll dispatches a batch of events, typically the result of an
// aggregate's PullEvents.
func (b *Bus) PublishAll(events []domain.Event) {
	for _, event := range events {
		b.Publish(event)
	}
}

// Subscribe registers a handler for a specific event type.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler that receives every event.
func (b *Bus) SubscribeAll(handler domain.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allHandlers = append(b.allHandlers, handler)
}

// Close marks the bus as closed. Events published afterwards are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
}

// Verify interface compliance at compile time.
var _ domain.EventBus = (*Bus)(nil)
