// Package events carries the gateway's internal event stream. Components
// publish lifecycle and degradation events; subscribers log them or derive
// views. Counts shown on status surfaces are always recomputed from live
// state, never accumulated from events.
package events

import (
	"sync"
	"time"
)

// Type represents the type of gateway event.
type Type string

const (
	ConnectionAdmitted Type = "connection_admitted"
	ConnectionEvicted  Type = "connection_evicted"
	SessionStarting    Type = "session_starting"
	SessionActive      Type = "session_active"
	SessionClosed      Type = "session_closed"
	MediaFrameDropped  Type = "media_frame_dropped"
	AudioBackpressure  Type = "audio_backpressure"
	MemoryPruned       Type = "memory_pruned"
	WakeDetected       Type = "wake_detected"
)

// Event is one occurrence with its scope and optional payload.
type Event struct {
	Type         Type
	Timestamp    time.Time
	ConnectionID string
	SessionID    string
	Data         map[string]interface{}
}

// Handler is a function that handles events.
type Handler func(Event)

// Bus manages event publication and subscription. Handlers run synchronously
// on the publisher's goroutine and must not block.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[Type][]Handler
	allHandlers []Handler
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Type][]Handler),
	}
}

// Subscribe registers a handler for a specific event type.
func (b *Bus) Subscribe(eventType Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler for all event types.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandlers = append(b.allHandlers, handler)
}

// Publish sends an event to all registered handlers.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if handlers, ok := b.handlers[event.Type]; ok {
		for _, handler := range handlers {
			handler(event)
		}
	}

	for _, handler := range b.allHandlers {
		handler(event)
	}
}

// PublishSimple is a convenience method for events without additional data.
func (b *Bus) PublishSimple(eventType Type, connectionID, sessionID string) {
	b.Publish(Event{
		Type:         eventType,
		ConnectionID: connectionID,
		SessionID:    sessionID,
	})
}

// PublishWithData publishes an event with associated data.
func (b *Bus) PublishWithData(eventType Type, connectionID, sessionID string, data map[string]interface{}) {
	b.Publish(Event{
		Type:         eventType,
		ConnectionID: connectionID,
		SessionID:    sessionID,
		Data:         data,
	})
}
