package domain

import "time"

// EventType classifies domain events for routing and filtering.
type EventType string

// Prefixes group events by the component that emits them.
const (
	// Session context events
	EventSessionUpdated EventType = "session.updated"

	// Counting game events
	EventCountingAdvanced EventType = "counting.advanced"
	EventCountingReset    EventType = "counting.reset"
	EventCountingApproved EventType = "counting.approved"

	// Completion events
	EventCompletionSucceeded EventType = "completion.succeeded"
	EventCompletionFailed    EventType = "completion.failed"

	// Dispatch events
	EventHandlerFailed EventType = "dispatch.handler.failed"
	EventUnknownEvent  EventType = "dispatch.event.unknown"

	// Transport lifecycle events
	EventChannelConnected    EventType = "channel.connected"
	EventChannelDisconnected EventType = "channel.disconnected"
)

// Event is the interface all domain events implement.
type Event interface {
	// EventType returns the classified event type.
	EventType() EventType
	// OccurredAt returns when the event happened.
	OccurredAt() time.Time
	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() EntityID
	// Payload returns the event-specific data.
	Payload() interface{}
}

// BaseEvent provides a reusable implementation of the Event interface.
type BaseEvent struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	AggID     EntityID    `json:"aggregate_id"`
	EventData interface{} `json:"data,omitempty"`
}

func (e BaseEvent) EventType() EventType  { return e.Type }
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }
func (e BaseEvent) AggregateID() EntityID { return e.AggID }
func (e BaseEvent) Payload() interface{}  { return e.EventData }

// NewEvent creates a new domain event.
func NewEvent(eventType EventType, aggregateID EntityID, data interface{}) BaseEvent {
	return BaseEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		AggID:     aggregateID,
		EventData: data,
	}
}

// EventHandler processes a domain event. Handlers must not block: slow
// consumers hang the publisher, so anything expensive hands off to its own
// goroutine or buffered channel.
type EventHandler func(Event)

// EventBus dispatches domain events to registered handlers. It decouples the
// session and dispatch layers from their observers (checkpoint writer,
// diagnostics feed).
type EventBus interface {
	// Publish dispatches an event to all registered handlers.
	Publish(event Event)
	// Subscribe registers a handler for a specific event type.
	Subscribe(eventType EventType, handler EventHandler)
	// SubscribeAll registers a handler that receives every event.
	SubscribeAll(handler EventHandler)
	// Close shuts down the event bus.
	Close()
}
