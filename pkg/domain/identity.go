// Package domain holds the shared building blocks for tallybot's internal
// model: identities, timestamps, roles, and the domain event contract that
// the session layer and its observers communicate through.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// EntityID is a typed identifier. String-based so channel keys, message ids,
// and generated ids can share one type.
type EntityID string

// NewID generates a random identifier.
func NewID() EntityID {
	return EntityID(uuid.NewString())
}

// String implements fmt.Stringer.
func (id EntityID) String() string { return string(id) }

// IsZero returns true if the ID is empty.
func (id EntityID) IsZero() bool { return id == "" }

// Timestamp wraps time.Time with UTC normalization and JSON-friendly
// serialization.
type Timestamp struct {
	time.Time
}

// Now returns the current UTC timestamp.
func Now() Timestamp { return Timestamp{time.Now().UTC()} }

// TimestampFrom wraps an existing time.Time.
func TimestampFrom(t time.Time) Timestamp { return Timestamp{t.UTC()} }

// AggregateRoot is the base for stateful aggregates. It buffers domain events
// recorded during a mutation so the caller can publish them after the
// mutation's lock is released.
type AggregateRoot struct {
	id     EntityID
	events []Event
}

// ID returns the aggregate's identity.
func (a *AggregateRoot) ID() EntityID { return a.id }

// SetID sets the aggregate's identity (used on creation and reconstitution).
func (a *AggregateRoot) SetID(id EntityID) { a.id = id }

// RecordEvent appends a domain event for later publication.
func (a *AggregateRoot) RecordEvent(e Event) {
	a.events = append(a.events, e)
}

// PullEvents returns and clears all pending domain events.
func (a *AggregateRoot) PullEvents() []Event {
	events := a.events
	a.events = nil
	return events
}
