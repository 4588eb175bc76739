package events

import (
	"time"

	"github.com/google/uuid"
)

// Event is a structured telemetry notification describing something the
// provisioning core did or observed. Events feed analytics dashboards, so
// each failure path produces exactly one of them.
type Event struct {
	// ID uniquely identifies this event for de-duplication downstream.
	ID uuid.UUID

	// Type identifies the event by its analytics name.
	Type EventType

	// Key enables consistent routing, typically the account's public address.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload holds the event attributes. Values must be JSON-like
	// (string, bool, numbers, nil, nested maps and slices of those).
	Payload map[string]any
}

// NewEvent builds an event of type t with the given payload.
func NewEvent(t EventType, payload map[string]any, opts ...EmitOption) Event {
	p := EmitParams{}
	for _, opt := range opts {
		opt(&p)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:        uuid.New(),
		Type:      t,
		Key:       p.Key,
		Headers:   p.Headers,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Category returns the analytics category the event belongs to.
func (e Event) Category() Category { return e.Type.Category() }
