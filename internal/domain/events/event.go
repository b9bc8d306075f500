package events

import "time"

// DomainEvent is implemented by every event the domain publishes. It carries
// enough to route the event without inspecting its payload.
type DomainEvent interface {
	EventType() EventType
	OccurredAt() time.Time
}

// EventEnvelope wraps a domain event with transport metadata so buses and
// listeners can route it without knowing the concrete event type.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically containing a business identifier
	// like a TaskID that events can be grouped or partitioned by.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload contains the domain event itself.
	Payload DomainEvent
}
