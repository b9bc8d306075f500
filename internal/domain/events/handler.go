package events

import "context"

// HandlerFunc processes one delivered event.
type HandlerFunc func(ctx context.Context, evt EventEnvelope) error

// EventHandler defines the contract for listeners that react to domain events.
// Each handler declares which event types it processes.
type EventHandler interface {
	// HandleEvent processes a domain event and returns an error if processing fails.
	HandleEvent(ctx context.Context, evt EventEnvelope) error

	// SupportedEvents returns the event types this handler can process.
	SupportedEvents() []EventType
}
