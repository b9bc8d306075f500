package memory

import (
	"context"

	"github.com/ahrav/artifact-analyst/internal/domain/events"
)

var _ events.DomainEventPublisher = (*DomainEventPublisher)(nil)

// DomainEventPublisher wraps domain events into envelopes and hands them to an
// event bus.
type DomainEventPublisher struct {
	bus events.EventBus
}

// NewDomainEventPublisher creates a publisher on bus.
func NewDomainEventPublisher(bus events.EventBus) *DomainEventPublisher {
	return &DomainEventPublisher{bus: bus}
}

// PublishDomainEvent stamps the envelope with the event's time and publishes it.
func (p *DomainEventPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	evt := events.EventEnvelope{
		Type:      event.EventType(),
		Timestamp: event.OccurredAt(),
		Payload:   event,
	}
	return p.bus.Publish(ctx, evt, opts...)
}
