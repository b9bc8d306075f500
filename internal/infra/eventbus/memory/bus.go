// Package memory provides an in-process event bus. Events are delivered
// synchronously to every subscriber of their type, in subscription order.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/ahrav/artifact-analyst/internal/domain/events"
	"github.com/ahrav/artifact-analyst/pkg/common/logger"
)

var _ events.EventBus = (*Bus)(nil)

// ErrClosed is returned when publishing on or subscribing to a closed bus.
var ErrClosed = errors.New("event bus closed")

type subscription struct {
	id      uint64
	handler events.HandlerFunc
}

// Bus is the in-process event bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[events.EventType][]subscription
	nextID   uint64
	closed   bool

	logger *logger.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *logger.Logger) *Bus {
	return &Bus{
		handlers: make(map[events.EventType][]subscription),
		logger:   logger.With("component", "memory_event_bus"),
	}
}

// Subscribe registers handler for eventTypes. The subscription ends when ctx
// is cancelled.
func (b *Bus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.nextID++
	id := b.nextID
	for _, t := range eventTypes {
		b.handlers[t] = append(b.handlers[t], subscription{id: id, handler: handler})
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(id, eventTypes)
	}()
	return nil
}

func (b *Bus) unsubscribe(id uint64, eventTypes []events.EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range eventTypes {
		subs := b.handlers[t]
		kept := subs[:0:0]
		for _, s := range subs {
			if s.id != id {
				kept = append(kept, s)
			}
		}
		b.handlers[t] = kept
	}
}

// SubscribeHandler adapts an events.EventHandler to the bus.
func (b *Bus) SubscribeHandler(ctx context.Context, h events.EventHandler) error {
	return b.Subscribe(ctx, h.SupportedEvents(), h.HandleEvent)
}

// Publish delivers evt to every subscriber of its type. Every subscriber runs
// even if an earlier one failed; their errors are joined.
func (b *Bus) Publish(ctx context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := events.ApplyOptions(opts)
	if params.Key != "" {
		evt.Key = params.Key
	}
	if params.Headers != nil {
		evt.Headers = params.Headers
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := append([]subscription(nil), b.handlers[evt.Type]...)
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := s.handler(ctx, evt); err != nil {
			b.logger.Warn(ctx, "event handler failed", "event_type", evt.Type, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close drops every subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[events.EventType][]subscription)
	return nil
}
