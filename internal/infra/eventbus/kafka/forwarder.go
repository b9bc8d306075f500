package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/artifact-analyst/internal/domain/events"
	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
	"github.com/ahrav/artifact-analyst/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/artifact-analyst/pkg/common/logger"
)

// headerEventType names the header carrying the event type of a message.
const headerEventType = "event-type"

var _ events.EventHandler = (*Forwarder)(nil)

// Forwarder is an event listener that publishes task and sub-task status
// changes to Kafka. Messages are keyed by the parent task id so every change of
// one task lands on the same partition in commit order.
type Forwarder struct {
	producer sarama.SyncProducer
	topics   map[events.EventType]string

	logger  *logger.Logger
	metrics ForwarderMetrics
	tracer  trace.Tracer
}

// NewForwarder creates a forwarder on an established producer. Event types
// whose topic is empty in cfg are not forwarded.
func NewForwarder(
	producer sarama.SyncProducer,
	cfg Config,
	logger *logger.Logger,
	metrics ForwarderMetrics,
	tracer trace.Tracer,
) *Forwarder {
	topics := make(map[events.EventType]string, 2)
	if cfg.TaskTopic != "" {
		topics[domain.EventTypeTaskStatusChanged] = cfg.TaskTopic
	}
	if cfg.SubtaskTopic != "" {
		topics[domain.EventTypeSubtaskStatusChanged] = cfg.SubtaskTopic
	}
	return &Forwarder{
		producer: producer,
		topics:   topics,
		logger:   logger.With("component", "kafka_forwarder"),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// SupportedEvents returns the event types with a configured topic.
func (f *Forwarder) SupportedEvents() []events.EventType {
	types := make([]events.EventType, 0, len(f.topics))
	for _, t := range []events.EventType{domain.EventTypeTaskStatusChanged, domain.EventTypeSubtaskStatusChanged} {
		if _, ok := f.topics[t]; ok {
			types = append(types, t)
		}
	}
	return types
}

// HandleEvent serializes evt and sends it to its topic.
func (f *Forwarder) HandleEvent(ctx context.Context, evt events.EventEnvelope) error {
	topic, ok := f.topics[evt.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", evt.Type)
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, f.tracer)
	defer span.End()

	key, payload, err := encode(evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode event")
		f.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", evt.Type, err)
	}
	if evt.Key != "" {
		key = evt.Key
	}
	span.SetAttributes(attribute.String("event.key", key))

	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key), // Used for partition routing
		Value:     sarama.ByteEncoder(payload),
		Timestamp: evt.Timestamp,
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerEventType), Value: []byte(evt.Type)},
		},
	}
	for k, v := range evt.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := f.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send message")
		f.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}

	f.metrics.IncMessagePublished(ctx, topic)
	f.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"event_type", evt.Type,
		"key", key,
	)
	span.SetStatus(codes.Ok, "message published")
	return nil
}

func encode(evt events.EventEnvelope) (string, []byte, error) {
	switch p := evt.Payload.(type) {
	case domain.TaskStatusChangedEvent:
		b, err := json.Marshal(newTaskStatusMessage(p))
		return p.Task.ID.String(), b, err
	case domain.SubtaskStatusChangedEvent:
		b, err := json.Marshal(newSubtaskStatusMessage(p))
		return p.Subtask.ParentTaskID.String(), b, err
	default:
		return "", nil, fmt.Errorf("unsupported payload %T", evt.Payload)
	}
}

// Close closes the underlying producer.
func (f *Forwarder) Close() error { return f.producer.Close() }
