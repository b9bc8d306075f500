package kafka

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ForwarderMetrics counts forwarded messages per topic.
type ForwarderMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
}

type forwarderMetrics struct {
	published metric.Int64Counter
	errors    metric.Int64Counter
}

// NewForwarderMetrics creates the forwarder instruments from a meter provider.
func NewForwarderMetrics(mp metric.MeterProvider) (ForwarderMetrics, error) {
	meter := mp.Meter("analyst", metric.WithInstrumentationVersion("v0.1.0"))

	m := new(forwarderMetrics)
	var err error
	if m.published, err = meter.Int64Counter(
		"kafka_messages_published_total",
		metric.WithDescription("Total number of events forwarded to Kafka"),
	); err != nil {
		return nil, err
	}
	if m.errors, err = meter.Int64Counter(
		"kafka_publish_errors_total",
		metric.WithDescription("Total number of events that failed to reach Kafka"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *forwarderMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.published.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *forwarderMetrics) IncPublishError(ctx context.Context, topic string) {
	m.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
