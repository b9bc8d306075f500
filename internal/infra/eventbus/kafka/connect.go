package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/artifact-analyst/pkg/common/logger"
)

// ConnectWithRetry attempts to establish a connection to Kafka with exponential backoff.
// It will retry failed connection attempts for up to 5 minutes, starting with 5 second intervals,
// and stops early when ctx is cancelled.
func ConnectWithRetry(
	ctx context.Context,
	cfg Config,
	logger *logger.Logger,
	mp metric.MeterProvider,
	tracer trace.Tracer,
) (*Forwarder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var producer sarama.SyncProducer

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		var err error
		producer, err = NewProducer(cfg)
		if err != nil {
			logger.Warn(ctx, "failed to connect to kafka, will retry", "brokers", cfg.Brokers, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}

	metrics, err := NewForwarderMetrics(mp)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("creating forwarder metrics: %w", err)
	}

	return NewForwarder(producer, cfg, logger, metrics, tracer), nil
}
