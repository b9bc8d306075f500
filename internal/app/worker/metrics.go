package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics tracks scans run by a worker.
type Metrics interface {
	TrackScan(ctx context.Context, f func() error) error
	SetActiveWorkers(ctx context.Context, count int)
}

type workerMetrics struct {
	scansStarted   metric.Int64Counter
	scansAbandoned metric.Int64Counter
	scanTime       metric.Float64Histogram
	activeWorkers  metric.Int64Gauge
}

// NewMetrics creates the worker instruments from a meter provider.
func NewMetrics(mp metric.MeterProvider) (Metrics, error) {
	meter := mp.Meter("analyst", metric.WithInstrumentationVersion("v0.1.0"))

	m := new(workerMetrics)
	var err error
	if m.scansStarted, err = meter.Int64Counter(
		"worker_scans_started_total",
		metric.WithDescription("Total number of scans started by the worker"),
	); err != nil {
		return nil, err
	}
	if m.scansAbandoned, err = meter.Int64Counter(
		"worker_scans_abandoned_total",
		metric.WithDescription("Total number of scans abandoned without a report"),
	); err != nil {
		return nil, err
	}
	if m.scanTime, err = meter.Float64Histogram(
		"worker_scan_time_seconds",
		metric.WithDescription("Wall time of one scan on the worker"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.activeWorkers, err = meter.Int64Gauge(
		"worker_active_loops",
		metric.WithDescription("Number of running poll loops"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *workerMetrics) TrackScan(ctx context.Context, f func() error) error {
	m.scansStarted.Add(ctx, 1)
	start := time.Now()
	err := f()
	m.scanTime.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.Bool("abandoned", err != nil)))
	if err != nil {
		m.scansAbandoned.Add(ctx, 1)
	}
	return err
}

func (m *workerMetrics) SetActiveWorkers(ctx context.Context, count int) {
	m.activeWorkers.Record(ctx, int64(count))
}
