package scanning

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
)

var _ domain.MetricsRecorder = (*scanMetrics)(nil)

// scanMetrics implements domain.MetricsRecorder with OpenTelemetry instruments.
// Status gauges move one unit from the old to the new status on every transition.
type scanMetrics struct {
	// Task metrics
	tasksByStatus metric.Int64UpDownCounter
	tasksTotal    metric.Int64Counter

	// Sub-task metrics
	subtasksByStatus metric.Int64UpDownCounter
	subtaskFinalized metric.Int64Counter

	// Scan metrics
	scanDuration metric.Float64Histogram
	scanSize     metric.Int64Histogram
}

const namespace = "analyst"

// NewScanMetrics creates the recorder from a meter provider.
func NewScanMetrics(mp metric.MeterProvider) (*scanMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	s := new(scanMetrics)
	var err error

	if s.tasksByStatus, err = meter.Int64UpDownCounter(
		"scan_tasks",
		metric.WithDescription("Number of scan tasks per status"),
	); err != nil {
		return nil, err
	}

	if s.tasksTotal, err = meter.Int64Counter(
		"scan_tasks_total",
		metric.WithDescription("Total number of scan tasks that reached a status"),
	); err != nil {
		return nil, err
	}

	if s.subtasksByStatus, err = meter.Int64UpDownCounter(
		"scan_subtasks",
		metric.WithDescription("Number of active sub-tasks per status"),
	); err != nil {
		return nil, err
	}

	if s.subtaskFinalized, err = meter.Int64Counter(
		"scan_subtasks_finalized_total",
		metric.WithDescription("Total number of finalized sub-tasks per terminal status"),
	); err != nil {
		return nil, err
	}

	if s.scanDuration, err = meter.Float64Histogram(
		"scan_duration_seconds",
		metric.WithDescription("Time taken to scan one artifact"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if s.scanSize, err = meter.Int64Histogram(
		"scan_artifact_size_bytes",
		metric.WithDescription("Size of scanned artifacts"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *scanMetrics) TaskStatusChange(ctx context.Context, old, new domain.TaskStatus) {
	s.tasksByStatus.Add(ctx, -1, metric.WithAttributes(attribute.String("status", old.String())))
	s.tasksByStatus.Add(ctx, 1, metric.WithAttributes(attribute.String("status", new.String())))
}

// SubtaskStatusChange moves one unit between status gauges. An empty old
// status records a newly created sub-task.
func (s *scanMetrics) SubtaskStatusChange(ctx context.Context, old, new domain.SubtaskStatus) {
	if old != "" {
		s.subtasksByStatus.Add(ctx, -1, metric.WithAttributes(attribute.String("status", old.String())))
	}
	if new.IsTerminal() {
		s.subtaskFinalized.Add(ctx, 1, metric.WithAttributes(attribute.String("status", new.String())))
		return
	}
	s.subtasksByStatus.Add(ctx, 1, metric.WithAttributes(attribute.String("status", new.String())))
}

func (s *scanMetrics) RecordDuration(ctx context.Context, fullPath string, size int64, scanner string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("scanner", scanner))
	s.scanDuration.Record(ctx, d.Seconds(), attrs)
	s.scanSize.Record(ctx, size, attrs)
}

func (s *scanMetrics) IncTaskCount(ctx context.Context, status domain.TaskStatus) {
	s.tasksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status.String())))
	if status == domain.TaskStatusPending {
		s.tasksByStatus.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status.String())))
	}
}
