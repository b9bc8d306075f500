package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/artifact-analyst/internal/domain/events"
	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
	"github.com/ahrav/artifact-analyst/pkg/common/logger"
)

var testConfig = Config{
	Brokers:      []string{"localhost:9092"},
	ClientID:     "analyst-test",
	TaskTopic:    "scan-tasks",
	SubtaskTopic: "scan-subtasks",
}

func newTestForwarder(t *testing.T, cfg Config) (*Forwarder, *mocks.SyncProducer) {
	t.Helper()
	producer := mocks.NewSyncProducer(t, NewProducerConfig(cfg.ClientID))
	metrics, err := NewForwarderMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	f := NewForwarder(producer, cfg, logger.Noop(), metrics, tracenoop.NewTracerProvider().Tracer("test"))
	t.Cleanup(func() { _ = f.Close() })
	return f, producer
}

func finishedTask() domain.ScanTask {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	task := domain.NewScanTask("p1", nil, "batch scan", domain.TriggerManual, nil,
		domain.ScannerRef{Name: "trivy", Type: "standard"}, nil, "alice", now)
	task.Status = domain.TaskStatusFinished
	task.Total, task.Scanned, task.Passed, task.Failed = 3, 3, 2, 1
	task.Overview = map[string]any{"critical": int64(1)}
	return *task
}

func TestForwarder_SupportedEvents(t *testing.T) {
	f, _ := newTestForwarder(t, testConfig)
	assert.Equal(t, []events.EventType{
		domain.EventTypeTaskStatusChanged,
		domain.EventTypeSubtaskStatusChanged,
	}, f.SupportedEvents())

	cfg := testConfig
	cfg.SubtaskTopic = ""
	f2, _ := newTestForwarder(t, cfg)
	assert.Equal(t, []events.EventType{domain.EventTypeTaskStatusChanged}, f2.SupportedEvents())
}

func TestForwarder_TaskStatusChanged(t *testing.T) {
	f, producer := newTestForwarder(t, testConfig)
	task := finishedTask()

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "scan-tasks" {
			return errors.New("wrong topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != task.ID.String() {
			return errors.New("key is not the task id")
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var got TaskStatusMessage
		if err := json.Unmarshal(value, &got); err != nil {
			return err
		}
		if got.Status != domain.TaskStatusFinished || got.OldStatus != domain.TaskStatusSubmitted || got.Passed != 2 {
			return errors.New("unexpected payload")
		}
		return nil
	})

	evt := domain.NewTaskStatusChangedEvent(domain.TaskStatusSubmitted, task, nil)
	err := f.HandleEvent(context.Background(), events.EventEnvelope{
		Type:      evt.EventType(),
		Timestamp: evt.OccurredAt(),
		Payload:   evt,
	})
	require.NoError(t, err)
}

func TestForwarder_SubtaskKeyedByParent(t *testing.T) {
	f, producer := newTestForwarder(t, testConfig)
	parent := uuid.New()

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		if string(key) != parent.String() {
			return errors.New("key is not the parent task id")
		}
		if msg.Topic != "scan-subtasks" {
			return errors.New("wrong topic " + msg.Topic)
		}
		return nil
	})

	pass := true
	evt := domain.NewSubtaskStatusChangedEvent(domain.SubtaskStatusExecuting, domain.LatestArtifact{
		ParentTaskID:    parent,
		LatestSubtaskID: uuid.New(),
		ProjectID:       "p1",
		Status:          domain.SubtaskStatusSuccess,
		QualityPass:     &pass,
	})
	require.NoError(t, f.HandleEvent(context.Background(), events.EventEnvelope{Type: evt.EventType(), Payload: evt}))
}

func TestForwarder_ExplicitKeyWins(t *testing.T) {
	f, producer := newTestForwarder(t, testConfig)

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		if string(key) != "custom" {
			return errors.New("explicit key ignored")
		}
		return nil
	})

	evt := domain.NewTaskStatusChangedEvent(domain.TaskStatusStopping, finishedTask(), nil)
	require.NoError(t, f.HandleEvent(context.Background(), events.EventEnvelope{
		Type:    evt.EventType(),
		Key:     "custom",
		Payload: evt,
	}))
}

func TestForwarder_SendError(t *testing.T) {
	f, producer := newTestForwarder(t, testConfig)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	evt := domain.NewTaskStatusChangedEvent(domain.TaskStatusSubmitted, finishedTask(), nil)
	err := f.HandleEvent(context.Background(), events.EventEnvelope{Type: evt.EventType(), Payload: evt})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

func TestForwarder_UnmappedEvent(t *testing.T) {
	cfg := testConfig
	cfg.SubtaskTopic = ""
	f, _ := newTestForwarder(t, cfg)

	err := f.HandleEvent(context.Background(), events.EventEnvelope{Type: domain.EventTypeSubtaskStatusChanged})
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, Config{}.validate())
	assert.Error(t, Config{Brokers: []string{"b"}}.validate())
	assert.NoError(t, testConfig.validate())
	assert.False(t, Config{}.Enabled())
	assert.True(t, testConfig.Enabled())
}
