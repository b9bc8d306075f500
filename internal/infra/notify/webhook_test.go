package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/artifact-analyst/internal/domain/events"
	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
	"github.com/ahrav/artifact-analyst/pkg/common/logger"
)

func testTask(status domain.TaskStatus) domain.ScanTask {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	task := domain.NewScanTask("p1", nil, "pipeline-42-plugin", domain.TriggerPipeline, nil,
		domain.ScannerRef{Name: "trivy", Type: "standard"},
		[]domain.TaskMetadata{
			{Key: domain.MetadataKeyPipelineName, Value: "release"},
			{Key: domain.MetadataKeyBuildNumber, Value: "42"},
		}, "ci", now)
	task.Status = status
	task.Total, task.Scanned, task.Passed, task.Failed = 2, 2, 1, 1
	task.Overview = map[string]any{"critical": int64(3), "high": int64(1)}
	return *task
}

func envelope(evt domain.TaskStatusChangedEvent) events.EventEnvelope {
	return events.EventEnvelope{Type: evt.EventType(), Timestamp: evt.OccurredAt(), Payload: evt}
}

func envelopeOf(evt events.DomainEvent) events.EventEnvelope {
	return events.EventEnvelope{Type: evt.EventType(), Timestamp: evt.OccurredAt(), Payload: evt}
}

func newNotifier(opts ...WebhookOption) *WebhookNotifier {
	return NewWebhookNotifier(logger.Noop(), noop.NewTracerProvider().Tracer("test"), opts...)
}

func TestWebhookNotifier_DeliversOnFinish(t *testing.T) {
	var got chatMessage
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newNotifier()
	task := testTask(domain.TaskStatusFinished)
	n.Register(task.ID, srv.URL, []string{"chat-a", "chat-b"})

	require.NoError(t, n.HandleEvent(context.Background(),
		envelope(domain.NewTaskStatusChangedEvent(domain.TaskStatusSubmitted, task, &domain.ScanPlan{Name: "DEFAULT"}))))
	require.NoError(t, n.Close())

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "chat-a|chat-b", got.ChatID)
	assert.Equal(t, "markdown", got.MsgType)
	assert.Contains(t, got.Markdown.Content, "pipeline-42-plugin")
	assert.Contains(t, got.Markdown.Content, "release #42")
	assert.Contains(t, got.Markdown.Content, "> critical: 3")
	assert.Zero(t, n.Pending())

	// A registration is used once.
	require.NoError(t, n.HandleEvent(context.Background(),
		envelope(domain.NewTaskStatusChangedEvent(domain.TaskStatusSubmitted, task, nil))))
	require.NoError(t, n.Close())
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookNotifier_IgnoresUnfinishedAndUnregistered(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	n := newNotifier()
	running := testTask(domain.TaskStatusSubmitted)
	n.Register(running.ID, srv.URL, nil)

	require.NoError(t, n.HandleEvent(context.Background(),
		envelope(domain.NewTaskStatusChangedEvent(domain.TaskStatusSubmitting, running, nil))))
	other := testTask(domain.TaskStatusStopped)
	require.NoError(t, n.HandleEvent(context.Background(),
		envelope(domain.NewTaskStatusChangedEvent(domain.TaskStatusStopping, other, nil))))
	require.NoError(t, n.Close())

	assert.Zero(t, calls.Load())
	assert.Equal(t, 1, n.Pending())
}

func TestWebhookNotifier_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newNotifier(WithMaxRetries(5), WithTimeout(10*time.Second))
	task := testTask(domain.TaskStatusStopped)
	n.Register(task.ID, srv.URL, nil)

	require.NoError(t, n.HandleEvent(context.Background(),
		envelope(domain.NewTaskStatusChangedEvent(domain.TaskStatusStopping, task, nil))))
	require.NoError(t, n.Close())
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookNotifier_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	n := NewWebhookNotifier(logger.New(&buf, logger.LevelDebug, "test", nil),
		noop.NewTracerProvider().Tracer("test"), WithMaxRetries(5))
	task := testTask(domain.TaskStatusFinished)
	n.Register(task.ID, srv.URL, nil)

	require.NoError(t, n.HandleEvent(context.Background(),
		envelope(domain.NewTaskStatusChangedEvent(domain.TaskStatusSubmitted, task, nil))))
	require.NoError(t, n.Close())

	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, buf.String(), "failed to deliver webhook notification")
}

func TestWebhookNotifier_UnexpectedPayload(t *testing.T) {
	n := newNotifier()
	err := n.HandleEvent(context.Background(), events.EventEnvelope{
		Type:    domain.EventTypeTaskStatusChanged,
		Payload: domain.NewSubtaskStatusChangedEvent(domain.SubtaskStatusPulled, domain.LatestArtifact{ID: uuid.New()}),
	})
	assert.Error(t, err)
}
