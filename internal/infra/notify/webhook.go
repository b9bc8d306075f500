// Package notify contains listeners that announce task life-cycle events
// outside the engine: chat webhooks registered by pipeline scans and an
// audit log of every status change.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/artifact-analyst/internal/app/scanning"
	"github.com/ahrav/artifact-analyst/internal/domain/events"
	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
	"github.com/ahrav/artifact-analyst/pkg/common/logger"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultMaxRetries = 3
)

var (
	_ scanning.NotificationRegistrar = (*WebhookNotifier)(nil)
	_ events.EventHandler            = (*WebhookNotifier)(nil)
)

type target struct {
	url     string
	chatIDs []string
}

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(n *WebhookNotifier) { n.client = c }
}

// WithTimeout bounds one delivery including its retries.
func WithTimeout(d time.Duration) WebhookOption {
	return func(n *WebhookNotifier) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// WithMaxRetries sets how many times a failed delivery is retried.
func WithMaxRetries(n uint64) WebhookOption {
	return func(w *WebhookNotifier) { w.maxRetries = n }
}

// WebhookNotifier posts a chat message when a registered task finishes or is
// stopped. Registrations live in memory on the node that accepted the scan;
// each is used at most once.
type WebhookNotifier struct {
	mu      sync.Mutex
	targets map[uuid.UUID]target

	client     *http.Client
	timeout    time.Duration
	maxRetries uint64
	inflight   sync.WaitGroup

	logger *logger.Logger
	tracer trace.Tracer
}

// NewWebhookNotifier creates a notifier.
func NewWebhookNotifier(logger *logger.Logger, tracer trace.Tracer, opts ...WebhookOption) *WebhookNotifier {
	n := &WebhookNotifier{
		targets:    make(map[uuid.UUID]target),
		client:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout:    defaultTimeout,
		maxRetries: defaultMaxRetries,
		logger:     logger.With("component", "webhook_notifier"),
		tracer:     tracer,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Register remembers where to announce the completion of taskID.
func (n *WebhookNotifier) Register(taskID uuid.UUID, webhookURL string, chatIDs []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.targets[taskID] = target{url: webhookURL, chatIDs: append([]string(nil), chatIDs...)}
}

// SupportedEvents returns the task status event.
func (n *WebhookNotifier) SupportedEvents() []events.EventType {
	return []events.EventType{domain.EventTypeTaskStatusChanged}
}

// HandleEvent starts the delivery for a registered task reaching FINISHED or
// STOPPED. Delivery runs in the background so a slow chat endpoint never holds
// up the result pipeline.
func (n *WebhookNotifier) HandleEvent(ctx context.Context, evt events.EventEnvelope) error {
	p, ok := evt.Payload.(domain.TaskStatusChangedEvent)
	if !ok {
		return fmt.Errorf("unexpected payload %T", evt.Payload)
	}
	if !p.Task.Status.IsFinished() {
		return nil
	}

	n.mu.Lock()
	tgt, ok := n.targets[p.Task.ID]
	delete(n.targets, p.Task.ID)
	n.mu.Unlock()
	if !ok {
		return nil
	}

	// Detach from the request so the delivery outlives it while keeping the trace.
	dctx := trace.ContextWithSpanContext(context.Background(), trace.SpanContextFromContext(ctx))
	n.inflight.Add(1)
	go func() {
		defer n.inflight.Done()
		if err := n.deliver(dctx, tgt, p); err != nil {
			n.logger.Warn(dctx, "failed to deliver webhook notification",
				"task_id", p.Task.ID.String(),
				"error", err,
			)
		}
	}()
	return nil
}

// Pending reports how many registrations have not been delivered yet.
func (n *WebhookNotifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.targets)
}

// Close waits for in-flight deliveries.
func (n *WebhookNotifier) Close() error {
	n.inflight.Wait()
	return nil
}

type markdown struct {
	Content string `json:"content"`
}

type chatMessage struct {
	ChatID   string   `json:"chatid,omitempty"`
	MsgType  string   `json:"msgtype"`
	Markdown markdown `json:"markdown"`
}

func (n *WebhookNotifier) deliver(ctx context.Context, tgt target, evt domain.TaskStatusChangedEvent) error {
	ctx, span := n.tracer.Start(ctx, "webhook_notifier.scanning.deliver",
		trace.WithAttributes(
			attribute.String("task_id", evt.Task.ID.String()),
			attribute.String("status", evt.Task.Status.String()),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	body, err := json.Marshal(chatMessage{
		ChatID:   strings.Join(tgt.chatIDs, "|"),
		MsgType:  "markdown",
		Markdown: markdown{Content: render(evt)},
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, tgt.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("webhook returned %s", resp.Status)
		case resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("webhook returned %s", resp.Status))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, n.maxRetries), ctx)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		return err
	}
	span.SetStatus(codes.Ok, "delivered")
	return nil
}

// render formats the completion message.
func render(evt domain.TaskStatusChangedEvent) string {
	t := evt.Task
	var sb strings.Builder

	fmt.Fprintf(&sb, "**%s** scan %s\n", t.Name, strings.ToLower(t.Status.String()))
	fmt.Fprintf(&sb, "> project: %s\n", t.ProjectID)
	if evt.Plan != nil {
		fmt.Fprintf(&sb, "> plan: %s\n", evt.Plan.Name)
	}
	if name := t.MetadataValue(domain.MetadataKeyPipelineName); name != "" {
		fmt.Fprintf(&sb, "> pipeline: %s #%s\n", name, t.MetadataValue(domain.MetadataKeyBuildNumber))
	}
	fmt.Fprintf(&sb, "> scanner: %s\n", t.Scanner.Name)
	fmt.Fprintf(&sb, "> artifacts: %d scanned, %d passed, %d failed\n", t.Scanned, t.Passed, t.Failed)

	if len(t.Overview) > 0 {
		keys := make([]string, 0, len(t.Overview))
		for k := range t.Overview {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "> %s: %v\n", k, t.Overview[k])
		}
	}
	return sb.String()
}
