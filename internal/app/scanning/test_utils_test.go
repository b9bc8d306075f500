package scanning

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/artifact-analyst/internal/domain/events"
	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
	"github.com/ahrav/artifact-analyst/internal/infra/storage/scanning/memory"
	"github.com/ahrav/artifact-analyst/pkg/common/logger"
	"github.com/ahrav/artifact-analyst/pkg/common/timeutil"
)

const (
	testProject     = "proj-1"
	testScanner     = "trivy"
	testScannerType = "standard"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
}

func (p *recordingPublisher) PublishDomainEvent(_ context.Context, evt events.DomainEvent, _ ...events.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) taskEvents() []domain.TaskStatusChangedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.TaskStatusChangedEvent
	for _, e := range p.events {
		if te, ok := e.(domain.TaskStatusChangedEvent); ok {
			out = append(out, te)
		}
	}
	return out
}

func (p *recordingPublisher) subtaskEvents() []domain.SubtaskStatusChangedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.SubtaskStatusChangedEvent
	for _, e := range p.events {
		if se, ok := e.(domain.SubtaskStatusChangedEvent); ok {
			out = append(out, se)
		}
	}
	return out
}

// mockDomainEventPublisher implements events.DomainEventPublisher for testing.
type mockDomainEventPublisher struct{ mock.Mock }

func (m *mockDomainEventPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	return m.Called(ctx, event, opts).Error(0)
}

// fakeDispatcher records the calls the engine makes into dispatch.
type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []*domain.ScanTask
	notified   map[string]int
	enqueued   []uuid.UUID
	accept     bool
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{notified: make(map[string]int), accept: true}
}

func (d *fakeDispatcher) Dispatch(_ context.Context, task *domain.ScanTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched = append(d.dispatched, task.Clone())
	return nil
}

func (d *fakeDispatcher) NotifyCapacity(_ context.Context, projectID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notified[projectID]++
}

func (d *fakeDispatcher) Enqueue(_ context.Context, st *domain.SubScanTask) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.accept {
		d.enqueued = append(d.enqueued, st.ID)
	}
	return d.accept, nil
}

func (d *fakeDispatcher) notifications(projectID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.notified[projectID]
}

type staticScanners map[string]domain.Scanner

func (s staticScanners) Get(name string) (domain.Scanner, error) {
	sc, ok := s[name]
	if !ok {
		return domain.Scanner{}, fmt.Errorf("%s: %w", name, domain.ErrScannerNotFound)
	}
	return sc, nil
}

// fakeGate returns a fixed verdict and counts evaluations.
type fakeGate struct {
	pass  bool
	err   error
	calls atomic.Int32
}

func (g *fakeGate) Evaluate(context.Context, uuid.UUID, map[string]any) (bool, error) {
	g.calls.Add(1)
	return g.pass, g.err
}

// recordingMetrics counts recorded transitions.
type recordingMetrics struct {
	mu        sync.Mutex
	tasks     map[[2]domain.TaskStatus]int
	subtasks  map[[2]domain.SubtaskStatus]int
	counts    map[domain.TaskStatus]int
	durations int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		tasks:    make(map[[2]domain.TaskStatus]int),
		subtasks: make(map[[2]domain.SubtaskStatus]int),
		counts:   make(map[domain.TaskStatus]int),
	}
}

func (m *recordingMetrics) TaskStatusChange(_ context.Context, old, new domain.TaskStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[[2]domain.TaskStatus{old, new}]++
}

func (m *recordingMetrics) SubtaskStatusChange(_ context.Context, old, new domain.SubtaskStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subtasks[[2]domain.SubtaskStatus{old, new}]++
}

func (m *recordingMetrics) RecordDuration(context.Context, string, int64, string, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations++
}

func (m *recordingMetrics) IncTaskCount(_ context.Context, status domain.TaskStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[status]++
}

func (m *recordingMetrics) taskCount(status domain.TaskStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[status]
}

func (m *recordingMetrics) subtaskChange(old, new domain.SubtaskStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subtasks[[2]domain.SubtaskStatus{old, new}]
}

// passthroughConverter treats the raw result as the overview and counts
// de-duplication calls.
type passthroughConverter struct{ distinct atomic.Int32 }

func (c *passthroughConverter) Distinct(map[string]any) { c.distinct.Add(1) }

func (c *passthroughConverter) ConvertOverview(raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	return out, nil
}

type converterRegistry map[string]domain.Converter

func (r converterRegistry) Converter(scannerType string) (domain.Converter, bool) {
	c, ok := r[scannerType]
	return c, ok
}

type mockResultManager struct{ mock.Mock }

func (m *mockResultManager) Save(ctx context.Context, credentialsKey *string, sha256 string, scanner domain.Scanner, raw map[string]any) error {
	return m.Called(ctx, credentialsKey, sha256, scanner, raw).Error(0)
}

type resultManagerRegistry map[string]domain.ResultManager

func (r resultManagerRegistry) ResultManager(scannerType string) (domain.ResultManager, bool) {
	m, ok := r[scannerType]
	return m, ok
}

type mockPermissionChecker struct{ mock.Mock }

func (m *mockPermissionChecker) CheckProject(ctx context.Context, projectID string, action domain.PermissionAction, userID string) error {
	return m.Called(ctx, projectID, action, userID).Error(0)
}

func (m *mockPermissionChecker) CheckRepos(ctx context.Context, projectID string, repos []string, action domain.PermissionAction, userID string) error {
	return m.Called(ctx, projectID, repos, action, userID).Error(0)
}

// testEnv wires a Service against the in-memory store and a mocked clock.
type testEnv struct {
	svc        *Service
	store      *memory.Store
	clock      *timeutil.Mock
	dispatcher *fakeDispatcher
	publisher  *recordingPublisher
	metrics    *recordingMetrics
	gate       *fakeGate
	converter  *passthroughConverter
	scanners   staticScanners
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()

	cfg := DefaultConfig()
	cfg.StopTaskDelay = 10 * time.Millisecond
	for _, opt := range opts {
		opt(&cfg)
	}

	env := &testEnv{
		store:      memory.NewStore(),
		clock:      &timeutil.Mock{CurrentTime: t0},
		dispatcher: newFakeDispatcher(),
		publisher:  new(recordingPublisher),
		metrics:    newRecordingMetrics(),
		gate:       &fakeGate{pass: true},
		converter:  new(passthroughConverter),
		scanners: staticScanners{
			testScanner: {Name: testScanner, Type: testScannerType, Version: "0.50", MinScanDuration: 10 * time.Second},
		},
	}
	env.svc = NewService(cfg, env.store, env.dispatcher, env.scanners, env.gate, env.metrics, env.publisher,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"),
		WithTimeProvider(env.clock),
		WithConverters(converterRegistry{testScannerType: env.converter}),
	)
	t.Cleanup(func() { _ = env.svc.Close(context.Background()) })
	return env
}

// seedTask stores a SCANNING_SUBMITTED task with n CREATED sub-tasks created
// one millisecond apart, oldest first.
func (e *testEnv) seedTask(t *testing.T, planID *uuid.UUID, n int) (*domain.ScanTask, []*domain.SubScanTask) {
	t.Helper()
	ctx := context.Background()

	task := domain.NewScanTask(testProject, planID, "batch scan", domain.TriggerManual, json.RawMessage(`{}`),
		e.scanners[testScanner].Ref(), nil, "alice", e.clock.Now())
	task.Status = domain.TaskStatusSubmitted
	require.NoError(t, e.store.Tasks().Create(ctx, task))

	subtasks := make([]*domain.SubScanTask, 0, n)
	for i := range n {
		st := domain.NewSubScanTask(task, domain.Artifact{
			ProjectID: testProject,
			RepoName:  "generic",
			FullPath:  fmt.Sprintf("/libs/lib-%d.jar", i),
			Name:      fmt.Sprintf("lib-%d.jar", i),
			Sha256:    fmt.Sprintf("sha-%d", i),
			Size:      1024,
		}, domain.SubtaskStatusCreated, e.clock.Now().Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, e.store.Subtasks().Create(ctx, st))
		require.NoError(t, e.store.LatestArtifacts().Upsert(ctx,
			domain.NewLatestArtifact(st, st.Status, nil, nil, "alice", e.clock.Now())))
		subtasks = append(subtasks, st)
	}
	if n > 0 {
		require.NoError(t, e.store.Tasks().AddSubtasks(ctx, task.ID, int64(n), e.clock.Now()))
	}
	return task, subtasks
}

func (e *testEnv) seedPlan(t *testing.T, quality map[string]int64) *domain.ScanPlan {
	t.Helper()
	plan := &domain.ScanPlan{
		ID:          uuid.New(),
		ProjectID:   testProject,
		Name:        "nightly",
		Type:        "GENERIC",
		Scanner:     testScanner,
		Quality:     quality,
		CreatedDate: e.clock.Now(),
	}
	require.NoError(t, e.store.Plans().Create(context.Background(), plan))
	return plan
}

func (e *testEnv) task(t *testing.T, id uuid.UUID) *domain.ScanTask {
	t.Helper()
	task, err := e.store.Tasks().Get(context.Background(), id)
	require.NoError(t, err)
	return task
}
