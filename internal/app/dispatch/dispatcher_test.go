package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/artifact-analyst/internal/domain/events"
	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
	"github.com/ahrav/artifact-analyst/internal/infra/storage/scanning/memory"
	"github.com/ahrav/artifact-analyst/pkg/common/logger"
	"github.com/ahrav/artifact-analyst/pkg/common/timeutil"
)

const project = "proj-1"

type mockDomainEventPublisher struct{ mock.Mock }

func (m *mockDomainEventPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	return m.Called(ctx, event, opts).Error(0)
}

type noopMetrics struct {
	mu      sync.Mutex
	created map[domain.SubtaskStatus]int
}

func (m *noopMetrics) TaskStatusChange(context.Context, domain.TaskStatus, domain.TaskStatus) {}
func (m *noopMetrics) RecordDuration(context.Context, string, int64, string, time.Duration)   {}
func (m *noopMetrics) IncTaskCount(context.Context, domain.TaskStatus)                        {}
func (m *noopMetrics) SubtaskStatusChange(_ context.Context, old, new domain.SubtaskStatus) {
	if old != "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.created == nil {
		m.created = make(map[domain.SubtaskStatus]int)
	}
	m.created[new]++
}

func artifacts(n int) []domain.Artifact {
	out := make([]domain.Artifact, 0, n)
	for i := range n {
		out = append(out, domain.Artifact{
			ProjectID: project,
			RepoName:  "generic",
			FullPath:  fmt.Sprintf("/libs/lib-%d.jar", i),
			Name:      fmt.Sprintf("lib-%d.jar", i),
			Sha256:    fmt.Sprintf("sha-%d", i),
		})
	}
	return out
}

type fixture struct {
	store     *memory.Store
	source    *CatalogSource
	publisher *mockDomainEventPublisher
	metrics   *noopMetrics
	clock     *timeutil.Mock
	d         *Dispatcher
}

func newFixture(t *testing.T, cfg Config, n int) *fixture {
	t.Helper()
	f := &fixture{
		store:     memory.NewStore(),
		source:    NewCatalogSource(2, artifacts(n)...),
		publisher: new(mockDomainEventPublisher),
		metrics:   new(noopMetrics),
		clock:     &timeutil.Mock{CurrentTime: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
	}
	f.publisher.On("PublishDomainEvent", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	f.d = New(cfg, f.store, f.source, f.metrics, f.publisher, logger.Noop(),
		noop.NewTracerProvider().Tracer("test"), WithTimeProvider(f.clock))
	t.Cleanup(f.d.Close)
	return f
}

func (f *fixture) newTask(t *testing.T, rule string) *domain.ScanTask {
	t.Helper()
	task := domain.NewScanTask(project, nil, "batch scan", domain.TriggerManual, json.RawMessage(rule),
		domain.ScannerRef{Name: "trivy", Type: "standard"}, nil, "alice", f.clock.Now())
	require.NoError(t, f.store.Tasks().Create(context.Background(), task))
	return task
}

func TestSubmit_CreatesSubtasksAndSubmitsTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), 5)
	task := f.newTask(t, `{"field":"projectId","value":"proj-1","operation":"EQ"}`)

	require.NoError(t, f.d.Submit(ctx, task))

	stored, err := f.store.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusSubmitted, stored.Status)
	assert.Equal(t, int64(5), stored.Total)
	assert.Equal(t, int64(5), stored.Scanning)

	subtasks, err := f.store.Subtasks().ListByParent(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, subtasks, 5)
	for _, st := range subtasks {
		assert.Equal(t, domain.SubtaskStatusCreated, st.Status)
		assert.Equal(t, "trivy", st.Scanner)
	}
	assert.Equal(t, 5, f.metrics.created[domain.SubtaskStatusCreated])
	f.publisher.AssertNotCalled(t, "PublishDomainEvent", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmit_IgnoresTasksThatAreNotPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), 2)
	task := f.newTask(t, `{}`)

	require.NoError(t, f.d.Submit(ctx, task))
	require.NoError(t, f.d.Submit(ctx, task))

	stored, err := f.store.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Total, "a second submission creates nothing")
}

func TestSubmit_EmptySelectionFinishesImmediately(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), 3)
	task := f.newTask(t, `{"field":"repoName","value":"docker","operation":"EQ"}`)

	require.NoError(t, f.d.Submit(ctx, task))

	stored, err := f.store.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFinished, stored.Status)
	f.publisher.AssertNumberOfCalls(t, "PublishDomainEvent", 1)
}

func TestSubmit_QuotaBlocksExcessSubtasks(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxActivePerProject = 3
	f := newFixture(t, cfg, 5)
	task := f.newTask(t, `{}`)

	require.NoError(t, f.d.Submit(ctx, task))

	created, err := f.store.Subtasks().CountByProject(ctx, project, domain.SubtaskStatusCreated)
	require.NoError(t, err)
	blocked, err := f.store.Subtasks().CountByProject(ctx, project, domain.SubtaskStatusBlocked)
	require.NoError(t, err)
	assert.Equal(t, int64(3), created)
	assert.Equal(t, int64(2), blocked)

	// Free one slot and let the dispatcher promote the oldest blocked sub-task.
	first, err := f.store.Subtasks().FirstCreated(ctx)
	require.NoError(t, err)
	n, err := f.store.Subtasks().Delete(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	oldestBlocked, err := f.store.Subtasks().FirstBlocked(ctx, project)
	require.NoError(t, err)

	f.d.NotifyCapacity(ctx, project)

	promoted, err := f.store.Subtasks().Get(ctx, oldestBlocked.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubtaskStatusCreated, promoted.Status)

	blocked, err = f.store.Subtasks().CountByProject(ctx, project, domain.SubtaskStatusBlocked)
	require.NoError(t, err)
	assert.Equal(t, int64(1), blocked, "promotion stops at the quota")

	archives, err := f.store.Archives().ListBySubtask(ctx, oldestBlocked.ID)
	require.NoError(t, err)
	require.Len(t, archives, 1)
	assert.Equal(t, domain.SubtaskStatusCreated, archives[0].Status)
}

func TestEnqueue_FollowsQuota(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxActivePerProject = 1
	f := newFixture(t, cfg, 1)
	task := f.newTask(t, `{}`)
	require.NoError(t, f.d.Submit(ctx, task))

	st, err := f.store.Subtasks().FirstCreated(ctx)
	require.NoError(t, err)

	ok, err := f.d.Enqueue(ctx, st)
	require.NoError(t, err)
	assert.False(t, ok, "the project is at its quota")

	unlimited := newFixture(t, DefaultConfig(), 0)
	ok, err = unlimited.d.Enqueue(ctx, st)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSubmit_StopsWhenTaskStopping(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), 6)
	task := f.newTask(t, `{}`)

	stopAfterFirst := &stoppingSource{CatalogSource: f.source, store: f.store, task: task, now: f.clock.Now}
	f.d.source = stopAfterFirst

	require.NoError(t, f.d.Submit(ctx, task))

	stored, err := f.store.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusStopping, stored.Status)
	assert.Equal(t, int64(2), stored.Total, "only the first batch was submitted")
}

// stoppingSource flags the task STOPPING after yielding its first batch.
type stoppingSource struct {
	*CatalogSource
	store *memory.Store
	task  *domain.ScanTask
	now   func() time.Time
}

func (s *stoppingSource) ListArtifacts(ctx context.Context, projectID string, rule *domain.Rule, yield func([]domain.Artifact) error) error {
	batches := 0
	return s.CatalogSource.ListArtifacts(ctx, projectID, rule, func(batch []domain.Artifact) error {
		if err := yield(batch); err != nil {
			return err
		}
		batches++
		if batches == 1 {
			_, err := s.store.Tasks().TransitionStatus(ctx, s.task.ID,
				[]domain.TaskStatus{domain.TaskStatusSubmitting}, domain.TaskStatusStopping, s.now())
			return err
		}
		return nil
	})
}

func TestDispatch_RunsInBackground(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), 4)
	task := f.newTask(t, `{}`)

	require.NoError(t, f.d.Dispatch(ctx, task))
	require.Eventually(t, func() bool {
		stored, err := f.store.Tasks().Get(ctx, task.ID)
		return err == nil && stored.Status == domain.TaskStatusSubmitted
	}, 2*time.Second, 5*time.Millisecond)

	f.d.Close()
	require.Error(t, f.d.Dispatch(ctx, task), "a closed dispatcher rejects work")
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
artifacts:
  - project_id: proj-1
    repo_name: generic
    full_path: /libs/a.jar
    name: a.jar
    sha256: aaa
    size: 2048
  - project_id: proj-2
    repo_name: docker
    full_path: /images/b
    name: b
    sha256: bbb
    credentials_key: s3-east
`), 0o600))

	src, err := LoadCatalog(path, 10)
	require.NoError(t, err)

	var got []domain.Artifact
	err = src.ListArtifacts(context.Background(), "proj-2", nil, func(batch []domain.Artifact) error {
		got = append(got, batch...)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bbb", got[0].Sha256)
	require.NotNil(t, got[0].CredentialsKey)
	assert.Equal(t, "s3-east", *got[0].CredentialsKey)
}
