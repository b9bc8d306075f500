package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/artifact-analyst/internal/app/quality"
	"github.com/ahrav/artifact-analyst/internal/app/scanner"
	"github.com/ahrav/artifact-analyst/internal/app/scanning"
	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
	"github.com/ahrav/artifact-analyst/internal/infra/eventbus/memory"
	memStore "github.com/ahrav/artifact-analyst/internal/infra/storage/scanning/memory"
	"github.com/ahrav/artifact-analyst/pkg/common/logger"
)

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, *domain.ScanTask) error { return nil }
func (nopDispatcher) NotifyCapacity(context.Context, string)         {}
func (nopDispatcher) Enqueue(context.Context, *domain.SubScanTask) (bool, error) {
	return false, nil
}

type staticExecutor struct{ res Result }

func (e staticExecutor) Execute(context.Context, Assignment) (Result, error) { return e.res, nil }

func TestLocalController_PollRunsSubtaskToCompletion(t *testing.T) {
	ctx := context.Background()
	tracer := noop.NewTracerProvider().Tracer("test")
	now := time.Now().UTC()

	trivy := domain.Scanner{Name: "trivy", Type: scanner.TypeStandard, Version: "0.50", MinScanDuration: time.Minute}
	reg, err := scanner.NewRegistry(trivy)
	require.NoError(t, err)

	store := memStore.NewStore()
	task := domain.NewScanTask("proj-1", nil, "batch scan", domain.TriggerManual, json.RawMessage(`{}`),
		trivy.Ref(), nil, "alice", now)
	task.Status = domain.TaskStatusSubmitted
	require.NoError(t, store.Tasks().Create(ctx, task))

	st := domain.NewSubScanTask(task, domain.Artifact{
		ProjectID: "proj-1",
		RepoName:  "generic",
		FullPath:  "/libs/lib.jar",
		Name:      "lib.jar",
		Sha256:    "sha-1",
		Size:      1024,
	}, domain.SubtaskStatusCreated, now)
	require.NoError(t, store.Subtasks().Create(ctx, st))
	require.NoError(t, store.LatestArtifacts().Upsert(ctx, domain.NewLatestArtifact(st, st.Status, nil, nil, "alice", now)))
	require.NoError(t, store.Tasks().AddSubtasks(ctx, task.ID, 1, now))

	metrics, err := scanning.NewScanMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	svc := scanning.NewService(
		scanning.DefaultConfig(),
		store,
		nopDispatcher{},
		reg,
		quality.NewGate(store.Plans(), logger.Noop(), tracer),
		metrics,
		memory.NewDomainEventPublisher(memory.NewBus(logger.Noop())),
		logger.Noop(),
		tracer,
		scanning.WithConverters(scanner.DefaultConverters()),
	)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	workerMetrics, err := NewMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	w := New("w-1", Config{}, NewLocalController(svc, reg),
		staticExecutor{res: Result{Status: domain.SubtaskStatusSuccess, Output: map[string]any{}}},
		logger.Noop(), workerMetrics, tracer)

	worked, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	_, err = store.Subtasks().Get(ctx, st.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "finalized sub-tasks leave the active table")

	got, err := store.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFinished, got.Status)
	assert.Equal(t, int64(1), got.Scanned)
	assert.Equal(t, int64(0), got.Failed)

	worked, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, worked, "nothing left to claim")
}
