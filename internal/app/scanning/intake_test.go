package scanning

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
	"github.com/ahrav/artifact-analyst/pkg/common/logger"
)

type registration struct {
	taskID  uuid.UUID
	webhook string
	chatIDs []string
}

type recordingRegistrar struct{ registrations []registration }

func (r *recordingRegistrar) Register(taskID uuid.UUID, webhookURL string, chatIDs []string) {
	r.registrations = append(r.registrations, registration{taskID, webhookURL, chatIDs})
}

func TestScan(t *testing.T) {
	ctx := context.Background()
	projectRule := json.RawMessage(`{"field":"projectId","value":"proj-1","operation":"EQ"}`)

	t.Run("explicit scanner and rule", func(t *testing.T) {
		env := newTestEnv(t)

		task, err := env.svc.Scan(ctx, ScanRequest{Scanner: testScanner, Rule: projectRule}, domain.TriggerManual, "alice")
		require.NoError(t, err)

		stored := env.task(t, task.ID)
		assert.Equal(t, domain.TaskStatusPending, stored.Status)
		assert.Equal(t, testProject, stored.ProjectID)
		assert.Equal(t, "batch scan", stored.Name)
		assert.Equal(t, testScanner, stored.Scanner.Name)
		assert.Equal(t, "alice", stored.CreatedBy)
		assert.Nil(t, stored.PlanID)

		require.Len(t, env.dispatcher.dispatched, 1)
		assert.Equal(t, task.ID, env.dispatcher.dispatched[0].ID)
		assert.Equal(t, 1, env.metrics.taskCount(domain.TaskStatusPending))
	})

	t.Run("single artifact scan", func(t *testing.T) {
		env := newTestEnv(t)
		task, err := env.svc.Scan(ctx, ScanRequest{Scanner: testScanner, Rule: projectRule}, domain.TriggerManualSingle, "alice")
		require.NoError(t, err)
		assert.Equal(t, "single scan", task.Name)
	})

	t.Run("plan supplies project and scanner", func(t *testing.T) {
		env := newTestEnv(t)
		plan := env.seedPlan(t, nil)

		task, err := env.svc.Scan(ctx, ScanRequest{PlanID: &plan.ID}, domain.TriggerManual, "alice")
		require.NoError(t, err)
		assert.Equal(t, testProject, task.ProjectID)
		assert.Equal(t, testScanner, task.Scanner.Name)
		require.NotNil(t, task.PlanID)
		assert.Equal(t, plan.ID, *task.PlanID)

		rule, err := domain.ParseRule(task.Rule)
		require.NoError(t, err)
		assert.Equal(t, []string{testProject}, rule.ProjectIDs(), "the stored rule is scoped to the project")

		updated, err := env.store.Plans().Get(ctx, plan.ID)
		require.NoError(t, err)
		require.NotNil(t, updated.LatestScanTaskID)
		assert.Equal(t, task.ID, *updated.LatestScanTaskID)
	})

	t.Run("invalid requests", func(t *testing.T) {
		env := newTestEnv(t)
		missingPlan := uuid.New()

		tests := []struct {
			name string
			req  ScanRequest
			err  error
		}{
			{name: "neither plan nor scanner", req: ScanRequest{Rule: projectRule}, err: domain.ErrInvalidParameter},
			{name: "scanner without rule", req: ScanRequest{Scanner: testScanner}, err: domain.ErrInvalidParameter},
			{
				name: "several projects",
				req: ScanRequest{Scanner: testScanner, Rule: json.RawMessage(
					`{"field":"projectId","value":["a","b"],"operation":"IN"}`)},
				err: domain.ErrInvalidParameter,
			},
			{
				name: "no project at all",
				req:  ScanRequest{Scanner: testScanner, Rule: json.RawMessage(`{"field":"repoName","value":"r","operation":"EQ"}`)},
				err:  domain.ErrInvalidParameter,
			},
			{name: "unknown plan", req: ScanRequest{PlanID: &missingPlan}, err: domain.ErrNotFound},
			{name: "unknown scanner", req: ScanRequest{Scanner: "grype", Rule: projectRule}, err: domain.ErrScannerNotFound},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := env.svc.Scan(ctx, tt.req, domain.TriggerManual, "alice")
				require.ErrorIs(t, err, tt.err)
			})
		}
		assert.Empty(t, env.dispatcher.dispatched)
	})
}

func TestScan_Permissions(t *testing.T) {
	ctx := context.Background()

	newService := func(env *testEnv, checker domain.PermissionChecker) *Service {
		return NewService(DefaultConfig(), env.store, env.dispatcher, env.scanners, env.gate, env.metrics, env.publisher,
			logger.Noop(), noop.NewTracerProvider().Tracer("test"),
			WithTimeProvider(env.clock), WithPermissionChecker(checker))
	}

	t.Run("project scope requires manage", func(t *testing.T) {
		env := newTestEnv(t)
		checker := new(mockPermissionChecker)
		checker.On("CheckProject", mock.Anything, testProject, domain.PermissionManage, "alice").Return(nil)
		svc := newService(env, checker)

		_, err := svc.Scan(ctx, ScanRequest{
			Scanner: testScanner,
			Rule:    json.RawMessage(`{"field":"projectId","value":"proj-1","operation":"EQ"}`),
		}, domain.TriggerManual, "alice")
		require.NoError(t, err)
		checker.AssertExpectations(t)
	})

	t.Run("repository scope requires read", func(t *testing.T) {
		env := newTestEnv(t)
		checker := new(mockPermissionChecker)
		checker.On("CheckRepos", mock.Anything, testProject, []string{"generic"}, domain.PermissionRead, "alice").
			Return(domain.ErrPermissionDenied)
		svc := newService(env, checker)

		_, err := svc.Scan(ctx, ScanRequest{
			Scanner: testScanner,
			Rule: json.RawMessage(`{"relation":"AND","rules":[
				{"field":"projectId","value":"proj-1","operation":"EQ"},
				{"field":"repoName","value":"generic","operation":"EQ"}]}`),
		}, domain.TriggerManual, "alice")
		require.ErrorIs(t, err, domain.ErrPermissionDenied)
		checker.AssertExpectations(t)
		assert.Empty(t, env.dispatcher.dispatched)
	})

	t.Run("system requests skip checks", func(t *testing.T) {
		env := newTestEnv(t)
		checker := new(mockPermissionChecker)
		svc := newService(env, checker)

		_, err := svc.Scan(ctx, ScanRequest{
			Scanner: testScanner,
			Rule:    json.RawMessage(`{"field":"projectId","value":"proj-1","operation":"EQ"}`),
		}, domain.TriggerOnNewArtifact, "")
		require.NoError(t, err)
		checker.AssertNotCalled(t, "CheckProject", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestPipelineScan(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	registrar := new(recordingRegistrar)
	svc := NewService(DefaultConfig(), env.store, env.dispatcher, env.scanners, env.gate, env.metrics, env.publisher,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"),
		WithTimeProvider(env.clock), WithNotificationRegistrar(registrar))

	str := func(s string) *string { return &s }
	req := PipelineScanRequest{
		ProjectID:    testProject,
		PlanType:     "GENERIC",
		Scanner:      testScanner,
		PipelineID:   str("p-1"),
		BuildID:      str("b-9"),
		BuildNumber:  str("12"),
		PipelineName: str("release"),
		PluginName:   str("scan-plugin"),
		WebhookURL:   str("https://chat.example.com/hook"),
		ChatIDs:      []string{"room-1"},
	}

	task, err := svc.PipelineScan(ctx, req, "ci-bot")
	require.NoError(t, err)
	assert.Equal(t, "release-12-scan-plugin", task.Name)
	assert.Equal(t, domain.TriggerPipeline, task.TriggerType)
	assert.Equal(t, "p-1", task.MetadataValue(domain.MetadataKeyPipelineID))
	assert.Equal(t, "b-9", task.MetadataValue(domain.MetadataKeyBuildID))
	require.NotNil(t, task.PlanID)

	plan, err := env.store.Plans().Get(ctx, *task.PlanID)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultPlanName, plan.Name)

	require.Len(t, registrar.registrations, 1)
	assert.Equal(t, task.ID, registrar.registrations[0].taskID)
	assert.Equal(t, []string{"room-1"}, registrar.registrations[0].chatIDs)

	again, err := svc.PipelineScan(ctx, PipelineScanRequest{
		ProjectID: testProject, PlanType: "GENERIC", Scanner: testScanner, PipelineID: str("p-1"),
	}, "ci-bot")
	require.NoError(t, err)
	assert.Equal(t, *task.PlanID, *again.PlanID, "the default plan is reused")
	assert.Empty(t, again.Metadata, "metadata needs both pipeline and build ids")
}
