package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/artifact-analyst/internal/app/worker"
	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
	"github.com/ahrav/artifact-analyst/pkg/common/logger"
)

func assignment(minDuration time.Duration) worker.Assignment {
	return worker.Assignment{
		Subtask: &domain.SubScanTask{
			ID:        uuid.New(),
			ProjectID: "p1",
			RepoName:  "generic",
			FullPath:  "/libs/a.jar",
			Sha256:    "abc",
			Size:      10,
		},
		Scanner: domain.Scanner{Name: "trivy", Type: "standard", MinScanDuration: minDuration},
	}
}

func newExecutor(t *testing.T, script string) *CommandExecutor {
	t.Helper()
	c, err := NewCommandExecutor([]string{"sh", "-c", script}, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	return c
}

func TestNewCommandExecutor_Empty(t *testing.T) {
	_, err := NewCommandExecutor(nil, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	assert.Error(t, err)
}

func TestCommandExecutor_Success(t *testing.T) {
	c := newExecutor(t, `printf '{"path":"%s","sha":"%s","critical":["CVE-1"]}' "$ANALYST_FULL_PATH" "$ANALYST_SHA256"`)

	res, err := c.Execute(context.Background(), assignment(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.SubtaskStatusSuccess, res.Status)
	assert.Equal(t, "/libs/a.jar", res.Output["path"])
	assert.Equal(t, "abc", res.Output["sha"])
	assert.Equal(t, []any{"CVE-1"}, res.Output["critical"])
}

func TestCommandExecutor_EmptyOutput(t *testing.T) {
	res, err := newExecutor(t, "true").Execute(context.Background(), assignment(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.SubtaskStatusSuccess, res.Status)
	assert.Empty(t, res.Output)
}

func TestCommandExecutor_NonZeroExit(t *testing.T) {
	res, err := newExecutor(t, "echo broken >&2; exit 3").Execute(context.Background(), assignment(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.SubtaskStatusFailed, res.Status)
	assert.Equal(t, 3, res.Output["exitCode"])
	assert.Equal(t, "broken", res.Output["stderr"])
}

func TestCommandExecutor_InvalidJSON(t *testing.T) {
	_, err := newExecutor(t, "echo not-json").Execute(context.Background(), assignment(time.Minute))
	assert.ErrorContains(t, err, "decode scan output")
}

func TestCommandExecutor_Budget(t *testing.T) {
	_, err := newExecutor(t, "sleep 5").Execute(context.Background(), assignment(50*time.Millisecond))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "abc", tail("  abc\n", 10))
	assert.Equal(t, "cd", tail("abcd", 2))
}
