package notify

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
	"github.com/ahrav/artifact-analyst/pkg/common/logger"
)

func TestAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditLogger(logger.New(&buf, logger.LevelInfo, "test", nil))

	task := testTask(domain.TaskStatusFinished)
	require.NoError(t, a.HandleEvent(context.Background(),
		envelope(domain.NewTaskStatusChangedEvent(domain.TaskStatusSubmitted, task, nil))))

	sub := domain.NewSubtaskStatusChangedEvent(domain.SubtaskStatusExecuting, domain.LatestArtifact{
		LatestSubtaskID: uuid.New(),
		ParentTaskID:    task.ID,
		FullPath:        "/libs/a.jar",
		Status:          domain.SubtaskStatusFailed,
	})
	require.NoError(t, a.HandleEvent(context.Background(), envelopeOf(sub)))

	out := buf.String()
	assert.Contains(t, out, "task status changed")
	assert.Contains(t, out, task.ID.String())
	assert.Contains(t, out, "subtask status changed")
	assert.Contains(t, out, "/libs/a.jar")
	assert.Contains(t, out, `"component":"audit"`)
}
