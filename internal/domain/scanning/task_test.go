package scanning

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScanTask(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	planID := uuid.New()
	task := NewScanTask("proj", &planID, "batch scan", TriggerManual, json.RawMessage(`{}`),
		ScannerRef{Name: "trivy", Type: "standard"}, nil, "alice", now)

	assert.Equal(t, TaskStatusPending, task.Status)
	assert.Zero(t, task.Total)
	assert.Zero(t, task.Scanned)
	assert.NotNil(t, task.Overview)
	assert.Equal(t, now, task.CreatedDate)
	assert.Equal(t, now, task.LastModifiedDate)
	assert.Equal(t, "alice", task.LastModifiedBy)
	assert.Nil(t, task.StartDateTime)
}

func TestScanTask_IsComplete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		task   ScanTask
		expect bool
	}{
		{
			name:   "submitted and all scanned",
			task:   ScanTask{Status: TaskStatusSubmitted, Total: 3, Scanned: 3},
			expect: true,
		},
		{
			name:   "submitted with work left",
			task:   ScanTask{Status: TaskStatusSubmitted, Total: 3, Scanned: 2},
			expect: false,
		},
		{
			name:   "still submitting",
			task:   ScanTask{Status: TaskStatusSubmitting, Total: 3, Scanned: 3},
			expect: false,
		},
		{
			name:   "submitted without sub-tasks",
			task:   ScanTask{Status: TaskStatusSubmitted},
			expect: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expect, tt.task.IsComplete())
		})
	}
}

func TestScanTask_CloneIsDeep(t *testing.T) {
	t.Parallel()

	started := time.Now()
	task := &ScanTask{
		Overview:      map[string]any{OverviewHighVulnCount: int64(1)},
		Metadata:      []TaskMetadata{{Key: MetadataKeyPipelineID, Value: "p1"}},
		StartDateTime: &started,
	}

	c := task.Clone()
	c.Overview[OverviewHighVulnCount] = int64(5)
	c.Metadata[0].Value = "p2"
	*c.StartDateTime = started.Add(time.Hour)

	assert.Equal(t, int64(1), task.Overview[OverviewHighVulnCount])
	assert.Equal(t, "p1", task.MetadataValue(MetadataKeyPipelineID))
	assert.Equal(t, started, *task.StartDateTime)
}

func TestSubScanTask_Exhausted(t *testing.T) {
	t.Parallel()

	st := &SubScanTask{Status: SubtaskStatusExecuting, ExecutedTimes: 3}
	assert.True(t, st.Exhausted(3))

	st.ExecutedTimes = 2
	assert.False(t, st.Exhausted(3))

	st = &SubScanTask{Status: SubtaskStatusPulled, ExecutedTimes: 5}
	assert.False(t, st.Exhausted(3), "only executing sub-tasks are exhausted")
}

func TestNewSubScanTask(t *testing.T) {
	t.Parallel()

	planID := uuid.New()
	parent := &ScanTask{ID: uuid.New(), PlanID: &planID, Scanner: ScannerRef{Name: "trivy", Type: "standard"}}
	key := "s3"
	now := time.Now()

	st := NewSubScanTask(parent, Artifact{
		ProjectID:      "proj",
		RepoName:       "generic",
		FullPath:       "/a/b.jar",
		Name:           "b.jar",
		Sha256:         "abc",
		CredentialsKey: &key,
		Size:           1024,
	}, SubtaskStatusBlocked, now)

	require.NotEqual(t, uuid.Nil, st.ID)
	assert.Equal(t, parent.ID, st.ParentTaskID)
	assert.Equal(t, &planID, st.PlanID)
	assert.Equal(t, "trivy", st.Scanner)
	assert.Equal(t, SubtaskStatusBlocked, st.Status)
	assert.Zero(t, st.ExecutedTimes)
	assert.Equal(t, now, st.LastModifiedDate)
}

func TestMetadataLookup(t *testing.T) {
	metadata := []TaskMetadata{
		{Key: MetadataKeyPipelineName, Value: "release"},
		{Key: MetadataKeyPipelineName, Value: "shadowed"},
	}
	assert.Equal(t, "release", MetadataLookup(metadata, MetadataKeyPipelineName))
	assert.Empty(t, MetadataLookup(metadata, MetadataKeyBuildNumber))
	assert.Empty(t, MetadataLookup(nil, MetadataKeyBuildNumber))
}
