package scanning

import (
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// TriggerType records what caused a scan task to be created.
type TriggerType string

const (
	TriggerManual        TriggerType = "MANUAL"
	TriggerManualSingle  TriggerType = "MANUAL_SINGLE"
	TriggerPipeline      TriggerType = "PIPELINE"
	TriggerOnNewArtifact TriggerType = "ON_NEW_ARTIFACT"
)

// Metadata keys attached to pipeline triggered tasks.
const (
	MetadataKeyPipelineID   = "pid"
	MetadataKeyBuildID      = "bid"
	MetadataKeyPluginName   = "pluginName"
	MetadataKeyBuildNumber  = "buildNo"
	MetadataKeyPipelineName = "pipelineName"
)

// TaskMetadata is one entry of the ordered key/value list attached to a task.
type TaskMetadata struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ScannerRef identifies the scanner a task or sub-task runs with.
type ScannerRef struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Version string `json:"version"`
}

// ScanTask is the parent aggregate of a scan request. Its counters are owned
// exclusively by the result pipeline; every other writer only touches status.
type ScanTask struct {
	ID        uuid.UUID
	ProjectID string
	// PlanID is nil for ad-hoc scans that were not started from a plan.
	PlanID      *uuid.UUID
	Name        string
	TriggerType TriggerType
	// Rule is the serialized artifact filter rule.
	Rule     json.RawMessage
	Scanner  ScannerRef
	Status   TaskStatus
	Total    int64
	Scanning int64
	Failed   int64
	Scanned  int64
	Passed   int64
	Overview map[string]any
	Metadata []TaskMetadata

	CreatedBy        string
	CreatedDate      time.Time
	LastModifiedBy   string
	LastModifiedDate time.Time
	// StartDateTime is the time the first sub-task actually started executing.
	StartDateTime    *time.Time
	FinishedDateTime *time.Time
}

// NewScanTask creates a PENDING task with zeroed counters.
func NewScanTask(
	projectID string,
	planID *uuid.UUID,
	name string,
	trigger TriggerType,
	rule json.RawMessage,
	scanner ScannerRef,
	metadata []TaskMetadata,
	createdBy string,
	now time.Time,
) *ScanTask {
	return &ScanTask{
		ID:               uuid.New(),
		ProjectID:        projectID,
		PlanID:           planID,
		Name:             name,
		TriggerType:      trigger,
		Rule:             rule,
		Scanner:          scanner,
		Status:           TaskStatusPending,
		Overview:         map[string]any{},
		Metadata:         metadata,
		CreatedBy:        createdBy,
		CreatedDate:      now,
		LastModifiedBy:   createdBy,
		LastModifiedDate: now,
	}
}

// IsComplete reports whether every submitted sub-task was finalized.
func (t *ScanTask) IsComplete() bool {
	return t.Status == TaskStatusSubmitted && t.Scanned == t.Total
}

// MetadataValue returns the value of the first metadata entry with key.
func (t *ScanTask) MetadataValue(key string) string { return MetadataLookup(t.Metadata, key) }

// MetadataLookup returns the value of the first entry of metadata with key.
func MetadataLookup(metadata []TaskMetadata, key string) string {
	for _, m := range metadata {
		if m.Key == key {
			return m.Value
		}
	}
	return ""
}

// Clone returns a deep copy of the task.
func (t *ScanTask) Clone() *ScanTask {
	c := *t
	if t.PlanID != nil {
		id := *t.PlanID
		c.PlanID = &id
	}
	c.Rule = append(json.RawMessage(nil), t.Rule...)
	c.Overview = maps.Clone(t.Overview)
	if c.Overview == nil {
		c.Overview = map[string]any{}
	}
	c.Metadata = slices.Clone(t.Metadata)
	if t.StartDateTime != nil {
		s := *t.StartDateTime
		c.StartDateTime = &s
	}
	if t.FinishedDateTime != nil {
		f := *t.FinishedDateTime
		c.FinishedDateTime = &f
	}
	return &c
}
