package kafka

import (
	"time"

	"github.com/google/uuid"

	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
)

// TaskStatusMessage is the wire form of a task status change.
type TaskStatusMessage struct {
	TaskID           uuid.UUID             `json:"taskId"`
	ProjectID        string                `json:"projectId"`
	PlanID           *uuid.UUID            `json:"planId,omitempty"`
	PlanName         string                `json:"planName,omitempty"`
	Name             string                `json:"name"`
	TriggerType      domain.TriggerType    `json:"triggerType"`
	Scanner          domain.ScannerRef     `json:"scanner"`
	OldStatus        domain.TaskStatus     `json:"oldStatus"`
	Status           domain.TaskStatus     `json:"status"`
	Total            int64                 `json:"total"`
	Scanning         int64                 `json:"scanning"`
	Scanned          int64                 `json:"scanned"`
	Passed           int64                 `json:"passed"`
	Failed           int64                 `json:"failed"`
	Overview         map[string]any        `json:"overview,omitempty"`
	Metadata         []domain.TaskMetadata `json:"metadata,omitempty"`
	StartDateTime    *time.Time            `json:"startDateTime,omitempty"`
	FinishedDateTime *time.Time            `json:"finishedDateTime,omitempty"`
	OccurredAt       time.Time             `json:"occurredAt"`
}

func newTaskStatusMessage(evt domain.TaskStatusChangedEvent) TaskStatusMessage {
	t := evt.Task
	msg := TaskStatusMessage{
		TaskID:           t.ID,
		ProjectID:        t.ProjectID,
		PlanID:           t.PlanID,
		Name:             t.Name,
		TriggerType:      t.TriggerType,
		Scanner:          t.Scanner,
		OldStatus:        evt.OldStatus,
		Status:           t.Status,
		Total:            t.Total,
		Scanning:         t.Scanning,
		Scanned:          t.Scanned,
		Passed:           t.Passed,
		Failed:           t.Failed,
		Overview:         t.Overview,
		Metadata:         t.Metadata,
		StartDateTime:    t.StartDateTime,
		FinishedDateTime: t.FinishedDateTime,
		OccurredAt:       evt.OccurredAt(),
	}
	if evt.Plan != nil {
		msg.PlanName = evt.Plan.Name
	}
	return msg
}

// SubtaskStatusMessage is the wire form of a sub-task status change.
type SubtaskStatusMessage struct {
	SubtaskID    uuid.UUID            `json:"subtaskId"`
	ParentTaskID uuid.UUID            `json:"parentTaskId"`
	ProjectID    string               `json:"projectId"`
	RepoName     string               `json:"repoName"`
	FullPath     string               `json:"fullPath"`
	Sha256       string               `json:"sha256"`
	PlanID       *uuid.UUID           `json:"planId,omitempty"`
	Scanner      string               `json:"scanner"`
	OldStatus    domain.SubtaskStatus `json:"oldStatus"`
	Status       domain.SubtaskStatus `json:"status"`
	QualityPass  *bool                `json:"qualityRedLinePass,omitempty"`
	Overview     map[string]any       `json:"overview,omitempty"`
	OccurredAt   time.Time            `json:"occurredAt"`
}

func newSubtaskStatusMessage(evt domain.SubtaskStatusChangedEvent) SubtaskStatusMessage {
	s := evt.Subtask
	return SubtaskStatusMessage{
		SubtaskID:    s.LatestSubtaskID,
		ParentTaskID: s.ParentTaskID,
		ProjectID:    s.ProjectID,
		RepoName:     s.RepoName,
		FullPath:     s.FullPath,
		Sha256:       s.Sha256,
		PlanID:       s.PlanID,
		Scanner:      s.Scanner,
		OldStatus:    evt.OldStatus,
		Status:       s.Status,
		QualityPass:  s.QualityPass,
		Overview:     s.Overview,
		OccurredAt:   evt.OccurredAt(),
	}
}
