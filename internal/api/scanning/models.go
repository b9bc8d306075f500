package scanning

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
)

// taskResponse is the API view of a parent task.
type taskResponse struct {
	ID               uuid.UUID             `json:"taskId"`
	ProjectID        string                `json:"projectId"`
	PlanID           *uuid.UUID            `json:"planId,omitempty"`
	Name             string                `json:"name"`
	TriggerType      domain.TriggerType    `json:"triggerType"`
	Rule             json.RawMessage       `json:"rule,omitempty"`
	Scanner          domain.ScannerRef     `json:"scanner"`
	Status           domain.TaskStatus     `json:"status"`
	Total            int64                 `json:"total"`
	Scanning         int64                 `json:"scanning"`
	Failed           int64                 `json:"failed"`
	Scanned          int64                 `json:"scanned"`
	Passed           int64                 `json:"passed"`
	Overview         map[string]any        `json:"scanResultOverview"`
	Metadata         []domain.TaskMetadata `json:"metadata,omitempty"`
	CreatedBy        string                `json:"createdBy"`
	CreatedDate      time.Time             `json:"createdDate"`
	LastModifiedBy   string                `json:"lastModifiedBy"`
	LastModifiedDate time.Time             `json:"lastModifiedDate"`
	StartDateTime    *time.Time            `json:"startDateTime,omitempty"`
	FinishedDateTime *time.Time            `json:"finishedDateTime,omitempty"`
}

func newTaskResponse(t *domain.ScanTask) taskResponse {
	return taskResponse{
		ID:               t.ID,
		ProjectID:        t.ProjectID,
		PlanID:           t.PlanID,
		Name:             t.Name,
		TriggerType:      t.TriggerType,
		Rule:             t.Rule,
		Scanner:          t.Scanner,
		Status:           t.Status,
		Total:            t.Total,
		Scanning:         t.Scanning,
		Failed:           t.Failed,
		Scanned:          t.Scanned,
		Passed:           t.Passed,
		Overview:         t.Overview,
		Metadata:         t.Metadata,
		CreatedBy:        t.CreatedBy,
		CreatedDate:      t.CreatedDate,
		LastModifiedBy:   t.LastModifiedBy,
		LastModifiedDate: t.LastModifiedDate,
		StartDateTime:    t.StartDateTime,
		FinishedDateTime: t.FinishedDateTime,
	}
}
