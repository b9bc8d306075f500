package notify

import (
	"context"

	"github.com/ahrav/artifact-analyst/internal/domain/events"
	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
	"github.com/ahrav/artifact-analyst/pkg/common/logger"
)

var _ events.EventHandler = (*AuditLogger)(nil)

// AuditLogger writes one structured record per status change.
type AuditLogger struct {
	logger *logger.Logger
}

// NewAuditLogger creates the audit listener.
func NewAuditLogger(logger *logger.Logger) *AuditLogger {
	return &AuditLogger{logger: logger.With("component", "audit")}
}

// SupportedEvents returns both status events.
func (a *AuditLogger) SupportedEvents() []events.EventType {
	return []events.EventType{domain.EventTypeTaskStatusChanged, domain.EventTypeSubtaskStatusChanged}
}

// HandleEvent logs evt. Unknown payloads are ignored.
func (a *AuditLogger) HandleEvent(ctx context.Context, evt events.EventEnvelope) error {
	switch p := evt.Payload.(type) {
	case domain.TaskStatusChangedEvent:
		a.logger.Info(ctx, "task status changed",
			"task_id", p.Task.ID.String(),
			"project_id", p.Task.ProjectID,
			"old_status", p.OldStatus.String(),
			"status", p.Task.Status.String(),
			"total", p.Task.Total,
			"scanned", p.Task.Scanned,
			"passed", p.Task.Passed,
			"failed", p.Task.Failed,
			"modified_by", p.Task.LastModifiedBy,
		)
	case domain.SubtaskStatusChangedEvent:
		a.logger.Info(ctx, "subtask status changed",
			"subtask_id", p.Subtask.LatestSubtaskID.String(),
			"parent_task_id", p.Subtask.ParentTaskID.String(),
			"project_id", p.Subtask.ProjectID,
			"full_path", p.Subtask.FullPath,
			"old_status", p.OldStatus.String(),
			"status", p.Subtask.Status.String(),
			"modified_by", p.Subtask.ModifiedBy,
		)
	}
	return nil
}
