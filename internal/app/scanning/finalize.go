package scanning

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/artifact-analyst/internal/domain/events"
	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
)

// Finalize moves a sub-task to a terminal status exactly once. The sub-task
// row is deleted first; if another caller already deleted it, Finalize returns
// false without any side effect. Otherwise the archive record, the projection,
// the parent counters and the completion check are committed together and the
// resulting events are published afterwards.
func (s *Service) Finalize(
	ctx context.Context,
	subtask *domain.SubScanTask,
	status domain.SubtaskStatus,
	overview map[string]any,
	modifiedBy string,
) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "scan_service.scanning.finalize",
		trace.WithAttributes(
			attribute.String("subtask_id", subtask.ID.String()),
			attribute.String("parent_task_id", subtask.ParentTaskID.String()),
			attribute.String("status", status.String()),
		))
	defer span.End()

	if !status.IsTerminal() {
		err := fmt.Errorf("%w: %s is not a terminal status", domain.ErrInvalidParameter, status)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid status")
		return false, err
	}
	if overview == nil {
		overview = map[string]any{}
	}

	// The gate only reads, so it is consulted before the unit of work starts.
	qualityPass, err := s.evaluateQuality(ctx, subtask, overview)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to evaluate quality")
		return false, err
	}

	var (
		deleted  bool
		pending  []events.DomainEvent
		finished bool
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
		n, err := repos.Subtasks().Delete(ctx, subtask.ID)
		if err != nil {
			return fmt.Errorf("failed to delete subtask: %w", err)
		}
		if n != 1 {
			return nil
		}
		deleted = true
		now := s.now()

		archive := domain.NewArchiveRecord(subtask, status, overview, qualityPass, modifiedBy, now)
		if err := repos.Archives().Save(ctx, archive); err != nil {
			return fmt.Errorf("failed to archive subtask: %w", err)
		}

		row := domain.NewLatestArtifact(subtask, status, overview, qualityPass, modifiedBy, now)
		if err := repos.LatestArtifacts().UpdateBySubtask(ctx, row); err != nil {
			return fmt.Errorf("failed to update latest artifact: %w", err)
		}
		pending = append(pending, domain.NewSubtaskStatusChangedEvent(subtask.Status, *row))

		success := status == domain.SubtaskStatusSuccess
		outcome := domain.SubtaskOutcome{
			Success:  success,
			Passed:   success && qualityPass != nil && *qualityPass,
			Overview: overview,
			Now:      now,
		}
		if err := repos.Tasks().ApplyOutcome(ctx, subtask.ParentTaskID, outcome); err != nil {
			return fmt.Errorf("failed to update parent task: %w", err)
		}

		finished, err = repos.Tasks().FinishIfComplete(ctx, subtask.ParentTaskID, now)
		if err != nil {
			return fmt.Errorf("failed to complete parent task: %w", err)
		}
		if !finished {
			return nil
		}

		parent, err := repos.Tasks().Get(ctx, subtask.ParentTaskID)
		if err != nil {
			return fmt.Errorf("failed to reload parent task: %w", err)
		}
		var plan *domain.ScanPlan
		if parent.PlanID != nil {
			if plan, err = repos.Plans().Get(ctx, *parent.PlanID); err != nil {
				return fmt.Errorf("failed to load plan: %w", err)
			}
		}
		pending = append(pending, domain.NewTaskStatusChangedEvent(domain.TaskStatusSubmitted, *parent, plan))
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to finalize subtask")
		return false, fmt.Errorf("failed to finalize subtask %s: %w", subtask.ID, err)
	}
	if !deleted {
		span.AddEvent("already_finalized")
		return false, nil
	}

	s.dispatcher.NotifyCapacity(ctx, subtask.ProjectID)
	s.metrics.SubtaskStatusChange(ctx, subtask.Status, status)
	if finished {
		s.metrics.IncTaskCount(ctx, domain.TaskStatusFinished)
		s.metrics.TaskStatusChange(ctx, domain.TaskStatusSubmitted, domain.TaskStatusFinished)
		s.logger.Info(ctx, "scan finished", "task_id", subtask.ParentTaskID)
	}
	s.publish(ctx, pending...)

	s.logger.Info(ctx, "subtask finalized",
		"parent_task_id", subtask.ParentTaskID,
		"subtask_id", subtask.ID,
		"status", status,
	)
	span.SetStatus(codes.Ok, "subtask finalized")
	return true, nil
}

// evaluateQuality returns nil when the sub-task has no plan or nothing to
// evaluate, otherwise the gate verdict over the numeric overview values.
func (s *Service) evaluateQuality(ctx context.Context, subtask *domain.SubScanTask, overview map[string]any) (*bool, error) {
	if subtask.PlanID == nil || len(overview) == 0 {
		return nil, nil
	}
	pass, err := s.gate.Evaluate(ctx, *subtask.PlanID, overview)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate quality: %w", err)
	}
	return &pass, nil
}
