package scanning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
)

// ErrServiceClosed is returned when a stop is requested after Close.
var ErrServiceClosed = errors.New("scan service closed")

// StopTask requests a cooperative stop of a task. The task is flagged STOPPING
// right away, which prevents new claims and submissions; its remaining
// sub-tasks are drained after a short delay so in-flight submissions can land.
// It returns false if the task already finished or the flag lost a race.
func (s *Service) StopTask(ctx context.Context, projectID, taskID string, userID string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "scan_service.scanning.stop_task",
		trace.WithAttributes(
			attribute.String("project_id", projectID),
			attribute.String("task_id", taskID),
		))
	defer span.End()

	id, err := parseID(taskID)
	if err != nil {
		return false, err
	}
	task, err := s.store.Tasks().Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load task")
		return false, err
	}
	if task.ProjectID != projectID {
		return false, fmt.Errorf("task %s in project %s: %w", taskID, projectID, domain.ErrNotFound)
	}
	if task.Status.IsFinished() {
		span.AddEvent("task_already_finished")
		return false, nil
	}
	if s.isClosed() {
		return false, ErrServiceClosed
	}

	ok, err := s.store.Tasks().CompareAndSetStatus(ctx, task.ID, task.Status, task.LastModifiedDate, domain.TaskStatusStopping, s.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to flag task stopping")
		return false, fmt.Errorf("failed to flag task stopping: %w", err)
	}
	if !ok {
		span.AddEvent("stop_conflict")
		return false, nil
	}
	s.metrics.TaskStatusChange(ctx, task.Status, domain.TaskStatusStopping)

	if err := s.scheduleDrain(task, userID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to schedule drain")
		return false, err
	}

	s.logger.Info(ctx, "task stopping", "task_id", task.ID, "user_id", userID)
	span.SetStatus(codes.Ok, "task stopping")
	return true, nil
}

// scheduleDrain arms a timer that drains the task once the stop delay elapsed.
// It never blocks the caller; the drain itself waits for a pool slot.
func (s *Service) scheduleDrain(task *domain.ScanTask, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServiceClosed
	}

	s.pending.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(s.cfg.StopTaskDelay, func() {
		defer s.pending.Done()
		s.mu.Lock()
		delete(s.timers, timer)
		s.mu.Unlock()

		ctx := s.drainCtx
		if err := s.drains.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.drains.Release(1)

		if err := s.drain(ctx, task, userID); err != nil {
			s.logger.Error(ctx, "failed to drain stopped task", "task_id", task.ID, "error", err)
		}
	})
	s.timers[timer] = struct{}{}
	return nil
}

// drain finalizes every remaining sub-task as STOPPED and then marks the task STOPPED.
func (s *Service) drain(ctx context.Context, task *domain.ScanTask, userID string) error {
	ctx, span := s.tracer.Start(ctx, "scan_service.scanning.drain_task",
		trace.WithAttributes(attribute.String("task_id", task.ID.String())))
	defer span.End()

	subtasks, err := s.store.Subtasks().ListByParent(ctx, task.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list subtasks")
		return fmt.Errorf("failed to list subtasks: %w", err)
	}
	for _, st := range subtasks {
		if _, err := s.Finalize(ctx, st, domain.SubtaskStatusStopped, nil, userID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to stop subtask")
			return err
		}
	}

	ok, err := s.store.Tasks().TransitionStatus(ctx, task.ID,
		[]domain.TaskStatus{domain.TaskStatusStopping}, domain.TaskStatusStopped, s.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark task stopped")
		return fmt.Errorf("failed to mark task stopped: %w", err)
	}
	if !ok {
		span.AddEvent("task_not_stopping")
		return nil
	}
	s.metrics.TaskStatusChange(ctx, domain.TaskStatusStopping, domain.TaskStatusStopped)

	stopped, err := s.store.Tasks().Get(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("failed to reload task: %w", err)
	}
	var plan *domain.ScanPlan
	if stopped.PlanID != nil {
		if plan, err = s.store.Plans().Get(ctx, *stopped.PlanID); err != nil {
			s.logger.Warn(ctx, "failed to load plan of stopped task", "task_id", task.ID, "error", err)
			plan = nil
		}
	}
	s.publish(ctx, domain.NewTaskStatusChangedEvent(domain.TaskStatusStopping, *stopped, plan))

	s.logger.Info(ctx, "task stopped", "task_id", task.ID, "subtasks", len(subtasks))
	span.SetStatus(codes.Ok, "task drained")
	return nil
}

// StopSubtask finalizes a single sub-task as STOPPED. It returns false if the
// sub-task was already finalized.
func (s *Service) StopSubtask(ctx context.Context, projectID, subtaskID, userID string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "scan_service.scanning.stop_subtask",
		trace.WithAttributes(
			attribute.String("project_id", projectID),
			attribute.String("subtask_id", subtaskID),
		))
	defer span.End()

	id, err := parseID(subtaskID)
	if err != nil {
		return false, err
	}
	st, err := s.store.Subtasks().Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if st.ProjectID != projectID {
		return false, fmt.Errorf("subtask %s in project %s: %w", subtaskID, projectID, domain.ErrNotFound)
	}
	return s.Finalize(ctx, st, domain.SubtaskStatusStopped, nil, userID)
}

// StopByLatestArtifact stops the sub-task a latest-artifact projection row
// currently points at.
func (s *Service) StopByLatestArtifact(ctx context.Context, projectID, latestID, userID string) (bool, error) {
	id, err := parseID(latestID)
	if err != nil {
		return false, err
	}
	row, err := s.store.LatestArtifacts().Get(ctx, projectID, id)
	if err != nil {
		return false, err
	}
	ok, err := s.StopSubtask(ctx, row.ProjectID, row.LatestSubtaskID.String(), userID)
	if errors.Is(err, domain.ErrNotFound) {
		// The projection outlives its sub-task once the sub-task is finalized.
		return false, nil
	}
	return ok, err
}

// StopPlan stops every unfinished task of a plan.
func (s *Service) StopPlan(ctx context.Context, projectID, planID, userID string) (bool, error) {
	id, err := parseID(planID)
	if err != nil {
		return false, err
	}
	tasks, err := s.store.Tasks().ListUnfinished(ctx, projectID, id)
	if err != nil {
		return false, fmt.Errorf("failed to list unfinished tasks: %w", err)
	}
	for _, t := range tasks {
		if _, err := s.StopTask(ctx, projectID, t.ID.String(), userID); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting new drains and waits for scheduled ones to finish or
// for ctx to expire, in which case pending timers are cancelled.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelDrain()
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for t := range s.timers {
			if t.Stop() {
				delete(s.timers, t)
				s.pending.Done()
			}
		}
		s.mu.Unlock()
		s.cancelDrain()
		<-done
		return ctx.Err()
	}
}
