package scanning

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
)

// Claim hands the oldest claimable sub-task to the calling worker. CREATED
// sub-tasks are served first, then timed-out ones. It returns nil when there is
// nothing to do or when too many other workers won the race for the same
// candidates; callers should back off in both cases.
func (s *Service) Claim(ctx context.Context) (*domain.SubScanTask, error) {
	ctx, span := s.tracer.Start(ctx, "scan_service.scanning.claim")
	defer span.End()

	st, err := s.claim(ctx, s.claimTransition(domain.SubtaskStatusPulled))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to claim subtask")
		return nil, err
	}
	if st == nil {
		span.AddEvent("nothing_claimed")
		return nil, nil
	}

	span.SetAttributes(
		attribute.String("subtask_id", st.ID.String()),
		attribute.Int("executed_times", st.ExecutedTimes),
	)
	span.SetStatus(codes.Ok, "subtask claimed")
	return st, nil
}

// transition attempts the conditional write that takes ownership of candidate.
// It returns the updated sub-task, or nil if the write lost the race.
type transition func(ctx context.Context, candidate *domain.SubScanTask) (*domain.SubScanTask, error)

func (s *Service) claim(ctx context.Context, take transition) (*domain.SubScanTask, error) {
	lost := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		candidate, err := s.nextCandidate(ctx)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			return nil, nil
		}

		if candidate.Exhausted(s.cfg.MaxExecuteTimes) {
			s.logger.Info(ctx, "subtask exceeded max execute times",
				"parent_task_id", candidate.ParentTaskID,
				"subtask_id", candidate.ID,
				"executed_times", candidate.ExecutedTimes,
			)
			if _, err := s.Finalize(ctx, candidate, domain.SubtaskStatusTimeout, nil, ""); err != nil {
				return nil, err
			}
			continue
		}

		claimed, err := take(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return claimed, nil
		}

		lost++
		trace.SpanFromContext(ctx).AddEvent("claim_conflict", trace.WithAttributes(
			attribute.String("subtask_id", candidate.ID.String()),
			attribute.Int("conflicts", lost),
		))
		if lost >= s.cfg.MaxRetryPullTimes {
			s.logger.Debug(ctx, "giving up claim after repeated conflicts", "conflicts", lost)
			return nil, nil
		}
	}
}

func (s *Service) nextCandidate(ctx context.Context) (*domain.SubScanTask, error) {
	st, err := s.store.Subtasks().FirstCreated(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find created subtask: %w", err)
	}
	if st != nil {
		return st, nil
	}

	now := s.now()
	st, err = s.store.Subtasks().FirstTimedOut(ctx, now, now.Add(-s.cfg.ExecuteTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to find timed out subtask: %w", err)
	}
	return st, nil
}

// claimTransition returns the conditional write that moves a candidate to
// status, archives the transition and publishes it.
func (s *Service) claimTransition(status domain.SubtaskStatus) transition {
	return func(ctx context.Context, candidate *domain.SubScanTask) (*domain.SubScanTask, error) {
		now := s.now()
		update := domain.SubtaskUpdate{
			ID:                   candidate.ID,
			ExpectedStatus:       candidate.Status,
			ExpectedLastModified: candidate.LastModifiedDate,
			Status:               status,
			IncrementExecuted:    status == domain.SubtaskStatusPulled,
			ClearTimeout:         true,
			Now:                  now,
		}

		won, err := s.commitTransition(ctx, candidate, update, "")
		if err != nil || !won {
			return nil, err
		}

		claimed := candidate.Clone()
		claimed.Status = status
		if update.IncrementExecuted {
			claimed.ExecutedTimes++
		}
		claimed.TimeoutDateTime = nil
		return claimed, nil
	}
}

// commitTransition applies a non-terminal conditional update together with its
// archive record and publishes the change once committed. The projection only
// follows terminal outcomes.
func (s *Service) commitTransition(
	ctx context.Context,
	current *domain.SubScanTask,
	update domain.SubtaskUpdate,
	modifiedBy string,
) (bool, error) {
	errLost := errors.New("transition lost")

	err := s.store.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
		won, err := repos.Subtasks().CompareAndSet(ctx, update)
		if err != nil {
			return fmt.Errorf("failed to update subtask status: %w", err)
		}
		if !won {
			return errLost
		}

		archive := domain.NewArchiveRecord(current, update.Status, nil, nil, modifiedBy, update.Now)
		if err := repos.Archives().Save(ctx, archive); err != nil {
			return fmt.Errorf("failed to archive subtask: %w", err)
		}
		return nil
	})
	if errors.Is(err, errLost) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	row := domain.NewLatestArtifact(current, update.Status, nil, nil, modifiedBy, update.Now)
	s.metrics.SubtaskStatusChange(ctx, current.Status, update.Status)
	s.publish(ctx, domain.NewSubtaskStatusChangedEvent(current.Status, *row))
	return true, nil
}

// MarkExecuting records that the worker holding subtaskID actually started
// the scan and arms the claim deadline. It returns false if the sub-task is
// gone, already executing, or was changed concurrently.
func (s *Service) MarkExecuting(ctx context.Context, subtaskID string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "scan_service.scanning.mark_executing",
		trace.WithAttributes(attribute.String("subtask_id", subtaskID)))
	defer span.End()

	id, err := parseID(subtaskID)
	if err != nil {
		return false, err
	}

	st, err := s.store.Subtasks().Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		span.AddEvent("subtask_not_found")
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load subtask")
		return false, fmt.Errorf("failed to load subtask: %w", err)
	}
	if st.Status == domain.SubtaskStatusExecuting {
		span.AddEvent("already_executing")
		return false, nil
	}

	scanner, err := s.scanners.Get(st.Scanner)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to resolve scanner")
		return false, fmt.Errorf("failed to resolve scanner %s: %w", st.Scanner, err)
	}

	now := s.now()
	deadline := now.Add(scanner.MaxScanDuration(st.Size) + executeTimeoutMargin)
	won, err := s.commitTransition(ctx, st, domain.SubtaskUpdate{
		ID:                   st.ID,
		ExpectedStatus:       st.Status,
		ExpectedLastModified: st.LastModifiedDate,
		Status:               domain.SubtaskStatusExecuting,
		StartDateTime:        &now,
		TimeoutDateTime:      &deadline,
		Now:                  now,
	}, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark subtask executing")
		return false, err
	}
	if !won {
		span.AddEvent("mark_executing_conflict")
		return false, nil
	}

	if err := s.store.Tasks().SetStartedIfUnset(ctx, st.ParentTaskID, now); err != nil {
		// The sub-task already runs; a missing start time only affects reporting.
		s.logger.Warn(ctx, "failed to record task start time", "task_id", st.ParentTaskID, "error", err)
	}

	span.SetAttributes(attribute.String("timeout_date_time", deadline.String()))
	span.SetStatus(codes.Ok, "subtask executing")
	return true, nil
}
