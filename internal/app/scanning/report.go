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

// ReportResultRequest carries a worker's outcome for one sub-task.
type ReportResultRequest struct {
	SubtaskID string               `json:"subtaskId" validate:"required"`
	Status    domain.SubtaskStatus `json:"scanStatus" validate:"required"`
	Result    map[string]any       `json:"scanExecutorResult,omitempty"`
}

// ReportResult finalizes a sub-task with the status and raw output a worker
// reported. Reports for unknown or already finalized sub-tasks are ignored.
func (s *Service) ReportResult(ctx context.Context, req ReportResultRequest) error {
	ctx, span := s.tracer.Start(ctx, "scan_service.scanning.report_result",
		trace.WithAttributes(
			attribute.String("subtask_id", req.SubtaskID),
			attribute.String("status", req.Status.String()),
		))
	defer span.End()

	if !req.Status.IsTerminal() {
		err := fmt.Errorf("%w: reported status %q is not terminal", domain.ErrInvalidParameter, req.Status)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid status")
		return err
	}

	id, err := parseID(req.SubtaskID)
	if err != nil {
		return err
	}
	st, err := s.store.Subtasks().Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		span.AddEvent("subtask_not_found")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load subtask")
		return fmt.Errorf("failed to load subtask: %w", err)
	}
	s.logger.Info(ctx, "report result", "parent_task_id", st.ParentTaskID, "subtask_id", st.ID)

	scanner, err := s.scanners.Get(st.Scanner)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to resolve scanner")
		return fmt.Errorf("failed to resolve scanner %s: %w", st.Scanner, err)
	}

	overview, err := s.convert(scanner, req.Result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to convert result")
		return err
	}

	finalized, err := s.Finalize(ctx, st, req.Status, overview, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to finalize subtask")
		return err
	}
	if !finalized || req.Status != domain.SubtaskStatusSuccess {
		span.SetStatus(codes.Ok, "result reported")
		return nil
	}

	now := s.now()
	started := st.CreatedDate
	if st.StartDateTime != nil {
		started = *st.StartDateTime
	}
	s.metrics.RecordDuration(ctx, st.FullPath, st.Size, st.Scanner, now.Sub(started))

	// The sub-task is already committed; the remaining writes are best effort
	// summaries and never undo the outcome.
	fileResult := &domain.FileScanResult{
		CredentialsKey:   st.CredentialsKey,
		Sha256:           st.Sha256,
		Scanner:          scanner.Name,
		ScannerType:      scanner.Type,
		ScannerVersion:   scanner.Version,
		ParentTaskID:     st.ParentTaskID,
		Overview:         overview,
		StartDateTime:    started,
		FinishedDateTime: now,
	}
	if err := s.store.FileResults().Upsert(ctx, fileResult); err != nil {
		span.RecordError(err)
		s.logger.Error(ctx, "failed to save file scan result", "subtask_id", st.ID, "error", err)
	}

	if s.resultManagers != nil && req.Result != nil {
		if rm, ok := s.resultManagers.ResultManager(scanner.Type); ok {
			if err := rm.Save(ctx, st.CredentialsKey, st.Sha256, scanner, req.Result); err != nil {
				span.RecordError(err)
				s.logger.Error(ctx, "failed to save scan details", "subtask_id", st.ID, "error", err)
			}
		}
	}

	span.SetStatus(codes.Ok, "result reported")
	return nil
}

// convert removes duplicated findings and derives the overview from raw output.
func (s *Service) convert(scanner domain.Scanner, raw map[string]any) (map[string]any, error) {
	if raw == nil || s.converters == nil {
		return map[string]any{}, nil
	}
	conv, ok := s.converters.Converter(scanner.Type)
	if !ok {
		return nil, fmt.Errorf("%w: no converter for scanner type %s", domain.ErrScannerNotFound, scanner.Type)
	}
	conv.Distinct(raw)
	overview, err := conv.ConvertOverview(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert overview: %w", err)
	}
	return overview, nil
}
