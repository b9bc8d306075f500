package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ahrav/artifact-analyst/internal/domain/scanning"
)

var _ scanning.TaskRepository = (*taskStore)(nil)

// taskStore persists parent tasks in scan_tasks.
type taskStore struct{ r *repos }

const taskColumns = `id, project_id, plan_id, name, trigger_type, rule, scanner_name, scanner_type,
	scanner_version, status, total, scanning, failed, scanned, passed, overview, metadata,
	created_by, created_date, last_modified_by, last_modified_date, start_date_time, finished_date_time`

func scanTask(row pgx.Row) (*scanning.ScanTask, error) {
	var (
		t        scanning.ScanTask
		planID   pgtype.UUID
		started  pgtype.Timestamptz
		finished pgtype.Timestamptz
		rule     []byte
	)
	err := row.Scan(
		&t.ID, &t.ProjectID, &planID, &t.Name, &t.TriggerType, &rule,
		&t.Scanner.Name, &t.Scanner.Type, &t.Scanner.Version, &t.Status,
		&t.Total, &t.Scanning, &t.Failed, &t.Scanned, &t.Passed, &t.Overview, &t.Metadata,
		&t.CreatedBy, &t.CreatedDate, &t.LastModifiedBy, &t.LastModifiedDate, &started, &finished,
	)
	if err != nil {
		return nil, err
	}
	t.PlanID = fromNullableUUID(planID)
	t.Rule = rule
	t.StartDateTime = fromNullableTime(started)
	t.FinishedDateTime = fromNullableTime(finished)
	t.CreatedDate = t.CreatedDate.UTC()
	t.LastModifiedDate = t.LastModifiedDate.UTC()
	if t.Overview == nil {
		t.Overview = map[string]any{}
	}
	return &t, nil
}

func (s *taskStore) Create(ctx context.Context, task *scanning.ScanTask) error {
	attrs := []attribute.KeyValue{
		attribute.String("task_id", task.ID.String()),
		attribute.String("project_id", task.ProjectID),
	}
	return s.r.trace(ctx, "postgres.create_scan_task", attrs, func(ctx context.Context) error {
		overview := task.Overview
		if overview == nil {
			overview = map[string]any{}
		}
		metadata := task.Metadata
		if metadata == nil {
			metadata = []scanning.TaskMetadata{}
		}
		var rule []byte
		if len(task.Rule) > 0 {
			rule = task.Rule
		}
		created, modified := ts(task.CreatedDate), ts(task.LastModifiedDate)
		_, err := s.r.q.Exec(ctx, `
			INSERT INTO scan_tasks (`+taskColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
				$18, $19, $20, $21, $22, $23)`,
			task.ID, task.ProjectID, nullableUUID(task.PlanID), task.Name, task.TriggerType, rule,
			task.Scanner.Name, task.Scanner.Type, task.Scanner.Version, task.Status,
			task.Total, task.Scanning, task.Failed, task.Scanned, task.Passed, overview, metadata,
			task.CreatedBy, created, task.LastModifiedBy, modified,
			nullableTime(task.StartDateTime), nullableTime(task.FinishedDateTime),
		)
		if err != nil {
			return fmt.Errorf("failed to insert scan task: %w", err)
		}
		task.CreatedDate, task.LastModifiedDate = created, modified
		return nil
	})
}

func (s *taskStore) Get(ctx context.Context, id uuid.UUID) (*scanning.ScanTask, error) {
	var task *scanning.ScanTask
	err := s.r.trace(ctx, "postgres.get_scan_task", []attribute.KeyValue{attribute.String("task_id", id.String())},
		func(ctx context.Context) error {
			var err error
			task, err = scanTask(s.r.q.QueryRow(ctx, `SELECT `+taskColumns+` FROM scan_tasks WHERE id = $1`, id))
			if err != nil {
				return notFound(err, "task", id)
			}
			return nil
		})
	return task, err
}

// finishedClause stamps finished_date_time when the new status ($status) is final.
const finishedClause = `finished_date_time = CASE WHEN %[1]s IN ('STOPPED', 'FINISHED') THEN %[2]s ELSE finished_date_time END`

func (s *taskStore) CompareAndSetStatus(
	ctx context.Context,
	id uuid.UUID,
	expected scanning.TaskStatus,
	expectedLastModified time.Time,
	status scanning.TaskStatus,
	now time.Time,
) (bool, error) {
	var ok bool
	attrs := []attribute.KeyValue{
		attribute.String("task_id", id.String()),
		attribute.String("status", string(status)),
	}
	err := s.r.trace(ctx, "postgres.cas_scan_task_status", attrs, func(ctx context.Context) error {
		tag, err := s.r.q.Exec(ctx, `
			UPDATE scan_tasks
			SET status = $4::text,
				last_modified_date = `+token("$5::timestamptz")+`,
				`+fmt.Sprintf(finishedClause, "$4::text", "$5::timestamptz")+`
			WHERE id = $1 AND status = $2 AND last_modified_date = $3`,
			id, expected, ts(expectedLastModified), status, ts(now))
		if err != nil {
			return fmt.Errorf("failed to update task status: %w", err)
		}
		ok = tag.RowsAffected() == 1
		return nil
	})
	return ok, err
}

func (s *taskStore) TransitionStatus(ctx context.Context, id uuid.UUID, from []scanning.TaskStatus, status scanning.TaskStatus, now time.Time) (bool, error) {
	var ok bool
	attrs := []attribute.KeyValue{
		attribute.String("task_id", id.String()),
		attribute.String("status", string(status)),
	}
	err := s.r.trace(ctx, "postgres.transition_scan_task_status", attrs, func(ctx context.Context) error {
		fromStrings := make([]string, len(from))
		for i, f := range from {
			fromStrings[i] = string(f)
		}
		tag, err := s.r.q.Exec(ctx, `
			UPDATE scan_tasks
			SET status = $3::text,
				last_modified_date = `+token("$4::timestamptz")+`,
				`+fmt.Sprintf(finishedClause, "$3::text", "$4::timestamptz")+`
			WHERE id = $1 AND status = ANY($2)`,
			id, fromStrings, status, ts(now))
		if err != nil {
			return fmt.Errorf("failed to transition task status: %w", err)
		}
		ok = tag.RowsAffected() == 1
		return nil
	})
	return ok, err
}

func (s *taskStore) AddSubtasks(ctx context.Context, id uuid.UUID, n int64, now time.Time) error {
	attrs := []attribute.KeyValue{
		attribute.String("task_id", id.String()),
		attribute.Int64("subtasks", n),
	}
	return s.r.trace(ctx, "postgres.add_scan_subtasks", attrs, func(ctx context.Context) error {
		tag, err := s.r.q.Exec(ctx, `
			UPDATE scan_tasks
			SET total = total + $2, scanning = scanning + $2,
				last_modified_date = `+token("$3::timestamptz")+`
			WHERE id = $1`,
			id, n, ts(now))
		if err != nil {
			return fmt.Errorf("failed to add subtasks: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("task %s: %w", id, scanning.ErrNotFound)
		}
		return nil
	})
}

// ApplyOutcome locks the parent row for the rest of the transaction so
// overview merges of concurrent finalizations never interleave.
func (s *taskStore) ApplyOutcome(ctx context.Context, id uuid.UUID, outcome scanning.SubtaskOutcome) error {
	attrs := []attribute.KeyValue{
		attribute.String("task_id", id.String()),
		attribute.Bool("success", outcome.Success),
		attribute.Bool("passed", outcome.Passed),
	}
	return s.r.trace(ctx, "postgres.apply_scan_outcome", attrs, func(ctx context.Context) error {
		var overview map[string]any
		err := s.r.q.QueryRow(ctx, `SELECT overview FROM scan_tasks WHERE id = $1 FOR UPDATE`, id).Scan(&overview)
		if err != nil {
			return notFound(err, "task", id)
		}
		overview = scanning.MergeOverview(overview, outcome.Overview)

		var failed, passed int64
		switch {
		case !outcome.Success:
			failed = 1
		case outcome.Passed:
			passed = 1
		}
		_, err = s.r.q.Exec(ctx, `
			UPDATE scan_tasks
			SET scanning = scanning - 1, scanned = scanned + 1,
				failed = failed + $2, passed = passed + $3, overview = $4,
				last_modified_date = `+token("$5::timestamptz")+`
			WHERE id = $1`,
			id, failed, passed, overview, ts(outcome.Now))
		if err != nil {
			return fmt.Errorf("failed to apply outcome: %w", err)
		}
		return nil
	})
}

func (s *taskStore) FinishIfComplete(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	var ok bool
	err := s.r.trace(ctx, "postgres.finish_scan_task", []attribute.KeyValue{attribute.String("task_id", id.String())},
		func(ctx context.Context) error {
			tag, err := s.r.q.Exec(ctx, `
				UPDATE scan_tasks
				SET status = 'FINISHED', finished_date_time = $2,
					last_modified_date = `+token("$2::timestamptz")+`
				WHERE id = $1 AND status = 'SCANNING_SUBMITTED' AND scanned = total`,
				id, ts(now))
			if err != nil {
				return fmt.Errorf("failed to finish task: %w", err)
			}
			ok = tag.RowsAffected() == 1
			return nil
		})
	return ok, err
}

func (s *taskStore) SetStartedIfUnset(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.r.trace(ctx, "postgres.set_scan_task_started", []attribute.KeyValue{attribute.String("task_id", id.String())},
		func(ctx context.Context) error {
			_, err := s.r.q.Exec(ctx,
				`UPDATE scan_tasks SET start_date_time = COALESCE(start_date_time, $2) WHERE id = $1`,
				id, ts(at))
			if err != nil {
				return fmt.Errorf("failed to set task start: %w", err)
			}
			return nil
		})
}

func (s *taskStore) FindExpired(ctx context.Context, before time.Time) (*scanning.ScanTask, error) {
	var task *scanning.ScanTask
	err := s.r.trace(ctx, "postgres.find_expired_scan_task", nil, func(ctx context.Context) error {
		var err error
		task, err = scanTask(s.r.q.QueryRow(ctx, `
			SELECT `+taskColumns+` FROM scan_tasks
			WHERE status NOT IN ('STOPPED', 'FINISHED') AND last_modified_date < $1
			ORDER BY last_modified_date
			LIMIT 1`, ts(before)))
		if errors.Is(err, pgx.ErrNoRows) {
			task = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to find expired task: %w", err)
		}
		return nil
	})
	return task, err
}

func (s *taskStore) Reset(ctx context.Context, id uuid.UUID, expectedLastModified time.Time, now time.Time) (*scanning.ScanTask, error) {
	var task *scanning.ScanTask
	err := s.r.trace(ctx, "postgres.reset_scan_task", []attribute.KeyValue{attribute.String("task_id", id.String())},
		func(ctx context.Context) error {
			var err error
			task, err = scanTask(s.r.q.QueryRow(ctx, `
				UPDATE scan_tasks
				SET status = 'PENDING', total = 0, scanning = 0, failed = 0, scanned = 0, passed = 0,
					overview = '{}'::jsonb, start_date_time = NULL, finished_date_time = NULL,
					last_modified_date = `+token("$3::timestamptz")+`
				WHERE id = $1 AND last_modified_date = $2
				RETURNING `+taskColumns,
				id, ts(expectedLastModified), ts(now)))
			if errors.Is(err, pgx.ErrNoRows) {
				task = nil
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to reset task: %w", err)
			}
			return nil
		})
	return task, err
}

func (s *taskStore) ListUnfinished(ctx context.Context, projectID string, planID uuid.UUID) ([]*scanning.ScanTask, error) {
	var tasks []*scanning.ScanTask
	attrs := []attribute.KeyValue{
		attribute.String("project_id", projectID),
		attribute.String("plan_id", planID.String()),
	}
	err := s.r.trace(ctx, "postgres.list_unfinished_scan_tasks", attrs, func(ctx context.Context) error {
		rows, err := s.r.q.Query(ctx, `
			SELECT `+taskColumns+` FROM scan_tasks
			WHERE project_id = $1 AND plan_id = $2 AND status NOT IN ('STOPPED', 'FINISHED')
			ORDER BY created_date`, projectID, planID)
		if err != nil {
			return fmt.Errorf("failed to list unfinished tasks: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return fmt.Errorf("failed to scan task: %w", err)
			}
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	return tasks, err
}
