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

var _ scanning.SubtaskRepository = (*subtaskStore)(nil)

// subtaskStore persists active sub-tasks in sub_scan_tasks.
type subtaskStore struct{ r *repos }

const subtaskColumns = `s.id, s.parent_task_id, s.plan_id, s.project_id, s.repo_name, s.full_path,
	s.artifact_name, s.sha256, s.credentials_key, s.size, s.scanner, s.scanner_type, s.status,
	s.executed_times, s.start_date_time, s.timeout_date_time, s.created_date, s.last_modified_date`

// claimableParent excludes sub-tasks whose parent is stopping or stopped.
const claimableParent = `NOT EXISTS (
	SELECT 1 FROM scan_tasks t
	WHERE t.id = s.parent_task_id AND t.status IN ('STOPPING', 'STOPPED'))`

func scanSubtask(row pgx.Row) (*scanning.SubScanTask, error) {
	var (
		st      scanning.SubScanTask
		planID  pgtype.UUID
		started pgtype.Timestamptz
		timeout pgtype.Timestamptz
	)
	err := row.Scan(
		&st.ID, &st.ParentTaskID, &planID, &st.ProjectID, &st.RepoName, &st.FullPath,
		&st.ArtifactName, &st.Sha256, &st.CredentialsKey, &st.Size, &st.Scanner, &st.ScannerType,
		&st.Status, &st.ExecutedTimes, &started, &timeout, &st.CreatedDate, &st.LastModifiedDate,
	)
	if err != nil {
		return nil, err
	}
	st.PlanID = fromNullableUUID(planID)
	st.StartDateTime = fromNullableTime(started)
	st.TimeoutDateTime = fromNullableTime(timeout)
	st.CreatedDate = st.CreatedDate.UTC()
	st.LastModifiedDate = st.LastModifiedDate.UTC()
	return &st, nil
}

func collectSubtasks(rows pgx.Rows) ([]*scanning.SubScanTask, error) {
	defer rows.Close()
	var out []*scanning.SubScanTask
	for rows.Next() {
		st, err := scanSubtask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subtask: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Create inserts every sub-task with one batched round trip.
func (s *subtaskStore) Create(ctx context.Context, subtasks ...*scanning.SubScanTask) error {
	if len(subtasks) == 0 {
		return nil
	}
	return s.r.trace(ctx, "postgres.create_scan_subtasks", []attribute.KeyValue{attribute.Int("count", len(subtasks))},
		func(ctx context.Context) error {
			batch := &pgx.Batch{}
			for _, st := range subtasks {
				st.CreatedDate, st.LastModifiedDate = ts(st.CreatedDate), ts(st.LastModifiedDate)
				batch.Queue(`
					INSERT INTO sub_scan_tasks (id, parent_task_id, plan_id, project_id, repo_name, full_path,
						artifact_name, sha256, credentials_key, size, scanner, scanner_type, status,
						executed_times, start_date_time, timeout_date_time, created_date, last_modified_date)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
					st.ID, st.ParentTaskID, nullableUUID(st.PlanID), st.ProjectID, st.RepoName, st.FullPath,
					st.ArtifactName, st.Sha256, st.CredentialsKey, st.Size, st.Scanner, st.ScannerType, st.Status,
					st.ExecutedTimes, nullableTime(st.StartDateTime), nullableTime(st.TimeoutDateTime),
					st.CreatedDate, st.LastModifiedDate)
			}
			if err := s.r.q.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("failed to insert subtasks: %w", err)
			}
			return nil
		})
}

func (s *subtaskStore) Get(ctx context.Context, id uuid.UUID) (*scanning.SubScanTask, error) {
	var st *scanning.SubScanTask
	err := s.r.trace(ctx, "postgres.get_scan_subtask", []attribute.KeyValue{attribute.String("subtask_id", id.String())},
		func(ctx context.Context) error {
			var err error
			st, err = scanSubtask(s.r.q.QueryRow(ctx, `SELECT `+subtaskColumns+` FROM sub_scan_tasks s WHERE s.id = $1`, id))
			if err != nil {
				return notFound(err, "subtask", id)
			}
			return nil
		})
	return st, err
}

func (s *subtaskStore) first(ctx context.Context, span, where string, args ...any) (*scanning.SubScanTask, error) {
	var st *scanning.SubScanTask
	err := s.r.trace(ctx, span, nil, func(ctx context.Context) error {
		var err error
		st, err = scanSubtask(s.r.q.QueryRow(ctx, `
			SELECT `+subtaskColumns+` FROM sub_scan_tasks s
			WHERE `+where+`
			ORDER BY s.created_date, s.id
			LIMIT 1`, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			st = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select subtask: %w", err)
		}
		return nil
	})
	return st, err
}

func (s *subtaskStore) FirstCreated(ctx context.Context) (*scanning.SubScanTask, error) {
	return s.first(ctx, "postgres.first_created_scan_subtask", `s.status = 'CREATED' AND `+claimableParent)
}

func (s *subtaskStore) FirstTimedOut(ctx context.Context, now, idleBefore time.Time) (*scanning.SubScanTask, error) {
	return s.first(ctx, "postgres.first_timed_out_scan_subtask", `
		s.status NOT IN ('CREATED', 'BLOCKED')
		AND ((s.timeout_date_time IS NOT NULL AND s.timeout_date_time < $1)
			OR (s.timeout_date_time IS NULL AND s.last_modified_date < $2))
		AND `+claimableParent, ts(now), ts(idleBefore))
}

func (s *subtaskStore) CompareAndSet(ctx context.Context, u scanning.SubtaskUpdate) (bool, error) {
	var ok bool
	attrs := []attribute.KeyValue{
		attribute.String("subtask_id", u.ID.String()),
		attribute.String("status", string(u.Status)),
	}
	err := s.r.trace(ctx, "postgres.cas_scan_subtask", attrs, func(ctx context.Context) error {
		var increment int
		if u.IncrementExecuted {
			increment = 1
		}
		tag, err := s.r.q.Exec(ctx, `
			UPDATE sub_scan_tasks
			SET status = $4,
				executed_times = executed_times + $5,
				start_date_time = COALESCE($6, start_date_time),
				timeout_date_time = CASE
					WHEN $7::timestamptz IS NOT NULL THEN $7::timestamptz
					WHEN $8::boolean THEN NULL
					ELSE timeout_date_time END,
				last_modified_date = `+token("$9::timestamptz")+`
			WHERE id = $1 AND status = $2 AND last_modified_date = $3`,
			u.ID, u.ExpectedStatus, ts(u.ExpectedLastModified), u.Status, increment,
			nullableTime(u.StartDateTime), nullableTime(u.TimeoutDateTime), u.ClearTimeout, ts(u.Now))
		if err != nil {
			return fmt.Errorf("failed to update subtask: %w", err)
		}
		ok = tag.RowsAffected() == 1
		return nil
	})
	return ok, err
}

func (s *subtaskStore) Delete(ctx context.Context, id uuid.UUID) (int64, error) {
	var n int64
	err := s.r.trace(ctx, "postgres.delete_scan_subtask", []attribute.KeyValue{attribute.String("subtask_id", id.String())},
		func(ctx context.Context) error {
			tag, err := s.r.q.Exec(ctx, `DELETE FROM sub_scan_tasks WHERE id = $1`, id)
			if err != nil {
				return fmt.Errorf("failed to delete subtask: %w", err)
			}
			n = tag.RowsAffected()
			return nil
		})
	return n, err
}

func (s *subtaskStore) ListByParent(ctx context.Context, parentID uuid.UUID) ([]*scanning.SubScanTask, error) {
	var out []*scanning.SubScanTask
	err := s.r.trace(ctx, "postgres.list_scan_subtasks_by_parent", []attribute.KeyValue{attribute.String("task_id", parentID.String())},
		func(ctx context.Context) error {
			rows, err := s.r.q.Query(ctx, `
				SELECT `+subtaskColumns+` FROM sub_scan_tasks s
				WHERE s.parent_task_id = $1
				ORDER BY s.created_date, s.id`, parentID)
			if err != nil {
				return fmt.Errorf("failed to list subtasks: %w", err)
			}
			out, err = collectSubtasks(rows)
			return err
		})
	return out, err
}

func (s *subtaskStore) DeleteByParent(ctx context.Context, parentID uuid.UUID) (int64, error) {
	var n int64
	err := s.r.trace(ctx, "postgres.delete_scan_subtasks_by_parent", []attribute.KeyValue{attribute.String("task_id", parentID.String())},
		func(ctx context.Context) error {
			tag, err := s.r.q.Exec(ctx, `DELETE FROM sub_scan_tasks WHERE parent_task_id = $1`, parentID)
			if err != nil {
				return fmt.Errorf("failed to delete subtasks: %w", err)
			}
			n = tag.RowsAffected()
			return nil
		})
	return n, err
}

func (s *subtaskStore) ListBlockedBefore(ctx context.Context, before time.Time, limit int) ([]*scanning.SubScanTask, error) {
	var out []*scanning.SubScanTask
	err := s.r.trace(ctx, "postgres.list_blocked_scan_subtasks", []attribute.KeyValue{attribute.Int("limit", limit)},
		func(ctx context.Context) error {
			var lim *int
			if limit > 0 {
				lim = &limit
			}
			rows, err := s.r.q.Query(ctx, `
				SELECT `+subtaskColumns+` FROM sub_scan_tasks s
				WHERE s.status = 'BLOCKED' AND s.last_modified_date < $1
				ORDER BY s.created_date, s.id
				LIMIT $2`, ts(before), lim)
			if err != nil {
				return fmt.Errorf("failed to list blocked subtasks: %w", err)
			}
			out, err = collectSubtasks(rows)
			return err
		})
	return out, err
}

func (s *subtaskStore) FirstBlocked(ctx context.Context, projectID string) (*scanning.SubScanTask, error) {
	return s.first(ctx, "postgres.first_blocked_scan_subtask",
		`s.project_id = $1 AND s.status = 'BLOCKED' AND `+claimableParent, projectID)
}

func (s *subtaskStore) CountByProject(ctx context.Context, projectID string, statuses ...scanning.SubtaskStatus) (int64, error) {
	var n int64
	err := s.r.trace(ctx, "postgres.count_scan_subtasks", []attribute.KeyValue{attribute.String("project_id", projectID)},
		func(ctx context.Context) error {
			filter := make([]string, len(statuses))
			for i, st := range statuses {
				filter[i] = string(st)
			}
			err := s.r.q.QueryRow(ctx, `
				SELECT COUNT(*) FROM sub_scan_tasks
				WHERE project_id = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))`,
				projectID, filter).Scan(&n)
			if err != nil {
				return fmt.Errorf("failed to count subtasks: %w", err)
			}
			return nil
		})
	return n, err
}
