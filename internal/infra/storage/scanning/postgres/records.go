package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ahrav/artifact-analyst/internal/domain/scanning"
)

var (
	_ scanning.ArchiveRepository        = (*archiveStore)(nil)
	_ scanning.LatestArtifactRepository = (*latestStore)(nil)
	_ scanning.FileResultRepository     = (*fileResultStore)(nil)
	_ scanning.ResultDetailRepository   = (*detailStore)(nil)
)

// archiveStore appends transition records to sub_scan_task_archives. The
// sub-task snapshot is kept as JSON.
type archiveStore struct{ r *repos }

func (s *archiveStore) Save(ctx context.Context, record *scanning.ArchiveRecord) error {
	attrs := []attribute.KeyValue{
		attribute.String("subtask_id", record.Subtask.ID.String()),
		attribute.String("status", string(record.Status)),
	}
	return s.r.trace(ctx, "postgres.save_scan_archive", attrs, func(ctx context.Context) error {
		snapshot, err := json.Marshal(record.Subtask)
		if err != nil {
			return fmt.Errorf("failed to encode subtask snapshot: %w", err)
		}
		_, err = s.r.q.Exec(ctx, `
			INSERT INTO sub_scan_task_archives (id, subtask_id, parent_task_id, snapshot, status,
				overview, quality_pass, modified_by, archived_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			record.ID, record.Subtask.ID, record.Subtask.ParentTaskID, snapshot, record.Status,
			record.Overview, record.QualityPass, record.ModifiedBy, ts(record.ArchivedAt))
		if err != nil {
			return fmt.Errorf("failed to insert archive record: %w", err)
		}
		return nil
	})
}

func (s *archiveStore) ListBySubtask(ctx context.Context, subtaskID uuid.UUID) ([]*scanning.ArchiveRecord, error) {
	var out []*scanning.ArchiveRecord
	err := s.r.trace(ctx, "postgres.list_scan_archives", []attribute.KeyValue{attribute.String("subtask_id", subtaskID.String())},
		func(ctx context.Context) error {
			rows, err := s.r.q.Query(ctx, `
				SELECT id, snapshot, status, overview, quality_pass, modified_by, archived_at
				FROM sub_scan_task_archives
				WHERE subtask_id = $1
				ORDER BY archived_at, id`, subtaskID)
			if err != nil {
				return fmt.Errorf("failed to list archive records: %w", err)
			}
			defer rows.Close()
			for rows.Next() {
				var (
					rec      scanning.ArchiveRecord
					snapshot []byte
				)
				if err := rows.Scan(&rec.ID, &snapshot, &rec.Status, &rec.Overview, &rec.QualityPass,
					&rec.ModifiedBy, &rec.ArchivedAt); err != nil {
					return fmt.Errorf("failed to scan archive record: %w", err)
				}
				if err := json.Unmarshal(snapshot, &rec.Subtask); err != nil {
					return fmt.Errorf("failed to decode subtask snapshot: %w", err)
				}
				rec.ArchivedAt = rec.ArchivedAt.UTC()
				out = append(out, &rec)
			}
			return rows.Err()
		})
	return out, err
}

func (s *archiveStore) DeleteByParent(ctx context.Context, parentID uuid.UUID) (int64, error) {
	var n int64
	err := s.r.trace(ctx, "postgres.delete_scan_archives_by_parent", []attribute.KeyValue{attribute.String("task_id", parentID.String())},
		func(ctx context.Context) error {
			tag, err := s.r.q.Exec(ctx, `DELETE FROM sub_scan_task_archives WHERE parent_task_id = $1`, parentID)
			if err != nil {
				return fmt.Errorf("failed to delete archive records: %w", err)
			}
			n = tag.RowsAffected()
			return nil
		})
	return n, err
}

// latestStore maintains the latest_artifacts projection.
type latestStore struct{ r *repos }

func planKey(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}

// Upsert keeps the row id of an existing projection row and reports it back on row.
func (s *latestStore) Upsert(ctx context.Context, row *scanning.LatestArtifact) error {
	attrs := []attribute.KeyValue{
		attribute.String("project_id", row.ProjectID),
		attribute.String("full_path", row.FullPath),
	}
	return s.r.trace(ctx, "postgres.upsert_latest_artifact", attrs, func(ctx context.Context) error {
		err := s.r.q.QueryRow(ctx, `
			INSERT INTO latest_artifacts (id, project_id, repo_name, full_path, artifact_name, sha256,
				plan_id, plan_key, scanner, latest_subtask_id, parent_task_id, status, overview,
				quality_pass, modified_by, last_modified_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (project_id, repo_name, full_path, plan_key, scanner) DO UPDATE
			SET artifact_name = EXCLUDED.artifact_name, sha256 = EXCLUDED.sha256,
				latest_subtask_id = EXCLUDED.latest_subtask_id, parent_task_id = EXCLUDED.parent_task_id,
				status = EXCLUDED.status, overview = EXCLUDED.overview, quality_pass = EXCLUDED.quality_pass,
				modified_by = EXCLUDED.modified_by, last_modified_date = EXCLUDED.last_modified_date
			RETURNING id`,
			row.ID, row.ProjectID, row.RepoName, row.FullPath, row.ArtifactName, row.Sha256,
			nullableUUID(row.PlanID), planKey(row.PlanID), row.Scanner, row.LatestSubtaskID, row.ParentTaskID,
			row.Status, row.Overview, row.QualityPass, row.ModifiedBy, ts(row.LastModifiedDate),
		).Scan(&row.ID)
		if err != nil {
			return fmt.Errorf("failed to upsert latest artifact: %w", err)
		}
		return nil
	})
}

func (s *latestStore) UpdateBySubtask(ctx context.Context, row *scanning.LatestArtifact) error {
	attrs := []attribute.KeyValue{
		attribute.String("subtask_id", row.LatestSubtaskID.String()),
		attribute.String("status", string(row.Status)),
	}
	return s.r.trace(ctx, "postgres.update_latest_artifact", attrs, func(ctx context.Context) error {
		_, err := s.r.q.Exec(ctx, `
			UPDATE latest_artifacts
			SET status = $2, overview = $3, quality_pass = $4, modified_by = $5, last_modified_date = $6
			WHERE latest_subtask_id = $1`,
			row.LatestSubtaskID, row.Status, row.Overview, row.QualityPass, row.ModifiedBy, ts(row.LastModifiedDate))
		if err != nil {
			return fmt.Errorf("failed to update latest artifact: %w", err)
		}
		return nil
	})
}

func (s *latestStore) Get(ctx context.Context, projectID string, id uuid.UUID) (*scanning.LatestArtifact, error) {
	var row *scanning.LatestArtifact
	err := s.r.trace(ctx, "postgres.get_latest_artifact", []attribute.KeyValue{attribute.String("id", id.String())},
		func(ctx context.Context) error {
			var (
				r      scanning.LatestArtifact
				planID pgtype.UUID
			)
			err := s.r.q.QueryRow(ctx, `
				SELECT id, project_id, repo_name, full_path, artifact_name, sha256, plan_id, scanner,
					latest_subtask_id, parent_task_id, status, overview, quality_pass, modified_by, last_modified_date
				FROM latest_artifacts
				WHERE project_id = $1 AND id = $2`, projectID, id).Scan(
				&r.ID, &r.ProjectID, &r.RepoName, &r.FullPath, &r.ArtifactName, &r.Sha256, &planID, &r.Scanner,
				&r.LatestSubtaskID, &r.ParentTaskID, &r.Status, &r.Overview, &r.QualityPass, &r.ModifiedBy,
				&r.LastModifiedDate)
			if err != nil {
				return notFound(err, "latest artifact", id)
			}
			r.PlanID = fromNullableUUID(planID)
			r.LastModifiedDate = r.LastModifiedDate.UTC()
			row = &r
			return nil
		})
	return row, err
}

// fileResultStore keeps one summary per (credentials key, sha256, scanner).
// A nil credentials key is stored as the empty string.
type fileResultStore struct{ r *repos }

func (s *fileResultStore) Upsert(ctx context.Context, result *scanning.FileScanResult) error {
	attrs := []attribute.KeyValue{
		attribute.String("sha256", result.Sha256),
		attribute.String("scanner", result.Scanner),
	}
	return s.r.trace(ctx, "postgres.upsert_file_scan_result", attrs, func(ctx context.Context) error {
		_, err := s.r.q.Exec(ctx, `
			INSERT INTO file_scan_results (credentials_key, sha256, scanner, scanner_type, scanner_version,
				parent_task_id, overview, start_date_time, finished_date_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (credentials_key, sha256, scanner) DO UPDATE
			SET scanner_type = EXCLUDED.scanner_type, scanner_version = EXCLUDED.scanner_version,
				parent_task_id = EXCLUDED.parent_task_id, overview = EXCLUDED.overview,
				start_date_time = EXCLUDED.start_date_time, finished_date_time = EXCLUDED.finished_date_time`,
			credentialsKey(result.CredentialsKey), result.Sha256, result.Scanner, result.ScannerType,
			result.ScannerVersion, result.ParentTaskID, result.Overview,
			ts(result.StartDateTime), ts(result.FinishedDateTime))
		if err != nil {
			return fmt.Errorf("failed to upsert file scan result: %w", err)
		}
		return nil
	})
}

func (s *fileResultStore) Get(ctx context.Context, credKey *string, sha256, scanner string) (*scanning.FileScanResult, error) {
	var res *scanning.FileScanResult
	err := s.r.trace(ctx, "postgres.get_file_scan_result", []attribute.KeyValue{attribute.String("sha256", sha256)},
		func(ctx context.Context) error {
			r := scanning.FileScanResult{CredentialsKey: credKey, Sha256: sha256, Scanner: scanner}
			err := s.r.q.QueryRow(ctx, `
				SELECT scanner_type, scanner_version, parent_task_id, overview, start_date_time, finished_date_time
				FROM file_scan_results
				WHERE credentials_key = $1 AND sha256 = $2 AND scanner = $3`,
				credentialsKey(credKey), sha256, scanner).Scan(
				&r.ScannerType, &r.ScannerVersion, &r.ParentTaskID, &r.Overview, &r.StartDateTime, &r.FinishedDateTime)
			if err != nil {
				return notFound(err, "file result", sha256)
			}
			r.StartDateTime, r.FinishedDateTime = r.StartDateTime.UTC(), r.FinishedDateTime.UTC()
			res = &r
			return nil
		})
	return res, err
}

// detailStore keeps the findings of the latest scan of a file.
type detailStore struct{ r *repos }

func (s *detailStore) Upsert(ctx context.Context, detail *scanning.ResultDetail) error {
	attrs := []attribute.KeyValue{
		attribute.String("sha256", detail.Sha256),
		attribute.String("scanner", detail.Scanner),
	}
	return s.r.trace(ctx, "postgres.upsert_scan_result_detail", attrs, func(ctx context.Context) error {
		findings := detail.Findings
		if findings == nil {
			findings = map[string]any{}
		}
		_, err := s.r.q.Exec(ctx, `
			INSERT INTO scan_result_details (credentials_key, sha256, scanner, scanner_type, findings, saved_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (credentials_key, sha256, scanner) DO UPDATE
			SET scanner_type = EXCLUDED.scanner_type, findings = EXCLUDED.findings, saved_at = EXCLUDED.saved_at`,
			credentialsKey(detail.CredentialsKey), detail.Sha256, detail.Scanner, detail.ScannerType,
			findings, ts(detail.SavedAt))
		if err != nil {
			return fmt.Errorf("failed to upsert result detail: %w", err)
		}
		return nil
	})
}

func (s *detailStore) Get(ctx context.Context, credKey *string, sha256, scanner string) (*scanning.ResultDetail, error) {
	var res *scanning.ResultDetail
	err := s.r.trace(ctx, "postgres.get_scan_result_detail", []attribute.KeyValue{attribute.String("sha256", sha256)},
		func(ctx context.Context) error {
			d := scanning.ResultDetail{CredentialsKey: credKey, Sha256: sha256, Scanner: scanner}
			err := s.r.q.QueryRow(ctx, `
				SELECT scanner_type, findings, saved_at FROM scan_result_details
				WHERE credentials_key = $1 AND sha256 = $2 AND scanner = $3`,
				credentialsKey(credKey), sha256, scanner).Scan(&d.ScannerType, &d.Findings, &d.SavedAt)
			if err != nil {
				return notFound(err, "result detail", sha256)
			}
			d.SavedAt = d.SavedAt.UTC()
			res = &d
			return nil
		})
	return res, err
}

// planStore reads scan plans.
type planStore struct{ r *repos }

var _ scanning.PlanRepository = (*planStore)(nil)

const planColumns = `id, project_id, name, type, scanner, rule, quality, latest_scan_task_id, created_date`

func scanPlan(row pgx.Row) (*scanning.ScanPlan, error) {
	var (
		p      scanning.ScanPlan
		rule   []byte
		latest pgtype.UUID
	)
	if err := row.Scan(&p.ID, &p.ProjectID, &p.Name, &p.Type, &p.Scanner, &rule, &p.Quality, &latest, &p.CreatedDate); err != nil {
		return nil, err
	}
	p.Rule = rule
	p.LatestScanTaskID = fromNullableUUID(latest)
	p.CreatedDate = p.CreatedDate.UTC()
	return &p, nil
}

func (s *planStore) Create(ctx context.Context, plan *scanning.ScanPlan) error {
	return s.r.trace(ctx, "postgres.create_scan_plan", []attribute.KeyValue{attribute.String("plan_id", plan.ID.String())},
		func(ctx context.Context) error {
			quality := plan.Quality
			if quality == nil {
				quality = map[string]int64{}
			}
			var rule []byte
			if len(plan.Rule) > 0 {
				rule = plan.Rule
			}
			_, err := s.r.q.Exec(ctx, `
				INSERT INTO scan_plans (`+planColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				plan.ID, plan.ProjectID, plan.Name, plan.Type, plan.Scanner, rule, quality,
				nullableUUID(plan.LatestScanTaskID), ts(plan.CreatedDate))
			if err != nil {
				return fmt.Errorf("failed to insert scan plan: %w", err)
			}
			return nil
		})
}

func (s *planStore) Get(ctx context.Context, id uuid.UUID) (*scanning.ScanPlan, error) {
	var plan *scanning.ScanPlan
	err := s.r.trace(ctx, "postgres.get_scan_plan", []attribute.KeyValue{attribute.String("plan_id", id.String())},
		func(ctx context.Context) error {
			var err error
			plan, err = scanPlan(s.r.q.QueryRow(ctx, `SELECT `+planColumns+` FROM scan_plans WHERE id = $1`, id))
			if err != nil {
				return notFound(err, "plan", id)
			}
			return nil
		})
	return plan, err
}

// GetOrCreateDefault relies on the partial unique index over default plans, so
// concurrent first pipeline scans of a project agree on one plan.
func (s *planStore) GetOrCreateDefault(ctx context.Context, projectID, planType, scanner string, now time.Time) (*scanning.ScanPlan, error) {
	var plan *scanning.ScanPlan
	attrs := []attribute.KeyValue{
		attribute.String("project_id", projectID),
		attribute.String("plan_type", planType),
	}
	err := s.r.trace(ctx, "postgres.get_or_create_default_plan", attrs, func(ctx context.Context) error {
		_, err := s.r.q.Exec(ctx, `
			INSERT INTO scan_plans (id, project_id, name, type, scanner, quality, created_date)
			VALUES ($1, $2, $3, $4, $5, '{}'::jsonb, $6)
			ON CONFLICT (project_id, type, scanner) WHERE name = 'DEFAULT' DO NOTHING`,
			uuid.New(), projectID, scanning.DefaultPlanName, planType, scanner, ts(now))
		if err != nil {
			return fmt.Errorf("failed to create default plan: %w", err)
		}
		plan, err = scanPlan(s.r.q.QueryRow(ctx, `
			SELECT `+planColumns+` FROM scan_plans
			WHERE project_id = $1 AND type = $2 AND scanner = $3 AND name = $4`,
			projectID, planType, scanner, scanning.DefaultPlanName))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("default plan of project %s: %w", projectID, scanning.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load default plan: %w", err)
		}
		return nil
	})
	return plan, err
}

func (s *planStore) UpdateLatestTaskID(ctx context.Context, planID, taskID uuid.UUID) error {
	return s.r.trace(ctx, "postgres.update_plan_latest_task", []attribute.KeyValue{attribute.String("plan_id", planID.String())},
		func(ctx context.Context) error {
			tag, err := s.r.q.Exec(ctx, `UPDATE scan_plans SET latest_scan_task_id = $2 WHERE id = $1`, planID, taskID)
			if err != nil {
				return fmt.Errorf("failed to update plan latest task: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("plan %s: %w", planID, scanning.ErrNotFound)
			}
			return nil
		})
}
