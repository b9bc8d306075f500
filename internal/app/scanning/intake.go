package scanning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
)

// Task names of non pipeline triggers.
const (
	taskNameSingleScan = "single scan"
	taskNameBatchScan  = "batch scan"
)

// ScanRequest asks for a scan either under an existing plan or with an
// explicit scanner and rule.
type ScanRequest struct {
	PlanID   *uuid.UUID            `json:"planId,omitempty"`
	Scanner  string                `json:"scanner,omitempty"`
	Rule     json.RawMessage       `json:"rule,omitempty"`
	Metadata []domain.TaskMetadata `json:"metadata,omitempty"`
}

// PipelineScanRequest asks for a scan triggered by a CI pipeline build. It
// always runs under the project's default plan for the repository type.
type PipelineScanRequest struct {
	ProjectID    string          `json:"projectId" validate:"required"`
	PlanType     string          `json:"planType" validate:"required"`
	Scanner      string          `json:"scanner" validate:"required"`
	Rule         json.RawMessage `json:"rule,omitempty"`
	PipelineID   *string         `json:"pid,omitempty"`
	BuildID      *string         `json:"bid,omitempty"`
	BuildNumber  *string         `json:"buildNo,omitempty"`
	PipelineName *string         `json:"pipelineName,omitempty"`
	PluginName   *string         `json:"pluginName,omitempty"`
	// WebhookURL and ChatIDs register a chat notification for task completion.
	WebhookURL *string  `json:"weworkBotUrl,omitempty"`
	ChatIDs    []string `json:"chatIds,omitempty"`
}

// NotificationRegistrar remembers where to announce the completion of a task.
type NotificationRegistrar interface {
	Register(taskID uuid.UUID, webhookURL string, chatIDs []string)
}

// WithNotificationRegistrar sets the registrar used by pipeline scans.
func WithNotificationRegistrar(r NotificationRegistrar) ServiceOption {
	return func(s *Service) { s.notifications = r }
}

// Scan creates a task and hands it to the dispatcher.
func (s *Service) Scan(ctx context.Context, req ScanRequest, trigger domain.TriggerType, userID string) (*domain.ScanTask, error) {
	ctx, span := s.tracer.Start(ctx, "scan_service.scanning.scan",
		trace.WithAttributes(attribute.String("trigger_type", string(trigger))))
	defer span.End()

	task, err := s.createTask(ctx, req, trigger, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create task")
		return nil, err
	}
	if err := s.dispatch(ctx, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to dispatch task")
		return nil, err
	}
	span.SetStatus(codes.Ok, "task created")
	return task, nil
}

// PipelineScan creates a task under the project's default plan for a pipeline build.
func (s *Service) PipelineScan(ctx context.Context, req PipelineScanRequest, userID string) (*domain.ScanTask, error) {
	ctx, span := s.tracer.Start(ctx, "scan_service.scanning.pipeline_scan",
		trace.WithAttributes(
			attribute.String("project_id", req.ProjectID),
			attribute.String("scanner", req.Scanner),
		))
	defer span.End()

	plan, err := s.store.Plans().GetOrCreateDefault(ctx, req.ProjectID, req.PlanType, req.Scanner, s.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to resolve default plan")
		return nil, fmt.Errorf("failed to resolve default plan: %w", err)
	}

	var metadata []domain.TaskMetadata
	if req.PipelineID != nil && req.BuildID != nil {
		add := func(key string, v *string) {
			if v != nil {
				metadata = append(metadata, domain.TaskMetadata{Key: key, Value: *v})
			}
		}
		add(domain.MetadataKeyPipelineID, req.PipelineID)
		add(domain.MetadataKeyBuildID, req.BuildID)
		add(domain.MetadataKeyPluginName, req.PluginName)
		add(domain.MetadataKeyBuildNumber, req.BuildNumber)
		add(domain.MetadataKeyPipelineName, req.PipelineName)
	}

	task, err := s.createTask(ctx, ScanRequest{PlanID: &plan.ID, Rule: req.Rule, Metadata: metadata}, domain.TriggerPipeline, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create task")
		return nil, err
	}
	if req.WebhookURL != nil && s.notifications != nil {
		s.notifications.Register(task.ID, *req.WebhookURL, req.ChatIDs)
	}
	if err := s.dispatch(ctx, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to dispatch task")
		return nil, err
	}
	span.SetStatus(codes.Ok, "pipeline task created")
	return task, nil
}

func (s *Service) createTask(ctx context.Context, req ScanRequest, trigger domain.TriggerType, userID string) (*domain.ScanTask, error) {
	if req.PlanID == nil && (req.Scanner == "" || len(req.Rule) == 0) {
		return nil, fmt.Errorf("%w: either a plan or a scanner and rule are required", domain.ErrInvalidParameter)
	}

	var plan *domain.ScanPlan
	if req.PlanID != nil {
		p, err := s.store.Plans().Get(ctx, *req.PlanID)
		if err != nil {
			return nil, err
		}
		plan = p
	}

	rule, err := domain.ParseRule(req.Rule)
	if err != nil {
		return nil, err
	}
	projectID, err := resolveProject(rule, plan)
	if err != nil {
		return nil, err
	}

	if userID != "" && s.permissions != nil {
		if repos := rule.RepoNames(); len(repos) == 0 {
			err = s.permissions.CheckProject(ctx, projectID, domain.PermissionManage, userID)
		} else {
			err = s.permissions.CheckRepos(ctx, projectID, repos, domain.PermissionRead, userID)
		}
		if err != nil {
			return nil, err
		}
	}

	scannerName := req.Scanner
	if scannerName == "" {
		scannerName = plan.Scanner
	}
	scanner, err := s.scanners.Get(scannerName)
	if err != nil {
		return nil, err
	}

	scoped, err := json.Marshal(rule.WithProject(projectID))
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule: %w", err)
	}

	var planID *uuid.UUID
	if plan != nil {
		planID = &plan.ID
	}
	task := domain.NewScanTask(projectID, planID, taskName(trigger, req.Metadata), trigger, scoped,
		scanner.Ref(), req.Metadata, userID, s.now())

	err = s.store.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
		if err := repos.Tasks().Create(ctx, task); err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}
		if plan != nil {
			if err := repos.Plans().UpdateLatestTaskID(ctx, plan.ID, task.ID); err != nil {
				return fmt.Errorf("failed to update plan latest task: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncTaskCount(ctx, domain.TaskStatusPending)
	s.logger.Info(ctx, "scan task created", "task_id", task.ID, "project_id", projectID, "scanner", scanner.Name)
	return task, nil
}

func (s *Service) dispatch(ctx context.Context, task *domain.ScanTask) error {
	if err := s.dispatcher.Dispatch(ctx, task); err != nil {
		return fmt.Errorf("failed to dispatch task %s: %w", task.ID, err)
	}
	return nil
}

// resolveProject takes the single project named by the rule, else the plan's
// project. Rules naming several projects are rejected.
func resolveProject(rule *domain.Rule, plan *domain.ScanPlan) (string, error) {
	ids := rule.ProjectIDs()
	switch {
	case len(ids) == 1:
		return ids[0], nil
	case len(ids) == 0 && plan != nil:
		return plan.ProjectID, nil
	default:
		return "", fmt.Errorf("%w: rule must name exactly one project", domain.ErrInvalidParameter)
	}
}

func taskName(trigger domain.TriggerType, metadata []domain.TaskMetadata) string {
	switch trigger {
	case domain.TriggerPipeline:
		return strings.Join([]string{
			domain.MetadataLookup(metadata, domain.MetadataKeyPipelineName),
			domain.MetadataLookup(metadata, domain.MetadataKeyBuildNumber),
			domain.MetadataLookup(metadata, domain.MetadataKeyPluginName),
		}, "-")
	case domain.TriggerManualSingle:
		return taskNameSingleScan
	default:
		return taskNameBatchScan
	}
}
