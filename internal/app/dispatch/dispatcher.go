// Package dispatch turns parent scan tasks into sub-tasks. It enumerates the
// artifacts a task selects, applies the per-project concurrency quota and
// promotes blocked work when capacity frees up.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ahrav/artifact-analyst/internal/domain/events"
	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
	"github.com/ahrav/artifact-analyst/pkg/common/logger"
	"github.com/ahrav/artifact-analyst/pkg/common/timeutil"
)

// Defaults of the dispatcher.
const (
	DefaultBatchSize   = 100
	DefaultSubmissions = 8
)

// activeStatuses count against a project's quota.
var activeStatuses = []domain.SubtaskStatus{
	domain.SubtaskStatusCreated,
	domain.SubtaskStatusEnqueued,
	domain.SubtaskStatusPulled,
	domain.SubtaskStatusExecuting,
}

// errStopped aborts a submission whose parent was asked to stop.
var errStopped = errors.New("task stopping")

// Config tunes the dispatcher.
type Config struct {
	// MaxActivePerProject caps the claimable and running sub-tasks of one
	// project. Zero disables the quota. The cap is enforced per node and is
	// approximate across nodes.
	MaxActivePerProject int64 `mapstructure:"max_active_per_project" validate:"gte=0"`
	// BatchSize is the number of sub-tasks created per unit of work.
	BatchSize int `mapstructure:"batch_size" validate:"min=1"`
	// Submissions bounds concurrently running task submissions.
	Submissions int64 `mapstructure:"submissions" validate:"min=1"`
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{BatchSize: DefaultBatchSize, Submissions: DefaultSubmissions}
}

// Option configures optional collaborators of the Dispatcher.
type Option func(*Dispatcher)

// WithTimeProvider overrides the clock.
func WithTimeProvider(tp timeutil.Provider) Option {
	return func(d *Dispatcher) { d.timeProvider = tp }
}

var _ domain.Dispatcher = (*Dispatcher)(nil)

// Dispatcher implements domain.Dispatcher on top of the scanning store.
type Dispatcher struct {
	cfg       Config
	store     domain.Store
	source    ArtifactSource
	metrics   domain.MetricsRecorder
	publisher events.DomainEventPublisher

	submissions *semaphore.Weighted
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc

	timeProvider timeutil.Provider
	logger       *logger.Logger
	tracer       trace.Tracer
}

// New creates a dispatcher. Submissions started by Dispatch run until Close.
func New(
	cfg Config,
	store domain.Store,
	source ArtifactSource,
	metrics domain.MetricsRecorder,
	publisher events.DomainEventPublisher,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...Option,
) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Submissions <= 0 {
		cfg.Submissions = DefaultSubmissions
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:          cfg,
		store:        store,
		source:       source,
		metrics:      metrics,
		publisher:    publisher,
		submissions:  semaphore.NewWeighted(cfg.Submissions),
		ctx:          ctx,
		cancel:       cancel,
		timeProvider: timeutil.Default(),
		logger:       logger.With("component", "dispatcher"),
		tracer:       tracer,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch submits task in the background and returns immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, task *domain.ScanTask) error {
	if d.ctx.Err() != nil {
		return fmt.Errorf("dispatcher closed: %w", d.ctx.Err())
	}
	// Keep the caller's trace but not its cancellation.
	bg := trace.ContextWithSpan(d.ctx, trace.SpanFromContext(ctx))
	t := task.Clone()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.submissions.Acquire(bg, 1); err != nil {
			return
		}
		defer d.submissions.Release(1)

		if err := d.Submit(bg, t); err != nil {
			d.logger.Error(bg, "failed to submit task", "task_id", t.ID, "error", err)
		}
	}()
	return nil
}

// Close cancels running submissions and waits for them to return.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// Submit materializes the sub-tasks of a PENDING task. The task moves to
// SCANNING_SUBMITTING while sub-tasks are created and to SCANNING_SUBMITTED
// once every artifact was submitted. A task without matching artifacts, or
// whose sub-tasks all finished during submission, completes right away.
func (d *Dispatcher) Submit(ctx context.Context, task *domain.ScanTask) error {
	ctx, span := d.tracer.Start(ctx, "dispatcher.scanning.submit",
		trace.WithAttributes(
			attribute.String("task_id", task.ID.String()),
			attribute.String("project_id", task.ProjectID),
		))
	defer span.End()

	ok, err := d.store.Tasks().TransitionStatus(ctx, task.ID,
		[]domain.TaskStatus{domain.TaskStatusPending}, domain.TaskStatusSubmitting, d.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start submission")
		return fmt.Errorf("failed to start submission: %w", err)
	}
	if !ok {
		span.AddEvent("task_not_pending")
		return nil
	}
	d.metrics.TaskStatusChange(ctx, domain.TaskStatusPending, domain.TaskStatusSubmitting)

	rule, err := domain.ParseRule(task.Rule)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid task rule")
		return err
	}

	var submitted int
	err = d.source.ListArtifacts(ctx, task.ProjectID, rule, func(batch []domain.Artifact) error {
		n, err := d.submitBatch(ctx, task, batch)
		submitted += n
		return err
	})
	if errors.Is(err, errStopped) {
		span.AddEvent("task_stopping", trace.WithAttributes(attribute.Int("submitted", submitted)))
		d.logger.Info(ctx, "submission interrupted by stop", "task_id", task.ID, "submitted", submitted)
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to enumerate artifacts")
		return fmt.Errorf("failed to enumerate artifacts: %w", err)
	}

	ok, err = d.store.Tasks().TransitionStatus(ctx, task.ID,
		[]domain.TaskStatus{domain.TaskStatusSubmitting}, domain.TaskStatusSubmitted, d.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to complete submission")
		return fmt.Errorf("failed to complete submission: %w", err)
	}
	if !ok {
		span.AddEvent("task_no_longer_submitting")
		return nil
	}
	d.metrics.TaskStatusChange(ctx, domain.TaskStatusSubmitting, domain.TaskStatusSubmitted)
	d.logger.Info(ctx, "task submitted", "task_id", task.ID, "subtasks", submitted)

	// Sub-tasks finalized while the task was still submitting could not
	// complete it.
	if err := d.finishIfComplete(ctx, task.ID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to complete task")
		return err
	}
	span.SetStatus(codes.Ok, "task submitted")
	return nil
}

func (d *Dispatcher) submitBatch(ctx context.Context, task *domain.ScanTask, batch []domain.Artifact) (int, error) {
	current, err := d.store.Tasks().Get(ctx, task.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to reload task: %w", err)
	}
	if current.Status.IsStopping() {
		return 0, errStopped
	}

	capacity, err := d.capacity(ctx, task.ProjectID)
	if err != nil {
		return 0, err
	}

	now := d.now()
	subtasks := make([]*domain.SubScanTask, 0, len(batch))
	for _, a := range batch {
		status := domain.SubtaskStatusCreated
		if capacity == 0 {
			status = domain.SubtaskStatusBlocked
		} else if capacity > 0 {
			capacity--
		}
		subtasks = append(subtasks, domain.NewSubScanTask(task, a, status, now))
	}

	err = d.store.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
		if err := repos.Subtasks().Create(ctx, subtasks...); err != nil {
			return fmt.Errorf("failed to create subtasks: %w", err)
		}
		for _, st := range subtasks {
			row := domain.NewLatestArtifact(st, st.Status, nil, nil, task.CreatedBy, now)
			if err := repos.LatestArtifacts().Upsert(ctx, row); err != nil {
				return fmt.Errorf("failed to upsert latest artifact: %w", err)
			}
		}
		if err := repos.Tasks().AddSubtasks(ctx, task.ID, int64(len(subtasks)), now); err != nil {
			return fmt.Errorf("failed to count subtasks: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, st := range subtasks {
		d.metrics.SubtaskStatusChange(ctx, "", st.Status)
	}
	return len(subtasks), nil
}

// capacity returns how many more sub-tasks of projectID may become claimable,
// or -1 when the project has no quota.
func (d *Dispatcher) capacity(ctx context.Context, projectID string) (int64, error) {
	if d.cfg.MaxActivePerProject <= 0 {
		return -1, nil
	}
	active, err := d.store.Subtasks().CountByProject(ctx, projectID, activeStatuses...)
	if err != nil {
		return 0, fmt.Errorf("failed to count active subtasks: %w", err)
	}
	return max(d.cfg.MaxActivePerProject-active, 0), nil
}

func (d *Dispatcher) finishIfComplete(ctx context.Context, taskID uuid.UUID) error {
	finished, err := d.store.Tasks().FinishIfComplete(ctx, taskID, d.now())
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	if !finished {
		return nil
	}

	task, err := d.store.Tasks().Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to reload task: %w", err)
	}
	var plan *domain.ScanPlan
	if task.PlanID != nil {
		if plan, err = d.store.Plans().Get(ctx, *task.PlanID); err != nil {
			d.logger.Warn(ctx, "failed to load plan of finished task", "task_id", taskID, "error", err)
			plan = nil
		}
	}

	d.metrics.IncTaskCount(ctx, domain.TaskStatusFinished)
	d.metrics.TaskStatusChange(ctx, domain.TaskStatusSubmitted, domain.TaskStatusFinished)
	if err := d.publisher.PublishDomainEvent(ctx, domain.NewTaskStatusChangedEvent(domain.TaskStatusSubmitted, *task, plan)); err != nil {
		d.logger.Error(ctx, "failed to publish task finished", "task_id", taskID, "error", err)
	}
	d.logger.Info(ctx, "scan finished", "task_id", taskID)
	return nil
}

// NotifyCapacity promotes the oldest BLOCKED sub-tasks of projectID to CREATED
// while the project has capacity. Failures are logged; a later notification
// or the block timeout sweep resolves whatever is left.
func (d *Dispatcher) NotifyCapacity(ctx context.Context, projectID string) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.scanning.notify_capacity",
		trace.WithAttributes(attribute.String("project_id", projectID)))
	defer span.End()

	promoted := 0
	for range d.cfg.BatchSize {
		capacity, err := d.capacity(ctx, projectID)
		if err != nil {
			span.RecordError(err)
			d.logger.Error(ctx, "failed to compute project capacity", "project_id", projectID, "error", err)
			return
		}
		if capacity == 0 {
			break
		}

		st, err := d.store.Subtasks().FirstBlocked(ctx, projectID)
		if err != nil {
			span.RecordError(err)
			d.logger.Error(ctx, "failed to find blocked subtask", "project_id", projectID, "error", err)
			return
		}
		if st == nil {
			break
		}

		won, err := d.promote(ctx, st)
		if err != nil {
			span.RecordError(err)
			d.logger.Error(ctx, "failed to promote blocked subtask", "subtask_id", st.ID, "error", err)
			return
		}
		if won {
			promoted++
		}
	}
	span.SetAttributes(attribute.Int("promoted", promoted))
}

func (d *Dispatcher) promote(ctx context.Context, st *domain.SubScanTask) (bool, error) {
	now := d.now()
	var won bool
	err := d.store.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
		var err error
		won, err = repos.Subtasks().CompareAndSet(ctx, domain.SubtaskUpdate{
			ID:                   st.ID,
			ExpectedStatus:       domain.SubtaskStatusBlocked,
			ExpectedLastModified: st.LastModifiedDate,
			Status:               domain.SubtaskStatusCreated,
			Now:                  now,
		})
		if err != nil || !won {
			return err
		}
		return repos.Archives().Save(ctx, domain.NewArchiveRecord(st, domain.SubtaskStatusCreated, nil, nil, "", now))
	})
	if err != nil {
		return false, err
	}
	if won {
		d.metrics.SubtaskStatusChange(ctx, domain.SubtaskStatusBlocked, domain.SubtaskStatusCreated)
	}
	return won, nil
}

// Enqueue accepts a timed-out sub-task when its project has capacity left.
// Accepted sub-tasks stay in the store, which is the only queue workers read.
func (d *Dispatcher) Enqueue(ctx context.Context, st *domain.SubScanTask) (bool, error) {
	capacity, err := d.capacity(ctx, st.ProjectID)
	if err != nil {
		return false, err
	}
	return capacity != 0, nil
}

func (d *Dispatcher) now() time.Time { return d.timeProvider.Now() }
