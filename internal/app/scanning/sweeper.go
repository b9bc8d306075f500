package scanning

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
	"github.com/ahrav/artifact-analyst/pkg/common/logger"
)

// Sweeper runs the periodic reconciliation duties of a node. Every node may
// run one; duties on different nodes race through the store's conditional
// writes, while a duty never overlaps itself within a node.
type Sweeper struct {
	svc *Service

	expiryRunning  atomic.Bool
	blockedRunning atomic.Bool
	enqueueRunning atomic.Bool

	wg     sync.WaitGroup
	logger *logger.Logger
	tracer trace.Tracer
}

// NewSweeper creates a sweeper driving svc.
func NewSweeper(svc *Service, logger *logger.Logger, tracer trace.Tracer) *Sweeper {
	return &Sweeper{
		svc:    svc,
		logger: logger.With("component", "sweeper"),
		tracer: tracer,
	}
}

// Start launches every duty on its own fixed-delay ticker. It returns
// immediately; the duties stop when ctx is cancelled. Use Wait to block until
// they exited.
func (w *Sweeper) Start(ctx context.Context) {
	interval := w.svc.cfg.SweepInterval
	w.logger.Info(ctx, "starting sweeper", "interval", interval, "enqueue_timed_out", w.svc.cfg.EnqueueTimedOut)

	w.run(ctx, interval, &w.expiryRunning, "expire_tasks", w.ExpireTasks)
	w.run(ctx, interval, &w.blockedRunning, "finish_block_timeout", w.FinishBlockTimeout)
	if w.svc.cfg.EnqueueTimedOut {
		w.run(ctx, interval, &w.enqueueRunning, "enqueue_timed_out", w.EnqueueTimedOut)
	}
}

// Wait blocks until every duty goroutine returned.
func (w *Sweeper) Wait() { w.wg.Wait() }

func (w *Sweeper) run(ctx context.Context, interval time.Duration, running *atomic.Bool, name string, duty func(context.Context) error) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !running.CompareAndSwap(false, true) {
					continue
				}
				if err := duty(ctx); err != nil && ctx.Err() == nil {
					w.logger.Error(ctx, "sweeper duty failed", "duty", name, "error", err)
				}
				running.Store(false)
			}
		}
	}()
}

// ExpireTasks handles one parent task that made no progress for longer than
// the execute timeout. A STOPPING task whose delayed drain never ran is drained
// to STOPPED. Any other task is reset: its sub-tasks and their history are
// discarded and the task is handed back to the dispatcher from scratch.
func (w *Sweeper) ExpireTasks(ctx context.Context) error {
	ctx, span := w.tracer.Start(ctx, "sweeper.scanning.expire_tasks")
	defer span.End()

	svc := w.svc
	now := svc.now()
	task, err := svc.store.Tasks().FindExpired(ctx, now.Add(-svc.cfg.ExecuteTimeout))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to find expired task")
		return fmt.Errorf("failed to find expired task: %w", err)
	}
	if task == nil {
		return nil
	}
	span.SetAttributes(attribute.String("task_id", task.ID.String()))

	if task.Status == domain.TaskStatusStopping {
		return w.drainStale(ctx, task, now)
	}

	var reset *domain.ScanTask
	err = svc.store.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
		var err error
		reset, err = repos.Tasks().Reset(ctx, task.ID, task.LastModifiedDate, now)
		if err != nil {
			return fmt.Errorf("failed to reset task: %w", err)
		}
		if reset == nil {
			return nil
		}
		if _, err := repos.Subtasks().DeleteByParent(ctx, task.ID); err != nil {
			return fmt.Errorf("failed to delete subtasks: %w", err)
		}
		if _, err := repos.Archives().DeleteByParent(ctx, task.ID); err != nil {
			return fmt.Errorf("failed to delete archived subtasks: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to reset expired task")
		return err
	}
	if reset == nil {
		span.AddEvent("reset_conflict")
		return nil
	}

	svc.metrics.TaskStatusChange(ctx, task.Status, domain.TaskStatusPending)
	w.logger.Info(ctx, "expired task reset", "task_id", task.ID, "previous_status", task.Status)

	if err := svc.dispatcher.Dispatch(ctx, reset); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to resubmit task")
		return fmt.Errorf("failed to resubmit task %s: %w", task.ID, err)
	}
	span.SetStatus(codes.Ok, "expired task resubmitted")
	return nil
}

// drainStale takes over the drain of a STOPPING task. Touching the task's
// last-modified token first lets only one node win the takeover.
func (w *Sweeper) drainStale(ctx context.Context, task *domain.ScanTask, now time.Time) error {
	span := trace.SpanFromContext(ctx)
	svc := w.svc

	ok, err := svc.store.Tasks().CompareAndSetStatus(ctx, task.ID, domain.TaskStatusStopping, task.LastModifiedDate,
		domain.TaskStatusStopping, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to take over stopping task")
		return fmt.Errorf("failed to take over stopping task: %w", err)
	}
	if !ok {
		span.AddEvent("drain_takeover_conflict")
		return nil
	}

	w.logger.Info(ctx, "draining stale stopping task", "task_id", task.ID)
	if err := svc.drain(ctx, task, task.LastModifiedBy); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to drain stopping task")
		return err
	}
	span.SetStatus(codes.Ok, "stale stopping task drained")
	return nil
}

// FinishBlockTimeout finalizes sub-tasks that waited for project capacity
// longer than the execute timeout.
func (w *Sweeper) FinishBlockTimeout(ctx context.Context) error {
	ctx, span := w.tracer.Start(ctx, "sweeper.scanning.finish_block_timeout")
	defer span.End()

	svc := w.svc
	before := svc.now().Add(-svc.cfg.ExecuteTimeout)
	blocked, err := svc.store.Subtasks().ListBlockedBefore(ctx, before, svc.cfg.BlockTimeoutBatch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list blocked subtasks")
		return fmt.Errorf("failed to list blocked subtasks: %w", err)
	}

	for _, st := range blocked {
		w.logger.Info(ctx, "subtask block timeout", "parent_task_id", st.ParentTaskID, "subtask_id", st.ID)
		if _, err := svc.Finalize(ctx, st, domain.SubtaskStatusBlockTimeout, nil, ""); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to finalize blocked subtask")
			return err
		}
	}
	span.SetAttributes(attribute.Int("finalized", len(blocked)))
	return nil
}

// EnqueueTimedOut hands one timed-out sub-task back to the dispatcher and
// marks it ENQUEUED once the dispatcher accepted it.
func (w *Sweeper) EnqueueTimedOut(ctx context.Context) error {
	ctx, span := w.tracer.Start(ctx, "sweeper.scanning.enqueue_timed_out")
	defer span.End()

	svc := w.svc
	enqueue := func(ctx context.Context, candidate *domain.SubScanTask) (*domain.SubScanTask, error) {
		accepted, err := svc.dispatcher.Enqueue(ctx, candidate)
		if err != nil {
			return nil, fmt.Errorf("failed to enqueue subtask: %w", err)
		}
		if !accepted {
			return candidate, nil
		}
		return svc.claimTransition(domain.SubtaskStatusEnqueued)(ctx, candidate)
	}

	st, err := svc.claim(ctx, enqueue)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to enqueue timed out subtask")
		return err
	}
	if st != nil {
		span.SetAttributes(attribute.String("subtask_id", st.ID.String()))
	}
	return nil
}
