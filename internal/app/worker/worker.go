// Package worker runs scans on a scanner node: it claims sub-tasks from the
// controller, executes them and reports their outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/artifact-analyst/internal/app/scanning"
	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
	"github.com/ahrav/artifact-analyst/pkg/common"
	"github.com/ahrav/artifact-analyst/pkg/common/logger"
)

// Assignment is a claimed sub-task together with the scanner that runs it.
type Assignment struct {
	Subtask *domain.SubScanTask `json:"subtask"`
	Scanner domain.Scanner      `json:"scanner"`
}

// Result is what an executor produced for one assignment.
type Result struct {
	Status domain.SubtaskStatus
	Output map[string]any
}

// Controller is the orchestration engine as seen from a worker.
type Controller interface {
	// Claim returns nil when there is nothing to do.
	Claim(ctx context.Context) (*Assignment, error)
	MarkExecuting(ctx context.Context, subtaskID string) (bool, error)
	ReportResult(ctx context.Context, req scanning.ReportResultRequest) error
}

// Executor runs one scan.
type Executor interface {
	Execute(ctx context.Context, a Assignment) (Result, error)
}

// Config tunes the poll loop.
type Config struct {
	// Concurrency is the number of scans run in parallel.
	Concurrency int
	// PollRate caps claim attempts per second across all loops.
	PollRate float64
	// IdleBackoff is how long a loop sleeps after an empty claim.
	IdleBackoff time.Duration
}

// Worker pulls sub-tasks until its context is cancelled.
type Worker struct {
	id  string
	cfg Config

	controller Controller
	executor   Executor
	limiter    *common.PollLimiter

	logger  *logger.Logger
	metrics Metrics
	tracer  trace.Tracer
}

// New creates a worker.
func New(
	id string,
	cfg Config,
	controller Controller,
	executor Executor,
	logger *logger.Logger,
	metrics Metrics,
	tracer trace.Tracer,
) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollRate <= 0 {
		cfg.PollRate = 1
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = 5 * time.Second
	}
	return &Worker{
		id:         id,
		cfg:        cfg,
		controller: controller,
		executor:   executor,
		limiter:    common.NewPollLimiter(cfg.PollRate, cfg.Concurrency, cfg.IdleBackoff),
		logger: logger.With(
			"component", "worker",
			"worker_id", id,
			"concurrency", cfg.Concurrency,
		),
		metrics: metrics,
		tracer:  tracer,
	}
}

// Run starts the poll loops and blocks until ctx is cancelled. A scan that is
// running when ctx ends is abandoned without a report; the controller reclaims
// it once its deadline passes.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info(ctx, "Worker starting up")
	w.metrics.SetActiveWorkers(ctx, w.cfg.Concurrency)
	defer w.metrics.SetActiveWorkers(ctx, 0)

	g, gctx := errgroup.WithContext(ctx)
	for i := range w.cfg.Concurrency {
		g.Go(func() error {
			w.loop(gctx, i)
			return nil
		})
	}
	err := g.Wait()
	w.logger.Info(ctx, "Worker stopped")
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context, loopID int) {
	log := w.logger.With("loop_id", loopID)
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}

		worked, err := w.safePoll(ctx)
		if err != nil && ctx.Err() == nil {
			log.Warn(ctx, "poll failed", "error", err)
		}
		if worked {
			continue
		}
		if err := w.limiter.Idle(ctx); err != nil {
			return
		}
	}
}

// safePoll runs one poll and turns a panic into an error so a bad scan never
// kills the loop.
func (w *Worker) safePoll(ctx context.Context) (worked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return w.Poll(ctx)
}

// Poll claims and processes at most one sub-task. It reports whether a
// sub-task was claimed.
func (w *Worker) Poll(ctx context.Context) (bool, error) {
	a, err := w.controller.Claim(ctx)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if a == nil || a.Subtask == nil {
		return false, nil
	}
	return true, w.process(ctx, *a)
}

func (w *Worker) process(ctx context.Context, a Assignment) error {
	subtaskID := a.Subtask.ID.String()
	ctx, span := w.tracer.Start(ctx, "worker.scanning.process_subtask",
		trace.WithAttributes(
			attribute.String("worker_id", w.id),
			attribute.String("subtask_id", subtaskID),
			attribute.String("full_path", a.Subtask.FullPath),
			attribute.String("scanner", a.Scanner.Name),
		))
	defer span.End()

	log := logger.NewLoggerContext(w.logger)
	log.Add("subtask_id", subtaskID, "full_path", a.Subtask.FullPath)

	ok, err := w.controller.MarkExecuting(ctx, subtaskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark executing")
		return fmt.Errorf("mark executing %s: %w", subtaskID, err)
	}
	if !ok {
		// Stopped or taken over since the claim.
		span.AddEvent("subtask_no_longer_owned")
		log.Info(ctx, "subtask no longer owned, skipping")
		return nil
	}

	var res Result
	err = w.metrics.TrackScan(ctx, func() error {
		var execErr error
		res, execErr = w.execute(ctx, a)
		return execErr
	})
	if err != nil {
		// Shutdown: leave the sub-task for the timeout sweep.
		log.Warn(ctx, "scan abandoned", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan abandoned")
		return err
	}

	req := scanning.ReportResultRequest{SubtaskID: subtaskID, Status: res.Status, Result: res.Output}
	if err := w.controller.ReportResult(ctx, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to report result")
		return fmt.Errorf("report %s: %w", subtaskID, err)
	}

	log.Info(ctx, "subtask scanned", "status", res.Status.String())
	span.SetAttributes(attribute.String("status", res.Status.String()))
	span.SetStatus(codes.Ok, "subtask processed")
	return nil
}

// execute maps executor failures onto terminal statuses. Only cancellation of
// the worker itself is returned as an error. Failed and timed out scans carry
// no output: their cause goes to the span and the log instead.
func (w *Worker) execute(ctx context.Context, a Assignment) (Result, error) {
	res, err := w.executor.Execute(ctx, a)
	switch {
	case ctx.Err() != nil:
		return Result{}, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		w.scanFailed(ctx, a, err)
		return Result{Status: domain.SubtaskStatusTimeout}, nil
	case err != nil:
		w.scanFailed(ctx, a, err)
		return Result{Status: domain.SubtaskStatusFailed}, nil
	case !res.Status.IsTerminal():
		w.scanFailed(ctx, a, fmt.Errorf("executor returned non terminal status %q", res.Status))
		return Result{Status: domain.SubtaskStatusFailed}, nil
	case res.Status == domain.SubtaskStatusFailed, res.Status == domain.SubtaskStatusTimeout:
		res.Output = nil
	}
	return res, nil
}

func (w *Worker) scanFailed(ctx context.Context, a Assignment, err error) {
	trace.SpanFromContext(ctx).RecordError(err)
	w.logger.Warn(ctx, "scan failed", "subtask_id", a.Subtask.ID.String(), "full_path", a.Subtask.FullPath, "error", err)
}
