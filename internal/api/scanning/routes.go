// Package scanning exposes the orchestration engine over HTTP: task intake
// and cancellation for users, and the claim protocol for remote workers.
package scanning

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ahrav/artifact-analyst/internal/api/errs"
	"github.com/ahrav/artifact-analyst/internal/api/web"
	"github.com/ahrav/artifact-analyst/internal/app/scanning"
	"github.com/ahrav/artifact-analyst/internal/app/worker"
	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
	"github.com/ahrav/artifact-analyst/pkg/common/logger"
)

// HeaderUserID carries the authenticated user. Authentication happens in
// front of the service.
const HeaderUserID = "X-Analyst-User"

const anonymousUser = "anonymous"

// Engine is the part of the orchestration engine the routes call.
type Engine interface {
	Scan(ctx context.Context, req scanning.ScanRequest, trigger domain.TriggerType, userID string) (*domain.ScanTask, error)
	PipelineScan(ctx context.Context, req scanning.PipelineScanRequest, userID string) (*domain.ScanTask, error)
	Get(ctx context.Context, taskID string) (*domain.ScanTask, error)
	GetSubtask(ctx context.Context, subtaskID string) (*domain.SubScanTask, domain.Scanner, error)

	StopTask(ctx context.Context, projectID, taskID, userID string) (bool, error)
	StopSubtask(ctx context.Context, projectID, subtaskID, userID string) (bool, error)
	StopByLatestArtifact(ctx context.Context, projectID, latestID, userID string) (bool, error)
	StopPlan(ctx context.Context, projectID, planID, userID string) (bool, error)

	Claim(ctx context.Context) (*domain.SubScanTask, error)
	MarkExecuting(ctx context.Context, subtaskID string) (bool, error)
	ReportResult(ctx context.Context, req scanning.ReportResultRequest) error
}

// Config contains the dependencies needed by the scan handlers.
type Config struct {
	Log      *logger.Logger
	Engine   Engine
	Scanners domain.ScannerRegistry
}

// Routes binds all the scan endpoints.
func Routes(r chi.Router, cfg Config) {
	h := func(fn web.HandlerFunc) http.HandlerFunc { return web.Handle(cfg.Log, fn) }

	r.Route("/scan", func(r chi.Router) {
		r.Post("/", h(scan(cfg)))
		r.Post("/pipeline", h(pipelineScan(cfg)))
		r.Get("/tasks/{taskID}", h(getTask(cfg)))

		r.Post("/{projectID}/tasks/{id}/stop", h(stop(cfg, Engine.StopTask)))
		r.Post("/{projectID}/subtasks/{id}/stop", h(stop(cfg, Engine.StopSubtask)))
		r.Post("/{projectID}/artifacts/{id}/stop", h(stop(cfg, Engine.StopByLatestArtifact)))
		r.Post("/{projectID}/plans/{id}/stop", h(stop(cfg, Engine.StopPlan)))

		r.Post("/subtasks/claim", h(claim(cfg)))
		r.Get("/subtasks/{subtaskID}", h(getSubtask(cfg)))
		r.Post("/subtasks/{subtaskID}/executing", h(markExecuting(cfg)))
		r.Post("/subtasks/report", h(report(cfg)))
	})
}

func userID(r *http.Request) string {
	if u := strings.TrimSpace(r.Header.Get(HeaderUserID)); u != "" {
		return u
	}
	return anonymousUser
}

var manualTriggers = map[domain.TriggerType]bool{
	domain.TriggerManual:        true,
	domain.TriggerManualSingle:  true,
	domain.TriggerOnNewArtifact: true,
}

func scan(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		var req scanning.ScanRequest
		if err := web.Decode(r, &req); err != nil {
			return errs.FromDecode(err)
		}

		trigger := domain.TriggerManual
		if t := r.URL.Query().Get("trigger"); t != "" {
			trigger = domain.TriggerType(strings.ToUpper(t))
			if !manualTriggers[trigger] {
				return errs.Newf(errs.InvalidArgument, "unsupported trigger %q", t)
			}
		}

		task, err := cfg.Engine.Scan(ctx, req, trigger, userID(r))
		if err != nil {
			return errs.FromDomain(err)
		}
		return web.Created(newTaskResponse(task))
	}
}

func pipelineScan(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		var req scanning.PipelineScanRequest
		if err := web.Decode(r, &req); err != nil {
			return errs.FromDecode(err)
		}
		if err := errs.Check(req); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		task, err := cfg.Engine.PipelineScan(ctx, req, userID(r))
		if err != nil {
			return errs.FromDomain(err)
		}
		return web.Created(newTaskResponse(task))
	}
}

func getTask(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		task, err := cfg.Engine.Get(ctx, chi.URLParam(r, "taskID"))
		if err != nil {
			return errs.FromDomain(err)
		}
		return web.OK(newTaskResponse(task))
	}
}

type stopFunc func(e Engine, ctx context.Context, projectID, id, userID string) (bool, error)

type stopResponse struct {
	Stopped bool `json:"stopped"`
}

func stop(cfg Config, fn stopFunc) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		stopped, err := fn(cfg.Engine, ctx, chi.URLParam(r, "projectID"), chi.URLParam(r, "id"), userID(r))
		if err != nil {
			return errs.FromDomain(err)
		}
		return web.OK(stopResponse{Stopped: stopped})
	}
}

// claim returns 204 when there is nothing to do.
func claim(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		st, err := cfg.Engine.Claim(ctx)
		if err != nil {
			return errs.FromDomain(err)
		}
		if st == nil {
			return nil
		}
		scanner, err := cfg.Scanners.Get(st.Scanner)
		if err != nil {
			return errs.FromDomain(err)
		}
		return web.OK(worker.Assignment{Subtask: st, Scanner: scanner})
	}
}

func getSubtask(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		st, scanner, err := cfg.Engine.GetSubtask(ctx, chi.URLParam(r, "subtaskID"))
		if err != nil {
			return errs.FromDomain(err)
		}
		return web.OK(worker.Assignment{Subtask: st, Scanner: scanner})
	}
}

type markExecutingResponse struct {
	Updated bool `json:"updated"`
}

func markExecuting(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		ok, err := cfg.Engine.MarkExecuting(ctx, chi.URLParam(r, "subtaskID"))
		if err != nil {
			return errs.FromDomain(err)
		}
		return web.OK(markExecutingResponse{Updated: ok})
	}
}

func report(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		var req scanning.ReportResultRequest
		if err := web.Decode(r, &req); err != nil {
			return errs.FromDecode(err)
		}
		if err := errs.Check(req); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}
		if err := cfg.Engine.ReportResult(ctx, req); err != nil {
			return errs.FromDomain(err)
		}
		return nil
	}
}
