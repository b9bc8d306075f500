package worker

import (
	"context"

	"github.com/ahrav/artifact-analyst/internal/app/scanning"
	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
)

var _ Controller = (*LocalController)(nil)

// LocalController drives a worker running inside the controller process.
type LocalController struct {
	svc      *scanning.Service
	scanners domain.ScannerRegistry
}

// NewLocalController wraps the engine of this node.
func NewLocalController(svc *scanning.Service, scanners domain.ScannerRegistry) *LocalController {
	return &LocalController{svc: svc, scanners: scanners}
}

func (l *LocalController) Claim(ctx context.Context) (*Assignment, error) {
	st, err := l.svc.Claim(ctx)
	if err != nil || st == nil {
		return nil, err
	}
	scanner, err := l.scanners.Get(st.Scanner)
	if err != nil {
		return nil, err
	}
	return &Assignment{Subtask: st, Scanner: scanner}, nil
}

func (l *LocalController) MarkExecuting(ctx context.Context, subtaskID string) (bool, error) {
	return l.svc.MarkExecuting(ctx, subtaskID)
}

func (l *LocalController) ReportResult(ctx context.Context, req scanning.ReportResultRequest) error {
	return l.svc.ReportResult(ctx, req)
}
