package scanner

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
	"github.com/ahrav/artifact-analyst/pkg/common/timeutil"
)

var _ domain.ResultManager = (*DetailManager)(nil)

// DetailManager keeps the de-duplicated findings of the latest scan of every
// file, keyed by (credentials key, sha256, scanner).
type DetailManager struct {
	details      domain.ResultDetailRepository
	timeProvider timeutil.Provider
	tracer       trace.Tracer
}

// NewDetailManager creates a manager writing to details.
func NewDetailManager(details domain.ResultDetailRepository, tracer trace.Tracer, tp timeutil.Provider) *DetailManager {
	if tp == nil {
		tp = timeutil.Default()
	}
	return &DetailManager{details: details, timeProvider: tp, tracer: tracer}
}

// Save stores raw as the latest findings of the file.
func (m *DetailManager) Save(ctx context.Context, credentialsKey *string, sha256 string, scanner domain.Scanner, raw map[string]any) error {
	ctx, span := m.tracer.Start(ctx, "detail_manager.scanner.save",
		trace.WithAttributes(
			attribute.String("sha256", sha256),
			attribute.String("scanner", scanner.Name),
		))
	defer span.End()

	findings := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == rawOverview {
			continue
		}
		findings[k] = v
	}

	detail := &domain.ResultDetail{
		CredentialsKey: credentialsKey,
		Sha256:         sha256,
		Scanner:        scanner.Name,
		ScannerType:    scanner.Type,
		Findings:       findings,
		SavedAt:        m.timeProvider.Now(),
	}
	if err := m.details.Upsert(ctx, detail); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save result detail")
		return fmt.Errorf("failed to save result detail: %w", err)
	}
	span.SetStatus(codes.Ok, "result detail saved")
	return nil
}
