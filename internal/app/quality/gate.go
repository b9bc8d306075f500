// Package quality evaluates scan overviews against the red-lines of a plan.
package quality

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
	"github.com/ahrav/artifact-analyst/pkg/common/logger"
)

var _ domain.QualityGate = (*Gate)(nil)

// Gate implements domain.QualityGate. A plan's quality map names an overview
// key and the highest value that still passes; the overview passes only if no
// red-line is exceeded.
type Gate struct {
	plans domain.PlanRepository
	// loads collapses concurrent plan lookups from finalizing sub-tasks of the same plan.
	loads singleflight.Group

	logger *logger.Logger
	tracer trace.Tracer
}

// NewGate creates a gate reading red-lines from plans.
func NewGate(plans domain.PlanRepository, logger *logger.Logger, tracer trace.Tracer) *Gate {
	return &Gate{
		plans:  plans,
		logger: logger.With("component", "quality_gate"),
		tracer: tracer,
	}
}

// Evaluate reports whether overview passes the red-lines of planID. Values that
// are not numeric are ignored, as are red-lines the overview does not mention.
func (g *Gate) Evaluate(ctx context.Context, planID uuid.UUID, overview map[string]any) (bool, error) {
	ctx, span := g.tracer.Start(ctx, "quality_gate.scanning.evaluate",
		trace.WithAttributes(attribute.String("plan_id", planID.String())))
	defer span.End()

	// The load is shared by every caller of the flight, so it must outlive the
	// cancellation of whichever caller started it.
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := g.loads.Do(planID.String(), func() (any, error) {
		return g.plans.Get(loadCtx, planID)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load plan")
		return false, fmt.Errorf("failed to load plan %s: %w", planID, err)
	}
	plan := v.(*domain.ScanPlan)

	pass := Check(plan.Quality, domain.NumericOverview(overview))
	span.SetAttributes(attribute.Bool("quality_pass", pass))
	if !pass {
		g.logger.Debug(ctx, "quality red-line exceeded", "plan_id", planID)
	}
	return pass, nil
}

// Check reports whether counts stay within every red-line.
func Check(redLines map[string]int64, counts map[string]int64) bool {
	for key, limit := range redLines {
		if n, ok := counts[key]; ok && n > limit {
			return false
		}
	}
	return true
}
