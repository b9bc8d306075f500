package scanning

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/google/uuid"
)

// ScanPlan groups scans of a project under one scanner and one set of
// quality red-lines.
type ScanPlan struct {
	ID        uuid.UUID
	ProjectID string
	Name      string
	// Type is the repository type the plan targets (GENERIC, DOCKER, ...).
	Type    string
	Scanner string
	Rule    json.RawMessage
	// Quality maps an overview key to the maximum value that still passes.
	Quality          map[string]int64
	LatestScanTaskID *uuid.UUID
	CreatedDate      time.Time
}

// DefaultPlanName is the name of the plan implicitly created for pipeline scans.
const DefaultPlanName = "DEFAULT"

// HasQualityRules reports whether the plan defines any red-line.
func (p *ScanPlan) HasQualityRules() bool { return p != nil && len(p.Quality) > 0 }

// Clone returns a deep copy of the plan.
func (p *ScanPlan) Clone() *ScanPlan {
	c := *p
	c.Rule = append(json.RawMessage(nil), p.Rule...)
	c.Quality = maps.Clone(p.Quality)
	if p.LatestScanTaskID != nil {
		id := *p.LatestScanTaskID
		c.LatestScanTaskID = &id
	}
	return &c
}
