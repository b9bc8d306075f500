package scanning

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// SubScanTask is the unit of work a scanner worker claims: one artifact scanned
// by one scanner on behalf of one parent task. LastModifiedDate together with
// Status is the token every conditional update is checked against.
type SubScanTask struct {
	ID           uuid.UUID
	ParentTaskID uuid.UUID
	PlanID       *uuid.UUID
	ProjectID    string
	RepoName     string
	FullPath     string
	ArtifactName string
	// Sha256 is the content address of the artifact.
	Sha256 string
	// CredentialsKey selects the storage backend holding the artifact; nil means default storage.
	CredentialsKey *string
	Size           int64
	Scanner        string
	ScannerType    string

	Status        SubtaskStatus
	ExecutedTimes int
	// StartDateTime is set when the sub-task is created and moved to the
	// executing time once a worker starts the scan.
	StartDateTime *time.Time
	// TimeoutDateTime is the claim deadline computed when execution starts.
	TimeoutDateTime  *time.Time
	CreatedDate      time.Time
	LastModifiedDate time.Time
}

// NewSubScanTask creates a sub-task in the given initial status, which is
// CREATED or BLOCKED depending on project capacity.
func NewSubScanTask(parent *ScanTask, artifact Artifact, status SubtaskStatus, now time.Time) *SubScanTask {
	return &SubScanTask{
		ID:               uuid.New(),
		ParentTaskID:     parent.ID,
		PlanID:           parent.PlanID,
		ProjectID:        artifact.ProjectID,
		RepoName:         artifact.RepoName,
		FullPath:         artifact.FullPath,
		ArtifactName:     artifact.Name,
		Sha256:           artifact.Sha256,
		CredentialsKey:   artifact.CredentialsKey,
		Size:             artifact.Size,
		Scanner:          parent.Scanner.Name,
		ScannerType:      parent.Scanner.Type,
		Status:           status,
		CreatedDate:      now,
		LastModifiedDate: now,
	}
}

// Exhausted reports whether an executing sub-task already used every allowed
// attempt and must be finalized instead of re-claimed.
func (s *SubScanTask) Exhausted(maxExecuteTimes int) bool {
	return s.Status == SubtaskStatusExecuting && s.ExecutedTimes >= maxExecuteTimes
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (s *SubScanTask) Clone() *SubScanTask {
	c := *s
	if s.PlanID != nil {
		id := *s.PlanID
		c.PlanID = &id
	}
	if s.CredentialsKey != nil {
		k := *s.CredentialsKey
		c.CredentialsKey = &k
	}
	if s.StartDateTime != nil {
		t := *s.StartDateTime
		c.StartDateTime = &t
	}
	if s.TimeoutDateTime != nil {
		t := *s.TimeoutDateTime
		c.TimeoutDateTime = &t
	}
	return &c
}

// Artifact is one stored file selected by a task's rule. Artifacts are produced
// by the artifact source behind the dispatcher.
type Artifact struct {
	ProjectID      string
	RepoName       string
	FullPath       string
	Name           string
	Sha256         string
	CredentialsKey *string
	Size           int64
}

// ArchiveRecord captures one transition of a sub-task. Records are append-only.
type ArchiveRecord struct {
	ID      uuid.UUID
	Subtask SubScanTask
	// Status is the status the transition moved the sub-task to.
	Status      SubtaskStatus
	Overview    map[string]any
	QualityPass *bool
	ModifiedBy  string
	ArchivedAt  time.Time
}

// NewArchiveRecord snapshots subtask as it was before the transition to status.
func NewArchiveRecord(
	subtask *SubScanTask,
	status SubtaskStatus,
	overview map[string]any,
	qualityPass *bool,
	modifiedBy string,
	now time.Time,
) *ArchiveRecord {
	return &ArchiveRecord{
		ID:          uuid.New(),
		Subtask:     *subtask.Clone(),
		Status:      status,
		Overview:    maps.Clone(overview),
		QualityPass: qualityPass,
		ModifiedBy:  modifiedBy,
		ArchivedAt:  now,
	}
}

// LatestArtifact is the denormalized "latest outcome per artifact" projection
// used for plan level reporting.
type LatestArtifact struct {
	ID               uuid.UUID
	ProjectID        string
	RepoName         string
	FullPath         string
	ArtifactName     string
	Sha256           string
	PlanID           *uuid.UUID
	Scanner          string
	LatestSubtaskID  uuid.UUID
	ParentTaskID     uuid.UUID
	Status           SubtaskStatus
	Overview         map[string]any
	QualityPass      *bool
	ModifiedBy       string
	LastModifiedDate time.Time
}

// NewLatestArtifact derives a projection row from a sub-task.
func NewLatestArtifact(s *SubScanTask, status SubtaskStatus, overview map[string]any, qualityPass *bool, modifiedBy string, now time.Time) *LatestArtifact {
	return &LatestArtifact{
		ID:               uuid.New(),
		ProjectID:        s.ProjectID,
		RepoName:         s.RepoName,
		FullPath:         s.FullPath,
		ArtifactName:     s.ArtifactName,
		Sha256:           s.Sha256,
		PlanID:           s.PlanID,
		Scanner:          s.Scanner,
		LatestSubtaskID:  s.ID,
		ParentTaskID:     s.ParentTaskID,
		Status:           status,
		Overview:         maps.Clone(overview),
		QualityPass:      qualityPass,
		ModifiedBy:       modifiedBy,
		LastModifiedDate: now,
	}
}

// FileScanResult is the latest successful scan summary of a file for a scanner.
type FileScanResult struct {
	CredentialsKey   *string
	Sha256           string
	Scanner          string
	ScannerType      string
	ScannerVersion   string
	ParentTaskID     uuid.UUID
	Overview         map[string]any
	StartDateTime    time.Time
	FinishedDateTime time.Time
}

// ResultDetail is the de-duplicated raw output of the latest successful scan
// of a file by one scanner.
type ResultDetail struct {
	CredentialsKey *string
	Sha256         string
	Scanner        string
	ScannerType    string
	Findings       map[string]any
	SavedAt        time.Time
}
