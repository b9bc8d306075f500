// Package scanning provides domain types and interfaces for orchestrating artifact
// scans across a fleet of scanner workers. Workers coordinate exclusively through
// conditional writes against the store; the interfaces below describe those
// primitives and the collaborators the engine calls synchronously.
package scanning

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubtaskUpdate describes a conditional sub-task update. It is applied only
// if the stored status and last-modified token still equal the expected pair.
type SubtaskUpdate struct {
	ID                   uuid.UUID
	ExpectedStatus       SubtaskStatus
	ExpectedLastModified time.Time

	Status            SubtaskStatus
	IncrementExecuted bool
	// StartDateTime and TimeoutDateTime are only written when non-nil.
	StartDateTime   *time.Time
	TimeoutDateTime *time.Time
	// ClearTimeout drops the claim deadline; a new one is set once execution starts.
	ClearTimeout bool
	Now          time.Time
}

// SubtaskOutcome is the contribution of one finalized sub-task to its parent.
type SubtaskOutcome struct {
	Success  bool
	Passed   bool
	Overview map[string]any
	Now      time.Time
}

// TaskRepository persists parent tasks. Counter updates are only issued by the
// result pipeline inside a unit of work.
type TaskRepository interface {
	Create(ctx context.Context, task *ScanTask) error
	Get(ctx context.Context, id uuid.UUID) (*ScanTask, error)

	// CompareAndSetStatus moves the task to status only if its stored status and
	// last-modified token still equal the expected values.
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected TaskStatus, expectedLastModified time.Time, status TaskStatus, now time.Time) (bool, error)

	// TransitionStatus moves the task to status only if its stored status is one of from.
	TransitionStatus(ctx context.Context, id uuid.UUID, from []TaskStatus, status TaskStatus, now time.Time) (bool, error)

	// AddSubtasks grows total and scanning by n as the dispatcher submits work.
	AddSubtasks(ctx context.Context, id uuid.UUID, n int64, now time.Time) error

	// ApplyOutcome decrements scanning and increments scanned plus either passed
	// or failed in a single statement.
	ApplyOutcome(ctx context.Context, id uuid.UUID, outcome SubtaskOutcome) error

	// FinishIfComplete is the completion CAS: SCANNING_SUBMITTED with
	// scanned == total becomes FINISHED. It succeeds at most once per task.
	FinishIfComplete(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)

	SetStartedIfUnset(ctx context.Context, id uuid.UUID, at time.Time) error

	// FindExpired returns the unfinished task least recently modified, provided
	// it was not modified since before.
	FindExpired(ctx context.Context, before time.Time) (*ScanTask, error)

	// Reset reverts an expired task to PENDING with zeroed counters, conditioned
	// on its last-modified token. It returns nil when the condition failed.
	Reset(ctx context.Context, id uuid.UUID, expectedLastModified time.Time, now time.Time) (*ScanTask, error)

	ListUnfinished(ctx context.Context, projectID string, planID uuid.UUID) ([]*ScanTask, error)
}

// SubtaskRepository persists active sub-tasks. Terminal sub-tasks never live here.
type SubtaskRepository interface {
	Create(ctx context.Context, subtasks ...*SubScanTask) error
	Get(ctx context.Context, id uuid.UUID) (*SubScanTask, error)

	// FirstCreated returns the oldest CREATED sub-task whose parent is not
	// stopping, or nil when there is none.
	FirstCreated(ctx context.Context) (*SubScanTask, error)

	// FirstTimedOut returns the oldest claimable sub-task whose deadline is
	// before now, or that was claimed without a deadline and sat idle since
	// idleBefore. Parents that are stopping are skipped.
	FirstTimedOut(ctx context.Context, now, idleBefore time.Time) (*SubScanTask, error)

	CompareAndSet(ctx context.Context, update SubtaskUpdate) (bool, error)

	// Delete removes a sub-task and reports how many rows were removed. A zero
	// count means another caller already finalized it.
	Delete(ctx context.Context, id uuid.UUID) (int64, error)

	ListByParent(ctx context.Context, parentID uuid.UUID) ([]*SubScanTask, error)
	DeleteByParent(ctx context.Context, parentID uuid.UUID) (int64, error)

	// ListBlockedBefore returns BLOCKED sub-tasks not modified since before.
	ListBlockedBefore(ctx context.Context, before time.Time, limit int) ([]*SubScanTask, error)

	// FirstBlocked returns the oldest BLOCKED sub-task of a project.
	FirstBlocked(ctx context.Context, projectID string) (*SubScanTask, error)

	// CountByProject counts the sub-tasks of a project in the given statuses.
	CountByProject(ctx context.Context, projectID string, statuses ...SubtaskStatus) (int64, error)
}

// ArchiveRepository stores the append-only transition history of sub-tasks.
type ArchiveRepository interface {
	Save(ctx context.Context, record *ArchiveRecord) error
	ListBySubtask(ctx context.Context, subtaskID uuid.UUID) ([]*ArchiveRecord, error)
	DeleteByParent(ctx context.Context, parentID uuid.UUID) (int64, error)
}

// LatestArtifactRepository maintains the latest-outcome-per-artifact projection.
type LatestArtifactRepository interface {
	// Upsert points the projection row of the artifact at a new sub-task.
	Upsert(ctx context.Context, row *LatestArtifact) error

	// UpdateBySubtask overwrites the outcome of the row pointing at the sub-task.
	UpdateBySubtask(ctx context.Context, row *LatestArtifact) error

	Get(ctx context.Context, projectID string, id uuid.UUID) (*LatestArtifact, error)
}

// FileResultRepository stores per-file scan summaries of successful scans.
type FileResultRepository interface {
	Upsert(ctx context.Context, result *FileScanResult) error
	Get(ctx context.Context, credentialsKey *string, sha256, scanner string) (*FileScanResult, error)
}

// ResultDetailRepository keeps the detailed findings of the latest scan of a file.
type ResultDetailRepository interface {
	Upsert(ctx context.Context, detail *ResultDetail) error
	Get(ctx context.Context, credentialsKey *string, sha256, scanner string) (*ResultDetail, error)
}

// PlanRepository reads scan plans and keeps their latest task pointer.
type PlanRepository interface {
	Create(ctx context.Context, plan *ScanPlan) error
	Get(ctx context.Context, id uuid.UUID) (*ScanPlan, error)
	// GetOrCreateDefault returns the default plan of a project for a repository type and scanner.
	GetOrCreateDefault(ctx context.Context, projectID, planType, scanner string, now time.Time) (*ScanPlan, error)
	UpdateLatestTaskID(ctx context.Context, planID, taskID uuid.UUID) error
}

// Repositories groups the stores that a unit of work mutates together.
type Repositories interface {
	Tasks() TaskRepository
	Subtasks() SubtaskRepository
	Archives() ArchiveRepository
	LatestArtifacts() LatestArtifactRepository
	FileResults() FileResultRepository
	ResultDetails() ResultDetailRepository
	Plans() PlanRepository
}

// Store is the persistent store shared by every node. WithinTx runs fn as one
// all-or-nothing unit: if fn returns an error none of its writes are visible.
type Store interface {
	Repositories
	WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}

// Dispatcher decomposes tasks into sub-tasks. It stands in for the external
// enumerator: the engine only hands tasks to it and wakes it up.
type Dispatcher interface {
	// Dispatch decomposes a PENDING task into sub-tasks.
	Dispatch(ctx context.Context, task *ScanTask) error

	// NotifyCapacity hints that a project finished a sub-task and may run another.
	NotifyCapacity(ctx context.Context, projectID string)

	// Enqueue hands a timed-out sub-task to a dispatch queue. It reports whether
	// the sub-task was accepted.
	Enqueue(ctx context.Context, subtask *SubScanTask) (bool, error)
}

// ScannerRegistry resolves scanners by name.
type ScannerRegistry interface {
	Get(name string) (Scanner, error)
}

// QualityGate evaluates a plan's red-lines against a scan overview. Values that
// are not numeric are ignored.
type QualityGate interface {
	Evaluate(ctx context.Context, planID uuid.UUID, overview map[string]any) (bool, error)
}

// MetricsRecorder receives life-cycle measurements.
type MetricsRecorder interface {
	TaskStatusChange(ctx context.Context, old, new TaskStatus)
	SubtaskStatusChange(ctx context.Context, old, new SubtaskStatus)
	RecordDuration(ctx context.Context, fullPath string, size int64, scanner string, d time.Duration)
	IncTaskCount(ctx context.Context, status TaskStatus)
}

// PermissionAction is the access level an intake check requires.
type PermissionAction string

const (
	PermissionRead   PermissionAction = "READ"
	PermissionManage PermissionAction = "MANAGE"
)

// PermissionChecker is consulted at intake only.
type PermissionChecker interface {
	CheckProject(ctx context.Context, projectID string, action PermissionAction, userID string) error
	CheckRepos(ctx context.Context, projectID string, repos []string, action PermissionAction, userID string) error
}

// Converter turns raw scanner output into the scanner-agnostic overview.
type Converter interface {
	// Distinct removes duplicated findings from raw output in place.
	Distinct(raw map[string]any)
	ConvertOverview(raw map[string]any) (map[string]any, error)
}

// ResultManager persists detailed scanner output.
type ResultManager interface {
	Save(ctx context.Context, credentialsKey *string, sha256 string, scanner Scanner, raw map[string]any) error
}

// ConverterRegistry resolves the converter of a scanner type.
type ConverterRegistry interface {
	Converter(scannerType string) (Converter, bool)
}

// ResultManagerRegistry resolves the result manager of a scanner type.
type ResultManagerRegistry interface {
	ResultManager(scannerType string) (ResultManager, bool)
}
