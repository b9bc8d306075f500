// Package memory provides an in-memory implementation of the scanning store for
// tests and single node development. A unit of work holds the store lock for
// its whole duration and restores a snapshot when it fails.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/artifact-analyst/internal/domain/scanning"
)

var _ scanning.Store = (*Store)(nil)

type fileResultKey struct {
	credentialsKey string
	sha256         string
	scanner        string
}

type latestKey struct {
	projectID string
	repoName  string
	fullPath  string
	planID    uuid.UUID
	scanner   string
}

// data is everything a unit of work may roll back.
type data struct {
	tasks       map[uuid.UUID]*scanning.ScanTask
	subtasks    map[uuid.UUID]*scanning.SubScanTask
	archives    []*scanning.ArchiveRecord
	latest      map[latestKey]*scanning.LatestArtifact
	fileResults map[fileResultKey]*scanning.FileScanResult
	details     map[fileResultKey]*scanning.ResultDetail
	plans       map[uuid.UUID]*scanning.ScanPlan
}

func newData() *data {
	return &data{
		tasks:       make(map[uuid.UUID]*scanning.ScanTask),
		subtasks:    make(map[uuid.UUID]*scanning.SubScanTask),
		latest:      make(map[latestKey]*scanning.LatestArtifact),
		fileResults: make(map[fileResultKey]*scanning.FileScanResult),
		details:     make(map[fileResultKey]*scanning.ResultDetail),
		plans:       make(map[uuid.UUID]*scanning.ScanPlan),
	}
}

func (d *data) clone() *data {
	c := newData()
	for id, t := range d.tasks {
		c.tasks[id] = t.Clone()
	}
	for id, s := range d.subtasks {
		c.subtasks[id] = s.Clone()
	}
	c.archives = slices.Clone(d.archives)
	for k, v := range d.latest {
		row := *v
		c.latest[k] = &row
	}
	for k, v := range d.fileResults {
		r := *v
		c.fileResults[k] = &r
	}
	for k, v := range d.details {
		r := *v
		c.details[k] = &r
	}
	for id, p := range d.plans {
		c.plans[id] = p.Clone()
	}
	return c
}

// Store is the in-memory scanning store.
type Store struct {
	mu sync.Mutex
	d  *data
	r  *repos
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	s := &Store{d: newData()}
	s.r = &repos{st: s}
	return s
}

// WithinTx runs fn while holding the store lock. If fn fails, every write it
// made is discarded.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, repos scanning.Repositories) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.d.clone()
	if err := fn(ctx, &repos{st: s, inTx: true}); err != nil {
		s.d = snapshot
		return err
	}
	return nil
}

func (s *Store) Tasks() scanning.TaskRepository                     { return taskRepo{s.r} }
func (s *Store) Subtasks() scanning.SubtaskRepository               { return subtaskRepo{s.r} }
func (s *Store) Archives() scanning.ArchiveRepository               { return archiveRepo{s.r} }
func (s *Store) LatestArtifacts() scanning.LatestArtifactRepository { return latestRepo{s.r} }
func (s *Store) FileResults() scanning.FileResultRepository         { return fileResultRepo{s.r} }
func (s *Store) ResultDetails() scanning.ResultDetailRepository     { return detailRepo{s.r} }
func (s *Store) Plans() scanning.PlanRepository                     { return planRepo{s.r} }

// repos locks the store per call unless it runs inside a unit of work.
type repos struct {
	st   *Store
	inTx bool
}

func (r *repos) lock() func() {
	if r.inTx {
		return func() {}
	}
	r.st.mu.Lock()
	return r.st.mu.Unlock
}

func (r *repos) Tasks() scanning.TaskRepository                     { return taskRepo{r} }
func (r *repos) Subtasks() scanning.SubtaskRepository               { return subtaskRepo{r} }
func (r *repos) Archives() scanning.ArchiveRepository               { return archiveRepo{r} }
func (r *repos) LatestArtifacts() scanning.LatestArtifactRepository { return latestRepo{r} }
func (r *repos) FileResults() scanning.FileResultRepository         { return fileResultRepo{r} }
func (r *repos) ResultDetails() scanning.ResultDetailRepository     { return detailRepo{r} }
func (r *repos) Plans() scanning.PlanRepository                     { return planRepo{r} }

// nextToken returns a last-modified value strictly after prev so that two
// writes within the same clock tick still invalidate each other's token.
func nextToken(prev, now time.Time) time.Time {
	now = now.Truncate(time.Microsecond)
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}

// ---------------------------------------------------------------------------
// tasks

type taskRepo struct{ r *repos }

func (t taskRepo) Create(_ context.Context, task *scanning.ScanTask) error {
	defer t.r.lock()()
	if _, ok := t.r.st.d.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	c := task.Clone()
	c.CreatedDate = c.CreatedDate.Truncate(time.Microsecond)
	c.LastModifiedDate = c.LastModifiedDate.Truncate(time.Microsecond)
	t.r.st.d.tasks[task.ID] = c
	task.LastModifiedDate = c.LastModifiedDate
	return nil
}

func (t taskRepo) Get(_ context.Context, id uuid.UUID) (*scanning.ScanTask, error) {
	defer t.r.lock()()
	task, ok := t.r.st.d.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, scanning.ErrNotFound)
	}
	return task.Clone(), nil
}

func (t taskRepo) CompareAndSetStatus(
	_ context.Context,
	id uuid.UUID,
	expected scanning.TaskStatus,
	expectedLastModified time.Time,
	status scanning.TaskStatus,
	now time.Time,
) (bool, error) {
	defer t.r.lock()()
	task, ok := t.r.st.d.tasks[id]
	if !ok || task.Status != expected || !task.LastModifiedDate.Equal(expectedLastModified) {
		return false, nil
	}
	t.setStatus(task, status, now)
	return true, nil
}

func (t taskRepo) TransitionStatus(_ context.Context, id uuid.UUID, from []scanning.TaskStatus, status scanning.TaskStatus, now time.Time) (bool, error) {
	defer t.r.lock()()
	task, ok := t.r.st.d.tasks[id]
	if !ok || !slices.Contains(from, task.Status) {
		return false, nil
	}
	t.setStatus(task, status, now)
	return true, nil
}

func (taskRepo) setStatus(task *scanning.ScanTask, status scanning.TaskStatus, now time.Time) {
	task.Status = status
	task.LastModifiedDate = nextToken(task.LastModifiedDate, now)
	if status.IsFinished() {
		f := now
		task.FinishedDateTime = &f
	}
}

func (t taskRepo) AddSubtasks(_ context.Context, id uuid.UUID, n int64, now time.Time) error {
	defer t.r.lock()()
	task, ok := t.r.st.d.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, scanning.ErrNotFound)
	}
	task.Total += n
	task.Scanning += n
	task.LastModifiedDate = nextToken(task.LastModifiedDate, now)
	return nil
}

func (t taskRepo) ApplyOutcome(_ context.Context, id uuid.UUID, outcome scanning.SubtaskOutcome) error {
	defer t.r.lock()()
	task, ok := t.r.st.d.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, scanning.ErrNotFound)
	}
	task.Scanning--
	task.Scanned++
	switch {
	case !outcome.Success:
		task.Failed++
	case outcome.Passed:
		task.Passed++
	}
	task.Overview = scanning.MergeOverview(task.Overview, outcome.Overview)
	task.LastModifiedDate = nextToken(task.LastModifiedDate, outcome.Now)
	return nil
}

func (t taskRepo) FinishIfComplete(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	defer t.r.lock()()
	task, ok := t.r.st.d.tasks[id]
	if !ok || !task.IsComplete() {
		return false, nil
	}
	t.setStatus(task, scanning.TaskStatusFinished, now)
	return true, nil
}

func (t taskRepo) SetStartedIfUnset(_ context.Context, id uuid.UUID, at time.Time) error {
	defer t.r.lock()()
	task, ok := t.r.st.d.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, scanning.ErrNotFound)
	}
	if task.StartDateTime == nil {
		a := at
		task.StartDateTime = &a
	}
	return nil
}

func (t taskRepo) FindExpired(_ context.Context, before time.Time) (*scanning.ScanTask, error) {
	defer t.r.lock()()
	var oldest *scanning.ScanTask
	for _, task := range t.r.st.d.tasks {
		if task.Status.IsFinished() {
			continue
		}
		if !task.LastModifiedDate.Before(before) {
			continue
		}
		if oldest == nil || task.LastModifiedDate.Before(oldest.LastModifiedDate) {
			oldest = task
		}
	}
	if oldest == nil {
		return nil, nil
	}
	return oldest.Clone(), nil
}

func (t taskRepo) Reset(_ context.Context, id uuid.UUID, expectedLastModified time.Time, now time.Time) (*scanning.ScanTask, error) {
	defer t.r.lock()()
	task, ok := t.r.st.d.tasks[id]
	if !ok || !task.LastModifiedDate.Equal(expectedLastModified) {
		return nil, nil
	}
	task.Status = scanning.TaskStatusPending
	task.Total, task.Scanning, task.Failed, task.Scanned, task.Passed = 0, 0, 0, 0, 0
	task.Overview = map[string]any{}
	task.StartDateTime = nil
	task.FinishedDateTime = nil
	task.LastModifiedDate = nextToken(task.LastModifiedDate, now)
	return task.Clone(), nil
}

func (t taskRepo) ListUnfinished(_ context.Context, projectID string, planID uuid.UUID) ([]*scanning.ScanTask, error) {
	defer t.r.lock()()
	var out []*scanning.ScanTask
	for _, task := range t.r.st.d.tasks {
		if task.ProjectID != projectID || task.PlanID == nil || *task.PlanID != planID || task.Status.IsFinished() {
			continue
		}
		out = append(out, task.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedDate.Before(out[j].CreatedDate) })
	return out, nil
}

// ---------------------------------------------------------------------------
// sub-tasks

type subtaskRepo struct{ r *repos }

func (s subtaskRepo) Create(_ context.Context, subtasks ...*scanning.SubScanTask) error {
	defer s.r.lock()()
	for _, st := range subtasks {
		if _, ok := s.r.st.d.subtasks[st.ID]; ok {
			return fmt.Errorf("subtask %s already exists", st.ID)
		}
	}
	for _, st := range subtasks {
		c := st.Clone()
		c.CreatedDate = c.CreatedDate.Truncate(time.Microsecond)
		c.LastModifiedDate = c.LastModifiedDate.Truncate(time.Microsecond)
		s.r.st.d.subtasks[st.ID] = c
		st.LastModifiedDate = c.LastModifiedDate
	}
	return nil
}

func (s subtaskRepo) Get(_ context.Context, id uuid.UUID) (*scanning.SubScanTask, error) {
	defer s.r.lock()()
	st, ok := s.r.st.d.subtasks[id]
	if !ok {
		return nil, fmt.Errorf("subtask %s: %w", id, scanning.ErrNotFound)
	}
	return st.Clone(), nil
}

func (s subtaskRepo) parentStopping(st *scanning.SubScanTask) bool {
	parent, ok := s.r.st.d.tasks[st.ParentTaskID]
	return ok && parent.Status.IsStopping()
}

// oldest returns the earliest created sub-task accepted by match.
func (s subtaskRepo) oldest(match func(*scanning.SubScanTask) bool) *scanning.SubScanTask {
	var found *scanning.SubScanTask
	for _, st := range s.r.st.d.subtasks {
		if !match(st) {
			continue
		}
		if found == nil || st.CreatedDate.Before(found.CreatedDate) ||
			(st.CreatedDate.Equal(found.CreatedDate) && st.ID.String() < found.ID.String()) {
			found = st
		}
	}
	if found == nil {
		return nil
	}
	return found.Clone()
}

func (s subtaskRepo) FirstCreated(_ context.Context) (*scanning.SubScanTask, error) {
	defer s.r.lock()()
	return s.oldest(func(st *scanning.SubScanTask) bool {
		return st.Status == scanning.SubtaskStatusCreated && !s.parentStopping(st)
	}), nil
}

func (s subtaskRepo) FirstTimedOut(_ context.Context, now, idleBefore time.Time) (*scanning.SubScanTask, error) {
	defer s.r.lock()()
	return s.oldest(func(st *scanning.SubScanTask) bool {
		if s.parentStopping(st) {
			return false
		}
		return timedOut(st, now, idleBefore)
	}), nil
}

// timedOut reports whether a sub-task may be reclaimed: its deadline elapsed,
// or it was claimed without ever starting and sat idle past the ceiling.
func timedOut(st *scanning.SubScanTask, now, idleBefore time.Time) bool {
	switch st.Status {
	case scanning.SubtaskStatusCreated, scanning.SubtaskStatusBlocked:
		return false
	}
	if st.TimeoutDateTime != nil {
		return st.TimeoutDateTime.Before(now)
	}
	return st.LastModifiedDate.Before(idleBefore)
}

func (s subtaskRepo) CompareAndSet(_ context.Context, u scanning.SubtaskUpdate) (bool, error) {
	defer s.r.lock()()
	st, ok := s.r.st.d.subtasks[u.ID]
	if !ok || st.Status != u.ExpectedStatus || !st.LastModifiedDate.Equal(u.ExpectedLastModified) {
		return false, nil
	}
	st.Status = u.Status
	if u.IncrementExecuted {
		st.ExecutedTimes++
	}
	if u.StartDateTime != nil {
		v := *u.StartDateTime
		st.StartDateTime = &v
	}
	switch {
	case u.TimeoutDateTime != nil:
		v := u.TimeoutDateTime.Truncate(time.Microsecond)
		st.TimeoutDateTime = &v
	case u.ClearTimeout:
		st.TimeoutDateTime = nil
	}
	st.LastModifiedDate = nextToken(st.LastModifiedDate, u.Now)
	return true, nil
}

func (s subtaskRepo) Delete(_ context.Context, id uuid.UUID) (int64, error) {
	defer s.r.lock()()
	if _, ok := s.r.st.d.subtasks[id]; !ok {
		return 0, nil
	}
	delete(s.r.st.d.subtasks, id)
	return 1, nil
}

func (s subtaskRepo) ListByParent(_ context.Context, parentID uuid.UUID) ([]*scanning.SubScanTask, error) {
	defer s.r.lock()()
	var out []*scanning.SubScanTask
	for _, st := range s.r.st.d.subtasks {
		if st.ParentTaskID == parentID {
			out = append(out, st.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s subtaskRepo) DeleteByParent(_ context.Context, parentID uuid.UUID) (int64, error) {
	defer s.r.lock()()
	var n int64
	for id, st := range s.r.st.d.subtasks {
		if st.ParentTaskID == parentID {
			delete(s.r.st.d.subtasks, id)
			n++
		}
	}
	return n, nil
}

func (s subtaskRepo) ListBlockedBefore(_ context.Context, before time.Time, limit int) ([]*scanning.SubScanTask, error) {
	defer s.r.lock()()
	var out []*scanning.SubScanTask
	for _, st := range s.r.st.d.subtasks {
		if st.Status == scanning.SubtaskStatusBlocked && st.LastModifiedDate.Before(before) {
			out = append(out, st.Clone())
		}
	}
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s subtaskRepo) FirstBlocked(_ context.Context, projectID string) (*scanning.SubScanTask, error) {
	defer s.r.lock()()
	return s.oldest(func(st *scanning.SubScanTask) bool {
		return st.ProjectID == projectID && st.Status == scanning.SubtaskStatusBlocked && !s.parentStopping(st)
	}), nil
}

func (s subtaskRepo) CountByProject(_ context.Context, projectID string, statuses ...scanning.SubtaskStatus) (int64, error) {
	defer s.r.lock()()
	var n int64
	for _, st := range s.r.st.d.subtasks {
		if st.ProjectID == projectID && (len(statuses) == 0 || slices.Contains(statuses, st.Status)) {
			n++
		}
	}
	return n, nil
}

func sortByCreated(s []*scanning.SubScanTask) {
	sort.Slice(s, func(i, j int) bool { return s[i].CreatedDate.Before(s[j].CreatedDate) })
}

// ---------------------------------------------------------------------------
// archives

type archiveRepo struct{ r *repos }

func (a archiveRepo) Save(_ context.Context, record *scanning.ArchiveRecord) error {
	defer a.r.lock()()
	c := *record
	c.Overview = maps.Clone(record.Overview)
	a.r.st.d.archives = append(a.r.st.d.archives, &c)
	return nil
}

func (a archiveRepo) ListBySubtask(_ context.Context, subtaskID uuid.UUID) ([]*scanning.ArchiveRecord, error) {
	defer a.r.lock()()
	var out []*scanning.ArchiveRecord
	for _, rec := range a.r.st.d.archives {
		if rec.Subtask.ID == subtaskID {
			c := *rec
			out = append(out, &c)
		}
	}
	return out, nil
}

func (a archiveRepo) DeleteByParent(_ context.Context, parentID uuid.UUID) (int64, error) {
	defer a.r.lock()()
	kept := a.r.st.d.archives[:0:0]
	var n int64
	for _, rec := range a.r.st.d.archives {
		if rec.Subtask.ParentTaskID == parentID {
			n++
			continue
		}
		kept = append(kept, rec)
	}
	a.r.st.d.archives = kept
	return n, nil
}

// ---------------------------------------------------------------------------
// latest artifact projection

type latestRepo struct{ r *repos }

func keyOf(row *scanning.LatestArtifact) latestKey {
	k := latestKey{projectID: row.ProjectID, repoName: row.RepoName, fullPath: row.FullPath, scanner: row.Scanner}
	if row.PlanID != nil {
		k.planID = *row.PlanID
	}
	return k
}

func (l latestRepo) Upsert(_ context.Context, row *scanning.LatestArtifact) error {
	defer l.r.lock()()
	k := keyOf(row)
	c := *row
	c.Overview = maps.Clone(row.Overview)
	if existing, ok := l.r.st.d.latest[k]; ok {
		c.ID = existing.ID
		row.ID = existing.ID
	}
	l.r.st.d.latest[k] = &c
	return nil
}

func (l latestRepo) UpdateBySubtask(_ context.Context, row *scanning.LatestArtifact) error {
	defer l.r.lock()()
	for _, existing := range l.r.st.d.latest {
		if existing.LatestSubtaskID != row.LatestSubtaskID {
			continue
		}
		existing.Status = row.Status
		existing.Overview = maps.Clone(row.Overview)
		existing.QualityPass = row.QualityPass
		existing.ModifiedBy = row.ModifiedBy
		existing.LastModifiedDate = row.LastModifiedDate
	}
	return nil
}

func (l latestRepo) Get(_ context.Context, projectID string, id uuid.UUID) (*scanning.LatestArtifact, error) {
	defer l.r.lock()()
	for _, row := range l.r.st.d.latest {
		if row.ID == id && row.ProjectID == projectID {
			c := *row
			c.Overview = maps.Clone(row.Overview)
			return &c, nil
		}
	}
	return nil, fmt.Errorf("latest artifact %s: %w", id, scanning.ErrNotFound)
}

// ---------------------------------------------------------------------------
// file results

type fileResultRepo struct{ r *repos }

func fileKey(credentialsKey *string, sha256, scanner string) fileResultKey {
	k := fileResultKey{sha256: sha256, scanner: scanner}
	if credentialsKey != nil {
		k.credentialsKey = *credentialsKey
	}
	return k
}

func (f fileResultRepo) Upsert(_ context.Context, result *scanning.FileScanResult) error {
	defer f.r.lock()()
	c := *result
	c.Overview = maps.Clone(result.Overview)
	f.r.st.d.fileResults[fileKey(result.CredentialsKey, result.Sha256, result.Scanner)] = &c
	return nil
}

func (f fileResultRepo) Get(_ context.Context, credentialsKey *string, sha256, scanner string) (*scanning.FileScanResult, error) {
	defer f.r.lock()()
	res, ok := f.r.st.d.fileResults[fileKey(credentialsKey, sha256, scanner)]
	if !ok {
		return nil, fmt.Errorf("file result %s: %w", sha256, scanning.ErrNotFound)
	}
	c := *res
	c.Overview = maps.Clone(res.Overview)
	return &c, nil
}

// ---------------------------------------------------------------------------
// result details

type detailRepo struct{ r *repos }

func (d detailRepo) Upsert(_ context.Context, detail *scanning.ResultDetail) error {
	defer d.r.lock()()
	c := *detail
	c.Findings = maps.Clone(detail.Findings)
	d.r.st.d.details[fileKey(detail.CredentialsKey, detail.Sha256, detail.Scanner)] = &c
	return nil
}

func (d detailRepo) Get(_ context.Context, credentialsKey *string, sha256, scanner string) (*scanning.ResultDetail, error) {
	defer d.r.lock()()
	res, ok := d.r.st.d.details[fileKey(credentialsKey, sha256, scanner)]
	if !ok {
		return nil, fmt.Errorf("result detail %s: %w", sha256, scanning.ErrNotFound)
	}
	c := *res
	c.Findings = maps.Clone(res.Findings)
	return &c, nil
}

// ---------------------------------------------------------------------------
// plans

type planRepo struct{ r *repos }

func (p planRepo) Create(_ context.Context, plan *scanning.ScanPlan) error {
	defer p.r.lock()()
	p.r.st.d.plans[plan.ID] = plan.Clone()
	return nil
}

func (p planRepo) Get(_ context.Context, id uuid.UUID) (*scanning.ScanPlan, error) {
	defer p.r.lock()()
	plan, ok := p.r.st.d.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", id, scanning.ErrNotFound)
	}
	return plan.Clone(), nil
}

func (p planRepo) GetOrCreateDefault(_ context.Context, projectID, planType, scanner string, now time.Time) (*scanning.ScanPlan, error) {
	defer p.r.lock()()
	for _, plan := range p.r.st.d.plans {
		if plan.ProjectID == projectID && plan.Type == planType && plan.Scanner == scanner && plan.Name == scanning.DefaultPlanName {
			return plan.Clone(), nil
		}
	}
	plan := &scanning.ScanPlan{
		ID:          uuid.New(),
		ProjectID:   projectID,
		Name:        scanning.DefaultPlanName,
		Type:        planType,
		Scanner:     scanner,
		Quality:     map[string]int64{},
		CreatedDate: now,
	}
	p.r.st.d.plans[plan.ID] = plan
	return plan.Clone(), nil
}

func (p planRepo) UpdateLatestTaskID(_ context.Context, planID, taskID uuid.UUID) error {
	defer p.r.lock()()
	plan, ok := p.r.st.d.plans[planID]
	if !ok {
		return fmt.Errorf("plan %s: %w", planID, scanning.ErrNotFound)
	}
	id := taskID
	plan.LatestScanTaskID = &id
	return nil
}
