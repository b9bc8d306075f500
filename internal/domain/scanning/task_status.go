package scanning

// TaskStatus represents the life-cycle state of a parent scan task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task was created and waits for the
	// dispatcher to decompose it into sub-tasks.
	TaskStatusPending TaskStatus = "PENDING"

	// TaskStatusSubmitting indicates the dispatcher is still creating sub-tasks.
	TaskStatusSubmitting TaskStatus = "SCANNING_SUBMITTING"

	// TaskStatusSubmitted indicates every sub-task has been created. Only a
	// submitted task can complete.
	TaskStatusSubmitted TaskStatus = "SCANNING_SUBMITTED"

	// TaskStatusStopping is the cooperative pre-terminal signal set by a stop
	// request. It prevents new claims and new submissions.
	TaskStatusStopping TaskStatus = "STOPPING"

	// TaskStatusStopped indicates the task was stopped and drained.
	TaskStatusStopped TaskStatus = "STOPPED"

	// TaskStatusFinished indicates every sub-task of the task was finalized.
	TaskStatusFinished TaskStatus = "FINISHED"
)

// String returns the string representation of the TaskStatus.
func (s TaskStatus) String() string { return string(s) }

// IsFinished reports whether no further transitions are possible.
func (s TaskStatus) IsFinished() bool {
	return s == TaskStatusStopped || s == TaskStatusFinished
}

// IsStopping reports whether a stop was requested or already applied. Sub-tasks
// of such a task must not be handed to workers.
func (s TaskStatus) IsStopping() bool {
	return s == TaskStatusStopping || s == TaskStatusStopped
}

// ParseTaskStatus converts a stored string to a TaskStatus. It returns false
// for unknown values.
func ParseTaskStatus(s string) (TaskStatus, bool) {
	switch st := TaskStatus(s); st {
	case TaskStatusPending, TaskStatusSubmitting, TaskStatusSubmitted,
		TaskStatusStopping, TaskStatusStopped, TaskStatusFinished:
		return st, true
	default:
		return "", false
	}
}

// SubtaskStatus represents the state of a single unit of scan work.
type SubtaskStatus string

const (
	// SubtaskStatusBlocked indicates the project reached its concurrency quota;
	// the sub-task waits for capacity before it becomes claimable.
	SubtaskStatusBlocked SubtaskStatus = "BLOCKED"

	// SubtaskStatusCreated indicates the sub-task is waiting to be claimed.
	SubtaskStatusCreated SubtaskStatus = "CREATED"

	// SubtaskStatusEnqueued indicates a timed-out sub-task was handed back to a
	// dispatch queue.
	SubtaskStatusEnqueued SubtaskStatus = "ENQUEUED"

	// SubtaskStatusPulled indicates a worker claimed the sub-task.
	SubtaskStatusPulled SubtaskStatus = "PULLED"

	// SubtaskStatusExecuting indicates the worker started the scan.
	SubtaskStatusExecuting SubtaskStatus = "EXECUTING"

	SubtaskStatusSuccess      SubtaskStatus = "SUCCESS"
	SubtaskStatusFailed       SubtaskStatus = "FAILED"
	SubtaskStatusTimeout      SubtaskStatus = "TIMEOUT"
	SubtaskStatusStopped      SubtaskStatus = "STOPPED"
	SubtaskStatusBlockTimeout SubtaskStatus = "BLOCK_TIMEOUT"
)

// String returns the string representation of the SubtaskStatus.
func (s SubtaskStatus) String() string { return string(s) }

// IsTerminal reports whether the status finalizes a sub-task. Terminal
// sub-tasks only exist as archive records.
func (s SubtaskStatus) IsTerminal() bool {
	switch s {
	case SubtaskStatusSuccess, SubtaskStatusFailed, SubtaskStatusTimeout,
		SubtaskStatusStopped, SubtaskStatusBlockTimeout:
		return true
	default:
		return false
	}
}

// ParseSubtaskStatus converts a stored or reported string to a SubtaskStatus.
func ParseSubtaskStatus(s string) (SubtaskStatus, bool) {
	switch st := SubtaskStatus(s); st {
	case SubtaskStatusBlocked, SubtaskStatusCreated, SubtaskStatusEnqueued,
		SubtaskStatusPulled, SubtaskStatusExecuting:
		return st, true
	default:
		if st.IsTerminal() {
			return st, true
		}
		return "", false
	}
}
