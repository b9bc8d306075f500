package scanning

import (
	"time"

	"github.com/ahrav/artifact-analyst/internal/domain/events"
)

// Event types published by the orchestration engine.
const (
	EventTypeSubtaskStatusChanged events.EventType = "SubtaskStatusChanged"
	EventTypeTaskStatusChanged    events.EventType = "TaskStatusChanged"
)

// SubtaskStatusChangedEvent is published after a sub-task transition commits.
// Subtask carries the projection view of the sub-task in its new state.
type SubtaskStatusChangedEvent struct {
	occurredAt time.Time
	OldStatus  SubtaskStatus
	Subtask    LatestArtifact
}

func NewSubtaskStatusChangedEvent(old SubtaskStatus, subtask LatestArtifact) SubtaskStatusChangedEvent {
	return SubtaskStatusChangedEvent{
		occurredAt: time.Now(),
		OldStatus:  old,
		Subtask:    subtask,
	}
}

func (e SubtaskStatusChangedEvent) EventType() events.EventType { return EventTypeSubtaskStatusChanged }
func (e SubtaskStatusChangedEvent) OccurredAt() time.Time       { return e.occurredAt }

// TaskStatusChangedEvent is published when a parent task changes status, most
// importantly exactly once when it completes.
type TaskStatusChangedEvent struct {
	occurredAt time.Time
	OldStatus  TaskStatus
	Task       ScanTask
	Plan       *ScanPlan
}

func NewTaskStatusChangedEvent(old TaskStatus, task ScanTask, plan *ScanPlan) TaskStatusChangedEvent {
	return TaskStatusChangedEvent{
		occurredAt: time.Now(),
		OldStatus:  old,
		Task:       task,
		Plan:       plan,
	}
}

func (e TaskStatusChangedEvent) EventType() events.EventType { return EventTypeTaskStatusChanged }
func (e TaskStatusChangedEvent) OccurredAt() time.Time       { return e.occurredAt }
