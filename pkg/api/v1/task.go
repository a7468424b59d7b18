package v1

import (
	"strings"
	"time"
)

// TaskType is one of the three canonical pipeline stages.
type TaskType string

const (
	TaskTypeSpecification TaskType = "SPECIFICATION"
	TaskTypeBuild         TaskType = "BUILD"
	TaskTypeValidate      TaskType = "VALIDATE"
)

// ParseTaskType normalizes a case-insensitive task type string.
func ParseTaskType(s string) TaskType {
	return TaskType(strings.ToUpper(s))
}

// Valid reports whether the task type is a known pipeline stage.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeSpecification, TaskTypeBuild, TaskTypeValidate:
		return true
	}
	return false
}

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskStatePending   TaskState = "PENDING"
	TaskStateAssigned  TaskState = "ASSIGNED"
	TaskStateExecuting TaskState = "EXECUTING"
	TaskStateCompleted TaskState = "COMPLETED"
	TaskStateFailed    TaskState = "FAILED"
	TaskStateCancelled TaskState = "CANCELLED"
)

// Terminal reports whether no further transitions are permitted.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	}
	return false
}

// TaskPriority orders tasks waiting for agent capacity.
type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityMedium   TaskPriority = "medium"
	PriorityLow      TaskPriority = "low"
)

// Weight maps a priority to a sortable integer; higher runs first.
func (p TaskPriority) Weight() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Artifact is an opaque descriptor carried in messages and task records.
// The URI is resolvable by every component, typically a path under the
// shared directory.
type Artifact struct {
	Label string `json:"label"`
	URI   string `json:"uri"`
}

// HistoryEntry records one task state transition.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	State     TaskState `json:"state"`
	Detail    string    `json:"detail,omitempty"`
}

// Task is a unit of coordinated work owned by the task registry.
type Task struct {
	ID           string         `json:"id"`
	Type         TaskType       `json:"type"`
	State        TaskState      `json:"state"`
	Assignee     string         `json:"assignee,omitempty"`
	ParentTask   string         `json:"parent_task,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Priority     TaskPriority   `json:"priority"`
	Submitter    string         `json:"submitter,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	Artifacts    []Artifact     `json:"artifacts,omitempty"`
	History      []HistoryEntry `json:"history,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastUpdateAt time.Time      `json:"last_update_at"`
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Artifacts != nil {
		cp.Artifacts = append([]Artifact(nil), t.Artifacts...)
	}
	if t.History != nil {
		cp.History = append([]HistoryEntry(nil), t.History...)
	}
	if t.Payload != nil {
		cp.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}
