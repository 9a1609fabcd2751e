package models

import (
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusActive    TaskStatus = "active"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusBlocked   TaskStatus = "blocked"
	// TaskStatusContainer is structural: a task acquires it when it gains
	// subtasks and keeps it for life. It is never requested directly.
	TaskStatusContainer TaskStatus = "container"
)

type TaskType string

const (
	TaskTypeFeature  TaskType = "feature"
	TaskTypeBugfix   TaskType = "bugfix"
	TaskTypeRefactor TaskType = "refactor"
	TaskTypeTest     TaskType = "test"
	TaskTypeDocs     TaskType = "docs"
)

// Progress values contributed by each leaf status when a container's
// aggregate is computed.
const (
	ProgressCompleted = 100.0
	ProgressActive    = 50.0
	ProgressBlocked   = 0.0
	ProgressPending   = 0.0
)

// Context carries the requirements a task was created with. It is merged
// from the parent (or session) at creation time and never silently
// overwritten afterwards.
type Context struct {
	Requirements  []string `json:"requirements"`
	Scope         []string `json:"scope"`
	Acceptance    []string `json:"acceptance"`
	InheritedFrom *string  `json:"inherited_from"`
}

// Relations describes a task's position in the hierarchy and its
// dependency edges. Parent and Subtasks are derived from the dotted id
// structure when a task is loaded.
type Relations struct {
	Parent       *string  `json:"parent"`
	Subtasks     []string `json:"subtasks"`
	Dependencies []string `json:"dependencies"`
}

// Execution is bookkeeping about attempts by external executors. The
// engine never enforces timeouts; it only records.
type Execution struct {
	Attempts    int        `json:"attempts"`
	LastAttempt *time.Time `json:"last_attempt"`
}

// Task is a unit of work keyed by a dot-delimited hierarchical id
// (T1, T1.2, T1.2.1). Depth is capped at 3.
type Task struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	Title         string     `json:"title"`
	Status        TaskStatus `json:"status"`
	Type          TaskType   `json:"type"`
	Executor      string     `json:"executor"`
	Context       Context    `json:"context"`
	Relations     Relations  `json:"relations"`
	Progress      float64    `json:"progress"`
	BlockedReason *string    `json:"blocked_reason,omitempty"`
	Execution     Execution  `json:"execution"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsContainer reports whether the task has subtasks.
func (t *Task) IsContainer() bool {
	return len(t.Relations.Subtasks) > 0
}

// Resolved reports whether the task counts as done for dependency
// unblocking and session completion. A leaf resolves by reaching
// completed; a container's status stays "container" for life, so it
// resolves through derived progress hitting 100.
func (t *Task) Resolved() bool {
	if t.Status == TaskStatusCompleted {
		return true
	}
	return t.Status == TaskStatusContainer && t.Progress >= ProgressCompleted
}

// Depth returns the hierarchy depth encoded in a dotted task id
// (Depth("T1.2.1") == 3).
func Depth(id string) int {
	if id == "" {
		return 0
	}
	return strings.Count(id, ".") + 1
}

// ParentID returns the id of the parent encoded in a dotted task id, or
// "" for a top-level task.
func ParentID(id string) string {
	i := strings.LastIndex(id, ".")
	if i < 0 {
		return ""
	}
	return id[:i]
}

// StatusProgress maps a leaf status to its progress contribution.
func StatusProgress(s TaskStatus) float64 {
	switch s {
	case TaskStatusCompleted:
		return ProgressCompleted
	case TaskStatusActive:
		return ProgressActive
	default:
		return ProgressPending
	}
}
