package queue

import (
	"fmt"
	"time"

	"github.com/mkrh/fleetd/internal/task"
)

// Priority orders tasks for dequeue. High beats normal beats low.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	}
	return "unknown"
}

// ParsePriority converts a wire string into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityNormal, fmt.Errorf("invalid priority %q", s)
}

// Status tracks where a queued task is in its lifecycle.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// QueuedTask wraps a task with its scheduling state. Instances are owned
// by the TaskQueue; callers receive snapshots or read them under the
// queue's supervision.
//
// Invariant: AssignedWorker is non-empty iff Status is assigned or
// in_progress.
type QueuedTask struct {
	Task           task.Task      `json:"task"`
	Priority       Priority       `json:"priority"`
	Status         Status         `json:"status"`
	QueuedAt       time.Time      `json:"queued_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	AssignedWorker string         `json:"assigned_worker,omitempty"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	Timeout        time.Duration  `json:"timeout"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// promote decides the priority a task re-enters the queue with after a
// failed attempt. Retried work always jumps to high so it gets
// re-examined quickly; keeping the rule in one place makes it easy to
// soften later.
func promote(_ Priority, _ int) Priority {
	return PriorityHigh
}

// TaskSnapshot is the read-only status record returned to callers.
type TaskSnapshot struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Priority       string     `json:"priority"`
	Status         Status     `json:"status"`
	AssignedWorker string     `json:"assigned_worker,omitempty"`
	RetryCount     int        `json:"retry_count"`
	QueuedAt       time.Time  `json:"queued_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}
