package task

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks in the queue. Higher values are dequeued first.
type Priority int

// Priority levels, lowest to highest.
const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// priorities lists every level from highest to lowest, the order the queue drains them in.
var priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// String returns the upper-case level name used in logs and metric labels.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityUrgent:
		return "URGENT"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the four defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

// Task status constants
const (
	// TaskStatusPending indicates the task is waiting in the queue
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusRunning indicates a worker is executing the task
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusCompleted indicates the task finished successfully
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed indicates the task failed and will not be retried
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusCancelled is reserved for callers that abandon a task
	TaskStatusCancelled TaskStatus = "cancelled"

	// TaskStatusTimeout indicates the task exceeded its execution deadline
	TaskStatusTimeout TaskStatus = "timeout"
)

// IsTerminal reports whether no further transitions can happen from s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimeout:
		return true
	default:
		return false
	}
}

// Work is the unit of computation carried by a task.
type Work interface {
	Execute(ctx context.Context) (any, error)
}

// AsyncWork is cooperative work. It runs on the worker goroutine and is
// expected to return promptly once ctx is done.
type AsyncWork func(ctx context.Context) (any, error)

// Execute implements Work.
func (w AsyncWork) Execute(ctx context.Context) (any, error) {
	return w(ctx)
}

// SyncWork is blocking work that cannot observe a context. The pool runs it
// on a separate goroutine and stops waiting for it when the deadline passes.
type SyncWork func() (any, error)

// Execute implements Work.
func (w SyncWork) Execute(context.Context) (any, error) {
	return w()
}

// Task is a single unit of work together with its scheduling and outcome data.
//
// A Task is owned by the pool that accepted it. Once its status is terminal
// the record is no longer modified and may be read freely.
type Task struct {
	ID         string
	Work       Work
	Priority   Priority
	Timeout    time.Duration
	RetryCount int
	MaxRetries int
	Status     TaskStatus

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	Result any
	Err    error

	Metadata map[string]string
}

// ExecutionTime returns how long the last attempt ran, or zero if it has
// not both started and finished.
func (t *Task) ExecutionTime() time.Duration {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// WaitTime returns how long the task waited before its last attempt started.
func (t *Task) WaitTime() time.Duration {
	if t.StartedAt.IsZero() {
		return 0
	}
	return t.StartedAt.Sub(t.CreatedAt)
}

// IsTerminal reports whether the task has reached a final status.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// NewFailedTask builds a terminal failed record for a task whose real
// outcome could not be obtained.
func NewFailedTask(id string, err error, metadata map[string]string) *Task {
	now := time.Now()
	return &Task{
		ID:          id,
		Priority:    PriorityNormal,
		Status:      TaskStatusFailed,
		CreatedAt:   now,
		CompletedAt: now,
		Err:         err,
		Metadata:    maps.Clone(metadata),
	}
}

// SubmitOptions carries the per-task settings accepted by SubmitTask.
type SubmitOptions struct {
	Priority   Priority
	Timeout    time.Duration
	MaxRetries int
	TaskID     string
	Metadata   map[string]string
}

// SubmitOption customizes a submission.
type SubmitOption func(*SubmitOptions)

// DefaultMaxRetries is the retry budget given to tasks that do not set one.
const DefaultMaxRetries = 3

// NewSubmitOptions applies opts over the defaults: NORMAL priority, the
// pool's worker timeout and DefaultMaxRetries.
func NewSubmitOptions(opts ...SubmitOption) SubmitOptions {
	o := SubmitOptions{
		Priority:   PriorityNormal,
		MaxRetries: DefaultMaxRetries,
		Metadata:   map[string]string{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithPriority sets the queue priority.
func WithPriority(p Priority) SubmitOption {
	return func(o *SubmitOptions) { o.Priority = p }
}

// WithTimeout sets the per-attempt execution deadline. Zero keeps the pool default.
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *SubmitOptions) { o.Timeout = d }
}

// WithMaxRetries sets how many times a failed attempt is re-enqueued.
func WithMaxRetries(n int) SubmitOption {
	return func(o *SubmitOptions) { o.MaxRetries = max(n, 0) }
}

// WithTaskID supplies an explicit task id instead of a generated one.
func WithTaskID(id string) SubmitOption {
	return func(o *SubmitOptions) { o.TaskID = id }
}

// WithMetadata merges md into the task metadata.
func WithMetadata(md map[string]string) SubmitOption {
	return func(o *SubmitOptions) {
		if o.Metadata == nil {
			o.Metadata = make(map[string]string, len(md))
		}
		maps.Copy(o.Metadata, md)
	}
}

// newTaskID returns a unique id made of a microsecond timestamp and a short
// random suffix.
func newTaskID() string {
	return fmt.Sprintf("task_%d_%s", time.Now().UnixMicro(), uuid.NewString()[:8])
}
