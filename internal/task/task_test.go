package task

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPriority(t *testing.T) {
	tests := []struct {
		priority Priority
		name     string
		valid    bool
	}{
		{PriorityLow, "LOW", true},
		{PriorityNormal, "NORMAL", true},
		{PriorityHigh, "HIGH", true},
		{PriorityUrgent, "URGENT", true},
		{Priority(0), "Priority(0)", false},
		{Priority(5), "Priority(5)", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.priority.String())
			assert.Equal(t, tt.valid, tt.priority.Valid())
		})
	}

	assert.Less(t, PriorityLow, PriorityNormal)
	assert.Less(t, PriorityHigh, PriorityUrgent)
	assert.Equal(t, 4, int(PriorityUrgent))
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	terminal := map[TaskStatus]bool{
		TaskStatusPending:   false,
		TaskStatusRunning:   false,
		TaskStatusCompleted: true,
		TaskStatusFailed:    true,
		TaskStatusCancelled: true,
		TaskStatusTimeout:   true,
	}
	for status, want := range terminal {
		assert.Equal(t, want, status.IsTerminal(), string(status))
	}
}

func TestTask_Timings(t *testing.T) {
	created := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	task := &Task{CreatedAt: created}

	assert.Zero(t, task.WaitTime())
	assert.Zero(t, task.ExecutionTime())

	task.StartedAt = created.Add(2 * time.Second)
	assert.Equal(t, 2*time.Second, task.WaitTime())
	assert.Zero(t, task.ExecutionTime())

	task.CompletedAt = task.StartedAt.Add(500 * time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, task.ExecutionTime())
}

func TestNewSubmitOptions(t *testing.T) {
	defaults := NewSubmitOptions()
	assert.Equal(t, PriorityNormal, defaults.Priority)
	assert.Equal(t, DefaultMaxRetries, defaults.MaxRetries)
	assert.Zero(t, defaults.Timeout)
	assert.Empty(t, defaults.TaskID)
	assert.NotNil(t, defaults.Metadata)

	shared := map[string]string{"batch_id": "b1"}
	opts := NewSubmitOptions(
		WithPriority(PriorityHigh),
		WithTimeout(time.Minute),
		WithMaxRetries(-1),
		WithTaskID("custom"),
		WithMetadata(shared),
		WithMetadata(map[string]string{"agent_name": "parser"}),
	)
	assert.Equal(t, PriorityHigh, opts.Priority)
	assert.Equal(t, time.Minute, opts.Timeout)
	assert.Equal(t, 0, opts.MaxRetries)
	assert.Equal(t, "custom", opts.TaskID)
	assert.Equal(t, map[string]string{"batch_id": "b1", "agent_name": "parser"}, opts.Metadata)

	opts.Metadata["batch_id"] = "changed"
	assert.Equal(t, "b1", shared["batch_id"])
}

func TestNewTaskID(t *testing.T) {
	seen := make(map[string]struct{})
	for range 1000 {
		id := newTaskID()
		assert.Regexp(t, `^task_\d+_[0-9a-f]{8}$`, id)
		_, dup := seen[id]
		assert.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestNewFailedTask(t *testing.T) {
	cause := errors.New("lost")
	task := NewFailedTask("t-1", cause, map[string]string{"batch_id": "b"})

	assert.Equal(t, "t-1", task.ID)
	assert.Equal(t, TaskStatusFailed, task.Status)
	assert.True(t, task.IsTerminal())
	assert.ErrorIs(t, task.Err, cause)
	assert.Equal(t, "b", task.Metadata["batch_id"])
}
