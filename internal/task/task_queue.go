package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Common errors returned by the PriorityQueue
var (
	ErrQueueFull       = errors.New("task queue is full")
	ErrInvalidPriority = errors.New("invalid task priority")
)

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	TotalEnqueued        uint64         `json:"total_enqueued"`
	TotalDequeued        uint64         `json:"total_dequeued"`
	TotalDropped         uint64         `json:"total_dropped"`
	CurrentSize          int            `json:"current_size"`
	MaxSize              int            `json:"max_size"`
	PriorityDistribution map[string]int `json:"priority_distribution"`
}

// PriorityQueue is a bounded queue that always yields the oldest task of the
// highest non-empty priority. A non-positive max size makes it unbounded.
//
// All operations serialize on a single mutex. Blocking producers and
// consumers wait on condition variables tied to that mutex and are woken
// when their context is done.
type PriorityQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	// buckets holds one FIFO per priority level, indexed by Priority
	buckets [PriorityUrgent + 1][]*Task
	size    int
	maxSize int

	enqueued uint64
	dequeued uint64
	dropped  uint64

	logger *slog.Logger
}

// NewPriorityQueue creates a queue holding at most maxSize tasks.
func NewPriorityQueue(maxSize int, logger *slog.Logger) *PriorityQueue {
	q := &PriorityQueue{
		maxSize: maxSize,
		logger:  logger,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

func (q *PriorityQueue) fullLocked() bool {
	return q.maxSize > 0 && q.size >= q.maxSize
}

// wakeOnDone broadcasts cond once ctx is done so waiters re-check their
// context. Calling the returned func unregisters the wakeup.
func (q *PriorityQueue) wakeOnDone(ctx context.Context, cond *sync.Cond) func() bool {
	return context.AfterFunc(ctx, func() {
		q.mu.Lock()
		cond.Broadcast()
		q.mu.Unlock()
	})
}

// Put inserts task behind every queued task of the same priority.
//
// When the queue is full and block is false the task is dropped: Put
// returns false and the drop counter is incremented. When block is true
// Put waits for space until ctx is done and then returns ctx's error.
func (q *PriorityQueue) Put(ctx context.Context, task *Task, block bool) (bool, error) {
	if !task.Priority.Valid() {
		return false, fmt.Errorf("%w: %d", ErrInvalidPriority, int(task.Priority))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.fullLocked() {
		if !block {
			q.dropped++
			q.logger.Warn("task dropped, queue full",
				"task_id", task.ID,
				"priority", task.Priority.String(),
				"max_size", q.maxSize)
			return false, nil
		}

		stop := q.wakeOnDone(ctx, q.notFull)
		defer stop()
		for q.fullLocked() {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			q.notFull.Wait()
		}
	}

	q.buckets[task.Priority] = append(q.buckets[task.Priority], task)
	q.size++
	q.enqueued++
	q.notEmpty.Signal()

	q.logger.Debug("task enqueued",
		"task_id", task.ID,
		"priority", task.Priority.String(),
		"queue_len", q.size)
	return true, nil
}

// Get removes and returns the oldest task of the highest non-empty priority.
//
// On an empty queue a non-blocking Get returns (nil, nil); a blocking Get
// waits until a task arrives or ctx is done.
func (q *PriorityQueue) Get(ctx context.Context, block bool) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		if !block {
			return nil, nil
		}

		stop := q.wakeOnDone(ctx, q.notEmpty)
		defer stop()
		for q.size == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			q.notEmpty.Wait()
		}
	}

	for _, p := range priorities {
		bucket := q.buckets[p]
		if len(bucket) == 0 {
			continue
		}
		task := bucket[0]
		bucket[0] = nil
		q.buckets[p] = bucket[1:]
		q.size--
		q.dequeued++
		q.notFull.Signal()
		return task, nil
	}

	// size and buckets disagree; unreachable while the invariant holds
	return nil, nil
}

// Len returns the number of queued tasks.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Empty reports whether no tasks are queued.
func (q *PriorityQueue) Empty() bool {
	return q.Len() == 0
}

// Full reports whether a non-blocking Put would drop.
func (q *PriorityQueue) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fullLocked()
}

// Find returns the queued task with the given id, if any.
func (q *PriorityQueue) Find(id string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range priorities {
		for _, t := range q.buckets[p] {
			if t.ID == id {
				return t, true
			}
		}
	}
	return nil, false
}

// Stats returns a snapshot of the queue counters.
func (q *PriorityQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	dist := make(map[string]int, len(priorities))
	for _, p := range priorities {
		dist[p.String()] = len(q.buckets[p])
	}
	return QueueStats{
		TotalEnqueued:        q.enqueued,
		TotalDequeued:        q.dequeued,
		TotalDropped:         q.dropped,
		CurrentSize:          q.size,
		MaxSize:              q.maxSize,
		PriorityDistribution: dist,
	}
}
