package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/Buidl-Land/BountyGo-Backend-sub001/internal/metrics"
	"github.com/Buidl-Land/BountyGo-Backend-sub001/internal/redact"
)

// Errors returned by the WorkerPool
var (
	ErrPoolNotRunning  = errors.New("worker pool is not running")
	ErrDuplicateTaskID = errors.New("task id already in use")
	ErrTaskNotFound    = errors.New("task not found")
	ErrResultTimeout   = errors.New("timed out waiting for task result")
	ErrTaskTimeout     = errors.New("task execution timed out")
	ErrWorkPanicked    = errors.New("task work panicked")
	ErrNilWork         = errors.New("task work is nil")
	ErrPoolStopped     = errors.New("worker pool stopped before task finished")
	ErrShutdownTimeout = errors.New("worker pool shutdown timed out")
)

// workerPollInterval bounds how long an idle worker blocks on the queue
// before re-checking for shutdown.
const workerPollInterval = time.Second

// ErrorPolicy decides whether failed attempts are retried and observes
// attempt outcomes.
type ErrorPolicy interface {
	Retryable(err error) bool
	ObserveFailure(err error, attrs map[string]string)
	ObserveSuccess()
}

// ResultCallback is invoked once a task reaches a terminal status.
type ResultCallback func(task *Task)

// WorkerPoolConfig holds configuration options for the worker pool
type WorkerPoolConfig struct {
	// Name identifies the pool in logs and metric labels
	Name string

	// MaxWorkers is the number of persistent worker goroutines.
	// If zero or negative, defaults to 1
	MaxWorkers int

	// WorkerTimeout is the execution deadline for tasks without their own timeout
	WorkerTimeout time.Duration

	// QueueSize bounds the priority queue. Non-positive means unbounded
	QueueSize int
}

// DefaultWorkerPoolConfig returns a WorkerPoolConfig with reasonable defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Name:          "default",
		MaxWorkers:    5,
		WorkerTimeout: 300 * time.Second,
		QueueSize:     1000,
	}
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Name             string     `json:"name"`
	TasksProcessed   uint64     `json:"tasks_processed"`
	TasksFailed      uint64     `json:"tasks_failed"`
	TasksTimeout     uint64     `json:"tasks_timeout"`
	TasksRetried     uint64     `json:"tasks_retried"`
	WorkersCreated   uint64     `json:"workers_created"`
	WorkersDestroyed uint64     `json:"workers_destroyed"`
	ActiveWorkers    int        `json:"active_workers"`
	IsRunning        bool       `json:"is_running"`
	PendingResults   int        `json:"pending_results"`
	Queue            QueueStats `json:"queue"`
}

// entry tracks a submitted task until it is released.
type entry struct {
	task      *Task
	done      chan struct{}
	callbacks []ResultCallback

	// released marks an in-flight task whose record is dropped on completion
	released bool
}

// PoolOption configures optional WorkerPool collaborators.
type PoolOption func(*WorkerPool)

// WithErrorPolicy installs the policy consulted before retrying a failed attempt.
func WithErrorPolicy(policy ErrorPolicy) PoolOption {
	return func(p *WorkerPool) { p.policy = policy }
}

// WithMetrics installs the sink that receives task outcome counters.
func WithMetrics(sink metrics.Sink) PoolOption {
	return func(p *WorkerPool) { p.metrics = sink }
}

// WorkerPool runs tasks from a PriorityQueue on a fixed set of worker
// goroutines, applying per-task deadlines and retries.
type WorkerPool struct {
	name          string
	maxWorkers    int
	workerTimeout time.Duration
	queue         *PriorityQueue
	policy        ErrorPolicy
	metrics       metrics.Sink
	logger        *slog.Logger

	// mu guards everything below as well as the mutable fields of tracked tasks
	mu       sync.Mutex
	running  bool
	entries  map[string]*entry
	active   int
	counters PoolStats

	// stopLoop ends the worker loops; stopWork cancels in-flight executions
	stopLoop context.CancelFunc
	stopWork context.CancelFunc
	workers  *sync.WaitGroup
}

// NewWorkerPool creates a new worker pool with the specified configuration
func NewWorkerPool(config WorkerPoolConfig, logger *slog.Logger, opts ...PoolOption) *WorkerPool {
	defaults := DefaultWorkerPoolConfig()

	maxWorkers := config.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 1
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.MaxWorkers,
			"default_count", 1)
	}
	workerTimeout := config.WorkerTimeout
	if workerTimeout <= 0 {
		workerTimeout = defaults.WorkerTimeout
	}
	name := config.Name
	if name == "" {
		name = defaults.Name
	}

	logger = logger.With("component", "worker_pool", "pool", name)
	p := &WorkerPool{
		name:          name,
		maxWorkers:    maxWorkers,
		workerTimeout: workerTimeout,
		queue:         NewPriorityQueue(config.QueueSize, logger),
		metrics:       metrics.Noop{},
		logger:        logger,
		entries:       make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the pool name.
func (p *WorkerPool) Name() string {
	return p.name
}

// Start launches the worker goroutines. Calling Start on a running pool is a no-op.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	workCtx, stopWork := context.WithCancel(context.Background())
	workers := &sync.WaitGroup{}

	p.stopLoop = stopLoop
	p.stopWork = stopWork
	p.workers = workers
	p.running = true

	for i := range p.maxWorkers {
		workers.Add(1)
		p.active++
		p.counters.WorkersCreated++
		go p.worker(loopCtx, workCtx, workers, i)
	}

	p.logger.Info("worker pool started",
		"worker_count", p.maxWorkers,
		"worker_timeout", p.workerTimeout.String())
}

// Stop signals the workers to exit after their current task and waits up
// to timeout for them. Executions still running after that are cancelled
// and ErrShutdownTimeout is returned. A non-positive timeout waits
// indefinitely. Stopping a pool that is not running is a no-op.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stopLoop, stopWork, workers := p.stopLoop, p.stopWork, p.workers
	p.mu.Unlock()

	p.logger.Info("stopping worker pool", "timeout", timeout.String())
	stopLoop()

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-done:
		stopWork()
		p.logger.Info("worker pool stopped")
		return nil
	case <-expired:
		stopWork()
		p.logger.Warn("worker pool shutdown timed out, cancelled running tasks",
			"timeout", timeout.String())
		return fmt.Errorf("%w after %s", ErrShutdownTimeout, timeout)
	}
}

// IsRunning reports whether the pool has been started and not stopped.
func (p *WorkerPool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// SubmitTask wraps work in a task and enqueues it, waiting for queue space
// until ctx is done. It returns the task id.
func (p *WorkerPool) SubmitTask(ctx context.Context, work Work, opts ...SubmitOption) (string, error) {
	if work == nil {
		return "", ErrNilWork
	}
	o := NewSubmitOptions(opts...)
	if !o.Priority.Valid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidPriority, int(o.Priority))
	}

	id := o.TaskID
	if id == "" {
		id = newTaskID()
	}
	task := &Task{
		ID:         id,
		Work:       work,
		Priority:   o.Priority,
		Timeout:    o.Timeout,
		MaxRetries: o.MaxRetries,
		Status:     TaskStatusPending,
		CreatedAt:  time.Now(),
		Metadata:   o.Metadata,
	}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return "", ErrPoolNotRunning
	}
	if _, exists := p.entries[id]; exists {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateTaskID, id)
	}
	p.entries[id] = &entry{task: task, done: make(chan struct{})}
	p.mu.Unlock()

	ok, err := p.queue.Put(ctx, task, true)
	if err != nil || !ok {
		p.mu.Lock()
		delete(p.entries, id)
		p.mu.Unlock()
		if err != nil {
			return "", fmt.Errorf("%w: task %s: %w", ErrQueueFull, id, err)
		}
		return "", fmt.Errorf("%w: task %s", ErrQueueFull, id)
	}

	p.logger.Debug("task submitted",
		"task_id", id,
		"priority", o.Priority.String())
	return id, nil
}

// GetTaskResult waits until the task is terminal and returns its record.
// A positive timeout bounds the wait and yields ErrResultTimeout on expiry.
func (p *WorkerPool) GetTaskResult(ctx context.Context, id string, timeout time.Duration) (*Task, error) {
	p.mu.Lock()
	e, ok := p.entries[id]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-e.done:
		return e.task, nil
	case <-ctx.Done():
		select {
		case <-e.done:
			return e.task, nil
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrResultTimeout, id)
		}
		return nil, ctx.Err()
	}
}

// AddResultCallback registers fn to run when the task reaches a terminal
// status. If it already has, fn runs immediately.
func (p *WorkerPool) AddResultCallback(id string, fn ResultCallback) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if e.task.Status.IsTerminal() {
		task := e.task
		p.mu.Unlock()
		p.runCallback(fn, task)
		return nil
	}
	e.callbacks = append(e.callbacks, fn)
	p.mu.Unlock()
	return nil
}

// GetTaskStatus returns the current status of a tracked task.
func (p *WorkerPool) GetTaskStatus(id string) (TaskStatus, bool) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if ok && e.task.Status.IsTerminal() {
		status := e.task.Status
		p.mu.Unlock()
		return status, true
	}
	p.mu.Unlock()

	if _, queued := p.queue.Find(id); queued {
		return TaskStatusPending, true
	}
	if !ok {
		return "", false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return e.task.Status, true
}

// ReleaseTask stops tracking a task. A task that is still in flight is
// dropped as soon as it finishes. It reports whether the id was known.
func (p *WorkerPool) ReleaseTask(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return false
	}
	if e.task.Status.IsTerminal() {
		delete(p.entries, id)
	} else {
		e.released = true
	}
	return true
}

// Stats returns a snapshot of the pool counters.
func (p *WorkerPool) Stats() PoolStats {
	p.mu.Lock()
	stats := p.counters
	stats.Name = p.name
	stats.ActiveWorkers = p.active
	stats.IsRunning = p.running
	for _, e := range p.entries {
		if e.task.Status.IsTerminal() {
			stats.PendingResults++
		}
	}
	p.mu.Unlock()

	stats.Queue = p.queue.Stats()
	return stats
}

func (p *WorkerPool) worker(loopCtx, workCtx context.Context, workers *sync.WaitGroup, id int) {
	logger := p.logger.With("worker_id", id)
	defer func() {
		p.mu.Lock()
		p.active--
		p.counters.WorkersDestroyed++
		p.mu.Unlock()
		logger.Debug("worker stopped")
		workers.Done()
	}()

	logger.Debug("worker started")
	for {
		if loopCtx.Err() != nil {
			return
		}

		pollCtx, cancel := context.WithTimeout(loopCtx, workerPollInterval)
		task, err := p.queue.Get(pollCtx, true)
		cancel()
		if err != nil || task == nil {
			continue
		}

		p.execute(workCtx, task, logger.With("task_id", task.ID))
	}
}

func (p *WorkerPool) execute(workCtx context.Context, task *Task, logger *slog.Logger) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = p.workerTimeout
	}

	p.mu.Lock()
	task.Status = TaskStatusRunning
	task.StartedAt = time.Now()
	waited := task.WaitTime()
	p.mu.Unlock()
	p.metrics.ObserveDuration("worker_pool.queue_latency", map[string]string{"pool": p.name}, waited)

	logger.Debug("executing task",
		"priority", task.Priority.String(),
		"retry_count", task.RetryCount,
		"timeout", timeout.String())

	execCtx, cancel := context.WithTimeout(workCtx, timeout)
	result, err := runWork(execCtx, task.Work)
	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded)
	cancel()

	switch {
	case err == nil:
		p.observeSuccess()
		p.finish(task, TaskStatusCompleted, result, nil)
		logger.Debug("task completed", "execution_time", task.ExecutionTime().String())

	case timedOut:
		err = fmt.Errorf("%w after %s: %w", ErrTaskTimeout, timeout, context.DeadlineExceeded)
		p.observeFailure(task, err)
		p.finish(task, TaskStatusTimeout, nil, err)
		logger.Warn("task timed out", "timeout", timeout.String())

	case workCtx.Err() != nil:
		err = fmt.Errorf("%w: %w", ErrPoolStopped, err)
		p.finish(task, TaskStatusFailed, nil, err)
		logger.Warn("task cancelled by pool shutdown")

	default:
		p.observeFailure(task, err)
		if p.shouldRetry(task, err) {
			attempt, maxRetries := task.RetryCount+1, task.MaxRetries
			if p.requeue(task, err) {
				logger.Info("task failed, retrying",
					"retry_count", attempt,
					"max_retries", maxRetries,
					"error", redact.Error(err))
				return
			}
			err = fmt.Errorf("%w: retry refused: %w", ErrQueueFull, err)
		}
		p.finish(task, TaskStatusFailed, nil, err)
		logger.Error("task failed",
			"retry_count", task.RetryCount,
			"error", redact.Error(err))
	}
}

func (p *WorkerPool) shouldRetry(task *Task, err error) bool {
	if task.RetryCount >= task.MaxRetries {
		return false
	}
	return p.policy == nil || p.policy.Retryable(err)
}

// requeue puts a failed task back at the tail of its priority bucket
// without blocking. It reports whether the queue accepted it.
func (p *WorkerPool) requeue(task *Task, err error) bool {
	p.mu.Lock()
	task.RetryCount++
	task.Status = TaskStatusPending
	task.StartedAt = time.Time{}
	task.CompletedAt = time.Time{}
	task.Err = err
	p.mu.Unlock()

	ok, putErr := p.queue.Put(context.Background(), task, false)
	if putErr != nil || !ok {
		return false
	}

	p.mu.Lock()
	p.counters.TasksRetried++
	p.mu.Unlock()
	p.metrics.IncrementCounter("worker_pool.tasks_retried", map[string]string{"pool": p.name})
	return true
}

func (p *WorkerPool) finish(task *Task, status TaskStatus, result any, err error) {
	p.mu.Lock()
	task.Status = status
	task.Result = result
	task.Err = err
	task.CompletedAt = time.Now()
	elapsed := task.ExecutionTime()

	var counter string
	switch status {
	case TaskStatusCompleted:
		p.counters.TasksProcessed++
		counter = "worker_pool.tasks_processed"
	case TaskStatusTimeout:
		p.counters.TasksTimeout++
		counter = "worker_pool.tasks_timeout"
	default:
		p.counters.TasksFailed++
		counter = "worker_pool.tasks_failed"
	}

	e, tracked := p.entries[task.ID]
	var callbacks []ResultCallback
	if tracked {
		callbacks = e.callbacks
		e.callbacks = nil
		if e.released {
			delete(p.entries, task.ID)
		}
	}
	p.mu.Unlock()

	p.metrics.IncrementCounter(counter, map[string]string{"pool": p.name})
	p.metrics.ObserveDuration("worker_pool.task_duration",
		map[string]string{"pool": p.name, "status": string(status)}, elapsed)
	if tracked {
		close(e.done)
	}
	for _, fn := range callbacks {
		p.runCallback(fn, task)
	}
}

func (p *WorkerPool) runCallback(fn ResultCallback, task *Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("result callback panicked",
				"task_id", task.ID,
				"panic", fmt.Sprint(r))
		}
	}()
	fn(task)
}

func (p *WorkerPool) observeSuccess() {
	if p.policy != nil {
		p.policy.ObserveSuccess()
	}
}

func (p *WorkerPool) observeFailure(task *Task, err error) {
	if p.policy == nil {
		return
	}
	p.policy.ObserveFailure(err, map[string]string{
		"task_id":     task.ID,
		"pool":        p.name,
		"retry_count": strconv.Itoa(task.RetryCount),
	})
}

// runWork executes w under ctx. AsyncWork runs inline; every other Work is
// run on its own goroutine and abandoned if ctx ends first.
func runWork(ctx context.Context, w Work) (any, error) {
	if _, ok := w.(AsyncWork); ok {
		return safeExecute(ctx, w)
	}

	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := safeExecute(ctx, w)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func safeExecute(ctx context.Context, w Work) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: %v", ErrWorkPanicked, r)
		}
	}()
	return w.Execute(ctx)
}
