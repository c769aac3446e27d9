// Package processor coordinates worker pools for agent workloads: a shared
// default pool, lazily created per-agent pools, batches, primary/fallback
// execution, circuit breaking and adaptive timeouts.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/Buidl-Land/BountyGo-Backend-sub001/internal/errorhandler"
	"github.com/Buidl-Land/BountyGo-Backend-sub001/internal/metrics"
	"github.com/Buidl-Land/BountyGo-Backend-sub001/internal/perfstats"
	"github.com/Buidl-Land/BountyGo-Backend-sub001/internal/redact"
	"github.com/Buidl-Land/BountyGo-Backend-sub001/internal/task"
)

// Errors returned by the Processor
var (
	ErrNotInitialized    = errors.New("concurrent processor not initialized")
	ErrTaskFailed        = errors.New("task did not complete")
	ErrFallbackExhausted = errors.New("primary and fallback both failed")
)

const (
	// adaptiveTimeoutMultiplier scales the historical average duration
	adaptiveTimeoutMultiplier = 3

	// adaptiveResultGrace extends the result wait past the task timeout
	adaptiveResultGrace = 10 * time.Second

	primaryMaxRetries  = 1
	fallbackMaxRetries = 2

	defaultBreakerKey = "default"
)

// Config holds the processor settings.
type Config struct {
	MaxConcurrentTasks int
	WorkerTimeout      time.Duration
	QueueSize          int
	AgentWorkers       int
	AgentQueueSize     int
	ShutdownTimeout    time.Duration
	Breaker            BreakerConfig
}

// DefaultConfig returns the default processor settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: 10,
		WorkerTimeout:      300 * time.Second,
		QueueSize:          1000,
		AgentWorkers:       2,
		AgentQueueSize:     100,
		ShutdownTimeout:    30 * time.Second,
		Breaker:            DefaultBreakerConfig(),
	}
}

// StatsProvider supplies historical durations for adaptive timeouts.
type StatsProvider interface {
	Stats(name string) (perfstats.Summary, bool)
}

// durationRecorder is implemented by providers that accept new samples.
type durationRecorder interface {
	Record(name string, d time.Duration)
}

// performanceReporter is implemented by providers that can summarize every
// operation they track.
type performanceReporter interface {
	All() map[string]perfstats.Summary
}

// Dependencies are the collaborators a Processor is built with. All are optional.
type Dependencies struct {
	Logger         *slog.Logger
	ErrorHandler   *errorhandler.Handler
	Metrics        metrics.Sink
	PerfStats      StatsProvider
	BreakerFactory BreakerFactory
}

// AgentOutcome is the result of one agent in ExecuteParallelAgents.
type AgentOutcome struct {
	Result any             `json:"result,omitempty"`
	Err    error           `json:"-"`
	Status task.TaskStatus `json:"status"`
}

// Stats aggregates the state of every pool the processor owns.
type Stats struct {
	Initialized     bool                         `json:"initialized"`
	MainPool        task.PoolStats               `json:"main_pool"`
	AgentPools      map[string]task.PoolStats    `json:"agent_pools"`
	ActiveBatches   int                          `json:"active_batches"`
	CircuitBreakers map[string]string            `json:"circuit_breakers"`
	Errors          *errorhandler.Summary        `json:"errors,omitempty"`
	Performance     map[string]perfstats.Summary `json:"performance,omitempty"`
}

type batch struct {
	mu      sync.Mutex
	taskIDs []string
}

// Processor is the entry point for running agent work concurrently.
type Processor struct {
	config     Config
	logger     *slog.Logger
	errors     *errorhandler.Handler
	metrics    metrics.Sink
	perf       StatsProvider
	newBreaker BreakerFactory

	pool *task.WorkerPool

	mu          sync.Mutex
	initialized bool
	agentPools  map[string]*task.WorkerPool
	breakers    map[string]Breaker

	batchMu sync.Mutex
	batches map[string]*batch
}

// New creates a Processor. Call Initialize before submitting work.
func New(config Config, deps Dependencies) *Processor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := deps.Metrics
	if sink == nil {
		sink = metrics.Noop{}
	}
	factory := deps.BreakerFactory
	if factory == nil {
		factory = NewGoBreaker(logger)
	}

	p := &Processor{
		config:     config,
		logger:     logger.With("component", "concurrent_processor"),
		errors:     deps.ErrorHandler,
		metrics:    sink,
		perf:       deps.PerfStats,
		newBreaker: factory,
		agentPools: make(map[string]*task.WorkerPool),
		breakers:   make(map[string]Breaker),
		batches:    make(map[string]*batch),
	}
	p.pool = p.newPool(task.WorkerPoolConfig{
		Name:          "default",
		MaxWorkers:    config.MaxConcurrentTasks,
		WorkerTimeout: config.WorkerTimeout,
		QueueSize:     config.QueueSize,
	})
	return p
}

func (p *Processor) newPool(cfg task.WorkerPoolConfig) *task.WorkerPool {
	opts := []task.PoolOption{task.WithMetrics(p.metrics)}
	if p.errors != nil {
		opts = append(opts, task.WithErrorPolicy(p.errors))
	}
	return task.NewWorkerPool(cfg, p.logger, opts...)
}

// Initialize starts the default pool. It is idempotent.
func (p *Processor) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}
	p.pool.Start()
	p.initialized = true
	p.logger.Info("concurrent processor initialized",
		"max_concurrent_tasks", p.config.MaxConcurrentTasks)
	return nil
}

// Shutdown stops the default pool and every agent pool concurrently. It
// is idempotent. Pools that do not drain within the shutdown timeout are
// reported in the returned error.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.initialized = false
	pools := append([]*task.WorkerPool{p.pool}, slices.Collect(maps.Values(p.agentPools))...)
	p.agentPools = make(map[string]*task.WorkerPool)
	p.mu.Unlock()

	p.batchMu.Lock()
	clear(p.batches)
	p.batchMu.Unlock()

	timeout := p.config.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = max(remaining, time.Millisecond)
		}
	}

	var g errgroup.Group
	for _, pool := range pools {
		g.Go(func() error {
			if err := pool.Stop(timeout); err != nil {
				return fmt.Errorf("stop pool %s: %w", pool.Name(), err)
			}
			return nil
		})
	}
	err := g.Wait()

	p.logger.Info("concurrent processor shut down", "pools", len(pools))
	return err
}

func (p *Processor) ensureInitialized() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return ErrNotInitialized
	}
	return nil
}

// agentPool returns the pool for agent, creating and starting it on first use.
func (p *Processor) agentPool(agent string) (*task.WorkerPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil, ErrNotInitialized
	}
	if pool, ok := p.agentPools[agent]; ok {
		return pool, nil
	}

	pool := p.newPool(task.WorkerPoolConfig{
		Name:          "agent_" + agent,
		MaxWorkers:    p.config.AgentWorkers,
		WorkerTimeout: p.config.WorkerTimeout,
		QueueSize:     p.config.AgentQueueSize,
	})
	pool.Start()
	p.agentPools[agent] = pool
	p.logger.Info("created agent pool", "agent_name", agent)
	return pool, nil
}

// SubmitAgentTask runs work on the agent's dedicated pool and returns the task id.
func (p *Processor) SubmitAgentTask(ctx context.Context, agent string, work task.Work, opts ...task.SubmitOption) (string, error) {
	pool, err := p.agentPool(agent)
	if err != nil {
		return "", err
	}

	opts = append(slices.Clip(opts), task.WithMetadata(map[string]string{"agent_name": agent}))
	id, err := pool.SubmitTask(ctx, work, opts...)
	if err != nil {
		return "", fmt.Errorf("submit task for agent %s: %w", agent, err)
	}

	p.metrics.IncrementCounter("concurrent_processor.agent_tasks", map[string]string{
		"agent":    agent,
		"priority": task.NewSubmitOptions(opts...).Priority.String(),
	})
	p.logger.Debug("agent task submitted", "agent_name", agent, "task_id", id)
	return id, nil
}

// SubmitBatchTasks submits works to the default pool as one batch and
// returns their ids in submission order. On a submission error the ids
// accepted so far are returned with it.
func (p *Processor) SubmitBatchTasks(ctx context.Context, batchID string, works []task.Work, opts ...task.SubmitOption) ([]string, error) {
	if err := p.ensureInitialized(); err != nil {
		return nil, err
	}

	p.batchMu.Lock()
	b, ok := p.batches[batchID]
	if !ok {
		b = &batch{}
		p.batches[batchID] = b
	}
	p.batchMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	opts = append(slices.Clip(opts), task.WithMetadata(map[string]string{"batch_id": batchID}))
	ids := make([]string, 0, len(works))
	for i, work := range works {
		id, err := p.pool.SubmitTask(ctx, work, opts...)
		if err != nil {
			b.taskIDs = ids
			return ids, fmt.Errorf("submit batch %s item %d: %w", batchID, i, err)
		}
		ids = append(ids, id)
	}
	b.taskIDs = ids

	p.logger.Info("batch submitted", "batch_id", batchID, "task_count", len(ids))
	return ids, nil
}

// WaitForBatch collects the results of ids, waiting up to timeout for
// each. It never fails: a task whose result cannot be collected is
// reported as a failed task carrying the collection error. Collected
// tasks are released from the pool.
func (p *Processor) WaitForBatch(ctx context.Context, batchID string, ids []string, timeout time.Duration) []*task.Task {
	results := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t, err := p.pool.GetTaskResult(ctx, id, timeout)
		if err != nil {
			p.logger.Error("failed to collect batch result",
				"batch_id", batchID,
				"task_id", id,
				"error", err)
			p.pool.ReleaseTask(id)
			results = append(results, task.NewFailedTask(id, err, map[string]string{"batch_id": batchID}))
			continue
		}
		p.pool.ReleaseTask(id)
		results = append(results, t)
	}

	p.batchMu.Lock()
	delete(p.batches, batchID)
	p.batchMu.Unlock()

	return results
}

// ExecuteParallelAgents runs one unit of work per agent on the agents'
// pools and waits up to timeout for all of them.
func (p *Processor) ExecuteParallelAgents(ctx context.Context, works map[string]task.Work, timeout time.Duration) (map[string]AgentOutcome, error) {
	if err := p.ensureInitialized(); err != nil {
		return nil, err
	}

	type submitted struct {
		pool *task.WorkerPool
		id   string
	}
	pending := make(map[string]submitted, len(works))
	outcomes := make(map[string]AgentOutcome, len(works))

	for agent, work := range works {
		id, err := p.SubmitAgentTask(ctx, agent, work, task.WithTimeout(timeout))
		if err != nil {
			outcomes[agent] = AgentOutcome{Err: err, Status: task.TaskStatusFailed}
			continue
		}
		pool, err := p.agentPool(agent)
		if err != nil {
			outcomes[agent] = AgentOutcome{Err: err, Status: task.TaskStatusFailed}
			continue
		}
		pending[agent] = submitted{pool: pool, id: id}
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for agent, s := range pending {
		t, err := s.pool.GetTaskResult(waitCtx, s.id, 0)
		s.pool.ReleaseTask(s.id)
		switch {
		case err != nil:
			status := task.TaskStatusFailed
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
				status = task.TaskStatusTimeout
			}
			outcomes[agent] = AgentOutcome{Err: err, Status: status}
		case t.Status == task.TaskStatusCompleted:
			outcomes[agent] = AgentOutcome{Result: t.Result, Status: t.Status}
		default:
			outcomes[agent] = AgentOutcome{Err: taskError(t), Status: t.Status}
		}
	}
	return outcomes, nil
}

// ExecuteWithFallback runs primary and, if it does not complete, fallback.
// When both fail the error wraps ErrFallbackExhausted and both causes.
func (p *Processor) ExecuteWithFallback(ctx context.Context, primary, fallback task.Work, timeout time.Duration) (any, error) {
	if err := p.ensureInitialized(); err != nil {
		return nil, err
	}

	result, primaryErr := p.run(ctx, primary, timeout, task.WithMaxRetries(primaryMaxRetries))
	if primaryErr == nil {
		return result, nil
	}
	p.logger.Warn("primary work failed, running fallback", "error", redact.Error(primaryErr))

	result, fallbackErr := p.run(ctx, fallback, timeout, task.WithMaxRetries(fallbackMaxRetries))
	if fallbackErr == nil {
		return result, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrFallbackExhausted, multierr.Combine(primaryErr, fallbackErr))
}

// ExecuteWithCircuitBreaker runs work through the breaker registered for
// key, creating it on first use. An open breaker rejects the call without
// running work.
func (p *Processor) ExecuteWithCircuitBreaker(ctx context.Context, key string, work task.Work, timeout time.Duration) (any, error) {
	if err := p.ensureInitialized(); err != nil {
		return nil, err
	}
	if key == "" {
		key = defaultBreakerKey
	}
	return p.breaker(key).Execute(func() (any, error) {
		return p.run(ctx, work, timeout)
	})
}

func (p *Processor) breaker(key string) Breaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.breakers[key]
	if !ok {
		b = p.newBreaker(key, p.config.Breaker)
		p.breakers[key] = b
	}
	return b
}

// AdaptiveTimeout returns three times the recorded average duration of
// name clamped to [base, maxTimeout], or base when there is no history.
func (p *Processor) AdaptiveTimeout(name string, base, maxTimeout time.Duration) time.Duration {
	if p.perf == nil {
		return base
	}
	s, ok := p.perf.Stats(name)
	if !ok || s.Count == 0 || s.Avg <= 0 {
		return base
	}
	return max(min(adaptiveTimeoutMultiplier*s.Avg, maxTimeout), base)
}

// ExecuteWithAdaptiveTimeout runs work with a timeout derived from the
// history of name and records the new duration when it completes.
func (p *Processor) ExecuteWithAdaptiveTimeout(ctx context.Context, name string, work task.Work, base, maxTimeout time.Duration) (any, error) {
	if err := p.ensureInitialized(); err != nil {
		return nil, err
	}

	timeout := p.AdaptiveTimeout(name, base, maxTimeout)
	p.logger.Debug("using adaptive timeout", "operation", name, "timeout", timeout.String())

	id, err := p.pool.SubmitTask(ctx, work, task.WithTimeout(timeout))
	if err != nil {
		return nil, err
	}
	t, err := p.pool.GetTaskResult(ctx, id, timeout+adaptiveResultGrace)
	p.pool.ReleaseTask(id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.TaskStatusCompleted {
		return nil, taskError(t)
	}

	if rec, ok := p.perf.(durationRecorder); ok {
		rec.Record(name, t.ExecutionTime())
	}
	return t.Result, nil
}

// run submits work to the default pool and waits for its outcome. With a
// positive timeout the wait covers every allowed attempt.
func (p *Processor) run(ctx context.Context, work task.Work, timeout time.Duration, opts ...task.SubmitOption) (any, error) {
	if err := p.ensureInitialized(); err != nil {
		return nil, err
	}

	opts = append(slices.Clip(opts), task.WithTimeout(timeout))
	id, err := p.pool.SubmitTask(ctx, work, opts...)
	if err != nil {
		return nil, err
	}

	var wait time.Duration
	if timeout > 0 {
		wait = timeout * time.Duration(task.NewSubmitOptions(opts...).MaxRetries+1)
	}
	t, err := p.pool.GetTaskResult(ctx, id, wait)
	p.pool.ReleaseTask(id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.TaskStatusCompleted {
		return nil, taskError(t)
	}
	return t.Result, nil
}

func taskError(t *task.Task) error {
	if t.Err == nil {
		return fmt.Errorf("%w: task %s ended %s", ErrTaskFailed, t.ID, t.Status)
	}
	return fmt.Errorf("%w: task %s ended %s: %w", ErrTaskFailed, t.ID, t.Status, t.Err)
}

// TaskStatus looks id up in the default pool and then every agent pool.
func (p *Processor) TaskStatus(id string) (task.TaskStatus, bool) {
	if status, ok := p.pool.GetTaskStatus(id); ok {
		return status, true
	}

	p.mu.Lock()
	pools := slices.Collect(maps.Values(p.agentPools))
	p.mu.Unlock()

	for _, pool := range pools {
		if status, ok := pool.GetTaskStatus(id); ok {
			return status, true
		}
	}
	return "", false
}

// Stats aggregates pool, batch, breaker, error and duration statistics.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		Initialized:     p.initialized,
		AgentPools:      make(map[string]task.PoolStats, len(p.agentPools)),
		CircuitBreakers: make(map[string]string, len(p.breakers)),
	}
	agentPools := maps.Clone(p.agentPools)
	for key, b := range p.breakers {
		s.CircuitBreakers[key] = breakerState(b)
	}
	p.mu.Unlock()

	s.MainPool = p.pool.Stats()
	for agent, pool := range agentPools {
		s.AgentPools[agent] = pool.Stats()
	}

	p.batchMu.Lock()
	s.ActiveBatches = len(p.batches)
	p.batchMu.Unlock()

	if p.errors != nil {
		summary := p.errors.ErrorSummary()
		s.Errors = &summary
	}
	if rep, ok := p.perf.(performanceReporter); ok {
		s.Performance = rep.All()
	}
	return s
}
