package workerpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docforge-labs/docengine/engine/config"
	"github.com/docforge-labs/docengine/engine/logging"
	"github.com/docforge-labs/docengine/engine/monitor"
	"github.com/docforge-labs/docengine/engine/observability"
	"github.com/docforge-labs/docengine/engine/processor"
	"github.com/docforge-labs/docengine/eventbus"
)

// ProcessFunc is the work a task performs. The pool enforces the task
// timeout around it and recovers panics.
type ProcessFunc func(ctx context.Context, pctx *processor.Context) (*processor.Result, error)

// priorityPollInterval is how long a worker waits on the priority queue
// before also considering the default queue.
const priorityPollInterval = 100 * time.Millisecond

// defaultPollInterval is the combined wait on both queues per loop turn.
const defaultPollInterval = time.Second

// enqueueBudget is how long Submit waits for queue room before giving up.
const enqueueBudget = time.Second

// Config sizes the pool.
type Config struct {
	AsyncWorkers      int           `json:"async_workers" yaml:"async_workers"`
	ThreadWorkers     int           `json:"thread_workers" yaml:"thread_workers"`
	ProcessWorkers    int           `json:"process_workers" yaml:"process_workers"`
	QueueSize         int           `json:"queue_size" yaml:"queue_size"`
	PriorityQueueSize int           `json:"priority_queue_size" yaml:"priority_queue_size"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
}

// DefaultConfig returns four async workers, two thread workers, queue
// capacities of 1000/100 and a ten second heartbeat.
func DefaultConfig() *Config {
	return &Config{
		AsyncWorkers:      4,
		ThreadWorkers:     2,
		ProcessWorkers:    0,
		QueueSize:         1000,
		PriorityQueueSize: 100,
		HeartbeatInterval: 10 * time.Second,
	}
}

// Validate checks the pool sizing.
func (c *Config) Validate() error {
	if c.AsyncWorkers < 0 || c.ThreadWorkers < 0 || c.ProcessWorkers < 0 {
		return fmt.Errorf("worker counts must be non-negative")
	}
	total := c.AsyncWorkers + c.ThreadWorkers + c.ProcessWorkers
	if total < 1 || total > 100 {
		return fmt.Errorf("total workers %d outside [1, 100]", total)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be positive")
	}
	if c.PriorityQueueSize < 1 {
		return fmt.Errorf("priority_queue_size must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	return nil
}

// Submission is one Submit request.
type Submission struct {
	ProcessorName string
	Context       *processor.Context
	Fn            ProcessFunc
	Priority      Priority
	Timeout       time.Duration
	Resources     *config.ResourceRequirements
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Running            bool          `json:"running"`
	Workers            []WorkerStats `json:"workers"`
	QueueDepth         int           `json:"queue_depth"`
	PriorityQueueDepth int           `json:"priority_queue_depth"`
	Submitted          int64         `json:"submitted"`
	Completed          int64         `json:"completed"`
	Failed             int64         `json:"failed"`
	TimedOut           int64         `json:"timed_out"`
	InFlight           int64         `json:"in_flight"`
}

// Pool runs tasks on a fixed worker set fed by two bounded queues.
type Pool struct {
	cfg    *Config
	logger logging.Logger

	bus *eventbus.Bus
	mon *monitor.Monitor

	priorityQueue chan *Task
	defaultQueue  chan *Task

	mu        sync.Mutex
	running   bool
	workers   []*Worker
	tasks     map[string]*Task
	submitted int64
	completed int64
	failed    int64
	timedOut  int64
	inFlight  int64

	cancel        context.CancelFunc
	workerWG      sync.WaitGroup
	heartbeatDone chan struct{}
}

// NewPool creates a pool. Call Start before submitting.
func NewPool(cfg *Config, logger logging.Logger) (*Pool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pool{
		cfg:           cfg,
		logger:        logger,
		priorityQueue: make(chan *Task, cfg.PriorityQueueSize),
		defaultQueue:  make(chan *Task, cfg.QueueSize),
		tasks:         map[string]*Task{},
	}, nil
}

// SetEventBus wires lifecycle events. Optional; must be called before Start.
func (p *Pool) SetEventBus(bus *eventbus.Bus) { p.bus = bus }

// SetMonitor wires resource admission. Optional; must be called before Start.
func (p *Pool) SetMonitor(m *monitor.Monitor) { p.mon = m }

// Start launches the workers and the heartbeat loop. Idempotent.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.heartbeatDone = make(chan struct{})

	spawn := func(kind WorkerKind, count int) {
		for i := 0; i < count; i++ {
			w := newWorker(fmt.Sprintf("%s-%d", kind, i), kind)
			p.workers = append(p.workers, w)
			p.workerWG.Add(1)
			go p.workerLoop(ctx, w)
		}
	}
	spawn(WorkerAsync, p.cfg.AsyncWorkers)
	spawn(WorkerThread, p.cfg.ThreadWorkers)
	if p.cfg.ProcessWorkers > 0 {
		// Process isolation is not implemented in-process; these slots run
		// as goroutines tagged with their configured kind.
		p.logger.Warn("process_workers_scheduled_as_goroutines", "count", p.cfg.ProcessWorkers)
		spawn(WorkerProcess, p.cfg.ProcessWorkers)
	}
	workerCount := len(p.workers)
	p.mu.Unlock()

	go p.heartbeatLoop(ctx)

	p.logger.Info("worker_pool_started",
		"workers", workerCount,
		"queue_size", p.cfg.QueueSize,
		"priority_queue_size", p.cfg.PriorityQueueSize,
	)
	p.emit(eventbus.EventPoolStarted, map[string]any{"workers": workerCount})
}

// Submit queues one task. Critical-priority tasks use the priority queue.
// When a monitor and resources are present the reservation happens here and
// is rolled back if the queues stay full past the enqueue budget.
func (p *Pool) Submit(ctx context.Context, sub Submission) (string, error) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return "", ErrPoolStopped
	}
	p.mu.Unlock()

	if sub.Fn == nil {
		return "", fmt.Errorf("submission has no work function")
	}
	if !sub.Priority.Valid() {
		sub.Priority = PriorityNormal
	}
	if sub.Timeout <= 0 {
		sub.Timeout = 5 * time.Minute
	}

	task := &Task{
		ID:            uuid.New().String(),
		ProcessorName: sub.ProcessorName,
		Priority:      sub.Priority,
		Timeout:       sub.Timeout,
		Resources:     sub.Resources,
		SubmittedAt:   time.Now().UTC(),
		pctx:          sub.Context,
		fn:            sub.Fn,
		status:        TaskPending,
		done:          make(chan struct{}),
	}

	if sub.Resources != nil && p.mon != nil {
		if err := p.mon.Allocate(task.ID, *sub.Resources); err != nil {
			return "", &ResourceError{TaskID: task.ID, Reason: err.Error()}
		}
	}

	queue := p.defaultQueue
	queueName := "default"
	if sub.Priority == PriorityCritical {
		queue = p.priorityQueue
		queueName = "priority"
	}

	// Register before enqueueing so a fast worker never settles a task
	// the pool has not accounted for yet.
	p.mu.Lock()
	p.tasks[task.ID] = task
	p.submitted++
	p.inFlight++
	p.mu.Unlock()

	timer := time.NewTimer(enqueueBudget)
	defer timer.Stop()
	select {
	case queue <- task:
	case <-timer.C:
		p.unregister(task)
		p.rollback(task)
		p.logger.Warn("task_enqueue_rejected", "task_id", task.ID, "queue", queueName)
		return "", &QueueFullError{Queue: queueName, Waited: enqueueBudget}
	case <-ctx.Done():
		p.unregister(task)
		p.rollback(task)
		return "", ctx.Err()
	}

	p.logger.Debug("task_submitted",
		"task_id", task.ID,
		"processor", sub.ProcessorName,
		"priority", string(sub.Priority),
		"queue", queueName,
	)
	p.emit(eventbus.EventTaskSubmitted, map[string]any{
		"task_id":   task.ID,
		"processor": sub.ProcessorName,
		"priority":  string(sub.Priority),
	})
	return task.ID, nil
}

func (p *Pool) unregister(task *Task) {
	p.mu.Lock()
	delete(p.tasks, task.ID)
	p.submitted--
	p.inFlight--
	p.mu.Unlock()
}

func (p *Pool) rollback(task *Task) {
	if task.Resources != nil && p.mon != nil {
		p.mon.Release(task.ID)
	}
}

// workerLoop polls the priority queue first, then both queues.
func (p *Pool) workerLoop(ctx context.Context, w *Worker) {
	defer p.workerWG.Done()
	defer w.setStatus(WorkerStopped)

	for {
		w.heartbeat()

		select {
		case <-ctx.Done():
			return
		case task := <-p.priorityQueue:
			p.runTask(ctx, w, task)
			continue
		case <-time.After(priorityPollInterval):
		}

		select {
		case <-ctx.Done():
			return
		case task := <-p.priorityQueue:
			p.runTask(ctx, w, task)
		case task := <-p.defaultQueue:
			p.runTask(ctx, w, task)
		case <-time.After(defaultPollInterval):
		}
	}
}

// runTask executes one task with its timeout, settles it and releases any
// reservation.
func (p *Pool) runTask(ctx context.Context, w *Worker, task *Task) {
	w.setBusy(task.ID)
	task.markRunning(w.ID)
	start := time.Now()

	p.logger.Debug("task_started", "task_id", task.ID, "worker_id", w.ID)
	p.emit(eventbus.EventTaskStarted, map[string]any{"task_id": task.ID, "worker_id": w.ID})

	taskCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	type outcome struct {
		result *processor.Result
		err    error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{err: fmt.Errorf("task panic: %v", r)}
			}
		}()
		res, err := task.fn(taskCtx, task.pctx)
		resultCh <- outcome{result: res, err: err}
	}()

	var status TaskStatus
	var result *processor.Result
	var err error

	select {
	case out := <-resultCh:
		result, err = out.result, out.err
		switch {
		case err != nil:
			status = TaskFailed
		case result != nil && result.Status == processor.StatusFailed:
			status = TaskFailed
			err = fmt.Errorf("processor reported failure: %v", result.Errors)
		default:
			status = TaskCompleted
		}
	case <-taskCtx.Done():
		if ctx.Err() != nil {
			status = TaskCancelled
			err = ctx.Err()
		} else {
			status = TaskTimeout
			err = &TaskTimeoutError{TaskID: task.ID, Timeout: task.Timeout}
		}
	}
	cancel()

	elapsed := time.Since(start)
	p.rollback(task)
	task.settle(status, result, err)
	w.setIdle(elapsed, status != TaskCompleted)

	p.mu.Lock()
	p.inFlight--
	switch status {
	case TaskCompleted:
		p.completed++
	case TaskTimeout:
		p.timedOut++
	default:
		p.failed++
	}
	p.mu.Unlock()

	observability.RecordTaskExecution(task.ProcessorName, string(status), int(elapsed.Milliseconds()))

	payload := map[string]any{
		"task_id":     task.ID,
		"worker_id":   w.ID,
		"processor":   task.ProcessorName,
		"duration_ms": elapsed.Milliseconds(),
	}
	switch status {
	case TaskCompleted:
		p.logger.Debug("task_completed", "task_id", task.ID, "duration_ms", elapsed.Milliseconds())
		p.emit(eventbus.EventTaskCompleted, payload)
	case TaskTimeout:
		p.logger.Warn("task_timeout", "task_id", task.ID, "timeout", task.Timeout.String())
		p.emit(eventbus.EventTaskTimeout, payload)
	default:
		payload["error"] = err.Error()
		p.logger.Warn("task_failed", "task_id", task.ID, "error", err.Error())
		p.emit(eventbus.EventTaskFailed, payload)
	}
}

// Result blocks until the task settles or wait elapses.
func (p *Pool) Result(taskID string, wait time.Duration) (*processor.Result, error) {
	p.mu.Lock()
	task, ok := p.tasks[taskID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-task.Done():
	case <-timer.C:
		return nil, &TaskTimeoutError{TaskID: taskID, Timeout: wait, Waiting: true}
	}

	result, err := task.Outcome()
	switch task.Status() {
	case TaskCompleted:
		return result, nil
	case TaskTimeout:
		return nil, err
	default:
		return nil, &TaskFailedError{TaskID: taskID, Cause: err}
	}
}

// Task returns the snapshot of a known task.
func (p *Pool) Task(taskID string) (Snapshot, bool) {
	p.mu.Lock()
	task, ok := p.tasks[taskID]
	p.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return task.Snapshot(), true
}

// Stats returns a copy of the pool counters and per-worker stats.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := PoolStats{
		Running:            p.running,
		QueueDepth:         len(p.defaultQueue),
		PriorityQueueDepth: len(p.priorityQueue),
		Submitted:          p.submitted,
		Completed:          p.completed,
		Failed:             p.failed,
		TimedOut:           p.timedOut,
		InFlight:           p.inFlight,
	}
	for _, w := range p.workers {
		stats.Workers = append(stats.Workers, w.Stats())
	}
	return stats
}

// WaitForCompletion blocks until no tasks are queued or running, or the
// timeout elapses. Returns false on timeout.
func (p *Pool) WaitForCompletion(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		p.mu.Lock()
		idle := p.inFlight == 0
		p.mu.Unlock()
		if idle && len(p.priorityQueue) == 0 && len(p.defaultQueue) == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Stop drains gracefully: new submissions are rejected immediately, running
// and queued tasks get half the timeout to finish, then workers are
// cancelled and joined within the remainder.
func (p *Pool) Stop(timeout time.Duration) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker_pool_stopping", "timeout", timeout.String())

	drained := p.WaitForCompletion(timeout / 2)
	if !drained {
		p.logger.Warn("worker_pool_drain_incomplete", "in_flight", p.Stats().InFlight)
	}

	p.cancel()

	joined := make(chan struct{})
	go func() {
		p.workerWG.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(timeout / 2):
		p.logger.Error("worker_pool_join_timeout")
	}

	<-p.heartbeatDone
	p.emit(eventbus.EventPoolStopped, map[string]any{"drained": drained})
	p.logger.Info("worker_pool_stopped", "drained", drained)
}

// heartbeatLoop publishes pool health and flags stale workers.
func (p *Pool) heartbeatLoop(ctx context.Context) {
	defer close(p.heartbeatDone)
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now().UTC()
		stale := 0
		p.mu.Lock()
		workers := append([]*Worker{}, p.workers...)
		inFlight := p.inFlight
		p.mu.Unlock()

		for _, w := range workers {
			if w.stale(now, 3*p.cfg.HeartbeatInterval) {
				w.setStatus(WorkerError)
				stale++
				p.logger.Error("worker_heartbeat_stale", "worker_id", w.ID)
			}
		}

		queued := len(p.priorityQueue) + len(p.defaultQueue)
		if p.mon != nil {
			p.mon.SetTaskCounts(int(inFlight)-queued, queued)
		}
		observability.SetQueueDepth("priority", len(p.priorityQueue))
		observability.SetQueueDepth("default", len(p.defaultQueue))

		p.emit(eventbus.EventPoolHeartbeat, map[string]any{
			"in_flight":     inFlight,
			"queued":        queued,
			"stale_workers": stale,
		})
	}
}

// emit publishes without blocking; a saturated bus drops pool telemetry
// rather than stalling workers.
func (p *Pool) emit(eventType string, payload map[string]any) {
	if p.bus == nil {
		return
	}
	event := eventbus.New(eventType, payload).WithSource("workerpool")
	if err := p.bus.TryPublish(context.Background(), event); err != nil {
		p.logger.Debug("pool_event_dropped", "event_type", eventType, "error", err.Error())
	}
}
