// Package workerpool executes processor tasks on a fixed set of workers
// fed by two bounded queues: a small priority queue polled first and a
// larger default queue.
//
// Features:
//   - Priority-aware submission with optional resource admission
//   - Per-task timeouts with panic isolation
//   - Worker heartbeats and per-worker statistics
//   - Graceful drain on Stop with a hard cancellation deadline
package workerpool

import (
	"sync"
	"time"

	"github.com/docforge-labs/docengine/engine/config"
	"github.com/docforge-labs/docengine/engine/processor"
)

// ============================================================================
// Priority
// ============================================================================

// Priority orders tasks. Critical tasks go to the dedicated priority queue;
// everything else shares the default queue and carries its priority as a
// scheduling hint.
type Priority string

const (
	PriorityCritical   Priority = "critical"
	PriorityHigh       Priority = "high"
	PriorityNormal     Priority = "normal"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

// Weight returns the numeric rank of a priority, higher first.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 100
	case PriorityHigh:
		return 75
	case PriorityNormal:
		return 50
	case PriorityLow:
		return 25
	case PriorityBackground:
		return 10
	default:
		return 50
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground:
		return true
	}
	return false
}

// ============================================================================
// Task
// ============================================================================

// TaskStatus is the lifecycle state of one task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimeout   TaskStatus = "timeout"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimeout, TaskCancelled:
		return true
	}
	return false
}

// Task is one unit of work queued on the pool.
type Task struct {
	ID            string
	ProcessorName string
	Priority      Priority
	Timeout       time.Duration
	Resources     *config.ResourceRequirements
	SubmittedAt   time.Time

	pctx *processor.Context
	fn   ProcessFunc

	mu          sync.Mutex
	status      TaskStatus
	workerID    string
	startedAt   time.Time
	completedAt time.Time
	result      *processor.Result
	err         error
	done        chan struct{}
}

// Status returns the current lifecycle state.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Done closes when the task settles.
func (t *Task) Done() <-chan struct{} { return t.done }

// Outcome returns the settled result and error. Only meaningful once Done
// is closed.
func (t *Task) Outcome() (*processor.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

func (t *Task) markRunning(workerID string) {
	t.mu.Lock()
	t.status = TaskRunning
	t.workerID = workerID
	t.startedAt = time.Now().UTC()
	t.mu.Unlock()
}

func (t *Task) settle(status TaskStatus, result *processor.Result, err error) {
	t.mu.Lock()
	t.status = status
	t.result = result
	t.err = err
	t.completedAt = time.Now().UTC()
	t.mu.Unlock()
	close(t.done)
}

// Snapshot is an externally safe view of a task.
type Snapshot struct {
	ID            string     `json:"id"`
	ProcessorName string     `json:"processor_name"`
	Priority      Priority   `json:"priority"`
	Status        TaskStatus `json:"status"`
	WorkerID      string     `json:"worker_id,omitempty"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	StartedAt     time.Time  `json:"started_at,omitzero"`
	CompletedAt   time.Time  `json:"completed_at,omitzero"`
	Error         string     `json:"error,omitempty"`
}

// Snapshot returns a copy of the task's visible state.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := Snapshot{
		ID:            t.ID,
		ProcessorName: t.ProcessorName,
		Priority:      t.Priority,
		Status:        t.status,
		WorkerID:      t.workerID,
		SubmittedAt:   t.SubmittedAt,
		StartedAt:     t.startedAt,
		CompletedAt:   t.completedAt,
	}
	if t.err != nil {
		snap.Error = t.err.Error()
	}
	return snap
}
