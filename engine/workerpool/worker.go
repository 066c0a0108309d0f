package workerpool

import (
	"sync"
	"time"
)

// WorkerKind distinguishes scheduling flavors. All kinds run as goroutines;
// the kind records what the configuration asked for so pool stats reflect
// the deployment's intent.
type WorkerKind string

const (
	WorkerAsync   WorkerKind = "async"
	WorkerThread  WorkerKind = "thread"
	WorkerProcess WorkerKind = "process"
)

// WorkerStatus is the lifecycle state of one worker.
type WorkerStatus string

const (
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerStopping WorkerStatus = "stopping"
	WorkerStopped  WorkerStatus = "stopped"
	WorkerError    WorkerStatus = "error"
)

// Worker tracks one pool goroutine's state and counters.
type Worker struct {
	ID   string
	Kind WorkerKind

	mu             sync.Mutex
	status         WorkerStatus
	currentTask    string
	tasksCompleted int64
	tasksFailed    int64
	totalBusy      time.Duration
	lastHeartbeat  time.Time
}

func newWorker(id string, kind WorkerKind) *Worker {
	return &Worker{
		ID:            id,
		Kind:          kind,
		status:        WorkerIdle,
		lastHeartbeat: time.Now().UTC(),
	}
}

func (w *Worker) heartbeat() {
	w.mu.Lock()
	w.lastHeartbeat = time.Now().UTC()
	w.mu.Unlock()
}

func (w *Worker) setBusy(taskID string) {
	w.mu.Lock()
	w.status = WorkerBusy
	w.currentTask = taskID
	w.lastHeartbeat = time.Now().UTC()
	w.mu.Unlock()
}

func (w *Worker) setIdle(busyFor time.Duration, failed bool) {
	w.mu.Lock()
	w.status = WorkerIdle
	w.currentTask = ""
	w.totalBusy += busyFor
	if failed {
		w.tasksFailed++
	} else {
		w.tasksCompleted++
	}
	w.lastHeartbeat = time.Now().UTC()
	w.mu.Unlock()
}

func (w *Worker) setStatus(status WorkerStatus) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}

// stale reports whether the worker has missed heartbeats while not busy.
// A busy worker legitimately stops heartbeating for the length of its task,
// so only idle workers can go stale.
func (w *Worker) stale(now time.Time, ttl time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status != WorkerBusy && now.Sub(w.lastHeartbeat) > ttl
}

// WorkerStats is an externally safe view of one worker.
type WorkerStats struct {
	ID             string       `json:"id"`
	Kind           WorkerKind   `json:"kind"`
	Status         WorkerStatus `json:"status"`
	CurrentTask    string       `json:"current_task,omitempty"`
	TasksCompleted int64        `json:"tasks_completed"`
	TasksFailed    int64        `json:"tasks_failed"`
	TotalBusyMS    int64        `json:"total_busy_ms"`
	LastHeartbeat  time.Time    `json:"last_heartbeat"`
}

// Stats returns a copy of the worker's counters.
func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerStats{
		ID:             w.ID,
		Kind:           w.Kind,
		Status:         w.status,
		CurrentTask:    w.currentTask,
		TasksCompleted: w.tasksCompleted,
		TasksFailed:    w.tasksFailed,
		TotalBusyMS:    w.totalBusy.Milliseconds(),
		LastHeartbeat:  w.lastHeartbeat,
	}
}
