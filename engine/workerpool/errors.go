package workerpool

import (
	"errors"
	"fmt"
	"time"
)

// ErrPoolStopped is returned by Submit when the pool is not running.
var ErrPoolStopped = errors.New("worker pool stopped")

// ErrUnknownTask is returned by Result for a task ID the pool never saw.
var ErrUnknownTask = errors.New("unknown task")

// QueueFullError reports a submission that could not be enqueued within
// the enqueue budget.
type QueueFullError struct {
	Queue  string
	Waited time.Duration
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("%s queue full after waiting %s", e.Queue, e.Waited)
}

// ResourceError reports a submission rejected by the resource monitor.
type ResourceError struct {
	TaskID string
	Reason string
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("task %s rejected: %s", e.TaskID, e.Reason)
}

// TaskFailedError reports a task that settled with a failure.
type TaskFailedError struct {
	TaskID string
	Cause  error
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.TaskID, e.Cause)
}

func (e *TaskFailedError) Unwrap() error { return e.Cause }

// TaskTimeoutError reports a task that exceeded its execution timeout, or
// a Result call that gave up waiting.
type TaskTimeoutError struct {
	TaskID  string
	Timeout time.Duration
	Waiting bool
}

func (e *TaskTimeoutError) Error() string {
	if e.Waiting {
		return fmt.Sprintf("task %s not finished after waiting %s", e.TaskID, e.Timeout)
	}
	return fmt.Sprintf("task %s timed out after %s", e.TaskID, e.Timeout)
}
