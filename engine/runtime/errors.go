package runtime

import (
	"errors"
	"fmt"
	"time"
)

// ErrRunCancelled is returned when execution stops because the run was
// cancelled.
var ErrRunCancelled = errors.New("run cancelled")

// ErrRunNotFound is returned when neither a run ID nor a document ID
// matches an active run.
var ErrRunNotFound = errors.New("run not found")

// StateError reports an illegal pipeline state transition.
type StateError struct {
	RunID string
	From  PipelineState
	To    PipelineState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("run %s: cannot transition %s -> %s", e.RunID, e.From, e.To)
}

// StageError reports a stage failure that aborted the run.
type StageError struct {
	Stage    string
	Critical bool
	Cause    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Cause)
}

func (e *StageError) Unwrap() error { return e.Cause }

// StageTimeoutError reports a stage that exceeded its effective timeout.
type StageTimeoutError struct {
	Stage   string
	Timeout time.Duration
}

func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("stage %s timed out after %s", e.Stage, e.Timeout)
}

// ResourceWaitError reports a stage that could not obtain resources within
// the admission budget.
type ResourceWaitError struct {
	Stage  string
	Waited time.Duration
	Reason string
}

func (e *ResourceWaitError) Error() string {
	return fmt.Sprintf("stage %s: resources unavailable after %s: %s", e.Stage, e.Waited, e.Reason)
}

// CheckpointError reports a checkpoint save or restore failure.
type CheckpointError struct {
	Op    string
	Key   string
	Cause error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s %s: %v", e.Op, e.Key, e.Cause)
}

func (e *CheckpointError) Unwrap() error { return e.Cause }
