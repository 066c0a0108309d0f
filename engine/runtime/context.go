// Package runtime is the pipeline execution engine: it owns run contexts,
// the pipeline state machine, the layered DAG executor and checkpointing.
//
// A Manager is created per pipeline configuration. Each document flows
// through as a Run with its own state, stage results and user data.
package runtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Pipeline state machine
// ============================================================================

// PipelineState is the lifecycle state of one run.
type PipelineState string

const (
	StateIdle      PipelineState = "idle"
	StateRunning   PipelineState = "running"
	StatePaused    PipelineState = "paused"
	StateCompleted PipelineState = "completed"
	StateFailed    PipelineState = "failed"
	StateCancelled PipelineState = "cancelled"
)

// Terminal reports whether the state is final.
func (s PipelineState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether s -> to is a legal move.
func (s PipelineState) CanTransition(to PipelineState) bool {
	switch s {
	case StateIdle:
		return to == StateRunning || to == StateCancelled
	case StateRunning:
		return to == StatePaused || to == StateCompleted || to == StateFailed || to == StateCancelled
	case StatePaused:
		return to == StateRunning || to == StateCancelled || to == StateFailed
	default:
		return false
	}
}

// ============================================================================
// Stage results
// ============================================================================

// StageStatus is the outcome of one stage within a run.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// StageResult records what one stage produced.
type StageResult struct {
	StageName string             `json:"stage_name"`
	Status    StageStatus        `json:"status"`
	StartTime time.Time          `json:"start_time,omitzero"`
	EndTime   time.Time          `json:"end_time,omitzero"`
	Data      map[string]any     `json:"data,omitempty"`
	Error     string             `json:"error,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// Duration returns the stage's wall time, or 0 when it never ran.
func (r *StageResult) Duration() time.Duration {
	if r.StartTime.IsZero() || r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// Clone returns a copy with an independent data map.
func (r *StageResult) Clone() *StageResult {
	copied := *r
	if r.Data != nil {
		copied.Data = make(map[string]any, len(r.Data))
		for k, v := range r.Data {
			copied.Data[k] = v
		}
	}
	if r.Metrics != nil {
		copied.Metrics = make(map[string]float64, len(r.Metrics))
		for k, v := range r.Metrics {
			copied.Metrics[k] = v
		}
	}
	return &copied
}

// ============================================================================
// Run
// ============================================================================

// pausePollInterval is how often a paused run re-checks for resume or
// cancellation.
const pausePollInterval = 50 * time.Millisecond

// Run is the mutable context of one document's trip through a pipeline.
// All accessors are safe for concurrent use by the executor's stage
// goroutines.
type Run struct {
	RunID        string
	PipelineName string
	DocumentID   string
	CreatedAt    time.Time
	DryRun       bool

	mu         sync.RWMutex
	state      PipelineState
	metadata   map[string]any
	userData   map[string]any
	results    map[string]*StageResult
	startedAt  time.Time
	finishedAt time.Time
	cancelled  bool
	paused     bool
}

// NewRun creates an idle run for a document.
func NewRun(pipelineName, documentID string, metadata map[string]any) *Run {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &Run{
		RunID:        uuid.New().String(),
		PipelineName: pipelineName,
		DocumentID:   documentID,
		CreatedAt:    time.Now().UTC(),
		state:        StateIdle,
		metadata:     metadata,
		userData:     map[string]any{},
		results:      map[string]*StageResult{},
	}
}

// State returns the current lifecycle state.
func (r *Run) State() PipelineState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// transition moves the state machine, rejecting illegal moves.
func (r *Run) transition(to PipelineState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.CanTransition(to) {
		return &StateError{RunID: r.RunID, From: r.state, To: to}
	}
	r.state = to
	r.markTimesLocked(to)
	return nil
}

// markTimesLocked pins the run's start and finish instants. Caller holds
// r.mu. Resuming a paused run does not reset the start.
func (r *Run) markTimesLocked(to PipelineState) {
	switch {
	case to == StateRunning && r.startedAt.IsZero():
		r.startedAt = time.Now().UTC()
	case to.Terminal() && r.finishedAt.IsZero():
		r.finishedAt = time.Now().UTC()
	}
}

// forceState sets a terminal state regardless of the current one. Used
// when settling a run whose state may have moved underneath the executor.
func (r *Run) forceState(to PipelineState) {
	r.mu.Lock()
	r.state = to
	r.markTimesLocked(to)
	r.mu.Unlock()
}

// Duration returns the run's wall time: zero before it starts, elapsed time
// while live, and the final figure once the run settles.
func (r *Run) Duration() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.startedAt.IsZero() {
		return 0
	}
	if r.finishedAt.IsZero() {
		return time.Since(r.startedAt)
	}
	return r.finishedAt.Sub(r.startedAt)
}

// Cancel flags the run. The executor observes the flag at the next stage
// or layer boundary; a paused run settles without resuming work.
func (r *Run) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	r.paused = false
	r.mu.Unlock()
}

// Cancelled reports whether Cancel was called.
func (r *Run) Cancelled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cancelled
}

func (r *Run) setPaused(paused bool) {
	r.mu.Lock()
	r.paused = paused
	r.mu.Unlock()
}

// Paused reports whether the run is flagged paused.
func (r *Run) Paused() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused
}

// waitWhilePaused blocks until the run is resumed, cancelled or ctx ends.
func (r *Run) waitWhilePaused(ctx context.Context) error {
	for {
		r.mu.RLock()
		paused, cancelled := r.paused, r.cancelled
		r.mu.RUnlock()
		if cancelled {
			return ErrRunCancelled
		}
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pausePollInterval):
		}
	}
}

// SetStageResult stores a stage outcome.
func (r *Run) SetStageResult(result *StageResult) {
	r.mu.Lock()
	r.results[result.StageName] = result
	r.mu.Unlock()
}

// StageResult returns a copy of one stage's outcome.
func (r *Run) StageResult(name string) (*StageResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result, ok := r.results[name]
	if !ok {
		return nil, false
	}
	return result.Clone(), true
}

// StageResults returns a copy of every stage outcome recorded so far.
func (r *Run) StageResults() map[string]*StageResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*StageResult, len(r.results))
	for name, result := range r.results {
		out[name] = result.Clone()
	}
	return out
}

// FailedStages returns the names of stages that settled failed, sorted.
func (r *Run) FailedStages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var failed []string
	for name, result := range r.results {
		if result.Status == StageFailed {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	return failed
}

// SetUserData stores a key in the run's shared data.
func (r *Run) SetUserData(key string, value any) {
	r.mu.Lock()
	r.userData[key] = value
	r.mu.Unlock()
}

// UserData returns a copy of the run's shared data.
func (r *Run) UserData() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.userData))
	for k, v := range r.userData {
		out[k] = v
	}
	return out
}

// Metadata returns a copy of the run's immutable submission metadata.
func (r *Run) Metadata() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.metadata))
	for k, v := range r.metadata {
		out[k] = v
	}
	return out
}

// replaceState swaps in restored checkpoint data.
func (r *Run) replaceState(metadata, userData map[string]any, results map[string]*StageResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if metadata != nil {
		r.metadata = metadata
	}
	if userData != nil {
		r.userData = userData
	}
	for name, result := range results {
		r.results[name] = result
	}
}

// Progress returns settled stages over total stages, in [0, 1].
func (r *Run) Progress(totalStages int) float64 {
	if totalStages == 0 {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	settled := 0
	for _, result := range r.results {
		switch result.Status {
		case StageCompleted, StageSkipped, StageFailed:
			settled++
		}
	}
	return float64(settled) / float64(totalStages)
}
