package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/docforge-labs/docengine/engine/config"
	"github.com/docforge-labs/docengine/engine/logging"
	"github.com/docforge-labs/docengine/engine/monitor"
	"github.com/docforge-labs/docengine/engine/observability"
	"github.com/docforge-labs/docengine/engine/processor"
	"github.com/docforge-labs/docengine/engine/statestore"
	"github.com/docforge-labs/docengine/engine/workerpool"
	"github.com/docforge-labs/docengine/eventbus"
)

// Deps are the collaborators a Manager executes through.
type Deps struct {
	Registry *processor.Registry
	Pool     *workerpool.Pool
	Monitor  *monitor.Monitor
	Bus      *eventbus.Bus
	Store    statestore.Store
	Logger   logging.Logger
}

// Manager owns runs for one pipeline configuration.
type Manager struct {
	config   *config.PipelineConfig
	registry *processor.Registry
	pool     *workerpool.Pool
	mon      *monitor.Monitor
	bus      *eventbus.Bus
	store    statestore.Store
	logger   logging.Logger

	mu   sync.RWMutex
	runs map[string]*Run
}

// NewManager validates the pipeline and builds a manager around it. The
// store may be nil when checkpointing is disabled.
func NewManager(cfg *config.PipelineConfig, deps Deps) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pipeline config is nil")
	}
	if !cfg.Validated() {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("processor registry is required")
	}
	if deps.Pool == nil {
		return nil, fmt.Errorf("worker pool is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if cfg.CheckpointEnabled && deps.Store == nil {
		return nil, fmt.Errorf("pipeline %s has checkpoints enabled but no state store", cfg.Name)
	}

	for _, stage := range cfg.Stages {
		if !deps.Registry.Has(stage.Processor) {
			return nil, fmt.Errorf("stage %s references unregistered processor %s", stage.Name, stage.Processor)
		}
	}

	return &Manager{
		config:   cfg,
		registry: deps.Registry,
		pool:     deps.Pool,
		mon:      deps.Monitor,
		bus:      deps.Bus,
		store:    deps.Store,
		logger:   deps.Logger.Bind("pipeline", cfg.Name),
		runs:     map[string]*Run{},
	}, nil
}

// Config returns the pipeline configuration this manager executes.
func (m *Manager) Config() *config.PipelineConfig { return m.config }

// CreatePipeline registers a new idle run for a document and returns its
// run ID.
func (m *Manager) CreatePipeline(documentID string, metadata map[string]any) (string, error) {
	if documentID == "" {
		return "", fmt.Errorf("document id is required")
	}
	run := NewRun(m.config.Name, documentID, metadata)
	m.mu.Lock()
	m.runs[run.RunID] = run
	m.mu.Unlock()

	m.logger.Info("run_created", "run_id", run.RunID, "document_id", documentID)
	return run.RunID, nil
}

// Run returns the run for an ID.
func (m *Manager) Run(runID string) (*Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	return run, ok
}

// findRun resolves a reference that may be a run ID or a document ID. A
// document ID resolves to its most recent run.
func (m *Manager) findRun(ref string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if run, ok := m.runs[ref]; ok {
		return run, nil
	}
	var newest *Run
	for _, run := range m.runs {
		if run.DocumentID != ref {
			continue
		}
		if newest == nil || run.CreatedAt.After(newest.CreatedAt) {
			newest = run
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, ref)
	}
	return newest, nil
}

// ExecuteOptions tune one Execute call.
type ExecuteOptions struct {
	// DryRun routes every stage through processor validation instead of
	// Process, and suppresses checkpoints.
	DryRun bool

	// FreshStart ignores any existing checkpoint for the document.
	FreshStart bool
}

// Execute runs the pipeline for a run or document reference until it
// settles. The returned run is also retrievable through Status afterwards.
func (m *Manager) Execute(ctx context.Context, ref string, opts ExecuteOptions) (*Run, error) {
	run, err := m.findRun(ref)
	if err != nil {
		return nil, err
	}
	run.DryRun = opts.DryRun

	if err := run.transition(StateRunning); err != nil {
		return run, err
	}

	if timeout := m.config.GlobalTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	m.logger.Info("pipeline_started", "run_id", run.RunID, "document_id", run.DocumentID, "dry_run", opts.DryRun)
	m.emit(ctx, run, eventbus.EventPipelineStarted, map[string]any{"dry_run": opts.DryRun})

	if m.checkpointsActive(run) && !opts.FreshStart {
		if _, err := m.restoreCheckpoint(ctx, run); err != nil {
			// A bad checkpoint degrades to a fresh run.
			m.logger.Warn("checkpoint_restore_failed", "run_id", run.RunID, "error", err.Error())
		}
	}

	execErr := m.executeLayers(ctx, run)
	durationMS := int(time.Since(start).Milliseconds())

	state, payload := m.settle(run, execErr, durationMS)
	observability.RecordPipelineExecution(m.config.Name, string(state), durationMS)

	switch state {
	case StateCompleted:
		m.logger.Info("pipeline_completed", "run_id", run.RunID, "duration_ms", durationMS)
		m.emit(ctx, run, eventbus.EventPipelineCompleted, payload)
		if m.checkpointsActive(run) {
			if err := m.DeleteCheckpoint(ctx, run.DocumentID); err != nil {
				m.logger.Warn("checkpoint_delete_failed", "run_id", run.RunID, "error", err.Error())
			}
		}
		return run, nil
	case StateCancelled:
		m.logger.Info("pipeline_cancelled", "run_id", run.RunID, "duration_ms", durationMS)
		m.emit(ctx, run, eventbus.EventPipelineCancelled, payload)
		return run, ErrRunCancelled
	default:
		m.logger.Error("pipeline_failed", "run_id", run.RunID, "duration_ms", durationMS, "error", payload["error"])
		m.emit(ctx, run, eventbus.EventPipelineFailed, payload)
		return run, execErr
	}
}

// settle derives and applies the terminal state. A run with any failed
// stage settles failed even when the executor itself returned no error,
// so non-critical failures still mark the document as not fully processed.
func (m *Manager) settle(run *Run, execErr error, durationMS int) (PipelineState, map[string]any) {
	payload := map[string]any{"duration_ms": durationMS}

	var state PipelineState
	switch {
	case run.Cancelled() || errors.Is(execErr, ErrRunCancelled):
		state = StateCancelled
	case execErr != nil:
		state = StateFailed
		payload["error"] = execErr.Error()
	default:
		if failed := run.FailedStages(); len(failed) > 0 {
			state = StateFailed
			payload["error"] = fmt.Sprintf("stages failed: %s", strings.Join(failed, ", "))
			payload["failed_stages"] = failed
		} else {
			state = StateCompleted
			payload["stages"] = len(run.StageResults())
		}
	}
	run.forceState(state)
	return state, payload
}

func (m *Manager) checkpointsActive(run *Run) bool {
	return m.config.CheckpointEnabled && m.store != nil && !run.DryRun
}

// Pause flags a running run. In-flight stages finish; the executor parks
// at the next stage boundary.
func (m *Manager) Pause(ref string) error {
	run, err := m.findRun(ref)
	if err != nil {
		return err
	}
	if err := run.transition(StatePaused); err != nil {
		return err
	}
	run.setPaused(true)
	m.logger.Info("pipeline_paused", "run_id", run.RunID)
	m.emit(context.Background(), run, eventbus.EventPipelinePaused, map[string]any{})
	return nil
}

// Resume unparks a paused run.
func (m *Manager) Resume(ref string) error {
	run, err := m.findRun(ref)
	if err != nil {
		return err
	}
	if err := run.transition(StateRunning); err != nil {
		return err
	}
	run.setPaused(false)
	m.logger.Info("pipeline_resumed", "run_id", run.RunID)
	m.emit(context.Background(), run, eventbus.EventPipelineResumed, map[string]any{})
	return nil
}

// Cancel flags a run for termination. Safe on running and paused runs;
// cancelling a terminal run is an error.
func (m *Manager) Cancel(ref string) error {
	run, err := m.findRun(ref)
	if err != nil {
		return err
	}
	if run.State().Terminal() {
		return &StateError{RunID: run.RunID, From: run.State(), To: StateCancelled}
	}
	run.Cancel()
	m.logger.Info("pipeline_cancel_requested", "run_id", run.RunID)
	return nil
}

// StageStatusReport is one stage's entry in a status report.
type StageStatusReport struct {
	Status     StageStatus `json:"status"`
	DurationMS int64       `json:"duration_ms"`
	Error      string      `json:"error,omitempty"`
}

// StatusReport is a point-in-time view of one run.
type StatusReport struct {
	RunID      string                       `json:"run_id"`
	DocumentID string                       `json:"document_id"`
	Pipeline   string                       `json:"pipeline"`
	State      PipelineState                `json:"state"`
	Progress   float64                      `json:"progress"`
	Stages     map[string]StageStatusReport `json:"stages"`
	CreatedAt  time.Time                    `json:"created_at"`
	DurationMS int64                        `json:"duration_ms"`
}

// Status reports the current state of a run or document reference.
func (m *Manager) Status(ref string) (*StatusReport, error) {
	run, err := m.findRun(ref)
	if err != nil {
		return nil, err
	}

	stages := map[string]StageStatusReport{}
	for _, name := range m.config.StageNames() {
		entry := StageStatusReport{Status: StagePending}
		if result, ok := run.StageResult(name); ok {
			entry.Status = result.Status
			entry.DurationMS = result.Duration().Milliseconds()
			entry.Error = result.Error
		}
		stages[name] = entry
	}

	return &StatusReport{
		RunID:      run.RunID,
		DocumentID: run.DocumentID,
		Pipeline:   m.config.Name,
		State:      run.State(),
		Progress:   run.Progress(len(m.config.Stages)),
		Stages:     stages,
		CreatedAt:  run.CreatedAt,
		DurationMS: run.Duration().Milliseconds(),
	}, nil
}

// NodeView is one stage in a graph view.
type NodeView struct {
	Name      string           `json:"name"`
	Kind      config.StageKind `json:"kind"`
	Processor string           `json:"processor"`
	Critical  bool             `json:"critical"`
	Condition string           `json:"condition,omitempty"`
}

// EdgeView is one dependency edge in a graph view.
type EdgeView struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// GraphView is a renderable description of the pipeline DAG.
type GraphView struct {
	Pipeline       string     `json:"pipeline"`
	Nodes          []NodeView `json:"nodes"`
	Edges          []EdgeView `json:"edges"`
	ExecutionOrder [][]string `json:"execution_order"`
}

// Visualize describes the DAG for rendering or inspection.
func (m *Manager) Visualize() *GraphView {
	view := &GraphView{
		Pipeline:       m.config.Name,
		ExecutionOrder: m.config.ExecutionLayers(),
	}
	for _, name := range m.config.StageNames() {
		stage := m.config.Stage(name)
		view.Nodes = append(view.Nodes, NodeView{
			Name:      stage.Name,
			Kind:      stage.Kind,
			Processor: stage.Processor,
			Critical:  stage.Critical,
			Condition: stage.Condition,
		})
		for _, dep := range stage.DependsOn {
			view.Edges = append(view.Edges, EdgeView{From: dep, To: stage.Name})
		}
	}
	return view
}

// Cleanup drops terminal runs from the active table and returns how many
// were removed.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, run := range m.runs {
		if run.State().Terminal() {
			delete(m.runs, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("runs_cleaned", "removed", removed)
	}
	return removed
}

// ActiveRuns returns the number of non-terminal runs.
func (m *Manager) ActiveRuns() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	active := 0
	for _, run := range m.runs {
		if !run.State().Terminal() {
			active++
		}
	}
	return active
}

// emit publishes a run-scoped event without blocking the executor.
func (m *Manager) emit(ctx context.Context, run *Run, eventType string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	payload["run_id"] = run.RunID
	payload["document_id"] = run.DocumentID
	payload["pipeline"] = run.PipelineName
	event := eventbus.New(eventType, payload).WithSource("runtime").WithCorrelation(run.RunID)
	if err := m.bus.TryPublish(ctx, event); err != nil {
		m.logger.Debug("run_event_dropped", "event_type", eventType, "error", err.Error())
	}
}
