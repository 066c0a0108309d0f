package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/docforge-labs/docengine/engine/config"
	"github.com/docforge-labs/docengine/engine/observability"
	"github.com/docforge-labs/docengine/engine/processor"
	"github.com/docforge-labs/docengine/engine/workerpool"
	"github.com/docforge-labs/docengine/eventbus"
)

// resourceWaitBudget is how long a stage waits for resource admission
// before failing.
const resourceWaitBudget = 60 * time.Second

// resourceRetryInterval is the admission polling interval.
const resourceRetryInterval = time.Second

// resultGrace is added to the stage timeout when waiting on the pool, so
// the pool's own timeout fires first and reports precisely.
const resultGrace = 5 * time.Second

// executeLayers walks the topological layers, running each layer's stages
// concurrently up to MaxParallelStages. Pause parks between stages;
// cancellation is observed at every boundary.
func (m *Manager) executeLayers(ctx context.Context, run *Run) error {
	layers := m.config.ExecutionLayers()
	sem := semaphore.NewWeighted(int64(m.config.MaxParallelStages))

	for layerIdx, layer := range layers {
		if err := m.checkBoundary(ctx, run); err != nil {
			return err
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		var fatal error

		for _, stageName := range layer {
			stage := m.config.Stage(stageName)

			if skipped, reason := m.shouldSkip(run, stage); skipped {
				if reason != "" {
					m.recordSkip(ctx, run, stage, reason)
				}
				continue
			}

			if err := m.checkBoundary(ctx, run); err != nil {
				mu.Lock()
				if fatal == nil {
					fatal = err
				}
				mu.Unlock()
				break
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				if fatal == nil {
					fatal = err
				}
				mu.Unlock()
				break
			}

			wg.Add(1)
			go func(stage *config.StageConfig) {
				defer wg.Done()
				defer sem.Release(1)
				if err := m.runStage(ctx, run, stage); err != nil {
					mu.Lock()
					if fatal == nil {
						fatal = err
					}
					mu.Unlock()
				}
			}(stage)
		}

		wg.Wait()

		if fatal != nil {
			return fatal
		}

		if m.checkpointsActive(run) {
			if err := m.saveCheckpoint(ctx, run); err != nil {
				m.logger.Warn("checkpoint_save_failed",
					"run_id", run.RunID, "layer", layerIdx, "error", err.Error())
			}
		}
	}
	return nil
}

// checkBoundary enforces cancellation and pause at stage/layer boundaries.
func (m *Manager) checkBoundary(ctx context.Context, run *Run) error {
	if run.Cancelled() {
		return ErrRunCancelled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return run.waitWhilePaused(ctx)
}

// shouldSkip decides whether a stage runs at all. The second return is a
// skip reason to record; empty means the stage is already settled (from a
// restored checkpoint) and needs no new result.
func (m *Manager) shouldSkip(run *Run, stage *config.StageConfig) (bool, string) {
	if result, ok := run.StageResult(stage.Name); ok && result.Status == StageCompleted {
		return true, ""
	}

	for _, dep := range stage.DependsOn {
		depResult, ok := run.StageResult(dep)
		if !ok || depResult.Status != StageCompleted {
			return true, fmt.Sprintf("dependency %s did not complete", dep)
		}
	}

	if stage.Condition != "" && !evalCondition(stage.Condition, run) {
		return true, fmt.Sprintf("condition %q is false", stage.Condition)
	}

	return false, ""
}

func (m *Manager) recordSkip(ctx context.Context, run *Run, stage *config.StageConfig, reason string) {
	now := time.Now().UTC()
	run.SetStageResult(&StageResult{
		StageName: stage.Name,
		Status:    StageSkipped,
		StartTime: now,
		EndTime:   now,
		Error:     reason,
	})
	observability.RecordStageExecution(m.config.Name, stage.Name, string(StageSkipped), 0)
	m.logger.Info("stage_skipped", "run_id", run.RunID, "stage", stage.Name, "reason", reason)
	m.emit(ctx, run, eventbus.EventStageSkipped, map[string]any{"stage": stage.Name, "reason": reason})
}

// runStage executes one stage through the worker pool. The returned error
// is non-nil only when the failure must abort the run.
func (m *Manager) runStage(ctx context.Context, run *Run, stage *config.StageConfig) error {
	start := time.Now().UTC()
	timeout := m.config.StageTimeout(stage)

	m.logger.Info("stage_started", "run_id", run.RunID, "stage", stage.Name, "processor", stage.Processor)
	m.emit(ctx, run, eventbus.EventStageStarted, map[string]any{"stage": stage.Name, "processor": stage.Processor})

	result, err := m.dispatchStage(ctx, run, stage, timeout)
	elapsed := time.Since(start)

	if err != nil {
		return m.settleStageFailure(ctx, run, stage, start, elapsed, err)
	}

	stageResult := &StageResult{
		StageName: stage.Name,
		Status:    StageCompleted,
		StartTime: start,
		EndTime:   time.Now().UTC(),
		Data:      result.ExtractedData,
		Metrics:   result.Metrics,
	}
	run.SetStageResult(stageResult)
	run.SetUserData(stage.Name, result.ExtractedData)

	observability.RecordStageExecution(m.config.Name, stage.Name, string(StageCompleted), int(elapsed.Milliseconds()))
	m.logger.Info("stage_completed", "run_id", run.RunID, "stage", stage.Name, "duration_ms", elapsed.Milliseconds())
	m.emit(ctx, run, eventbus.EventStageCompleted, map[string]any{
		"stage":       stage.Name,
		"duration_ms": elapsed.Milliseconds(),
	})
	return nil
}

// dispatchStage resolves the processor, submits the task with resource
// admission and waits for the outcome, retrying transient failures up to
// the stage's retry budget.
func (m *Manager) dispatchStage(ctx context.Context, run *Run, stage *config.StageConfig, timeout time.Duration) (*processor.Result, error) {
	proc, err := m.registry.Get(ctx, stage.Processor, stage.Config)
	if err != nil {
		return nil, err
	}

	pctx := &processor.Context{
		DocumentID:   run.DocumentID,
		RunID:        run.RunID,
		PipelineName: run.PipelineName,
		StageName:    stage.Name,
		Config:       stage.Config,
		Metadata:     run.Metadata(),
		UserData:     run.UserData(),
		DryRun:       run.DryRun,
	}

	fn := m.stageFunc(proc, run.DryRun)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 8 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempts := stage.Retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := m.submitAndWait(ctx, run, stage, pctx, fn, timeout)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !retryable(err) || attempt == attempts {
			break
		}
		delay := bo.NextBackOff()
		m.logger.Warn("stage_attempt_failed",
			"run_id", run.RunID,
			"stage", stage.Name,
			"attempt", attempt,
			"max_attempts", attempts,
			"retry_in", delay.String(),
			"error", err.Error(),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if run.Cancelled() {
			return nil, ErrRunCancelled
		}
	}
	return nil, lastErr
}

// retryable reports whether a stage attempt error is worth retrying.
// Timeouts, cancellation and backpressure are not: the run either aborts
// or the condition will not clear within a retry budget.
func retryable(err error) bool {
	var timeoutErr *workerpool.TaskTimeoutError
	var queueErr *workerpool.QueueFullError
	var waitErr *ResourceWaitError
	switch {
	case errors.As(err, &timeoutErr),
		errors.As(err, &queueErr),
		errors.As(err, &waitErr),
		errors.Is(err, ErrRunCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// stageFunc builds the pool work function. Dry runs route through
// Validate instead of Process.
func (m *Manager) stageFunc(proc processor.Processor, dryRun bool) workerpool.ProcessFunc {
	if dryRun {
		return func(ctx context.Context, pctx *processor.Context) (*processor.Result, error) {
			if errs := proc.Validate(ctx, pctx); len(errs) > 0 {
				return nil, fmt.Errorf("validation failed: %v", errs)
			}
			res := processor.NewResult(processor.StatusCompleted)
			res.ExtractedData["validated"] = true
			return res, nil
		}
	}
	return proc.Process
}

// submitAndWait performs one attempt: admission polling, submission and
// result collection.
func (m *Manager) submitAndWait(ctx context.Context, run *Run, stage *config.StageConfig, pctx *processor.Context, fn workerpool.ProcessFunc, timeout time.Duration) (*processor.Result, error) {
	sub := workerpool.Submission{
		ProcessorName: stage.Processor,
		Context:       pctx,
		Fn:            fn,
		Priority:      stagePriority(stage),
		Timeout:       timeout,
		Resources:     &stage.Resources,
	}
	if m.mon == nil {
		sub.Resources = nil
	}

	deadline := time.Now().Add(resourceWaitBudget)
	var taskID string
	for {
		var err error
		taskID, err = m.pool.Submit(ctx, sub)
		if err == nil {
			break
		}

		var resErr *workerpool.ResourceError
		if !errors.As(err, &resErr) {
			return nil, err
		}
		if time.Now().After(deadline) {
			m.emit(ctx, run, eventbus.EventResourceRejected, map[string]any{
				"stage":  stage.Name,
				"reason": resErr.Reason,
			})
			return nil, &ResourceWaitError{Stage: stage.Name, Waited: resourceWaitBudget, Reason: resErr.Reason}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(resourceRetryInterval):
		}
		if run.Cancelled() {
			return nil, ErrRunCancelled
		}
	}

	result, err := m.pool.Result(taskID, timeout+resultGrace)
	if err != nil {
		var poolTimeout *workerpool.TaskTimeoutError
		if errors.As(err, &poolTimeout) {
			return nil, &StageTimeoutError{Stage: stage.Name, Timeout: timeout}
		}
		return nil, err
	}
	return result, nil
}

// settleStageFailure records a failed stage and decides whether the run
// aborts.
func (m *Manager) settleStageFailure(ctx context.Context, run *Run, stage *config.StageConfig, start time.Time, elapsed time.Duration, cause error) error {
	run.SetStageResult(&StageResult{
		StageName: stage.Name,
		Status:    StageFailed,
		StartTime: start,
		EndTime:   time.Now().UTC(),
		Error:     cause.Error(),
	})

	observability.RecordStageExecution(m.config.Name, stage.Name, string(StageFailed), int(elapsed.Milliseconds()))
	m.logger.Error("stage_failed",
		"run_id", run.RunID,
		"stage", stage.Name,
		"critical", stage.Critical,
		"error", cause.Error(),
	)
	m.emit(ctx, run, eventbus.EventStageFailed, map[string]any{
		"stage":    stage.Name,
		"critical": stage.Critical,
		"error":    cause.Error(),
	})

	if errors.Is(cause, ErrRunCancelled) {
		return ErrRunCancelled
	}

	// Backpressure aborts regardless of criticality: the run cannot make
	// progress against a saturated pool.
	var queueErr *workerpool.QueueFullError
	if errors.As(cause, &queueErr) {
		return &StageError{Stage: stage.Name, Critical: stage.Critical, Cause: cause}
	}

	if stage.Critical {
		return &StageError{Stage: stage.Name, Critical: true, Cause: cause}
	}
	return nil
}

// stagePriority maps stage criticality onto pool scheduling priority.
func stagePriority(stage *config.StageConfig) workerpool.Priority {
	if stage.Critical {
		return workerpool.PriorityHigh
	}
	return workerpool.PriorityNormal
}
