package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/docforge-labs/docengine/engine/typeutil"
	"github.com/docforge-labs/docengine/eventbus"
)

// checkpointKeyPrefix namespaces checkpoint entries in the state store.
const checkpointKeyPrefix = "pipeline_checkpoint:"

func checkpointKey(documentID string) string {
	return checkpointKeyPrefix + documentID
}

// saveCheckpoint persists the run's current state keyed by document ID.
// Called at layer boundaries; a save failure is reported but never aborts
// the run.
func (m *Manager) saveCheckpoint(ctx context.Context, run *Run) error {
	results := run.StageResults()
	stageResults := make(map[string]any, len(results))
	for name, result := range results {
		stageResults[name] = stageResultToMap(result)
	}

	state := map[string]any{
		"pipeline_id":   run.PipelineName,
		"run_id":        run.RunID,
		"document_id":   run.DocumentID,
		"metadata":      run.Metadata(),
		"user_data":     run.UserData(),
		"stage_results": stageResults,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}

	key := checkpointKey(run.DocumentID)
	if err := m.store.Set(ctx, key, state, m.config.CheckpointTTL()); err != nil {
		return &CheckpointError{Op: "save", Key: key, Cause: err}
	}

	m.logger.Debug("checkpoint_saved", "run_id", run.RunID, "document_id", run.DocumentID, "stages", len(results))
	m.emit(ctx, run, eventbus.EventCheckpointSaved, map[string]any{"stages": len(results)})
	return nil
}

// restoreCheckpoint loads any prior state for the document into the run.
// Returns the number of completed stages restored.
func (m *Manager) restoreCheckpoint(ctx context.Context, run *Run) (int, error) {
	key := checkpointKey(run.DocumentID)
	state, err := m.store.Get(ctx, key)
	if err != nil {
		return 0, &CheckpointError{Op: "restore", Key: key, Cause: err}
	}
	if state == nil {
		return 0, nil
	}

	if name, ok := typeutil.SafeString(state["pipeline_id"]); ok && name != run.PipelineName {
		return 0, &CheckpointError{Op: "restore", Key: key,
			Cause: fmt.Errorf("checkpoint belongs to pipeline %q, not %q", name, run.PipelineName)}
	}

	metadata := typeutil.SafeMapStringAnyDefault(state["metadata"], nil)
	userData := typeutil.SafeMapStringAnyDefault(state["user_data"], nil)

	results := map[string]*StageResult{}
	completed := 0
	if raw, ok := typeutil.SafeMapStringAny(state["stage_results"]); ok {
		for name, entry := range raw {
			resultMap, ok := typeutil.SafeMapStringAny(entry)
			if !ok {
				continue
			}
			result := stageResultFromMap(name, resultMap)
			results[name] = result
			if result.Status == StageCompleted {
				completed++
			}
		}
	}

	run.replaceState(metadata, userData, results)
	m.logger.Info("checkpoint_restored",
		"run_id", run.RunID,
		"document_id", run.DocumentID,
		"completed_stages", completed,
	)
	m.emit(ctx, run, eventbus.EventCheckpointRestored, map[string]any{"completed_stages": completed})
	return completed, nil
}

// DeleteCheckpoint removes stored state for a document.
func (m *Manager) DeleteCheckpoint(ctx context.Context, documentID string) error {
	return m.store.Delete(ctx, checkpointKey(documentID))
}

func stageResultToMap(result *StageResult) map[string]any {
	out := map[string]any{
		"stage_name": result.StageName,
		"status":     string(result.Status),
	}
	if !result.StartTime.IsZero() {
		out["start_time"] = result.StartTime.Format(time.RFC3339)
	}
	if !result.EndTime.IsZero() {
		out["end_time"] = result.EndTime.Format(time.RFC3339)
	}
	if result.Data != nil {
		out["data"] = result.Data
	}
	if result.Error != "" {
		out["error"] = result.Error
	}
	if len(result.Metrics) > 0 {
		metrics := make(map[string]any, len(result.Metrics))
		for k, v := range result.Metrics {
			metrics[k] = v
		}
		out["metrics"] = metrics
	}
	return out
}

func stageResultFromMap(name string, raw map[string]any) *StageResult {
	result := &StageResult{
		StageName: name,
		Status:    StageStatus(typeutil.SafeStringDefault(raw["status"], string(StagePending))),
		Data:      typeutil.SafeMapStringAnyDefault(raw["data"], nil),
		Error:     typeutil.SafeStringDefault(raw["error"], ""),
	}
	if s, ok := typeutil.SafeString(raw["start_time"]); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			result.StartTime = t
		}
	}
	if s, ok := typeutil.SafeString(raw["end_time"]); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			result.EndTime = t
		}
	}
	if metrics, ok := typeutil.SafeMapStringAny(raw["metrics"]); ok {
		result.Metrics = make(map[string]float64, len(metrics))
		for k, v := range metrics {
			if f, ok := typeutil.SafeFloat64(v); ok {
				result.Metrics[k] = f
			}
		}
	}
	return result
}
