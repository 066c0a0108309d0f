package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docforge-labs/docengine/engine/config"
	"github.com/docforge-labs/docengine/engine/logging"
	"github.com/docforge-labs/docengine/engine/processor"
	"github.com/docforge-labs/docengine/engine/statestore"
	"github.com/docforge-labs/docengine/engine/testutil"
	"github.com/docforge-labs/docengine/engine/workerpool"
	"github.com/docforge-labs/docengine/eventbus"
)

// allRunEvents is every event type the runtime emits, for recorder setup.
var allRunEvents = []string{
	eventbus.EventPipelineStarted,
	eventbus.EventPipelineCompleted,
	eventbus.EventPipelineFailed,
	eventbus.EventPipelinePaused,
	eventbus.EventPipelineResumed,
	eventbus.EventPipelineCancelled,
	eventbus.EventStageStarted,
	eventbus.EventStageCompleted,
	eventbus.EventStageFailed,
	eventbus.EventStageSkipped,
	eventbus.EventCheckpointSaved,
	eventbus.EventCheckpointRestored,
	eventbus.EventResourceRejected,
}

type testEnv struct {
	manager  *Manager
	store    *statestore.MemoryStore
	bus      *eventbus.Bus
	pool     *workerpool.Pool
	recorder *testutil.EventRecorder
}

// newTestEnv wires a manager with an in-memory store, a small pool and a
// recording event bus. Processors are registered from the given factories.
func newTestEnv(t *testing.T, cfg *config.PipelineConfig, poolCfg *workerpool.Config, procs map[string]processor.Factory) *testEnv {
	t.Helper()
	logger := logging.NewNop()

	registry, err := processor.NewRegistry(logger, 16)
	require.NoError(t, err)
	for name, factory := range procs {
		require.NoError(t, registry.Register(name, factory))
	}

	if poolCfg == nil {
		poolCfg = &workerpool.Config{
			AsyncWorkers:      4,
			QueueSize:         64,
			PriorityQueueSize: 16,
			HeartbeatInterval: time.Second,
		}
	}
	pool, err := workerpool.NewPool(poolCfg, logger)
	require.NoError(t, err)

	bus := eventbus.NewBus(logger, 256)
	recorder := testutil.NewEventRecorder()
	recorder.SubscribeAll(bus, allRunEvents...)
	bus.Start()
	pool.SetEventBus(bus)
	pool.Start()

	store := statestore.NewMemoryStore()
	manager, err := NewManager(cfg, Deps{
		Registry: registry,
		Pool:     pool,
		Bus:      bus,
		Store:    store,
		Logger:   logger,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Stop(2 * time.Second)
		_ = bus.Stop()
	})
	return &testEnv{manager: manager, store: store, bus: bus, pool: pool, recorder: recorder}
}

func (e *testEnv) execute(t *testing.T, documentID string, metadata map[string]any, opts ExecuteOptions) (*Run, error) {
	t.Helper()
	runID, err := e.manager.CreatePipeline(documentID, metadata)
	require.NoError(t, err)
	return e.manager.Execute(context.Background(), runID, opts)
}

func TestLinearPipelineCompletes(t *testing.T) {
	mock := testutil.NewMockProcessor("mock")
	cfg := testutil.NewLinearPipeline("docproc", "mock", "extract", "transform", "load")
	env := newTestEnv(t, cfg, nil, map[string]processor.Factory{"mock": mock.Factory()})

	run, err := env.execute(t, "doc-1", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, run.State())
	assert.Equal(t, 3, mock.ProcessCalls())

	for _, stage := range []string{"extract", "transform", "load"} {
		result, ok := run.StageResult(stage)
		require.True(t, ok, stage)
		assert.Equal(t, StageCompleted, result.Status)
		assert.Equal(t, "mock", result.Data["processed_by"])
	}

	// Each completed stage publishes its data for downstream stages.
	userData := run.UserData()
	assert.Contains(t, userData, "extract")
	assert.Contains(t, userData, "load")

	require.True(t, env.recorder.WaitFor(eventbus.EventPipelineCompleted, 1, time.Second))
	assert.Equal(t, 1, env.recorder.CountOf(eventbus.EventPipelineStarted))
	assert.Equal(t, 3, env.recorder.CountOf(eventbus.EventStageStarted))
	assert.Equal(t, 3, env.recorder.CountOf(eventbus.EventStageCompleted))

	// A completed run leaves no checkpoint behind.
	state, err := env.store.Get(context.Background(), checkpointKey("doc-1"))
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestDiamondRunsJoinAfterBranches(t *testing.T) {
	var mu sync.Mutex
	var order []string
	mock := testutil.NewMockProcessor("mock")
	mock.ProcessFunc = func(_ context.Context, pctx *processor.Context) (*processor.Result, error) {
		mu.Lock()
		order = append(order, pctx.StageName)
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return processor.NewResult(processor.StatusCompleted), nil
	}
	cfg := testutil.NewDiamondPipeline("diamond", "mock")
	env := newTestEnv(t, cfg, nil, map[string]processor.Factory{"mock": mock.Factory()})

	run, err := env.execute(t, "doc-d", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, run.State())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 4)
	assert.Equal(t, "a", order[0])
	assert.Equal(t, "d", order[3], "join stage must run after both branches")
	assert.ElementsMatch(t, []string{"b", "c"}, order[1:3])
}

func TestNonCriticalFailureSkipsDependents(t *testing.T) {
	ok := testutil.NewMockProcessor("ok")
	broken := testutil.NewMockProcessor("broken").WithError(errors.New("ocr engine crashed"))

	cfg := config.NewPipelineConfig("branching")
	cfg.AddStage(config.NewStageConfig("a", "ok"))
	cfg.AddStage(config.NewStageConfig("b", "broken").WithDependsOn("a").WithCritical(false))
	cfg.AddStage(config.NewStageConfig("c", "ok").WithDependsOn("a"))
	cfg.AddStage(config.NewStageConfig("d", "ok").WithDependsOn("b", "c"))

	env := newTestEnv(t, cfg, nil, map[string]processor.Factory{
		"ok":     ok.Factory(),
		"broken": broken.Factory(),
	})

	run, err := env.execute(t, "doc-nc", nil, ExecuteOptions{})
	require.NoError(t, err, "a non-critical failure must not abort the run")
	assert.Equal(t, StateFailed, run.State(), "a failed stage fails the run even though execution continued")
	assert.Equal(t, []string{"b"}, run.FailedStages())

	b, _ := run.StageResult("b")
	assert.Equal(t, StageFailed, b.Status)
	assert.Contains(t, b.Error, "ocr engine crashed")

	c, _ := run.StageResult("c")
	assert.Equal(t, StageCompleted, c.Status)

	d, _ := run.StageResult("d")
	assert.Equal(t, StageSkipped, d.Status)
	assert.Contains(t, d.Error, "dependency b did not complete")

	require.True(t, env.recorder.WaitFor(eventbus.EventStageSkipped, 1, time.Second))
	assert.Equal(t, 1, env.recorder.CountOf(eventbus.EventStageFailed))
	require.True(t, env.recorder.WaitFor(eventbus.EventPipelineFailed, 1, time.Second))
	assert.Zero(t, env.recorder.CountOf(eventbus.EventPipelineCompleted))
}

func TestCriticalFailureAbortsRun(t *testing.T) {
	ok := testutil.NewMockProcessor("ok")
	broken := testutil.NewMockProcessor("broken").WithError(errors.New("checksum mismatch"))

	cfg := config.NewPipelineConfig("strict")
	cfg.AddStage(config.NewStageConfig("validate", "broken"))
	cfg.AddStage(config.NewStageConfig("publish", "ok").WithDependsOn("validate"))

	env := newTestEnv(t, cfg, nil, map[string]processor.Factory{
		"ok":     ok.Factory(),
		"broken": broken.Factory(),
	})

	run, err := env.execute(t, "doc-cf", nil, ExecuteOptions{})
	require.Error(t, err)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "validate", stageErr.Stage)
	assert.True(t, stageErr.Critical)

	assert.Equal(t, StateFailed, run.State())
	assert.Equal(t, 0, ok.ProcessCalls(), "downstream stage must never run")
	require.True(t, env.recorder.WaitFor(eventbus.EventPipelineFailed, 1, time.Second))
}

func TestStageRetriesThenSucceeds(t *testing.T) {
	flaky := testutil.NewMockProcessor("flaky").WithFailFirst(2, errors.New("connection reset"))
	cfg := config.NewPipelineConfig("retrying")
	stage := config.NewStageConfig("fetch", "flaky")
	stage.Retries = 2
	cfg.AddStage(stage)

	env := newTestEnv(t, cfg, nil, map[string]processor.Factory{"flaky": flaky.Factory()})

	run, err := env.execute(t, "doc-r", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, run.State())
	assert.Equal(t, 3, flaky.ProcessCalls(), "two failures then one success")
}

func TestStageTimeoutFailsRun(t *testing.T) {
	slow := testutil.NewMockProcessor("slow").WithDelay(5 * time.Second)
	cfg := config.NewPipelineConfig("timing")
	stage := config.NewStageConfig("crunch", "slow")
	stage.TimeoutSeconds = 1
	cfg.AddStage(stage)

	env := newTestEnv(t, cfg, nil, map[string]processor.Factory{"slow": slow.Factory()})

	run, err := env.execute(t, "doc-t", nil, ExecuteOptions{})
	require.Error(t, err)
	var timeoutErr *StageTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "crunch", timeoutErr.Stage)

	assert.Equal(t, StateFailed, run.State())
	result, _ := run.StageResult("crunch")
	assert.Equal(t, StageFailed, result.Status)
}

func TestCheckpointResumeSkipsCompletedStages(t *testing.T) {
	var failTransform sync.Map
	failTransform.Store("on", true)
	mock := testutil.NewMockProcessor("mock")
	mock.ProcessFunc = func(_ context.Context, pctx *processor.Context) (*processor.Result, error) {
		if on, _ := failTransform.Load("on"); on == true && pctx.StageName == "transform" {
			return nil, errors.New("transform crashed")
		}
		res := processor.NewResult(processor.StatusCompleted)
		res.ExtractedData["stage"] = pctx.StageName
		return res, nil
	}

	cfg := testutil.NewLinearPipeline("resumable", "mock", "extract", "transform", "load")
	env := newTestEnv(t, cfg, nil, map[string]processor.Factory{"mock": mock.Factory()})

	_, err := env.execute(t, "doc-ck", nil, ExecuteOptions{})
	require.Error(t, err, "first attempt fails at transform")

	// The layer boundary after extract left a checkpoint behind.
	state, err := env.store.Get(context.Background(), checkpointKey("doc-ck"))
	require.NoError(t, err)
	require.NotNil(t, state)

	failTransform.Store("on", false)
	run, err := env.execute(t, "doc-ck", nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, run.State())

	// extract ran once across both attempts; transform ran in both.
	stages := map[string]int{}
	for _, pctx := range mock.Contexts() {
		stages[pctx.StageName]++
	}
	assert.Equal(t, 1, stages["extract"], "restored stage must not re-run")
	assert.Equal(t, 2, stages["transform"])
	assert.Equal(t, 1, stages["load"])

	require.True(t, env.recorder.WaitFor(eventbus.EventCheckpointRestored, 1, time.Second))
}

func TestFreshStartIgnoresCheckpoint(t *testing.T) {
	mock := testutil.NewMockProcessor("mock")
	cfg := testutil.NewLinearPipeline("fresh", "mock", "extract", "load")
	env := newTestEnv(t, cfg, nil, map[string]processor.Factory{"mock": mock.Factory()})

	// Seed a checkpoint claiming extract already completed.
	now := time.Now().UTC().Format(time.RFC3339)
	require.NoError(t, env.store.Set(context.Background(), checkpointKey("doc-f"), map[string]any{
		"pipeline_id": "fresh",
		"stage_results": map[string]any{
			"extract": map[string]any{"stage_name": "extract", "status": "completed", "start_time": now, "end_time": now},
		},
	}, 0))

	run, err := env.execute(t, "doc-f", nil, ExecuteOptions{FreshStart: true})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, run.State())
	assert.Equal(t, 2, mock.ProcessCalls(), "fresh start must re-run every stage")
}

func TestBackpressureFailsRun(t *testing.T) {
	slow := testutil.NewMockProcessor("slow").WithDelay(1500 * time.Millisecond)
	cfg := config.NewPipelineConfig("saturated")
	for _, name := range []string{"a", "b", "c", "d"} {
		cfg.AddStage(config.NewStageConfig(name, "slow"))
	}

	poolCfg := &workerpool.Config{
		AsyncWorkers:      1,
		QueueSize:         1,
		PriorityQueueSize: 1,
		HeartbeatInterval: time.Second,
	}
	env := newTestEnv(t, cfg, poolCfg, map[string]processor.Factory{"slow": slow.Factory()})

	run, err := env.execute(t, "doc-bp", nil, ExecuteOptions{})
	require.Error(t, err)
	var queueErr *workerpool.QueueFullError
	require.ErrorAs(t, err, &queueErr, "a saturated pool must surface as backpressure")
	assert.Equal(t, StateFailed, run.State())
}

func TestPauseParksBetweenStages(t *testing.T) {
	mock := testutil.NewMockProcessor("mock").WithDelay(300 * time.Millisecond)
	cfg := testutil.NewLinearPipeline("pausable", "mock", "s1", "s2", "s3")
	env := newTestEnv(t, cfg, nil, map[string]processor.Factory{"mock": mock.Factory()})

	runID, err := env.manager.CreatePipeline("doc-p", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := env.manager.Execute(context.Background(), runID, ExecuteOptions{})
		done <- err
	}()

	require.True(t, env.recorder.WaitFor(eventbus.EventStageStarted, 1, 2*time.Second))
	require.NoError(t, env.manager.Pause(runID))

	run, _ := env.manager.Run(runID)
	assert.Equal(t, StatePaused, run.State())

	// Give the in-flight stage time to finish; the executor must park
	// instead of starting s2.
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, 1, env.recorder.CountOf(eventbus.EventStageStarted))
	assert.Equal(t, 1, mock.ProcessCalls())

	require.NoError(t, env.manager.Resume(runID))
	require.NoError(t, <-done)
	assert.Equal(t, StateCompleted, run.State())
	assert.Equal(t, 3, mock.ProcessCalls())
}

func TestCancelWhilePaused(t *testing.T) {
	mock := testutil.NewMockProcessor("mock").WithDelay(200 * time.Millisecond)
	cfg := testutil.NewLinearPipeline("cancellable", "mock", "s1", "s2", "s3")
	env := newTestEnv(t, cfg, nil, map[string]processor.Factory{"mock": mock.Factory()})

	runID, err := env.manager.CreatePipeline("doc-cp", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := env.manager.Execute(context.Background(), runID, ExecuteOptions{})
		done <- err
	}()

	require.True(t, env.recorder.WaitFor(eventbus.EventStageStarted, 1, 2*time.Second))
	require.NoError(t, env.manager.Pause(runID))
	require.NoError(t, env.manager.Cancel(runID))

	err = <-done
	require.ErrorIs(t, err, ErrRunCancelled)

	run, _ := env.manager.Run(runID)
	assert.Equal(t, StateCancelled, run.State())
	assert.False(t, run.Paused())
	assert.Less(t, mock.ProcessCalls(), 3, "cancelled run must not finish the chain")
	require.True(t, env.recorder.WaitFor(eventbus.EventPipelineCancelled, 1, time.Second))
}

func TestCancelRunningRun(t *testing.T) {
	mock := testutil.NewMockProcessor("mock").WithDelay(200 * time.Millisecond)
	cfg := testutil.NewLinearPipeline("cancellable", "mock", "s1", "s2", "s3")
	env := newTestEnv(t, cfg, nil, map[string]processor.Factory{"mock": mock.Factory()})

	runID, err := env.manager.CreatePipeline("doc-c", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := env.manager.Execute(context.Background(), runID, ExecuteOptions{})
		done <- err
	}()

	require.True(t, env.recorder.WaitFor(eventbus.EventStageStarted, 1, 2*time.Second))
	require.NoError(t, env.manager.Cancel(runID))

	require.ErrorIs(t, <-done, ErrRunCancelled)
	run, _ := env.manager.Run(runID)
	assert.Equal(t, StateCancelled, run.State())
}

func TestConditionSkipsStage(t *testing.T) {
	mock := testutil.NewMockProcessor("mock")
	cfg := config.NewPipelineConfig("conditional")
	cfg.AddStage(config.NewStageConfig("classify", "mock"))
	cfg.AddStage(config.NewStageConfig("ocr", "mock").
		WithDependsOn("classify").
		WithCondition(`doc_type == "scan"`).
		WithCritical(false))
	cfg.AddStage(config.NewStageConfig("index", "mock").WithDependsOn("classify"))

	env := newTestEnv(t, cfg, nil, map[string]processor.Factory{"mock": mock.Factory()})

	run, err := env.execute(t, "doc-cond", map[string]any{"doc_type": "text"}, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, run.State())

	ocr, _ := run.StageResult("ocr")
	assert.Equal(t, StageSkipped, ocr.Status)
	assert.Contains(t, ocr.Error, "condition")
	assert.Equal(t, 2, mock.ProcessCalls(), "only classify and index run")
}

func TestDryRunValidatesWithoutProcessing(t *testing.T) {
	mock := testutil.NewMockProcessor("mock")
	cfg := testutil.NewLinearPipeline("dry", "mock", "extract", "load")
	env := newTestEnv(t, cfg, nil, map[string]processor.Factory{"mock": mock.Factory()})

	run, err := env.execute(t, "doc-dry", nil, ExecuteOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, run.State())
	assert.Equal(t, 0, mock.ProcessCalls(), "dry run must not call Process")

	result, _ := run.StageResult("extract")
	assert.Equal(t, true, result.Data["validated"])

	// Dry runs leave no checkpoint behind.
	state, err := env.store.Get(context.Background(), checkpointKey("doc-dry"))
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestDryRunSurfacesValidationErrors(t *testing.T) {
	mock := testutil.NewMockProcessor("mock")
	mock.ValidationErrors = []error{errors.New("missing input path")}
	cfg := testutil.NewLinearPipeline("dry", "mock", "extract")
	env := newTestEnv(t, cfg, nil, map[string]processor.Factory{"mock": mock.Factory()})

	run, err := env.execute(t, "doc-dv", nil, ExecuteOptions{DryRun: true})
	require.Error(t, err)
	assert.Equal(t, StateFailed, run.State())
	assert.Contains(t, err.Error(), "missing input path")
}

func TestExecuteCompletedRunRejected(t *testing.T) {
	mock := testutil.NewMockProcessor("mock")
	cfg := testutil.NewLinearPipeline("once", "mock", "extract")
	env := newTestEnv(t, cfg, nil, map[string]processor.Factory{"mock": mock.Factory()})

	runID, err := env.manager.CreatePipeline("doc-once", nil)
	require.NoError(t, err)
	_, err = env.manager.Execute(context.Background(), runID, ExecuteOptions{})
	require.NoError(t, err)

	_, err = env.manager.Execute(context.Background(), runID, ExecuteOptions{})
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, StateCompleted, stateErr.From)
}
