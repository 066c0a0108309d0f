package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from, to PipelineState
		ok       bool
	}{
		{StateIdle, StateRunning, true},
		{StateIdle, StateCancelled, true},
		{StateIdle, StatePaused, false},
		{StateIdle, StateCompleted, false},
		{StateRunning, StatePaused, true},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateCancelled, true},
		{StateRunning, StateIdle, false},
		{StatePaused, StateRunning, true},
		{StatePaused, StateCancelled, true},
		{StatePaused, StateFailed, true},
		{StatePaused, StateCompleted, false},
		{StateCompleted, StateRunning, false},
		{StateFailed, StateRunning, false},
		{StateCancelled, StateRunning, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, StateIdle.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.False(t, StatePaused.Terminal())
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateCancelled.Terminal())
}

func TestRunTransitionRejectsIllegalMove(t *testing.T) {
	run := NewRun("p", "doc", nil)
	require.NoError(t, run.transition(StateRunning))

	err := run.transition(StateIdle)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, StateRunning, stateErr.From)
	assert.Equal(t, StateIdle, stateErr.To)
	assert.Equal(t, StateRunning, run.State(), "failed transition must not change state")
}

func TestCancelClearsPaused(t *testing.T) {
	run := NewRun("p", "doc", nil)
	run.setPaused(true)
	require.True(t, run.Paused())

	run.Cancel()
	assert.True(t, run.Cancelled())
	assert.False(t, run.Paused())
}

func TestWaitWhilePausedObservesCancel(t *testing.T) {
	run := NewRun("p", "doc", nil)
	run.setPaused(true)

	done := make(chan error, 1)
	go func() {
		done <- run.waitWhilePaused(context.Background())
	}()

	time.Sleep(2 * pausePollInterval)
	run.Cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRunCancelled)
	case <-time.After(time.Second):
		t.Fatal("waitWhilePaused did not return after cancel")
	}
}

func TestWaitWhilePausedObservesContext(t *testing.T) {
	run := NewRun("p", "doc", nil)
	run.setPaused(true)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := run.waitWhilePaused(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStageResultsAreCopies(t *testing.T) {
	run := NewRun("p", "doc", nil)
	run.SetStageResult(&StageResult{
		StageName: "extract",
		Status:    StageCompleted,
		Data:      map[string]any{"pages": 3},
	})

	got, ok := run.StageResult("extract")
	require.True(t, ok)
	got.Data["pages"] = 99

	again, _ := run.StageResult("extract")
	assert.Equal(t, 3, again.Data["pages"], "mutating a returned result must not leak back")

	all := run.StageResults()
	all["extract"].Data["pages"] = 7
	final, _ := run.StageResult("extract")
	assert.Equal(t, 3, final.Data["pages"])
}

func TestUserDataAndMetadataAreCopies(t *testing.T) {
	run := NewRun("p", "doc", map[string]any{"source": "upload"})
	run.SetUserData("extract", map[string]any{"pages": 3})

	ud := run.UserData()
	ud["extract"] = nil
	assert.NotNil(t, run.UserData()["extract"])

	md := run.Metadata()
	md["source"] = "tampered"
	assert.Equal(t, "upload", run.Metadata()["source"])
}

func TestProgress(t *testing.T) {
	run := NewRun("p", "doc", nil)
	assert.Zero(t, run.Progress(0))
	assert.Zero(t, run.Progress(4))

	run.SetStageResult(&StageResult{StageName: "a", Status: StageCompleted})
	run.SetStageResult(&StageResult{StageName: "b", Status: StageSkipped})
	run.SetStageResult(&StageResult{StageName: "c", Status: StageFailed})
	run.SetStageResult(&StageResult{StageName: "d", Status: StageRunning})

	assert.InDelta(t, 0.75, run.Progress(4), 1e-9, "only settled stages count")
}

func TestStageResultDuration(t *testing.T) {
	r := &StageResult{StageName: "s"}
	assert.Zero(t, r.Duration())

	r.StartTime = time.Now().UTC()
	r.EndTime = r.StartTime.Add(250 * time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, r.Duration())
}
