package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fieldValue resolves a key in an alternating key/value field slice.
func fieldValue(fields []any, key string) (any, bool) {
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i] == key {
			return fields[i+1], true
		}
	}
	return nil, false
}

func TestCaptureRecordsEntries(t *testing.T) {
	logger := NewCapture()
	logger.Info("pipeline_started", "run_id", "r1")
	logger.Warn("stage_retry", "attempt", 2)
	logger.Error("stage_failed", "error", "boom")

	entries := logger.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "info", entries[0].Level)
	assert.Equal(t, "pipeline_started", entries[0].Message)
	runID, ok := fieldValue(entries[0].Fields, "run_id")
	require.True(t, ok)
	assert.Equal(t, "r1", runID)

	assert.Equal(t, []string{"pipeline_started", "stage_retry", "stage_failed"}, logger.Messages())
	assert.True(t, logger.Has("stage_failed"))
	assert.False(t, logger.Has("never_logged"))
}

func TestCaptureBindMergesFields(t *testing.T) {
	root := NewCapture()
	bound := root.Bind("pipeline", "docproc").Bind("run_id", "r1")
	bound.Info("stage_started", "stage", "extract")

	// Children record into the root so a test sees everything.
	entries := root.Entries()
	require.Len(t, entries, 1)
	for _, key := range []string{"pipeline", "run_id", "stage"} {
		_, ok := fieldValue(entries[0].Fields, key)
		assert.True(t, ok, key)
	}
	pipeline, _ := fieldValue(entries[0].Fields, "pipeline")
	assert.Equal(t, "docproc", pipeline)
}

func TestCaptureEntriesAreCopies(t *testing.T) {
	logger := NewCapture()
	logger.Info("one")

	entries := logger.Entries()
	entries[0].Message = "tampered"
	assert.Equal(t, []string{"one"}, logger.Messages())
}

func TestNopLoggerIsSafe(t *testing.T) {
	logger := NewNop()
	logger.Debug("a")
	logger.Info("b", "k", "v")
	logger.Warn("c")
	logger.Error("d")
	assert.NotNil(t, logger.Bind("k", "v"))
}
