package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recon/internal/apperrors"
)

func TestReportRecordAfterFinalize(t *testing.T) {
	t.Parallel()
	r := NewRunReport("run", time.Now())
	require.NoError(t, r.Finalize(nil, "", time.Minute))

	err := r.Record(StagePreprocess, time.Second, Success(StagePreprocess, "out", nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidState))

	assert.True(t, errors.Is(r.Warn("late"), apperrors.ErrInvalidState))
	assert.Empty(t, r.Records())
}

func TestReportDuplicateRecord(t *testing.T) {
	t.Parallel()
	r := NewRunReport("run", time.Now())
	require.NoError(t, r.Record(StageSfM, time.Second, Success(StageSfM, "sparse/0", nil)))

	err := r.Record(StageSfM, time.Second, Success(StageSfM, "sparse/0", nil))
	assert.True(t, errors.Is(err, apperrors.ErrInvalidState))
	assert.Len(t, r.Records(), 1)
}

func TestReportMismatchedStage(t *testing.T) {
	t.Parallel()
	r := NewRunReport("run", time.Now())
	err := r.Record(StageMVS, time.Second, Success(StageSfM, "sparse/0", nil))
	assert.True(t, errors.Is(err, apperrors.ErrInvalidState))
}

func TestReportFinalizeTwice(t *testing.T) {
	t.Parallel()
	r := NewRunReport("run", time.Now())
	require.NoError(t, r.Finalize(map[string]string{"obj": "model.obj"}, "", time.Minute))

	err := r.Finalize(nil, StageMesh, time.Minute)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidState))
	assert.True(t, r.Completed(), "first finalize wins")
	assert.Equal(t, map[string]string{"obj": "model.obj"}, r.FinalArtifacts())
}

func TestReportFinalizeAbortedWithArtifacts(t *testing.T) {
	t.Parallel()
	r := NewRunReport("run", time.Now())
	err := r.Finalize(map[string]string{"obj": "model.obj"}, StageExport, time.Minute)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidState))
	assert.False(t, r.Finalized())
}

func TestReportAborted(t *testing.T) {
	t.Parallel()
	r := NewRunReport("run", time.Now())
	require.NoError(t, r.Record(StagePreprocess, time.Second, Success(StagePreprocess, "pre", nil)))
	require.NoError(t, r.Record(StageSfM, 2*time.Second, Failure(StageSfM, apperrors.KindMissingOutput, fmt.Errorf("sparse/0 not found"))))
	require.NoError(t, r.Finalize(nil, StageSfM, 3*time.Second))

	assert.False(t, r.Completed())
	assert.Equal(t, StageSfM, r.AbortedAt())
	assert.Equal(t, 3*time.Second, r.TotalDuration())

	stage, kind, ok := apperrors.StageOf(r.Err())
	require.True(t, ok)
	assert.Equal(t, "sfm", stage)
	assert.Equal(t, apperrors.KindMissingOutput, kind)
}

func TestReportRecordsAreCopies(t *testing.T) {
	t.Parallel()
	r := NewRunReport("run", time.Now())
	require.NoError(t, r.Record(StagePreprocess, time.Second, Success(StagePreprocess, "pre", nil)))

	records := r.Records()
	records[0].Stage = StageExport

	rec, ok := r.Stage(StagePreprocess)
	require.True(t, ok)
	assert.Equal(t, StagePreprocess, rec.Stage)
}

func TestSuccessCopiesMetrics(t *testing.T) {
	t.Parallel()
	metrics := map[string]int64{"num_points": 10}
	result := Success(StageMVS, "dense/fused.ply", metrics)
	metrics["num_points"] = 99

	v, ok := result.Metric("num_points")
	assert.True(t, ok)
	assert.EqualValues(t, 10, v)
	assert.True(t, result.OK())
	assert.Empty(t, result.Kind())
}

func TestReportJSON(t *testing.T) {
	t.Parallel()
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewRunReport("run-7", started)
	require.NoError(t, r.Warn("only 10 images found"))
	require.NoError(t, r.Record(StagePreprocess, 1500*time.Millisecond,
		Success(StagePreprocess, "out/preprocessed", map[string]int64{"num_images": 10})))
	require.NoError(t, r.Record(StageSfM, 2*time.Second,
		Failure(StageSfM, apperrors.KindProcessExit, fmt.Errorf("mapper exited with code 1"))))
	require.NoError(t, r.Finalize(nil, StageSfM, 4*time.Second))

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, "run-7", got["run_id"])
	assert.Equal(t, false, got["completed"])
	assert.Equal(t, "sfm", got["aborted_at"])
	assert.Equal(t, 4.0, got["total_duration_seconds"])
	assert.Equal(t, "stage sfm failed (process-exit-failure): mapper exited with code 1", got["error"])
	assert.Equal(t, []any{"only 10 images found"}, got["warnings"])
	assert.NotContains(t, got, "final_artifacts")

	stages := got["stages"].([]any)
	require.Len(t, stages, 2)

	first := stages[0].(map[string]any)
	assert.Equal(t, 1.5, first["duration_seconds"])
	outcome := first["outcome"].(map[string]any)
	assert.Equal(t, "success", outcome["status"])
	assert.Equal(t, map[string]any{"num_images": 10.0}, outcome["metrics"])

	failed := stages[1].(map[string]any)["outcome"].(map[string]any)
	assert.Equal(t, "failure", failed["status"])
	assert.Equal(t, "process-exit-failure", failed["kind"])
}
