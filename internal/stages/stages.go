// Package stages adapts the external reconstruction collaborators to the
// pipeline.Stage contract.
//
// Every adapter converts collaborator errors into failure results: a non-zero
// exit becomes process-exit-failure, an absent expected file becomes
// missing-output-file and anything else, including a panic, becomes
// library-exception. Adapters write only under their own output directory.
package stages

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"recon/internal/apperrors"
	"recon/internal/pipeline"
	"recon/internal/store"
	"recon/internal/tool"
)

// guard runs fn and turns a panic into a library-exception failure.
func guard(name pipeline.StageName, fn func() pipeline.StageResult) (result pipeline.StageResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Stage adapter panicked", "stage", name, "panic", r, "stack", string(debug.Stack()))
			result = pipeline.Failure(name, apperrors.KindLibrary, fmt.Errorf("panic: %v", r))
		}
	}()
	return fn()
}

// requireInput checks that the previous stage's artifact exists.
func requireInput(name pipeline.StageName, in pipeline.Input) (os.FileInfo, *pipeline.StageResult) {
	info, err := in.Artifact.Stat()
	if err != nil {
		failure := pipeline.Failure(name, apperrors.KindMissingInput, err)
		return nil, &failure
	}
	return info, nil
}

// requireOutput checks that a collaborator produced path.
func requireOutput(name pipeline.StageName, path string) *pipeline.StageResult {
	if _, err := os.Stat(path); err != nil {
		failure := pipeline.Failure(name, apperrors.KindMissingOutput, fmt.Errorf("expected output %s: %w", path, err))
		return &failure
	}
	return nil
}

// classify converts a collaborator error into a failure result.
func classify(name pipeline.StageName, err error) pipeline.StageResult {
	if tool.IsExitError(err) {
		return pipeline.Failure(name, apperrors.KindProcessExit, err)
	}
	return pipeline.Failure(name, apperrors.KindLibrary, err)
}

// absPath resolves p against the working directory. Collaborators may run in
// containers where relative paths have no meaning.
func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// Image sources for the COLMAP stages.
const (
	SourceInput     = "input"
	SourceResized   = "resized"
	SourceSegmented = "segmented"
)

// imageDir returns the directory COLMAP reads images from. Segmented images
// fall back to resized ones when segmentation did not run.
func imageDir(in pipeline.Input, source string) string {
	preprocessed := store.New(in.Config.OutputRoot).Dir(string(pipeline.StagePreprocess))
	switch source {
	case SourceResized:
		return absPath(filepath.Join(preprocessed, resizedDir))
	case SourceSegmented:
		dir := filepath.Join(preprocessed, segmentedDir)
		if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
			return absPath(dir)
		}
		return absPath(filepath.Join(preprocessed, resizedDir))
	default:
		return absPath(in.Images.Dir)
	}
}

// stageLogger returns the logger adapters use for one run.
func stageLogger(name pipeline.StageName, in pipeline.Input) *slog.Logger {
	return slog.With("runId", in.RunID, "stage", name)
}

// runTool runs cmd and logs how long it took.
func runTool(ctx context.Context, logger *slog.Logger, runner tool.Runner, cmd tool.Command) error {
	start := time.Now()
	logger.Info("Running collaborator", "tool", cmd.Name)
	if err := runner.Run(ctx, cmd); err != nil {
		logger.Error("Collaborator failed", "tool", cmd.Name, "error", err, "duration", time.Since(start))
		return err
	}
	logger.Debug("Collaborator finished", "tool", cmd.Name, "duration", time.Since(start))
	return nil
}
