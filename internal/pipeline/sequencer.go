package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"recon/internal/apperrors"
	"recon/internal/store"
)

// Observer is notified of run progress. Observers run on the sequencing
// goroutine and must return quickly; they cannot change the outcome of a run.
// Every StageFinished is preceded by a StageStarted for the same stage, also
// when the stage is recorded as cancelled without being invoked.
type Observer interface {
	RunStarted(ctx context.Context, runID string, images ImageSet, cfg RunConfig)
	StageStarted(ctx context.Context, runID string, stage StageName)
	StageFinished(ctx context.Context, runID string, rec StageRecord)
	RunFinished(ctx context.Context, report *RunReport)
}

// Options configures a Sequencer.
type Options struct {
	MinImages   int              // below this count a warning is recorded
	Observers   []Observer       // notified in order
	WriteReport bool             // write run_report.json to the output root
	Now         func() time.Time // defaults to time.Now
	NewRunID    func() string    // defaults to a random UUID
}

// Sequencer runs the stages in their fixed order, handing each stage's
// artifact to the next and stopping at the first failure. Stages are never
// retried.
type Sequencer struct {
	stages Stages
	opts   Options
}

// NewSequencer returns a sequencer for the given stages.
func NewSequencer(stages Stages, opts Options) (*Sequencer, error) {
	if err := stages.Validate(); err != nil {
		return nil, apperrors.Internal("sequencer.new", err)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewRunID == nil {
		opts.NewRunID = uuid.NewString
	}
	return &Sequencer{stages: stages, opts: opts}, nil
}

// Run executes the pipeline over images. The returned error is non-nil only
// when cfg is invalid or the report could not be assembled; stage failures are
// reported through the RunReport.
//
// Cancelling ctx stops the run at the next stage boundary. The stage that was
// about to start is recorded as cancelled and the stage in progress runs to
// completion.
func (s *Sequencer) Run(ctx context.Context, images ImageSet, cfg RunConfig) (*RunReport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	runID := s.opts.NewRunID()
	start := s.opts.Now()
	report := NewRunReport(runID, start)
	logger := slog.With("runId", runID)

	if warning := images.Check(s.opts.MinImages); warning != nil {
		logger.Warn("Input validation warning", "error", warning, "images", images.Len())
		_ = report.Warn(warning.Error())
	}

	logger.Info("Run started",
		"images", images.Len(),
		"output", cfg.OutputRoot,
		"meshMethod", cfg.MeshMethod,
		"segmentation", cfg.EnableSegmentation,
		"simplification", cfg.EnableSimplification,
	)
	s.notify(func(o Observer) { o.RunStarted(ctx, runID, images, cfg) })

	artifacts := store.New(cfg.OutputRoot)
	input := Artifact(images.Dir)
	var (
		abortedAt StageName
		final     map[string]string
	)

	for _, stage := range s.stages.Ordered() {
		name := stage.Name()
		stageStart := s.opts.Now()
		s.notify(func(o Observer) { o.StageStarted(ctx, runID, name) })

		result := s.runStage(ctx, stage, artifacts, Input{
			RunID:    runID,
			Artifact: input,
			Images:   images,
			Config:   cfg,
		})

		rec := StageRecord{Stage: name, Duration: s.opts.Now().Sub(stageStart), Result: result}
		if err := report.Record(name, rec.Duration, result); err != nil {
			return nil, apperrors.Internal("sequencer.run", err)
		}
		s.notify(func(o Observer) { o.StageFinished(ctx, runID, rec) })

		if !result.OK() {
			logger.Error("Stage failed", "stage", name, "kind", result.Kind(), "error", result.Err, "duration", rec.Duration)
			abortedAt = name
			break
		}

		logger.Info("Stage completed", "stage", name, "artifact", result.Artifact, "duration", rec.Duration, "metrics", result.Metrics)
		input = result.Artifact
		if name == StageExport {
			final = result.Outputs
		}
	}

	if err := report.Finalize(final, abortedAt, s.opts.Now().Sub(start)); err != nil {
		return nil, apperrors.Internal("sequencer.run", err)
	}
	logSummary(logger, report)

	if s.opts.WriteReport {
		if path, err := artifacts.WriteJSON(store.ReportFile, report); err != nil {
			logger.Warn("Failed to write run report", "error", err)
		} else {
			logger.Debug("Run report written", "path", path)
		}
	}

	s.notify(func(o Observer) { o.RunFinished(ctx, report) })
	return report, nil
}

// runStage prepares the stage directory and invokes the stage. Interruption,
// directory errors and panics become failures.
func (s *Sequencer) runStage(ctx context.Context, stage Stage, artifacts *store.Store, in Input) (result StageResult) {
	name := stage.Name()

	if err := ctx.Err(); err != nil {
		return Failure(name, apperrors.KindCancelled, err)
	}

	dir, err := artifacts.Ensure(string(name))
	if err != nil {
		return Failure(name, apperrors.KindLibrary, err)
	}
	in.OutputDir = dir

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Stage panicked", "runId", in.RunID, "stage", name, "panic", r, "stack", string(debug.Stack()))
			result = Failure(name, apperrors.KindLibrary, fmt.Errorf("panic: %v", r))
		}
	}()

	result = stage.Run(context.WithoutCancel(ctx), in)
	if result.Stage == "" {
		result.Stage = name
	}
	return result
}

// notify calls fn for each observer, containing observer panics.
func (s *Sequencer) notify(fn func(Observer)) {
	for _, o := range s.opts.Observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Observer panicked", "panic", r)
				}
			}()
			fn(o)
		}()
	}
}

func logSummary(logger *slog.Logger, report *RunReport) {
	timings := make([]any, 0, 2*len(report.Records()))
	for _, rec := range report.Records() {
		timings = append(timings, string(rec.Stage), rec.Duration.Round(time.Millisecond).String())
	}

	if report.Completed() {
		logger.Info("Run completed",
			"duration", report.TotalDuration(),
			slog.Group("stages", timings...),
			"artifacts", report.FinalArtifacts(),
		)
		return
	}
	logger.Error("Run aborted",
		"abortedAt", report.AbortedAt(),
		"error", report.Err(),
		"duration", report.TotalDuration(),
		slog.Group("stages", timings...),
	)
}
