package pipeline

import (
	"context"
	"fmt"
)

// Input is what a stage receives from the sequencer.
type Input struct {
	RunID     string
	Artifact  Artifact // previous stage's artifact, or the image directory for the first stage
	Images    ImageSet
	Config    RunConfig
	OutputDir string // the stage's own directory, already created
}

// Stage is one step of the pipeline.
//
// Run must not panic or return raw errors: every collaborator failure is
// reported as a Failure result. The context is never cancelled while the
// stage runs; it only carries values.
type Stage interface {
	Name() StageName
	Run(ctx context.Context, in Input) StageResult
}

// Stages holds one adapter per stage. The struct fixes the execution order.
type Stages struct {
	Preprocess Stage
	SfM        Stage
	MVS        Stage
	Mesh       Stage
	Export     Stage
}

// Ordered returns the stages in execution order.
func (s Stages) Ordered() []Stage {
	return []Stage{s.Preprocess, s.SfM, s.MVS, s.Mesh, s.Export}
}

// Validate checks that every slot holds a stage reporting the matching name.
func (s Stages) Validate() error {
	for i, stage := range s.Ordered() {
		if stage == nil {
			return fmt.Errorf("stage %s is not configured", Order[i])
		}
		if stage.Name() != Order[i] {
			return fmt.Errorf("stage in slot %s reports name %s", Order[i], stage.Name())
		}
	}
	return nil
}

// StageFunc adapts a function to the Stage interface.
type StageFunc struct {
	StageName StageName
	Fn        func(ctx context.Context, in Input) StageResult
}

func (f StageFunc) Name() StageName { return f.StageName }

func (f StageFunc) Run(ctx context.Context, in Input) StageResult { return f.Fn(ctx, in) }
