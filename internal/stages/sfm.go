package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"recon/internal/apperrors"
	"recon/internal/config"
	"recon/internal/pipeline"
	"recon/internal/tool"
)

// Layout of the sfm output directory.
const (
	databaseFile = "database.db"
	modelDir     = "0"
	textDir      = "text"
)

// SfM estimates camera poses and a sparse point cloud with COLMAP.
type SfM struct {
	runner tool.Runner
	cfg    config.ColmapConfig
}

// NewSfM returns the structure-from-motion adapter. runner executes COLMAP.
func NewSfM(runner tool.Runner, cfg config.ColmapConfig) *SfM {
	return &SfM{runner: runner, cfg: cfg}
}

func (s *SfM) Name() pipeline.StageName { return pipeline.StageSfM }

func (s *SfM) Run(ctx context.Context, in pipeline.Input) pipeline.StageResult {
	return guard(s.Name(), func() pipeline.StageResult { return s.run(ctx, in) })
}

func (s *SfM) run(ctx context.Context, in pipeline.Input) pipeline.StageResult {
	name := s.Name()
	logger := stageLogger(name, in)

	if _, failure := requireInput(name, in); failure != nil {
		return *failure
	}

	images := imageDir(in, s.cfg.ImageSource)
	out := absPath(in.OutputDir)
	database := filepath.Join(out, databaseFile)
	model := filepath.Join(out, modelDir)
	text := filepath.Join(out, textDir)
	mounts := []string{images, out}

	// COLMAP refuses to reuse a stale database from an earlier run.
	if err := os.Remove(database); err != nil && !os.IsNotExist(err) {
		return pipeline.Failure(name, apperrors.KindLibrary, err)
	}

	steps := []tool.Command{
		s.colmap("feature_extractor", mounts,
			"--database_path", database,
			"--image_path", images,
			"--ImageReader.camera_model", s.cfg.CameraModel,
			"--SiftExtraction.max_num_features", strconv.Itoa(s.cfg.MaxNumFeatures),
		),
		s.matcher(database, mounts),
		s.colmap("mapper", mounts,
			"--database_path", database,
			"--image_path", images,
			"--output_path", out,
		),
	}
	for _, cmd := range steps {
		if err := runTool(ctx, logger, s.runner, cmd); err != nil {
			return classify(name, err)
		}
	}

	if failure := requireOutput(name, model); failure != nil {
		return *failure
	}

	if err := os.MkdirAll(text, 0o755); err != nil {
		return pipeline.Failure(name, apperrors.KindLibrary, err)
	}
	steps = []tool.Command{
		s.colmap("bundle_adjuster", mounts,
			"--input_path", model,
			"--output_path", model,
			"--BundleAdjustment.refine_focal_length", "1",
			"--BundleAdjustment.refine_extra_params", "1",
		),
		s.colmap("model_converter", mounts,
			"--input_path", model,
			"--output_path", text,
			"--output_type", "TXT",
		),
	}
	for _, cmd := range steps {
		if err := runTool(ctx, logger, s.runner, cmd); err != nil {
			return classify(name, err)
		}
	}

	stats, err := ReadModelStats(text)
	if err != nil {
		logger.Warn("Could not read sparse model statistics", "error", err)
		return pipeline.Success(name, pipeline.Artifact(model), nil)
	}
	if stats.Images == 0 {
		return pipeline.Failure(name, apperrors.KindLibrary, fmt.Errorf("sparse model registered no images"))
	}

	logger.Info("Sparse reconstruction complete", "cameras", stats.Cameras, "images", stats.Images, "points", stats.Points)
	return pipeline.Success(name, pipeline.Artifact(model), map[string]int64{
		"num_cameras": stats.Cameras,
		"num_images":  stats.Images,
		"num_points":  stats.Points,
	})
}

func (s *SfM) matcher(database string, mounts []string) tool.Command {
	if s.cfg.Matcher == "sequential" {
		return s.colmap("sequential_matcher", mounts,
			"--database_path", database,
			"--SequentialMatching.overlap", "10",
		)
	}
	return s.colmap("exhaustive_matcher", mounts,
		"--database_path", database,
		"--SiftMatching.guided_matching", "1",
	)
}

// colmap builds a COLMAP subcommand invocation.
func (s *SfM) colmap(sub string, mounts []string, args ...string) tool.Command {
	return colmapCommand(s.cfg.Path, sub, mounts, args...)
}

func colmapCommand(path, sub string, mounts []string, args ...string) tool.Command {
	return tool.Command{
		Name:   sub,
		Args:   append([]string{path, sub}, args...),
		Mounts: mounts,
	}
}
