package stages

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"recon/internal/apperrors"
	"recon/internal/config"
	"recon/internal/pipeline"
	"recon/internal/tool"
)

// Point clouds written by the mvs stage.
const (
	fusedFile    = "fused.ply"
	filteredFile = "fused_filtered.ply"
	cloudStem    = "fused"
)

// MVS densifies the sparse model with COLMAP PatchMatch stereo and optionally
// filters the fused point cloud.
type MVS struct {
	runner   tool.Runner
	geometry Geometry
	cfg      config.ColmapConfig
	filter   config.FilterConfig
	formats  []string
}

// NewMVS returns the multi-view stereo adapter. runner executes COLMAP and
// geometry filters and converts the fused cloud.
func NewMVS(runner tool.Runner, geometry Geometry, cfg config.ColmapConfig, geom config.GeometryConfig) *MVS {
	return &MVS{runner: runner, geometry: geometry, cfg: cfg, filter: geom.Filter, formats: geom.CloudFormats}
}

func (m *MVS) Name() pipeline.StageName { return pipeline.StageMVS }

func (m *MVS) Run(ctx context.Context, in pipeline.Input) pipeline.StageResult {
	return guard(m.Name(), func() pipeline.StageResult { return m.run(ctx, in) })
}

func (m *MVS) run(ctx context.Context, in pipeline.Input) pipeline.StageResult {
	name := m.Name()
	logger := stageLogger(name, in)

	if _, failure := requireInput(name, in); failure != nil {
		return *failure
	}

	images := imageDir(in, m.cfg.ImageSource)
	sparse := absPath(in.Artifact.Path())
	out := absPath(in.OutputDir)
	fused := filepath.Join(out, fusedFile)
	mounts := []string{images, sparse, out}

	steps := []tool.Command{
		colmapCommand(m.cfg.Path, "image_undistorter", mounts,
			"--image_path", images,
			"--input_path", sparse,
			"--output_path", out,
			"--output_type", "COLMAP",
		),
		colmapCommand(m.cfg.Path, "patch_match_stereo", mounts,
			"--workspace_path", out,
			"--workspace_format", "COLMAP",
			"--PatchMatchStereo.max_image_size", strconv.Itoa(m.cfg.MaxImageSize),
			"--PatchMatchStereo.geom_consistency", "true",
		),
		colmapCommand(m.cfg.Path, "stereo_fusion", mounts,
			"--workspace_path", out,
			"--workspace_format", "COLMAP",
			"--input_type", "geometric",
			"--output_path", fused,
			"--StereoFusion.min_num_pixels", strconv.Itoa(m.cfg.MinNumPixels),
		),
	}
	for _, cmd := range steps {
		if err := runTool(ctx, logger, m.runner, cmd); err != nil {
			return classify(name, err)
		}
	}
	if failure := requireOutput(name, fused); failure != nil {
		return *failure
	}

	metrics := make(map[string]int64)
	if h, err := ReadPLYHeader(fused); err == nil {
		metrics["num_points_fused"] = h.Vertices()
	}

	final := fused
	if m.filter.Enabled {
		filtered := filepath.Join(out, filteredFile)
		err := m.geometry.Filter(ctx, fused, filtered, FilterParams{
			VoxelSize: m.filter.VoxelSize,
			Neighbors: m.filter.Neighbors,
			StdRatio:  m.filter.StdRatio,
		})
		if err != nil {
			return classify(name, fmt.Errorf("filter: %w", err))
		}
		if failure := requireOutput(name, filtered); failure != nil {
			return *failure
		}
		final = filtered
	}

	h, err := ReadPLYHeader(final)
	if err != nil {
		return pipeline.Failure(name, apperrors.KindLibrary, err)
	}
	if h.Vertices() == 0 {
		logger.Warn("Dense point cloud is empty", "path", final)
	}
	metrics["num_points"] = h.Vertices()

	outputs := make(map[string]string, len(m.formats))
	for _, format := range m.formats {
		dst := filepath.Join(out, cloudStem+"."+format)
		if err := m.geometry.Convert(ctx, final, dst); err != nil {
			return classify(name, fmt.Errorf("convert %s: %w", format, err))
		}
		if failure := requireOutput(name, dst); failure != nil {
			return *failure
		}
		outputs[format] = dst
	}

	logger.Info("Dense reconstruction complete", "points", h.Vertices(), "cloud", final, "formats", len(outputs))
	return pipeline.Success(name, pipeline.Artifact(final), metrics).WithOutputs(outputs)
}
