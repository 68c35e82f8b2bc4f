package stages

import (
	"context"
	"fmt"
	"path/filepath"

	"recon/internal/apperrors"
	"recon/internal/config"
	"recon/internal/pipeline"
)

// Mesh turns the dense point cloud into a cleaned, optionally simplified and
// smoothed triangle mesh.
type Mesh struct {
	geometry Geometry
	cfg      config.GeometryConfig
}

// NewMesh returns the mesh adapter.
func NewMesh(geometry Geometry, cfg config.GeometryConfig) *Mesh {
	return &Mesh{geometry: geometry, cfg: cfg}
}

func (m *Mesh) Name() pipeline.StageName { return pipeline.StageMesh }

func (m *Mesh) Run(ctx context.Context, in pipeline.Input) pipeline.StageResult {
	return guard(m.Name(), func() pipeline.StageResult { return m.run(ctx, in) })
}

// meshStep is one geometry operation from the previous file to out.
type meshStep struct {
	op  string
	out string
	fn  func(in, out string) error
}

func (m *Mesh) run(ctx context.Context, in pipeline.Input) pipeline.StageResult {
	name := m.Name()
	logger := stageLogger(name, in)

	if _, failure := requireInput(name, in); failure != nil {
		return *failure
	}

	method := in.Config.MeshMethod
	out := absPath(in.OutputDir)

	rawName := "poisson_mesh.ply"
	if method == pipeline.MeshBallPivoting {
		rawName = "ball_pivot_mesh.ply"
	}

	steps := []meshStep{
		{"reconstruct", rawName, func(src, dst string) error {
			return m.geometry.Reconstruct(ctx, src, dst, method, ReconstructParams{
				PoissonDepth: m.cfg.PoissonDepth,
				PoissonScale: m.cfg.PoissonScale,
				BallRadii:    m.cfg.BallRadii,
			})
		}},
		{"clean", "cleaned_mesh.ply", func(src, dst string) error {
			return m.geometry.Clean(ctx, src, dst)
		}},
	}
	if in.Config.EnableSimplification {
		steps = append(steps, meshStep{"simplify", "simplified_mesh.ply", func(src, dst string) error {
			return m.geometry.Simplify(ctx, src, dst, m.cfg.TargetTriangles)
		}})
	}
	steps = append(steps, meshStep{"smooth", fmt.Sprintf("final_mesh_%s.ply", method), func(src, dst string) error {
		return m.geometry.Smooth(ctx, src, dst, m.cfg.SmoothIterations)
	}})

	current := absPath(in.Artifact.Path())
	for _, step := range steps {
		dst := filepath.Join(out, step.out)
		logger.Info("Mesh operation", "op", step.op, "output", step.out)
		if err := step.fn(current, dst); err != nil {
			return pipeline.Failure(name, apperrors.KindLibrary, fmt.Errorf("%s: %w", step.op, err))
		}
		if failure := requireOutput(name, dst); failure != nil {
			return *failure
		}
		current = dst
	}

	metrics := map[string]int64{}
	if h, err := ReadPLYHeader(current); err == nil {
		metrics["num_vertices"] = h.Vertices()
		metrics["num_triangles"] = h.Faces()
		logger.Info("Mesh complete", "vertices", h.Vertices(), "triangles", h.Faces(), "method", method)
	} else {
		logger.Warn("Could not read mesh header", "error", err)
	}

	return pipeline.Success(name, pipeline.Artifact(current), metrics)
}
