package stages

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"recon/internal/config"
	"recon/internal/pipeline"
	"recon/internal/tool"
)

// Geometry is the point cloud and mesh processing library boundary. Each
// operation reads one PLY file and writes another.
type Geometry interface {
	Filter(ctx context.Context, in, out string, p FilterParams) error
	Reconstruct(ctx context.Context, in, out string, method pipeline.MeshMethod, p ReconstructParams) error
	Clean(ctx context.Context, in, out string) error
	Simplify(ctx context.Context, in, out string, targetTriangles int) error
	Smooth(ctx context.Context, in, out string, iterations int) error
	// Convert rewrites a point cloud in the format given by the extension of out.
	Convert(ctx context.Context, in, out string) error
}

// FilterParams configures voxel downsampling and statistical outlier removal.
type FilterParams struct {
	VoxelSize float64
	Neighbors int
	StdRatio  float64
}

// ReconstructParams configures surface reconstruction.
type ReconstructParams struct {
	PoissonDepth int
	PoissonScale float64
	BallRadii    []float64
}

// CommandGeometry implements Geometry by invoking a helper program as
// "<command> <op> --input <in> --output <out> [options]".
type CommandGeometry struct {
	runner  tool.Runner
	command []string
}

// NewCommandGeometry returns a Geometry backed by the configured helper.
func NewCommandGeometry(runner tool.Runner, cfg config.GeometryConfig) *CommandGeometry {
	return &CommandGeometry{runner: runner, command: cfg.Command}
}

func (g *CommandGeometry) Filter(ctx context.Context, in, out string, p FilterParams) error {
	return g.run(ctx, "filter", in, out,
		"--voxel-size", formatFloat(p.VoxelSize),
		"--neighbors", strconv.Itoa(p.Neighbors),
		"--std-ratio", formatFloat(p.StdRatio),
	)
}

func (g *CommandGeometry) Reconstruct(ctx context.Context, in, out string, method pipeline.MeshMethod, p ReconstructParams) error {
	switch method {
	case pipeline.MeshPoisson:
		return g.run(ctx, "reconstruct", in, out,
			"--method", string(method),
			"--depth", strconv.Itoa(p.PoissonDepth),
			"--scale", formatFloat(p.PoissonScale),
		)
	case pipeline.MeshBallPivoting:
		radii := make([]string, len(p.BallRadii))
		for i, r := range p.BallRadii {
			radii[i] = formatFloat(r)
		}
		return g.run(ctx, "reconstruct", in, out,
			"--method", string(method),
			"--radii", strings.Join(radii, ","),
		)
	default:
		return fmt.Errorf("unsupported mesh method %q", method)
	}
}

func (g *CommandGeometry) Clean(ctx context.Context, in, out string) error {
	return g.run(ctx, "clean", in, out)
}

func (g *CommandGeometry) Simplify(ctx context.Context, in, out string, targetTriangles int) error {
	return g.run(ctx, "simplify", in, out, "--target-triangles", strconv.Itoa(targetTriangles))
}

func (g *CommandGeometry) Smooth(ctx context.Context, in, out string, iterations int) error {
	return g.run(ctx, "smooth", in, out, "--iterations", strconv.Itoa(iterations))
}

func (g *CommandGeometry) Convert(ctx context.Context, in, out string) error {
	return g.run(ctx, "convert", in, out, "--format", strings.TrimPrefix(filepath.Ext(out), "."))
}

func (g *CommandGeometry) run(ctx context.Context, op, in, out string, opts ...string) error {
	if len(g.command) == 0 {
		return fmt.Errorf("geometry command is not configured")
	}
	args := append([]string{}, g.command...)
	args = append(args, op, "--input", in, "--output", out)
	args = append(args, opts...)

	slog.Debug("Geometry operation", "op", op, "input", in, "output", out)
	return g.runner.Run(ctx, tool.Command{Name: "geometry-" + op, Args: args})
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
