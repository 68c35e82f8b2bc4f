package stages

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"recon/internal/pipeline"
	"recon/internal/store"
	"recon/internal/tool"
	"recon/internal/tool/tooltest"
)

// writePNG writes a w x h test image.
func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

// newImageSet writes n PNG images into a fresh input directory.
func newImageSet(t *testing.T, n, w, h int) pipeline.ImageSet {
	t.Helper()
	dir := t.TempDir()
	for i := range n {
		writePNG(t, filepath.Join(dir, fmt.Sprintf("img_%02d.png", i)), w, h)
	}
	set, err := pipeline.LoadImageSet(dir)
	require.NoError(t, err)
	return set
}

// stageInput builds the input the sequencer would pass to stage.
func stageInput(t *testing.T, stage pipeline.StageName, root string, artifact pipeline.Artifact, images pipeline.ImageSet) pipeline.Input {
	t.Helper()
	cfg := pipeline.DefaultRunConfig()
	cfg.OutputRoot = root
	dir, err := store.New(root).Ensure(string(stage))
	require.NoError(t, err)
	return pipeline.Input{RunID: "test-run", Artifact: artifact, Images: images, Config: cfg, OutputDir: dir}
}

// plyContent returns a minimal ASCII PLY header.
func plyContent(vertices, faces int) string {
	return fmt.Sprintf("ply\nformat ascii 1.0\nelement vertex %d\nproperty float x\nproperty float y\nproperty float z\nelement face %d\nproperty list uchar int vertex_indices\nend_header\n", vertices, faces)
}

// writeModelText simulates COLMAP's model_converter TXT output.
func writeModelText(dir string, cameras, images, points int) error {
	files := map[string]string{
		"cameras.txt":  fmt.Sprintf("# Camera list with one line of data per camera:\n# Number of cameras: %d\n", cameras),
		"images.txt":   fmt.Sprintf("# Image list with two lines of data per image:\n# Number of images: %d, mean observations per image: 500\n", images),
		"points3D.txt": fmt.Sprintf("# 3D point list with one line of data per point:\n# Number of points: %d, mean track length: 4.2\n", points),
	}
	for name, content := range files {
		if err := tooltest.WriteFile(filepath.Join(dir, name), content); err != nil {
			return err
		}
	}
	return nil
}

// colmapRunner returns a fake runner whose COLMAP commands produce the files
// later steps expect.
func colmapRunner(cameras, images, points int) *tooltest.Runner {
	return tooltest.NewRunner().
		Handle("mapper", func(cmd tool.Command) error {
			return os.MkdirAll(filepath.Join(tooltest.ArgAfter(cmd, "--output_path"), modelDir), 0o755)
		}).
		Handle("model_converter", func(cmd tool.Command) error {
			return writeModelText(tooltest.ArgAfter(cmd, "--output_path"), cameras, images, points)
		}).
		Handle("stereo_fusion", func(cmd tool.Command) error {
			return tooltest.WriteFile(tooltest.ArgAfter(cmd, "--output_path"), plyContent(points*10, 0))
		})
}

// fakeGeometry writes PLY files with fixed counts and records operations.
type fakeGeometry struct {
	mu       sync.Mutex
	ops      []string
	fail     map[string]error
	noOutput map[string]bool
	vertices int
	faces    int
}

func newFakeGeometry(vertices, faces int) *fakeGeometry {
	return &fakeGeometry{fail: map[string]error{}, noOutput: map[string]bool{}, vertices: vertices, faces: faces}
}

func (g *fakeGeometry) do(op, out string) error {
	g.mu.Lock()
	g.ops = append(g.ops, op)
	err, skip := g.fail[op], g.noOutput[op]
	g.mu.Unlock()
	if err != nil {
		return err
	}
	if skip {
		return nil
	}
	return tooltest.WriteFile(out, plyContent(g.vertices, g.faces))
}

func (g *fakeGeometry) Ops() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.ops...)
}

func (g *fakeGeometry) Filter(_ context.Context, _, out string, _ FilterParams) error {
	return g.do("filter", out)
}

func (g *fakeGeometry) Reconstruct(_ context.Context, _, out string, method pipeline.MeshMethod, _ ReconstructParams) error {
	return g.do("reconstruct:"+string(method), out)
}

func (g *fakeGeometry) Clean(_ context.Context, _, out string) error { return g.do("clean", out) }

func (g *fakeGeometry) Simplify(_ context.Context, _, out string, _ int) error {
	return g.do("simplify", out)
}

func (g *fakeGeometry) Smooth(_ context.Context, _, out string, _ int) error {
	return g.do("smooth", out)
}

func (g *fakeGeometry) Convert(_ context.Context, _, out string) error {
	return g.do("convert"+filepath.Ext(out), out)
}
