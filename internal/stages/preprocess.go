package stages

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"recon/internal/apperrors"
	"recon/internal/config"
	"recon/internal/pipeline"
	"recon/internal/tool"
)

// Subdirectories of the preprocess output.
const (
	resizedDir   = "resized"
	masksDir     = "masks"
	segmentedDir = "segmented"
)

const jpegQuality = 95

// Preprocess resizes the input images, optionally masks out the background
// using an external object detector and writes keypoint overlays for
// inspection.
type Preprocess struct {
	runner   tool.Runner
	detector config.DetectorConfig
	workers  int
}

// NewPreprocess returns the preprocess adapter. runner executes the detector.
func NewPreprocess(runner tool.Runner, detector config.DetectorConfig) *Preprocess {
	return &Preprocess{
		runner:   runner,
		detector: detector,
		workers:  runtime.NumCPU(),
	}
}

func (p *Preprocess) Name() pipeline.StageName { return pipeline.StagePreprocess }

func (p *Preprocess) Run(ctx context.Context, in pipeline.Input) pipeline.StageResult {
	return guard(p.Name(), func() pipeline.StageResult { return p.run(ctx, in) })
}

func (p *Preprocess) run(ctx context.Context, in pipeline.Input) pipeline.StageResult {
	name := p.Name()
	logger := stageLogger(name, in)

	if _, failure := requireInput(name, in); failure != nil {
		return *failure
	}
	if in.Images.Len() == 0 {
		return pipeline.Failure(name, apperrors.KindMissingInput, fmt.Errorf("no images in %s", in.Images.Dir))
	}

	outDir := filepath.Join(in.OutputDir, resizedDir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return pipeline.Failure(name, apperrors.KindLibrary, err)
	}

	stats := p.resizeAll(ctx, logger, in.Images.Paths, outDir, in.Config.MaxImageDimension)
	if len(stats.written) == 0 {
		return pipeline.Failure(name, apperrors.KindLibrary,
			fmt.Errorf("none of %d images could be processed: %w", in.Images.Len(), stats.firstErr))
	}
	logger.Info("Images resized",
		"images", len(stats.written),
		"resized", stats.resized,
		"skipped", stats.skipped,
		"maxSize", in.Config.MaxImageDimension,
	)

	metrics := map[string]int64{
		"num_images":     int64(len(stats.written)),
		"images_resized": int64(stats.resized),
		"images_skipped": int64(stats.skipped),
	}

	if in.Config.EnableSegmentation {
		for k, v := range p.segment(ctx, logger, in.OutputDir, stats.written) {
			metrics[k] = v
		}
	}
	if len(p.detector.FeaturesCommand) > 0 {
		for k, v := range p.features(ctx, logger, in.OutputDir) {
			metrics[k] = v
		}
	}

	return pipeline.Success(name, pipeline.Artifact(in.OutputDir), metrics)
}

type resizeStats struct {
	mu       sync.Mutex
	written  []string // file names under the resized directory
	resized  int
	skipped  int
	firstErr error
}

// resizeAll writes every decodable image to outDir with its longest side at
// most maxDim. Undecodable images are skipped.
func (p *Preprocess) resizeAll(ctx context.Context, logger *slog.Logger, paths []string, outDir string, maxDim int) *resizeStats {
	stats := &resizeStats{}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, p.workers))
	for _, src := range paths {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			base := filepath.Base(src)
			resized, err := resizeImage(src, filepath.Join(outDir, base), maxDim)

			stats.mu.Lock()
			defer stats.mu.Unlock()
			if err != nil {
				logger.Warn("Skipping unreadable image", "image", base, "error", err)
				stats.skipped++
				if stats.firstErr == nil {
					stats.firstErr = err
				}
				return nil
			}
			stats.written = append(stats.written, base)
			if resized {
				stats.resized++
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(stats.written)
	return stats
}

// resizeImage scales src down so its longest side is at most maxDim and writes
// it to dst. Smaller images are re-encoded unchanged.
func resizeImage(src, dst string, maxDim int) (bool, error) {
	img, err := decodeImage(src)
	if err != nil {
		return false, err
	}

	b := img.Bounds()
	longest := max(b.Dx(), b.Dy())
	if longest <= maxDim {
		return false, encodeImage(dst, img)
	}

	scale := float64(maxDim) / float64(longest)
	w := max(1, int(math.Round(float64(b.Dx())*scale)))
	h := max(1, int(math.Round(float64(b.Dy())*scale)))

	scaled := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), img, b, draw.Over, nil)
	return true, encodeImage(dst, scaled)
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// encodeImage writes img in the format implied by the extension of path.
func encodeImage(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		err = png.Encode(f, img)
	default:
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: jpegQuality})
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return nil
}
