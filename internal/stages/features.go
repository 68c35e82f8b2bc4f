package stages

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"recon/internal/tool"
)

// featuresDir holds keypoint overlays of the resized images.
const featuresDir = "features"

// features draws detected keypoints over every resized image so a run can be
// checked by eye before SfM. It never fails the stage.
func (p *Preprocess) features(ctx context.Context, logger *slog.Logger, outDir string) map[string]int64 {
	failed := map[string]int64{"features_failed": 1}

	dst := absPath(filepath.Join(outDir, featuresDir))
	args, err := tool.Expand(p.detector.FeaturesCommand, map[string]string{
		"input":  absPath(filepath.Join(outDir, resizedDir)),
		"output": dst,
	})
	if err != nil {
		logger.Warn("Feature visualization skipped", "error", err)
		return failed
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		logger.Warn("Feature visualization failed", "error", err)
		return failed
	}

	cmd := tool.Command{Name: "features", Args: args, Mounts: []string{absPath(outDir)}}
	if err := runTool(ctx, logger, p.runner, cmd); err != nil {
		logger.Warn("Feature visualization failed", "error", err)
		return failed
	}

	entries, err := os.ReadDir(dst)
	if err != nil {
		logger.Warn("Feature visualization failed", "error", err)
		return failed
	}
	var n int64
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	logger.Info("Feature images written", "images", n, "dir", dst)
	return map[string]int64{"feature_images": n}
}
