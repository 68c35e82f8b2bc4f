package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/image/draw"

	"recon/internal/tool"
)

// detectionsFile is written by the detector next to the resized images.
const detectionsFile = "detections.json"

// Box is one detected object in pixel coordinates of the resized image.
type Box struct {
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
	Confidence float64 `json:"confidence"`
}

// Detections is the detector output format.
type Detections struct {
	Images []struct {
		Name  string `json:"name"`
		Boxes []Box  `json:"boxes"`
	} `json:"images"`
}

// best returns the highest-confidence box per image at or above minConf.
func (d Detections) best(minConf float64) map[string]Box {
	out := make(map[string]Box)
	for _, img := range d.Images {
		for _, b := range img.Boxes {
			if b.Confidence < minConf {
				continue
			}
			if cur, ok := out[img.Name]; !ok || b.Confidence > cur.Confidence {
				out[img.Name] = b
			}
		}
	}
	return out
}

// segment runs the detector over the resized images and writes a box mask and
// a masked copy of every image with a detection. Failures here degrade the
// stage instead of failing it.
func (p *Preprocess) segment(ctx context.Context, logger *slog.Logger, outDir string, names []string) map[string]int64 {
	failed := map[string]int64{"segmentation_failed": 1}

	resized := absPath(filepath.Join(outDir, resizedDir))
	detPath := absPath(filepath.Join(outDir, detectionsFile))

	args, err := tool.Expand(p.detector.Command, map[string]string{
		"input":      resized,
		"output":     detPath,
		"confidence": strconv.FormatFloat(p.detector.Confidence, 'f', -1, 64),
	})
	if err != nil {
		logger.Warn("Segmentation skipped", "error", err)
		return failed
	}

	cmd := tool.Command{Name: "detector", Args: args, Mounts: []string{absPath(outDir)}}
	if err := runTool(ctx, logger, p.runner, cmd); err != nil {
		logger.Warn("Segmentation failed, continuing with unmasked images", "error", err)
		return failed
	}

	detections, err := readDetections(detPath)
	if err != nil {
		logger.Warn("Segmentation failed, continuing with unmasked images", "error", err)
		return failed
	}

	for _, dir := range []string{masksDir, segmentedDir} {
		if err := os.MkdirAll(filepath.Join(outDir, dir), 0o755); err != nil {
			logger.Warn("Segmentation failed, continuing with unmasked images", "error", err)
			return failed
		}
	}

	boxes := detections.best(p.detector.Confidence)
	var segmented, missing int64
	for _, name := range names {
		box, ok := boxes[name]
		if !ok {
			logger.Info("No object detected", "image", name)
			missing++
			continue
		}

		stem := strings.TrimSuffix(name, filepath.Ext(name))
		err := applyMask(
			filepath.Join(outDir, resizedDir, name),
			filepath.Join(outDir, masksDir, stem+".png"),
			filepath.Join(outDir, segmentedDir, name),
			box,
		)
		if err != nil {
			logger.Warn("Failed to mask image", "image", name, "error", err)
			missing++
			continue
		}
		segmented++
	}

	logger.Info("Segmentation complete", "segmented", segmented, "withoutDetection", missing)
	return map[string]int64{
		"images_segmented":         segmented,
		"images_without_detection": missing,
	}
}

func readDetections(path string) (Detections, error) {
	var d Detections
	data, err := os.ReadFile(path)
	if err != nil {
		return d, fmt.Errorf("detector output: %w", err)
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("invalid detector output: %w", err)
	}
	return d, nil
}

// applyMask writes a binary mask covering box and a copy of src with
// everything outside box blacked out.
func applyMask(src, maskPath, maskedPath string, box Box) error {
	img, err := decodeImage(src)
	if err != nil {
		return err
	}
	b := img.Bounds()

	rect := image.Rect(int(box.X1), int(box.Y1), int(box.X2+0.5), int(box.Y2+0.5)).Add(b.Min).Intersect(b)
	if rect.Empty() {
		return fmt.Errorf("box outside image bounds")
	}

	mask := image.NewGray(b)
	draw.Draw(mask, rect, image.White, image.Point{}, draw.Src)

	// Gray pixels are always opaque, so compositing needs an alpha mask.
	alpha := image.NewAlpha(b)
	draw.Draw(alpha, rect, image.Opaque, image.Point{}, draw.Src)

	masked := image.NewRGBA(b)
	draw.Draw(masked, b, image.Black, image.Point{}, draw.Src)
	draw.DrawMask(masked, b, img, b.Min, alpha, b.Min, draw.Over)

	if err := encodeImage(maskPath, mask); err != nil {
		return err
	}
	return encodeImage(maskedPath, masked)
}
