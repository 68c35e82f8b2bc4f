// Package publish uploads the final artifacts of a completed run.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"mime"
	"path"
	"path/filepath"
	"slices"
	"time"
)

// Publisher uploads files for one run.
type Publisher interface {
	// Target names the destination kind for logs and metrics, e.g. "s3".
	Target() string
	// Publish uploads files, keyed by output name, and returns where each landed.
	Publish(ctx context.Context, runID string, files map[string]string) (map[string]string, error)
}

// MetricsRecorder is an optional interface for recording uploads.
type MetricsRecorder interface {
	RecordPublish(ctx context.Context, target string, success bool, durationSeconds float64)
}

// All runs every publisher and joins their errors. A failing publisher does
// not stop the others.
func All(ctx context.Context, publishers []Publisher, metrics MetricsRecorder, runID string, files map[string]string) (map[string]string, error) {
	locations := make(map[string]string)
	var errs []error

	for _, p := range publishers {
		logger := slog.With("runId", runID, "target", p.Target())
		start := time.Now()
		got, err := p.Publish(ctx, runID, files)
		if metrics != nil {
			metrics.RecordPublish(ctx, p.Target(), err == nil, time.Since(start).Seconds())
		}
		if err != nil {
			logger.Error("Publish failed", "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Target(), err))
			continue
		}
		for name, loc := range got {
			locations[p.Target()+":"+name] = loc
		}
		logger.Info("Published artifacts", "files", len(got), "duration", time.Since(start))
	}
	return locations, errors.Join(errs...)
}

// objectKey joins prefix, run ID and the file's base name with slashes.
func objectKey(prefix, runID, file string) string {
	return path.Join(prefix, runID, filepath.Base(file))
}

func contentType(file string) string {
	if t := mime.TypeByExtension(filepath.Ext(file)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// sortedNames gives uploads a stable order.
func sortedNames(files map[string]string) []string {
	return slices.Sorted(maps.Keys(files))
}
