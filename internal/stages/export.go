package stages

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"recon/internal/apperrors"
	"recon/internal/config"
	"recon/internal/pipeline"
	"recon/internal/store"
	"recon/internal/tool"
)

// copyConverter copies the mesh instead of running a program.
const copyConverter = "copy"

// Output keys besides the mesh formats.
const (
	OutputViewer  = "viewer"
	OutputArchive = "archive"
)

// Export converts the final mesh into every configured format.
//
// Required formats must all succeed. Optional formats are skipped when no
// converter is configured or the converter fails.
type Export struct {
	runner tool.Runner
	cfg    config.ExportConfig
}

// NewExport returns the export adapter. runner executes the converters.
func NewExport(runner tool.Runner, cfg config.ExportConfig) *Export {
	return &Export{runner: runner, cfg: cfg}
}

func (e *Export) Name() pipeline.StageName { return pipeline.StageExport }

func (e *Export) Run(ctx context.Context, in pipeline.Input) pipeline.StageResult {
	return guard(e.Name(), func() pipeline.StageResult { return e.run(ctx, in) })
}

func (e *Export) run(ctx context.Context, in pipeline.Input) pipeline.StageResult {
	name := e.Name()
	logger := stageLogger(name, in)

	if _, failure := requireInput(name, in); failure != nil {
		return *failure
	}

	mesh := absPath(in.Artifact.Path())
	out := absPath(in.OutputDir)
	model := in.Config.ModelName
	outputs := make(map[string]string)
	var exported, skipped int64

	for _, format := range config.RequiredFormats {
		dst := filepath.Join(out, model+"."+format)
		if err := e.convert(ctx, format, mesh, dst, model); err != nil {
			logger.Error("Export failed", "format", format, "error", err)
			return classify(name, fmt.Errorf("export %s: %w", format, err))
		}
		if failure := requireOutput(name, dst); failure != nil {
			return *failure
		}
		logger.Info("Exported", "format", format, "path", dst)
		outputs[format] = dst
		exported++
	}

	for _, format := range config.OptionalFormats {
		if len(e.cfg.Converters[format]) == 0 {
			logger.Info("Export skipped, no converter configured", "format", format)
			skipped++
			continue
		}
		dst := filepath.Join(out, model+"."+format)
		err := e.convert(ctx, format, mesh, dst, model)
		if err == nil {
			_, err = os.Stat(dst)
		}
		if err != nil {
			logger.Warn("Optional export failed", "format", format, "error", err)
			skipped++
			continue
		}
		logger.Info("Exported", "format", format, "path", dst)
		outputs[format] = dst
		exported++
	}

	if gltf, ok := outputs["gltf"]; ok && e.cfg.Viewer {
		viewer := filepath.Join(out, model+"_viewer.html")
		if err := WriteViewer(viewer, filepath.Base(gltf), model); err != nil {
			logger.Error("Failed to write web viewer", "error", err)
			return pipeline.Failure(name, apperrors.KindLibrary, fmt.Errorf("viewer: %w", err))
		}
		outputs[OutputViewer] = viewer
	}

	if e.cfg.Archive {
		archive := filepath.Join(out, model+".tar.gz")
		if err := store.New(in.Config.OutputRoot).Archive(ctx, string(name), archive); err != nil {
			logger.Warn("Failed to archive exports", "error", err)
		} else {
			outputs[OutputArchive] = archive
		}
	}

	return pipeline.Success(name, pipeline.Artifact(out), map[string]int64{
		"formats_exported": exported,
		"formats_skipped":  skipped,
	}).WithOutputs(outputs)
}

// convert produces dst from mesh with the converter configured for format.
func (e *Export) convert(ctx context.Context, format, mesh, dst, model string) error {
	template := e.cfg.Converters[format]
	if len(template) == 0 {
		return fmt.Errorf("no converter configured for %s", format)
	}
	if len(template) == 1 && template[0] == copyConverter {
		return copyFile(mesh, dst)
	}

	args, err := tool.Expand(template, map[string]string{
		"input":  mesh,
		"output": dst,
		"format": format,
		"name":   model,
	})
	if err != nil {
		return err
	}
	return e.runner.Run(ctx, tool.Command{
		Name:   "convert-" + format,
		Args:   args,
		Mounts: []string{filepath.Dir(mesh), filepath.Dir(dst)},
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
