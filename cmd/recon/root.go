package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"recon/internal/apperrors"
	"recon/internal/config"
	"recon/internal/dispatcher"
	"recon/internal/notify"
	"recon/internal/observability"
	"recon/internal/pipeline"
	"recon/internal/publish"
	"recon/internal/stages"
	"recon/internal/tool"
	"recon/pkg/backoff"
)

// Version is the release version, set at build time.
var Version = "dev"

// options holds the command-line flags.
type options struct {
	output      string
	name        string
	maxSize     int
	noSegment   bool
	meshMethod  string
	noSimplify  bool
	configPath  string
	docker      bool
	logLevel    string
	logFile     string
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	defaults := pipeline.DefaultRunConfig()
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "recon <input_dir>",
		Short: "Reconstruct a 3D model from photographs",
		Long: `recon runs a five stage photogrammetry pipeline over a directory of images:
preprocess, structure from motion, multi-view stereo, meshing and export.
Every stage writes into its own directory under the output root and a
run_report.json summarises the run.`,
		Example: `  # Reconstruct with defaults into ./output
  recon ./photos

  # Ball pivoting without simplification, COLMAP in Docker
  recon ./photos -o out -n statue --mesh-method ball_pivoting --no-simplify --docker`,
		Version:       Version,
		Args:          inputDirArg,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), opts, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return apperrors.Validation("flags", err.Error())
	})

	flags := cmd.Flags()
	flags.StringVarP(&opts.name, "name", "n", defaults.ModelName, "base name of exported models")
	flags.IntVar(&opts.maxSize, "max-size", defaults.MaxImageDimension, "maximum image dimension after resizing")
	flags.BoolVar(&opts.noSegment, "no-segment", false, "skip object segmentation")
	flags.StringVar(&opts.meshMethod, "mesh-method", string(defaults.MeshMethod), "surface reconstruction method (poisson, ball_pivoting)")
	flags.BoolVar(&opts.noSimplify, "no-simplify", false, "keep the full resolution mesh")

	persistent := cmd.PersistentFlags()
	persistent.StringVarP(&opts.output, "output", "o", defaults.OutputRoot, "output root directory")
	persistent.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	persistent.BoolVar(&opts.docker, "docker", false, "run COLMAP in a Docker container")
	persistent.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	persistent.StringVar(&opts.logFile, "log-file", "", "also write logs to this rotating file")
	persistent.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	cmd.AddCommand(newCheckCmd(opts))
	return cmd
}

func inputDirArg(_ *cobra.Command, args []string) error {
	if len(args) != 1 {
		return apperrors.Validation("input_dir", fmt.Sprintf("expected exactly one input directory, got %d arguments", len(args)))
	}
	return nil
}

// runConfig converts flags into the options of one run.
func (o *options) runConfig() (pipeline.RunConfig, error) {
	method, err := pipeline.ParseMeshMethod(o.meshMethod)
	if err != nil {
		return pipeline.RunConfig{}, err
	}
	cfg := pipeline.RunConfig{
		MaxImageDimension:    o.maxSize,
		EnableSegmentation:   !o.noSegment,
		MeshMethod:           method,
		EnableSimplification: !o.noSimplify,
		OutputRoot:           o.output,
		ModelName:            o.name,
	}
	return cfg, cfg.Validate()
}

// loadConfig reads the configuration file and applies flag overrides.
func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.docker {
		cfg.Docker.Enabled = true
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFile != "" {
		cfg.Logging.File = o.logFile
	}
	if o.metricsAddr != "" {
		cfg.Metrics.Addr = o.metricsAddr
	}
	return cfg, nil
}

// runners returns the runner for COLMAP and the local runner for everything
// else. release closes the Docker connection when one was opened.
func runners(cfg *config.Config) (colmap, local tool.Runner, release func(), err error) {
	localRunner := tool.NewLocalRunner()
	if !cfg.Docker.Enabled {
		return localRunner, localRunner, func() {}, nil
	}
	docker, err := tool.NewDockerRunner(tool.DockerConfig{Image: cfg.Docker.Image, GPUs: cfg.Docker.GPUs})
	if err != nil {
		return nil, nil, nil, apperrors.Internal("docker.connect", err)
	}
	return docker, localRunner, func() { docker.Close() }, nil
}

func buildStages(cfg *config.Config, colmap, local tool.Runner) pipeline.Stages {
	geometry := stages.NewCommandGeometry(local, cfg.Geometry)
	return pipeline.Stages{
		Preprocess: stages.NewPreprocess(local, cfg.Detector),
		SfM:        stages.NewSfM(colmap, cfg.Colmap),
		MVS:        stages.NewMVS(colmap, geometry, cfg.Colmap, cfg.Geometry),
		Mesh:       stages.NewMesh(geometry, cfg.Geometry),
		Export:     stages.NewExport(local, cfg.Export),
	}
}

func publishers(cfg config.PublishConfig) ([]publish.Publisher, error) {
	var out []publish.Publisher
	if cfg.HTTPURL != "" {
		out = append(out, publish.NewHTTPPublisher(cfg.HTTPURL, 0, backoff.Policy{}))
	}
	if cfg.S3.Bucket != "" {
		s3, err := publish.NewS3Publisher(cfg.S3)
		if err != nil {
			return nil, apperrors.Validation("publish.s3", err.Error())
		}
		out = append(out, s3)
	}
	return out, nil
}

func runPipeline(ctx context.Context, opts *options, inputDir string, stdout, stderr io.Writer) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger, logCloser, err := newLogger(cfg.Logging, stderr)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	runCfg, err := opts.runConfig()
	if err != nil {
		return err
	}
	images, err := pipeline.LoadImageSet(inputDir)
	if err != nil {
		return err
	}
	targets, err := publishers(cfg.Publish)
	if err != nil {
		return err
	}

	colmap, local, release, err := runners(cfg)
	if err != nil {
		return err
	}
	defer release()

	var observers []pipeline.Observer
	var metrics *observability.Metrics
	if cfg.Metrics.Addr != "" {
		var shutdown func()
		metrics, shutdown, err = serveMetrics(ctx, cfg.Metrics.Addr)
		if err != nil {
			return apperrors.Internal("metrics.serve", err)
		}
		defer shutdown()
		observers = append(observers, observability.NewObserver(metrics))
	}

	if cfg.Callback.URL != "" {
		var recorder dispatcher.MetricsRecorder
		if metrics != nil {
			recorder = metrics
		}
		events := dispatcher.NewMemory(dispatcher.ConfigFrom(cfg.Callback), recorder)
		defer closeDispatcher(events)
		observers = append(observers, notify.NewObserver(events, cfg.Callback.URL, cfg.Callback.Key, cfg.Callback.Events))
	}

	seq, err := pipeline.NewSequencer(buildStages(cfg, colmap, local), pipeline.Options{
		MinImages:   cfg.Pipeline.MinImages,
		Observers:   observers,
		WriteReport: true,
	})
	if err != nil {
		return err
	}

	report, err := seq.Run(ctx, images, runCfg)
	if err != nil {
		return err
	}
	printSummary(stdout, report)
	if err := report.Err(); err != nil {
		return err
	}

	if len(targets) > 0 {
		var recorder publish.MetricsRecorder
		if metrics != nil {
			recorder = metrics
		}
		locations, err := publish.All(ctx, targets, recorder, report.RunID(), report.FinalArtifacts())
		for _, key := range sortedKeys(locations) {
			fmt.Fprintf(stdout, "  published %s -> %s\n", key, locations[key])
		}
		if err != nil {
			return apperrors.Internal("publish", err)
		}
	}
	return nil
}

// serveMetrics starts the Prometheus endpoint in the background.
func serveMetrics(ctx context.Context, addr string) (*observability.Metrics, func(), error) {
	metrics, handler, err := observability.NewMetrics(ctx)
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting metrics server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Warn("Metrics server shutdown error", "error", err)
		}
	}
	return metrics, shutdown, nil
}

func closeDispatcher(d *dispatcher.MemoryDispatcher) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		slog.Warn("Callback dispatcher shutdown error", "error", err)
	}
	stats := d.Stats()
	slog.Debug("Callback dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)
}

func printSummary(w io.Writer, report *pipeline.RunReport) {
	if !report.Completed() {
		fmt.Fprintf(w, "Reconstruction failed at stage %s: %v\n", report.AbortedAt(), report.Err())
		return
	}
	fmt.Fprintf(w, "Reconstruction complete in %s\n", report.TotalDuration().Round(time.Second))
	final := report.FinalArtifacts()
	for _, key := range sortedKeys(final) {
		fmt.Fprintf(w, "  %-8s %s\n", key, final[key])
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
