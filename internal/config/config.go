// Package config provides configuration loading from a YAML file and environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"recon/internal/apperrors"
)

// RequiredFormats are the export formats every completed run must produce.
var RequiredFormats = []string{"obj", "stl", "ply", "gltf", "off"}

// OptionalFormats are exported when a converter is configured and skipped otherwise.
var OptionalFormats = []string{"usd", "usda"}

// Config holds collaborator and ambient configuration for a reconstruction run.
// Per-run options (output root, model name, mesh method, ...) come from CLI flags instead.
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	Colmap   ColmapConfig   `yaml:"colmap"`
	Docker   DockerConfig   `yaml:"docker"`
	Detector DetectorConfig `yaml:"detector"`
	Geometry GeometryConfig `yaml:"geometry"`
	Export   ExportConfig   `yaml:"export"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Callback CallbackConfig `yaml:"callback"`
	Publish  PublishConfig  `yaml:"publish"`
}

// PipelineConfig holds sequencing options.
type PipelineConfig struct {
	MinImages int `yaml:"min_images"` // below this count a validation warning is logged
}

// ColmapConfig configures the structure-from-motion and multi-view stereo engine.
type ColmapConfig struct {
	Path           string `yaml:"path"`
	CameraModel    string `yaml:"camera_model"`
	MaxNumFeatures int    `yaml:"max_num_features"`
	Matcher        string `yaml:"matcher"`        // exhaustive or sequential
	ImageSource    string `yaml:"image_source"`   // input, resized or segmented
	MaxImageSize   int    `yaml:"max_image_size"` // PatchMatch stereo limit
	MinNumPixels   int    `yaml:"min_num_pixels"` // stereo fusion consistency
}

// DockerConfig runs COLMAP inside a container instead of a local binary.
type DockerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Image   string `yaml:"image"`
	GPUs    bool   `yaml:"gpus"`
}

// DetectorConfig configures the object detector used for segmentation.
// Command is a template; see tool.Expand for placeholders.
type DetectorConfig struct {
	Command    []string `yaml:"command"`
	Confidence float64  `yaml:"confidence"`
	// FeaturesCommand draws keypoints over the resized images into a
	// directory for visual inspection. Placeholders: {input}, {output}.
	FeaturesCommand []string `yaml:"features_command"`
}

// GeometryConfig configures the geometry-processing collaborator.
type GeometryConfig struct {
	Command          []string     `yaml:"command"`
	PoissonDepth     int          `yaml:"poisson_depth"`
	PoissonScale     float64      `yaml:"poisson_scale"`
	BallRadii        []float64    `yaml:"ball_radii"`
	TargetTriangles  int          `yaml:"target_triangles"`
	SmoothIterations int          `yaml:"smooth_iterations"`
	Filter           FilterConfig `yaml:"filter"`
	CloudFormats     []string     `yaml:"cloud_formats"` // extra copies of the dense cloud, e.g. pcd, xyz
}

// FilterConfig configures dense point cloud filtering after stereo fusion.
type FilterConfig struct {
	Enabled   bool    `yaml:"enabled"`
	VoxelSize float64 `yaml:"voxel_size"`
	Neighbors int     `yaml:"neighbors"`
	StdRatio  float64 `yaml:"std_ratio"`
}

// ExportConfig configures mesh format converters.
// A converter of ["copy"] copies the mesh file instead of running a command.
type ExportConfig struct {
	Converters map[string][]string `yaml:"converters"`
	Viewer     bool                `yaml:"viewer"`
	Archive    bool                `yaml:"archive"`
}

// LoggingConfig configures the process-wide slog handler.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json or text
	File       string `yaml:"file"`   // optional rotating log file
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the endpoint
}

// CallbackConfig configures lifecycle webhooks.
type CallbackConfig struct {
	URL        string        `yaml:"url"`
	Events     []string      `yaml:"events"` // empty means all events
	Key        string        `yaml:"key"`    // HMAC signing key
	Timeout    time.Duration `yaml:"timeout"`
	BufferSize int           `yaml:"buffer_size"`
	Workers    int           `yaml:"workers"` // more than one may deliver events out of order
}

// PublishConfig configures where final artifacts are uploaded after a completed run.
type PublishConfig struct {
	HTTPURL string   `yaml:"http_url"`
	S3      S3Config `yaml:"s3"`
}

// S3Config configures an S3-compatible bucket.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Default returns the configuration used when no file or environment overrides are present.
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{MinImages: 15},
		Colmap: ColmapConfig{
			Path:           "colmap",
			CameraModel:    "SIMPLE_RADIAL",
			MaxNumFeatures: 8192,
			Matcher:        "exhaustive",
			ImageSource:    "input",
			MaxImageSize:   3200,
			MinNumPixels:   5,
		},
		Docker: DockerConfig{
			Image: "colmap/colmap:latest",
			GPUs:  true,
		},
		Detector: DetectorConfig{
			Command:         []string{"recon-detect", "--input", "{input}", "--output", "{output}", "--conf", "{confidence}"},
			Confidence:      0.25,
			FeaturesCommand: []string{"recon-detect", "features", "--input", "{input}", "--output", "{output}", "--method", "sift"},
		},
		Geometry: GeometryConfig{
			Command:          []string{"recon-geometry"},
			PoissonDepth:     9,
			PoissonScale:     1.1,
			BallRadii:        []float64{0.005, 0.01, 0.02, 0.04},
			TargetTriangles:  100000,
			SmoothIterations: 3,
			Filter: FilterConfig{
				Enabled:   true,
				VoxelSize: 0.01,
				Neighbors: 20,
				StdRatio:  2.0,
			},
			CloudFormats: []string{"pcd", "xyz"},
		},
		Export: ExportConfig{
			Converters: map[string][]string{
				"obj":  {"assimp", "export", "{input}", "{output}"},
				"stl":  {"assimp", "export", "{input}", "{output}", "-fstlb"},
				"ply":  {"copy"},
				"gltf": {"assimp", "export", "{input}", "{output}", "-fgltf2"},
				"off":  {"ctmconv", "{input}", "{output}"},
			},
			Viewer: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Callback: CallbackConfig{
			Timeout:    10 * time.Second,
			BufferSize: 256,
			Workers:    1,
		},
		Publish: PublishConfig{
			S3: S3Config{Region: "us-east-1", UseSSL: true},
		},
	}
}

// Load reads configuration from an optional YAML file layered over Default,
// then applies environment overrides. A .env file in the working directory is
// loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Validation("config", fmt.Sprintf("failed to read config file: %v", err))
		}
		if err := decode(data, cfg); err != nil {
			return nil, apperrors.Validation("config", fmt.Sprintf("failed to parse config file %s: %v", path, err))
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overrides file values with environment variables when they are set.
func applyEnv(cfg *Config) {
	cfg.Pipeline.MinImages = GetIntEnv("RECON_MIN_IMAGES", cfg.Pipeline.MinImages)

	cfg.Colmap.Path = GetEnv("RECON_COLMAP_PATH", cfg.Colmap.Path)
	cfg.Colmap.Matcher = GetEnv("RECON_COLMAP_MATCHER", cfg.Colmap.Matcher)

	cfg.Docker.Enabled = GetBoolEnv("RECON_DOCKER", cfg.Docker.Enabled)
	cfg.Docker.Image = GetEnv("RECON_DOCKER_IMAGE", cfg.Docker.Image)
	cfg.Docker.GPUs = GetBoolEnv("RECON_DOCKER_GPUS", cfg.Docker.GPUs)

	cfg.Logging.Level = GetEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = GetEnv("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.File = GetEnv("LOG_FILE", cfg.Logging.File)

	cfg.Metrics.Addr = GetEnv("METRICS_ADDR", cfg.Metrics.Addr)

	cfg.Callback.URL = GetEnv("CALLBACK_URL", cfg.Callback.URL)
	cfg.Callback.Events = GetListEnv("CALLBACK_EVENTS", cfg.Callback.Events)
	if key := GetSecretFile(GetEnv("CALLBACK_KEY_FILE", "")); key != "" {
		cfg.Callback.Key = key
	}
	cfg.Callback.Timeout = GetDurationEnv("CALLBACK_TIMEOUT", cfg.Callback.Timeout)

	cfg.Publish.HTTPURL = GetEnv("PUBLISH_HTTP_URL", cfg.Publish.HTTPURL)
	s3 := &cfg.Publish.S3
	s3.Endpoint = GetEnv("PUBLISH_S3_ENDPOINT", s3.Endpoint)
	s3.Region = GetEnv("PUBLISH_S3_REGION", s3.Region)
	s3.AccessKey = GetEnv("PUBLISH_S3_ACCESS_KEY", s3.AccessKey)
	if secret := GetSecretFile(GetEnv("PUBLISH_S3_SECRET_KEY_FILE", "")); secret != "" {
		s3.SecretKey = secret
	}
	s3.Bucket = GetEnv("PUBLISH_S3_BUCKET", s3.Bucket)
	s3.Prefix = GetEnv("PUBLISH_S3_PREFIX", s3.Prefix)
	s3.UseSSL = GetBoolEnv("PUBLISH_S3_USE_SSL", s3.UseSSL)
}

// Validate checks option values. It does not check that collaborators are installed;
// see the preflight package for that.
func (c *Config) Validate() error {
	if c.Pipeline.MinImages < 0 {
		return apperrors.Validation("pipeline.min_images", "min_images must not be negative")
	}
	if c.Colmap.Path == "" {
		return apperrors.Validation("colmap.path", "colmap path is required")
	}
	if c.Colmap.Matcher != "exhaustive" && c.Colmap.Matcher != "sequential" {
		return apperrors.Validation("colmap.matcher", fmt.Sprintf("unknown matcher %q (exhaustive, sequential)", c.Colmap.Matcher))
	}
	if !slices.Contains([]string{"input", "resized", "segmented"}, c.Colmap.ImageSource) {
		return apperrors.Validation("colmap.image_source", fmt.Sprintf("unknown image source %q (input, resized, segmented)", c.Colmap.ImageSource))
	}
	if c.Docker.Enabled && c.Docker.Image == "" {
		return apperrors.Validation("docker.image", "docker image is required when docker is enabled")
	}
	if len(c.Geometry.Command) == 0 {
		return apperrors.Validation("geometry.command", "geometry command is required")
	}
	for _, format := range c.Geometry.CloudFormats {
		if format == "" || format == "ply" || strings.ContainsAny(format, `./\`) {
			return apperrors.Validation("geometry.cloud_formats", fmt.Sprintf("invalid point cloud format %q", format))
		}
	}
	for _, format := range RequiredFormats {
		if len(c.Export.Converters[format]) == 0 {
			return apperrors.Validation("export.converters."+format, fmt.Sprintf("converter for required format %s is not configured", format))
		}
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return apperrors.Validation("logging.format", fmt.Sprintf("unknown log format %q (json, text)", c.Logging.Format))
	}
	return nil
}
