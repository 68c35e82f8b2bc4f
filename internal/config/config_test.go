package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recon/internal/apperrors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 15, cfg.Pipeline.MinImages)
	assert.Equal(t, "SIMPLE_RADIAL", cfg.Colmap.CameraModel)
	assert.Equal(t, 8192, cfg.Colmap.MaxNumFeatures)
	assert.Equal(t, 9, cfg.Geometry.PoissonDepth)
	assert.Equal(t, 100000, cfg.Geometry.TargetTriangles)
	assert.Equal(t, []string{"pcd", "xyz"}, cfg.Geometry.CloudFormats)
	for _, format := range RequiredFormats {
		assert.NotEmpty(t, cfg.Export.Converters[format], "converter for %s", format)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Colmap, cfg.Colmap)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
colmap:
  matcher: sequential
  max_num_features: 4096
geometry:
  poisson_depth: 10
export:
  converters:
    usd: ["usdcat", "{input}", "-o", "{output}"]
callback:
  timeout: 3s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sequential", cfg.Colmap.Matcher)
	assert.Equal(t, 4096, cfg.Colmap.MaxNumFeatures)
	assert.Equal(t, "colmap", cfg.Colmap.Path, "unset fields keep defaults")
	assert.Equal(t, 10, cfg.Geometry.PoissonDepth)
	assert.Equal(t, 1.1, cfg.Geometry.PoissonScale)
	assert.Equal(t, 3*time.Second, cfg.Callback.Timeout)

	assert.Equal(t, []string{"usdcat", "{input}", "-o", "{output}"}, cfg.Export.Converters["usd"])
	assert.NotEmpty(t, cfg.Export.Converters["obj"], "default converters survive map merge")
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default().Pipeline, cfg.Pipeline)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, "colmap:\n  matchr: exhaustive\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, apperrors.ExitInvalidInput, apperrors.ExitCode(err))
}

func TestLoadEnvOverrides(t *testing.T) {
	secret := filepath.Join(t.TempDir(), "s3-secret")
	require.NoError(t, os.WriteFile(secret, []byte("s3cr3t\n"), 0o600))

	t.Setenv("RECON_DOCKER", "true")
	t.Setenv("RECON_DOCKER_IMAGE", "colmap/colmap:3.9")
	t.Setenv("RECON_MIN_IMAGES", "8")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CALLBACK_URL", "http://hooks.local/recon")
	t.Setenv("CALLBACK_EVENTS", "recon.run.finish, recon.stage.finish")
	t.Setenv("PUBLISH_S3_BUCKET", "models")
	t.Setenv("PUBLISH_S3_SECRET_KEY_FILE", secret)

	cfg, err := Load(writeConfig(t, "docker:\n  image: ignored:latest\n"))
	require.NoError(t, err)

	assert.True(t, cfg.Docker.Enabled)
	assert.Equal(t, "colmap/colmap:3.9", cfg.Docker.Image, "env wins over file")
	assert.Equal(t, 8, cfg.Pipeline.MinImages)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "http://hooks.local/recon", cfg.Callback.URL)
	assert.Equal(t, []string{"recon.run.finish", "recon.stage.finish"}, cfg.Callback.Events)
	assert.Equal(t, "models", cfg.Publish.S3.Bucket)
	assert.Equal(t, "s3cr3t", cfg.Publish.S3.SecretKey)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"negative min images", func(c *Config) { c.Pipeline.MinImages = -1 }, "pipeline.min_images"},
		{"empty colmap path", func(c *Config) { c.Colmap.Path = "" }, "colmap.path"},
		{"unknown matcher", func(c *Config) { c.Colmap.Matcher = "vocab_tree" }, "colmap.matcher"},
		{"unknown image source", func(c *Config) { c.Colmap.ImageSource = "masks" }, "colmap.image_source"},
		{"docker without image", func(c *Config) { c.Docker.Enabled = true; c.Docker.Image = "" }, "docker.image"},
		{"no geometry command", func(c *Config) { c.Geometry.Command = nil }, "geometry.command"},
		{"cloud format with path", func(c *Config) { c.Geometry.CloudFormats = []string{"../pcd"} }, "geometry.cloud_formats"},
		{"cloud format overwrites fused cloud", func(c *Config) { c.Geometry.CloudFormats = []string{"ply"} }, "geometry.cloud_formats"},
		{"missing required converter", func(c *Config) { delete(c.Export.Converters, "gltf") }, "export.converters.gltf"},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var appErr *apperrors.Error
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tt.field, appErr.Field)
		})
	}
}
