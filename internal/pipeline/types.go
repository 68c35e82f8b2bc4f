// Package pipeline sequences the reconstruction stages and accumulates the run report.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"recon/internal/apperrors"
)

// StageName identifies one stage of the pipeline.
type StageName string

const (
	StagePreprocess StageName = "preprocess"
	StageSfM        StageName = "sfm"
	StageMVS        StageName = "mvs"
	StageMesh       StageName = "mesh"
	StageExport     StageName = "export"
)

// Order is the fixed execution order of the stages.
var Order = []StageName{StagePreprocess, StageSfM, StageMVS, StageMesh, StageExport}

// imageExtensions are matched case-insensitively.
var imageExtensions = []string{".jpg", ".jpeg", ".png"}

// Artifact is a file or directory produced by one stage and consumed by the next.
type Artifact string

// Stat checks that the artifact exists on disk.
func (a Artifact) Stat() (os.FileInfo, error) {
	if a == "" {
		return nil, fmt.Errorf("no artifact")
	}
	info, err := os.Stat(string(a))
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", a, err)
	}
	return info, nil
}

// Path returns the artifact location.
func (a Artifact) Path() string { return string(a) }

// ImageSet is the ordered list of input images found in a directory.
type ImageSet struct {
	Dir   string   `json:"dir"`
	Paths []string `json:"paths"`
}

// IsImage reports whether name has a recognised image extension.
func IsImage(name string) bool {
	return slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(name)))
}

// LoadImageSet lists the images in dir in lexicographic order. Subdirectories
// are not searched. An empty set is not an error.
func LoadImageSet(dir string) (ImageSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return ImageSet{}, apperrors.Validation("input_dir", fmt.Sprintf("input directory %s does not exist", dir))
		}
		return ImageSet{}, apperrors.Validation("input_dir", fmt.Sprintf("cannot read input directory: %v", err))
	}

	set := ImageSet{Dir: dir}
	for _, entry := range entries {
		if !entry.IsDir() && IsImage(entry.Name()) {
			set.Paths = append(set.Paths, filepath.Join(dir, entry.Name()))
		}
	}
	// ReadDir already sorts by name; keep the guarantee explicit.
	slices.Sort(set.Paths)
	return set, nil
}

// Len returns the number of images.
func (s ImageSet) Len() int { return len(s.Paths) }

// Check returns a validation warning when fewer than minImages images are present.
// The warning is advisory; callers log it and continue.
func (s ImageSet) Check(minImages int) error {
	if s.Len() >= minImages {
		return nil
	}
	return apperrors.Validation("images",
		fmt.Sprintf("only %d images found, at least %d recommended for a good reconstruction", s.Len(), minImages))
}

// MeshMethod selects the surface reconstruction algorithm.
type MeshMethod string

const (
	MeshPoisson      MeshMethod = "poisson"
	MeshBallPivoting MeshMethod = "ball_pivoting"
)

// ParseMeshMethod validates a mesh method name.
func ParseMeshMethod(s string) (MeshMethod, error) {
	switch m := MeshMethod(s); m {
	case MeshPoisson, MeshBallPivoting:
		return m, nil
	default:
		return "", apperrors.Validation("mesh_method", fmt.Sprintf("unknown mesh method %q (poisson, ball_pivoting)", s))
	}
}

// RunConfig holds the options of one run. It is passed by value and never modified during the run.
type RunConfig struct {
	MaxImageDimension    int        `json:"max_image_dimension"`
	EnableSegmentation   bool       `json:"enable_segmentation"`
	MeshMethod           MeshMethod `json:"mesh_method"`
	EnableSimplification bool       `json:"enable_simplification"`
	OutputRoot           string     `json:"output_root"`
	ModelName            string     `json:"model_name"`
}

// DefaultRunConfig returns the options used by the CLI when no flags are given.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxImageDimension:    1920,
		EnableSegmentation:   true,
		MeshMethod:           MeshPoisson,
		EnableSimplification: true,
		OutputRoot:           "output",
		ModelName:            "model",
	}
}

// Validate checks the run options.
func (c RunConfig) Validate() error {
	if c.MaxImageDimension <= 0 {
		return apperrors.Validation("max_image_dimension", "max image dimension must be positive")
	}
	if _, err := ParseMeshMethod(string(c.MeshMethod)); err != nil {
		return err
	}
	if c.OutputRoot == "" {
		return apperrors.Validation("output_root", "output root is required")
	}
	if c.ModelName == "" || c.ModelName == "." || c.ModelName == ".." || strings.ContainsAny(c.ModelName, `/\`) {
		return apperrors.Validation("model_name", fmt.Sprintf("invalid model name %q", c.ModelName))
	}
	return nil
}
