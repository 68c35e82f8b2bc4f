// Package store lays out stage artifacts under a run's output root.
//
// Each stage owns one subdirectory whose location depends only on the output
// root and the stage name. The store creates directories on demand and never
// deletes anything; clearing a previous run is an operator concern.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// ReportFile is the name of the run report written to the output root.
const ReportFile = "run_report.json"

// stageDirs maps stage names to their subdirectory under the output root.
var stageDirs = map[string]string{
	"preprocess": "preprocessed",
	"sfm":        "sparse",
	"mvs":        "dense",
	"mesh":       "mesh",
	"export":     "exports",
}

// Store resolves and creates stage directories under one output root.
type Store struct {
	root string
}

// New returns a store rooted at root. Nothing is created until Ensure is called.
func New(root string) *Store {
	return &Store{root: filepath.Clean(root)}
}

// Root returns the output root.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory owned by stage. It has no side effects.
// Unknown stages get a directory named after the stage.
func (s *Store) Dir(stage string) string {
	name, ok := stageDirs[stage]
	if !ok {
		name = stage
	}
	return filepath.Join(s.root, name)
}

// Path joins elem onto the stage directory.
func (s *Store) Path(stage string, elem ...string) string {
	return filepath.Join(append([]string{s.Dir(stage)}, elem...)...)
}

// Ensure creates the stage directory if it is absent and returns it.
func (s *Store) Ensure(stage string) (string, error) {
	dir := s.Dir(stage)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s directory: %w", stage, err)
	}
	return dir, nil
}

// WriteJSON writes v as indented JSON to name under the output root.
func (s *Store) WriteJSON(name string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", name, err)
	}

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output root: %w", err)
	}

	path := filepath.Join(s.root, name)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}

	slog.Debug("Wrote file", "bytes", len(data), "path", path)
	return path, nil
}
