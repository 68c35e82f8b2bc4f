package store

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestDir(t *testing.T) {
	t.Parallel()
	s := New("/data/out/")

	tests := []struct {
		stage string
		want  string
	}{
		{"preprocess", "/data/out/preprocessed"},
		{"sfm", "/data/out/sparse"},
		{"mvs", "/data/out/dense"},
		{"mesh", "/data/out/mesh"},
		{"export", "/data/out/exports"},
		{"custom", "/data/out/custom"},
	}

	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			t.Parallel()
			if got := s.Dir(tt.stage); got != tt.want {
				t.Errorf("Dir(%q) = %q, want %q", tt.stage, got, tt.want)
			}
		})
	}
}

func TestDirHasNoSideEffects(t *testing.T) {
	t.Parallel()
	root := filepath.Join(t.TempDir(), "out")
	s := New(root)

	_ = s.Dir("sfm")
	_ = s.Path("mesh", "final_mesh_poisson.ply")

	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Errorf("expected %s to not exist, stat err = %v", root, err)
	}
}

func TestPath(t *testing.T) {
	t.Parallel()
	s := New("out")
	if got, want := s.Path("sfm", "0", "cameras.bin"), filepath.Join("out", "sparse", "0", "cameras.bin"); got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
}

func TestEnsure(t *testing.T) {
	t.Parallel()
	s := New(filepath.Join(t.TempDir(), "out"))

	dir, err := s.Ensure("mvs")
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if dir != s.Dir("mvs") {
		t.Errorf("Ensure() = %q, want %q", dir, s.Dir("mvs"))
	}

	marker := filepath.Join(dir, "fused.ply")
	if err := os.WriteFile(marker, []byte("ply"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Ensuring again keeps existing content.
	if _, err := s.Ensure("mvs"); err != nil {
		t.Fatalf("second Ensure() error = %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("existing artifact removed: %v", err)
	}
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()
	s := New(filepath.Join(t.TempDir(), "out"))

	path, err := s.WriteJSON(ReportFile, map[string]any{"completed": true})
	if err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got["completed"] != true {
		t.Errorf("unexpected content: %s", data)
	}
}

func TestArchive(t *testing.T) {
	t.Parallel()
	s := New(t.TempDir())

	dir, err := s.Ensure("export")
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "model.obj"), []byte("o model"), 0o644)
	os.WriteFile(filepath.Join(dir, "model.stl"), []byte("solid"), 0o644)

	dest := filepath.Join(dir, "model.tar.gz")
	if err := s.Archive(context.Background(), "export", dest); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	names := readTarNames(t, dest)
	want := []string{"model.obj", "model.stl"}
	if len(names) != len(want) {
		t.Fatalf("archive entries = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestArchiveMissingStage(t *testing.T) {
	t.Parallel()
	s := New(t.TempDir())
	if err := s.Archive(context.Background(), "export", filepath.Join(t.TempDir(), "x.tar.gz")); err == nil {
		t.Error("expected error for missing stage directory")
	}
}

func readTarNames(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(gz)

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, hdr.Name)
	}
	sort.Strings(names)
	return names
}
