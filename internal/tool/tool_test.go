package tool

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestExpand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		template []string
		vars     map[string]string
		want     []string
		wantErr  bool
	}{
		{
			name:     "substitutes placeholders",
			template: []string{"assimp", "export", "{input}", "{output}"},
			vars:     map[string]string{"input": "/m/mesh.ply", "output": "/e/model.obj"},
			want:     []string{"assimp", "export", "/m/mesh.ply", "/e/model.obj"},
		},
		{
			name:     "placeholder inside argument",
			template: []string{"--conf={confidence}", "{name}_{format}"},
			vars:     map[string]string{"confidence": "0.25", "name": "model", "format": "stl"},
			want:     []string{"--conf=0.25", "model_stl"},
		},
		{
			name:     "no placeholders",
			template: []string{"ctmconv", "--help"},
			want:     []string{"ctmconv", "--help"},
		},
		{
			name:     "unknown placeholder",
			template: []string{"tool", "{inptu}"},
			vars:     map[string]string{"input": "x"},
			wantErr:  true,
		},
		{
			name:    "empty template",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Expand(tt.template, tt.vars)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expand() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExpandDoesNotModifyTemplate(t *testing.T) {
	t.Parallel()
	template := []string{"{input}"}
	if _, err := Expand(template, map[string]string{"input": "a"}); err != nil {
		t.Fatal(err)
	}
	if template[0] != "{input}" {
		t.Errorf("template modified: %v", template)
	}
}

func TestExitError(t *testing.T) {
	t.Parallel()
	err := error(&ExitError{Name: "mapper", Code: 1, Tail: []string{"loading", "No good initial image pair found."}})
	if got, want := err.Error(), "mapper exited with code 1: No good initial image pair found."; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !IsExitError(errors.Join(errors.New("context"), err)) {
		t.Error("expected IsExitError to see through wrapping")
	}
	if IsExitError(errors.New("not found")) {
		t.Error("plain error reported as exit error")
	}
}

func TestLineLogger(t *testing.T) {
	t.Parallel()
	w := newLineLogger(slog.New(slog.DiscardHandler), "stderr")

	w.Write([]byte("first\nsec"))
	w.Write([]byte("ond\r\n\n"))
	for i := range 6 {
		w.Write([]byte(strings.Repeat("x", i+1) + "\n"))
	}
	w.Write([]byte("partial"))
	w.Flush()

	want := []string{"xxx", "xxxx", "xxxxx", "xxxxxx", "partial"}
	if got := w.Tail(); !reflect.DeepEqual(got, want) {
		t.Errorf("Tail() = %v, want %v", got, want)
	}
}

func TestLocalRunner(t *testing.T) {
	t.Parallel()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	r := NewLocalRunner()
	dir := t.TempDir()

	t.Run("success", func(t *testing.T) {
		out := filepath.Join(dir, "out.txt")
		err := r.Run(context.Background(), Command{
			Name: "write",
			Args: []string{"/bin/sh", "-c", "echo $RECON_TEST > " + out},
			Env:  []string{"RECON_TEST=hello"},
		})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		data, _ := os.ReadFile(out)
		if strings.TrimSpace(string(data)) != "hello" {
			t.Errorf("unexpected output %q", data)
		}
	})

	t.Run("non-zero exit", func(t *testing.T) {
		err := r.Run(context.Background(), Command{
			Name: "mapper",
			Args: []string{"/bin/sh", "-c", "echo boom >&2; exit 3"},
		})
		var exitErr *ExitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("expected ExitError, got %v", err)
		}
		if exitErr.Code != 3 {
			t.Errorf("Code = %d, want 3", exitErr.Code)
		}
		if !reflect.DeepEqual(exitErr.Tail, []string{"boom"}) {
			t.Errorf("Tail = %v", exitErr.Tail)
		}
	})

	t.Run("missing program", func(t *testing.T) {
		err := r.Run(context.Background(), Command{Name: "nope", Args: []string{"recon-no-such-binary"}})
		if err == nil || IsExitError(err) {
			t.Errorf("expected start error, got %v", err)
		}
	})

	t.Run("empty command", func(t *testing.T) {
		if err := r.Run(context.Background(), Command{Name: "empty"}); err == nil {
			t.Error("expected error")
		}
	})
}

func TestLocalRunnerReady(t *testing.T) {
	t.Parallel()
	r := NewLocalRunner()
	if err := r.Ready(context.Background(), "sh"); err != nil {
		t.Errorf("Ready(sh) error = %v", err)
	}
	if err := r.Ready(context.Background(), "recon-no-such-binary"); err == nil {
		t.Error("expected error for missing program")
	}
}

func TestBindMounts(t *testing.T) {
	t.Parallel()
	mounts, err := bindMounts([]string{"/data/in", "/data/out", "/data/in"})
	if err != nil {
		t.Fatal(err)
	}
	if len(mounts) != 2 {
		t.Fatalf("expected 2 mounts, got %d", len(mounts))
	}
	for _, m := range mounts {
		if m.Source != m.Target {
			t.Errorf("mount %s bound at %s", m.Source, m.Target)
		}
	}
}
