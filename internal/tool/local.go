package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
)

// LocalRunner runs collaborators as child processes of this program.
type LocalRunner struct{}

// NewLocalRunner returns a runner that executes commands on the host.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{}
}

// Run starts the command and waits for it to exit.
func (r *LocalRunner) Run(ctx context.Context, cmd Command) error {
	if len(cmd.Args) == 0 {
		return fmt.Errorf("%s: empty command", cmd.Name)
	}

	logger := slog.With("tool", cmd.Name)
	stdout := newLineLogger(logger, "stdout")
	stderr := newLineLogger(logger, "stderr")

	c := exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)
	c.Dir = cmd.Dir
	c.Stdout = stdout
	c.Stderr = stderr
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	logger.Debug("Running command", "command", cmd.String())
	err := c.Run()
	stdout.Flush()
	stderr.Flush()

	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Name: cmd.Name, Code: exitErr.ExitCode(), Tail: stderr.Tail()}
	}
	return fmt.Errorf("failed to run %s: %w", cmd.Name, err)
}

// Ready checks that program is on PATH.
func (r *LocalRunner) Ready(_ context.Context, program string) error {
	if _, err := exec.LookPath(program); err != nil {
		return fmt.Errorf("%s not found: %w", program, err)
	}
	return nil
}
