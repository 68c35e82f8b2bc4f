// Package tooltest provides a scripted tool.Runner for tests.
package tooltest

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"recon/internal/tool"
)

// Handler simulates one command. Returning nil means a clean exit.
type Handler func(cmd tool.Command) error

// Runner records commands and dispatches them to handlers keyed by command name.
// Commands without a handler succeed without side effects.
type Runner struct {
	mu       sync.Mutex
	handlers map[string]Handler
	commands []tool.Command
	missing  []string
}

// NewRunner returns an empty fake runner.
func NewRunner() *Runner {
	return &Runner{handlers: make(map[string]Handler)}
}

// Handle registers h for commands named name.
func (r *Runner) Handle(name string, h Handler) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
	return r
}

// Fail makes commands named name exit with code.
func (r *Runner) Fail(name string, code int) *Runner {
	return r.Handle(name, func(cmd tool.Command) error {
		return &tool.ExitError{Name: cmd.Name, Code: code}
	})
}

// Missing makes Ready fail for program.
func (r *Runner) Missing(program string) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.missing = append(r.missing, program)
	return r
}

// Run records cmd and invokes its handler.
func (r *Runner) Run(_ context.Context, cmd tool.Command) error {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	h := r.handlers[cmd.Name]
	r.mu.Unlock()

	if h == nil {
		return nil
	}
	return h(cmd)
}

// Ready fails for programs marked missing.
func (r *Runner) Ready(_ context.Context, program string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Contains(r.missing, program) {
		return &tool.ExitError{Name: program, Code: 127}
	}
	return nil
}

// Commands returns the recorded commands in order.
func (r *Runner) Commands() []tool.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.commands)
}

// Names returns the recorded command names in order.
func (r *Runner) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.commands))
	for i, c := range r.commands {
		names[i] = c.Name
	}
	return names
}

// Command returns the last recorded command named name.
func (r *Runner) Command(name string) (tool.Command, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.commands) - 1; i >= 0; i-- {
		if r.commands[i].Name == name {
			return r.commands[i], true
		}
	}
	return tool.Command{}, false
}

// WriteFile creates path with content, including parent directories.
// Handlers use it to simulate collaborator output.
func WriteFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// ArgAfter returns the argument following flag, or "".
func ArgAfter(cmd tool.Command, flag string) string {
	for i, a := range cmd.Args {
		if a == flag && i+1 < len(cmd.Args) {
			return cmd.Args[i+1]
		}
	}
	return ""
}
