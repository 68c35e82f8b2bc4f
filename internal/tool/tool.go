// Package tool runs external collaborators such as COLMAP, the object detector,
// the geometry helper and mesh converters.
//
// Collaborators are opaque command-line programs. The runner only reports
// whether they exited cleanly; their output is streamed to debug logs and is
// never parsed for control decisions.
package tool

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Command is one collaborator invocation.
type Command struct {
	Name   string   // short label for logs, e.g. "feature_extractor"
	Args   []string // Args[0] is the program
	Dir    string   // working directory, optional
	Env    []string // extra KEY=VALUE pairs
	Mounts []string // host paths the command reads or writes; bound into containers
}

// String returns the command line for logs.
func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// Runner executes collaborator commands. Run blocks until the command exits.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
	// Ready checks that program can be executed by this runner.
	Ready(ctx context.Context, program string) error
}

// ExitError reports a command that ran and exited with a non-zero status.
type ExitError struct {
	Name string
	Code int
	Tail []string // last lines of stderr
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Name, e.Code)
	if len(e.Tail) > 0 {
		msg += ": " + e.Tail[len(e.Tail)-1]
	}
	return msg
}

// IsExitError reports whether err is, or wraps, an ExitError.
func IsExitError(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr)
}

var placeholder = regexp.MustCompile(`\{([a-z_]+)\}`)

// Expand substitutes {name} placeholders in a command template. Unknown
// placeholders are an error so that misconfigured templates fail before
// anything runs.
func Expand(template []string, vars map[string]string) ([]string, error) {
	if len(template) == 0 {
		return nil, fmt.Errorf("empty command template")
	}

	out := make([]string, len(template))
	var missing []string
	for i, arg := range template {
		out[i] = placeholder.ReplaceAllStringFunc(arg, func(m string) string {
			key := m[1 : len(m)-1]
			v, ok := vars[key]
			if !ok {
				missing = append(missing, key)
				return m
			}
			return v
		})
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("unknown placeholders in command template: %s", strings.Join(missing, ", "))
	}
	return out, nil
}
