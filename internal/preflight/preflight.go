// Package preflight checks that the collaborators a run needs are available
// before any stage starts.
package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"recon/internal/config"
	"recon/internal/tool"
)

// Status represents the outcome of a check or of the whole report.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of one check.
type CheckResult struct {
	Status   Status `json:"status"`
	Required bool   `json:"required"`
	Message  string `json:"message,omitempty"`
}

// Response is the preflight report.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// IsHealthy reports whether every required check passed.
func (r *Response) IsHealthy() bool {
	return r.Status != StatusUnhealthy
}

// Check is one readiness probe.
type Check struct {
	Name     string
	Required bool // failing optional checks only degrade the report
	Probe    func(ctx context.Context) error
}

// Checker runs a set of checks.
type Checker struct {
	checks  []Check
	timeout time.Duration
}

// NewChecker returns a checker over checks. Each probe gets timeout.
func NewChecker(timeout time.Duration, checks ...Check) *Checker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Checker{checks: checks, timeout: timeout}
}

// ForConfig returns the checks for a pipeline run. colmap runs COLMAP,
// local runs the detector, geometry helper and converters.
func ForConfig(cfg *config.Config, colmap, local tool.Runner, outputRoot string) *Checker {
	checks := []Check{
		{Name: "colmap", Required: true, Probe: program(colmap, cfg.Colmap.Path)},
		{Name: "output", Required: true, Probe: func(context.Context) error { return Writable(outputRoot) }},
	}
	if len(cfg.Detector.Command) > 0 {
		checks = append(checks, Check{Name: "detector", Probe: program(local, cfg.Detector.Command[0])})
	}
	if len(cfg.Detector.FeaturesCommand) > 0 {
		checks = append(checks, Check{Name: "features", Probe: program(local, cfg.Detector.FeaturesCommand[0])})
	}
	if len(cfg.Geometry.Command) > 0 {
		checks = append(checks, Check{Name: "geometry", Required: true, Probe: program(local, cfg.Geometry.Command[0])})
	}

	add := func(format string, required bool) {
		converter := cfg.Export.Converters[format]
		if len(converter) == 0 || converter[0] == "copy" {
			return
		}
		checks = append(checks, Check{Name: "converter:" + format, Required: required, Probe: program(local, converter[0])})
	}
	for _, f := range config.RequiredFormats {
		add(f, true)
	}
	for _, f := range config.OptionalFormats {
		add(f, false)
	}
	return NewChecker(0, checks...)
}

func program(r tool.Runner, name string) func(context.Context) error {
	return func(ctx context.Context) error { return r.Ready(ctx, name) }
}

// Run executes all checks concurrently.
func (c *Checker) Run(ctx context.Context) *Response {
	var mu sync.Mutex
	resp := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(c.checks))}

	g, ctx := errgroup.WithContext(ctx)
	for _, check := range c.checks {
		g.Go(func() error {
			result := c.run(ctx, check)
			mu.Lock()
			defer mu.Unlock()
			resp.Checks[check.Name] = result
			switch {
			case result.Status == StatusHealthy:
			case check.Required:
				resp.Status = StatusUnhealthy
			case resp.Status == StatusHealthy:
				resp.Status = StatusDegraded
			}
			return nil
		})
	}
	_ = g.Wait()
	return resp
}

func (c *Checker) run(ctx context.Context, check Check) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := check.Probe(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Required: check.Required, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Required: check.Required}
}

// Writable checks that dir, or its nearest existing parent, accepts new files.
func Writable(dir string) error {
	probe := filepath.Clean(dir)
	for {
		info, err := os.Stat(probe)
		if err == nil {
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", probe)
			}
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return err
		}
		probe = parent
	}

	f, err := os.CreateTemp(probe, ".recon-preflight-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", probe, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
