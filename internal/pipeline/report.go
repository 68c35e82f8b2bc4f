package pipeline

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"recon/internal/apperrors"
)

// StageRecord is the report entry for one executed stage.
type StageRecord struct {
	Stage    StageName
	Duration time.Duration
	Result   StageResult
}

// RunReport accumulates stage records during a run and is frozen by Finalize.
// Only the sequencer writes to it; readers may call getters at any time.
type RunReport struct {
	mu sync.RWMutex

	runID     string
	startedAt time.Time
	records   []StageRecord
	warnings  []string

	finalized      bool
	totalDuration  time.Duration
	finalArtifacts map[string]string
	abortedAt      StageName
	completed      bool
}

// NewRunReport returns an empty report.
func NewRunReport(runID string, startedAt time.Time) *RunReport {
	return &RunReport{runID: runID, startedAt: startedAt}
}

// Record appends the outcome of stage. Each stage may be recorded once, and
// only before Finalize.
func (r *RunReport) Record(stage StageName, duration time.Duration, result StageResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return apperrors.InvalidState("report.record", "report is finalized")
	}
	if result.Stage != stage {
		return apperrors.InvalidState("report.record", fmt.Sprintf("result for stage %s recorded as %s", result.Stage, stage))
	}
	for _, rec := range r.records {
		if rec.Stage == stage {
			return apperrors.InvalidState("report.record", fmt.Sprintf("stage %s already recorded", stage))
		}
	}

	r.records = append(r.records, StageRecord{Stage: stage, Duration: duration, Result: result})
	return nil
}

// Warn attaches a non-fatal warning to the report.
func (r *RunReport) Warn(message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return apperrors.InvalidState("report.warn", "report is finalized")
	}
	r.warnings = append(r.warnings, message)
	return nil
}

// Finalize freezes the report. A run that completed passes the final
// artifacts and an empty abortedAt; an aborted run passes nil artifacts and
// the failing stage.
func (r *RunReport) Finalize(finalArtifacts map[string]string, abortedAt StageName, total time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return apperrors.InvalidState("report.finalize", "report is already finalized")
	}
	if abortedAt != "" && len(finalArtifacts) > 0 {
		return apperrors.InvalidState("report.finalize", "an aborted run has no final artifacts")
	}

	r.finalized = true
	r.totalDuration = total
	r.finalArtifacts = maps.Clone(finalArtifacts)
	r.abortedAt = abortedAt
	r.completed = abortedAt == ""
	return nil
}

// RunID returns the identifier of the run.
func (r *RunReport) RunID() string { return r.runID }

// StartedAt returns when the run started.
func (r *RunReport) StartedAt() time.Time { return r.startedAt }

// Records returns the stage records in execution order.
func (r *RunReport) Records() []StageRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.records)
}

// Stage returns the record for one stage.
func (r *RunReport) Stage(name StageName) (StageRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.Stage == name {
			return rec, true
		}
	}
	return StageRecord{}, false
}

// Warnings returns the non-fatal warnings raised during the run.
func (r *RunReport) Warnings() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.warnings)
}

// Finalized reports whether Finalize has been called.
func (r *RunReport) Finalized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.finalized
}

// Completed reports whether every stage succeeded.
func (r *RunReport) Completed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.completed
}

// AbortedAt returns the failing stage, or "" when the run completed.
func (r *RunReport) AbortedAt() StageName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.abortedAt
}

// TotalDuration returns the wall time of the run.
func (r *RunReport) TotalDuration() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalDuration
}

// FinalArtifacts returns the exported files keyed by format.
func (r *RunReport) FinalArtifacts() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.finalArtifacts)
}

// Err returns the failure of the aborting stage, or nil.
func (r *RunReport) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.abortedAt == "" {
		return nil
	}
	for _, rec := range r.records {
		if rec.Stage == r.abortedAt {
			return rec.Result.Err
		}
	}
	return nil
}

type stageRecordJSON struct {
	Stage           StageName   `json:"stage"`
	DurationSeconds float64     `json:"duration_seconds"`
	Outcome         StageResult `json:"outcome"`
}

type reportJSON struct {
	RunID                string            `json:"run_id"`
	StartedAt            time.Time         `json:"started_at"`
	Completed            bool              `json:"completed"`
	AbortedAt            StageName         `json:"aborted_at,omitempty"`
	Error                string            `json:"error,omitempty"`
	TotalDurationSeconds float64           `json:"total_duration_seconds"`
	Stages               []stageRecordJSON `json:"stages"`
	FinalArtifacts       map[string]string `json:"final_artifacts,omitempty"`
	Warnings             []string          `json:"warnings,omitempty"`
}

// MarshalJSON encodes the report as written to run_report.json.
func (r *RunReport) MarshalJSON() ([]byte, error) {
	out := reportJSON{
		RunID:                r.runID,
		StartedAt:            r.startedAt.UTC(),
		Completed:            r.Completed(),
		AbortedAt:            r.AbortedAt(),
		TotalDurationSeconds: r.TotalDuration().Seconds(),
		FinalArtifacts:       r.FinalArtifacts(),
		Warnings:             r.Warnings(),
		Stages:               []stageRecordJSON{},
	}
	if err := r.Err(); err != nil {
		out.Error = err.Error()
	}
	for _, rec := range r.Records() {
		out.Stages = append(out.Stages, stageRecordJSON{
			Stage:           rec.Stage,
			DurationSeconds: rec.Duration.Seconds(),
			Outcome:         rec.Result,
		})
	}
	return json.Marshal(out)
}
