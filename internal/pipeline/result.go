package pipeline

import (
	"encoding/json"
	"maps"

	"recon/internal/apperrors"
)

// StageResult is the outcome of one stage: a success carrying an artifact and
// best-effort metrics, or a failure carrying a stage failure error. Build one
// with Success or Failure; values are not modified after construction.
type StageResult struct {
	Stage    StageName
	Artifact Artifact
	Metrics  map[string]int64
	Outputs  map[string]string
	Err      error
}

// Success returns a successful result. metrics may be nil.
func Success(stage StageName, artifact Artifact, metrics map[string]int64) StageResult {
	return StageResult{
		Stage:    stage,
		Artifact: artifact,
		Metrics:  maps.Clone(metrics),
	}
}

// WithOutputs returns a copy of r carrying named output files, such as the
// export formats.
func (r StageResult) WithOutputs(outputs map[string]string) StageResult {
	r.Outputs = maps.Clone(outputs)
	return r
}

// Failure returns a failed result of the given kind.
func Failure(stage StageName, kind string, cause error) StageResult {
	return StageResult{
		Stage: stage,
		Err:   apperrors.StageFailure(string(stage), kind, cause),
	}
}

// OK reports whether the stage succeeded.
func (r StageResult) OK() bool { return r.Err == nil }

// Kind returns the failure kind, or "" for a success.
func (r StageResult) Kind() string {
	_, kind, _ := apperrors.StageOf(r.Err)
	return kind
}

// Metric returns a metric value and whether it was reported.
func (r StageResult) Metric(name string) (int64, bool) {
	v, ok := r.Metrics[name]
	return v, ok
}

type resultJSON struct {
	Stage    StageName         `json:"stage"`
	Status   string            `json:"status"`
	Artifact Artifact          `json:"artifact,omitempty"`
	Metrics  map[string]int64  `json:"metrics,omitempty"`
	Outputs  map[string]string `json:"outputs,omitempty"`
	Kind     string            `json:"kind,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// MarshalJSON encodes the result with a status of "success" or "failure".
func (r StageResult) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Stage:    r.Stage,
		Status:   "success",
		Artifact: r.Artifact,
		Metrics:  r.Metrics,
		Outputs:  r.Outputs,
	}
	if r.Err != nil {
		out.Status = "failure"
		out.Kind = r.Kind()
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}
