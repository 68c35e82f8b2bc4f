// Package notify turns pipeline progress into CloudEvents webhooks.
package notify

import (
	"context"
	"log/slog"
	"slices"

	"recon/internal/dispatcher"
	"recon/internal/pipeline"
	"recon/pkg/cloudevent"
)

// Source is the CloudEvents source of every event.
const Source = "recon"

// Event types.
const (
	EventRunStart    = "recon.run.start"
	EventStageStart  = "recon.stage.start"
	EventStageFinish = "recon.stage.finish"
	EventRunFinish   = "recon.run.finish"
)

// AllEvents lists every event type in emission order.
var AllEvents = []string{EventRunStart, EventStageStart, EventStageFinish, EventRunFinish}

// Observer dispatches an event for each pipeline transition. Delivery is
// asynchronous; a full or closed dispatcher only costs a log line.
type Observer struct {
	dispatcher dispatcher.Dispatcher
	url        string
	key        string
	events     []string
	logger     *slog.Logger
}

// NewObserver returns an observer posting to url. events limits which types
// are sent; empty means all of them.
func NewObserver(d dispatcher.Dispatcher, url, key string, events []string) *Observer {
	return &Observer{
		dispatcher: d,
		url:        url,
		key:        key,
		events:     events,
		logger:     slog.With("component", "notify"),
	}
}

// Wants reports whether eventType passes the filter.
func (o *Observer) Wants(eventType string) bool {
	return len(o.events) == 0 || slices.Contains(o.events, eventType)
}

func (o *Observer) RunStarted(_ context.Context, runID string, images pipeline.ImageSet, cfg pipeline.RunConfig) {
	o.send(EventRunStart, runID, RunStartData(images, cfg))
}

func (o *Observer) StageStarted(_ context.Context, runID string, stage pipeline.StageName) {
	o.send(EventStageStart, runID, map[string]any{"stage": string(stage)})
}

func (o *Observer) StageFinished(_ context.Context, runID string, rec pipeline.StageRecord) {
	o.send(EventStageFinish, runID, StageFinishData(rec))
}

func (o *Observer) RunFinished(_ context.Context, report *pipeline.RunReport) {
	o.send(EventRunFinish, report.RunID(), RunFinishData(report))
}

func (o *Observer) send(eventType, runID string, data map[string]any) {
	if !o.Wants(eventType) {
		return
	}
	err := o.dispatcher.Dispatch(&dispatcher.Event{
		Payload:     cloudevent.New(eventType, Source, runID, data),
		Destination: o.url,
		SigningKey:  o.key,
	})
	if err != nil {
		o.logger.Warn("Failed to queue callback", "runId", runID, "type", eventType, "error", err)
	}
}

// RunStartData describes the inputs of a run.
func RunStartData(images pipeline.ImageSet, cfg pipeline.RunConfig) map[string]any {
	return map[string]any{
		"input_dir":   images.Dir,
		"num_images":  images.Len(),
		"output_root": cfg.OutputRoot,
		"model_name":  cfg.ModelName,
		"mesh_method": string(cfg.MeshMethod),
	}
}

// StageFinishData describes one stage outcome.
func StageFinishData(rec pipeline.StageRecord) map[string]any {
	data := map[string]any{
		"stage":            string(rec.Stage),
		"duration_seconds": rec.Duration.Seconds(),
	}
	if rec.Result.OK() {
		data["status"] = "success"
		data["artifact"] = rec.Result.Artifact.Path()
		if len(rec.Result.Metrics) > 0 {
			data["metrics"] = rec.Result.Metrics
		}
	} else {
		data["status"] = "failure"
		data["kind"] = rec.Result.Kind()
		data["error"] = rec.Result.Err.Error()
	}
	return data
}

// RunFinishData summarises a finalized report.
func RunFinishData(report *pipeline.RunReport) map[string]any {
	data := map[string]any{
		"completed":              report.Completed(),
		"total_duration_seconds": report.TotalDuration().Seconds(),
	}
	if report.Completed() {
		data["final_artifacts"] = report.FinalArtifacts()
	} else {
		data["aborted_at"] = string(report.AbortedAt())
		if err := report.Err(); err != nil {
			data["error"] = err.Error()
		}
	}
	if w := report.Warnings(); len(w) > 0 {
		data["warnings"] = w
	}
	return data
}
