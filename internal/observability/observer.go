package observability

import (
	"context"

	"recon/internal/pipeline"
)

// Observer records pipeline progress as metrics.
type Observer struct {
	metrics *Metrics
}

// NewObserver returns a pipeline observer backed by m.
func NewObserver(m *Metrics) *Observer {
	return &Observer{metrics: m}
}

func (o *Observer) RunStarted(ctx context.Context, _ string, images pipeline.ImageSet, _ pipeline.RunConfig) {
	o.metrics.RecordRunStarted(ctx, images.Len())
}

func (o *Observer) StageStarted(context.Context, string, pipeline.StageName) {}

func (o *Observer) StageFinished(ctx context.Context, _ string, rec pipeline.StageRecord) {
	outcome := outcomeSuccess
	if !rec.Result.OK() {
		outcome = rec.Result.Kind()
	}
	o.metrics.RecordStage(ctx, string(rec.Stage), outcome, rec.Duration.Seconds())
}

func (o *Observer) RunFinished(ctx context.Context, report *pipeline.RunReport) {
	o.metrics.RecordRunFinished(ctx, report.Completed(), report.TotalDuration().Seconds())
}
