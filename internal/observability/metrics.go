package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the reconstruction metrics:
// - Latency: how long stages and runs take
// - Traffic: runs started and stage outcomes
// - Errors: aborted runs and failure kinds
// - Saturation: active runs and callback queue depth
type Metrics struct {
	meter metric.Meter

	// Pipeline metrics
	StageDuration metric.Float64Histogram
	StageOutcomes metric.Int64Counter
	RunDuration   metric.Float64Histogram
	RunsTotal     metric.Int64Counter
	RunsActive    metric.Int64UpDownCounter
	InputImages   metric.Int64Gauge

	// Publish metrics
	PublishTotal    metric.Int64Counter
	PublishDuration metric.Float64Histogram

	// Dispatcher metrics
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates all metrics and registers them with a Prometheus
// exporter. The returned handler serves the scrape endpoint.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := NewMetricsWithProvider(provider)
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

// NewMetricsWithProvider creates all metrics on the given provider.
func NewMetricsWithProvider(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("recon")
	m := &Metrics{meter: meter}
	var err error

	m.StageDuration, err = meter.Float64Histogram(
		"stage_duration_seconds",
		metric.WithDescription("Stage execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 7200),
	)
	if err != nil {
		return nil, err
	}

	m.StageOutcomes, err = meter.Int64Counter(
		"stage_outcomes_total",
		metric.WithDescription("Stage results by stage and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram(
		"run_duration_seconds",
		metric.WithDescription("Pipeline run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 60, 300, 600, 1800, 3600, 7200, 14400),
	)
	if err != nil {
		return nil, err
	}

	m.RunsTotal, err = meter.Int64Counter(
		"runs_total",
		metric.WithDescription("Finished pipeline runs by status"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsActive, err = meter.Int64UpDownCounter(
		"runs_active",
		metric.WithDescription("Number of runs in progress (saturation)"),
	)
	if err != nil {
		return nil, err
	}

	m.InputImages, err = meter.Int64Gauge(
		"input_images",
		metric.WithDescription("Images in the input set of the latest run"),
	)
	if err != nil {
		return nil, err
	}

	m.PublishTotal, err = meter.Int64Counter(
		"publish_total",
		metric.WithDescription("Artifact uploads by target and success"),
	)
	if err != nil {
		return nil, err
	}

	m.PublishDuration, err = meter.Float64Histogram(
		"publish_duration_seconds",
		metric.WithDescription("Artifact upload duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Callback events delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Callback delivery attempts that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Callback events dropped"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherRequeued, err = meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Callback events requeued for retry"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Callback events waiting in the queue"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordRunStarted records a run starting over images input images.
func (m *Metrics) RecordRunStarted(ctx context.Context, images int) {
	m.RunsActive.Add(ctx, 1)
	m.InputImages.Record(ctx, int64(images))
}

// RecordStage records one finished stage. outcome is "success" or the
// failure kind.
func (m *Metrics) RecordStage(ctx context.Context, stage, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(stageAttr(stage), outcomeAttr(outcome))
	m.StageOutcomes.Add(ctx, 1, attrs)
	m.StageDuration.Record(ctx, durationSeconds, attrs)
}

// RecordRunFinished records a finished run.
func (m *Metrics) RecordRunFinished(ctx context.Context, completed bool, durationSeconds float64) {
	attrs := metric.WithAttributes(statusAttr(completed))
	m.RunsActive.Add(ctx, -1)
	m.RunsTotal.Add(ctx, 1, attrs)
	m.RunDuration.Record(ctx, durationSeconds, attrs)
}

// RecordPublish records an artifact upload.
func (m *Metrics) RecordPublish(ctx context.Context, target string, success bool, durationSeconds float64) {
	m.PublishTotal.Add(ctx, 1, metric.WithAttributes(targetAttr(target), successAttr(success)))
	m.PublishDuration.Record(ctx, durationSeconds, WithTarget(target))
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
