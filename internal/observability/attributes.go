// Package observability provides metrics for pipeline runs.
package observability

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrStage   = "stage"
	attrOutcome = "outcome"
	attrStatus  = "status"
	attrTarget  = "target"
	attrSuccess = "success"
)

// Outcome values besides failure kinds.
const (
	outcomeSuccess = "success"
	statusComplete = "complete"
	statusAborted  = "aborted"
)

func stageAttr(stage string) attribute.KeyValue {
	return attribute.String(attrStage, stage)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func statusAttr(completed bool) attribute.KeyValue {
	if completed {
		return attribute.String(attrStatus, statusComplete)
	}
	return attribute.String(attrStatus, statusAborted)
}

func targetAttr(target string) attribute.KeyValue {
	return attribute.String(attrTarget, target)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// WithStage returns a metric option with the stage attribute.
func WithStage(stage string) metric.MeasurementOption {
	return metric.WithAttributes(stageAttr(stage))
}

// WithTarget returns a metric option with the publish target attribute.
func WithTarget(target string) metric.MeasurementOption {
	return metric.WithAttributes(targetAttr(target))
}
