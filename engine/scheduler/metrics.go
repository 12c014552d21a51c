package scheduler

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	evaluations metric.Int64Counter
	emitted     metric.Int64Counter
	failures    metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("github.com/flowmesh/flowmesh/engine/scheduler")
	evaluations, err := meter.Int64Counter(
		"scheduler.trigger.evaluations",
		metric.WithDescription("Trigger evaluations performed on ticks"),
	)
	if err != nil {
		otel.Handle(err)
	}
	emitted, err := meter.Int64Counter(
		"scheduler.executions.emitted",
		metric.WithDescription("Execution seeds emitted by triggers"),
	)
	if err != nil {
		otel.Handle(err)
	}
	failures, err := meter.Int64Counter(
		"scheduler.trigger.failures",
		metric.WithDescription("Trigger evaluations that failed"),
	)
	if err != nil {
		otel.Handle(err)
	}
	return &metrics{evaluations: evaluations, emitted: emitted, failures: failures}
}

func (m *metrics) keyAttributes(key TriggerKey) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("namespace", key.Namespace),
		attribute.String("flow", key.FlowID),
		attribute.String("trigger", key.TriggerID),
	)
}

func (m *metrics) recordEvaluation(ctx context.Context, key TriggerKey) {
	if m.evaluations != nil {
		m.evaluations.Add(ctx, 1, m.keyAttributes(key))
	}
}

func (m *metrics) recordEmitted(ctx context.Context, key TriggerKey) {
	if m.emitted != nil {
		m.emitted.Add(ctx, 1, m.keyAttributes(key))
	}
}

func (m *metrics) recordFailure(ctx context.Context, key TriggerKey) {
	if m.failures != nil {
		m.failures.Add(ctx, 1, m.keyAttributes(key))
	}
}
