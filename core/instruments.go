package core

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "escrowledger/core"

type nodeInstruments struct {
	operations metric.Int64Counter
	latency    metric.Float64Histogram
}

func newNodeInstruments(provider metric.MeterProvider) *nodeInstruments {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)
	operations, err := meter.Int64Counter("escrow.operations",
		metric.WithDescription("Escrow mutations by operation and outcome."))
	if err != nil {
		operations, _ = noop.NewMeterProvider().Meter(meterName).Int64Counter("escrow.operations")
	}
	latency, err := meter.Float64Histogram("escrow.operation.duration",
		metric.WithDescription("Escrow mutation latency."),
		metric.WithUnit("s"))
	if err != nil {
		latency, _ = noop.NewMeterProvider().Meter(meterName).Float64Histogram("escrow.operation.duration")
	}
	return &nodeInstruments{operations: operations, latency: latency}
}

func (m *nodeInstruments) observe(ctx context.Context, op, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "ok"
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", reason),
	)
	m.operations.Add(ctx, 1, attrs)
	m.latency.Record(ctx, elapsed.Seconds(), attrs)
}
