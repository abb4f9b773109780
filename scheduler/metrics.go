package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/GEO-Project/network-client/command"
	"github.com/GEO-Project/network-client/msg"
	"github.com/GEO-Project/network-client/transaction"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/GEO-Project/network-client/scheduler"

type metrics struct {
	startedCounter  metric.Int64Counter
	finishedCounter metric.Int64Counter
	routedCounter   metric.Int64Counter
	droppedCounter  metric.Int64Counter
	liveCounter     metric.Int64UpDownCounter
	advanceDuration metric.Float64Histogram
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(meterName)
	m := &metrics{}
	var err error
	m.startedCounter, err = meter.Int64Counter("trustnode.transactions.started",
		metric.WithDescription("Transactions started or recovered"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating started counter: %w", err)
	}
	m.finishedCounter, err = meter.Int64Counter("trustnode.transactions.finished",
		metric.WithDescription("Transactions finished by outcome"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating finished counter: %w", err)
	}
	m.routedCounter, err = meter.Int64Counter("trustnode.messages.routed",
		metric.WithDescription("Inbound messages handed to a transaction"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating routed counter: %w", err)
	}
	m.droppedCounter, err = meter.Int64Counter("trustnode.messages.dropped",
		metric.WithDescription("Inbound messages dropped by reason"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}
	m.liveCounter, err = meter.Int64UpDownCounter("trustnode.transactions.live",
		metric.WithDescription("Transactions currently live"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating live counter: %w", err)
	}
	m.advanceDuration, err = meter.Float64Histogram("trustnode.transactions.advance.duration",
		metric.WithDescription("Time spent in a single advance"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("creating advance histogram: %w", err)
	}
	return m, nil
}

func (m *metrics) started(ctx context.Context, kind transaction.Kind) {
	attrs := metric.WithAttributes(attribute.String("kind", string(kind)))
	m.startedCounter.Add(ctx, 1, attrs)
	m.liveCounter.Add(ctx, 1, attrs)
}

func (m *metrics) finished(ctx context.Context, kind transaction.Kind, code command.Code) {
	m.finishedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", code.String()),
	))
	m.liveCounter.Add(ctx, -1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *metrics) routed(ctx context.Context, t msg.Type) {
	m.routedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", t.String())))
}

func (m *metrics) dropped(ctx context.Context, t msg.Type, reason string) {
	m.droppedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", t.String()),
		attribute.String("reason", reason),
	))
}

func (m *metrics) advanced(ctx context.Context, kind transaction.Kind, d time.Duration) {
	m.advanceDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("kind", string(kind))))
}
