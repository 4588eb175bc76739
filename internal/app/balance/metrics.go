package balance

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics defines the instrumentation the balance tracker reports.
type Metrics interface {
	IncStreamOpened(ctx context.Context)
	IncStreamClosed(ctx context.Context)
	IncReconnect(ctx context.Context)
}

type balanceMetrics struct {
	streamsOpened metric.Int64Counter
	streamsClosed metric.Int64Counter
	openStreams   metric.Int64UpDownCounter
	reconnects    metric.Int64Counter
}

const namespace = "balance"

// NewBalanceMetrics creates balance metrics backed by an OpenTelemetry meter.
func NewBalanceMetrics(mp metric.MeterProvider) (*balanceMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(balanceMetrics)
	var err error

	if m.streamsOpened, err = meter.Int64Counter(
		"streams_opened_total",
		metric.WithDescription("Total number of balance streams opened"),
	); err != nil {
		return nil, err
	}

	if m.streamsClosed, err = meter.Int64Counter(
		"streams_closed_total",
		metric.WithDescription("Total number of balance streams closed"),
	); err != nil {
		return nil, err
	}

	if m.openStreams, err = meter.Int64UpDownCounter(
		"open_streams",
		metric.WithDescription("Number of balance streams currently open"),
	); err != nil {
		return nil, err
	}

	if m.reconnects, err = meter.Int64Counter(
		"reconnects_total",
		metric.WithDescription("Total number of balance stream reconnects"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *balanceMetrics) IncStreamOpened(ctx context.Context) {
	m.streamsOpened.Add(ctx, 1)
	m.openStreams.Add(ctx, 1)
}

func (m *balanceMetrics) IncStreamClosed(ctx context.Context) {
	m.streamsClosed.Add(ctx, 1)
	m.openStreams.Add(ctx, -1)
}

func (m *balanceMetrics) IncReconnect(ctx context.Context) { m.reconnects.Add(ctx, 1) }
