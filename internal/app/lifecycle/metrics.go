package lifecycle

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/wallet-orchestrator/internal/domain/account"
)

// Metrics defines the instrumentation the lifecycle manager reports.
type Metrics interface {
	IncTransition(ctx context.Context, from, to account.State)
	IncRejectedTransition(ctx context.Context)
	IncFailure(ctx context.Context, op string)
}

type lifecycleMetrics struct {
	transitions         metric.Int64Counter
	rejectedTransitions metric.Int64Counter
	failures            metric.Int64Counter
}

const namespace = "account_lifecycle"

// NewLifecycleMetrics creates lifecycle metrics backed by an OpenTelemetry meter.
func NewLifecycleMetrics(mp metric.MeterProvider) (*lifecycleMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(lifecycleMetrics)
	var err error

	if m.transitions, err = meter.Int64Counter(
		"transitions_total",
		metric.WithDescription("Total number of applied account state transitions"),
	); err != nil {
		return nil, err
	}

	if m.rejectedTransitions, err = meter.Int64Counter(
		"rejected_transitions_total",
		metric.WithDescription("Total number of transitions rejected by the lifecycle rules"),
	); err != nil {
		return nil, err
	}

	if m.failures, err = meter.Int64Counter(
		"failures_total",
		metric.WithDescription("Total number of remote call failures that moved the account to ERROR"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *lifecycleMetrics) IncTransition(ctx context.Context, from, to account.State) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

func (m *lifecycleMetrics) IncRejectedTransition(ctx context.Context) {
	m.rejectedTransitions.Add(ctx, 1)
}

func (m *lifecycleMetrics) IncFailure(ctx context.Context, op string) {
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
