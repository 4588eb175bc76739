package migration

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Migration outcomes reported to metrics.
const (
	OutcomeSkipped         = "skipped"
	OutcomeAlreadyMigrated = "already_migrated"
	OutcomeMigrated        = "migrated"
	OutcomeFailed          = "failed"
)

// Metrics defines the instrumentation the migration orchestrator reports.
type Metrics interface {
	IncMigrationOutcome(ctx context.Context, outcome string)
	IncVersionCheck(ctx context.Context, success bool)
	TrackMigration(ctx context.Context, f func() error) error
}

type migrationMetrics struct {
	outcomes      metric.Int64Counter
	versionChecks metric.Int64Counter
	active        metric.Int64UpDownCounter
	duration      metric.Float64Histogram
}

const namespace = "account_migration"

// NewMigrationMetrics creates migration metrics backed by an OpenTelemetry meter.
func NewMigrationMetrics(mp metric.MeterProvider) (*migrationMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(migrationMetrics)
	var err error

	if m.outcomes, err = meter.Int64Counter(
		"migrations_total",
		metric.WithDescription("Total number of migration checks by outcome"),
	); err != nil {
		return nil, err
	}

	if m.versionChecks, err = meter.Int64Counter(
		"version_checks_total",
		metric.WithDescription("Total number of blockchain version checks"),
	); err != nil {
		return nil, err
	}

	if m.active, err = meter.Int64UpDownCounter(
		"active_migrations",
		metric.WithDescription("Number of migrations currently moving an account"),
	); err != nil {
		return nil, err
	}

	if m.duration, err = meter.Float64Histogram(
		"migration_duration_seconds",
		metric.WithDescription("Time spent moving an account to the new ledger"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *migrationMetrics) IncMigrationOutcome(ctx context.Context, outcome string) {
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *migrationMetrics) IncVersionCheck(ctx context.Context, success bool) {
	m.versionChecks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

func (m *migrationMetrics) TrackMigration(ctx context.Context, f func() error) error {
	m.active.Add(ctx, 1)
	defer m.active.Add(ctx, -1)

	start := time.Now()
	err := f()
	m.duration.Record(ctx, time.Since(start).Seconds())
	return err
}
