// Package metrics provides Prometheus implementations of the metrics
// interfaces the wallet services report to.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ahrav/wallet-orchestrator/internal/app/balance"
	"github.com/ahrav/wallet-orchestrator/internal/app/lifecycle"
	"github.com/ahrav/wallet-orchestrator/internal/app/migration"
	"github.com/ahrav/wallet-orchestrator/internal/domain/account"
	"github.com/ahrav/wallet-orchestrator/internal/infra/telemetry/kafka"
)

// Metrics implements the lifecycle, migration, balance and telemetry sink
// metrics on Prometheus collectors.
type Metrics struct {
	// Lifecycle metrics.
	Transitions         *prometheus.CounterVec
	RejectedTransitions prometheus.Counter
	Failures            *prometheus.CounterVec

	// Migration metrics.
	MigrationOutcomes *prometheus.CounterVec
	VersionChecks     *prometheus.CounterVec
	ActiveMigrations  prometheus.Gauge
	MigrationTime     prometheus.Histogram

	// Balance metrics.
	StreamsOpened prometheus.Counter
	StreamsClosed prometheus.Counter
	OpenStreams   prometheus.Gauge
	Reconnects    prometheus.Counter

	// Telemetry sink metrics.
	EventsPublished prometheus.Counter
	EventsDropped   prometheus.Counter
}

// Ensure Metrics implements every interface.
var (
	_ lifecycle.Metrics = (*Metrics)(nil)
	_ migration.Metrics = (*Metrics)(nil)
	_ balance.Metrics   = (*Metrics)(nil)
	_ kafka.SinkMetrics = (*Metrics)(nil)
)

func (m *Metrics) IncTransition(_ context.Context, from, to account.State) {
	m.Transitions.WithLabelValues(from.String(), to.String()).Inc()
}
func (m *Metrics) IncRejectedTransition(context.Context) { m.RejectedTransitions.Inc() }
func (m *Metrics) IncFailure(_ context.Context, op string) {
	m.Failures.WithLabelValues(op).Inc()
}

func (m *Metrics) IncMigrationOutcome(_ context.Context, outcome string) {
	m.MigrationOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncVersionCheck(_ context.Context, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.VersionChecks.WithLabelValues(result).Inc()
}

// TrackMigration tracks the duration of a function and updates the metrics.
func (m *Metrics) TrackMigration(_ context.Context, f func() error) error {
	m.ActiveMigrations.Inc()
	defer m.ActiveMigrations.Dec()

	start := time.Now()
	err := f()
	m.MigrationTime.Observe(time.Since(start).Seconds())
	return err
}

func (m *Metrics) IncStreamOpened(context.Context) {
	m.StreamsOpened.Inc()
	m.OpenStreams.Inc()
}

func (m *Metrics) IncStreamClosed(context.Context) {
	m.StreamsClosed.Inc()
	m.OpenStreams.Dec()
}

func (m *Metrics) IncReconnect(context.Context)       { m.Reconnects.Inc() }
func (m *Metrics) IncEventsPublished(context.Context) { m.EventsPublished.Inc() }
func (m *Metrics) IncEventsDropped(context.Context)   { m.EventsDropped.Inc() }

// New creates a new Metrics instance registered with reg. A nil reg uses the
// default Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Lifecycle metrics.
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "account_transitions_total",
			Help:      "Total number of applied account state transitions",
		}, []string{"from", "to"}),
		RejectedTransitions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "account_rejected_transitions_total",
			Help:      "Total number of transitions rejected by the lifecycle rules",
		}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "account_failures_total",
			Help:      "Total number of remote call failures that moved the account to ERROR",
		}, []string{"op"}),

		// Migration metrics.
		MigrationOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Total number of migration checks by outcome",
		}, []string{"outcome"}),
		VersionChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blockchain_version_checks_total",
			Help:      "Total number of blockchain version checks by result",
		}, []string{"result"}),
		ActiveMigrations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_migrations",
			Help:      "Number of migrations currently moving an account",
		}),
		MigrationTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "migration_duration_seconds",
			Help:      "Time spent moving an account to the new ledger",
			Buckets:   prometheus.DefBuckets,
		}),

		// Balance metrics.
		StreamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_streams_opened_total",
			Help:      "Total number of balance streams opened",
		}),
		StreamsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_streams_closed_total",
			Help:      "Total number of balance streams closed",
		}),
		OpenStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "balance_open_streams",
			Help:      "Number of balance streams currently open",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_reconnects_total",
			Help:      "Total number of balance stream reconnects",
		}),

		// Telemetry sink metrics.
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_events_published_total",
			Help:      "Total number of telemetry events acknowledged by Kafka",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_events_dropped_total",
			Help:      "Total number of telemetry events that could not be published",
		}),
	}
}
