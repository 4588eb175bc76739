package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/ahrav/wallet-orchestrator/internal/domain/account"
)

func TestMetricsRecord(t *testing.T) {
	m := New("test", prometheus.NewRegistry())
	ctx := context.Background()

	m.IncTransition(ctx, account.StateRequireCreation, account.StatePendingCreation)
	m.IncTransition(ctx, account.StateRequireCreation, account.StatePendingCreation)
	m.IncRejectedTransition(ctx)
	m.IncFailure(ctx, account.OpSubmitTrustline)
	m.IncVersionCheck(ctx, false)
	m.IncStreamOpened(ctx)
	m.IncStreamOpened(ctx)
	m.IncStreamClosed(ctx)
	m.IncEventsDropped(ctx)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("REQUIRE_CREATION", "PENDING_CREATION")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RejectedTransitions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failures.WithLabelValues(account.OpSubmitTrustline)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VersionChecks.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpenStreams))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StreamsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped))
}

func TestTrackMigrationPassesThroughError(t *testing.T) {
	m := New("test", prometheus.NewRegistry())
	boom := errors.New("boom")

	err := m.TrackMigration(context.Background(), func() error {
		assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveMigrations))
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Zero(t, testutil.ToFloat64(m.ActiveMigrations))
}
