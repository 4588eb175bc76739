package migration

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/wallet-orchestrator/internal/domain/account"
	"github.com/ahrav/wallet-orchestrator/internal/domain/events"
	domain "github.com/ahrav/wallet-orchestrator/internal/domain/migration"
	"github.com/ahrav/wallet-orchestrator/internal/infra/mainloop"
	"github.com/ahrav/wallet-orchestrator/pkg/common/logger"
)

type mockServer struct{ mock.Mock }

func (m *mockServer) MigrationInfo(ctx context.Context, address string) (domain.Info, error) {
	args := m.Called(ctx, address)
	return args.Get(0).(domain.Info), args.Error(1)
}

func (m *mockServer) BlockchainVersion(ctx context.Context) (domain.Version, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.Version), args.Error(1)
}

type mockMigrator struct{ mock.Mock }

func (m *mockMigrator) Migrate(ctx context.Context, address string, info domain.Info) error {
	return m.Called(ctx, address, info).Error(0)
}

type mockStore struct{ mock.Mock }

func (m *mockStore) IsMigrated(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) SetDidMigrate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockStore) BlockchainVersion(ctx context.Context) (domain.Version, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.Version), args.Error(1)
}

func (m *mockStore) SetBlockchainVersion(ctx context.Context, v domain.Version) error {
	return m.Called(ctx, v).Error(0)
}

type staticInspector domain.Version

func (s staticInspector) SDKVersion() domain.Version { return domain.Version(s) }

type handle string

func (h handle) PublicAddress() string { return string(h) }

type stubLedger struct{ active account.AccountHandle }

func (l stubLedger) ActiveAccount() account.AccountHandle { return l.active }

func (stubLedger) SubscribeAccountCreated(context.Context, account.AccountHandle, func()) (account.Subscription, error) {
	return nil, nil
}

func (stubLedger) SubmitTrustline(context.Context) error { return nil }

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Emit(_ context.Context, evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingSink) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recordingSink) last() events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

// recordingListener keeps the order of listener calls.
type recordingListener struct {
	mu    sync.Mutex
	calls []string
	err   *account.LedgerError
	done  chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{done: make(chan struct{})}
}

func (l *recordingListener) OnStart() { l.record("start") }

func (l *recordingListener) OnEnd() {
	l.record("end")
	close(l.done)
}

func (l *recordingListener) OnError(err *account.LedgerError) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
	l.record("error")
	close(l.done)
}

func (l *recordingListener) record(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *recordingListener) got() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fixture struct {
	orch     *Orchestrator
	server   *mockServer
	migrator *mockMigrator
	store    *mockStore
	sink     *recordingSink
}

func newFixture(t *testing.T, active account.AccountHandle) *fixture {
	t.Helper()

	f := &fixture{
		server:   new(mockServer),
		migrator: new(mockMigrator),
		store:    new(mockStore),
		sink:     new(recordingSink),
	}
	metrics, err := NewMigrationMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	f.orch = NewOrchestrator(
		f.server,
		f.migrator,
		staticInspector(domain.VersionKin3),
		f.store,
		stubLedger{active: active},
		f.sink,
		mainloop.Inline,
		logger.Noop(),
		metrics,
		noop.NewTracerProvider().Tracer("test"),
	)
	return f
}
