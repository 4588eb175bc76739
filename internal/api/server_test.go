package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/wallet-orchestrator/internal/app/balance"
	"github.com/ahrav/wallet-orchestrator/internal/app/lifecycle"
	"github.com/ahrav/wallet-orchestrator/internal/domain/account"
	"github.com/ahrav/wallet-orchestrator/internal/domain/events"
	"github.com/ahrav/wallet-orchestrator/internal/domain/migration"
	"github.com/ahrav/wallet-orchestrator/pkg/common/logger"
)

type mockLifecycle struct{ mock.Mock }

func (m *mockLifecycle) CurrentState() account.State {
	return m.Called().Get(0).(account.State)
}

func (m *mockLifecycle) PersistedState() account.State {
	return m.Called().Get(0).(account.State)
}

func (m *mockLifecycle) IsProvisioned() bool { return m.Called().Bool(0) }

func (m *mockLifecycle) Error() error { return m.Called().Error(0) }

func (m *mockLifecycle) Retry(ctx context.Context) { m.Called(ctx) }

func (m *mockLifecycle) Reprovision(ctx context.Context) error { return m.Called(ctx).Error(0) }

func (m *mockLifecycle) SwitchAccount(ctx context.Context, index int) (bool, error) {
	args := m.Called(ctx, index)
	return args.Bool(0), args.Error(1)
}

type mockMigrations struct{ mock.Mock }

func (m *mockMigrations) StartMigration(ctx context.Context, info *migration.Info, address string, listener migration.Listener) {
	m.Called(ctx, info, address, listener)
}

func (m *mockMigrations) BlockchainVersion(ctx context.Context) (migration.Version, error) {
	args := m.Called(ctx)
	return args.Get(0).(migration.Version), args.Error(1)
}

type mockBalances struct{ mock.Mock }

func (m *mockBalances) CachedBalance() account.Balance { return m.Called().Get(0).(account.Balance) }

func (m *mockBalances) Balance(ctx context.Context) (account.Balance, error) {
	args := m.Called(ctx)
	return args.Get(0).(account.Balance), args.Error(1)
}

func (m *mockBalances) AddObserver(ctx context.Context, fn balance.Observer, start bool) (uuid.UUID, error) {
	args := m.Called(ctx, fn, start)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

func (m *mockBalances) RemoveObserver(ctx context.Context, id uuid.UUID, stop bool) {
	m.Called(ctx, id, stop)
}

func (m *mockBalances) Reconnect(ctx context.Context) error { return m.Called(ctx).Error(0) }

func (m *mockBalances) StreamOpen() bool { return m.Called().Bool(0) }

type mockSession struct{ mock.Mock }

func (m *mockSession) Login(ctx context.Context) error  { return m.Called(ctx).Error(0) }
func (m *mockSession) Logout(ctx context.Context) error { return m.Called(ctx).Error(0) }

type staticEvents []events.Event

func (e staticEvents) Events() []events.Event { return e }

type fixture struct {
	lifecycle  *mockLifecycle
	migrations *mockMigrations
	balances   *mockBalances
	session    *mockSession
	server     *Server
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()

	metrics, err := NewAPIMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	f := &fixture{
		lifecycle:  new(mockLifecycle),
		migrations: new(mockMigrations),
		balances:   new(mockBalances),
		session:    new(mockSession),
	}
	cfg := Config{
		Build:            "test",
		Log:              logger.Noop(),
		Tracer:           noop.NewTracerProvider().Tracer("test"),
		Metrics:          metrics,
		Lifecycle:        f.lifecycle,
		Migrations:       f.migrations,
		Balances:         f.balances,
		Session:          f.session,
		Events:           staticEvents{events.NewEvent(events.EventTypeMigrationStarted, nil)},
		MigrationTimeout: time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	f.server = NewServer(cfg)
	return f
}

func (f *fixture) expectAccountView(state account.State, err error) {
	f.lifecycle.On("CurrentState").Return(state)
	f.lifecycle.On("PersistedState").Return(state)
	f.lifecycle.On("IsProvisioned").Return(state == account.StateCreationCompleted)
	f.lifecycle.On("Error").Return(err)
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestLivenessAndReadiness(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/liveness", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/readiness", "").Code)

	down := newFixture(t, func(c *Config) {
		c.Ready = func(context.Context) error { return errors.New("db down") }
	})
	assert.Equal(t, http.StatusServiceUnavailable, down.do(http.MethodGet, "/v1/readiness", "").Code)
}

func TestGetAccount(t *testing.T) {
	f := newFixture(t)
	f.expectAccountView(account.StateRequireTrustline, &account.LedgerError{Op: account.OpSubmitTrustline, Err: errors.New("op_low_reserve")})

	rec := f.do(http.MethodGet, "/v1/account", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[accountResponse](t, rec)
	assert.Equal(t, "REQUIRE_TRUSTLINE", got.State)
	assert.False(t, got.Provisioned)
	assert.Contains(t, got.Error, "op_low_reserve")
}

func TestRetry(t *testing.T) {
	f := newFixture(t)
	f.lifecycle.On("Retry", mock.Anything).Once()
	f.expectAccountView(account.StatePendingCreation, nil)

	rec := f.do(http.MethodPost, "/v1/account/retry", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	f.lifecycle.AssertExpectations(t)
}

func TestReprovisionNotAllowedIsConflict(t *testing.T) {
	f := newFixture(t)
	f.lifecycle.On("Reprovision", mock.Anything).Return(lifecycle.ErrReprovisionNotAllowed)

	rec := f.do(http.MethodPost, "/v1/account/reprovision", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSwitchAccount(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		setup      func(*mockLifecycle)
		wantStatus int
	}{
		{
			name:       "missing index",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "negative index",
			body:       `{"index": -1}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "switched",
			body: `{"index": 2}`,
			setup: func(m *mockLifecycle) {
				m.On("SwitchAccount", mock.Anything, 2).Return(true, nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "auth failure",
			body: `{"index": 1}`,
			setup: func(m *mockLifecycle) {
				m.On("SwitchAccount", mock.Anything, 1).
					Return(false, &account.AuthError{Op: account.OpFetchToken, Err: errors.New("expired")})
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "transient ledger failure",
			body: `{"index": 1}`,
			setup: func(m *mockLifecycle) {
				m.On("SwitchAccount", mock.Anything, 1).
					Return(false, &account.LedgerError{Op: account.OpSwitchAccount, Transient: true, Err: errors.New("timeout")})
			},
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f.lifecycle)
			}
			rec := f.do(http.MethodPost, "/v1/account/switch", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			f.lifecycle.AssertExpectations(t)
		})
	}
}

func TestBalanceCachedAndRefresh(t *testing.T) {
	f := newFixture(t)
	f.balances.On("StreamOpen").Return(false)
	f.balances.On("CachedBalance").Return(account.Balance{Amount: decimal.RequireFromString("1.5")})
	f.balances.On("Balance", mock.Anything).Return(account.Balance{Amount: decimal.RequireFromString("7")}, nil)

	got := decode[balanceResponse](t, f.do(http.MethodGet, "/v1/balance", ""))
	assert.Equal(t, "1.5", got.Amount)

	got = decode[balanceResponse](t, f.do(http.MethodGet, "/v1/balance?refresh=true", ""))
	assert.Equal(t, "7", got.Amount)
}

func TestMigrateCompletes(t *testing.T) {
	f := newFixture(t)
	f.migrations.On("StartMigration", mock.Anything, (*migration.Info)(nil), "GABC", mock.Anything).
		Run(func(args mock.Arguments) {
			l := args.Get(3).(migration.Listener)
			l.OnStart()
			l.OnEnd()
		})

	rec := f.do(http.MethodPost, "/v1/migration", `{"address":"GABC"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decode[migrateResponse](t, rec).Status)
}

func TestMigratePassesSuppliedInfo(t *testing.T) {
	f := newFixture(t)
	want := &migration.Info{ShouldMigrate: true, IsRestorable: true}
	f.migrations.On("StartMigration", mock.Anything, want, "", mock.Anything).
		Run(func(args mock.Arguments) { args.Get(3).(migration.Listener).OnEnd() })

	rec := f.do(http.MethodPost, "/v1/migration", `{"info":{"should_migrate":true,"is_restorable":true}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	f.migrations.AssertExpectations(t)
}

func TestMigrateFailureReportsCode(t *testing.T) {
	f := newFixture(t)
	f.migrations.On("StartMigration", mock.Anything, mock.Anything, "", mock.Anything).
		Run(func(args mock.Arguments) {
			args.Get(3).(migration.Listener).OnError(&account.LedgerError{
				Op:   "migrate",
				Code: account.CodeMigrationFailed,
				Err:  migration.ErrMigrationInProgress,
			})
		})

	rec := f.do(http.MethodPost, "/v1/migration", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	got := decode[migrateResponse](t, rec)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, account.CodeMigrationFailed.String(), got.Code)
}

func TestBlockchainVersion(t *testing.T) {
	f := newFixture(t)
	f.migrations.On("BlockchainVersion", mock.Anything).Return(migration.VersionKin3, nil)

	got := decode[versionResponse](t, f.do(http.MethodGet, "/v1/migration/version", ""))
	assert.Equal(t, "3", got.Version)
}

func TestEventsListsRecorded(t *testing.T) {
	f := newFixture(t)
	got := decode[[]eventResponse](t, f.do(http.MethodGet, "/v1/events", ""))
	require.Len(t, got, 1)
	assert.Equal(t, string(events.EventTypeMigrationStarted), got[0].Type)
}

func TestLoginAndLogout(t *testing.T) {
	f := newFixture(t)
	f.session.On("Login", mock.Anything).Return(nil)
	f.session.On("Logout", mock.Anything).Return(nil)
	f.expectAccountView(account.StateCreationCompleted, nil)

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/session/login", "").Code)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/v1/session/logout", "").Code)
}
