package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/wallet-orchestrator/internal/domain/account"
	"github.com/ahrav/wallet-orchestrator/internal/domain/events"
	"github.com/ahrav/wallet-orchestrator/internal/infra/mainloop"
	"github.com/ahrav/wallet-orchestrator/pkg/common/logger"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type handle string

func (h handle) PublicAddress() string { return string(h) }

type fakeSubscription struct {
	mu        sync.Mutex
	cancelled bool
	onCreated func()
}

func (s *fakeSubscription) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
}

func (s *fakeSubscription) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// fakeLedger records subscriptions and serves scripted trustline results.
type fakeLedger struct {
	mu             sync.Mutex
	active         account.AccountHandle
	subs           []*fakeSubscription
	subscribeErr   error
	trustlineErrs  []error
	trustlineCalls int
}

func newFakeLedger(address string) *fakeLedger {
	return &fakeLedger{active: handle(address)}
}

func (l *fakeLedger) ActiveAccount() account.AccountHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *fakeLedger) setActive(h account.AccountHandle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = h
}

func (l *fakeLedger) SubscribeAccountCreated(_ context.Context, _ account.AccountHandle, fn func()) (account.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subscribeErr != nil {
		return nil, l.subscribeErr
	}
	s := &fakeSubscription{onCreated: fn}
	l.subs = append(l.subs, s)
	return s, nil
}

func (l *fakeLedger) subscriptions() []*fakeSubscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeSubscription(nil), l.subs...)
}

func (l *fakeLedger) activeSubscriptions() int {
	n := 0
	for _, s := range l.subscriptions() {
		if !s.isCancelled() {
			n++
		}
	}
	return n
}

// fireCreated delivers the account created notification to the latest subscription.
func (l *fakeLedger) fireCreated(t *testing.T) {
	t.Helper()
	subs := l.subscriptions()
	require.NotEmpty(t, subs)
	subs[len(subs)-1].onCreated()
}

func (l *fakeLedger) SubmitTrustline(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trustlineCalls++
	if len(l.trustlineErrs) == 0 {
		return nil
	}
	err := l.trustlineErrs[0]
	l.trustlineErrs = l.trustlineErrs[1:]
	return err
}

func (l *fakeLedger) failTrustline(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trustlineErrs = append(l.trustlineErrs, errs...)
}

func (l *fakeLedger) trustlineCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trustlineCalls
}

// fakeAuth serves scripted token results. When gate is set FetchToken blocks
// until it is closed.
type fakeAuth struct {
	mu         sync.Mutex
	tokenErrs  []error
	tokenCalls int
	gate       chan struct{}
	updateErr  error
	updated    []string
}

func (a *fakeAuth) FetchToken(ctx context.Context) (account.Token, error) {
	a.mu.Lock()
	a.tokenCalls++
	gate := a.gate
	var err error
	if len(a.tokenErrs) > 0 {
		err = a.tokenErrs[0]
		a.tokenErrs = a.tokenErrs[1:]
	}
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return account.Token{}, ctx.Err()
		}
	}
	if err != nil {
		return account.Token{}, err
	}
	return account.Token{Value: "token", EcosystemUserID: "user"}, nil
}

func (a *fakeAuth) UpdateWalletAddress(_ context.Context, address string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.updateErr != nil {
		return false, a.updateErr
	}
	a.updated = append(a.updated, address)
	return true, nil
}

func (a *fakeAuth) tokenCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tokenCalls
}

// fakeStore keeps every write so tests can check what was made durable.
type fakeStore struct {
	mu       sync.Mutex
	state    account.State
	has      bool
	index    int
	writes   []account.State
	setErr   error
	indexErr error
}

func (s *fakeStore) AccountState(context.Context) (account.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.has, nil
}

func (s *fakeStore) SetAccountState(_ context.Context, st account.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.state, s.has = st, true
	s.writes = append(s.writes, st)
	return nil
}

func (s *fakeStore) AccountIndex(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index, nil
}

func (s *fakeStore) SetAccountIndex(_ context.Context, i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexErr != nil {
		return s.indexErr
	}
	s.index = i
	return nil
}

func (s *fakeStore) persisted() account.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeStore) wrote(st account.State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.writes {
		if w == st {
			return true
		}
	}
	return false
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Emit(_ context.Context, evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingSink) count(t events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type mockDirectory struct{ mock.Mock }

func (m *mockDirectory) PublicAddress(index int) (string, error) {
	args := m.Called(index)
	return args.String(0), args.Error(1)
}

func (m *mockDirectory) UpdateActiveAccount(index int) error {
	return m.Called(index).Error(0)
}

func (m *mockDirectory) LoadAccount(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *mockDirectory) Logout() { m.Called() }

// stateRecorder is an observer collecting every delivered state.
type stateRecorder struct {
	mu     sync.Mutex
	states []account.State
}

func (r *stateRecorder) observe(s account.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) all() []account.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]account.State(nil), r.states...)
}

var errTransient = &account.LedgerError{
	Op:        account.OpSubmitTrustline,
	Code:      account.CodeTrustlineFailed,
	Transient: true,
	Err:       errors.New("tx_bad_seq after 3 attempts"),
}

type fixture struct {
	mgr       *Manager
	auth      *fakeAuth
	ledger    *fakeLedger
	directory *mockDirectory
	store     *fakeStore
	sink      *recordingSink
}

type fixtureOption func(*fixture)

func withPersisted(s account.State) fixtureOption {
	return func(f *fixture) { f.store.state, f.store.has = s, true }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	f := &fixture{
		auth:      new(fakeAuth),
		ledger:    newFakeLedger("GACCOUNT1"),
		directory: new(mockDirectory),
		store:     new(fakeStore),
		sink:      new(recordingSink),
	}
	for _, opt := range opts {
		opt(f)
	}

	log := logger.Noop()
	loop := mainloop.Start(context.Background(), log)
	metrics, err := NewLifecycleMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	f.mgr, err = NewManager(
		context.Background(),
		f.auth,
		f.ledger,
		f.directory,
		f.store,
		f.sink,
		loop,
		log,
		metrics,
		noop.NewTracerProvider().Tracer("test"),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		f.mgr.Close()
		loop.Close()
	})
	return f
}

func (f *fixture) waitForState(t *testing.T, want account.State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.mgr.CurrentState() == want }, waitFor, tick,
		"want %s, current %s", want, f.mgr.CurrentState())
}

func (f *fixture) waitForSubscription(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return f.ledger.activeSubscriptions() == 1 }, waitFor, tick)
}
