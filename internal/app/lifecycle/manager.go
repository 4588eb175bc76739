// Package lifecycle drives an account through its provisioning journey and
// publishes its progress to observers.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/wallet-orchestrator/internal/domain/account"
	"github.com/ahrav/wallet-orchestrator/internal/domain/events"
	"github.com/ahrav/wallet-orchestrator/internal/infra/mainloop"
	"github.com/ahrav/wallet-orchestrator/pkg/common/logger"
)

// ErrReprovisionNotAllowed is returned by Reprovision when no account switch
// happened since the last time provisioning was restarted.
var ErrReprovisionNotAllowed = errors.New("reprovisioning requires a prior account switch")

// Observer receives lifecycle state updates on the main loop.
type Observer func(account.State)

// Manager owns the lifecycle state of the active account. It is the only
// writer of the persisted state, and it runs the remote step that belongs
// to every state it enters.
//
// Transitions are serialized by a single critical section covering the
// validity check, the write to the store, the publish to observers and the
// initiation of the side effect. Remote calls complete on background
// goroutines and come back as fresh transition requests.
type Manager struct {
	// mu serializes transitions and guards everything below it up to viewMu.
	mu                 sync.Mutex
	pending            account.Subscription
	pendingGen         uint64
	closed             bool
	reprovisionAllowed bool

	// viewMu guards the readable mirror of the persisted state and the
	// last recorded failure. It is never held while calling out.
	viewMu    sync.RWMutex
	persisted account.State
	lastErr   error

	state *observable[account.State]

	auth      account.AuthService
	ledger    account.Ledger
	directory account.AccountDirectory
	store     account.StateStore
	sink      events.Sink

	// asyncMu guards asyncClosed so no goroutine is added to wg after Close.
	asyncMu     sync.Mutex
	asyncClosed bool
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc

	logger  *logger.Logger
	metrics Metrics
	tracer  trace.Tracer
}

// NewManager creates a Manager initialized from the persisted state, or
// REQUIRE_CREATION when nothing was persisted yet. Observer callbacks are
// delivered through exec, which must not run them inline when observers
// call back into the Manager.
func NewManager(
	ctx context.Context,
	auth account.AuthService,
	ledger account.Ledger,
	directory account.AccountDirectory,
	store account.StateStore,
	sink events.Sink,
	exec mainloop.Executor,
	logger *logger.Logger,
	metrics Metrics,
	tracer trace.Tracer,
) (*Manager, error) {
	persisted, ok, err := store.AccountState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted account state: %w", err)
	}
	if !ok || persisted == account.StateError || !persisted.IsKnown() {
		persisted = account.StateRequireCreation
	}

	asyncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m := &Manager{
		persisted: persisted,
		state:     newObservable(persisted, exec),
		auth:      auth,
		ledger:    ledger,
		directory: directory,
		store:     store,
		sink:      sink,
		ctx:       asyncCtx,
		cancel:    cancel,
		logger:    logger.With("component", "account_lifecycle"),
		metrics:   metrics,
		tracer:    tracer,
	}
	m.logger.Info(ctx, "account lifecycle initialized", "persisted_state", persisted)

	return m, nil
}

// CurrentState returns ERROR when the last published value is ERROR and the
// persisted state otherwise.
func (m *Manager) CurrentState() account.State {
	if m.state.get() == account.StateError {
		return account.StateError
	}
	return m.PersistedState()
}

// PersistedState returns the last state durably recorded in the store.
func (m *Manager) PersistedState() account.State {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.persisted
}

// IsProvisioned reports whether the account finished provisioning.
func (m *Manager) IsProvisioned() bool {
	return m.PersistedState() == account.StateCreationCompleted
}

// Error returns the most recent failure recorded by the manager, or nil.
func (m *Manager) Error() error {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.lastErr
}

// Subscribe registers fn. It is called once with the current value and then
// after every transition. A slow observer only sees the latest value.
func (m *Manager) Subscribe(fn Observer) uuid.UUID {
	return m.state.subscribe(fn)
}

// Unsubscribe removes the observer registered under id.
func (m *Manager) Unsubscribe(id uuid.UUID) {
	m.state.unsubscribe(id)
}

// Start re-drives the persisted state after a restart or login. It does
// nothing without an active ledger account or once provisioning completed.
func (m *Manager) Start(ctx context.Context) {
	if m.ledger.ActiveAccount() == nil {
		m.logger.Debug(ctx, "start ignored, no active account")
		return
	}
	if m.CurrentState() == account.StateCreationCompleted {
		return
	}
	m.requestTransition(ctx, m.PersistedState())
}

// Retry replays the step that last failed. It does nothing unless an active
// ledger account exists and the current state is ERROR.
func (m *Manager) Retry(ctx context.Context) {
	if m.ledger.ActiveAccount() == nil {
		m.logger.Debug(ctx, "retry ignored, no active account")
		return
	}
	if m.state.get() != account.StateError {
		m.logger.Debug(ctx, "retry ignored, account is not in error")
		return
	}
	m.requestTransition(ctx, m.PersistedState())
}

// Reprovision restarts provisioning for a freshly switched account, taking
// the completed account back to REQUIRE_CREATION. It is allowed once per
// successful SwitchAccount, and the allowance is kept when the current state
// cannot move back to REQUIRE_CREATION.
func (m *Manager) Reprovision(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.reprovisionAllowed {
		return ErrReprovisionNotAllowed
	}
	if err := m.CurrentState().ValidateTransition(account.StateRequireCreation); err != nil {
		return fmt.Errorf("%w: %w", ErrReprovisionNotAllowed, err)
	}
	m.reprovisionAllowed = false
	m.transitionLocked(ctx, account.StateRequireCreation)
	return nil
}

// SwitchAccount makes the account stored at index the active one. The backend
// is told about the new address first; the local switch only happens once it
// accepted it.
func (m *Manager) SwitchAccount(ctx context.Context, index int) (bool, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.switch_account",
		trace.WithAttributes(attribute.Int("account_index", index)))
	defer span.End()

	logger := m.logger.With("account_index", index)
	logger.Info(ctx, "switching account")

	fail := func(err error) (bool, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "switch account failed")
		logger.Error(ctx, "account switch failed", "error", err)
		m.sink.Emit(ctx, events.NewEvent(events.EventTypeAccountSwitchFailed,
			map[string]any{"account_index": index, "reason": account.ErrorMessage(err)}))
		return false, err
	}

	address, err := m.directory.PublicAddress(index)
	if err != nil {
		return fail(account.ToLedgerError(account.OpSwitchAccount, account.CodeAccountSwitchFailed, err))
	}

	ok, err := m.auth.UpdateWalletAddress(ctx, address)
	if err != nil {
		return fail(account.Classify(account.SourceAuth, account.OpUpdateWalletAddress, err))
	}

	if err := m.directory.UpdateActiveAccount(index); err != nil {
		return fail(account.ToLedgerError(account.OpSwitchAccount, account.CodeAccountSwitchFailed, err))
	}
	if err := m.store.SetAccountIndex(ctx, index); err != nil {
		return fail(fmt.Errorf("failed to persist account index: %w", err))
	}

	m.mu.Lock()
	m.reprovisionAllowed = true
	m.mu.Unlock()

	m.sink.Emit(ctx, events.NewEvent(events.EventTypeAccountSwitchSucceeded,
		map[string]any{"account_index": index}, events.WithKey(address)))
	logger.Info(ctx, "account switched", "public_address", address)
	return ok, nil
}

// CancelPending drops the outstanding account created subscription, if any.
func (m *Manager) CancelPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelPendingLocked()
}

// Close cancels the pending subscription and waits for in-flight remote
// calls to return. Later transition requests are ignored.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.cancelPendingLocked()
	m.mu.Unlock()

	m.asyncMu.Lock()
	m.asyncClosed = true
	m.asyncMu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// requestTransition applies target and any transition that follows
// synchronously from it, all inside the transition critical section.
func (m *Manager) requestTransition(ctx context.Context, target account.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitionLocked(ctx, target)
}

func (m *Manager) transitionLocked(ctx context.Context, target account.State) {
	for {
		next, ok := m.applyLocked(ctx, target)
		if !ok {
			return
		}
		target = next
	}
}

// applyLocked validates, persists, publishes and starts the side effect for
// target. It returns a follow-up state when the side effect failed before
// any remote call was issued.
func (m *Manager) applyLocked(ctx context.Context, target account.State) (account.State, bool) {
	if m.closed {
		m.logger.Debug(ctx, "transition ignored, lifecycle closed", "target", target)
		return "", false
	}

	cur := m.CurrentState()
	if err := cur.ValidateTransition(target); err != nil {
		m.metrics.IncRejectedTransition(ctx)
		m.logger.Warn(ctx, "transition rejected", "error", err)
		return "", false
	}
	if cur == account.StateCreationCompleted && target == account.StateCreationCompleted {
		m.logger.Debug(ctx, "account already provisioned")
		return "", false
	}

	ctx, span := m.tracer.Start(ctx, "lifecycle.transition", trace.WithAttributes(
		attribute.String("from", cur.String()),
		attribute.String("to", target.String()),
	))
	defer span.End()

	if target != account.StateError {
		if err := m.store.SetAccountState(ctx, target); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "persist failed")
			m.recordFailure(ctx, fmt.Errorf("%s %s: %w", account.OpPersistState, target, err))
			return account.StateError, true
		}
		m.viewMu.Lock()
		m.persisted = target
		m.viewMu.Unlock()
	}

	m.state.set(target)
	m.metrics.IncTransition(ctx, cur, target)
	m.logger.Info(ctx, "account state changed", "from", cur, "to", target)

	return m.runSideEffectLocked(ctx, target)
}

func (m *Manager) runSideEffectLocked(ctx context.Context, target account.State) (account.State, bool) {
	switch target {
	case account.StateRequireCreation:
		m.emit(ctx, events.EventTypeAccountCreationRequested, nil)
		m.goAsync(ctx, m.fetchToken)

	case account.StatePendingCreation:
		return m.awaitCreationLocked(ctx)

	case account.StateRequireTrustline:
		m.goAsync(ctx, m.submitTrustline)

	case account.StateCreationCompleted:
		m.emit(ctx, events.EventTypeWalletCreationSucceeded, nil)

	case account.StateError:
		m.emit(ctx, events.EventTypeWalletCreationFailed, map[string]any{
			"failed_state": m.PersistedState().String(),
			"reason":       account.ErrorMessage(m.Error()),
		})
	}
	return "", false
}

// awaitCreationLocked replaces the pending subscription with one for the
// account that is active right now.
func (m *Manager) awaitCreationLocked(ctx context.Context) (account.State, bool) {
	m.cancelPendingLocked()

	handle := m.ledger.ActiveAccount()
	if handle == nil {
		m.recordFailure(ctx, &account.LedgerError{
			Op:   account.OpSubscribeCreation,
			Code: account.CodeAccountCreationFailed,
			Err:  account.ErrNoActiveAccount,
		})
		return account.StateError, true
	}

	m.pendingGen++
	gen := m.pendingGen
	sub, err := m.ledger.SubscribeAccountCreated(m.asyncContext(ctx), handle, func() {
		m.goAsync(ctx, func(ctx context.Context) { m.onAccountCreated(ctx, gen) })
	})
	if err != nil {
		m.recordFailure(ctx, account.Classify(account.SourceLedger, account.OpSubscribeCreation, err))
		return account.StateError, true
	}
	m.pending = sub
	m.logger.Debug(ctx, "waiting for account creation", "public_address", handle.PublicAddress())

	return "", false
}

func (m *Manager) onAccountCreated(ctx context.Context, gen uint64) {
	m.mu.Lock()
	if gen != m.pendingGen || m.pending == nil {
		m.mu.Unlock()
		m.logger.Debug(ctx, "ignoring stale account created notification")
		return
	}
	m.cancelPendingLocked()
	m.mu.Unlock()

	m.requestTransition(ctx, account.StateRequireTrustline)
}

func (m *Manager) fetchToken(ctx context.Context) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.fetch_token")
	defer span.End()

	if _, err := m.auth.FetchToken(ctx); err != nil {
		span.RecordError(err)
		m.failAsync(ctx, account.Classify(account.SourceAuth, account.OpFetchToken, err))
		return
	}
	m.requestTransition(ctx, account.StatePendingCreation)
}

func (m *Manager) submitTrustline(ctx context.Context) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.submit_trustline")
	defer span.End()

	handle := m.ledger.ActiveAccount()
	if handle == nil {
		m.failAsync(ctx, &account.LedgerError{
			Op:   account.OpSubmitTrustline,
			Code: account.CodeTrustlineFailed,
			Err:  account.ErrNoActiveAccount,
		})
		return
	}
	span.SetAttributes(attribute.String("public_address", handle.PublicAddress()))

	if err := m.ledger.SubmitTrustline(ctx); err != nil {
		span.RecordError(err)
		m.failAsync(ctx, account.Classify(account.SourceLedger, account.OpSubmitTrustline, err))
		return
	}
	m.requestTransition(ctx, account.StateCreationCompleted)
}

// failAsync records err and moves to ERROR from a background continuation.
func (m *Manager) failAsync(ctx context.Context, err error) {
	m.recordFailure(ctx, err)
	m.requestTransition(ctx, account.StateError)
}

func (m *Manager) recordFailure(ctx context.Context, err error) {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		m.logger.Debug(ctx, "remote call abandoned", "error", err)
	} else {
		m.logger.Error(ctx, "account provisioning step failed", "error", err)
	}
	m.metrics.IncFailure(ctx, opOf(err))

	m.viewMu.Lock()
	m.lastErr = err
	m.viewMu.Unlock()
}

func (m *Manager) cancelPendingLocked() {
	if m.pending == nil {
		return
	}
	m.pending.Cancel()
	m.pending = nil
}

// goAsync runs fn on a background goroutine tracked by Close. The goroutine
// inherits the span of ctx but not its cancellation.
func (m *Manager) goAsync(ctx context.Context, fn func(context.Context)) {
	m.asyncMu.Lock()
	defer m.asyncMu.Unlock()
	if m.asyncClosed {
		return
	}

	m.wg.Add(1)
	asyncCtx := m.asyncContext(ctx)
	go func() {
		defer m.wg.Done()
		fn(asyncCtx)
	}()
}

func (m *Manager) asyncContext(ctx context.Context) context.Context {
	return trace.ContextWithSpan(m.ctx, trace.SpanFromContext(ctx))
}

func (m *Manager) emit(ctx context.Context, t events.EventType, payload map[string]any) {
	var opts []events.EmitOption
	if h := m.ledger.ActiveAccount(); h != nil {
		opts = append(opts, events.WithKey(h.PublicAddress()))
	}
	m.sink.Emit(ctx, events.NewEvent(t, payload, opts...))
}

func opOf(err error) string {
	var (
		ae *account.AuthError
		le *account.LedgerError
		se *account.ServerError
	)
	switch {
	case errors.As(err, &ae):
		return ae.Op
	case errors.As(err, &le):
		return le.Op
	case errors.As(err, &se):
		return se.Op
	default:
		return account.OpPersistState
	}
}
