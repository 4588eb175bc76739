// Package balance multiplexes balance observers onto at most one streaming
// connection to the ledger.
package balance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/wallet-orchestrator/internal/domain/account"
	"github.com/ahrav/wallet-orchestrator/internal/infra/mainloop"
	"github.com/ahrav/wallet-orchestrator/pkg/common"
	"github.com/ahrav/wallet-orchestrator/pkg/common/logger"
)

// Observer receives balance updates on the main loop.
type Observer func(account.Balance)

type observer struct {
	fn        Observer
	streaming bool
}

// Tracker keeps the last known balance and fans updates out to observers.
// However many observers ask for streaming, at most one stream is open.
type Tracker struct {
	// mu guards the stream and serializes opening and closing it.
	mu         sync.Mutex
	stream     account.Stream
	streamAddr string
	streamGen  atomic.Uint64
	closed     bool

	// obsMu guards observers and cached. Stream callbacks only take obsMu.
	obsMu     sync.Mutex
	observers map[uuid.UUID]*observer
	cached    account.Balance

	source  account.BalanceSource
	ledger  account.Ledger
	store   account.BalanceStore
	exec    mainloop.Executor
	limiter *common.RateLimiter

	logger  *logger.Logger
	metrics Metrics
	tracer  trace.Tracer
}

// NewTracker creates a Tracker seeded with the persisted balance.
func NewTracker(
	ctx context.Context,
	source account.BalanceSource,
	ledger account.Ledger,
	store account.BalanceStore,
	exec mainloop.Executor,
	limiter *common.RateLimiter,
	logger *logger.Logger,
	metrics Metrics,
	tracer trace.Tracer,
) *Tracker {
	t := &Tracker{
		observers: make(map[uuid.UUID]*observer),
		cached:    account.ZeroBalance(),
		source:    source,
		ledger:    ledger,
		store:     store,
		exec:      exec,
		limiter:   limiter,
		logger:    logger.With("component", "balance_tracker"),
		metrics:   metrics,
		tracer:    tracer,
	}

	if b, err := store.CachedBalance(ctx); err != nil {
		t.logger.Warn(ctx, "failed to load cached balance", "error", err)
	} else {
		t.cached = b
	}
	return t
}

// CachedBalance returns the last balance seen, without a network call.
func (t *Tracker) CachedBalance() account.Balance {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	return t.cached
}

// Balance fetches the balance of the active account and updates the cache.
func (t *Tracker) Balance(ctx context.Context) (account.Balance, error) {
	ctx, span := t.tracer.Start(ctx, "balance.fetch")
	defer span.End()

	h := t.ledger.ActiveAccount()
	if h == nil {
		return account.Balance{}, &account.LedgerError{
			Op: account.OpBalance, Code: account.CodeBalanceFailed, Err: account.ErrNoActiveAccount,
		}
	}

	b, err := t.source.Balance(ctx, h.PublicAddress())
	if err != nil {
		span.RecordError(err)
		return account.Balance{}, account.ToLedgerError(account.OpBalance, account.CodeBalanceFailed, err)
	}
	t.update(ctx, b)
	return b, nil
}

// AddObserver registers fn and replays the cached balance to it. When
// startStreaming is set and no stream is open, one is opened for the active
// account. The observer stays registered even if opening the stream fails.
func (t *Tracker) AddObserver(ctx context.Context, fn Observer, startStreaming bool) (uuid.UUID, error) {
	id := uuid.New()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.obsMu.Lock()
	t.observers[id] = &observer{fn: fn, streaming: startStreaming}
	cached := t.cached
	t.obsMu.Unlock()

	t.exec.Execute(func() { fn(cached) })

	if !startStreaming || t.stream != nil {
		return id, nil
	}
	return id, t.openLocked(ctx)
}

// RemoveObserver unregisters the observer. When stopStreaming is set and no
// remaining observer needs streaming, the stream is closed.
func (t *Tracker) RemoveObserver(ctx context.Context, id uuid.UUID, stopStreaming bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.obsMu.Lock()
	delete(t.observers, id)
	t.obsMu.Unlock()

	if stopStreaming && t.streamingObservers() == 0 {
		t.closeLocked(ctx)
	}
}

// Reconnect replaces the stream with a fresh one for the active account.
// It does nothing when no observer needs streaming, and calling it again
// leaves exactly one stream open. Reconnects are rate limited.
func (t *Tracker) Reconnect(ctx context.Context) error {
	if !t.needsStream() {
		t.logger.Debug(ctx, "reconnect skipped, no streaming observers")
		return nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("reconnect throttled: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Observers may have left while waiting for the limiter.
	if t.closed || t.streamingObservers() == 0 {
		t.logger.Debug(ctx, "reconnect skipped, no streaming observers")
		return nil
	}

	t.metrics.IncReconnect(ctx)
	t.closeLocked(ctx)
	return t.openLocked(ctx)
}

// StreamOpen reports whether a balance stream is currently open.
func (t *Tracker) StreamOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stream != nil
}

// Reset closes the stream and drops every observer, leaving the tracker
// usable for the next session.
func (t *Tracker) Reset(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked(ctx)
}

// Close closes the stream and drops every observer. Later streaming
// requests fail.
func (t *Tracker) Close(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.resetLocked(ctx)
}

func (t *Tracker) resetLocked(ctx context.Context) {
	t.closeLocked(ctx)

	t.obsMu.Lock()
	t.observers = make(map[uuid.UUID]*observer)
	t.obsMu.Unlock()
}

func (t *Tracker) needsStream() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.streamingObservers() > 0
}

func (t *Tracker) streamingObservers() int {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	n := 0
	for _, o := range t.observers {
		if o.streaming {
			n++
		}
	}
	return n
}

func (t *Tracker) openLocked(ctx context.Context) error {
	if t.closed {
		return errors.New("balance tracker closed")
	}

	h := t.ledger.ActiveAccount()
	if h == nil {
		return &account.LedgerError{Op: account.OpBalance, Code: account.CodeBalanceFailed, Err: account.ErrNoActiveAccount}
	}
	address := h.PublicAddress()

	ctx, span := t.tracer.Start(ctx, "balance.open_stream",
		trace.WithAttributes(attribute.String("public_address", address)))
	defer span.End()

	gen := t.streamGen.Add(1)
	stream, err := t.source.StreamBalance(ctx, address, func(b account.Balance) {
		if t.streamGen.Load() != gen {
			return
		}
		t.update(context.Background(), b)
	})
	if err != nil {
		span.RecordError(err)
		t.logger.Error(ctx, "failed to open balance stream", "error", err, "public_address", address)
		return account.ToLedgerError(account.OpBalance, account.CodeBalanceFailed, err)
	}

	t.stream, t.streamAddr = stream, address
	t.metrics.IncStreamOpened(ctx)
	t.logger.Info(ctx, "balance stream opened", "public_address", address)
	return nil
}

func (t *Tracker) closeLocked(ctx context.Context) {
	if t.stream == nil {
		return
	}
	// Invalidate the callback before closing so late updates are dropped.
	t.streamGen.Add(1)
	if err := t.stream.Close(); err != nil {
		t.logger.Warn(ctx, "failed to close balance stream", "error", err)
	}
	t.logger.Info(ctx, "balance stream closed", "public_address", t.streamAddr)
	t.stream, t.streamAddr = nil, ""
	t.metrics.IncStreamClosed(ctx)
}

// update caches b, persists it and notifies observers when it changed.
func (t *Tracker) update(ctx context.Context, b account.Balance) {
	t.obsMu.Lock()
	if t.cached.Equal(b) {
		t.cached = b
		t.obsMu.Unlock()
		return
	}
	t.cached = b
	fns := make([]Observer, 0, len(t.observers))
	for _, o := range t.observers {
		fns = append(fns, o.fn)
	}
	t.obsMu.Unlock()

	if err := t.store.SetCachedBalance(ctx, b); err != nil {
		t.logger.Warn(ctx, "failed to persist cached balance", "error", err)
	}
	for _, fn := range fns {
		t.exec.Execute(func() { fn(b) })
	}
}
