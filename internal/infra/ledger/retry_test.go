package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/wallet-orchestrator/internal/domain/account"
	"github.com/ahrav/wallet-orchestrator/pkg/common/logger"
)

type scriptedLedger struct {
	errs  []error
	calls int
}

func (*scriptedLedger) ActiveAccount() account.AccountHandle { return nil }

func (*scriptedLedger) SubscribeAccountCreated(context.Context, account.AccountHandle, func()) (account.Subscription, error) {
	return nil, nil
}

func (l *scriptedLedger) SubmitTrustline(context.Context) error {
	l.calls++
	if len(l.errs) == 0 {
		return nil
	}
	err := l.errs[0]
	l.errs = l.errs[1:]
	return err
}

func transient() error {
	return &account.LedgerError{Op: account.OpSubmitTrustline, Code: account.CodeTrustlineFailed, Transient: true, Err: errors.New("tx_bad_seq")}
}

func newTestRetryingLedger(l account.Ledger, attempts int) *RetryingLedger {
	return NewRetryingLedger(l, RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
}

func TestRetryingLedger_RecoversFromTransientFailures(t *testing.T) {
	inner := &scriptedLedger{errs: []error{transient(), transient()}}
	r := newTestRetryingLedger(inner, 3)

	require.NoError(t, r.SubmitTrustline(context.Background()))
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingLedger_ExhaustsRetries(t *testing.T) {
	inner := &scriptedLedger{errs: []error{transient(), transient(), transient(), transient()}}
	r := newTestRetryingLedger(inner, 3)

	err := r.SubmitTrustline(context.Background())
	var le *account.LedgerError
	require.ErrorAs(t, err, &le)
	assert.True(t, le.Transient)
	assert.Equal(t, account.CodeTrustlineFailed, le.Code)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingLedger_TerminalErrorNotRetried(t *testing.T) {
	inner := &scriptedLedger{errs: []error{account.ErrAccountNotCreated}}
	r := newTestRetryingLedger(inner, 5)

	err := r.SubmitTrustline(context.Background())
	var le *account.LedgerError
	require.ErrorAs(t, err, &le)
	assert.False(t, le.Transient)
	assert.ErrorIs(t, err, account.ErrAccountNotCreated)
	assert.Equal(t, 1, inner.calls)
}

func TestRetryingLedger_StopsOnContextCancel(t *testing.T) {
	inner := &scriptedLedger{errs: []error{transient(), transient(), transient()}}
	r := NewRetryingLedger(inner, RetryPolicy{
		MaxAttempts:     10,
		InitialInterval: time.Hour,
		MaxInterval:     time.Hour,
	}, logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.Error(t, r.SubmitTrustline(ctx))
	assert.Equal(t, 1, inner.calls)
}
