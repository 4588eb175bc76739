// Package ledger adapts ledger client facades for the provisioning core.
package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/wallet-orchestrator/internal/domain/account"
	"github.com/ahrav/wallet-orchestrator/pkg/common/logger"
)

// RetryPolicy bounds the retries of a trustline submission.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries a trustline three times over a few seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 5 * time.Second}
}

// RetryingLedger retries transient trustline failures of the wrapped ledger.
// Terminal failures and exhausted retries are returned as LedgerErrors.
type RetryingLedger struct {
	account.Ledger

	policy RetryPolicy
	logger *logger.Logger
	tracer trace.Tracer
}

// NewRetryingLedger wraps l with the given retry policy.
func NewRetryingLedger(l account.Ledger, policy RetryPolicy, logger *logger.Logger, tracer trace.Tracer) *RetryingLedger {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &RetryingLedger{
		Ledger: l,
		policy: policy,
		logger: logger.With("component", "retrying_ledger"),
		tracer: tracer,
	}
}

// SubmitTrustline submits the trustline, retrying transient failures with
// exponential backoff until the policy is exhausted or ctx is done.
func (r *RetryingLedger) SubmitTrustline(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "ledger.submit_trustline_with_retry")
	defer span.End()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = r.policy.InitialInterval
	expBackoff.MaxInterval = r.policy.MaxInterval
	expBackoff.MaxElapsedTime = 0

	attempts := 0
	operation := func() error {
		attempts++
		err := r.Ledger.SubmitTrustline(ctx)
		if err == nil {
			return nil
		}
		err = account.Classify(account.SourceLedger, account.OpSubmitTrustline, err)
		if !account.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn(ctx, "trustline submission failed, retrying",
			"error", err, "attempt", attempts, "retry_in", wait)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(r.policy.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(operation, b, notify)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		return account.ToLedgerError(account.OpSubmitTrustline, account.CodeTrustlineFailed, err)
	}
	return nil
}
