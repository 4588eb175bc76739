package common

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ahrav/wallet-orchestrator/pkg/common/logger"
)

// ConnectWithRetry calls connect with exponential backoff until it succeeds,
// ctx is done, or maxElapsed passes. It is meant for startup dependencies
// such as Kafka or Postgres that may come up after the service.
func ConnectWithRetry[T any](
	ctx context.Context,
	log *logger.Logger,
	name string,
	maxElapsed time.Duration,
	connect func(ctx context.Context) (T, error),
) (T, error) {
	var conn T

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = maxElapsed
	expBackoff.InitialInterval = time.Second

	operation := func() error {
		var err error
		conn, err = connect(ctx)
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn(ctx, "dependency not ready, will retry", "dependency", name, "error", err, "retry_in", wait)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(expBackoff, ctx), notify); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to connect to %s after retries: %w", name, err)
	}
	return conn, nil
}
