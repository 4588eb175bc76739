package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/wallet-orchestrator/pkg/common/logger"
)

func TestConnectWithRetryEventuallySucceeds(t *testing.T) {
	attempts := 0
	got, err := ConnectWithRetry(context.Background(), logger.Noop(), "test", 10*time.Second,
		func(context.Context) (string, error) {
			attempts++
			if attempts < 2 {
				return "", errors.New("not yet")
			}
			return "conn", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "conn", got)
	assert.Equal(t, 2, attempts)
}

func TestConnectWithRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ConnectWithRetry(ctx, logger.Noop(), "test", time.Minute,
		func(context.Context) (int, error) { return 0, errors.New("down") })
	assert.Error(t, err)
}
