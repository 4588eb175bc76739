package account

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type netTimeout struct{}

func (netTimeout) Error() string { return "i/o timeout" }
func (netTimeout) Timeout() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "transient ledger", err: &LedgerError{Op: OpSubmitTrustline, Transient: true, Err: errors.New("tx_bad_seq")}, want: true},
		{name: "terminal ledger", err: &LedgerError{Op: OpSubmitTrustline, Err: errors.New("op_low_reserve")}, want: false},
		{name: "server 503", err: &ServerError{Op: "migration_info", StatusCode: 503}, want: true},
		{name: "server 429", err: &ServerError{Op: "migration_info", StatusCode: 429}, want: true},
		{name: "server 404", err: &ServerError{Op: "migration_info", StatusCode: 404}, want: false},
		{name: "deadline", err: fmt.Errorf("wrapped: %w", context.DeadlineExceeded), want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "net timeout", err: fmt.Errorf("dial: %w", netTimeout{}), want: true},
		{name: "plain", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	cause := errors.New("connection refused")

	var ae *AuthError
	require.ErrorAs(t, Classify(SourceAuth, OpFetchToken, cause), &ae)
	assert.Equal(t, OpFetchToken, ae.Op)
	assert.ErrorIs(t, ae, cause)

	var se *ServerError
	require.ErrorAs(t, Classify(SourceServer, "blockchain_version", cause), &se)

	var le *LedgerError
	require.ErrorAs(t, Classify(SourceLedger, OpSubmitTrustline, cause), &le)
	assert.Equal(t, CodeTrustlineFailed, le.Code)
	assert.False(t, le.Transient)

	existing := &LedgerError{Op: OpSubscribeCreation, Code: CodeAccountCreationFailed}
	assert.Same(t, existing, Classify(SourceAuth, OpFetchToken, existing))

	assert.NoError(t, Classify(SourceLedger, OpBalance, nil))
}

func TestToLedgerError(t *testing.T) {
	assert.Nil(t, ToLedgerError("migrate", CodeMigrationFailed, nil))

	le := ToLedgerError("migrate", CodeMigrationFailed, &ServerError{Op: "migration_info", StatusCode: 502})
	assert.Equal(t, CodeMigrationFailed, le.Code)
	assert.True(t, le.Transient)

	orig := &LedgerError{Op: "x", Code: CodeTrustlineFailed}
	assert.Same(t, orig, ToLedgerError("migrate", CodeMigrationFailed, fmt.Errorf("wrap: %w", orig)))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "", ErrorMessage(nil))
	assert.Equal(t, "address not found", ErrorMessage(&ServerError{Op: "migration_info", StatusCode: 404, Message: "address not found"}))
	assert.Equal(t, "boom", ErrorMessage(errors.New("boom")))
}
