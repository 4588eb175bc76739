package account

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoActiveAccount is returned when an operation needs the active ledger
	// account and none is loaded.
	ErrNoActiveAccount = errors.New("no active ledger account")

	// ErrAccountNotCreated is returned by ledger facades when the account does
	// not exist on the ledger yet.
	ErrAccountNotCreated = errors.New("account not created on ledger")
)

// LedgerCode classifies ledger failures for callers that react differently
// to each kind.
type LedgerCode int

const (
	CodeUnknown LedgerCode = iota
	CodeAccountCreationFailed
	CodeTrustlineFailed
	CodeAccountLoadingFailed
	CodeAccountSwitchFailed
	CodeMigrationFailed
	CodeMigrationInfoFailed
	CodeBalanceFailed
)

func (c LedgerCode) String() string {
	switch c {
	case CodeAccountCreationFailed:
		return "ACCOUNT_CREATION_FAILED"
	case CodeTrustlineFailed:
		return "TRUSTLINE_FAILED"
	case CodeAccountLoadingFailed:
		return "ACCOUNT_LOADING_FAILED"
	case CodeAccountSwitchFailed:
		return "ACCOUNT_SWITCH_FAILED"
	case CodeMigrationFailed:
		return "MIGRATION_FAILED"
	case CodeMigrationInfoFailed:
		return "MIGRATION_INFO_FAILED"
	case CodeBalanceFailed:
		return "BALANCE_FAILED"
	default:
		return "UNKNOWN"
	}
}

// AuthError reports a failed token fetch or wallet address update.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth %s: %v", e.Op, e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// LedgerError reports a failed ledger operation. Transient errors are safe to
// retry at the ledger facade; terminal ones are not.
type LedgerError struct {
	Op        string
	Code      LedgerCode
	Transient bool
	Err       error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger %s (%s): %v", e.Op, e.Code, e.Err)
}
func (e *LedgerError) Unwrap() error { return e.Err }

// ServerError reports a failed call to the backend (migration info, version).
type ServerError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server %s (status %d): %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server %s (status %d): %v", e.Op, e.StatusCode, e.Err)
}
func (e *ServerError) Unwrap() error { return e.Err }

// ConsistencyError reports a transition that the lifecycle rules reject. It
// only occurs when callers race each other and is logged, never surfaced.
type ConsistencyError struct {
	From State
	To   State
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("invalid account state transition from %s to %s", e.From, e.To)
}

type temporary interface{ Temporary() bool }

type timeout interface{ Timeout() bool }

// IsTransient reports whether err is worth retrying against the same remote.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var le *LedgerError
	if errors.As(err, &le) {
		return le.Transient
	}

	var se *ServerError
	if errors.As(err, &se) {
		return se.StatusCode == 429 || se.StatusCode >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var to timeout
	if errors.As(err, &to) && to.Timeout() {
		return true
	}
	var tmp temporary
	if errors.As(err, &tmp) && tmp.Temporary() {
		return true
	}
	return false
}

// ErrorMessage returns the most specific human readable message for err,
// preferring the backend's own message when one was returned.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var se *ServerError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return err.Error()
}

// ToLedgerError maps any failure onto a LedgerError carrying code. Existing
// LedgerErrors keep their own code and transience; everything else is wrapped
// with its transience derived from IsTransient.
func ToLedgerError(op string, code LedgerCode, err error) *LedgerError {
	if err == nil {
		return nil
	}
	var le *LedgerError
	if errors.As(err, &le) {
		return le
	}
	return &LedgerError{Op: op, Code: code, Transient: IsTransient(err), Err: err}
}

// Classify wraps a collaborator failure into the taxonomy according to the
// port it came from. Errors already in the taxonomy pass through unchanged.
func Classify(source Source, op string, err error) error {
	if err == nil {
		return nil
	}

	var (
		ae *AuthError
		le *LedgerError
		se *ServerError
		ce *ConsistencyError
	)
	if errors.As(err, &ae) || errors.As(err, &le) || errors.As(err, &se) || errors.As(err, &ce) {
		return err
	}

	switch source {
	case SourceAuth:
		return &AuthError{Op: op, Err: err}
	case SourceServer:
		return &ServerError{Op: op, Err: err}
	default:
		return &LedgerError{Op: op, Code: codeForOp(op), Transient: IsTransient(err), Err: err}
	}
}

// Source names the collaborator an error originated from.
type Source int

const (
	SourceLedger Source = iota
	SourceAuth
	SourceServer
)

func codeForOp(op string) LedgerCode {
	switch op {
	case OpSubscribeCreation:
		return CodeAccountCreationFailed
	case OpSubmitTrustline:
		return CodeTrustlineFailed
	case OpSwitchAccount:
		return CodeAccountSwitchFailed
	case OpLoadAccount:
		return CodeAccountLoadingFailed
	case OpBalance:
		return CodeBalanceFailed
	default:
		return CodeUnknown
	}
}

// Operation names recorded on errors and telemetry.
const (
	OpFetchToken          = "fetch_token"
	OpUpdateWalletAddress = "update_wallet_address"
	OpSubscribeCreation   = "subscribe_account_created"
	OpSubmitTrustline     = "submit_trustline"
	OpSwitchAccount       = "switch_account"
	OpLoadAccount         = "load_account"
	OpBalance             = "balance"
	OpPersistState        = "persist_state"
)
