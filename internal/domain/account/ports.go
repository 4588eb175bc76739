package account

import (
	"context"
	"time"
)

// Token is the backend session credential. Fetching one is what triggers
// server-side provisioning of the ledger account.
type Token struct {
	Value           string
	EcosystemUserID string
	ExpiresAt       time.Time
}

// AuthService is the backend authentication facade.
type AuthService interface {
	// FetchToken returns the current auth token, obtaining a new one when needed.
	FetchToken(ctx context.Context) (Token, error)

	// UpdateWalletAddress tells the backend which public address the user now uses.
	UpdateWalletAddress(ctx context.Context, address string) (bool, error)
}

// AccountHandle is an opaque reference to an account loaded in the ledger
// client. Handles go stale when the active account changes; callers resolve
// a fresh one at every point of use instead of keeping it.
type AccountHandle interface {
	PublicAddress() string
}

// Subscription is an outstanding registration for ledger notifications.
type Subscription interface {
	// Cancel stops further notifications. Calling it more than once is safe.
	Cancel()
}

// Ledger is the subset of the ledger client the lifecycle drives.
type Ledger interface {
	// ActiveAccount returns the currently selected account or nil.
	ActiveAccount() AccountHandle

	// SubscribeAccountCreated invokes onCreated once the account exists on the ledger.
	SubscribeAccountCreated(ctx context.Context, account AccountHandle, onCreated func()) (Subscription, error)

	// SubmitTrustline establishes the asset trustline for the active account.
	SubmitTrustline(ctx context.Context) error
}

// AccountDirectory resolves and selects the local accounts held by the ledger client.
type AccountDirectory interface {
	// PublicAddress returns the address of the account stored at index.
	PublicAddress(index int) (string, error)

	// UpdateActiveAccount selects the account at index as the active account.
	UpdateActiveAccount(index int) error

	// LoadAccount loads the account bound to userID, creating a local keypair if needed.
	LoadAccount(ctx context.Context, userID string) error

	// Logout drops the active account reference.
	Logout()
}

// Stream is an open balance streaming connection.
type Stream interface {
	Close() error
}

// BalanceSource reads and streams account balances from the ledger.
type BalanceSource interface {
	Balance(ctx context.Context, address string) (Balance, error)
	StreamBalance(ctx context.Context, address string, onUpdate func(Balance)) (Stream, error)
}

// StateStore durably records the lifecycle state and the active account index.
type StateStore interface {
	AccountState(ctx context.Context) (State, bool, error)
	SetAccountState(ctx context.Context, state State) error
	AccountIndex(ctx context.Context) (int, error)
	SetAccountIndex(ctx context.Context, index int) error
}

// BalanceStore caches the last known balance across restarts.
type BalanceStore interface {
	CachedBalance(ctx context.Context) (Balance, error)
	SetCachedBalance(ctx context.Context, b Balance) error
}

// SessionStore clears per-user data on logout.
type SessionStore interface {
	ClearSession(ctx context.Context) error
}
