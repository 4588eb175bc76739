// Package migration models the move of an account from one ledger client
// implementation to another while keeping the same address and keys.
package migration

import (
	"context"
	"errors"

	"github.com/ahrav/wallet-orchestrator/internal/domain/account"
)

// ErrMigrationInProgress is returned when a second migration is requested
// while one is still running.
var ErrMigrationInProgress = errors.New("migration already in progress")

// Info is the backend's verdict on whether an address must be migrated.
// It is never cached beyond the call that fetched it.
type Info struct {
	ShouldMigrate bool
	IsRestorable  bool
}

// Version is an opaque ledger implementation tag such as "2" or "3". It is
// only used to annotate telemetry.
type Version string

// Known ledger implementation versions.
const (
	VersionUnknown Version = ""
	VersionKin2    Version = "2"
	VersionKin3    Version = "3"
)

func (v Version) String() string {
	if v == VersionUnknown {
		return "unknown"
	}
	return string(v)
}

// Listener receives the progress of a single migration. Exactly one of
// OnEnd or OnError follows OnStart.
type Listener interface {
	OnStart()
	OnEnd()
	OnError(err *account.LedgerError)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Start func()
	End   func()
	Error func(err *account.LedgerError)
}

func (l ListenerFuncs) OnStart() {
	if l.Start != nil {
		l.Start()
	}
}

func (l ListenerFuncs) OnEnd() {
	if l.End != nil {
		l.End()
	}
}

func (l ListenerFuncs) OnError(err *account.LedgerError) {
	if l.Error != nil {
		l.Error(err)
	}
}

// Server is the backend surface consulted before migrating.
type Server interface {
	MigrationInfo(ctx context.Context, address string) (Info, error)
	BlockchainVersion(ctx context.Context) (Version, error)
}

// Migrator performs the actual move of address onto the new ledger
// implementation.
type Migrator interface {
	Migrate(ctx context.Context, address string, info Info) error
}

// VersionInspector reports the ledger implementation the local SDK runs.
type VersionInspector interface {
	SDKVersion() Version
}

// Store persists migration bookkeeping.
type Store interface {
	IsMigrated(ctx context.Context) (bool, error)
	SetDidMigrate(ctx context.Context) error
	BlockchainVersion(ctx context.Context) (Version, error)
	SetBlockchainVersion(ctx context.Context, v Version) error
}
