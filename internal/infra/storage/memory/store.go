// Package memory provides an in-process wallet profile store.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ahrav/wallet-orchestrator/internal/domain/account"
	"github.com/ahrav/wallet-orchestrator/internal/domain/migration"
)

var (
	_ account.StateStore   = (*Store)(nil)
	_ account.BalanceStore = (*Store)(nil)
	_ account.SessionStore = (*Store)(nil)
	_ migration.Store      = (*Store)(nil)
)

// Store keeps a single wallet profile in memory. Its contents are lost when
// the process exits.
type Store struct {
	mu sync.RWMutex

	state     account.State
	hasState  bool
	index     int
	migrated  bool
	version   migration.Version
	balance   account.Balance
	hasCached bool
}

// NewStore creates an empty Store.
func NewStore() *Store { return new(Store) }

func (s *Store) AccountState(context.Context) (account.State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.hasState, nil
}

func (s *Store) SetAccountState(_ context.Context, state account.State) error {
	if state == account.StateError || !state.IsKnown() {
		return fmt.Errorf("refusing to persist account state %q", state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state, s.hasState = state, true
	return nil
}

func (s *Store) AccountIndex(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index, nil
}

func (s *Store) SetAccountIndex(_ context.Context, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = index
	return nil
}

func (s *Store) CachedBalance(context.Context) (account.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasCached {
		return account.ZeroBalance(), nil
	}
	return s.balance, nil
}

func (s *Store) SetCachedBalance(_ context.Context, b account.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance, s.hasCached = b, true
	return nil
}

func (s *Store) IsMigrated(context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.migrated, nil
}

func (s *Store) SetDidMigrate(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.migrated = true
	return nil
}

func (s *Store) BlockchainVersion(context.Context) (migration.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, nil
}

func (s *Store) SetBlockchainVersion(_ context.Context, v migration.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
	return nil
}

// ClearSession forgets the account index and cached balance.
func (s *Store) ClearSession(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = 0
	s.balance, s.hasCached = account.Balance{}, false
	return nil
}
