package simulated

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/wallet-orchestrator/internal/domain/account"
	"github.com/ahrav/wallet-orchestrator/internal/domain/migration"
)

var (
	_ account.AuthService = (*Backend)(nil)
	_ migration.Server    = (*Backend)(nil)
)

// Backend simulates the application server: it issues tokens, provisions
// ledger accounts for the addresses it learns about and answers migration
// questions.
type Backend struct {
	mu sync.Mutex

	network  *Network
	userID   string
	token    account.Token
	wallets  map[string]bool
	target   migration.Version
	tokenTTL time.Duration
}

// NewBackend creates a backend serving userID on network. Clients running an
// older ledger implementation than target are told to migrate.
func NewBackend(network *Network, userID string, target migration.Version) *Backend {
	if target == migration.VersionUnknown {
		target = migration.VersionKin3
	}
	return &Backend{
		network:  network,
		userID:   userID,
		wallets:  make(map[string]bool),
		target:   target,
		tokenTTL: time.Hour,
	}
}

// FetchToken returns a valid token. Issuing a token for a user whose active
// account is unknown to the ledger starts its provisioning.
func (b *Backend) FetchToken(context.Context) (account.Token, error) {
	b.mu.Lock()
	if b.token.Value == "" || time.Now().After(b.token.ExpiresAt) {
		b.token = account.Token{
			Value:           uuid.NewString(),
			EcosystemUserID: b.userID,
			ExpiresAt:       time.Now().Add(b.tokenTTL),
		}
	}
	token := b.token
	b.mu.Unlock()

	if h := b.network.ActiveAccount(); h != nil {
		b.network.Provision(h.PublicAddress())
	}
	return token, nil
}

// UpdateWalletAddress records address as one of the user's wallets.
func (b *Backend) UpdateWalletAddress(_ context.Context, address string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wallets[address] = true
	return true, nil
}

// MigrationInfo tells whether the client must move to the target version.
func (b *Backend) MigrationInfo(_ context.Context, address string) (migration.Info, error) {
	b.mu.Lock()
	_, known := b.wallets[address]
	target := b.target
	b.mu.Unlock()

	return migration.Info{
		ShouldMigrate: b.network.SDKVersion() != target,
		IsRestorable:  known,
	}, nil
}

// BlockchainVersion returns the ledger implementation clients should run.
func (b *Backend) BlockchainVersion(context.Context) (migration.Version, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.target, nil
}
