// Package simulated provides an in-process ledger, backend and keystore for
// running the wallet daemon without external services.
package simulated

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ahrav/wallet-orchestrator/internal/domain/account"
	"github.com/ahrav/wallet-orchestrator/internal/domain/migration"
	"github.com/ahrav/wallet-orchestrator/pkg/common/logger"
)

var (
	_ account.Ledger             = (*Network)(nil)
	_ account.AccountDirectory   = (*Network)(nil)
	_ account.BalanceSource      = (*Network)(nil)
	_ migration.Migrator         = (*Network)(nil)
	_ migration.VersionInspector = (*Network)(nil)
)

// ErrUnknownAccount is returned for addresses the network has never seen.
var ErrUnknownAccount = errors.New("unknown account")

// Config tunes the simulated network.
type Config struct {
	// CreationDelay is how long the backend takes to create an account on
	// the ledger after a token was issued.
	CreationDelay time.Duration
	// TrustlineFailures makes the next n trustline submissions fail with a
	// transient error.
	TrustlineFailures int
	// StartingBalance is credited to every account once its trustline exists.
	StartingBalance decimal.Decimal
	// SDKVersion is the ledger implementation the local client starts on.
	SDKVersion migration.Version
}

type ledgerAccount struct {
	created   bool
	trustline bool
	balance   decimal.Decimal
}

type handle string

func (h handle) PublicAddress() string { return string(h) }

type creationWatch struct {
	address string
	fn      func()
}

type balanceWatch struct {
	address string
	fn      func(account.Balance)
}

// Network simulates the ledger together with the local keystore of one
// device. All methods are safe for concurrent use.
type Network struct {
	mu sync.Mutex

	accounts map[string]*ledgerAccount
	keys     []string // local keystore, by account index
	active   int      // index into keys, -1 when logged out
	users    map[string]int

	creationWatches map[uuid.UUID]creationWatch
	balanceWatches  map[uuid.UUID]balanceWatch

	trustlineFailures int
	version           migration.Version
	cfg               Config

	logger *logger.Logger
}

// NewNetwork creates an empty simulated network.
func NewNetwork(cfg Config, logger *logger.Logger) *Network {
	version := cfg.SDKVersion
	if version == migration.VersionUnknown {
		version = migration.VersionKin3
	}
	return &Network{
		accounts:          make(map[string]*ledgerAccount),
		active:            -1,
		users:             make(map[string]int),
		creationWatches:   make(map[uuid.UUID]creationWatch),
		balanceWatches:    make(map[uuid.UUID]balanceWatch),
		trustlineFailures: cfg.TrustlineFailures,
		version:           version,
		cfg:               cfg,
		logger:            logger.With("component", "simulated_ledger"),
	}
}

func newAddress() string {
	return "G" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// ActiveAccount returns the selected local account or nil.
func (n *Network) ActiveAccount() account.AccountHandle {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active < 0 {
		return nil
	}
	return handle(n.keys[n.active])
}

func (n *Network) activeAddress() (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active < 0 {
		return "", account.ErrNoActiveAccount
	}
	return n.keys[n.active], nil
}

// LoadAccount selects the keypair bound to userID, generating one on first use.
func (n *Network) LoadAccount(_ context.Context, userID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	idx, ok := n.users[userID]
	if !ok {
		n.keys = append(n.keys, newAddress())
		idx = len(n.keys) - 1
		n.users[userID] = idx
	}
	n.active = idx
	return nil
}

// AddKeypair adds a local keypair, as a wallet restore would, and returns its index.
func (n *Network) AddKeypair() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.keys = append(n.keys, newAddress())
	return len(n.keys) - 1
}

// PublicAddress returns the address of the keypair at index.
func (n *Network) PublicAddress(index int) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if index < 0 || index >= len(n.keys) {
		return "", fmt.Errorf("no keypair at index %d", index)
	}
	return n.keys[index], nil
}

// UpdateActiveAccount selects the keypair at index.
func (n *Network) UpdateActiveAccount(index int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if index < 0 || index >= len(n.keys) {
		return fmt.Errorf("no keypair at index %d", index)
	}
	n.active = index
	return nil
}

// Logout drops the active account.
func (n *Network) Logout() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.active = -1
}

// Provision creates the account on the ledger after the configured delay,
// as the backend does once it issued a token for the address.
func (n *Network) Provision(address string) {
	create := func() {
		n.mu.Lock()
		acc, ok := n.accounts[address]
		if !ok {
			acc = &ledgerAccount{balance: decimal.Zero}
			n.accounts[address] = acc
		}
		if acc.created {
			n.mu.Unlock()
			return
		}
		acc.created = true

		var fire []func()
		for id, w := range n.creationWatches {
			if w.address == address {
				fire = append(fire, w.fn)
				delete(n.creationWatches, id)
			}
		}
		n.mu.Unlock()

		n.logger.Debug(context.Background(), "account created on ledger", "public_address", address)
		for _, fn := range fire {
			fn()
		}
	}

	if n.cfg.CreationDelay <= 0 {
		create()
		return
	}
	time.AfterFunc(n.cfg.CreationDelay, create)
}

type subscription struct {
	cancel func()
	once   sync.Once
}

func (s *subscription) Cancel() { s.once.Do(s.cancel) }

// SubscribeAccountCreated calls fn once the account exists, right away when
// it already does.
func (n *Network) SubscribeAccountCreated(_ context.Context, h account.AccountHandle, fn func()) (account.Subscription, error) {
	if h == nil {
		return nil, account.ErrNoActiveAccount
	}
	address := h.PublicAddress()

	n.mu.Lock()
	if acc, ok := n.accounts[address]; ok && acc.created {
		n.mu.Unlock()
		go fn()
		return &subscription{cancel: func() {}}, nil
	}
	id := uuid.New()
	n.creationWatches[id] = creationWatch{address: address, fn: fn}
	n.mu.Unlock()

	return &subscription{cancel: func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.creationWatches, id)
	}}, nil
}

// SubmitTrustline establishes the trustline for the active account.
func (n *Network) SubmitTrustline(ctx context.Context) error {
	address, err := n.activeAddress()
	if err != nil {
		return err
	}

	n.mu.Lock()
	if n.trustlineFailures > 0 {
		n.trustlineFailures--
		n.mu.Unlock()
		return &account.LedgerError{
			Op:        account.OpSubmitTrustline,
			Code:      account.CodeTrustlineFailed,
			Transient: true,
			Err:       errors.New("transaction rejected: bad sequence"),
		}
	}
	acc, ok := n.accounts[address]
	if !ok || !acc.created {
		n.mu.Unlock()
		return account.ErrAccountNotCreated
	}
	first := !acc.trustline
	acc.trustline = true
	n.mu.Unlock()

	n.logger.Debug(ctx, "trustline established", "public_address", address)
	if first && n.cfg.StartingBalance.IsPositive() {
		return n.Fund(address, n.cfg.StartingBalance)
	}
	return nil
}

// Fund credits amount to address and notifies balance streams.
func (n *Network) Fund(address string, amount decimal.Decimal) error {
	n.mu.Lock()
	acc, ok := n.accounts[address]
	if !ok || !acc.created {
		n.mu.Unlock()
		return ErrUnknownAccount
	}
	acc.balance = acc.balance.Add(amount)
	b := account.Balance{Amount: acc.balance, UpdatedAt: time.Now().UTC()}

	var fire []func(account.Balance)
	for _, w := range n.balanceWatches {
		if w.address == address {
			fire = append(fire, w.fn)
		}
	}
	n.mu.Unlock()

	for _, fn := range fire {
		fn(b)
	}
	return nil
}

// Balance returns the balance of address.
func (n *Network) Balance(_ context.Context, address string) (account.Balance, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	acc, ok := n.accounts[address]
	if !ok || !acc.created {
		return account.Balance{}, account.ErrAccountNotCreated
	}
	return account.Balance{Amount: acc.balance, UpdatedAt: time.Now().UTC()}, nil
}

type stream struct{ close func() }

func (s stream) Close() error {
	s.close()
	return nil
}

// StreamBalance pushes every balance change of address to onUpdate.
func (n *Network) StreamBalance(_ context.Context, address string, onUpdate func(account.Balance)) (account.Stream, error) {
	id := uuid.New()

	n.mu.Lock()
	n.balanceWatches[id] = balanceWatch{address: address, fn: onUpdate}
	n.mu.Unlock()

	return stream{close: func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.balanceWatches, id)
	}}, nil
}

// OpenStreams returns the number of open balance streams.
func (n *Network) OpenStreams() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.balanceWatches)
}

// SDKVersion returns the ledger implementation the client currently runs.
func (n *Network) SDKVersion() migration.Version {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.version
}

// Migrate moves the client onto the newest ledger implementation.
func (n *Network) Migrate(ctx context.Context, address string, info migration.Info) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.accounts[address]; !ok && !info.IsRestorable {
		return fmt.Errorf("migrate %s: %w", address, ErrUnknownAccount)
	}
	n.version = migration.VersionKin3
	n.logger.Info(ctx, "client migrated", "public_address", address, "version", n.version)
	return nil
}
