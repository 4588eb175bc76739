package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/wallet-orchestrator/internal/domain/account"
	"github.com/ahrav/wallet-orchestrator/internal/domain/migration"
	"github.com/ahrav/wallet-orchestrator/internal/infra/storage"
)

func setupProfileStoreTest(t *testing.T) (context.Context, *profileStore, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	db, cleanup := storage.SetupTestContainer(t)
	store := NewProfileStore(db, "profile-1", storage.NoOpTracer())
	ctx := context.Background()

	return ctx, store, cleanup
}

func TestProfileStore_AccountState(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupProfileStoreTest(t)
	defer cleanup()

	_, found, err := store.AccountState(ctx)
	require.NoError(t, err)
	assert.False(t, found, "fresh profile has no state")

	require.NoError(t, store.SetAccountState(ctx, account.StateRequireTrustline))
	state, found, err := store.AccountState(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, account.StateRequireTrustline, state)

	assert.Error(t, store.SetAccountState(ctx, account.StateError))
	state, _, err = store.AccountState(ctx)
	require.NoError(t, err)
	assert.Equal(t, account.StateRequireTrustline, state)
}

func TestProfileStore_IndexBalanceAndSession(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupProfileStoreTest(t)
	defer cleanup()

	require.NoError(t, store.SetAccountIndex(ctx, 2))
	idx, err := store.AccountIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	b, err := store.CachedBalance(ctx)
	require.NoError(t, err)
	assert.True(t, b.Amount.IsZero())

	want := account.Balance{Amount: decimal.RequireFromString("1234.5000001"), UpdatedAt: time.Now().UTC()}
	require.NoError(t, store.SetCachedBalance(ctx, want))
	b, err = store.CachedBalance(ctx)
	require.NoError(t, err)
	assert.True(t, want.Amount.Equal(b.Amount))
	assert.WithinDuration(t, want.UpdatedAt, b.UpdatedAt, time.Millisecond)

	require.NoError(t, store.SetAccountState(ctx, account.StateCreationCompleted))
	require.NoError(t, store.ClearSession(ctx))

	idx, err = store.AccountIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	b, err = store.CachedBalance(ctx)
	require.NoError(t, err)
	assert.True(t, b.Amount.IsZero())

	state, found, err := store.AccountState(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, account.StateCreationCompleted, state)
}

func TestProfileStore_Migration(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupProfileStoreTest(t)
	defer cleanup()

	migrated, err := store.IsMigrated(ctx)
	require.NoError(t, err)
	assert.False(t, migrated)

	v, err := store.BlockchainVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, migration.VersionUnknown, v)

	require.NoError(t, store.SetDidMigrate(ctx))
	require.NoError(t, store.SetBlockchainVersion(ctx, migration.VersionKin3))

	migrated, err = store.IsMigrated(ctx)
	require.NoError(t, err)
	assert.True(t, migrated)

	v, err = store.BlockchainVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, migration.VersionKin3, v)
}
