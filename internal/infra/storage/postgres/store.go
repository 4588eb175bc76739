// Package postgres persists wallet profile state in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/wallet-orchestrator/internal/domain/account"
	"github.com/ahrav/wallet-orchestrator/internal/domain/migration"
	"github.com/ahrav/wallet-orchestrator/internal/infra/storage"
)

var (
	_ account.StateStore   = (*profileStore)(nil)
	_ account.BalanceStore = (*profileStore)(nil)
	_ account.SessionStore = (*profileStore)(nil)
	_ migration.Store      = (*profileStore)(nil)
)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// profileStore keeps one row per wallet profile. Every column is optional
// until first written, so reads of a fresh profile return zero values.
type profileStore struct {
	pool      *pgxpool.Pool
	profileID string
	tracer    trace.Tracer
}

// NewProfileStore creates a store for the profile identified by profileID.
func NewProfileStore(pool *pgxpool.Pool, profileID string, tracer trace.Tracer) *profileStore {
	return &profileStore{pool: pool, profileID: profileID, tracer: tracer}
}

func (s *profileStore) attrs(extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := append([]attribute.KeyValue{attribute.String("profile_id", s.profileID)}, defaultDBAttributes...)
	return append(attrs, extra...)
}

const upsertPrefix = `
	INSERT INTO wallet_profiles (profile_id) VALUES ($1)
	ON CONFLICT (profile_id) DO NOTHING`

// exec makes sure the profile row exists and then runs an update against it.
func (s *profileStore) exec(ctx context.Context, query string, args ...any) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertPrefix, s.profileID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, query, append([]any{s.profileID}, args...)...)
		return err
	})
}

// AccountState returns the persisted lifecycle state and whether one exists.
func (s *profileStore) AccountState(ctx context.Context) (account.State, bool, error) {
	var (
		state account.State
		found bool
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_account_state", s.attrs(), func(ctx context.Context) error {
		var code *int32
		err := s.pool.QueryRow(ctx,
			`SELECT account_state FROM wallet_profiles WHERE profile_id = $1`, s.profileID,
		).Scan(&code)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to get account state: %w", err)
		}
		if code == nil {
			return nil
		}

		state, err = account.StateFromInt32(*code)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return state, found, err
}

// SetAccountState persists state. StateError is rejected.
func (s *profileStore) SetAccountState(ctx context.Context, state account.State) error {
	attrs := s.attrs(attribute.String("account_state", state.String()))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_account_state", attrs, func(ctx context.Context) error {
		if state == account.StateError || !state.IsKnown() {
			return fmt.Errorf("refusing to persist account state %q", state)
		}
		if err := s.exec(ctx,
			`UPDATE wallet_profiles SET account_state = $2, updated_at = NOW() WHERE profile_id = $1`,
			state.Int32(),
		); err != nil {
			return fmt.Errorf("failed to set account state: %w", err)
		}
		return nil
	})
}

// AccountIndex returns the index of the active local account.
func (s *profileStore) AccountIndex(ctx context.Context) (int, error) {
	var index int
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_account_index", s.attrs(), func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx,
			`SELECT account_index FROM wallet_profiles WHERE profile_id = $1`, s.profileID,
		).Scan(&index)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to get account index: %w", err)
		}
		return nil
	})
	return index, err
}

// SetAccountIndex records the index of the active local account.
func (s *profileStore) SetAccountIndex(ctx context.Context, index int) error {
	attrs := s.attrs(attribute.Int("account_index", index))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_account_index", attrs, func(ctx context.Context) error {
		if err := s.exec(ctx,
			`UPDATE wallet_profiles SET account_index = $2, updated_at = NOW() WHERE profile_id = $1`,
			index,
		); err != nil {
			return fmt.Errorf("failed to set account index: %w", err)
		}
		return nil
	})
}

// CachedBalance returns the last stored balance, or zero when none was stored.
func (s *profileStore) CachedBalance(ctx context.Context) (account.Balance, error) {
	b := account.ZeroBalance()
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_cached_balance", s.attrs(), func(ctx context.Context) error {
		var (
			amount    *string
			updatedAt *time.Time
		)
		err := s.pool.QueryRow(ctx,
			`SELECT cached_balance::TEXT, balance_updated_at FROM wallet_profiles WHERE profile_id = $1`,
			s.profileID,
		).Scan(&amount, &updatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to get cached balance: %w", err)
		}
		if amount == nil {
			return nil
		}

		d, err := decimal.NewFromString(*amount)
		if err != nil {
			return fmt.Errorf("failed to parse cached balance %q: %w", *amount, err)
		}
		b.Amount = d
		if updatedAt != nil {
			b.UpdatedAt = *updatedAt
		}
		return nil
	})
	return b, err
}

// SetCachedBalance stores b.
func (s *profileStore) SetCachedBalance(ctx context.Context, b account.Balance) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_cached_balance", s.attrs(), func(ctx context.Context) error {
		updatedAt := b.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		if err := s.exec(ctx,
			`UPDATE wallet_profiles
			 SET cached_balance = $2::NUMERIC, balance_updated_at = $3, updated_at = NOW()
			 WHERE profile_id = $1`,
			b.Amount.String(), updatedAt,
		); err != nil {
			return fmt.Errorf("failed to set cached balance: %w", err)
		}
		return nil
	})
}

// IsMigrated reports whether the profile was moved to the new ledger.
func (s *profileStore) IsMigrated(ctx context.Context) (bool, error) {
	var migrated bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_is_migrated", s.attrs(), func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx,
			`SELECT is_migrated FROM wallet_profiles WHERE profile_id = $1`, s.profileID,
		).Scan(&migrated)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to get migration flag: %w", err)
		}
		return nil
	})
	return migrated, err
}

// SetDidMigrate marks the profile as migrated.
func (s *profileStore) SetDidMigrate(ctx context.Context) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_did_migrate", s.attrs(), func(ctx context.Context) error {
		if err := s.exec(ctx,
			`UPDATE wallet_profiles SET is_migrated = TRUE, updated_at = NOW() WHERE profile_id = $1`,
		); err != nil {
			return fmt.Errorf("failed to set migration flag: %w", err)
		}
		return nil
	})
}

// BlockchainVersion returns the last blockchain version recorded.
func (s *profileStore) BlockchainVersion(ctx context.Context) (migration.Version, error) {
	var v migration.Version
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_blockchain_version", s.attrs(), func(ctx context.Context) error {
		var version *string
		err := s.pool.QueryRow(ctx,
			`SELECT blockchain_version FROM wallet_profiles WHERE profile_id = $1`, s.profileID,
		).Scan(&version)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to get blockchain version: %w", err)
		}
		if version != nil {
			v = migration.Version(*version)
		}
		return nil
	})
	return v, err
}

// SetBlockchainVersion records v.
func (s *profileStore) SetBlockchainVersion(ctx context.Context, v migration.Version) error {
	attrs := s.attrs(attribute.String("blockchain_version", string(v)))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_blockchain_version", attrs, func(ctx context.Context) error {
		if err := s.exec(ctx,
			`UPDATE wallet_profiles SET blockchain_version = $2, updated_at = NOW() WHERE profile_id = $1`,
			string(v),
		); err != nil {
			return fmt.Errorf("failed to set blockchain version: %w", err)
		}
		return nil
	})
}

// ClearSession forgets the active account index and cached balance. The
// lifecycle state and migration bookkeeping survive a logout.
func (s *profileStore) ClearSession(ctx context.Context) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.clear_session", s.attrs(), func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`UPDATE wallet_profiles
			 SET account_index = 0, cached_balance = NULL, balance_updated_at = NULL, updated_at = NOW()
			 WHERE profile_id = $1`,
			s.profileID,
		)
		if err != nil {
			return fmt.Errorf("failed to clear session: %w", err)
		}
		return nil
	})
}
