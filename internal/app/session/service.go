// Package session binds a user session to the ledger account: login loads the
// account and resumes provisioning, logout tears the session state down.
package session

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/wallet-orchestrator/internal/domain/account"
	"github.com/ahrav/wallet-orchestrator/internal/infra/mainloop"
	"github.com/ahrav/wallet-orchestrator/pkg/common/logger"
)

// Lifecycle is the part of the account lifecycle a session drives.
type Lifecycle interface {
	Start(ctx context.Context)
	CancelPending()
}

// BalanceTracker is the part of the balance tracker a session drives.
type BalanceTracker interface {
	Reset(ctx context.Context)
}

// Service runs login and logout.
type Service struct {
	auth      account.AuthService
	directory account.AccountDirectory
	ledger    account.Ledger
	lifecycle Lifecycle
	balance   BalanceTracker
	store     account.SessionStore
	exec      mainloop.Executor

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService creates a new session service.
func NewService(
	auth account.AuthService,
	directory account.AccountDirectory,
	ledger account.Ledger,
	lifecycle Lifecycle,
	balance BalanceTracker,
	store account.SessionStore,
	exec mainloop.Executor,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Service {
	return &Service{
		auth:      auth,
		directory: directory,
		ledger:    ledger,
		lifecycle: lifecycle,
		balance:   balance,
		store:     store,
		exec:      exec,
		logger:    logger.With("component", "session"),
		tracer:    tracer,
	}
}

// Login fetches the auth token, loads the user's ledger account, resumes
// provisioning and tells the backend which address the user has.
func (s *Service) Login(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "session.login")
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, "login failed")
		s.logger.Error(ctx, "login failed", "error", err)
		return err
	}

	token, err := s.auth.FetchToken(ctx)
	if err != nil {
		return fail(account.Classify(account.SourceAuth, account.OpFetchToken, err))
	}

	if err := s.directory.LoadAccount(ctx, token.EcosystemUserID); err != nil {
		return fail(account.ToLedgerError(account.OpLoadAccount, account.CodeAccountLoadingFailed, err))
	}

	s.lifecycle.Start(ctx)

	h := s.ledger.ActiveAccount()
	if h == nil {
		return fail(&account.LedgerError{
			Op: account.OpLoadAccount, Code: account.CodeAccountLoadingFailed, Err: account.ErrNoActiveAccount,
		})
	}
	if _, err := s.auth.UpdateWalletAddress(ctx, h.PublicAddress()); err != nil {
		return fail(account.Classify(account.SourceAuth, account.OpUpdateWalletAddress, err))
	}

	s.logger.Info(ctx, "logged in", "public_address", h.PublicAddress())
	return nil
}

// LoginAsync runs Login in the background and hands the result to cb on the
// main loop.
func (s *Service) LoginAsync(ctx context.Context, cb func(error)) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		err := s.Login(ctx)
		s.exec.Execute(func() { cb(err) })
	}()
}

// Logout closes balance streams, drops the pending creation subscription,
// forgets the active account and clears the session's persisted data.
func (s *Service) Logout(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "session.logout")
	defer span.End()

	s.balance.Reset(ctx)
	s.lifecycle.CancelPending()
	s.directory.Logout()

	if err := s.store.ClearSession(ctx); err != nil {
		span.RecordError(err)
		s.logger.Error(ctx, "failed to clear session data", "error", err)
		return err
	}
	s.logger.Info(ctx, "logged out")
	return nil
}
