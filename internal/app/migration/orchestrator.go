// Package migration decides whether the active account must move to the new
// ledger implementation and drives that move.
package migration

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/wallet-orchestrator/internal/domain/account"
	"github.com/ahrav/wallet-orchestrator/internal/domain/events"
	domain "github.com/ahrav/wallet-orchestrator/internal/domain/migration"
	"github.com/ahrav/wallet-orchestrator/internal/infra/mainloop"
	"github.com/ahrav/wallet-orchestrator/pkg/common/logger"
)

// Operation names recorded on migration errors.
const (
	opMigrationInfo     = "migration_info"
	opMigrate           = "migrate"
	opBlockchainVersion = "blockchain_version"
)

// Orchestrator runs migrations and blockchain version checks. Every failure
// is reported to telemetry exactly once before it reaches the caller.
// Listener and callback invocations are delivered through the main loop.
type Orchestrator struct {
	server    domain.Server
	migrator  domain.Migrator
	inspector domain.VersionInspector
	store     domain.Store
	ledger    account.Ledger
	sink      events.Sink
	exec      mainloop.Executor

	inProgress atomic.Bool

	logger  *logger.Logger
	metrics Metrics
	tracer  trace.Tracer
}

// NewOrchestrator creates a new migration orchestrator.
func NewOrchestrator(
	server domain.Server,
	migrator domain.Migrator,
	inspector domain.VersionInspector,
	store domain.Store,
	ledger account.Ledger,
	sink events.Sink,
	exec mainloop.Executor,
	logger *logger.Logger,
	metrics Metrics,
	tracer trace.Tracer,
) *Orchestrator {
	return &Orchestrator{
		server:    server,
		migrator:  migrator,
		inspector: inspector,
		store:     store,
		ledger:    ledger,
		sink:      sink,
		exec:      exec,
		logger:    logger.With("component", "migration_orchestrator"),
		metrics:   metrics,
		tracer:    tracer,
	}
}

// StartMigration runs a migration in the background and reports its progress
// to listener. When info is nil it is fetched from the server for address,
// or for the active account when address is empty.
func (o *Orchestrator) StartMigration(ctx context.Context, info *domain.Info, address string, listener domain.Listener) {
	ctx = context.WithoutCancel(ctx)
	go o.Migrate(ctx, info, address, listener)
}

// Migrate is the synchronous form of StartMigration. It returns once the
// outcome has been handed to the main loop.
func (o *Orchestrator) Migrate(ctx context.Context, info *domain.Info, address string, listener domain.Listener) {
	ctx, span := o.tracer.Start(ctx, "migration.start_migration")
	defer span.End()

	o.exec.Execute(listener.OnStart)

	if err := o.migrate(ctx, info, address); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "migration failed")
		o.metrics.IncMigrationOutcome(ctx, OutcomeFailed)
		le := account.ToLedgerError(opMigrate, account.CodeMigrationFailed, err)
		o.exec.Execute(func() { listener.OnError(le) })
		return
	}
	o.exec.Execute(listener.OnEnd)
}

func (o *Orchestrator) migrate(ctx context.Context, info *domain.Info, address string) error {
	if !o.inProgress.CompareAndSwap(false, true) {
		o.emit(ctx, events.EventTypeMigrationFailed, address, map[string]any{
			"reason": domain.ErrMigrationInProgress.Error(),
		})
		return &account.LedgerError{Op: opMigrate, Code: account.CodeMigrationFailed, Err: domain.ErrMigrationInProgress}
	}
	defer o.inProgress.Store(false)

	if address == "" {
		h := o.ledger.ActiveAccount()
		if h == nil {
			o.emit(ctx, events.EventTypeMigrationFailed, "", map[string]any{
				"reason": account.ErrNoActiveAccount.Error(),
			})
			return &account.LedgerError{Op: opMigrate, Code: account.CodeMigrationFailed, Err: account.ErrNoActiveAccount}
		}
		address = h.PublicAddress()
	}
	logger := o.logger.With("public_address", address)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("public_address", address))

	if info == nil {
		if o.alreadyMigrated(ctx) {
			logger.Info(ctx, "account already migrated")
			o.metrics.IncMigrationOutcome(ctx, OutcomeAlreadyMigrated)
			return nil
		}

		fetched, err := o.fetchInfo(ctx, address)
		if err != nil {
			return err
		}
		info = &fetched
	}

	if !info.ShouldMigrate {
		logger.Info(ctx, "no migration needed", "is_restorable", info.IsRestorable)
		o.metrics.IncMigrationOutcome(ctx, OutcomeSkipped)
		return nil
	}

	logger.Info(ctx, "migrating account")
	o.emit(ctx, events.EventTypeMigrationStarted, address, nil)

	err := o.metrics.TrackMigration(ctx, func() error {
		return o.migrator.Migrate(ctx, address, *info)
	})
	if err != nil {
		le := account.ToLedgerError(opMigrate, account.CodeMigrationFailed, err)
		logger.Error(ctx, "migration failed", "error", le)
		o.emit(ctx, events.EventTypeMigrationFailed, address, map[string]any{
			"reason": account.ErrorMessage(err),
		})
		return le
	}

	if err := o.store.SetDidMigrate(ctx); err != nil {
		logger.Warn(ctx, "failed to record migration", "error", err)
	}
	if err := o.store.SetBlockchainVersion(ctx, o.inspector.SDKVersion()); err != nil {
		logger.Warn(ctx, "failed to record blockchain version", "error", err)
	}

	o.metrics.IncMigrationOutcome(ctx, OutcomeMigrated)
	o.emit(ctx, events.EventTypeMigrationSucceeded, address, nil)
	logger.Info(ctx, "account migrated")
	return nil
}

func (o *Orchestrator) alreadyMigrated(ctx context.Context) bool {
	migrated, err := o.store.IsMigrated(ctx)
	if err != nil {
		o.logger.Warn(ctx, "failed to read migration flag, checking with server", "error", err)
		return false
	}
	return migrated
}

func (o *Orchestrator) fetchInfo(ctx context.Context, address string) (domain.Info, error) {
	ctx, span := o.tracer.Start(ctx, "migration.fetch_info")
	defer span.End()

	info, err := o.server.MigrationInfo(ctx, address)
	if err != nil {
		span.RecordError(err)
		se := account.Classify(account.SourceServer, opMigrationInfo, err)
		o.emit(ctx, events.EventTypeMigrationStatusCheckFailed, address, map[string]any{
			"reason": account.ErrorMessage(se),
		})
		return domain.Info{}, &account.LedgerError{Op: opMigrationInfo, Code: account.CodeMigrationInfoFailed, Err: se}
	}

	o.emit(ctx, events.EventTypeMigrationStatusCheckSucceeded, address, map[string]any{
		"should_migrate": info.ShouldMigrate,
		"is_restorable":  info.IsRestorable,
	})
	return info, nil
}

// BlockchainVersion asks the server which ledger implementation the account
// should run on. The last version seen locally is read concurrently so a
// failure can be annotated with it. Successful answers are stored.
func (o *Orchestrator) BlockchainVersion(ctx context.Context) (domain.Version, error) {
	ctx, span := o.tracer.Start(ctx, "migration.blockchain_version")
	defer span.End()

	// The local read must survive a failing server call, so the two calls do
	// not share a cancelling group context.
	var remote, last domain.Version
	var g errgroup.Group
	g.Go(func() error {
		v, err := o.server.BlockchainVersion(ctx)
		if err != nil {
			return account.Classify(account.SourceServer, opBlockchainVersion, err)
		}
		remote = v
		return nil
	})
	g.Go(func() error {
		v, err := o.store.BlockchainVersion(ctx)
		if err != nil {
			o.logger.Debug(ctx, "no stored blockchain version", "error", err)
			return nil
		}
		last = v
		return nil
	})

	sdk := o.inspector.SDKVersion()
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "version check failed")
		o.metrics.IncVersionCheck(ctx, false)
		o.logger.Error(ctx, "blockchain version check failed", "error", err, "last_version", last)
		o.emit(ctx, events.EventTypeMigrationBCVersionCheckFailed, "", map[string]any{
			"reason":       account.ErrorMessage(err),
			"last_version": last.String(),
			"sdk_version":  sdk.String(),
		})
		return domain.VersionUnknown, fmt.Errorf("failed to check blockchain version: %w", err)
	}

	if err := o.store.SetBlockchainVersion(ctx, remote); err != nil {
		o.logger.Warn(ctx, "failed to store blockchain version", "error", err)
	}
	o.metrics.IncVersionCheck(ctx, true)
	o.emit(ctx, events.EventTypeMigrationBCVersionCheckSucceeded, "", map[string]any{
		"version":     remote.String(),
		"sdk_version": sdk.String(),
	})
	return remote, nil
}

// FetchBlockchainVersion runs BlockchainVersion in the background and hands
// the result to cb on the main loop.
func (o *Orchestrator) FetchBlockchainVersion(ctx context.Context, cb func(domain.Version, error)) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		v, err := o.BlockchainVersion(ctx)
		o.exec.Execute(func() { cb(v, err) })
	}()
}

func (o *Orchestrator) emit(ctx context.Context, t events.EventType, address string, payload map[string]any) {
	var opts []events.EmitOption
	if address != "" {
		opts = append(opts, events.WithKey(address))
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if address != "" {
		payload["public_address"] = address
	}
	o.sink.Emit(ctx, events.NewEvent(t, payload, opts...))
}

