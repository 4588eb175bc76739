// Package api exposes the wallet provisioning core over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/wallet-orchestrator/internal/app/balance"
	"github.com/ahrav/wallet-orchestrator/internal/domain/account"
	"github.com/ahrav/wallet-orchestrator/internal/domain/events"
	"github.com/ahrav/wallet-orchestrator/internal/domain/migration"
	"github.com/ahrav/wallet-orchestrator/pkg/common/logger"
	"github.com/ahrav/wallet-orchestrator/pkg/common/otel"
)

// Lifecycle is the account lifecycle surface the API drives.
type Lifecycle interface {
	CurrentState() account.State
	PersistedState() account.State
	IsProvisioned() bool
	Error() error
	Retry(ctx context.Context)
	Reprovision(ctx context.Context) error
	SwitchAccount(ctx context.Context, index int) (bool, error)
}

// Migrations is the migration surface the API drives.
type Migrations interface {
	StartMigration(ctx context.Context, info *migration.Info, address string, listener migration.Listener)
	BlockchainVersion(ctx context.Context) (migration.Version, error)
}

// Balances is the balance surface the API reads.
type Balances interface {
	CachedBalance() account.Balance
	Balance(ctx context.Context) (account.Balance, error)
	AddObserver(ctx context.Context, fn balance.Observer, startStreaming bool) (uuid.UUID, error)
	RemoveObserver(ctx context.Context, id uuid.UUID, stopStreaming bool)
	Reconnect(ctx context.Context) error
	StreamOpen() bool
}

// Session logs the user in and out.
type Session interface {
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
}

// EventLog lists recently emitted telemetry.
type EventLog interface {
	Events() []events.Event
}

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Build  string
	Log    *logger.Logger
	Tracer trace.Tracer

	Metrics    APIMetrics
	Lifecycle  Lifecycle
	Migrations Migrations
	Balances   Balances
	Session    Session
	Events     EventLog

	// Ready reports whether backing stores are reachable. Nil means always ready.
	Ready func(ctx context.Context) error
	// MigrationTimeout bounds how long a migration request waits for its outcome.
	MigrationTimeout time.Duration
}

// Server serves the wallet API.
type Server struct {
	cfg    Config
	logger *logger.Logger
	router *chi.Mux
}

// NewServer creates a Server with every route bound.
func NewServer(cfg Config) *Server {
	if cfg.MigrationTimeout <= 0 {
		cfg.MigrationTimeout = 30 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otel.Middleware(cfg.Tracer))
	r.Use(requestMiddleware(cfg.Log, cfg.Metrics))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:    cfg,
		logger: cfg.Log.With("component", "api"),
		router: r,
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func requestMiddleware(log *logger.Logger, metrics APIMetrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				route := r.URL.Path
				if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
					route = rctx.RoutePattern()
				}
				metrics.IncRequestsTotal(ctx, r.Method, route, ww.Status())
				metrics.ObserveRequestDuration(ctx, r.Method, route, time.Since(start))

				log.Info(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
					"span_id", otel.GetSpanID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/liveness", s.handleLiveness)
		r.Get("/readiness", s.handleReadiness)

		r.Get("/account", s.handleAccount)
		r.Post("/account/retry", s.handleRetry)
		r.Post("/account/reprovision", s.handleReprovision)
		r.Post("/account/switch", s.handleSwitch)

		r.Post("/session/login", s.handleLogin)
		r.Post("/session/logout", s.handleLogout)

		r.Get("/balance", s.handleBalance)
		r.Get("/balance/stream", s.handleBalanceStream)
		r.Post("/balance/reconnect", s.handleReconnect)

		r.Post("/migration", s.handleMigrate)
		r.Get("/migration/version", s.handleVersion)

		r.Get("/events", s.handleEvents)
	})
}
