package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ahrav/wallet-orchestrator/internal/app/lifecycle"
	"github.com/ahrav/wallet-orchestrator/internal/domain/account"
	"github.com/ahrav/wallet-orchestrator/internal/domain/events"
	"github.com/ahrav/wallet-orchestrator/internal/domain/migration"
)

type healthResponse struct {
	Status string `json:"status"`
	Build  string `json:"build,omitempty"`
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(r.Context(), w, http.StatusOK, healthResponse{Status: "ok", Build: s.cfg.Build})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			s.logger.Warn(r.Context(), "readiness check failed", "error", err)
			s.writeJSON(r.Context(), w, http.StatusServiceUnavailable, healthResponse{Status: "not ready"})
			return
		}
	}
	s.writeJSON(r.Context(), w, http.StatusOK, healthResponse{Status: "ready"})
}

type accountResponse struct {
	State          string `json:"state"`
	PersistedState string `json:"persisted_state"`
	Provisioned    bool   `json:"provisioned"`
	Error          string `json:"error,omitempty"`
}

func (s *Server) accountView() accountResponse {
	lc := s.cfg.Lifecycle
	return accountResponse{
		State:          lc.CurrentState().String(),
		PersistedState: lc.PersistedState().String(),
		Provisioned:    lc.IsProvisioned(),
		Error:          account.ErrorMessage(lc.Error()),
	}
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(r.Context(), w, http.StatusOK, s.accountView())
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.cfg.Lifecycle.Retry(r.Context())
	s.writeJSON(r.Context(), w, http.StatusAccepted, s.accountView())
}

func (s *Server) handleReprovision(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Lifecycle.Reprovision(r.Context()); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusAccepted, s.accountView())
}

type switchRequest struct {
	Index *int `json:"index"`
}

type switchResponse struct {
	Switched bool `json:"switched"`
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Index == nil || *req.Index < 0 {
		s.writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "index must be a non-negative integer"})
		return
	}

	ok, err := s.cfg.Lifecycle.SwitchAccount(r.Context(), *req.Index)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, switchResponse{Switched: ok})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Session.Login(r.Context()); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, s.accountView())
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Session.Logout(r.Context()); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type balanceResponse struct {
	Amount     string    `json:"amount"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
	StreamOpen bool      `json:"stream_open"`
}

func (s *Server) balanceView(b account.Balance) balanceResponse {
	return balanceResponse{Amount: b.String(), UpdatedAt: b.UpdatedAt, StreamOpen: s.cfg.Balances.StreamOpen()}
}

// handleBalance returns the cached balance, or the network balance when
// refresh=true.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") != "true" {
		s.writeJSON(r.Context(), w, http.StatusOK, s.balanceView(s.cfg.Balances.CachedBalance()))
		return
	}

	b, err := s.cfg.Balances.Balance(r.Context())
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, s.balanceView(b))
}

// handleBalanceStream pushes balance updates as server-sent events until the
// client goes away.
func (s *Server) handleBalanceStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	updates := make(chan account.Balance, 8)
	id, err := s.cfg.Balances.AddObserver(ctx, func(b account.Balance) {
		select {
		case updates <- b:
		default:
		}
	}, true)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	defer s.cfg.Balances.RemoveObserver(context.WithoutCancel(ctx), id, true)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case b := <-updates:
			data, err := json.Marshal(s.balanceView(b))
			if err != nil {
				s.logger.Error(ctx, "failed to encode balance", "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: balance\ndata: %s\n\n", data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Balances.Reconnect(r.Context()); err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusAccepted, s.balanceView(s.cfg.Balances.CachedBalance()))
}

type migrateRequest struct {
	Address string `json:"address"`
	Info    *struct {
		ShouldMigrate bool `json:"should_migrate"`
		IsRestorable  bool `json:"is_restorable"`
	} `json:"info"`
}

type migrateResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

// handleMigrate starts a migration and waits for its outcome.
func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req migrateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "invalid request"})
			return
		}
	}

	var info *migration.Info
	if req.Info != nil {
		info = &migration.Info{ShouldMigrate: req.Info.ShouldMigrate, IsRestorable: req.Info.IsRestorable}
	}

	done := make(chan *account.LedgerError, 1)
	s.cfg.Migrations.StartMigration(r.Context(), info, req.Address, migration.ListenerFuncs{
		End:   func() { done <- nil },
		Error: func(err *account.LedgerError) { done <- err },
	})

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.MigrationTimeout)
	defer cancel()

	select {
	case lerr := <-done:
		if lerr != nil {
			s.writeJSON(ctx, w, statusFor(lerr), migrateResponse{
				Status: "failed",
				Error:  account.ErrorMessage(lerr),
				Code:   lerr.Code.String(),
			})
			return
		}
		s.writeJSON(ctx, w, http.StatusOK, migrateResponse{Status: "completed"})
	case <-ctx.Done():
		s.writeJSON(r.Context(), w, http.StatusAccepted, migrateResponse{Status: "in_progress"})
	}
}

type versionResponse struct {
	Version string `json:"version"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.cfg.Migrations.BlockchainVersion(r.Context())
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, versionResponse{Version: v.String()})
}

type eventResponse struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Category  string         `json:"category"`
	Key       string         `json:"key,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var recorded []events.Event
	if s.cfg.Events != nil {
		recorded = s.cfg.Events.Events()
	}

	out := make([]eventResponse, 0, len(recorded))
	for _, e := range recorded {
		out = append(out, eventResponse{
			ID:        e.ID.String(),
			Type:      string(e.Type),
			Category:  string(e.Category()),
			Key:       e.Key,
			Timestamp: e.Timestamp,
			Payload:   e.Payload,
		})
	}
	s.writeJSON(r.Context(), w, http.StatusOK, out)
}

type errorResponse struct {
	Error string `json:"error"`
	Op    string `json:"op,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		ae *account.AuthError
		le *account.LedgerError
		se *account.ServerError
	)
	switch {
	case errors.Is(err, lifecycle.ErrReprovisionNotAllowed),
		errors.Is(err, account.ErrNoActiveAccount),
		errors.Is(err, migration.ErrMigrationInProgress):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &ae):
		return http.StatusUnauthorized
	case errors.As(err, &le):
		if le.Transient {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case errors.As(err, &se):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func opFor(err error) string {
	var (
		ae *account.AuthError
		le *account.LedgerError
		se *account.ServerError
	)
	switch {
	case errors.As(err, &ae):
		return ae.Op
	case errors.As(err, &le):
		return le.Op
	case errors.As(err, &se):
		return se.Op
	}
	return ""
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(ctx, "request failed", "error", err)
	}
	s.writeJSON(ctx, w, status, errorResponse{Error: account.ErrorMessage(err), Op: opFor(err)})
}

func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(ctx, "failed to encode response", "error", err)
	}
}
