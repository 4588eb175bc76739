package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/arl/statsviz"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahrav/wallet-orchestrator/pkg/common/logger"
)

// DebugMux returns the handler for the debug listener: prometheus metrics
// under /metrics and live runtime charts under /debug/statsviz.
func DebugMux() (http.Handler, error) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())

	viz := http.NewServeMux()
	if err := statsviz.Register(viz); err != nil {
		return nil, fmt.Errorf("registering statsviz: %w", err)
	}
	r.Mount("/debug", viz)

	return r, nil
}

// RunMetricsServer serves DebugMux on addr until ctx is done.
func RunMetricsServer(ctx context.Context, addr string, log *logger.Logger) error {
	h, err := DebugMux()
	if err != nil {
		return err
	}
	return Serve(ctx, &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}, 5*time.Second, log)
}

// Serve runs srv until ctx is done, then shuts it down within shutdownTimeout.
func Serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, log *logger.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "startup", "status", "http listener started", "host", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		log.Info(shutdownCtx, "shutdown", "status", "http listener stopped", "host", srv.Addr)
		return nil
	}
}
