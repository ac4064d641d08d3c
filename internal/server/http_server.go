package server

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// CreateServer creates an HTTP server with the given address and handler.
// There is no write timeout because hijacked WebSocket connections manage
// their own deadlines.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer listens until the server is shut down. A graceful shutdown is
// not reported as an error.
func StartServer(srv *http.Server, log *zap.Logger) error {
	log.Info("server listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "listen")
	}
	return nil
}

// ShutdownServer stops accepting HTTP requests and waits for in-flight ones
// until timeout.
func ShutdownServer(srv *http.Server, timeout time.Duration, log *zap.Logger) error {
	log.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
		return errors.Wrap(err, "shutdown")
	}

	log.Info("HTTP server shutdown completed")
	return nil
}
