// Package httptransport builds the HTTP listeners and runs them under the supervisor.
package httptransport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const defaultShutdownTimeout = 15 * time.Second

// ServerConfig contains tunables for the HTTP server.
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// NewServer creates *http.Server with provided handler. Event-stream responses clear
// their own write deadline, so WriteTimeout only bounds ordinary requests.
func NewServer(cfg ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Address,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

// Listener is the part of *http.Server the Service drives.
type Listener interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// Service runs a server as a supervised service and shuts it down gracefully when
// the supervisor context ends.
type Service struct {
	server          Listener
	name            string
	shutdownTimeout time.Duration
}

// NewService wraps server. A non-positive shutdownTimeout selects the default.
func NewService(name string, server Listener, shutdownTimeout time.Duration) *Service {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	return &Service{server: server, name: name, shutdownTimeout: shutdownTimeout}
}

// Serve blocks until ctx is cancelled or the listener fails.
func (s *Service) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s failed: %w", s.name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown: %w", s.name, err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *Service) String() string { return s.name }
