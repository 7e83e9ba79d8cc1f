package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/funnyzak/tapkit/internal/logger"
)

const shutdownTimeout = 30 * time.Second

// Server runs the inspection API on its own listener.
type Server struct {
	service *Service
	logger  logger.Logger
	httpSrv *http.Server
}

// NewServer wraps svc in an HTTP server bound to listen.
func NewServer(listen string, svc *Service, log logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		service: svc,
		logger:  log,
		httpSrv: &http.Server{
			Addr:        listen,
			Handler:     svc.Handler(),
			ReadTimeout: 30 * time.Second,
			// export streams and websockets outlive a fixed write timeout
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("Starting inspection server", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.service.Close()
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down inspection server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// hijacked websocket connections are not tracked by Shutdown
	s.service.Close()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Server forced to shutdown", "error", err)
		return err
	}
	s.logger.Info("Inspection server exited")
	return nil
}
