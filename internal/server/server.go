package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// shutdownGrace bounds graceful shutdown: in-flight requests get this
// long to finish before the listener is torn down.
const shutdownGrace = 10 * time.Second

// Config holds the server's runtime settings.
type Config struct {
	Addr        string // listen address, e.g. ":8384"
	StorageRoot string
}

// Server bundles the registry, delta engine, notification hub, and the
// HTTP listener.
type Server struct {
	cfg      Config
	registry *Registry
	delta    *DeltaEngine
	hub      *NotifyHub
	logger   *slog.Logger

	httpSrv *http.Server
}

// New creates a Server, loading existing directories from the storage
// root.
func New(cfg Config, logger *slog.Logger) (*Server, error) {
	registry, err := NewRegistry(cfg.StorageRoot, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		registry: registry,
		delta:    NewDeltaEngine(logger),
		hub:      NewNotifyHub(logger),
		logger:   logger,
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Registry exposes the directory registry (used by tests and
// diagnostics).
func (s *Server) Registry() *Registry { return s.registry }

// Handler returns the HTTP handler, for mounting under httptest.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Run serves until ctx is canceled, then shuts down gracefully and
// closes all directory state stores.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listening on %s: %w", s.cfg.Addr, err)
	}

	s.logger.Info("server listening", "addr", ln.Addr().String(), "storage", s.cfg.StorageRoot)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: serving: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown incomplete, closing", "error", err)
			s.httpSrv.Close()
		}

		return nil
	})

	err = g.Wait()
	s.registry.Close()
	s.logger.Info("server stopped")

	return err
}
