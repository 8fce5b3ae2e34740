package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/l0p7/mapinfo/internal/config"
)

// DefaultDrainTimeout bounds how long in-flight control calls (a /click
// waiting on a pp computation, say) may run once shutdown starts.
const DefaultDrainTimeout = 5 * time.Second

// Server exposes the agent's control surface: health, status, the rendered
// page, synthetic clicks, reloads and metrics. The listener is bound by Run;
// Bound reports the address once it is.
type Server struct {
	addr   string
	drain  time.Duration
	logger *slog.Logger
	srv    *http.Server

	bound chan struct{}
	mu    sync.Mutex
	ln    net.Listener
	once  sync.Once
}

func New(cfg config.Config, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: control handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	addr := net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port))
	return &Server{
		addr:   addr,
		drain:  DefaultDrainTimeout,
		logger: logger.With(slog.String("agent", "control")),
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		bound: make(chan struct{}),
	}, nil
}

// Addr is the bound address after Run has started listening, the
// configured one before.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Bound is closed once the listener accepts connections.
func (s *Server) Bound() <-chan struct{} { return s.bound }

// Run binds the listener and serves control calls until ctx ends, then
// drains open calls. It returns ctx.Err() after a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	close(s.bound)
	s.logger.Info("control surface listening", slog.String("address", ln.Addr().String()))

	serveErr := make(chan error, 1)
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	select {
	case <-ctx.Done():
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.drain)
		defer cancel()
		if err := s.shutdown(drainCtx); err != nil {
			return fmt.Errorf("server: drain: %w", err)
		}
		return ctx.Err()
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	}
}

func (s *Server) shutdown(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.logger.Info("control surface draining", slog.Duration("timeout", s.drain))
		err = s.srv.Shutdown(ctx)
	})
	return err
}
