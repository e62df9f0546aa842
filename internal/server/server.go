// Package server exposes the progress sync protocol over HTTP: e-reader
// devices push and pull reading positions here, and accepted pushes feed the
// reconciliation engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bookmarkd/bookmarkd/internal/store"
)

// Notifier receives change notifications for accepted updates.
type Notifier interface {
	Notify(bookID string)
}

// Suppressor recognizes pushes that echo a position this process wrote to the
// device itself. Echoes are persisted but must not feed back into the
// notifier.
type Suppressor interface {
	IsOwnWrite(service, bookID string, percentage float64) bool
}

// DefaultEpsilon is how far backwards a pushed position may move before it
// is rejected as a regression. Small negative movements are page-boundary
// rounding, not a re-read.
const DefaultEpsilon = 0.001

// Config holds server configuration.
type Config struct {
	// Addr is the listen address (default :8282).
	Addr string
	// Users maps sync usernames to key digests for header auth. An empty
	// map disables the server's push surface entirely.
	Users map[string]string
	// ServiceName is the service the stored records belong to
	// (default "ereader").
	ServiceName string
	// Epsilon is the furthest-wins regression allowance.
	Epsilon float64

	Store      store.Store
	Notifier   Notifier
	Suppressor Suppressor
	Logger     *slog.Logger
}

// Server is the progress protocol HTTP server.
type Server struct {
	cfg        Config
	httpServer *http.Server
	logger     *slog.Logger

	mu      sync.RWMutex
	users   map[string]string
	epsilon float64

	running bool
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("server: store is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8282"
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "ereader"
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = DefaultEpsilon
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "server"),
		users:   cfg.Users,
		epsilon: cfg.Epsilon,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthcheck", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/users/auth", s.handleAuthCheck)
		r.Put("/syncs/progress", s.handlePutProgress)
		r.Get("/syncs/progress/{document}", s.handleGetProgress)
	})

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// SetUsers swaps the auth table. Called on config hot reload.
func (s *Server) SetUsers(users map[string]string) {
	s.mu.Lock()
	s.users = users
	s.mu.Unlock()
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start runs the server. It blocks until the context is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			s.setNotRunning()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.shutdown()
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
	s.setNotRunning()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
