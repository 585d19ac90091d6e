// Package server wires the registry, the interpreter service and the HTTP
// routes together and runs the HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/pyhost/internal/auth"
	"github.com/sakif/pyhost/internal/config"
	"github.com/sakif/pyhost/internal/executor"
	"github.com/sakif/pyhost/internal/handler"
	"github.com/sakif/pyhost/internal/interpreter"
	"github.com/sakif/pyhost/internal/middleware"
	sqliteRepo "github.com/sakif/pyhost/internal/repository/sqlite"
	"github.com/sakif/pyhost/internal/service"
)

// Server owns the database and the router.
type Server struct {
	router *chi.Mux
	config config.Config
	logger *slog.Logger
	db     *sqliteRepo.DB
}

// New opens the registry and builds the routes. exec runs every interpreter
// command; the caller owns it and closes it after Start returns.
func New(cfg config.Config, exec executor.Executor, logger *slog.Logger) (*Server, error) {
	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		db:     db,
	}

	if err := s.setupRoutes(exec); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}

	return s, nil
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases the database. Start calls it on the way out.
func (s *Server) Close() error {
	return s.db.Close()
}

func (s *Server) setupRoutes(exec executor.Executor) error {
	// Order matters: RequestID must run before the logger reads it, and
	// Recoverer must wrap everything below it.
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}` + "\n"))
	})

	adapters := service.NewAdapterFactory(exec, interpreter.Config{ExtensionRoot: s.config.ExtensionRoot}, s.logger)
	interpreterService := service.NewInterpreterService(s.db, adapters, s.logger)
	interpreterHandler := handler.NewInterpreterHandler(interpreterService, s.logger)

	var requireAuth func(http.Handler) http.Handler
	if s.config.JWTSecret != "" {
		tokens, err := auth.NewTokenService(s.config.JWTSecret)
		if err != nil {
			return fmt.Errorf("creating token service: %w", err)
		}
		requireAuth = auth.RequireAuth(tokens, s.logger)
	} else {
		s.logger.Warn("JWT secret not set, the API is unauthenticated")
	}

	s.router.Route("/api", func(r chi.Router) {
		if requireAuth != nil {
			r.Use(requireAuth)
		}
		interpreterHandler.Routes(r)
	})

	return nil
}

// Start listens until SIGINT/SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	defer s.db.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: streamed executions write for as long as the
		// process runs. Executions are bounded by their own timeouts.
		IdleTimeout: 60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
			slog.String("database", s.config.DBPath),
			slog.String("backend", s.config.Backend),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
