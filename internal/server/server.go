// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package server provides the REST and WebSocket API for fetch jobs.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/bodaay/datafetch/pkg/datafetch"
)

// Config holds server configuration.
type Config struct {
	Addr           string
	Port           int
	DataDir        string // Not configurable via API
	SettingsPath   string // Defaults to the settings file inside DataDir
	AllowedOrigins []string
	Version        string

	Registry *datafetch.Registry
	Fetchers datafetch.Fetchers
	// Retry overrides the default retry policy when set.
	Retry *datafetch.RetryPolicy
	// Env looks up DATA_MODE/NOTEBOOK_MODE; nil means os.Getenv.
	Env    func(string) string
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:    "0.0.0.0",
		Port:    8080,
		DataDir: "data",
		Version: "dev",
	}
}

// Server is the HTTP server for datafetch.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	registry   *datafetch.Registry
	settings   *datafetch.SettingsStore
	orch       *datafetch.Orchestrator
	jobs       *JobManager
	wsHub      *WSHub
}

// New creates a server. Registry and Fetchers are required.
func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("server: nil registry")
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultConfig().DataDir
	}
	if cfg.SettingsPath == "" {
		cfg.SettingsPath = datafetch.DefaultSettingsPath(cfg.DataDir)
	}
	if cfg.Env == nil {
		cfg.Env = os.Getenv
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	orch, err := datafetch.NewOrchestrator(cfg.Registry, cfg.Fetchers, datafetch.Layout{Root: cfg.DataDir})
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	if cfg.Retry != nil {
		orch.Retry = *cfg.Retry
	}
	orch.Logger = logger

	wsHub := NewWSHub(logger)
	s := &Server{
		config:   cfg,
		logger:   logger,
		registry: cfg.Registry,
		settings: datafetch.NewSettingsStore(cfg.SettingsPath),
		orch:     orch,
		wsHub:    wsHub,
	}
	s.jobs = NewJobManager(orch, cfg.Registry, s.resolve, wsHub, logger)
	go wsHub.Run()
	return s, nil
}

// Close cancels running jobs and stops the WebSocket hub.
func (s *Server) Close() {
	s.jobs.Shutdown()
	s.wsHub.Close()
}

// resolve applies the mode precedence with the request's mode as the flag.
func (s *Server) resolve(flag string) (datafetch.Resolution, error) {
	return datafetch.Resolve(datafetch.ResolveInput{
		Flag:     flag,
		Env:      s.config.Env,
		Settings: s.settings,
	})
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)
	return s.corsMiddleware(s.loggingMiddleware(mux))
}

// ListenAndServe starts the HTTP server and blocks until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Addr, fmt.Sprint(s.config.Port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("server starting", "addr", "http://"+addr, "data_dir", s.config.DataDir, "datasets", s.registry.Len())

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// registerAPIRoutes sets up all API endpoints.
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /api/health", s.handleHealth)

	// Mode
	mux.HandleFunc("GET /api/mode", s.handleGetMode)
	mux.HandleFunc("POST /api/mode", s.handleSetMode)

	// Registry and local state
	mux.HandleFunc("GET /api/datasets", s.handleListDatasets)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	// Fetch jobs
	mux.HandleFunc("POST /api/fetch", s.handleStartFetch)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleCancelJob)

	// WebSocket
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		// Allow same-origin and configured origins
		if origin != "" {
			allowed := false
			if len(s.config.AllowedOrigins) == 0 {
				// Default: allow same host
				allowed = true
			} else {
				for _, o := range s.config.AllowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
