// Package server exposes the query interface and background stage runs over
// HTTP, with job progress streamed on a websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/enrybds/sayless/internal/service"
)

// Server serves the HTTP API. Search may be nil when no embedding provider
// is configured.
type Server struct {
	pipeline  *service.Pipeline
	generator *service.Generator
	search    *service.SearchService
	jobs      *service.JobManager
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	// wsInterval is how often job snapshots are pushed.
	wsInterval time.Duration
}

// New creates a server.
func New(p *service.Pipeline, gen *service.Generator, search *service.SearchService, jobs *service.JobManager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		pipeline:  p,
		generator: gen,
		search:    search,
		jobs:      jobs,
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local dev
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		wsInterval: 500 * time.Millisecond,
	}
}

// Handler returns the routed, logged handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	mux.HandleFunc("POST /api/generate", s.handleGenerate)
	mux.HandleFunc("POST /api/generate/batch", s.handleGenerateBatch)
	mux.HandleFunc("POST /api/rank", s.handleRank)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/index", s.handleIndex)
	mux.HandleFunc("POST /api/runs/{stage}", s.handleRun)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleCancelJob)
	mux.HandleFunc("GET /ws/jobs/{id}", s.handleJobSocket)

	return LoggingMiddleware(s.logger, mux)
}

// Run serves on addr until ctx is canceled, then stops accepting requests
// and pauses running jobs.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for LLM responses
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 40*time.Second)
	defer cancel()

	var errs []error
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http: %w", err))
	}
	if err := s.jobs.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("wait for jobs: %w", err))
	}
	s.logger.Info("server stopped")
	return errors.Join(errs...)
}
