// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"storymap-sync/syncer"
)

// Syncer runs one sync.
type Syncer interface {
	Run(ctx context.Context) (*syncer.Summary, error)
}

// Store reads the published aggregate.
type Store interface {
	AggregateJSON(ctx context.Context) ([]byte, error)
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// Server handles HTTP requests.
type Server struct {
	syncer     Syncer
	store      Store
	metrics    http.Handler
	logger     *slog.Logger
	isNotFound IsNotFound
	running    sync.Mutex
}

// Config holds server configuration.
type Config struct {
	Syncer     Syncer
	Store      Store
	Metrics    http.Handler
	Logger     *slog.Logger
	IsNotFound IsNotFound
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		syncer:     cfg.Syncer,
		store:      cfg.Store,
		metrics:    cfg.Metrics,
		isNotFound: cfg.IsNotFound,
		logger:     cfg.Logger,
	}
}

// Handler returns the routes served by s.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/syncz", s.handleSync)
	mux.HandleFunc("/content.json", s.handleContent)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Serve listens on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,  // Time to read request headers and body
		WriteTimeout:      15 * time.Minute,  // A sync run answers only when it finishes
		IdleTimeout:       120 * time.Second, // Time to keep connection alive between requests
		ReadHeaderTimeout: 5 * time.Second,   // Time to read request headers only
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
		return
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.running.TryLock() {
		s.logger.Warn("Sync requested while another run is in progress")
		http.Error(w, "Sync already running", http.StatusConflict)
		return
	}
	defer s.running.Unlock()

	s.logger.Info("Sync endpoint triggered")

	// A run is never abandoned half way because the caller went away.
	summary, err := s.syncer.Run(context.WithoutCancel(r.Context()))
	if err != nil {
		s.logger.Error("Sync failed", "error", err)
		http.Error(w, "Sync failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(struct {
		*syncer.Summary
		Status string `json:"status"`
	}{Summary: summary, Status: "completed"}); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, err := s.store.AggregateJSON(r.Context())
	if err != nil {
		if s.isNotFound != nil && s.isNotFound(err) {
			http.Error(w, "No content published yet", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to load aggregate", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "public, max-age=60")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("Failed to write content response", "error", err)
	}
}
