// Package server provides the HTTP surface of the snapshot service: metrics,
// health checks and a manual snapshot trigger.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imedwei/tree-snapshot-backup/internal/backup"
	"github.com/imedwei/tree-snapshot-backup/internal/health"
)

// Trigger starts an immediate snapshot run.
type Trigger interface {
	RunBackupNow(ctx context.Context) (*backup.RunResult, error)
}

// Server represents the HTTP server for metrics, health checks and the
// manual trigger.
type Server struct {
	server  *http.Server
	logger  *slog.Logger
	checker *health.Checker
}

// Config holds server configuration.
type Config struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Port:            8080,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// New creates a new HTTP server. ready gates /ready; trigger, if set, is
// exposed as POST /backup.
func New(config Config, trigger Trigger, ready func() error, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	mux := http.NewServeMux()
	checker := health.NewChecker()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", checker.Handler())
	mux.HandleFunc("GET /ready", health.ReadinessHandler(ready))
	mux.HandleFunc("GET /live", health.LivenessHandler())
	if trigger != nil {
		mux.HandleFunc("POST /backup", TriggerHandler(trigger, logger))
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return &Server{
		server:  server,
		logger:  logger,
		checker: checker,
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// RegisterHealthCheck registers a health check function.
func (s *Server) RegisterHealthCheck(name string, checkFunc health.CheckFunc) {
	s.checker.RegisterCheck(name, checkFunc)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

type triggerResponse struct {
	RunID        string  `json:"run_id,omitempty"`
	Bucket       string  `json:"bucket,omitempty"`
	Key          string  `json:"key,omitempty"`
	Size         int64   `json:"size,omitempty"`
	Strategy     string  `json:"strategy,omitempty"`
	Files        int     `json:"files,omitempty"`
	SkippedFiles int     `json:"skipped_files,omitempty"`
	Truncated    int     `json:"truncated_files,omitempty"`
	Pruned       int     `json:"pruned,omitempty"`
	Duration     string  `json:"duration,omitempty"`
	Rate         float64 `json:"bytes_per_second,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// TriggerHandler runs a snapshot synchronously and reports the result. A
// request that overlaps an active run gets 409. The run outlives a client
// disconnect.
func TriggerHandler(trigger Trigger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Runs take far longer than the server-wide write timeout.
		if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
			logger.Warn("Failed to clear write deadline", "error", err)
		}

		logger.Info("Manual snapshot requested", "remote_addr", r.RemoteAddr)
		result, err := trigger.RunBackupNow(context.WithoutCancel(r.Context()))
		switch {
		case errors.Is(err, backup.ErrRunInProgress):
			writeJSON(w, http.StatusConflict, triggerResponse{Error: err.Error()})
			return
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, triggerResponse{Error: err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, triggerResponse{
			RunID:        result.RunID,
			Bucket:       result.Bucket,
			Key:          result.Key,
			Size:         result.Size,
			Strategy:     result.Strategy.String(),
			Files:        result.Files,
			SkippedFiles: result.SkippedFiles,
			Truncated:    result.TruncatedFiles,
			Pruned:       result.Pruned,
			Duration:     result.Duration.String(),
			Rate:         result.BytesPerSecond,
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
