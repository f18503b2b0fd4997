// Package transport serves the live status API of a run.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/batchload/internal/storage"
	"github.com/gateway-fm/batchload/pkg/types"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
	readyTimeout        = 2 * time.Second
)

// StatusProvider exposes the current run snapshot.
type StatusProvider interface {
	Status() types.RunStatus
}

// HealthChecker probes the RPC provider for readiness.
type HealthChecker interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// Config configures the status server. Everything but Status is optional.
type Config struct {
	Status   StatusProvider
	Store    storage.RunStore // nil disables /v1/history
	Health   HealthChecker    // nil makes /ready always succeed
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger

	// Comma-separated list of allowed origins; empty or "*" allows all.
	CORSAllowedOrigins string
}

// Server handles HTTP requests for the status API.
type Server struct {
	status    StatusProvider
	store     storage.RunStore
	health    HealthChecker
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	startTime time.Time
	hub       *WebSocketHub
	srv       *http.Server
	addr      string

	// CORS configuration
	corsAllowedOrigins []string // Parsed list of allowed origins
	corsAllowAll       bool     // True if "*" or empty (allow all origins)
}

// NewServer creates a new status server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	// Batch events are streamed to WebSocket clients as they happen
	hub := NewWebSocketHub(cfg.Status, logger)
	hub.Start()

	s := &Server{
		status:    cfg.Status,
		store:     cfg.Store,
		health:    cfg.Health,
		gatherer:  gatherer,
		logger:    logger,
		startTime: time.Now(),
		hub:       hub,
	}

	// Parse CORS allowed origins
	origins := strings.TrimSpace(cfg.CORSAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		s.corsAllowedOrigins = strings.Split(origins, ",")
		for i, o := range s.corsAllowedOrigins {
			s.corsAllowedOrigins[i] = strings.TrimSpace(o)
		}
	}

	return s
}

// Hub returns the WebSocket hub, which must be registered as a run observer.
func (s *Server) Hub() *WebSocketHub {
	return s.hub
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/history", s.corsMiddleware(s.handleHistory))
	mux.HandleFunc("/v1/history/", s.corsMiddleware(s.handleHistoryDetail))
	mux.HandleFunc("/v1/ws", s.hub.Handler())

	// Health endpoints (unversioned - standard Kubernetes probes)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	// Prometheus metrics (unversioned - standard path)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// Start listens on addr and serves in the background.
// Listen errors are returned synchronously.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.addr = ln.Addr().String()
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server stopped", slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("Status server listening", slog.String("addr", s.addr))
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	return s.addr
}

// Shutdown stops the hub and gracefully closes the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// handleStatus returns the current run snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.status == nil {
		s.writeJSONError(w, "No run attached", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, s.status.Status())
}

// handleHistory returns stored runs with optional pagination.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		s.writeJSONError(w, "Run history is not enabled", http.StatusNotFound)
		return
	}

	limit := defaultHistoryLimit
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= maxHistoryLimit {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	result, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to get history: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, result)
}

// RunDetail is a stored run with its per-batch events.
type RunDetail struct {
	Run     *types.RunReport   `json:"run"`
	Batches []types.BatchEvent `json:"batches"`
}

// handleHistoryDetail handles /v1/history/{id} and /v1/history/{id}/batches.
func (s *Server) handleHistoryDetail(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSONError(w, "Run history is not enabled", http.StatusNotFound)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/history/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeJSONError(w, "Missing run ID", http.StatusBadRequest)
		return
	}
	runID := parts[0]

	if len(parts) > 1 && parts[1] == "batches" {
		s.handleRunBatches(w, r, runID)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := s.store.DeleteRun(r.Context(), runID); err != nil {
			s.writeStoreError(w, "Failed to delete run", err)
			return
		}
		s.writeJSON(w, map[string]bool{"deleted": true})

	case http.MethodGet:
		run, err := s.store.GetRun(r.Context(), runID)
		if err != nil {
			s.writeStoreError(w, "Failed to get run", err)
			return
		}
		batches, err := s.store.GetBatches(r.Context(), runID)
		if err != nil {
			s.writeStoreError(w, "Failed to get batches", err)
			return
		}
		if batches == nil {
			batches = []types.BatchEvent{}
		}
		s.writeJSON(w, RunDetail{Run: run, Batches: batches})

	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRunBatches handles GET /v1/history/{id}/batches.
func (s *Server) handleRunBatches(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		s.writeStoreError(w, "Failed to get run", err)
		return
	}
	batches, err := s.store.GetBatches(r.Context(), runID)
	if err != nil {
		s.writeStoreError(w, "Failed to get batches", err)
		return
	}
	if batches == nil {
		batches = []types.BatchEvent{}
	}
	s.writeJSON(w, batches)
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok", "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady handles readiness probes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	ready := true

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		start := time.Now()
		_, err := s.health.ChainID(ctx)
		cancel()

		check := ReadinessCheck{
			Name:      "rpc",
			Status:    "ok",
			LatencyMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			check.Status = "failed"
			check.Error = err.Error()
			ready = false
		}
		checks = append(checks, check)
	}

	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"ready":  ready,
		"checks": checks,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, message string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		s.writeJSONError(w, "Run not found", http.StatusNotFound)
		return
	}
	s.writeJSONError(w, message+": "+err.Error(), http.StatusInternalServerError)
}

func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
