// Package control is the Control Surface: the HTTP operator interface over
// the Pipeline Orchestrator, plus the Prometheus scrape endpoint.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/scionresearch/bioprocess-pipeline/internal/config"
	"github.com/scionresearch/bioprocess-pipeline/internal/model"
)

// Orchestrator is the subset of *orchestrator.Orchestrator the Control
// Surface depends on, kept narrow so the server can be tested against a
// fake.
type Orchestrator interface {
	IsRunning() bool
	CycleCount() int
	Start(ctx context.Context)
	Stop()
	ProcessWindow(ctx context.Context) (model.FeatureSet, error)
	ResetBatch()
	QualityStats() model.QualityStats
	CumulativeHistory() model.CumulativeHistory
}

// Server is the Control Surface's HTTP server.
type Server struct {
	orch    Orchestrator
	cfg     *config.Config
	metrics http.Handler
	logger  *zap.Logger
	srv     *http.Server
}

// NewServer builds a Server bound to addr with all nine endpoints
// registered. metricsHandler serves the /metrics route directly (typically
// promhttp.HandlerFor(registry, ...)).
func NewServer(addr string, orch Orchestrator, cfg *config.Config, metricsHandler http.Handler, logger *zap.Logger) *Server {
	s := &Server{orch: orch, cfg: cfg, metrics: metricsHandler, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHealth)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/process-window", s.handleProcessWindow)
	mux.HandleFunc("/reset", s.handleReset)
	mux.HandleFunc("/quality-stats", s.handleQualityStats)
	mux.HandleFunc("/config", s.handleConfig)
	mux.Handle("/metrics", s.metrics)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the server's root http.Handler, exposed so tests can drive
// it with httptest without a real listener.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe blocks serving the Control Surface until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("control surface listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// envelope is the common response wrapper: every response carries a UTC
// timestamp per the external-interfaces design.
type envelope struct {
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Timestamp: time.Now().UTC().Format(time.RFC3339), Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Timestamp: time.Now().UTC().Format(time.RFC3339), Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":       s.orch.IsRunning(),
		"cycle_count":   s.orch.CycleCount(),
		"quality_stats": s.orch.QualityStats(),
		"cumulative":    s.orch.CumulativeHistory(),
	})
}

// handleStart is idempotent: starting an already-running worker is a no-op
// success. The worker's context keeps the request's values but not its
// cancellation, so the worker outlives the request until POST /stop.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.orch.Start(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

// handleStop is idempotent: stopping an already-stopped worker is a no-op
// success.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.orch.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

// handleProcessWindow runs one one-shot cycle and returns its FeatureSet.
// Always returns 500 if the cycle fails end to end, per the error-handling
// design — 503 is reserved for an orchestrator that was never initialised,
// which cannot happen here since NewServer requires one.
func (s *Server) handleProcessWindow(w http.ResponseWriter, r *http.Request) {
	fs, err := s.orch.ProcessWindow(r.Context())
	if err != nil {
		s.logger.Error("one-shot process-window failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fs)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.orch.ResetBatch()
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

func (s *Server) handleQualityStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.QualityStats())
}

// handleConfig echoes the effective configuration, redacting credentials.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	redacted := *s.cfg
	redacted.TSDB.Token = "REDACTED"
	redacted.Broker.Password = "REDACTED"
	writeJSON(w, http.StatusOK, redacted)
}
