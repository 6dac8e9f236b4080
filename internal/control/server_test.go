package control_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/scionresearch/bioprocess-pipeline/internal/config"
	"github.com/scionresearch/bioprocess-pipeline/internal/control"
	"github.com/scionresearch/bioprocess-pipeline/internal/model"
	"github.com/scionresearch/bioprocess-pipeline/internal/perr"
)

// fakeOrchestrator implements control.Orchestrator for handler tests without
// a live TSDB or MQTT broker.
type fakeOrchestrator struct {
	running    bool
	cycleCount int
	processErr error
	resetCalls int
}

func (f *fakeOrchestrator) IsRunning() bool         { return f.running }
func (f *fakeOrchestrator) CycleCount() int         { return f.cycleCount }
func (f *fakeOrchestrator) Start(_ context.Context) { f.running = true }
func (f *fakeOrchestrator) Stop()                   { f.running = false }
func (f *fakeOrchestrator) ProcessWindow(_ context.Context) (model.FeatureSet, error) {
	if f.processErr != nil {
		return model.FeatureSet{}, f.processErr
	}
	return model.NewFeatureSet(time.Unix(0, 0)), nil
}
func (f *fakeOrchestrator) ResetBatch() { f.resetCalls++ }
func (f *fakeOrchestrator) QualityStats() model.QualityStats {
	return model.QualityStats{}
}
func (f *fakeOrchestrator) CumulativeHistory() model.CumulativeHistory {
	return model.CumulativeHistory{}
}

func newTestServer(orch *fakeOrchestrator) *control.Server {
	cfg := config.Defaults()
	cfg.TSDB.Token = "super-secret-token"
	metricsStub := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return control.NewServer("127.0.0.1:0", orch, &cfg, metricsStub, zap.NewNop())
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(&fakeOrchestrator{})
	rec := do(t, s.Handler(), http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	orch := &fakeOrchestrator{}
	s := newTestServer(orch)

	do(t, s.Handler(), http.MethodPost, "/start")
	do(t, s.Handler(), http.MethodPost, "/start")
	if !orch.running {
		t.Fatalf("expected running after /start")
	}

	do(t, s.Handler(), http.MethodPost, "/stop")
	do(t, s.Handler(), http.MethodPost, "/stop")
	if orch.running {
		t.Fatalf("expected not running after /stop")
	}
}

func TestProcessWindowSuccess(t *testing.T) {
	s := newTestServer(&fakeOrchestrator{})
	rec := do(t, s.Handler(), http.MethodPost, "/process-window")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestProcessWindowFailureMapsToHTTPStatus(t *testing.T) {
	// Any cycle failure, including a TransientIO from an unreachable TSDB,
	// is a one-shot cycle that failed end to end and maps to 500 — 503 is
	// reserved for an orchestrator that was never initialised, which cannot
	// happen once the Control Surface is serving requests.
	orch := &fakeOrchestrator{processErr: perr.Transient(errors.New("tsdb unreachable"), "read failed")}
	s := newTestServer(orch)
	rec := do(t, s.Handler(), http.MethodPost, "/process-window")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for a failed cycle, got %d", rec.Code)
	}
}

func TestResetIncrementsResetCalls(t *testing.T) {
	orch := &fakeOrchestrator{}
	s := newTestServer(orch)
	do(t, s.Handler(), http.MethodPost, "/reset")
	if orch.resetCalls != 1 {
		t.Fatalf("expected 1 reset call, got %d", orch.resetCalls)
	}
}

func TestConfigEndpointRedactsCredentials(t *testing.T) {
	s := newTestServer(&fakeOrchestrator{})
	rec := do(t, s.Handler(), http.MethodGet, "/config")

	var body struct {
		Data config.Config `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Data.TSDB.Token != "REDACTED" {
		t.Errorf("expected redacted token, got %q", body.Data.TSDB.Token)
	}
}

func TestEveryResponseCarriesTimestamp(t *testing.T) {
	s := newTestServer(&fakeOrchestrator{})
	rec := do(t, s.Handler(), http.MethodGet, "/status")

	var body struct {
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Timestamp == "" {
		t.Errorf("expected non-empty timestamp")
	}
	if _, err := time.Parse(time.RFC3339, body.Timestamp); err != nil {
		t.Errorf("expected RFC3339 timestamp, got %q: %v", body.Timestamp, err)
	}
}
