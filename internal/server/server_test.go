package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/vigil/internal/config"
	"github.com/mbd888/vigil/internal/event"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port:                 "0",
		Env:                  "production", // release mode keeps test output quiet
		LogLevel:             "error",
		WindowDuration:       24 * time.Hour,
		MaxWindowSize:        1000,
		VolatilityCap:        50,
		DriftCap:             25,
		VarianceShiftCap:     30,
		AnomalyWeight:        1.5,
		RollupInterval:       time.Hour,
		RollupLogPath:        filepath.Join(t.TempDir(), "rollup.json"),
		RollupRetain:         24,
		AggregateMinInterval: time.Minute,
		RateLimitRPS:         100,
	}
}

func testServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		s.rateLimiter.Stop()
		s.bus.Close()
	})
	return s
}

func doRequest(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func envelope(t *testing.T, kind string, payload interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	out, err := json.Marshal(event.Envelope{Kind: kind, Payload: raw})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// ---------------------------------------------------------------------------
// Ingestion
// ---------------------------------------------------------------------------

func TestIngestValidEvent(t *testing.T) {
	s := testServer(t)

	body := envelope(t, event.KindScoreUpdated, event.ScoreUpdated{
		Key: "merchant:acme-01", PreviousScore: 80, NewScore: 74, Delta: -6,
	})
	w := doRequest(s, http.MethodPost, "/v1/events", body)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Accepted bool   `json:"accepted"`
		Kind     string `json:"kind"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Accepted || resp.Kind != event.KindScoreUpdated {
		t.Errorf("response = %+v", resp)
	}
}

func TestIngestUnknownKind(t *testing.T) {
	s := testServer(t)

	body := envelope(t, "score.exploded", map[string]string{"key": "merchant:acme-01"})
	w := doRequest(s, http.MethodPost, "/v1/events", body)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestIngestMissingKey(t *testing.T) {
	s := testServer(t)

	body := envelope(t, event.KindScoreUpdated, event.ScoreUpdated{Delta: -6})
	w := doRequest(s, http.MethodPost, "/v1/events", body)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestIngestMalformedKey(t *testing.T) {
	s := testServer(t)

	body := envelope(t, event.KindScoreUpdated, event.ScoreUpdated{
		Key: "has spaces in it", Delta: -6,
	})
	w := doRequest(s, http.MethodPost, "/v1/events", body)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestIngestNegativeAnomaly(t *testing.T) {
	s := testServer(t)

	body := envelope(t, event.KindAnomalyDetected, event.AnomalyDetected{
		Key: "merchant:acme-01", PercentChange: -0.4,
	})
	w := doRequest(s, http.MethodPost, "/v1/events", body)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Snapshot reads
// ---------------------------------------------------------------------------

func TestListSnapshotsEmpty(t *testing.T) {
	s := testServer(t)

	w := doRequest(s, http.MethodGet, "/v1/snapshots", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 0 {
		t.Errorf("count = %d, want 0", resp.Count)
	}
}

func TestSnapshotReadAfterTrackedEvent(t *testing.T) {
	s := testServer(t)

	// apply directly; the bus consumer loop only runs under Run
	s.tracker.Handle(event.ScoreUpdated{
		Key: "merchant:acme-01", PreviousScore: 80, NewScore: 74, Delta: -6, Severity: 3,
	})

	w := doRequest(s, http.MethodGet, "/v1/snapshots/merchant:acme-01", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var snap struct {
		Key          string  `json:"key"`
		CurrentScore float64 `json:"currentScore"`
		Events24h    int     `json:"events24h"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Key != "merchant:acme-01" || snap.CurrentScore != 74 || snap.Events24h != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestGetSnapshotNotFound(t *testing.T) {
	s := testServer(t)

	w := doRequest(s, http.MethodGet, "/v1/snapshots/merchant:unknown", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestGetSnapshotInvalidKeyParam(t *testing.T) {
	s := testServer(t)

	w := doRequest(s, http.MethodGet, "/v1/snapshots/:bad", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Aggregate reads
// ---------------------------------------------------------------------------

func TestAggregateHandler(t *testing.T) {
	s := testServer(t)
	s.accumulator.Handle(event.ScoreUpdated{
		Key: "merchant:acme-01", Domain: "acme.example", NewScore: 74, Delta: -6,
	})

	w := doRequest(s, http.MethodGet, "/v1/aggregate?scope=entity", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var snap event.AggregateSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.RequestedScope != event.ScopeEntity {
		t.Errorf("scope = %q, want entity", snap.RequestedScope)
	}
	if len(snap.EntityAggregate) != 1 || snap.DomainAggregate != nil {
		t.Errorf("aggregate = %+v", snap)
	}
}

func TestAggregateThrottled(t *testing.T) {
	s := testServer(t)

	if w := doRequest(s, http.MethodGet, "/v1/aggregate", nil); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}
	w := doRequest(s, http.MethodGet, "/v1/aggregate", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("throttled response missing Retry-After")
	}
}

func TestAggregateInvalidScope(t *testing.T) {
	s := testServer(t)

	w := doRequest(s, http.MethodGet, "/v1/aggregate?scope=galaxy", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestListRollupsEmpty(t *testing.T) {
	s := testServer(t)

	w := doRequest(s, http.MethodGet, "/v1/rollups", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Health & info
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := testServer(t)

	w := doRequest(s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
	if _, ok := resp.Checks["rolling_window"]; !ok {
		t.Error("health response missing rolling_window check")
	}
	if _, ok := resp.Checks["hourly_window"]; !ok {
		t.Error("health response missing hourly_window check")
	}
}

func TestLivenessAndReadiness(t *testing.T) {
	s := testServer(t)

	if w := doRequest(s, http.MethodGet, "/health/live", nil); w.Code != http.StatusOK {
		t.Errorf("liveness status = %d, want 200", w.Code)
	}
	// not ready until Run marks it
	if w := doRequest(s, http.MethodGet, "/health/ready", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness status = %d, want 503 before start", w.Code)
	}
}

func TestInfoEndpoint(t *testing.T) {
	s := testServer(t)

	w := doRequest(s, http.MethodGet, "/api", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := testServer(t)

	w := doRequest(s, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
