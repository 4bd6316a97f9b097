package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ms5/telemetry-engine/internal/eventbus"
)

func TestPollerStatsReportsFailureCountForRequestedEquipment(t *testing.T) {
	s := newTestServer(t)
	s.poller.FailureCount("EQ1") // zero-value read, establishes the map exists only implicitly

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats/poller?equipment_code=EQ1", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["equipment_code"] != "EQ1" {
		t.Errorf("equipment_code = %v, want EQ1", body["equipment_code"])
	}
	if _, ok := body["failure_count"]; !ok {
		t.Error("expected failure_count in response")
	}
}

func TestPollerStatsOmitsFailureCountWithoutEquipmentCode(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats/poller", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := body["failure_count"]; ok {
		t.Error("did not expect failure_count without an equipment_code query parameter")
	}
}

func TestBusStatsReportsSubscriberCount(t *testing.T) {
	s := newTestServer(t)
	sub := s.bus.Subscribe("test-subscriber", nil, 8)
	defer sub.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats/bus", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var stats eventbus.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stats.SubscriberCount != 1 {
		t.Errorf("SubscriberCount = %d, want 1", stats.SubscriberCount)
	}
}

func TestServeWSRejectsNonUpgradeRequestWithBadToken(t *testing.T) {
	s := newTestServer(t)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	// A request lacking the Upgrade header never reaches the handshake
	// upgrade path; it should fail the handshake outright rather than
	// silently succeed.
	resp, err := http.Get(srv.URL + "/ws?token=not-a-valid-token")
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		t.Fatalf("expected a non-OK status for an unauthenticated, non-upgraded /ws request, got %d", resp.StatusCode)
	}
}
