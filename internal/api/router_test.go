package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ms5/telemetry-engine/internal/eventbus"
	"github.com/ms5/telemetry-engine/internal/hub"
	"github.com/ms5/telemetry-engine/internal/poller"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	bus := eventbus.New(nil, zerolog.Nop())
	h := hub.New(bus, []byte("test-secret"), zerolog.Nop())
	return NewServer(&poller.Poller{}, bus, h, zerolog.Nop())
}

func TestHealthReturnsOK(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyzReturnsOKWhenWired(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestReadyzReturnsUnavailableWhenHubMissing(t *testing.T) {
	bus := eventbus.New(nil, zerolog.Nop())
	s := NewServer(&poller.Poller{}, bus, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestStatsEndpointsAreMounted(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/api/v1/stats/poller", "/api/v1/stats/bus", "/api/v1/stats/hub"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)

		if w.Code == http.StatusNotFound {
			t.Errorf("route %s not found", path)
		}
	}
}

func TestWebSocketRouteRejectsUnauthenticatedHandshake(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code == http.StatusOK {
		t.Fatalf("expected a non-OK response for an unauthenticated, non-upgraded /ws request")
	}
}
