package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ms5/telemetry-engine/internal/eventbus"
	"github.com/ms5/telemetry-engine/internal/hub"
)

// healthCheck is the liveness probe: if the process can answer HTTP at
// all, it is live.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// readyCheck is the readiness probe: the poller and hub must exist and
// be wired before the engine is ready to serve real traffic.
func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if s.poller == nil || s.hub == nil {
		respondError(w, http.StatusServiceUnavailable, "engine not fully wired")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

// serveWS upgrades an authenticated connection to the Subscription
// Hub's client protocol. The bearer token travels in the query string
// (browsers cannot set arbitrary headers on a WebSocket handshake); an
// invalid or expired token closes the connection with code 1008 right
// after upgrading, per spec.md §6.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}

	userID, err := s.hub.Authenticate(token)
	if err != nil {
		conn, upErr := s.upgrader.Upgrade(w, r, nil)
		if upErr != nil {
			respondError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(1008, "invalid or expired token"), time.Now().Add(5*time.Second))
		conn.Close()
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	clientID := r.Header.Get("X-Request-ID")
	if clientID == "" {
		clientID = userID + ":" + time.Now().UTC().Format(time.RFC3339Nano)
	}
	s.hub.Connect(r.Context(), conn, clientID, userID)
}

// pollerStats reports the poller's rolling tick-duration window and,
// when an equipment code is given, its current consecutive-failure
// streak.
func (s *Server) pollerStats(w http.ResponseWriter, r *http.Request) {
	durations := s.poller.TickDurations()
	millis := make([]float64, len(durations))
	for i, d := range durations {
		millis[i] = float64(d) / float64(time.Millisecond)
	}

	resp := map[string]interface{}{
		"tick_durations_ms": millis,
	}
	if eq := r.URL.Query().Get("equipment_code"); eq != "" {
		resp["equipment_code"] = eq
		resp["failure_count"] = s.poller.FailureCount(eq)
	}
	respondJSON(w, http.StatusOK, resp)
}

// busStats reports the event bus's per-subscriber queue depths.
func (s *Server) busStats(w http.ResponseWriter, r *http.Request) {
	var stats eventbus.Stats
	if s.bus != nil {
		stats = s.bus.Stats()
	}
	respondJSON(w, http.StatusOK, stats)
}

// hubStats reports the subscription hub's connected-client and topic
// fan-out occupancy.
func (s *Server) hubStats(w http.ResponseWriter, r *http.Request) {
	var stats hub.Stats
	if s.hub != nil {
		stats = s.hub.Stats()
	}
	respondJSON(w, http.StatusOK, stats)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}
