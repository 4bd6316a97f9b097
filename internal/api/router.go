// Package api mounts the engine's external HTTP/WS surface: liveness
// and readiness probes, the persistent WebSocket feed the Subscription
// Hub serves, and a small set of read-only introspection endpoints.
// Everything shaping or mutating production state (schedules, lines,
// jobs) is out of scope per spec.md's Non-goals; every handler here
// only ever reads from the components it is handed. Grounded on the
// teacher's internal/api/router.go (chi middleware stack, route
// grouping, Handler()) with the WebSocket upgrade and bearer-token
// handshake adapted from chainlens/backend/internal/api/middleware.go's
// AuthMiddleware and internal/hub's Authenticate/Connect.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ms5/telemetry-engine/internal/eventbus"
	"github.com/ms5/telemetry-engine/internal/hub"
	"github.com/ms5/telemetry-engine/internal/poller"
)

// Server mounts the engine's HTTP router. It holds only read-only
// handles into the running components: a poller for tick/failure
// introspection, an event bus for queue-depth introspection, and the
// subscription hub for both its connection stats and its WebSocket
// upgrade/auth path.
type Server struct {
	router   chi.Router
	poller   *poller.Poller
	bus      *eventbus.Bus
	hub      *hub.Hub
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewServer constructs a Server and wires its routes.
func NewServer(p *poller.Poller, bus *eventbus.Bus, h *hub.Hub, log zerolog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		poller: p,
		bus:    bus,
		hub:    h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log.With().Str("subsystem", "api").Logger(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.router.Get("/health", s.healthCheck)
	s.router.Get("/readyz", s.readyCheck)
	s.router.Get("/ws", s.serveWS)

	s.router.Route("/api/v1/stats", func(r chi.Router) {
		r.Get("/poller", s.pollerStats)
		r.Get("/bus", s.busStats)
		r.Get("/hub", s.hubStats)
	})
}

// Handler returns the root http.Handler, for http.Server.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}
