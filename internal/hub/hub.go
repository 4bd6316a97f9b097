// Package hub implements the Subscription Hub (C10): it owns every
// client's persistent full-duplex connection and fans Event Bus traffic
// out to whichever connections are subscribed to a matching routing key.
// Adapted near-directly from the teacher's
// chainlens/backend/internal/websocket.Hub (register/unregister channels,
// per-channel client sets, ReadPump/WritePump ping-pong), replacing
// blockchain channel names with production topic/target keys and adding
// JWT handshake authentication.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ms5/telemetry-engine/internal/eventbus"
	"github.com/ms5/telemetry-engine/pkg/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// OutboundMessage is the envelope written to every subscribed client.
type OutboundMessage struct {
	Type      string      `json:"type"`
	Topic     string      `json:"topic,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Error     string      `json:"error,omitempty"`
}

// Client is one authenticated WebSocket connection.
type Client struct {
	id            string
	conn          *websocket.Conn
	hub           *Hub
	send          chan []byte
	subscriptions map[string]bool
	mu            sync.RWMutex
	userID        string
}

// Hub manages every connected Client and the topic subscription index.
type Hub struct {
	clients    map[*Client]bool
	topics     map[string]map[*Client]bool // Subscription.Key() -> clients
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	stopCh     chan struct{}
	jwtSecret  []byte
	events     *eventbus.Subscription
	bus        *eventbus.Bus
	log        zerolog.Logger
}

// New constructs a Hub wired to bus for inbound events. jwtSecret
// authenticates the WebSocket handshake token.
func New(bus *eventbus.Bus, jwtSecret []byte, log zerolog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		topics:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopCh:     make(chan struct{}),
		jwtSecret:  jwtSecret,
		bus:        bus,
		log:        log.With().Str("subsystem", "hub").Logger(),
	}
	return h
}

// Run starts the hub's dispatch loop; blocks until Stop is called.
func (h *Hub) Run(ctx context.Context) {
	if h.bus != nil {
		h.events = h.bus.Subscribe("hub", nil, 4096)
		defer h.events.Close()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.removeClient(client)
		case ev, ok := <-h.eventsChan():
			if !ok {
				return
			}
			h.dispatch(ev)
		}
	}
}

func (h *Hub) eventsChan() <-chan eventbus.Event {
	if h.events == nil {
		return nil
	}
	return h.events.Ch
}

// Stop shuts the hub down, closing every client connection.
func (h *Hub) Stop() {
	select {
	case <-h.stopCh:
	default:
		close(h.stopCh)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		client.conn.Close()
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for topic := range client.subscriptions {
		if clients, ok := h.topics[topic]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.topics, topic)
			}
		}
	}
}

// dispatch delivers one bus event to every client subscribed to any of
// its routing keys, marshaling the payload once and enqueueing per
// matching connection's bounded send queue (closing code 1011 on
// overflow, per spec.md §4.8).
func (h *Hub) dispatch(ev eventbus.Event) {
	msg := OutboundMessage{Type: string(ev.Type), Data: ev.Payload, Timestamp: ev.Timestamp}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to marshal outbound event")
		return
	}

	seen := make(map[*Client]bool)
	h.mu.RLock()
	for _, key := range ev.RoutingKeys {
		for client := range h.topics[key] {
			if seen[client] {
				continue
			}
			seen[client] = true
			select {
			case client.send <- data:
			default:
				go h.closeOverflowing(client)
			}
		}
	}
	h.mu.RUnlock()
}

func (h *Hub) closeOverflowing(client *Client) {
	h.log.Warn().Str("client_id", client.id).Msg("client send queue overflowed, closing connection")
	client.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(1011, "send queue overflow"), time.Now().Add(writeWait))
	h.unregister <- client
}

// subscribe/unsubscribe wire one client into/out of a topic's client set.
func (h *Hub) subscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.topics[topic]; !ok {
		h.topics[topic] = make(map[*Client]bool)
	}
	h.topics[topic][client] = true

	client.mu.Lock()
	client.subscriptions[topic] = true
	client.mu.Unlock()
}

func (h *Hub) unsubscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.topics[topic]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.topics, topic)
		}
	}
	client.mu.Lock()
	delete(client.subscriptions, topic)
	client.mu.Unlock()
}

// Stats is the hub's point-in-time occupancy, for introspection endpoints.
type Stats struct {
	TotalClients int            `json:"total_clients"`
	TotalTopics  int            `json:"total_topics"`
	TopicClients map[string]int `json:"topic_clients"`
}

// Stats returns a snapshot of connected clients and topic fan-out.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	topicStats := make(map[string]int, len(h.topics))
	for topic, clients := range h.topics {
		topicStats[topic] = len(clients)
	}
	return Stats{TotalClients: len(h.clients), TotalTopics: len(h.topics), TopicClients: topicStats}
}

// Authenticate validates a bearer token against the hub's JWT secret,
// returning the subject claim as the connecting user's identity.
func (h *Hub) Authenticate(tokenString string) (string, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return h.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", websocket.ErrBadHandshake
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", websocket.ErrBadHandshake
	}
	return sub, nil
}

// Connect upgrades conn into a managed Client and starts its pumps.
// Callers are expected to have already performed the HTTP upgrade and
// JWT validation (see internal/api); ctx governs the connection's
// lifetime.
func (h *Hub) Connect(ctx context.Context, conn *websocket.Conn, clientID, userID string) {
	client := &Client{
		id:            clientID,
		conn:          conn,
		hub:           h,
		send:          make(chan []byte, sendBufferSize),
		subscriptions: make(map[string]bool),
		userID:        userID,
	}
	h.register <- client

	go client.writePump(ctx)
	client.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(data)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// clientMessage is the inbound client protocol: subscribe, unsubscribe,
// ping, get_stats, get_subscriptions.
type clientMessage struct {
	Type        string `json:"type"`
	TopicFamily string `json:"topic_family"`
	Target      string `json:"target"`
}

func (c *Client) handleMessage(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendJSON(OutboundMessage{Type: "error", Error: "invalid message format", Timestamp: time.Now()})
		return
	}

	switch msg.Type {
	case "subscribe":
		sub := models.Subscription{Family: models.TopicFamily(msg.TopicFamily), Target: msg.Target}
		c.hub.subscribe(c, sub.Key())
		c.sendJSON(OutboundMessage{Type: "subscription_confirmed", Topic: sub.Key(), Timestamp: time.Now()})

	case "unsubscribe":
		sub := models.Subscription{Family: models.TopicFamily(msg.TopicFamily), Target: msg.Target}
		c.hub.unsubscribe(c, sub.Key())
		c.sendJSON(OutboundMessage{Type: "unsubscription_confirmed", Topic: sub.Key(), Timestamp: time.Now()})

	case "ping":
		c.sendJSON(OutboundMessage{Type: "pong", Timestamp: time.Now()})

	case "get_stats":
		c.sendJSON(OutboundMessage{Type: "connection_stats", Data: c.hub.Stats(), Timestamp: time.Now()})

	case "get_subscriptions":
		c.mu.RLock()
		topics := make([]string, 0, len(c.subscriptions))
		for t := range c.subscriptions {
			topics = append(topics, t)
		}
		c.mu.RUnlock()
		c.sendJSON(OutboundMessage{Type: "subscription_details", Data: topics, Timestamp: time.Now()})

	default:
		c.sendJSON(OutboundMessage{Type: "error", Error: "unknown message type", Timestamp: time.Now()})
	}
}

func (c *Client) sendJSON(msg OutboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
