// Package eventbus implements the Event Bus (C9): a typed in-process
// publish/subscribe conduit. Generalized from the teacher's
// chainlens/backend/internal/websocket.Hub broadcast-channel plumbing,
// lifted out of WS framing into a standalone typed pub/sub any
// in-process consumer (the Subscription Hub, the Andon Engine) can use.
package eventbus

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType is one of the tagged event kinds named in spec.md §4.7.
type EventType string

const (
	LineStatusUpdate  EventType = "line_status_update"
	ProductionUpdate  EventType = "production_update"
	OEEUpdate         EventType = "oee_update"
	DowntimeEventType EventType = "downtime_event"
	JobAssigned       EventType = "job_assigned"
	JobStarted        EventType = "job_started"
	JobCompleted      EventType = "job_completed"
	JobCancelled      EventType = "job_cancelled"
	AndonEventType    EventType = "andon_event"
	EscalationUpdate  EventType = "escalation_update"
	QualityAlert      EventType = "quality_alert"
	ChangeoverStarted EventType = "changeover_started"
	ChangeoverCompleted EventType = "changeover_completed"
	SystemAlert       EventType = "system_alert"
)

// Event is the envelope carried by the bus.
type Event struct {
	Type        EventType
	Timestamp   time.Time
	Payload     interface{}
	RoutingKeys []string
}

// AuditSink records dropped deliveries for the append-only audit log.
type AuditSink interface {
	RecordDrop(subscriberID string, event Event)
}

// subscriber is one registered consumer of the bus.
type subscriber struct {
	id      string
	types   map[EventType]bool // nil/empty = all types
	ch      chan Event
	highWaterMark int
}

func (s *subscriber) wants(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	return s.types[t]
}

// Bus is the in-process typed publish/subscribe conduit. It does not
// retain history: delivery is fire-and-forget, at-most-once, per
// subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	audit       AuditSink
	log         zerolog.Logger
}

// New constructs an empty Bus.
func New(audit AuditSink, log zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string]*subscriber),
		audit:       audit,
		log:         log.With().Str("subsystem", "eventbus").Logger(),
	}
}

// Subscription is returned by Subscribe; callers read Events from Ch and
// must call Close when done.
type Subscription struct {
	ID string
	Ch <-chan Event
	bus *Bus
}

// Close unregisters the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.ID)
}

// Subscribe registers a new consumer. If types is empty, the subscriber
// receives every event type. bufferSize is the subscriber's bounded
// outbound queue (the "high-water mark" of spec.md §4.7).
func (b *Bus) Subscribe(id string, types []EventType, bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	typeSet := make(map[EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	sub := &subscriber{
		id:            id,
		types:         typeSet,
		ch:            make(chan Event, bufferSize),
		highWaterMark: bufferSize,
	}

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	return &Subscription{ID: id, Ch: sub.ch, bus: b}
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// Publish fans event out to every matching subscriber, non-blocking. A
// subscriber whose queue is full is skipped and the drop is audited; the
// subscriber itself is not removed (a persistently-full Hub subscriber is
// the Hub's concern to resolve per-connection, per spec.md §4.8).
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.log.Warn().Str("subscriber", sub.id).Str("event_type", string(event.Type)).Msg("subscriber queue full, dropping event")
			if b.audit != nil {
				b.audit.RecordDrop(sub.id, event)
			}
		}
	}
}

// Stats is a snapshot of bus occupancy, for introspection endpoints.
type Stats struct {
	SubscriberCount int
	QueueDepths     map[string]int
}

// Stats returns a point-in-time snapshot of subscriber queue depths.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	depths := make(map[string]int, len(b.subscribers))
	for id, sub := range b.subscribers {
		depths[id] = len(sub.ch)
	}
	return Stats{SubscriberCount: len(b.subscribers), QueueDepths: depths}
}
