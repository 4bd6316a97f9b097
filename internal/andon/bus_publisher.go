package andon

import (
	"time"

	"github.com/google/uuid"

	"github.com/ms5/telemetry-engine/internal/eventbus"
	"github.com/ms5/telemetry-engine/pkg/models"
)

// BusPublisher implements Publisher against the Event Bus, routing
// Andon and escalation events to both the equipment-scoped and the
// Andon/escalation topic families so a client subscribed to either
// sees them.
type BusPublisher struct {
	bus *eventbus.Bus
}

// NewBusPublisher constructs a BusPublisher.
func NewBusPublisher(bus *eventbus.Bus) *BusPublisher {
	return &BusPublisher{bus: bus}
}

// PublishAndonEvent publishes one Andon event to its equipment and
// andon-topic subscribers.
func (p *BusPublisher) PublishAndonEvent(event models.AndonEvent) {
	if p.bus == nil {
		return
	}
	keys := []string{
		models.Subscription{Family: models.TopicEquipment, Target: event.EquipmentCode}.Key(),
		models.Subscription{Family: models.TopicAndon, Target: event.EquipmentCode}.Key(),
	}
	p.bus.Publish(eventbus.Event{
		Type:        eventbus.AndonEventType,
		Timestamp:   time.Now(),
		Payload:     event,
		RoutingKeys: keys,
	})
}

// PublishEscalation publishes one escalation-level change to the
// escalation topic family.
func (p *BusPublisher) PublishEscalation(eventID uuid.UUID, level int, recipients []string) {
	if p.bus == nil {
		return
	}
	payload := map[string]interface{}{
		"andon_event_id": eventID,
		"level":          level,
		"recipients":     recipients,
	}
	keys := []string{
		models.Subscription{Family: models.TopicEscalation, Target: eventID.String()}.Key(),
	}
	p.bus.Publish(eventbus.Event{
		Type:        eventbus.EscalationUpdate,
		Timestamp:   time.Now(),
		Payload:     payload,
		RoutingKeys: keys,
	})
}
