package eventbus

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPublishDeliversOnlyMatchingTypes(t *testing.T) {
	bus := New(nil, zerolog.Nop())
	sub := bus.Subscribe("hub", []EventType{OEEUpdate, DowntimeEventType}, 8)
	defer sub.Close()

	bus.Publish(Event{Type: ProductionUpdate, Payload: "ignored"})
	bus.Publish(Event{Type: OEEUpdate, Payload: "wanted"})

	select {
	case ev := <-sub.Ch:
		if ev.Type != OEEUpdate {
			t.Fatalf("expected OEEUpdate, got %v", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for matching event")
	}

	select {
	case ev := <-sub.Ch:
		t.Fatalf("expected no further events, got %v", ev.Type)
	default:
	}
}

func TestSubscribeWithNoTypesReceivesEverything(t *testing.T) {
	bus := New(nil, zerolog.Nop())
	sub := bus.Subscribe("andon", nil, 8)
	defer sub.Close()

	bus.Publish(Event{Type: SystemAlert})
	bus.Publish(Event{Type: JobCompleted})

	for i := 0; i < 2; i++ {
		select {
		case <-sub.Ch:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

type recordingAudit struct {
	drops []string
}

func (r *recordingAudit) RecordDrop(subscriberID string, event Event) {
	r.drops = append(r.drops, subscriberID)
}

func TestPublishDropsAndAuditsWhenQueueFull(t *testing.T) {
	audit := &recordingAudit{}
	bus := New(audit, zerolog.Nop())
	sub := bus.Subscribe("slow", nil, 1)
	defer sub.Close()

	bus.Publish(Event{Type: SystemAlert})
	bus.Publish(Event{Type: SystemAlert})

	if len(audit.drops) != 1 {
		t.Fatalf("expected exactly one recorded drop, got %d", len(audit.drops))
	}
	if audit.drops[0] != "slow" {
		t.Fatalf("expected drop recorded for 'slow', got %q", audit.drops[0])
	}
}

func TestStatsReportsQueueDepth(t *testing.T) {
	bus := New(nil, zerolog.Nop())
	sub := bus.Subscribe("watcher", nil, 4)
	defer sub.Close()

	bus.Publish(Event{Type: SystemAlert})
	bus.Publish(Event{Type: SystemAlert})

	stats := bus.Stats()
	if stats.SubscriberCount != 1 {
		t.Fatalf("expected 1 subscriber, got %d", stats.SubscriberCount)
	}
	if stats.QueueDepths["watcher"] != 2 {
		t.Fatalf("expected queue depth 2, got %d", stats.QueueDepths["watcher"])
	}
}
