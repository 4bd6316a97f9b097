package plcdriver

import (
	"context"
	"testing"

	"github.com/ms5/telemetry-engine/pkg/models"
)

func TestReadAllTagsProducesRunningSnapshot(t *testing.T) {
	d := NewSimulatedDriver([]string{"EQ1"}, 60, 1)
	snap, err := d.ReadAllTags(context.Background(), "EQ1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.CommunicationStatus != models.CommOK {
		t.Fatalf("expected comm ok, got %s", snap.CommunicationStatus)
	}
	if running, _ := snap.TagValues["running"].(bool); !running {
		t.Fatal("expected running to be true")
	}
}

func TestReadAllTagsUnknownEquipmentFails(t *testing.T) {
	d := NewSimulatedDriver([]string{"EQ1"}, 60, 1)
	if _, err := d.ReadAllTags(context.Background(), "EQ9"); err == nil {
		t.Fatal("expected error for unknown equipment code")
	}
}

func TestInjectCommunicationLossReportsLostForNTicks(t *testing.T) {
	d := NewSimulatedDriver([]string{"EQ1"}, 60, 1)
	d.InjectCommunicationLoss("EQ1", 2)

	for i := 0; i < 2; i++ {
		snap, err := d.ReadAllTags(context.Background(), "EQ1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if snap.CommunicationStatus != models.CommLost {
			t.Fatalf("tick %d: expected comm lost, got %s", i, snap.CommunicationStatus)
		}
	}

	snap, err := d.ReadAllTags(context.Background(), "EQ1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.CommunicationStatus != models.CommOK {
		t.Fatalf("expected recovery to comm ok, got %s", snap.CommunicationStatus)
	}
}

func TestSetRunningStopsProduction(t *testing.T) {
	d := NewSimulatedDriver([]string{"EQ1"}, 60, 1)
	d.SetRunning("EQ1", false)

	snap, err := d.ReadAllTags(context.Background(), "EQ1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if running, _ := snap.TagValues["running"].(bool); running {
		t.Fatal("expected running to be false after SetRunning(false)")
	}
}

func TestSetFaultBitReflectedInSnapshot(t *testing.T) {
	d := NewSimulatedDriver([]string{"EQ1"}, 60, 1)
	d.SetFaultBit("EQ1", 5, true)

	snap, err := d.ReadAllTags(context.Background(), "EQ1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !snap.FaultBits[5] {
		t.Fatal("expected fault bit 5 to be set")
	}
	if len(snap.ActiveAlarms) == 0 {
		t.Fatal("expected an active alarm to be reported")
	}
}
