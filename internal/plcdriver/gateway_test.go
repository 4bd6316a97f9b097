package plcdriver

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ms5/telemetry-engine/pkg/models"
)

func TestGatewayDriverReturnsBufferedSnapshotImmediately(t *testing.T) {
	g := NewGatewayDriver(zerolog.Nop())
	g.HandleNodeConnect("EQ1")
	g.HandleSnapshot(models.RawSnapshot{EquipmentCode: "EQ1", CommunicationStatus: models.CommOK})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	snap, err := g.ReadAllTags(ctx, "EQ1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.EquipmentCode != "EQ1" {
		t.Fatalf("expected EQ1 snapshot, got %q", snap.EquipmentCode)
	}
}

func TestGatewayDriverUnconnectedNodeFailsFast(t *testing.T) {
	g := NewGatewayDriver(zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := g.ReadAllTags(ctx, "EQ1"); err == nil {
		t.Fatal("expected error for a node with no connection")
	}
}

func TestGatewayDriverTimesOutWithoutSnapshot(t *testing.T) {
	g := NewGatewayDriver(zerolog.Nop())
	g.HandleNodeConnect("EQ1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := g.ReadAllTags(ctx, "EQ1"); err == nil {
		t.Fatal("expected timeout error when no snapshot arrives")
	}
}

func TestGatewayDriverWakesOnLateArrival(t *testing.T) {
	g := NewGatewayDriver(zerolog.Nop())
	g.HandleNodeConnect("EQ1")

	go func() {
		time.Sleep(10 * time.Millisecond)
		g.HandleSnapshot(models.RawSnapshot{EquipmentCode: "EQ1", CommunicationStatus: models.CommOK})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := g.ReadAllTags(ctx, "EQ1"); err != nil {
		t.Fatalf("expected snapshot to arrive before deadline: %v", err)
	}
}

func TestGatewayDriverStats(t *testing.T) {
	g := NewGatewayDriver(zerolog.Nop())
	g.HandleNodeConnect("EQ1")
	g.HandleNodeConnect("EQ2")
	g.HandleNodeDisconnect("EQ2")

	stats := g.Stats()
	if stats.TotalNodes != 2 || stats.OnlineNodes != 1 {
		t.Fatalf("expected 2 total / 1 online, got %+v", stats)
	}
}
