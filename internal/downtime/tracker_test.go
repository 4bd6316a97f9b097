package downtime

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ms5/telemetry-engine/internal/faultcatalog"
	"github.com/ms5/telemetry-engine/pkg/models"
)

func TestTickOpensAndClosesOnRunningTransition(t *testing.T) {
	tr := New(faultcatalog.LoadDefault(), nil, zerolog.Nop())
	lineID := uuid.New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	running := models.DerivedMetrics{Running: true}
	down := models.DerivedMetrics{Running: false, FaultBits: models.FaultBits{}.Set(2)} // motor_overload
	ec := models.EquipmentContext{EquipmentCode: "EQ1"}

	for i := 0; i < 30; i++ {
		tr.Tick(ctx, lineID, "EQ1", running, ec, base.Add(time.Duration(i)*time.Second))
	}

	var opened *models.DowntimeEvent
	for i := 0; i < 120; i++ {
		o, _ := tr.Tick(ctx, lineID, "EQ1", down, ec, base.Add(time.Duration(30+i)*time.Second))
		if o != nil {
			opened = o
		}
	}
	if opened == nil {
		t.Fatal("expected a downtime event to open")
	}
	if opened.ReasonCode != models.ReasonMotorFailure {
		t.Fatalf("expected MOTOR_FAILURE, got %s", opened.ReasonCode)
	}
	if opened.Category != models.DowntimeUnplanned {
		t.Fatalf("expected unplanned category, got %s", opened.Category)
	}

	if tr.ActiveCount() != 1 {
		t.Fatalf("expected exactly one active downtime event, got %d", tr.ActiveCount())
	}

	var closedEvent *models.DowntimeEvent
	for i := 0; i < 30; i++ {
		_, c := tr.Tick(ctx, lineID, "EQ1", running, ec, base.Add(time.Duration(150+i)*time.Second))
		if c != nil {
			closedEvent = c
		}
	}
	if closedEvent == nil {
		t.Fatal("expected the downtime event to close")
	}
	if *closedEvent.Duration != 120*time.Second {
		t.Fatalf("expected duration=120s, got %v", *closedEvent.Duration)
	}
	if closedEvent.EndTime.Before(closedEvent.StartTime) {
		t.Fatal("end_time must be >= start_time")
	}

	if err := tr.Invariant(); err != nil {
		t.Fatal(err)
	}
}

func TestClassifyPriorityOrder(t *testing.T) {
	cat := faultcatalog.LoadDefault()

	// Planned stop beats material signals (priority 5 before 6).
	ec := models.EquipmentContext{PlannedStop: true, PlannedStopReason: "shift change"}
	metrics := models.DerivedMetrics{MaterialShortage: true}
	code, _, category, _ := classify(metrics, ec, cat)
	if code != models.ReasonMaintenance {
		t.Fatalf("expected MAINTENANCE to win over material signal, got %s", code)
	}
	if category != models.DowntimeMainten {
		t.Fatalf("expected maintenance category, got %s", category)
	}

	// No faults, no planned stop, no material signal -> UNKNOWN.
	code, _, _, _ = classify(models.DerivedMetrics{}, models.EquipmentContext{}, cat)
	if code != models.ReasonUnknown {
		t.Fatalf("expected UNKNOWN, got %s", code)
	}
}

func TestConfirmAllowedOnOpenAndClosed(t *testing.T) {
	tr := New(faultcatalog.LoadDefault(), nil, zerolog.Nop())
	ctx := context.Background()
	lineID := uuid.New()

	opened, _ := tr.Tick(ctx, lineID, "EQ1", models.DerivedMetrics{Running: false}, models.EquipmentContext{}, time.Now())
	if opened == nil {
		t.Fatal("expected open event")
	}

	confirmed, err := tr.Confirm(ctx, opened.ID, "operator1", "confirmed via floor walk", nil)
	if err != nil {
		t.Fatalf("confirm on open event should succeed: %v", err)
	}
	if confirmed.Status != models.DowntimeConfirmed {
		t.Fatalf("expected confirmed status, got %s", confirmed.Status)
	}

	start := time.Now()
	if o, _ := tr.Tick(ctx, lineID, "EQ2", models.DerivedMetrics{Running: false}, models.EquipmentContext{}, start); o == nil {
		t.Fatal("expected open event for EQ2")
	}
	_, closed := tr.Tick(ctx, lineID, "EQ2", models.DerivedMetrics{Running: true}, models.EquipmentContext{}, start.Add(time.Second))
	if closed == nil {
		t.Fatal("expected EQ2's event to close")
	}

	confirmedClosed, err := tr.Confirm(ctx, closed.ID, "operator1", "confirmed after restart", nil)
	if err != nil {
		t.Fatalf("confirm on closed event should succeed: %v", err)
	}
	if confirmedClosed.Status != models.DowntimeConfirmed {
		t.Fatalf("expected confirmed status, got %s", confirmedClosed.Status)
	}
}
