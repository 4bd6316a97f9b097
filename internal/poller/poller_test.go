package poller

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ms5/telemetry-engine/internal/andon"
	"github.com/ms5/telemetry-engine/internal/downtime"
	"github.com/ms5/telemetry-engine/internal/equipctx"
	"github.com/ms5/telemetry-engine/internal/eventbus"
	"github.com/ms5/telemetry-engine/internal/faultcatalog"
	"github.com/ms5/telemetry-engine/internal/jobmapper"
	"github.com/ms5/telemetry-engine/internal/oee"
	"github.com/ms5/telemetry-engine/internal/plcdriver"
	"github.com/ms5/telemetry-engine/pkg/models"
)

type harness struct {
	poller *Poller
	driver *plcdriver.SimulatedDriver
	store  *equipctx.Store
	down   *downtime.Tracker
	bus    *eventbus.Bus
	line   models.ProductionLine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	lineID := uuid.New()
	line := models.ProductionLine{ID: lineID, LineCode: "LINE1", EquipmentCodes: []string{"EQ1"}, TargetSpeed: 60, Enabled: true}

	driver := plcdriver.NewSimulatedDriver(line.EquipmentCodes, 60, 1)
	store := equipctx.New(nil, nil, zerolog.Nop())
	store.Seed(models.EquipmentContext{EquipmentCode: "EQ1", LineID: lineID, TargetSpeed: 60, DefaultQualityRate: 1})

	catalog := faultcatalog.LoadDefault()
	downTracker := downtime.New(catalog, nil, zerolog.Nop())
	oeeCalc := oee.New(60, downTracker)
	mapper := jobmapper.New(store)
	andonEngine := andon.New(nil, nil, nil, nil, zerolog.Nop())
	bus := eventbus.New(nil, zerolog.Nop())

	p := New([]models.ProductionLine{line}, Deps{
		Driver:       driver,
		ContextStore: store,
		Downtime:     downTracker,
		OEE:          oeeCalc,
		JobMapper:    mapper,
		Andon:        andonEngine,
		Bus:          bus,
		Catalog:      catalog,
	}, Config{FailureThreshold: 3}, zerolog.Nop())

	return &harness{poller: p, driver: driver, store: store, down: downTracker, bus: bus, line: line}
}

func TestTickEquipmentPublishesProductionUpdate(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe("test", []eventbus.EventType{eventbus.ProductionUpdate}, 8)
	defer sub.Close()

	h.poller.tickEquipment(context.Background(), h.line, "EQ1")

	select {
	case ev := <-sub.Ch:
		metrics, ok := ev.Payload.(models.DerivedMetrics)
		if !ok {
			t.Fatalf("expected DerivedMetrics payload, got %T", ev.Payload)
		}
		if metrics.EquipmentCode != "EQ1" {
			t.Fatalf("expected EQ1, got %q", metrics.EquipmentCode)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for production update")
	}
}

func TestConsecutiveDriverFailuresSynthesizePLCFault(t *testing.T) {
	h := newHarness(t)
	h.driver.InjectCommunicationLoss("EQ1", 4)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		h.poller.tickEquipment(ctx, h.line, "EQ1")
	}

	if h.down.ActiveCount() != 1 {
		t.Fatalf("expected exactly one open downtime event after the failure threshold, got %d", h.down.ActiveCount())
	}

	events := h.down.List(downtime.Filter{EquipmentCode: "EQ1"}, 0, 0)
	if len(events) != 1 {
		t.Fatalf("expected one downtime event recorded, got %d", len(events))
	}
	if events[0].ReasonCode != models.ReasonPLCFault {
		t.Fatalf("expected PLC_FAULT reason code, got %s", events[0].ReasonCode)
	}
	if !events[0].AutoDetected || !events[0].PLCSource {
		t.Fatal("expected synthesized downtime to be auto_detected and plc_source")
	}
}

func TestFailuresBelowThresholdSuppressTick(t *testing.T) {
	h := newHarness(t)
	h.driver.InjectCommunicationLoss("EQ1", 2)

	ctx := context.Background()
	h.poller.tickEquipment(ctx, h.line, "EQ1")
	h.poller.tickEquipment(ctx, h.line, "EQ1")

	if h.down.ActiveCount() != 0 {
		t.Fatalf("expected no downtime event below the failure threshold, got %d active", h.down.ActiveCount())
	}
	if got := h.poller.FailureCount("EQ1"); got != 2 {
		t.Fatalf("expected failure count 2, got %d", got)
	}
}

func TestSuccessfulTickResetsFailureCount(t *testing.T) {
	h := newHarness(t)
	h.driver.InjectCommunicationLoss("EQ1", 1)

	ctx := context.Background()
	h.poller.tickEquipment(ctx, h.line, "EQ1")
	h.poller.tickEquipment(ctx, h.line, "EQ1")

	if got := h.poller.FailureCount("EQ1"); got != 0 {
		t.Fatalf("expected failure count reset to 0 after recovery, got %d", got)
	}
}

func TestMotorOverloadFaultRaisesHighPriorityMaintenanceAndon(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.poller.tickEquipment(ctx, h.line, "EQ1")
	}

	h.driver.SetFaultBit("EQ1", 2, true) // motor_overload, high severity
	for i := 0; i < 5; i++ {
		h.poller.tickEquipment(ctx, h.line, "EQ1")
	}

	h.driver.SetFaultBit("EQ1", 2, false)
	for i := 0; i < 5; i++ {
		h.poller.tickEquipment(ctx, h.line, "EQ1")
	}

	active := h.poller.andonEngine.List(andon.Filter{ActiveOnly: true})
	var maintEvents []models.AndonEvent
	for _, ev := range active {
		if ev.EquipmentCode == "EQ1" && ev.EventType == models.AndonMaintain {
			maintEvents = append(maintEvents, ev)
		}
	}
	if len(maintEvents) != 1 {
		t.Fatalf("expected exactly one maintenance andon event, got %d", len(maintEvents))
	}
	if maintEvents[0].Priority != models.PriorityHigh {
		t.Fatalf("expected priority high, got %s", maintEvents[0].Priority)
	}
}

func TestTickDurationsTracksRollingWindow(t *testing.T) {
	h := newHarness(t)
	h.poller.cfg.DurationWindowK = 2

	h.poller.tickLine(context.Background(), h.line)
	h.poller.tickLine(context.Background(), h.line)
	h.poller.tickLine(context.Background(), h.line)

	durations := h.poller.TickDurations()
	if len(durations) != 2 {
		t.Fatalf("expected rolling window capped at 2, got %d", len(durations))
	}
}
