package andon

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ms5/telemetry-engine/internal/apperrors"
	"github.com/ms5/telemetry-engine/pkg/models"
)

func newEngine() *Engine {
	return New(nil, nil, nil, nil, zerolog.Nop())
}

func TestAutoCreatePreventsDuplicateActiveEvent(t *testing.T) {
	e := newEngine()
	ctx := context.Background()
	lineID := uuid.New()

	first, err := e.AutoCreate(ctx, lineID, "EQ1", models.AndonStop, models.PriorityHigh, "jam detected", nil, nil)
	if err != nil || first == nil {
		t.Fatalf("expected first auto-create to succeed, got %v err=%v", first, err)
	}

	second, err := e.AutoCreate(ctx, lineID, "EQ1", models.AndonStop, models.PriorityHigh, "jam detected again", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != nil {
		t.Fatal("expected duplicate auto-create to be suppressed")
	}

	stats := e.Stats()
	if stats.ActiveCount != 1 {
		t.Fatalf("expected 1 active event, got %d", stats.ActiveCount)
	}
}

func TestAutoCreateSkipsDisabledEventTypes(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	ev, err := e.AutoCreate(ctx, uuid.New(), "EQ1", models.AndonUpstream, models.PriorityLow, "upstream stopped", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev != nil {
		t.Fatal("expected upstream event type to be skipped (not in auto-create set)")
	}
}

func TestManualCreateRejectsDuplicateWithConflict(t *testing.T) {
	e := newEngine()
	ctx := context.Background()
	lineID := uuid.New()

	if _, err := e.Create(ctx, lineID, "EQ1", models.AndonQuality, models.PriorityMedium, "scrap rate high", "operator1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := e.Create(ctx, lineID, "EQ1", models.AndonQuality, models.PriorityMedium, "scrap rate high again", "operator2")
	if !apperrors.Is(err, apperrors.KindConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	ev, err := e.Create(ctx, uuid.New(), "EQ1", models.AndonStop, models.PriorityCritical, "motor fault", "operator1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := e.Resolve(ctx, ev.ID, "tech1", "replaced bearing"); err != nil {
		t.Fatalf("resolve from open failed: %v", err)
	}
	if _, err := e.Acknowledge(ctx, ev.ID, "tech1"); err == nil {
		t.Fatal("expected acknowledging a resolved event to fail")
	}
	if _, err := e.Resolve(ctx, ev.ID, "tech1", "again"); err == nil {
		t.Fatal("expected re-resolving a resolved event to fail")
	}
}

func TestEscalateBumpsLevelAndStatus(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	ev, err := e.Create(ctx, uuid.New(), "EQ1", models.AndonStop, models.PriorityHigh, "jam", "operator1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	escalated, err := e.Escalate(ctx, ev.ID, 0, "shift_manager")
	if err != nil {
		t.Fatalf("escalate failed: %v", err)
	}
	if escalated.Status != models.AndonEscalated {
		t.Fatalf("expected status escalated, got %s", escalated.Status)
	}
	if escalated.EscalationLevel != 1 {
		t.Fatalf("expected escalation level 1, got %d", escalated.EscalationLevel)
	}

	// Escalated events remain acknowledgeable/resolvable.
	if _, err := e.Acknowledge(ctx, ev.ID, "engineer1"); err != nil {
		t.Fatalf("expected ack to succeed on escalated event: %v", err)
	}
}

func TestNextPriorityCascadesAndClampsAtCritical(t *testing.T) {
	cases := []struct {
		in   models.AndonPriority
		want models.AndonPriority
	}{
		{models.PriorityLow, models.PriorityMedium},
		{models.PriorityMedium, models.PriorityHigh},
		{models.PriorityHigh, models.PriorityCritical},
		{models.PriorityCritical, models.PriorityCritical},
	}
	for _, c := range cases {
		if got := nextPriority(c.in); got != c.want {
			t.Errorf("nextPriority(%s) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestAckTimeoutEscalationRearmsAtNextPriority(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	ev, err := e.Create(ctx, uuid.New(), "EQ1", models.AndonStop, models.PriorityLow, "jam", "operator1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	e.escalateAckTimeout(ctx, ev.ID)
	first, err := e.Get(ev.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if first.Priority != models.PriorityMedium {
		t.Fatalf("expected priority bumped to medium, got %s", first.Priority)
	}
	if first.Status != models.AndonEscalated {
		t.Fatalf("expected status escalated, got %s", first.Status)
	}
	if first.EscalationLevel != 1 {
		t.Fatalf("expected escalation level 1, got %d", first.EscalationLevel)
	}
	if first.EscalatedAt == nil {
		t.Fatal("expected escalated_at to be set")
	}

	// A second ack-timeout firing (the re-armed timer) cascades again,
	// since the event is still in the escalated (not acknowledged) state.
	e.escalateAckTimeout(ctx, ev.ID)
	second, err := e.Get(ev.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if second.Priority != models.PriorityHigh {
		t.Fatalf("expected priority bumped to high, got %s", second.Priority)
	}
	if second.EscalationLevel != 2 {
		t.Fatalf("expected escalation level 2, got %d", second.EscalationLevel)
	}
}

func TestAckTimeoutEscalationStopsAfterAcknowledge(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	ev, err := e.Create(ctx, uuid.New(), "EQ1", models.AndonStop, models.PriorityLow, "jam", "operator1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := e.Acknowledge(ctx, ev.ID, "engineer1"); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}

	e.escalateAckTimeout(ctx, ev.ID)
	after, err := e.Get(ev.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if after.Priority != models.PriorityLow {
		t.Fatalf("expected acknowledged event's priority to stay low, got %s", after.Priority)
	}
	if after.Status != models.AndonAcknowledged {
		t.Fatalf("expected status to stay acknowledged, got %s", after.Status)
	}
}

func TestListFiltersByActiveOnly(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	open, _ := e.Create(ctx, uuid.New(), "EQ1", models.AndonStop, models.PriorityLow, "a", "op")
	resolved, _ := e.Create(ctx, uuid.New(), "EQ2", models.AndonStop, models.PriorityLow, "b", "op")
	if _, err := e.Resolve(ctx, resolved.ID, "op", "fixed"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	active := e.List(Filter{ActiveOnly: true})
	if len(active) != 1 || active[0].ID != open.ID {
		t.Fatalf("expected only the open event, got %+v", active)
	}
}
