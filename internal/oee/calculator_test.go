package oee

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ms5/telemetry-engine/pkg/models"
)

type fakeDowntimeSource struct {
	unplanned time.Duration
	openSince time.Time
	isOpen    bool
}

func (f *fakeDowntimeSource) UnplannedDurationInWindow(equipmentCode string, from, to time.Time) time.Duration {
	return f.unplanned
}

func (f *fakeDowntimeSource) OpenUnplannedSince(equipmentCode string) (time.Time, bool) {
	return f.openSince, f.isOpen
}

func TestComputeAvailabilityS1Scenario(t *testing.T) {
	// 180s window, 120s of closed unplanned downtime -> availability = 60/180 = 0.3333
	ds := &fakeDowntimeSource{unplanned: 120 * time.Second}
	calc := New(3, ds) // 3 minutes = 180s
	now := time.Date(2026, 1, 1, 0, 3, 0, 0, time.UTC)

	reading := calc.Compute(uuid.New(), "EQ1", 1.0, now)
	if reading.Availability != 0.3333 {
		t.Fatalf("expected availability=0.3333, got %v", reading.Availability)
	}
}

func TestComputeOEEMatchesProduct(t *testing.T) {
	ds := &fakeDowntimeSource{}
	calc := New(1, ds)
	now := time.Now()

	good := int64(80)
	total := int64(100)
	calc.RecordTick("EQ1", now, models.DerivedMetrics{GoodParts: &good, TotalParts: &total})

	reading := calc.Compute(uuid.New(), "EQ1", 1.0, now)
	expected := reading.Availability * reading.Performance * reading.Quality
	if diff := reading.OEE - expected; diff > 1e-4 || diff < -1e-4 {
		t.Fatalf("oee must match product within 1e-4: oee=%v product=%v", reading.OEE, expected)
	}
}

func TestComputeRealTimeVariantCollapsesQualityWhileOpen(t *testing.T) {
	ds := &fakeDowntimeSource{isOpen: true, openSince: time.Now().Add(-30 * time.Second)}
	calc := New(1, ds)
	now := time.Now()

	good := int64(80)
	total := int64(100)
	calc.RecordTick("EQ1", now, models.DerivedMetrics{GoodParts: &good, TotalParts: &total})

	reading := calc.Compute(uuid.New(), "EQ1", 1.0, now)
	if reading.Quality != 0 {
		t.Fatalf("expected quality=0 while unplanned event is open, got %v", reading.Quality)
	}
}

func TestTargetSpeedZeroNoDivideByZero(t *testing.T) {
	ds := &fakeDowntimeSource{}
	calc := New(1, ds)
	reading := calc.Compute(uuid.New(), "EQ1", 0, time.Now())
	if reading.Performance < 0 || reading.Performance > 1 {
		t.Fatalf("performance out of range: %v", reading.Performance)
	}
}

func TestTrendLabels(t *testing.T) {
	improving := []models.OEEReading{{OEE: 0.5}, {OEE: 0.6}}
	if Trend(improving) != "improving" {
		t.Fatalf("expected improving")
	}
	declining := []models.OEEReading{{OEE: 0.6}, {OEE: 0.5}}
	if Trend(declining) != "declining" {
		t.Fatalf("expected declining")
	}
	stable := []models.OEEReading{{OEE: 0.5}, {OEE: 0.52}}
	if Trend(stable) != "stable" {
		t.Fatalf("expected stable")
	}
}
