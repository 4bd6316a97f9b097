// Package oee implements the OEE Calculator (C6): Availability x
// Performance x Quality over a configurable trailing window, plus a
// real-time variant that accounts for a currently-open unplanned
// downtime event. Grounded on the teacher's oee.Tracker.calculateOEE
// formula shape (clamp-then-multiply, rounding to 4 decimals) adapted
// from a snapshot counter model to a windowed-samples model.
package oee

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ms5/telemetry-engine/pkg/models"
)

// DowntimeSource is the read-only view the calculator needs from the
// Downtime Tracker (C5) to compute availability.
type DowntimeSource interface {
	// UnplannedDurationInWindow sums the duration of closed unplanned
	// downtime events for equipmentCode overlapping [from, to].
	UnplannedDurationInWindow(equipmentCode string, from, to time.Time) time.Duration
	// OpenUnplannedSince reports the start time of a currently-open
	// unplanned downtime event for equipmentCode, if any.
	OpenUnplannedSince(equipmentCode string) (time.Time, bool)
}

type tickSample struct {
	at              time.Time
	actualCycleTime float64
	goodParts       int64
	totalParts      int64
}

// Calculator accumulates per-tick samples per equipment and computes
// windowed OEE readings on demand.
type Calculator struct {
	mu       sync.Mutex
	window   time.Duration
	ticks    map[string][]tickSample
	downtime DowntimeSource
}

// New constructs a Calculator with a default window (minutes, spec.md
// §4.9 default 60).
func New(windowMinutes int, downtime DowntimeSource) *Calculator {
	if windowMinutes <= 0 {
		windowMinutes = 60
	}
	return &Calculator{
		window:   time.Duration(windowMinutes) * time.Minute,
		ticks:    make(map[string][]tickSample),
		downtime: downtime,
	}
}

// RecordTick appends one tick's production sample and prunes samples
// older than the configured window.
func (c *Calculator) RecordTick(equipmentCode string, at time.Time, metrics models.DerivedMetrics) {
	cycleTime := 1.0
	if metrics.CycleTime != nil && *metrics.CycleTime > 0 {
		cycleTime = *metrics.CycleTime
	}
	var good, total int64
	if metrics.GoodParts != nil {
		good = *metrics.GoodParts
	}
	if metrics.TotalParts != nil {
		total = *metrics.TotalParts
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	samples := append(c.ticks[equipmentCode], tickSample{at: at, actualCycleTime: cycleTime, goodParts: good, totalParts: total})
	cutoff := at.Add(-c.window)
	pruned := samples[:0]
	for _, s := range samples {
		if s.at.After(cutoff) {
			pruned = append(pruned, s)
		}
	}
	c.ticks[equipmentCode] = pruned
}

// Compute returns the real-time OEEReading for equipmentCode over the
// trailing configured window, ending at now.
func (c *Calculator) Compute(lineID uuid.UUID, equipmentCode string, idealCycleTime float64, now time.Time) models.OEEReading {
	c.mu.Lock()
	samples := append([]tickSample(nil), c.ticks[equipmentCode]...)
	c.mu.Unlock()

	windowSeconds := c.window.Seconds()
	from := now.Add(-c.window)

	var unplanned time.Duration
	var stillOpen bool
	if c.downtime != nil {
		unplanned = c.downtime.UnplannedDurationInWindow(equipmentCode, from, now)
		if start, ok := c.downtime.OpenUnplannedSince(equipmentCode); ok {
			openDur := now.Sub(start)
			if openDur > c.window {
				openDur = c.window
			}
			unplanned += openDur
			stillOpen = true
		}
	}

	actualProductionTime := windowSeconds - unplanned.Seconds()
	actualProductionTime = clampRange(actualProductionTime, 0, windowSeconds)
	availability := clamp01(actualProductionTime / windowSeconds)

	actualCycleTime := 1.0
	if len(samples) > 0 {
		sum := 0.0
		for _, s := range samples {
			sum += s.actualCycleTime
		}
		actualCycleTime = sum / float64(len(samples))
	}
	if idealCycleTime <= 0 {
		idealCycleTime = actualCycleTime
	}
	performance := clamp01(idealCycleTime / actualCycleTime)

	var goodParts, totalParts int64
	for _, s := range samples {
		goodParts += s.goodParts
		totalParts += s.totalParts
	}

	// Real-time variant: while an unplanned event is still open, quality
	// collapses to 0 for the window's tail (spec.md §4.4, preserving the
	// source's choice of reducing quality only, not performance).
	if stillOpen {
		goodParts = 0
		totalParts = 1
	}

	quality := float64(goodParts) / float64(maxInt64(totalParts, 1))
	oeeVal := availability * performance * quality

	return models.OEEReading{
		ID:                    uuid.New(),
		LineID:                lineID,
		EquipmentCode:         equipmentCode,
		CalculationTime:       now,
		WindowSeconds:         int(windowSeconds),
		Availability:          round4(availability),
		Performance:           round4(performance),
		Quality:               round4(quality),
		OEE:                   round4(oeeVal),
		PlannedProductionTime: windowSeconds,
		ActualProductionTime:  actualProductionTime,
		IdealCycleTime:        idealCycleTime,
		ActualCycleTime:       actualCycleTime,
		GoodParts:             goodParts,
		TotalParts:            totalParts,
	}
}

// Trend labels an OEE time series per spec.md §4.4: improving if the
// last reading exceeds the first by more than 5 percentage points,
// declining if less than -5, else stable.
func Trend(series []models.OEEReading) string {
	if len(series) < 2 {
		return "stable"
	}
	delta := (series[len(series)-1].OEE - series[0].OEE) * 100
	switch {
	case delta > 5:
		return "improving"
	case delta < -5:
		return "declining"
	default:
		return "stable"
	}
}

// LineOEE rolls up per-equipment readings into one line-level OEE by
// plain arithmetic average, not weighted by production time (spec.md
// §4.4's documented simplicity-over-rigour trade-off). A caller-supplied
// weighting function may be used instead.
func LineOEE(readings []models.OEEReading) float64 {
	if len(readings) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range readings {
		sum += r.OEE
	}
	return round4(sum / float64(len(readings)))
}

// WeightedLineOEE rolls up readings using a caller-supplied weight per
// equipment, e.g. planned production time.
func WeightedLineOEE(readings []models.OEEReading, weight func(models.OEEReading) float64) float64 {
	if len(readings) == 0 {
		return 0
	}
	var sumW, sumWV float64
	for _, r := range readings {
		w := weight(r)
		sumW += w
		sumWV += w * r.OEE
	}
	if sumW == 0 {
		return LineOEE(readings)
	}
	return round4(sumWV / sumW)
}

func clamp01(v float64) float64 { return clampRange(v, 0, 1) }

func clampRange(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
