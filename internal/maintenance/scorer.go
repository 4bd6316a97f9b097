// Package maintenance implements the read-only predictive health
// enrichment of SPEC_FULL.md §4.12: an exponentially-weighted health
// score per equipment, derived from vibration/temperature/cycle-time
// trends. It is not a control-flow component — Observe never blocks a
// tick and Scorer raises no Andon categories of its own; it only
// narrates a threshold crossing into an existing quality alert's
// description. Narrowed from the teacher's
// internal/maintenance.PredictiveEngine (HealthScore/baseline-drift
// shape) down to the single EWMA score the spec carries forward.
package maintenance

import (
	"math"
	"sync"
	"time"

	"github.com/ms5/telemetry-engine/pkg/models"
)

// Category buckets a health score the way the teacher's HealthScore
// does (excellent/good/fair/poor/critical), used only for display.
type Category string

const (
	CategoryExcellent Category = "excellent"
	CategoryGood      Category = "good"
	CategoryFair      Category = "fair"
	CategoryPoor      Category = "poor"
	CategoryCritical  Category = "critical"
)

// baseline tracks the running mean/variance of one metric via Welford's
// method, seeding the deviation the EWMA health penalty reacts to.
type baseline struct {
	mean  float64
	m2    float64
	count int64
}

func (b *baseline) observe(v float64) (deviation float64) {
	b.count++
	delta := v - b.mean
	b.mean += delta / float64(b.count)
	delta2 := v - b.mean
	b.m2 += delta * delta2

	if b.count < 2 {
		return 0
	}
	variance := b.m2 / float64(b.count-1)
	stddev := math.Sqrt(variance)
	if stddev < 1e-9 {
		return 0
	}
	return math.Abs(v-b.mean) / stddev
}

// equipmentScore is the per-equipment rolling state.
type equipmentScore struct {
	temperature baseline
	vibration   baseline
	cycleTime   baseline
	score       float64 // 0-100, EWMA-smoothed
	updatedAt   time.Time
}

// Scorer maintains an EWMA health score per equipment code. A nil
// *Scorer is not usable; the zero value via New is.
type Scorer struct {
	mu     sync.Mutex
	alpha  float64 // EWMA smoothing factor for the score itself
	scores map[string]*equipmentScore
}

// New constructs a Scorer. alpha weights the newest tick's penalty
// against the running score; 0.1-0.3 is a reasonable range. A
// non-positive alpha defaults to 0.2.
func New(alpha float64) *Scorer {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &Scorer{alpha: alpha, scores: make(map[string]*equipmentScore)}
}

// Observe folds one tick's derived metrics into the equipment's health
// score. It never returns an error and never blocks on I/O, satisfying
// the Poller's read-only-enrichment contract.
func (s *Scorer) Observe(equipmentCode string, metrics models.DerivedMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()

	es, ok := s.scores[equipmentCode]
	if !ok {
		es = &equipmentScore{score: 100}
		s.scores[equipmentCode] = es
	}

	var devSum float64
	var devCount int
	if metrics.Temperature != nil {
		devSum += es.temperature.observe(*metrics.Temperature)
		devCount++
	}
	if metrics.Vibration != nil {
		devSum += es.vibration.observe(*metrics.Vibration)
		devCount++
	}
	if metrics.CycleTime != nil {
		devSum += es.cycleTime.observe(*metrics.CycleTime)
		devCount++
	}

	if devCount > 0 {
		avgDeviation := devSum / float64(devCount)
		// Each standard deviation of drift costs up to 15 health points;
		// anything beyond 4 sigma saturates at the full penalty.
		penalty := math.Min(avgDeviation, 4) * 15
		target := 100 - penalty
		es.score = es.score + s.alpha*(target-es.score)
		es.score = clamp(es.score, 0, 100)
	}
	es.updatedAt = time.Now()
}

// Score returns the current health score (0-100) for an equipment, or
// 100 (full health, no data yet) if it has never been observed.
func (s *Scorer) Score(equipmentCode string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if es, ok := s.scores[equipmentCode]; ok {
		return es.score
	}
	return 100
}

// Categorize buckets a score for display purposes.
func Categorize(score float64) Category {
	switch {
	case score >= 90:
		return CategoryExcellent
	case score >= 75:
		return CategoryGood
	case score >= 50:
		return CategoryFair
	case score >= 25:
		return CategoryPoor
	default:
		return CategoryCritical
	}
}

// Annotate returns a human-readable note to append to a quality Andon
// event's description when the equipment's health score has crossed
// threshold; empty if it hasn't.
func (s *Scorer) Annotate(equipmentCode string, threshold float64) string {
	score := s.Score(equipmentCode)
	if score >= threshold {
		return ""
	}
	return "predictive health score " + formatScore(score) + " (" + string(Categorize(score)) + ") trending below threshold"
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func formatScore(v float64) string {
	whole := int64(v)
	frac := int64((v - float64(whole)) * 10)
	if frac < 0 {
		frac = -frac
	}
	return itoa(whole) + "." + itoa(frac)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
