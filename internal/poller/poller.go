// Package poller implements the Poller (C11): a fixed-rate scheduler,
// one tick per second per line, driving C1->C3->C4->C5->C6->C7->C8->C9
// for every equipment on the line. Adapted from the teacher's
// telemetry.Engine ticker-driven Start/Stop/stopCh lifecycle
// (processLoop/flushLoop generalized into one per-line tick loop).
package poller

import (
	"context"
	"sync"
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
	"github.com/ms5/telemetry-engine/internal/transform"
	"github.com/ms5/telemetry-engine/internal/workerpool"
	"github.com/ms5/telemetry-engine/pkg/models"
)

// plcCommFaultBit is the fault catalog bit representing a lost PLC
// communication link (faultcatalog.defaultDefinitions' plc_comm_error),
// synthesized onto a tick's metrics once a line of equipment has failed
// to respond for the configured consecutive-failure threshold.
const plcCommFaultBit = 5

// MaintenanceScorer is the read-only enrichment hook of SPEC_FULL.md
// §4.12: an optional per-tick observer with no effect on control flow.
type MaintenanceScorer interface {
	Observe(equipmentCode string, metrics models.DerivedMetrics)
	Annotate(equipmentCode string, threshold float64) string
}

// Config configures a Poller's timing and fault handling.
type Config struct {
	Interval         time.Duration
	DriverTimeout    time.Duration
	TickBudget       time.Duration
	FailureThreshold int
	IdealCycleTime   float64 // seconds; per-equipment override via IdealCycleTimes
	IdealCycleTimes  map[string]float64
	OEEWindowMinutes int
	DurationWindowK  int
	HealthScoreThreshold float64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.DriverTimeout <= 0 {
		c.DriverTimeout = 5 * time.Second
	}
	if c.TickBudget <= 0 {
		c.TickBudget = 800 * time.Millisecond
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.IdealCycleTime <= 0 {
		c.IdealCycleTime = 1.0
	}
	if c.DurationWindowK <= 0 {
		c.DurationWindowK = 50
	}
	if c.HealthScoreThreshold <= 0 {
		c.HealthScoreThreshold = 60
	}
	return c
}

// Poller ticks every configured production line at a fixed rate,
// driving every equipment on it through the full telemetry pipeline.
type Poller struct {
	cfg     Config
	driver  plcdriver.Driver
	ctx     *equipctx.Store
	down    *downtime.Tracker
	oeeCalc *oee.Calculator
	mapper  *jobmapper.Mapper
	andonEngine *andon.Engine
	bus     *eventbus.Bus
	catalog *faultcatalog.Catalog
	scorer  MaintenanceScorer
	pool    *workerpool.WorkerPool
	log     zerolog.Logger

	linesMu sync.RWMutex
	lines   []models.ProductionLine

	failuresMu sync.Mutex
	failures   map[string]int

	durationsMu sync.Mutex
	durations   []time.Duration

	stopCh  chan struct{}
	running bool
	mu      sync.Mutex
}

// Deps bundles the collaborators a Poller drives each tick.
type Deps struct {
	Driver      plcdriver.Driver
	ContextStore *equipctx.Store
	Downtime    *downtime.Tracker
	OEE         *oee.Calculator
	JobMapper   *jobmapper.Mapper
	Andon       *andon.Engine
	Bus         *eventbus.Bus
	Catalog     *faultcatalog.Catalog
	Scorer      MaintenanceScorer
	Pool        *workerpool.WorkerPool
}

// New constructs a Poller over the given lines and collaborators.
func New(lines []models.ProductionLine, deps Deps, cfg Config, log zerolog.Logger) *Poller {
	return &Poller{
		cfg:     cfg.withDefaults(),
		driver:  deps.Driver,
		ctx:     deps.ContextStore,
		down:    deps.Downtime,
		oeeCalc: deps.OEE,
		mapper:  deps.JobMapper,
		andonEngine: deps.Andon,
		bus:     deps.Bus,
		catalog: deps.Catalog,
		scorer:  deps.Scorer,
		pool:    deps.Pool,
		log:     log.With().Str("subsystem", "poller").Logger(),
		lines:   lines,
		failures: make(map[string]int),
		stopCh:  make(chan struct{}),
	}
}

// Start launches one ticking goroutine per configured line.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.linesMu.RLock()
	lines := append([]models.ProductionLine(nil), p.lines...)
	p.linesMu.RUnlock()

	for _, line := range lines {
		if !line.Enabled {
			continue
		}
		go p.runLine(ctx, line)
	}
}

// Stop halts every line's ticking goroutine.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	close(p.stopCh)
	p.running = false
}

func (p *Poller) runLine(ctx context.Context, line models.ProductionLine) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tickLine(ctx, line)
		}
	}
}

func (p *Poller) tickLine(ctx context.Context, line models.ProductionLine) {
	start := time.Now()

	if p.pool != nil {
		var wg sync.WaitGroup
		for _, code := range line.EquipmentCodes {
			code := code
			wg.Add(1)
			task := func(taskCtx context.Context) {
				defer wg.Done()
				p.tickEquipment(taskCtx, line, code)
			}
			if err := p.pool.Submit(task); err != nil {
				wg.Done()
				p.tickEquipment(ctx, line, code)
			}
		}
		wg.Wait()
	} else {
		for _, code := range line.EquipmentCodes {
			p.tickEquipment(ctx, line, code)
		}
	}

	p.recordDuration(time.Since(start), line.LineCode)
}

func (p *Poller) recordDuration(d time.Duration, lineCode string) {
	p.durationsMu.Lock()
	p.durations = append(p.durations, d)
	if len(p.durations) > p.cfg.DurationWindowK {
		p.durations = p.durations[len(p.durations)-p.cfg.DurationWindowK:]
	}
	p.durationsMu.Unlock()

	if d > p.cfg.TickBudget {
		p.log.Warn().Str("line", lineCode).Dur("duration", d).Dur("budget", p.cfg.TickBudget).
			Msg("tick exceeded budget")
	}
}

// tickEquipment runs the nine-step per-tick sequence of spec.md §4.9 for
// one equipment.
func (p *Poller) tickEquipment(ctx context.Context, line models.ProductionLine, equipmentCode string) {
	now := time.Now()

	readCtx, cancel := context.WithTimeout(ctx, p.cfg.DriverTimeout)
	raw, err := p.driver.ReadAllTags(readCtx, equipmentCode)
	cancel()

	var metrics models.DerivedMetrics
	ec, ecErr := p.ctx.Get(ctx, equipmentCode)
	if ecErr != nil {
		p.log.Warn().Err(ecErr).Str("equipment", equipmentCode).Msg("no context registered for equipment, skipping tick")
		return
	}

	if err != nil || raw.CommunicationStatus == models.CommLost {
		suppressed := p.recordFailure(equipmentCode)
		if suppressed {
			return
		}
		metrics = syntheticPLCFaultMetrics(equipmentCode, now)
	} else {
		p.clearFailure(equipmentCode)
		metrics = transform.Derive(raw, ec)
	}

	p.updateContextFromMetrics(ctx, equipmentCode, metrics)

	opened, closed := p.down.Tick(ctx, line.ID, equipmentCode, metrics, ec, now)

	var completed *jobmapper.CompletedEvent
	if p.mapper != nil {
		completed, _ = p.mapper.UpdateProgress(ctx, line.ID, equipmentCode, metrics, "poller")
	}

	var reading models.OEEReading
	if p.oeeCalc != nil {
		p.oeeCalc.RecordTick(equipmentCode, now, metrics)
		reading = p.oeeCalc.Compute(line.ID, equipmentCode, p.idealCycleTime(equipmentCode), now)
	}

	if p.scorer != nil {
		p.scorer.Observe(equipmentCode, metrics)
	}

	var andonEvents []*models.AndonEvent
	if p.andonEngine != nil {
		andonEvents = p.runFaultAnalysis(ctx, line, equipmentCode, metrics, opened)
	}

	p.publish(line, equipmentCode, metrics, reading, opened, closed, completed, andonEvents)
}

func (p *Poller) idealCycleTime(equipmentCode string) float64 {
	if v, ok := p.cfg.IdealCycleTimes[equipmentCode]; ok && v > 0 {
		return v
	}
	return p.cfg.IdealCycleTime
}

// recordFailure increments the consecutive-failure counter for
// equipmentCode and reports whether the tick should still be
// suppressed (true) or has just crossed the threshold and should
// synthesize a PLC_FAULT (false).
func (p *Poller) recordFailure(equipmentCode string) (suppressed bool) {
	p.failuresMu.Lock()
	defer p.failuresMu.Unlock()
	p.failures[equipmentCode]++
	return p.failures[equipmentCode] < p.cfg.FailureThreshold
}

func (p *Poller) clearFailure(equipmentCode string) {
	p.failuresMu.Lock()
	defer p.failuresMu.Unlock()
	delete(p.failures, equipmentCode)
}

// syntheticPLCFaultMetrics stands in for a tick's metrics when the
// driver has failed FailureThreshold consecutive times: not-running,
// with the PLC communication fault bit set so the Downtime Tracker's
// existing classify() priority order opens a PLC_FAULT event the same
// way any other catalogued internal fault would.
func syntheticPLCFaultMetrics(equipmentCode string, now time.Time) models.DerivedMetrics {
	var bits models.FaultBits
	bits[plcCommFaultBit] = true
	return models.DerivedMetrics{
		EquipmentCode: equipmentCode,
		Timestamp:     now,
		Running:       false,
		FaultBits:     bits,
		ActiveAlarms:  []string{"plc_communication_lost"},
	}
}

func (p *Poller) updateContextFromMetrics(ctx context.Context, equipmentCode string, metrics models.DerivedMetrics) {
	changeover := metrics.ChangeoverStatus
	faultStatus := models.FaultStatusClear
	if metrics.FaultBits.Any() {
		faultStatus = models.FaultStatusActive
	}

	delta := equipctx.Delta{
		ChangeoverStatus: &changeover,
		FaultStatus:      &faultStatus,
	}
	if _, err := p.ctx.Update(ctx, equipmentCode, delta, "poller_tick", "poller"); err != nil {
		p.log.Warn().Err(err).Str("equipment", equipmentCode).Msg("failed to update equipment context")
	}
}

// runFaultAnalysis implements spec.md §4.6's per-tick fault analysis:
// every active fault bit is categorized (critical/high/medium/low/
// upstream/downstream/material/quality), each category with at least
// one fault is checked against its threshold row, and every category
// that clears its gate auto-creates (or no-ops into a duplicate of)
// one Andon event. This runs on every tick regardless of whether a
// downtime event opened this tick, so a quality or material fault
// while the equipment keeps running still raises its Andon category.
func (p *Poller) runFaultAnalysis(ctx context.Context, line models.ProductionLine, equipmentCode string, metrics models.DerivedMetrics, opened *models.DowntimeEvent) []*models.AndonEvent {
	if p.catalog == nil {
		return nil
	}

	var relatedDowntime *uuid.UUID
	if opened != nil {
		relatedDowntime = &opened.ID
	}

	var created []*models.AndonEvent
	for cat, faults := range analyzeFaults(p.catalog, metrics.FaultBits) {
		threshold, ok := faultCategoryThresholds[cat]
		if !ok || !threshold.Enabled || len(faults) < threshold.MinFaults {
			continue
		}

		eventType := categoryEventType(cat)
		description := faultDescription(faults)
		if eventType == models.AndonQuality && p.scorer != nil {
			if note := p.scorer.Annotate(equipmentCode, p.cfg.HealthScoreThreshold); note != "" {
				description = description + "; " + note
			}
		}

		faultData := map[string]interface{}{
			"fault_bits":  metrics.FaultBits,
			"category":    string(cat),
			"fault_count": len(faults),
		}

		ev, err := p.andonEngine.AutoCreate(ctx, line.ID, equipmentCode, eventType, threshold.Priority, description, faultData, relatedDowntime)
		if err != nil {
			p.log.Warn().Err(err).Str("equipment", equipmentCode).Str("category", string(cat)).Msg("andon auto-create failed")
			continue
		}
		if ev != nil {
			created = append(created, ev)
		}
	}
	return created
}

func (p *Poller) publish(line models.ProductionLine, equipmentCode string, metrics models.DerivedMetrics, reading models.OEEReading,
	opened, closed *models.DowntimeEvent, completed *jobmapper.CompletedEvent, andonEvents []*models.AndonEvent) {
	if p.bus == nil {
		return
	}

	keys := []string{
		models.Subscription{Family: models.TopicEquipment, Target: equipmentCode}.Key(),
		models.Subscription{Family: models.TopicLine, Target: line.LineCode}.Key(),
	}
	now := time.Now()

	p.bus.Publish(eventbus.Event{Type: eventbus.ProductionUpdate, Timestamp: now, Payload: metrics, RoutingKeys: keys})

	if p.oeeCalc != nil {
		oeeKeys := append(append([]string(nil), keys...), models.Subscription{Family: models.TopicOEE, Target: equipmentCode}.Key())
		p.bus.Publish(eventbus.Event{Type: eventbus.OEEUpdate, Timestamp: now, Payload: reading, RoutingKeys: oeeKeys})
	}

	if opened != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.DowntimeEventType, Timestamp: now, Payload: *opened,
			RoutingKeys: append(append([]string(nil), keys...), models.Subscription{Family: models.TopicDowntime, Target: equipmentCode}.Key())})
	}
	if closed != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.DowntimeEventType, Timestamp: now, Payload: *closed,
			RoutingKeys: append(append([]string(nil), keys...), models.Subscription{Family: models.TopicDowntime, Target: equipmentCode}.Key())})
	}

	if completed != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.JobCompleted, Timestamp: now, Payload: *completed,
			RoutingKeys: append(append([]string(nil), keys...), models.Subscription{Family: models.TopicJob, Target: equipmentCode}.Key())})
	}

	for _, andonEvent := range andonEvents {
		p.bus.Publish(eventbus.Event{Type: eventbus.AndonEventType, Timestamp: now, Payload: *andonEvent,
			RoutingKeys: append(append([]string(nil), keys...), models.Subscription{Family: models.TopicAndon, Target: equipmentCode}.Key())})
	}
}

// TickDurations returns a copy of the rolling window of recent tick
// durations, for introspection endpoints.
func (p *Poller) TickDurations() []time.Duration {
	p.durationsMu.Lock()
	defer p.durationsMu.Unlock()
	return append([]time.Duration(nil), p.durations...)
}

// FailureCount reports the current consecutive-failure streak for an
// equipment, for introspection/debugging.
func (p *Poller) FailureCount(equipmentCode string) int {
	p.failuresMu.Lock()
	defer p.failuresMu.Unlock()
	return p.failures[equipmentCode]
}
