// Package downtime implements the Downtime Tracker (C5): a per-equipment
// RUNNING/DOWN state machine that opens, updates and closes downtime
// events and classifies their reason once at open time. Grounded on the
// teacher's oee.Tracker downtime bookkeeping and on
// original_source/app/services/downtime_tracker.py's state machine and
// reason-priority order, which this package follows verbatim.
package downtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ms5/telemetry-engine/internal/apperrors"
	"github.com/ms5/telemetry-engine/internal/faultcatalog"
	"github.com/ms5/telemetry-engine/internal/retry"
	"github.com/ms5/telemetry-engine/pkg/models"
)

// Repository is the durable backing store for downtime events.
type Repository interface {
	SaveEvent(ctx context.Context, event models.DowntimeEvent) error
	LoadOpenEvents(ctx context.Context) ([]models.DowntimeEvent, error)
}

// Tracker owns the active-downtime index, keyed by equipment_code, plus
// an in-memory history of every event it has tracked, never pruned, used
// for queries (spec.md §4.3's `list`/
// `statistics`); the durable copy of record lives in Repository.
type Tracker struct {
	mu     sync.RWMutex
	active map[string]*models.DowntimeEvent
	all    map[uuid.UUID]*models.DowntimeEvent
	catalog *faultcatalog.Catalog
	repo   Repository
	log    zerolog.Logger
}

// New constructs a Tracker. repo may be nil in tests; the in-memory
// invariants still hold without durability.
func New(catalog *faultcatalog.Catalog, repo Repository, log zerolog.Logger) *Tracker {
	return &Tracker{
		active:  make(map[string]*models.DowntimeEvent),
		all:     make(map[uuid.UUID]*models.DowntimeEvent),
		catalog: catalog,
		repo:    repo,
		log:     log.With().Str("subsystem", "downtime").Logger(),
	}
}

// Recover rehydrates open events from the repository at start-up. Per
// spec.md §4.3, at most one open event per equipment survives recovery;
// extras are closed immediately and flagged recovered=true.
func (t *Tracker) Recover(ctx context.Context) error {
	if t.repo == nil {
		return nil
	}
	events, err := t.repo.LoadOpenEvents(ctx)
	if err != nil {
		return apperrors.TransientPersistence(err, "loading open downtime events")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for i := range events {
		e := events[i]
		t.all[e.ID] = &e
		if existing, ok := t.active[e.EquipmentCode]; ok {
			// Extra open event for an equipment that already has one:
			// close it immediately as a recovery artifact.
			t.closeRecovered(ctx, &e, now)
			t.log.Warn().Str("equipment", e.EquipmentCode).Str("event_id", e.ID.String()).
				Str("kept_event_id", existing.ID.String()).Msg("closed duplicate open downtime event on recovery")
			continue
		}
		t.active[e.EquipmentCode] = &e
	}
	return nil
}

func (t *Tracker) closeRecovered(ctx context.Context, e *models.DowntimeEvent, now time.Time) {
	e.EndTime = &now
	d := now.Sub(e.StartTime)
	e.Duration = &d
	e.Status = models.DowntimeClosed
	if e.ContextData == nil {
		e.ContextData = map[string]interface{}{}
	}
	e.ContextData["recovered"] = true
	t.persist(ctx, *e)
}

// Tick is the per-equipment state-machine transition for one poller tick.
// It returns the event that was opened and/or closed this tick, either of
// which may be nil.
func (t *Tracker) Tick(ctx context.Context, lineID uuid.UUID, equipmentCode string, metrics models.DerivedMetrics, ec models.EquipmentContext, tickTime time.Time) (opened, closed *models.DowntimeEvent) {
	t.mu.Lock()

	active, hasActive := t.active[equipmentCode]

	switch {
	case !metrics.Running && !hasActive:
		// RUNNING -> DOWN: open a new event.
		code, desc, category, subcategory := classify(metrics, ec, t.catalog)
		e := &models.DowntimeEvent{
			ID:                uuid.New(),
			LineID:            lineID,
			EquipmentCode:     equipmentCode,
			StartTime:         tickTime,
			ReasonCode:        code,
			ReasonDescription: desc,
			Category:          category,
			Subcategory:       subcategory,
			Status:            models.DowntimeOpen,
			PLCSource:         true,
			AutoDetected:      true,
			FaultData:         faultData(metrics),
			ContextData:       contextData(ec),
		}
		t.active[equipmentCode] = e
		t.all[e.ID] = e
		opened = copyEvent(e)

	case !metrics.Running && hasActive:
		// DOWN -> DOWN: merge fault/context updates into the open event.
		active.FaultData = mergeFaultData(active.FaultData, faultData(metrics))
		active.ContextData = contextData(ec) // numeric context: last-write-wins
		closed = nil

	case metrics.Running && hasActive:
		// DOWN -> RUNNING: close the open event.
		endTime := tickTime
		dur := endTime.Sub(active.StartTime)
		active.EndTime = &endTime
		active.Duration = &dur
		active.Status = models.DowntimeClosed
		delete(t.active, equipmentCode)
		closed = copyEvent(active)
	}

	t.mu.Unlock()

	if opened != nil {
		t.persist(ctx, *opened)
	}
	if closed != nil {
		t.persist(ctx, *closed)
	}
	return opened, closed
}

// persist saves e durably, retrying transient failures per spec.md §7's
// TransientPersistenceError policy before giving up and logging: the
// in-memory Tracker stays authoritative for the running process even
// if the durable copy falls behind.
func (t *Tracker) persist(ctx context.Context, e models.DowntimeEvent) {
	if t.repo == nil {
		return
	}
	err := retry.Do(ctx, 3, "downtime.SaveEvent", func() error {
		return t.repo.SaveEvent(ctx, e)
	})
	if err != nil {
		t.log.Error().Err(err).Str("event_id", e.ID.String()).Msg("failed to persist downtime event")
	}
}

// classify implements the reason-classification priority order of
// spec.md §4.3. It runs once at event open and is never revised.
func classify(metrics models.DerivedMetrics, ec models.EquipmentContext, catalog *faultcatalog.Catalog) (models.ReasonCode, string, models.DowntimeCategory, string) {
	if catalog != nil {
		active := catalog.Active(metrics.FaultBits)

		// 1 & 2: internal faults, critical first.
		var firstCritical, firstOther *faultcatalog.Definition
		var firstUpstream, firstDownstream *faultcatalog.Definition
		for _, d := range active {
			switch d.Origin {
			case faultcatalog.OriginInternal:
				if d.Severity == faultcatalog.SeverityCritical {
					if firstCritical == nil {
						firstCritical = d
					}
				} else if firstOther == nil {
					firstOther = d
				}
			case faultcatalog.OriginUpstream:
				if firstUpstream == nil {
					firstUpstream = d
				}
			case faultcatalog.OriginDownstream:
				if firstDownstream == nil {
					firstDownstream = d
				}
			}
		}

		if firstCritical != nil {
			return firstCritical.ReasonCode, firstCritical.Description, models.DowntimeUnplanned, ""
		}
		if firstOther != nil {
			return firstOther.ReasonCode, firstOther.Description, models.DowntimeUnplanned, ""
		}
		if firstUpstream != nil {
			return models.ReasonUpstreamStop, firstUpstream.Description, models.DowntimeUnplanned, ""
		}
		if firstDownstream != nil {
			return models.ReasonDownstreamStop, firstDownstream.Description, models.DowntimeUnplanned, ""
		}
	}

	if ec.PlannedStop {
		category := models.DowntimeMainten
		if ec.ChangeoverStatus == models.ChangeoverInProgress {
			category = models.DowntimeChangeover
		}
		subcategory := "corrective"
		if ec.PlannedPreventive {
			subcategory = "preventive"
		}
		desc := ec.PlannedStopReason
		if desc == "" {
			desc = "planned stop"
		}
		return models.ReasonMaintenance, desc, category, subcategory
	}

	if metrics.MaterialShortage {
		subcategory := "raw_material"
		if ec.MaterialPackaging {
			subcategory = "packaging"
		}
		return models.ReasonMaterialShortage, "material shortage detected", models.DowntimeUnplanned, subcategory
	}
	if metrics.MaterialJam {
		subcategory := "raw_material"
		if ec.MaterialPackaging {
			subcategory = "packaging"
		}
		return models.ReasonMaterialJam, "material jam detected", models.DowntimeUnplanned, subcategory
	}

	return models.ReasonUnknown, "cause not determined", models.DowntimeUnplanned, ""
}

func faultData(m models.DerivedMetrics) map[string]interface{} {
	return map[string]interface{}{
		"fault_bits":    m.FaultBits,
		"active_alarms": append([]string(nil), m.ActiveAlarms...),
	}
}

func contextData(ec models.EquipmentContext) map[string]interface{} {
	return map[string]interface{}{
		"planned_stop":      ec.PlannedStop,
		"changeover_status": ec.ChangeoverStatus,
		"operator":          ec.Operator,
		"shift":             ec.Shift,
	}
}

func mergeFaultData(existing, incoming map[string]interface{}) map[string]interface{} {
	if existing == nil {
		return incoming
	}
	existingBits, _ := existing["fault_bits"].(models.FaultBits)
	incomingBits, _ := incoming["fault_bits"].(models.FaultBits)
	merged := existingBits.Union(incomingBits)

	alarmSet := map[string]struct{}{}
	var alarms []string
	addAlarms := func(list interface{}) {
		arr, _ := list.([]string)
		for _, a := range arr {
			if _, ok := alarmSet[a]; !ok {
				alarmSet[a] = struct{}{}
				alarms = append(alarms, a)
			}
		}
	}
	addAlarms(existing["active_alarms"])
	addAlarms(incoming["active_alarms"])

	return map[string]interface{}{
		"fault_bits":    merged,
		"active_alarms": alarms,
	}
}

func copyEvent(e *models.DowntimeEvent) *models.DowntimeEvent {
	cp := *e
	return &cp
}

// Confirm is the human-visible, idempotent operator-confirmation
// operation (spec.md §4.3). It is allowed on open or closed events.
func (t *Tracker) Confirm(ctx context.Context, eventID uuid.UUID, by, notes string, reasonCode *models.ReasonCode) (models.DowntimeEvent, error) {
	t.mu.Lock()
	e, ok := t.all[eventID]
	if !ok {
		t.mu.Unlock()
		return models.DowntimeEvent{}, apperrors.NotFound("downtime event %s not found", eventID)
	}

	now := time.Now()
	e.Status = models.DowntimeConfirmed
	e.ConfirmedBy = by
	e.ConfirmedAt = &now
	if notes != "" {
		e.Notes = notes
	}
	if reasonCode != nil {
		e.ReasonCode = *reasonCode
	}
	out := copyEvent(e)
	t.mu.Unlock()

	t.persist(ctx, *out)
	return *out, nil
}

// ActiveCount returns the number of currently-open downtime events,
// primarily for introspection/stats endpoints.
func (t *Tracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}

// UnplannedDurationInWindow sums the duration of closed unplanned
// downtime events for equipmentCode overlapping [from, to], satisfying
// oee.DowntimeSource for the OEE Calculator's availability term.
func (t *Tracker) UnplannedDurationInWindow(equipmentCode string, from, to time.Time) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total time.Duration
	for _, e := range t.all {
		if e.EquipmentCode != equipmentCode || e.Category != models.DowntimeUnplanned || e.EndTime == nil {
			continue
		}
		if e.StartTime.After(to) || e.EndTime.Before(from) {
			continue
		}
		start := e.StartTime
		if start.Before(from) {
			start = from
		}
		end := *e.EndTime
		if end.After(to) {
			end = to
		}
		if end.After(start) {
			total += end.Sub(start)
		}
	}
	return total
}

// OpenUnplannedSince reports the start time of a currently-open
// unplanned downtime event for equipmentCode, if any.
func (t *Tracker) OpenUnplannedSince(equipmentCode string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.active[equipmentCode]
	if !ok || e.Category != models.DowntimeUnplanned {
		return time.Time{}, false
	}
	return e.StartTime, true
}

// Filter narrows List/Statistics queries.
type Filter struct {
	LineID        *uuid.UUID
	EquipmentCode string
	From, To      time.Time
}

// List returns events matching filter, most recent first, paginated.
func (t *Tracker) List(filter Filter, limit, offset int) []models.DowntimeEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var matched []models.DowntimeEvent
	for _, e := range t.all {
		if !matches(*e, filter) {
			continue
		}
		matched = append(matched, *e)
	}

	// Most-recent-first by start time.
	for i := 0; i < len(matched); i++ {
		for j := i + 1; j < len(matched); j++ {
			if matched[j].StartTime.After(matched[i].StartTime) {
				matched[i], matched[j] = matched[j], matched[i]
			}
		}
	}

	if offset >= len(matched) {
		return nil
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end]
}

func matches(e models.DowntimeEvent, f Filter) bool {
	if f.LineID != nil && e.LineID != *f.LineID {
		return false
	}
	if f.EquipmentCode != "" && e.EquipmentCode != f.EquipmentCode {
		return false
	}
	if !f.From.IsZero() && e.StartTime.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.StartTime.After(f.To) {
		return false
	}
	return true
}

// Statistics summarizes downtime for the given filter.
type Statistics struct {
	TotalEvents     int
	TotalDuration   time.Duration
	AverageDuration time.Duration
	ByReason        map[models.ReasonCode]int
	ByDay           map[string]time.Duration
}

// Statistics computes totals, averages and per-reason/per-day
// breakdowns per spec.md §4.3.
func (t *Tracker) Statistics(filter Filter) Statistics {
	events := t.List(filter, 0, 0)

	stats := Statistics{
		ByReason: make(map[models.ReasonCode]int),
		ByDay:    make(map[string]time.Duration),
	}
	for _, e := range events {
		stats.TotalEvents++
		if e.Duration != nil {
			stats.TotalDuration += *e.Duration
			day := e.StartTime.Format("2006-01-02")
			stats.ByDay[day] += *e.Duration
		}
		stats.ByReason[e.ReasonCode]++
	}
	if stats.TotalEvents > 0 {
		stats.AverageDuration = stats.TotalDuration / time.Duration(stats.TotalEvents)
	}
	return stats
}

// Get returns one event by ID, open or closed.
func (t *Tracker) Get(id uuid.UUID) (models.DowntimeEvent, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.all[id]
	if !ok {
		return models.DowntimeEvent{}, apperrors.NotFound("downtime event %s not found", id)
	}
	return *e, nil
}

// Invariant is a debug/test helper asserting spec.md §8 property 1: at
// most one open event per equipment_code.
func (t *Tracker) Invariant() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := map[string]int{}
	for _, e := range t.all {
		if e.Status == models.DowntimeOpen {
			seen[e.EquipmentCode]++
		}
	}
	for code, count := range seen {
		if count > 1 {
			return fmt.Errorf("invariant violated: equipment %q has %d open downtime events", code, count)
		}
	}
	return nil
}
