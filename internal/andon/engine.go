// Package andon implements the Andon Engine (C8): shop-floor alert
// lifecycle and escalation. Adapted from the teacher's alerts.Engine
// (rule evaluation, cooldown bookkeeping, map+mutex alert store) and
// original_source/app/services/andon_service.py's escalation-level table
// and state-transition rules, generalized from threshold-rule alerting
// to fault/downtime-driven shop-floor events.
package andon

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ms5/telemetry-engine/internal/apperrors"
	"github.com/ms5/telemetry-engine/internal/workerpool"
	"github.com/ms5/telemetry-engine/pkg/models"
)

// EscalationLevel describes the acknowledgment/resolution timeouts and
// notification recipients for one priority tier, ported from
// andon_service.py's ESCALATION_LEVELS table.
type EscalationLevel struct {
	AckTimeout      time.Duration
	ResolveTimeout  time.Duration
	Recipients      []string
}

// DefaultEscalationLevels mirrors the source system's per-priority table.
func DefaultEscalationLevels() map[models.AndonPriority]EscalationLevel {
	return map[models.AndonPriority]EscalationLevel{
		models.PriorityLow: {
			AckTimeout:     15 * time.Minute,
			ResolveTimeout: 60 * time.Minute,
			Recipients:     []string{"shift_manager", "engineer"},
		},
		models.PriorityMedium: {
			AckTimeout:     10 * time.Minute,
			ResolveTimeout: 45 * time.Minute,
			Recipients:     []string{"shift_manager", "engineer", "production_manager"},
		},
		models.PriorityHigh: {
			AckTimeout:     5 * time.Minute,
			ResolveTimeout: 30 * time.Minute,
			Recipients:     []string{"shift_manager", "engineer", "production_manager", "admin"},
		},
		models.PriorityCritical: {
			AckTimeout:     2 * time.Minute,
			ResolveTimeout: 15 * time.Minute,
			Recipients:     []string{"all_managers", "admin"},
		},
	}
}

// RecipientDirectory resolves escalation recipient roles to notifiable
// targets. Populated externally (e.g. from an org chart service); the
// engine only needs to know who to notify, never how.
type RecipientDirectory interface {
	Resolve(role string) []string
}

// Publisher emits escalation-relevant events onto the event bus.
type Publisher interface {
	PublishAndonEvent(event models.AndonEvent)
	PublishEscalation(eventID uuid.UUID, level int, recipients []string)
}

// Repository persists Andon events and escalation bookkeeping.
type Repository interface {
	SaveEvent(ctx context.Context, event models.AndonEvent)
	LoadOpenEvents(ctx context.Context) []models.AndonEvent
}

// autoCreateEnabled lists the event types AutoCreate may open; the
// priority is the caller's. Per spec.md §4.6, upstream and downstream
// are left out, so AutoCreate returns (nil, nil) for them.
var autoCreateEnabled = map[models.AndonEventType]bool{
	models.AndonStop:     true,
	models.AndonQuality:  true,
	models.AndonMaintain: true,
	models.AndonMaterial: true,
	models.AndonSafety:   true,
}

// Engine owns the Andon event lifecycle and escalation timers.
type Engine struct {
	mu         sync.RWMutex
	events     map[uuid.UUID]*models.AndonEvent
	levels     map[models.AndonPriority]EscalationLevel
	recipients RecipientDirectory
	pub        Publisher
	repo       Repository
	pool       *workerpool.WorkerPool
	log        zerolog.Logger
}

// NoopRecipientDirectory resolves every role to no recipients. It is
// the default when no external directory is configured (spec.md §9's
// open question on escalation recipients: this engine never owns user
// data, only notifies whoever an external directory names).
type NoopRecipientDirectory struct{}

// Resolve always returns an empty recipient list.
func (NoopRecipientDirectory) Resolve(role string) []string { return nil }

// New constructs an Engine. pool is used to run escalation-timer
// callbacks off the timer goroutine; a nil pool runs them inline.
func New(recipients RecipientDirectory, pub Publisher, repo Repository, pool *workerpool.WorkerPool, log zerolog.Logger) *Engine {
	return &Engine{
		events:     make(map[uuid.UUID]*models.AndonEvent),
		levels:     DefaultEscalationLevels(),
		recipients: recipients,
		pub:        pub,
		repo:       repo,
		pool:       pool,
		log:        log.With().Str("subsystem", "andon").Logger(),
	}
}

// Recover rehydrates unresolved (open, acknowledged or escalated) events
// from the repository at start-up and re-arms their escalation timers:
// the resolution deadline counts from ReportedAt, the acknowledgment
// deadline from EscalatedAt when set and from ReportedAt otherwise.
func (e *Engine) Recover(ctx context.Context) {
	if e.repo == nil {
		return
	}
	for _, ev := range e.repo.LoadOpenEvents(ctx) {
		ev := ev
		e.mu.Lock()
		e.events[ev.ID] = &ev
		e.mu.Unlock()
		e.armTimers(&ev)
	}
}

// AutoCreate opens an Andon event from telemetry/downtime classification,
// unless an active (open, acknowledged or escalated) duplicate already exists for
// the same (line, equipment, event_type) — spec.md §4.6 dedup rule.
// Returns (nil, nil) when the event type is not in the auto-create set or
// a duplicate already exists; both are non-error, expected outcomes.
func (e *Engine) AutoCreate(ctx context.Context, lineID uuid.UUID, equipmentCode string, eventType models.AndonEventType, priority models.AndonPriority, description string, faultData map[string]interface{}, relatedDowntime *uuid.UUID) (*models.AndonEvent, error) {
	if !autoCreateEnabled[eventType] {
		return nil, nil
	}

	e.mu.Lock()
	for _, ev := range e.events {
		if ev.LineID == lineID && ev.EquipmentCode == equipmentCode && ev.EventType == eventType && isActive(ev.Status) {
			e.mu.Unlock()
			return nil, nil
		}
	}
	ev := &models.AndonEvent{
		ID:                     uuid.New(),
		LineID:                 lineID,
		EquipmentCode:          equipmentCode,
		EventType:              eventType,
		Priority:               priority,
		Description:            description,
		Status:                 models.AndonOpen,
		ReportedBy:             "system",
		ReportedAt:             time.Now(),
		AutoGenerated:          true,
		PLCSource:              true,
		FaultData:              faultData,
		RelatedDowntimeEventID: relatedDowntime,
	}
	e.events[ev.ID] = ev
	e.mu.Unlock()

	e.persist(ctx, ev)
	e.armTimers(ev)
	e.log.Info().Str("event_id", ev.ID.String()).Str("equipment_code", equipmentCode).Str("event_type", string(eventType)).Msg("andon event auto-created")
	return ev, nil
}

// Create opens a manually-reported Andon event. Unlike AutoCreate this
// rejects a duplicate with a ConflictError rather than silently skipping,
// matching andon_service.py's create_andon_event behaviour for operator
// reports.
func (e *Engine) Create(ctx context.Context, lineID uuid.UUID, equipmentCode string, eventType models.AndonEventType, priority models.AndonPriority, description, reportedBy string) (models.AndonEvent, error) {
	e.mu.Lock()
	for _, ev := range e.events {
		if ev.LineID == lineID && ev.EquipmentCode == equipmentCode && ev.EventType == eventType && isActive(ev.Status) {
			e.mu.Unlock()
			return models.AndonEvent{}, apperrors.Conflict("active andon event already exists for %s/%s", equipmentCode, eventType)
		}
	}
	ev := &models.AndonEvent{
		ID:            uuid.New(),
		LineID:        lineID,
		EquipmentCode: equipmentCode,
		EventType:     eventType,
		Priority:      priority,
		Description:   description,
		Status:        models.AndonOpen,
		ReportedBy:    reportedBy,
		ReportedAt:    time.Now(),
	}
	e.events[ev.ID] = ev
	e.mu.Unlock()

	e.persist(ctx, ev)
	e.armTimers(ev)
	if e.pub != nil {
		e.pub.PublishAndonEvent(*ev)
	}
	return *ev, nil
}

func isActive(status models.AndonStatus) bool {
	return status == models.AndonOpen || status == models.AndonAcknowledged || status == models.AndonEscalated
}

// nextPriority returns the next-higher escalation tier, clamping at
// critical, per spec.md §4.6's ack-timeout re-arm rule ("re-armed with
// the next-higher priority's timeouts, critical clamps").
func nextPriority(p models.AndonPriority) models.AndonPriority {
	switch p {
	case models.PriorityLow:
		return models.PriorityMedium
	case models.PriorityMedium:
		return models.PriorityHigh
	default:
		return models.PriorityCritical
	}
}

// Acknowledge transitions an event from open (or escalated) to
// acknowledged. It is idempotent-unsafe by design: acknowledging an
// already-resolved event is rejected.
func (e *Engine) Acknowledge(ctx context.Context, eventID uuid.UUID, by string) (models.AndonEvent, error) {
	e.mu.Lock()
	ev, ok := e.events[eventID]
	if !ok {
		e.mu.Unlock()
		return models.AndonEvent{}, apperrors.NotFound("andon event %s not found", eventID)
	}
	if ev.Status != models.AndonOpen && ev.Status != models.AndonEscalated {
		e.mu.Unlock()
		return models.AndonEvent{}, apperrors.BusinessLogic("event cannot be acknowledged in status %s", ev.Status)
	}
	now := time.Now()
	ev.Status = models.AndonAcknowledged
	ev.AcknowledgedBy = by
	ev.AcknowledgedAt = &now
	cp := *ev
	e.mu.Unlock()

	e.persist(ctx, &cp)
	return cp, nil
}

// Resolve transitions an event to resolved from open, acknowledged or
// escalated.
func (e *Engine) Resolve(ctx context.Context, eventID uuid.UUID, by, notes string) (models.AndonEvent, error) {
	e.mu.Lock()
	ev, ok := e.events[eventID]
	if !ok {
		e.mu.Unlock()
		return models.AndonEvent{}, apperrors.NotFound("andon event %s not found", eventID)
	}
	if ev.Status == models.AndonResolved {
		e.mu.Unlock()
		return models.AndonEvent{}, apperrors.BusinessLogic("event cannot be resolved in status %s", ev.Status)
	}
	now := time.Now()
	ev.Status = models.AndonResolved
	ev.ResolvedBy = by
	ev.ResolvedAt = &now
	ev.ResolutionNotes = notes
	cp := *ev
	e.mu.Unlock()

	e.persist(ctx, &cp)
	return cp, nil
}

// Escalate bumps an event's escalation level and notifies the
// escalation-level's recipients (or the explicitly-targeted level when
// manually invoked).
func (e *Engine) Escalate(ctx context.Context, eventID uuid.UUID, targetLevel int, by string) (models.AndonEvent, error) {
	e.mu.Lock()
	ev, ok := e.events[eventID]
	if !ok {
		e.mu.Unlock()
		return models.AndonEvent{}, apperrors.NotFound("andon event %s not found", eventID)
	}
	if !isActive(ev.Status) {
		e.mu.Unlock()
		return models.AndonEvent{}, apperrors.BusinessLogic("event cannot be escalated in status %s", ev.Status)
	}
	if targetLevel <= ev.EscalationLevel {
		targetLevel = ev.EscalationLevel + 1
	}
	ev.EscalationLevel = targetLevel
	ev.Status = models.AndonEscalated
	cp := *ev
	level := e.levels[ev.Priority]
	e.mu.Unlock()

	e.persist(ctx, &cp)
	recipients := e.resolveRecipients(level.Recipients)
	if e.pub != nil {
		e.pub.PublishEscalation(eventID, targetLevel, recipients)
	}
	e.log.Info().Str("event_id", eventID.String()).Int("level", targetLevel).Str("by", by).Msg("andon event escalated")
	return cp, nil
}

func (e *Engine) resolveRecipients(roles []string) []string {
	if e.recipients == nil {
		return roles
	}
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		out = append(out, e.recipients.Resolve(role)...)
	}
	return out
}

// armTimers schedules the acknowledgment-timeout and resolution-timeout
// escalation callbacks for a freshly opened (or recovered) event. Each
// timer self-cancels if the event has moved past the state it was
// guarding by the time it fires. The ack-timeout deadline is computed
// from EscalatedAt when the event was recovered mid-cascade, and from
// ReportedAt otherwise, per spec.md §4.6's reliability rule.
func (e *Engine) armTimers(ev *models.AndonEvent) {
	level, ok := e.levels[ev.Priority]
	if !ok {
		return
	}
	ackBase := ev.ReportedAt
	if ev.EscalatedAt != nil {
		ackBase = *ev.EscalatedAt
	}
	ackDeadline := ackBase.Add(level.AckTimeout)
	resolveDeadline := ev.ReportedAt.Add(level.ResolveTimeout)
	eventID := ev.ID

	if ev.Status == models.AndonOpen || ev.Status == models.AndonEscalated {
		e.scheduleAt(ackDeadline, func(ctx context.Context) {
			e.escalateAckTimeout(ctx, eventID)
		})
	}

	e.scheduleAt(resolveDeadline, func(ctx context.Context) {
		e.mu.RLock()
		cur, ok := e.events[eventID]
		needsEscalation := ok && isActive(cur.Status)
		e.mu.RUnlock()
		if needsEscalation {
			if _, err := e.Escalate(ctx, eventID, cur.EscalationLevel+1, "system:resolution_timeout"); err != nil {
				e.log.Warn().Err(err).Str("event_id", eventID.String()).Msg("resolution-timeout escalation failed")
			}
		}
	})
}

// escalateAckTimeout performs the ack-timeout-driven escalation of
// spec.md §4.6: if the event is still open (or already mid-cascade,
// escalated) it bumps to the next-higher priority tier (clamped at
// critical), advances escalation_level, and re-arms a fresh
// ack-timeout timer at the new tier. This cascades low -> medium ->
// high -> critical, firing again at critical's own cadence, until
// acknowledgment or resolution stops it.
func (e *Engine) escalateAckTimeout(ctx context.Context, eventID uuid.UUID) {
	e.mu.Lock()
	ev, ok := e.events[eventID]
	if !ok || (ev.Status != models.AndonOpen && ev.Status != models.AndonEscalated) {
		e.mu.Unlock()
		return
	}
	now := time.Now()
	ev.Priority = nextPriority(ev.Priority)
	ev.EscalationLevel++
	ev.Status = models.AndonEscalated
	ev.EscalatedAt = &now
	cp := *ev
	level := e.levels[ev.Priority]
	e.mu.Unlock()

	e.persist(ctx, &cp)
	recipients := e.resolveRecipients(level.Recipients)
	if e.pub != nil {
		e.pub.PublishEscalation(eventID, cp.EscalationLevel, recipients)
	}
	e.log.Info().Str("event_id", eventID.String()).Str("priority", string(cp.Priority)).Int("level", cp.EscalationLevel).
		Msg("andon event escalated on acknowledgment timeout")

	e.scheduleAt(now.Add(level.AckTimeout), func(ctx context.Context) {
		e.escalateAckTimeout(ctx, eventID)
	})
}

func (e *Engine) scheduleAt(deadline time.Time, fn func(ctx context.Context)) {
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	timer := time.AfterFunc(d, func() {
		if e.pool != nil {
			_ = e.pool.Submit(fn)
		} else {
			fn(context.Background())
		}
	})
	_ = timer
}

func (e *Engine) persist(ctx context.Context, ev *models.AndonEvent) {
	if e.repo == nil {
		return
	}
	e.repo.SaveEvent(ctx, *ev)
}

// Get returns a copy of one event.
func (e *Engine) Get(eventID uuid.UUID) (models.AndonEvent, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ev, ok := e.events[eventID]
	if !ok {
		return models.AndonEvent{}, apperrors.NotFound("andon event %s not found", eventID)
	}
	return *ev, nil
}

// Filter narrows List results.
type Filter struct {
	LineID        *uuid.UUID
	EquipmentCode string
	Status        models.AndonStatus
	Priority      models.AndonPriority
	ActiveOnly    bool
}

// List returns events matching filter, most-recently-reported first.
func (e *Engine) List(filter Filter) []models.AndonEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]models.AndonEvent, 0, len(e.events))
	for _, ev := range e.events {
		if filter.LineID != nil && ev.LineID != *filter.LineID {
			continue
		}
		if filter.EquipmentCode != "" && ev.EquipmentCode != filter.EquipmentCode {
			continue
		}
		if filter.Status != "" && ev.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && ev.Priority != filter.Priority {
			continue
		}
		if filter.ActiveOnly && !isActive(ev.Status) {
			continue
		}
		out = append(out, *ev)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ReportedAt.After(out[j-1].ReportedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Statistics summarizes the engine's current event population.
type Statistics struct {
	Total       int
	ByStatus    map[models.AndonStatus]int
	ByPriority  map[models.AndonPriority]int
	ActiveCount int
}

// Stats computes Statistics over every tracked event.
func (e *Engine) Stats() Statistics {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := Statistics{
		ByStatus:   make(map[models.AndonStatus]int),
		ByPriority: make(map[models.AndonPriority]int),
	}
	for _, ev := range e.events {
		stats.Total++
		stats.ByStatus[ev.Status]++
		stats.ByPriority[ev.Priority]++
		if isActive(ev.Status) {
			stats.ActiveCount++
		}
	}
	return stats
}
