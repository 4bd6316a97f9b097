// Package equipctx implements the Equipment Context Store (C4): a
// key-value store of per-equipment production context, single-writer
// per key, with every mutation audited. Adapted from the teacher's
// devices.Registry (map+mutex store, audit-on-mutate via RecordEvent),
// generalized from device bookkeeping to production-context bookkeeping
// and fronted by an optional coherent cache.
package equipctx

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ms5/telemetry-engine/internal/apperrors"
	"github.com/ms5/telemetry-engine/pkg/models"
)

// Cache is the coherent read-through cache in front of the store,
// implemented by internal/storage against Redis. A nil Cache disables
// caching; the store remains correct, just slower under read load.
type Cache interface {
	Get(ctx context.Context, equipmentCode string) (*models.EquipmentContext, bool)
	Set(ctx context.Context, equipmentCode string, ec *models.EquipmentContext)
	Invalidate(ctx context.Context, equipmentCode string)
}

// AuditSink receives one record per mutation. Implemented by
// internal/storage against Postgres; a nil sink disables persistence
// without affecting in-memory correctness.
type AuditSink interface {
	RecordContextChange(ctx context.Context, rec models.AuditRecord)
}

// Store is the single in-memory source of truth for EquipmentContext.
type Store struct {
	mu       sync.RWMutex
	byCode   map[string]*models.EquipmentContext
	cache    Cache
	audit    AuditSink
	log      zerolog.Logger
}

// New constructs an empty Store.
func New(cache Cache, audit AuditSink, log zerolog.Logger) *Store {
	return &Store{
		byCode: make(map[string]*models.EquipmentContext),
		cache:  cache,
		audit:  audit,
		log:    log.With().Str("subsystem", "equipctx").Logger(),
	}
}

// Seed registers an equipment's initial context, e.g. at start-up from
// static configuration. It does not audit.
func (s *Store) Seed(ec models.EquipmentContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := ec
	s.byCode[ec.EquipmentCode] = &cp
}

// Get returns a copy of one equipment's context.
func (s *Store) Get(ctx context.Context, equipmentCode string) (models.EquipmentContext, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, equipmentCode); ok {
			return *cached, nil
		}
	}

	s.mu.RLock()
	ec, ok := s.byCode[equipmentCode]
	var cp models.EquipmentContext
	if ok {
		cp = *ec
	}
	s.mu.RUnlock()

	if !ok {
		return models.EquipmentContext{}, apperrors.NotFound("equipment %q not found", equipmentCode)
	}

	if s.cache != nil {
		s.cache.Set(ctx, equipmentCode, &cp)
	}
	return cp, nil
}

// Delta is a partial update merged atomically by Update.
type Delta struct {
	ActualQuantity       *int64
	TargetQuantity       *int64
	TargetSpeed          *float64
	Operator             *string
	Shift                *string
	PlannedStop          *bool
	PlannedStopReason    *string
	ChangeoverStatus     *models.ChangeoverStatus
	FaultStatus          *models.FaultStatus
	ActiveFaultBit       **int
	FaultDetectedAt      **time.Time
	ProductionEfficiency *float64
	QualityRate          *float64
}

// Update atomically merges delta into the equipment's context and
// records an audit entry; reason is written onto that entry.
func (s *Store) Update(ctx context.Context, equipmentCode string, delta Delta, reason, by string) (models.EquipmentContext, error) {
	s.mu.Lock()
	ec, ok := s.byCode[equipmentCode]
	if !ok {
		s.mu.Unlock()
		return models.EquipmentContext{}, apperrors.NotFound("equipment %q not found", equipmentCode)
	}

	before := *ec
	applyDelta(ec, delta)
	ec.LastProductionUpdate = time.Now()
	after := *ec
	s.mu.Unlock()

	if s.cache != nil {
		s.cache.Invalidate(ctx, equipmentCode)
	}
	s.recordAudit(ctx, equipmentCode, "update", reason, by, before, after)

	return after, nil
}

// UpdateProduction is the narrow, high-frequency path the Job Mapper (C7)
// uses every tick: write actual quantity, efficiency and quality rate in
// one atomic merge.
func (s *Store) UpdateProduction(ctx context.Context, equipmentCode string, actualQuantity int64, efficiency, quality float64, by string) (models.EquipmentContext, error) {
	return s.Update(ctx, equipmentCode, Delta{
		ActualQuantity:       &actualQuantity,
		ProductionEfficiency: &efficiency,
		QualityRate:          &quality,
	}, "production update", by)
}

func applyDelta(ec *models.EquipmentContext, d Delta) {
	if d.ActualQuantity != nil {
		ec.ActualQuantity = *d.ActualQuantity
	}
	if d.TargetQuantity != nil {
		ec.TargetQuantity = *d.TargetQuantity
	}
	if d.TargetSpeed != nil {
		ec.TargetSpeed = *d.TargetSpeed
	}
	if d.Operator != nil {
		ec.Operator = *d.Operator
	}
	if d.Shift != nil {
		ec.Shift = *d.Shift
	}
	if d.PlannedStop != nil {
		ec.PlannedStop = *d.PlannedStop
	}
	if d.PlannedStopReason != nil {
		ec.PlannedStopReason = *d.PlannedStopReason
	}
	if d.ChangeoverStatus != nil {
		ec.ChangeoverStatus = *d.ChangeoverStatus
	}
	if d.FaultStatus != nil {
		ec.FaultStatus = *d.FaultStatus
	}
	if d.ActiveFaultBit != nil {
		ec.ActiveFaultBit = *d.ActiveFaultBit
	}
	if d.FaultDetectedAt != nil {
		ec.FaultDetectedAt = *d.FaultDetectedAt
	}
	if d.ProductionEfficiency != nil {
		ec.ProductionEfficiency = *d.ProductionEfficiency
	}
	if d.QualityRate != nil {
		ec.QualityRate = *d.QualityRate
	}
}

// AssignJob attaches a job to an equipment. It fails with ConflictError
// if the equipment already has a job unless force is true.
func (s *Store) AssignJob(ctx context.Context, equipmentCode string, jobID, scheduleID uuid.UUID, productTypeID *uuid.UUID, targetQuantity int64, targetSpeed float64, by string, force bool) (models.EquipmentContext, error) {
	s.mu.Lock()
	ec, ok := s.byCode[equipmentCode]
	if !ok {
		s.mu.Unlock()
		return models.EquipmentContext{}, apperrors.NotFound("equipment %q not found", equipmentCode)
	}
	if ec.CurrentJobID != nil && !force {
		s.mu.Unlock()
		return models.EquipmentContext{}, apperrors.Conflict("equipment %q already has job %s", equipmentCode, ec.CurrentJobID)
	}

	before := *ec
	jid, sid := jobID, scheduleID
	ec.CurrentJobID = &jid
	ec.ScheduleID = &sid
	ec.ProductTypeID = productTypeID
	ec.TargetQuantity = targetQuantity
	ec.ActualQuantity = 0
	ec.TargetSpeed = targetSpeed
	ec.ChangeoverStatus = models.ChangeoverNone
	ec.LastProductionUpdate = time.Now()
	after := *ec
	s.mu.Unlock()

	if s.cache != nil {
		s.cache.Invalidate(ctx, equipmentCode)
	}
	s.recordAudit(ctx, equipmentCode, "assign_job", "job assigned", by, before, after)

	return after, nil
}

// UnassignJob clears job fields, resetting actuals and derived rates.
func (s *Store) UnassignJob(ctx context.Context, equipmentCode, by string) (models.EquipmentContext, error) {
	s.mu.Lock()
	ec, ok := s.byCode[equipmentCode]
	if !ok {
		s.mu.Unlock()
		return models.EquipmentContext{}, apperrors.NotFound("equipment %q not found", equipmentCode)
	}

	before := *ec
	ec.CurrentJobID = nil
	ec.ScheduleID = nil
	ec.ProductTypeID = nil
	ec.TargetQuantity = 0
	ec.ActualQuantity = 0
	ec.ProductionEfficiency = 0
	ec.QualityRate = 0
	ec.ChangeoverStatus = models.ChangeoverNone
	ec.LastProductionUpdate = time.Now()
	after := *ec
	s.mu.Unlock()

	if s.cache != nil {
		s.cache.Invalidate(ctx, equipmentCode)
	}
	s.recordAudit(ctx, equipmentCode, "unassign_job", "job unassigned/completed", by, before, after)

	return after, nil
}

// List returns a snapshot of every equipment's context, equipment-code sorted by caller if needed.
func (s *Store) List() []models.EquipmentContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.EquipmentContext, 0, len(s.byCode))
	for _, ec := range s.byCode {
		out = append(out, *ec)
	}
	return out
}

func (s *Store) recordAudit(ctx context.Context, equipmentCode, action, reason, by string, before, after models.EquipmentContext) {
	if s.audit == nil {
		return
	}
	s.audit.RecordContextChange(ctx, models.AuditRecord{
		ID:       uuid.New(),
		When:     time.Now(),
		Who:      by,
		Entity:   "equipment_context",
		EntityID: equipmentCode,
		Action:   action,
		Before:   map[string]interface{}{"reason": reason, "context": before},
		After:    map[string]interface{}{"context": after},
	})
}
