// Package jobmapper implements the Equipment-Job Mapper (C7): it links
// live telemetry to the currently assigned production job via the
// Equipment Context Store, and auto-completes jobs on target-reached.
// Grounded on the teacher's oee.Tracker.RecordProduction counter
// bookkeeping and original_source/app/services/equipment_job_mapper.py's
// completion semantics.
package jobmapper

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ms5/telemetry-engine/internal/apperrors"
	"github.com/ms5/telemetry-engine/pkg/models"
)

// Store is the subset of equipctx.Store the mapper depends on.
type Store interface {
	Get(ctx context.Context, equipmentCode string) (models.EquipmentContext, error)
	UpdateProduction(ctx context.Context, equipmentCode string, actualQuantity int64, efficiency, quality float64, by string) (models.EquipmentContext, error)
	AssignJob(ctx context.Context, equipmentCode string, jobID, scheduleID uuid.UUID, productTypeID *uuid.UUID, targetQuantity int64, targetSpeed float64, by string, force bool) (models.EquipmentContext, error)
	UnassignJob(ctx context.Context, equipmentCode, by string) (models.EquipmentContext, error)
}

// Mapper links telemetry to the active job per equipment.
type Mapper struct {
	store Store
}

// New constructs a Mapper over the given context store.
func New(store Store) *Mapper {
	return &Mapper{store: store}
}

// CurrentJob returns the joined view of an equipment's active job:
// context fields plus computed progress and estimated completion.
func (m *Mapper) CurrentJob(ctx context.Context, equipmentCode string) (models.JobSnapshot, error) {
	ec, err := m.store.Get(ctx, equipmentCode)
	if err != nil {
		return models.JobSnapshot{}, err
	}
	return snapshot(ec, time.Now()), nil
}

func snapshot(ec models.EquipmentContext, now time.Time) models.JobSnapshot {
	snap := models.JobSnapshot{
		EquipmentCode:  ec.EquipmentCode,
		JobID:          ec.CurrentJobID,
		ScheduleID:     ec.ScheduleID,
		ProductTypeID:  ec.ProductTypeID,
		TargetQuantity: ec.TargetQuantity,
		ActualQuantity: ec.ActualQuantity,
	}
	if ec.TargetQuantity > 0 {
		snap.Progress = float64(ec.ActualQuantity) / float64(ec.TargetQuantity)
	}
	if ec.TargetSpeed > 0 && ec.TargetQuantity > ec.ActualQuantity {
		remaining := float64(ec.TargetQuantity - ec.ActualQuantity)
		eta := now.Add(time.Duration(remaining/ec.TargetSpeed) * time.Second)
		snap.EstimatedCompletion = &eta
	}
	return snap
}

// CompletedEvent is emitted when UpdateProgress crosses the target.
type CompletedEvent struct {
	EquipmentCode  string
	LineID         uuid.UUID
	JobID          uuid.UUID
	ActualQuantity int64
	CompletedAt    time.Time
}

// UpdateProgress writes actual_quantity/efficiency/quality from metrics
// into the equipment's context, then checks for completion. It returns a
// non-nil CompletedEvent when target_quantity > 0 and actual_quantity has
// reached it; the job is unassigned as part of the same call.
func (m *Mapper) UpdateProgress(ctx context.Context, lineID uuid.UUID, equipmentCode string, metrics models.DerivedMetrics, by string) (*CompletedEvent, error) {
	ec, err := m.store.Get(ctx, equipmentCode)
	if err != nil {
		return nil, err
	}

	newActual := ec.ActualQuantity + metrics.ProductCount
	if _, err := m.store.UpdateProduction(ctx, equipmentCode, newActual, metrics.ProductionEfficiency, metrics.QualityRate, by); err != nil {
		return nil, err
	}

	if ec.TargetQuantity > 0 && newActual >= ec.TargetQuantity && ec.CurrentJobID != nil {
		jobID := *ec.CurrentJobID
		if _, err := m.store.UnassignJob(ctx, equipmentCode, by); err != nil {
			return nil, err
		}
		return &CompletedEvent{
			EquipmentCode:  equipmentCode,
			LineID:         lineID,
			JobID:          jobID,
			ActualQuantity: newActual,
			CompletedAt:    time.Now(),
		}, nil
	}

	return nil, nil
}

// Assign delegates to the context store; by is the audit actor.
func (m *Mapper) Assign(ctx context.Context, equipmentCode string, jobID, scheduleID uuid.UUID, productTypeID *uuid.UUID, targetQuantity int64, targetSpeed float64, by string) (models.EquipmentContext, error) {
	if targetQuantity < 0 {
		return models.EquipmentContext{}, apperrors.Validation("target_quantity must be >= 0")
	}
	return m.store.AssignJob(ctx, equipmentCode, jobID, scheduleID, productTypeID, targetQuantity, targetSpeed, by, false)
}

// Unassign delegates to the context store.
func (m *Mapper) Unassign(ctx context.Context, equipmentCode, by string) (models.EquipmentContext, error) {
	return m.store.UnassignJob(ctx, equipmentCode, by)
}
