package storage

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/ms5/telemetry-engine/internal/eventbus"
	"github.com/ms5/telemetry-engine/pkg/models"
)

// AuditRepository is the append-only audit sink backing both
// equipctx.AuditSink (context mutations) and eventbus.AuditSink
// (dropped deliveries). Neither caller is allowed to block on or fail
// from audit persistence, so every method here logs and returns.
type AuditRepository struct {
	db  *DB
	log zerolog.Logger
}

// NewAuditRepository constructs an AuditRepository.
func NewAuditRepository(db *DB, log zerolog.Logger) *AuditRepository {
	return &AuditRepository{db: db, log: log.With().Str("subsystem", "storage.audit").Logger()}
}

// RecordContextChange persists one equipment-context mutation.
func (r *AuditRepository) RecordContextChange(ctx context.Context, rec models.AuditRecord) {
	before, err := json.Marshal(rec.Before)
	if err != nil {
		r.log.Error().Err(err).Msg("marshal audit before")
		return
	}
	after, err := json.Marshal(rec.After)
	if err != nil {
		r.log.Error().Err(err).Msg("marshal audit after")
		return
	}

	query := `
		INSERT INTO production_context_history (equipment_code, recorded_at, who, action, before, after)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := r.db.pool.Exec(ctx, query, rec.EntityID, rec.When, rec.Who, rec.Action, before, after); err != nil {
		r.log.Error().Err(err).Str("equipment", rec.EntityID).Msg("record context change")
	}

	if ec, ok := rec.After["context"].(models.EquipmentContext); ok {
		r.upsertContextSnapshot(ctx, ec)
	}
}

// upsertContextSnapshot keeps the `context` table's current-state row in
// sync with every mutation the Equipment Context Store records, so
// queries against "now" don't need to replay production_context_history.
func (r *AuditRepository) upsertContextSnapshot(ctx context.Context, ec models.EquipmentContext) {
	query := `
		INSERT INTO context (
			equipment_code, line_id, current_job_id, schedule_id, product_type_id,
			target_quantity, actual_quantity, target_speed, operator, shift,
			planned_stop, planned_stop_reason, changeover_status, fault_status,
			active_fault_bit, fault_detected_at, production_efficiency, quality_rate,
			last_production_update
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (equipment_code) DO UPDATE SET
			current_job_id = EXCLUDED.current_job_id,
			schedule_id = EXCLUDED.schedule_id,
			product_type_id = EXCLUDED.product_type_id,
			target_quantity = EXCLUDED.target_quantity,
			actual_quantity = EXCLUDED.actual_quantity,
			target_speed = EXCLUDED.target_speed,
			operator = EXCLUDED.operator,
			shift = EXCLUDED.shift,
			planned_stop = EXCLUDED.planned_stop,
			planned_stop_reason = EXCLUDED.planned_stop_reason,
			changeover_status = EXCLUDED.changeover_status,
			fault_status = EXCLUDED.fault_status,
			active_fault_bit = EXCLUDED.active_fault_bit,
			fault_detected_at = EXCLUDED.fault_detected_at,
			production_efficiency = EXCLUDED.production_efficiency,
			quality_rate = EXCLUDED.quality_rate,
			last_production_update = EXCLUDED.last_production_update`

	_, err := r.db.pool.Exec(ctx, query,
		ec.EquipmentCode, ec.LineID, ec.CurrentJobID, ec.ScheduleID, ec.ProductTypeID,
		ec.TargetQuantity, ec.ActualQuantity, ec.TargetSpeed, ec.Operator, ec.Shift,
		ec.PlannedStop, ec.PlannedStopReason, ec.ChangeoverStatus, ec.FaultStatus,
		ec.ActiveFaultBit, ec.FaultDetectedAt, ec.ProductionEfficiency, ec.QualityRate,
		ec.LastProductionUpdate,
	)
	if err != nil {
		r.log.Error().Err(err).Str("equipment", ec.EquipmentCode).Msg("upsert context snapshot")
	}
}

// RecordDrop persists one dropped event-bus delivery, for later review
// of subscriber backpressure.
func (r *AuditRepository) RecordDrop(subscriberID string, event eventbus.Event) {
	query := `INSERT INTO event_bus_drops (subscriber_id, event_type, dropped_at) VALUES ($1, $2, $3)`
	if _, err := r.db.pool.Exec(context.Background(), query, subscriberID, string(event.Type), event.Timestamp); err != nil {
		r.log.Error().Err(err).Str("subscriber", subscriberID).Msg("record dropped event")
	}
}
