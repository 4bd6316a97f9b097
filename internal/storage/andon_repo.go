package storage

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/ms5/telemetry-engine/pkg/models"
)

// AndonRepository persists Andon events, satisfying andon.Repository.
// Its interface returns no error (the Andon Engine's event lifecycle is
// authoritative in memory; persistence is best-effort and logs its own
// failures) so every method here swallows and logs rather than
// propagating.
type AndonRepository struct {
	db  *DB
	log zerolog.Logger
}

// NewAndonRepository constructs an AndonRepository.
func NewAndonRepository(db *DB, log zerolog.Logger) *AndonRepository {
	return &AndonRepository{db: db, log: log.With().Str("subsystem", "storage.andon").Logger()}
}

// SaveEvent upserts one Andon event by id.
func (r *AndonRepository) SaveEvent(ctx context.Context, event models.AndonEvent) {
	faultData, err := json.Marshal(event.FaultData)
	if err != nil {
		r.log.Error().Err(err).Str("event_id", event.ID.String()).Msg("marshal andon fault data")
		return
	}

	query := `
		INSERT INTO andon_events (
			id, line_id, equipment_code, event_type, priority, description, status,
			reported_by, reported_at, acknowledged_by, acknowledged_at, resolved_by,
			resolved_at, resolution_notes, escalation_level, escalated_at, auto_generated, plc_source,
			fault_data, related_downtime_event_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			priority = EXCLUDED.priority,
			status = EXCLUDED.status,
			acknowledged_by = EXCLUDED.acknowledged_by,
			acknowledged_at = EXCLUDED.acknowledged_at,
			resolved_by = EXCLUDED.resolved_by,
			resolved_at = EXCLUDED.resolved_at,
			resolution_notes = EXCLUDED.resolution_notes,
			escalation_level = EXCLUDED.escalation_level,
			escalated_at = EXCLUDED.escalated_at,
			updated_at = NOW()`

	_, err = r.db.pool.Exec(ctx, query,
		event.ID, event.LineID, event.EquipmentCode, event.EventType, event.Priority, event.Description, event.Status,
		event.ReportedBy, event.ReportedAt, event.AcknowledgedBy, event.AcknowledgedAt, event.ResolvedBy,
		event.ResolvedAt, event.ResolutionNotes, event.EscalationLevel, event.EscalatedAt, event.AutoGenerated, event.PLCSource,
		faultData, event.RelatedDowntimeEventID,
	)
	if err != nil {
		r.log.Error().Err(err).Str("event_id", event.ID.String()).Msg("save andon event")
	}
}

// RecordEscalation appends one escalation-step row, for audit/history.
func (r *AndonRepository) RecordEscalation(ctx context.Context, andonEventID string, level int, recipients []string) {
	query := `INSERT INTO andon_escalations (andon_event_id, escalation_level, recipients) VALUES ($1, $2, $3)`
	if _, err := r.db.pool.Exec(ctx, query, andonEventID, level, recipients); err != nil {
		r.log.Error().Err(err).Str("event_id", andonEventID).Msg("record andon escalation")
	}
}

// LoadOpenEvents returns every Andon event not yet resolved, for
// start-up recovery of escalation timers.
func (r *AndonRepository) LoadOpenEvents(ctx context.Context) []models.AndonEvent {
	query := `
		SELECT id, line_id, equipment_code, event_type, priority, description, status,
			   reported_by, reported_at, acknowledged_by, acknowledged_at, resolved_by,
			   resolved_at, resolution_notes, escalation_level, escalated_at, auto_generated, plc_source,
			   fault_data, related_downtime_event_id
		FROM andon_events
		WHERE status IN ('open', 'acknowledged', 'escalated')`

	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		r.log.Error().Err(err).Msg("load open andon events")
		return nil
	}
	defer rows.Close()

	var events []models.AndonEvent
	for rows.Next() {
		var e models.AndonEvent
		var faultData []byte
		if err := rows.Scan(
			&e.ID, &e.LineID, &e.EquipmentCode, &e.EventType, &e.Priority, &e.Description, &e.Status,
			&e.ReportedBy, &e.ReportedAt, &e.AcknowledgedBy, &e.AcknowledgedAt, &e.ResolvedBy,
			&e.ResolvedAt, &e.ResolutionNotes, &e.EscalationLevel, &e.EscalatedAt, &e.AutoGenerated, &e.PLCSource,
			&faultData, &e.RelatedDowntimeEventID,
		); err != nil {
			r.log.Error().Err(err).Msg("scan andon event")
			continue
		}
		if len(faultData) > 0 {
			json.Unmarshal(faultData, &e.FaultData)
		}
		events = append(events, e)
	}
	return events
}
