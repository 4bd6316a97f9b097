package storage

import (
	"context"
	"encoding/json"

	"github.com/ms5/telemetry-engine/pkg/models"
)

// DowntimeRepository persists downtime events, satisfying
// downtime.Repository. Grounded on explorer.Repository's
// upsert-by-primary-key shape.
type DowntimeRepository struct {
	db *DB
}

// NewDowntimeRepository constructs a DowntimeRepository.
func NewDowntimeRepository(db *DB) *DowntimeRepository {
	return &DowntimeRepository{db: db}
}

// SaveEvent upserts one downtime event by id, covering both the initial
// open write and every subsequent update-on-close.
func (r *DowntimeRepository) SaveEvent(ctx context.Context, event models.DowntimeEvent) error {
	faultData, err := json.Marshal(event.FaultData)
	if err != nil {
		return err
	}
	contextData, err := json.Marshal(event.ContextData)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO downtime_events (
			id, line_id, equipment_code, start_time, end_time, reason_code,
			reason_description, category, subcategory, status, reported_by,
			confirmed_by, confirmed_at, notes, plc_source, auto_detected,
			fault_data, context_data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			end_time = EXCLUDED.end_time,
			reason_code = EXCLUDED.reason_code,
			reason_description = EXCLUDED.reason_description,
			category = EXCLUDED.category,
			subcategory = EXCLUDED.subcategory,
			status = EXCLUDED.status,
			confirmed_by = EXCLUDED.confirmed_by,
			confirmed_at = EXCLUDED.confirmed_at,
			notes = EXCLUDED.notes,
			fault_data = EXCLUDED.fault_data,
			context_data = EXCLUDED.context_data,
			updated_at = NOW()`

	_, err = r.db.pool.Exec(ctx, query,
		event.ID, event.LineID, event.EquipmentCode, event.StartTime, event.EndTime, event.ReasonCode,
		event.ReasonDescription, event.Category, event.Subcategory, event.Status, event.ReportedBy,
		event.ConfirmedBy, event.ConfirmedAt, event.Notes, event.PLCSource, event.AutoDetected,
		faultData, contextData,
	)
	return err
}

// LoadOpenEvents returns every downtime event still open, for the
// Downtime Tracker's start-up Recover pass.
func (r *DowntimeRepository) LoadOpenEvents(ctx context.Context) ([]models.DowntimeEvent, error) {
	query := `
		SELECT id, line_id, equipment_code, start_time, end_time, reason_code,
			   reason_description, category, subcategory, status, reported_by,
			   confirmed_by, confirmed_at, notes, plc_source, auto_detected,
			   fault_data, context_data
		FROM downtime_events
		WHERE status = 'open'`

	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.DowntimeEvent
	for rows.Next() {
		var e models.DowntimeEvent
		var faultData, contextData []byte
		if err := rows.Scan(
			&e.ID, &e.LineID, &e.EquipmentCode, &e.StartTime, &e.EndTime, &e.ReasonCode,
			&e.ReasonDescription, &e.Category, &e.Subcategory, &e.Status, &e.ReportedBy,
			&e.ConfirmedBy, &e.ConfirmedAt, &e.Notes, &e.PLCSource, &e.AutoDetected,
			&faultData, &contextData,
		); err != nil {
			return nil, err
		}
		if len(faultData) > 0 {
			json.Unmarshal(faultData, &e.FaultData)
		}
		if len(contextData) > 0 {
			json.Unmarshal(contextData, &e.ContextData)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListByEquipment returns the most recent downtime events for one
// equipment, newest first, for spec.md §4.3's list/statistics queries.
func (r *DowntimeRepository) ListByEquipment(ctx context.Context, equipmentCode string, limit int) ([]models.DowntimeEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, line_id, equipment_code, start_time, end_time, reason_code,
			   reason_description, category, subcategory, status, reported_by,
			   confirmed_by, confirmed_at, notes, plc_source, auto_detected,
			   fault_data, context_data
		FROM downtime_events
		WHERE equipment_code = $1
		ORDER BY start_time DESC
		LIMIT $2`

	rows, err := r.db.pool.Query(ctx, query, equipmentCode, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.DowntimeEvent
	for rows.Next() {
		var e models.DowntimeEvent
		var faultData, contextData []byte
		if err := rows.Scan(
			&e.ID, &e.LineID, &e.EquipmentCode, &e.StartTime, &e.EndTime, &e.ReasonCode,
			&e.ReasonDescription, &e.Category, &e.Subcategory, &e.Status, &e.ReportedBy,
			&e.ConfirmedBy, &e.ConfirmedAt, &e.Notes, &e.PLCSource, &e.AutoDetected,
			&faultData, &contextData,
		); err != nil {
			return nil, err
		}
		if len(faultData) > 0 {
			json.Unmarshal(faultData, &e.FaultData)
		}
		if len(contextData) > 0 {
			json.Unmarshal(contextData, &e.ContextData)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
