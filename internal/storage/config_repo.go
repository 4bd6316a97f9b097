package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/ms5/telemetry-engine/pkg/models"
)

// ConfigRepository reads the mostly-static production_lines/
// equipment_config/product_types tables cmd/ms5engine needs at boot to
// build the Poller's line list and seed the Equipment Context Store.
type ConfigRepository struct {
	db *DB
}

// NewConfigRepository constructs a ConfigRepository.
func NewConfigRepository(db *DB) *ConfigRepository {
	return &ConfigRepository{db: db}
}

// ListEnabledLines returns every enabled production line.
func (r *ConfigRepository) ListEnabledLines(ctx context.Context) ([]models.ProductionLine, error) {
	query := `SELECT id, line_code, name, equipment_codes, target_speed, enabled FROM production_lines WHERE enabled = TRUE`

	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []models.ProductionLine
	for rows.Next() {
		var l models.ProductionLine
		if err := rows.Scan(&l.ID, &l.LineCode, &l.Name, &l.EquipmentCodes, &l.TargetSpeed, &l.Enabled); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// EquipmentConfigRow is one equipment's static seed configuration.
type EquipmentConfigRow struct {
	EquipmentCode      string
	LineID             uuid.UUID
	TargetSpeed        float64
	DefaultProductType *uuid.UUID
	DefaultQualityRate float64
}

// ListEquipmentConfig returns the seed configuration for every
// configured equipment, used to populate equipctx.Store.Seed at boot.
func (r *ConfigRepository) ListEquipmentConfig(ctx context.Context) ([]EquipmentConfigRow, error) {
	query := `SELECT equipment_code, line_id, target_speed, default_product_type_id, default_quality_rate FROM equipment_config`

	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EquipmentConfigRow
	for rows.Next() {
		var row EquipmentConfigRow
		if err := rows.Scan(&row.EquipmentCode, &row.LineID, &row.TargetSpeed, &row.DefaultProductType, &row.DefaultQualityRate); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// UpsertLine creates or updates a production line's static configuration.
func (r *ConfigRepository) UpsertLine(ctx context.Context, line models.ProductionLine) error {
	query := `
		INSERT INTO production_lines (id, line_code, name, equipment_codes, target_speed, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			line_code = EXCLUDED.line_code,
			name = EXCLUDED.name,
			equipment_codes = EXCLUDED.equipment_codes,
			target_speed = EXCLUDED.target_speed,
			enabled = EXCLUDED.enabled`

	_, err := r.db.pool.Exec(ctx, query, line.ID, line.LineCode, line.Name, line.EquipmentCodes, line.TargetSpeed, line.Enabled)
	return err
}
