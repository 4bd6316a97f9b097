package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/ms5/telemetry-engine/internal/eventbus"
	"github.com/ms5/telemetry-engine/pkg/models"
)

// Materializer drains ProductionUpdate and OEEUpdate events off the
// Event Bus and batches them into metric_values/oee_calculations, the
// two tables no in-process Repository interface owns directly (the
// Downtime Tracker and Andon Engine persist themselves synchronously;
// raw metric history and OEE samples are an async, best-effort
// write-behind). Adapted from explorer.Repository's pgx.Batch usage,
// generalized from per-call batching to a ticker-flushed accumulator.
type Materializer struct {
	db  *DB
	bus *eventbus.Bus
	log zerolog.Logger

	flushInterval time.Duration
	batchSize     int

	stopCh chan struct{}
}

// NewMaterializer constructs a Materializer. flushInterval and
// batchSize bound how long un-persisted metrics can accumulate before
// a forced flush; either may be zero for the 5s/200-row defaults.
func NewMaterializer(db *DB, bus *eventbus.Bus, flushInterval time.Duration, batchSize int, log zerolog.Logger) *Materializer {
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Materializer{
		db:            db,
		bus:           bus,
		flushInterval: flushInterval,
		batchSize:     batchSize,
		log:           log.With().Str("subsystem", "storage.materializer").Logger(),
		stopCh:        make(chan struct{}),
	}
}

// Run subscribes to the bus and blocks until ctx is cancelled or Stop
// is called, flushing accumulated rows on the configured interval.
func (m *Materializer) Run(ctx context.Context) {
	sub := m.bus.Subscribe("storage-materializer", []eventbus.EventType{eventbus.ProductionUpdate, eventbus.OEEUpdate}, 2000)
	defer sub.Close()

	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	var metrics []models.DerivedMetrics
	var readings []models.OEEReading

	flush := func() {
		if len(metrics) > 0 {
			if err := m.insertMetrics(ctx, metrics); err != nil {
				m.log.Error().Err(err).Int("count", len(metrics)).Msg("flush metric values")
			}
			metrics = metrics[:0]
		}
		if len(readings) > 0 {
			if err := m.insertReadings(ctx, readings); err != nil {
				m.log.Error().Err(err).Int("count", len(readings)).Msg("flush oee calculations")
			}
			readings = readings[:0]
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-m.stopCh:
			flush()
			return
		case <-ticker.C:
			flush()
		case ev, ok := <-sub.Ch:
			if !ok {
				return
			}
			switch ev.Type {
			case eventbus.ProductionUpdate:
				if dm, ok := ev.Payload.(models.DerivedMetrics); ok {
					metrics = append(metrics, dm)
				}
			case eventbus.OEEUpdate:
				if reading, ok := ev.Payload.(models.OEEReading); ok {
					readings = append(readings, reading)
				}
			}
			if len(metrics) >= m.batchSize || len(readings) >= m.batchSize {
				flush()
			}
		}
	}
}

// Stop halts Run's consume loop after its next flush.
func (m *Materializer) Stop() {
	close(m.stopCh)
}

func (m *Materializer) insertMetrics(ctx context.Context, metrics []models.DerivedMetrics) error {
	query := `
		INSERT INTO metric_values (
			equipment_code, recorded_at, running, speed, product_count,
			good_parts, total_parts, cycle_time, temperature, pressure, vibration
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	batch := &pgx.Batch{}
	for _, dm := range metrics {
		batch.Queue(query,
			dm.EquipmentCode, dm.Timestamp, dm.Running, dm.Speed, dm.ProductCount,
			dm.GoodParts, dm.TotalParts, dm.CycleTime, dm.Temperature, dm.Pressure, dm.Vibration,
		)
	}

	br := m.db.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range metrics {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Materializer) insertReadings(ctx context.Context, readings []models.OEEReading) error {
	query := `
		INSERT INTO oee_calculations (
			id, line_id, equipment_code, calculation_time, window_seconds,
			availability, performance, quality, oee, planned_production_time,
			actual_production_time, ideal_cycle_time, actual_cycle_time, good_parts, total_parts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	batch := &pgx.Batch{}
	for _, r := range readings {
		id := r.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		batch.Queue(query,
			id, r.LineID, r.EquipmentCode, r.CalculationTime, r.WindowSeconds,
			r.Availability, r.Performance, r.Quality, r.OEE, r.PlannedProductionTime,
			r.ActualProductionTime, r.IdealCycleTime, r.ActualCycleTime, r.GoodParts, r.TotalParts,
		)
	}

	br := m.db.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range readings {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}
