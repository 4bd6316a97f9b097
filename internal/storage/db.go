// Package storage implements the durable side of every repository
// interface the domain packages declare: Postgres-backed persistence
// for downtime events, Andon events and escalations, audit records and
// the OEE/production history tables, plus a Redis-backed read-through
// cache for the Equipment Context Store. Grounded on the chainlens
// sub-project's internal/database (pgxpool wrapper) and
// internal/explorer (repository upsert/batch patterns), and its
// internal/cache (Redis wrapper) for the cache half.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgxpool.Pool, the connection-pooling shape every
// repository in this package is built against.
type DB struct {
	pool *pgxpool.Pool
}

// Open parses databaseURL, applies the pool-size bounds, and verifies
// connectivity with a Ping before returning.
func Open(ctx context.Context, databaseURL string, maxConns, minConns int32) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	if minConns > 0 {
		poolCfg.MinConns = minConns
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Close releases every pooled connection.
func (db *DB) Close() {
	db.pool.Close()
}

// Pool exposes the underlying pgxpool.Pool for repositories built
// outside this package (e.g. ad hoc introspection queries in internal/api).
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Schema is the DDL this engine's repositories expect to find applied;
// it is not run automatically (the teacher's database.go doesn't run
// migrations either) but is exposed so cmd/ms5engine or an operator
// tool can apply it with a single Exec against a fresh database.
const Schema = `
CREATE TABLE IF NOT EXISTS production_lines (
	id UUID PRIMARY KEY,
	line_code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	equipment_codes TEXT[] NOT NULL,
	target_speed DOUBLE PRECISION NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS product_types (
	id UUID PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	default_quality_rate DOUBLE PRECISION NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS equipment_config (
	equipment_code TEXT PRIMARY KEY,
	line_id UUID NOT NULL,
	target_speed DOUBLE PRECISION NOT NULL,
	default_product_type_id UUID,
	default_quality_rate DOUBLE PRECISION NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS context (
	equipment_code TEXT PRIMARY KEY,
	line_id UUID NOT NULL,
	current_job_id UUID,
	schedule_id UUID,
	product_type_id UUID,
	target_quantity BIGINT NOT NULL DEFAULT 0,
	actual_quantity BIGINT NOT NULL DEFAULT 0,
	target_speed DOUBLE PRECISION NOT NULL DEFAULT 0,
	operator TEXT,
	shift TEXT,
	planned_stop BOOLEAN NOT NULL DEFAULT FALSE,
	planned_stop_reason TEXT,
	changeover_status TEXT NOT NULL DEFAULT 'none',
	fault_status TEXT NOT NULL DEFAULT 'clear',
	active_fault_bit INT,
	fault_detected_at TIMESTAMPTZ,
	production_efficiency DOUBLE PRECISION NOT NULL DEFAULT 0,
	quality_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_production_update TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS downtime_events (
	id UUID PRIMARY KEY,
	line_id UUID NOT NULL,
	equipment_code TEXT NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ,
	reason_code TEXT NOT NULL,
	reason_description TEXT NOT NULL,
	category TEXT NOT NULL,
	subcategory TEXT,
	status TEXT NOT NULL,
	reported_by TEXT,
	confirmed_by TEXT,
	confirmed_at TIMESTAMPTZ,
	notes TEXT,
	plc_source BOOLEAN NOT NULL DEFAULT FALSE,
	auto_detected BOOLEAN NOT NULL DEFAULT FALSE,
	fault_data JSONB,
	context_data JSONB,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_downtime_events_equipment ON downtime_events (equipment_code, start_time DESC);
CREATE INDEX IF NOT EXISTS idx_downtime_events_open ON downtime_events (equipment_code) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS andon_events (
	id UUID PRIMARY KEY,
	line_id UUID NOT NULL,
	equipment_code TEXT NOT NULL,
	event_type TEXT NOT NULL,
	priority TEXT NOT NULL,
	description TEXT NOT NULL,
	status TEXT NOT NULL,
	reported_by TEXT,
	reported_at TIMESTAMPTZ NOT NULL,
	acknowledged_by TEXT,
	acknowledged_at TIMESTAMPTZ,
	resolved_by TEXT,
	resolved_at TIMESTAMPTZ,
	resolution_notes TEXT,
	escalation_level INT NOT NULL DEFAULT 0,
	escalated_at TIMESTAMPTZ,
	auto_generated BOOLEAN NOT NULL DEFAULT FALSE,
	plc_source BOOLEAN NOT NULL DEFAULT FALSE,
	fault_data JSONB,
	related_downtime_event_id UUID,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_andon_events_equipment ON andon_events (equipment_code, reported_at DESC);
CREATE INDEX IF NOT EXISTS idx_andon_events_open ON andon_events (equipment_code) WHERE status IN ('open', 'acknowledged', 'escalated');

CREATE TABLE IF NOT EXISTS andon_escalations (
	id BIGSERIAL PRIMARY KEY,
	andon_event_id UUID NOT NULL REFERENCES andon_events(id),
	escalation_level INT NOT NULL,
	recipients TEXT[] NOT NULL,
	escalated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS oee_calculations (
	id UUID PRIMARY KEY,
	line_id UUID NOT NULL,
	equipment_code TEXT NOT NULL,
	calculation_time TIMESTAMPTZ NOT NULL,
	window_seconds INT NOT NULL,
	availability DOUBLE PRECISION NOT NULL,
	performance DOUBLE PRECISION NOT NULL,
	quality DOUBLE PRECISION NOT NULL,
	oee DOUBLE PRECISION NOT NULL,
	planned_production_time DOUBLE PRECISION NOT NULL,
	actual_production_time DOUBLE PRECISION NOT NULL,
	ideal_cycle_time DOUBLE PRECISION NOT NULL,
	actual_cycle_time DOUBLE PRECISION NOT NULL,
	good_parts BIGINT NOT NULL,
	total_parts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oee_calculations_equipment_time ON oee_calculations (equipment_code, calculation_time DESC);

CREATE TABLE IF NOT EXISTS production_context_history (
	id BIGSERIAL PRIMARY KEY,
	equipment_code TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	who TEXT,
	action TEXT NOT NULL,
	before JSONB,
	after JSONB
);
CREATE INDEX IF NOT EXISTS idx_production_context_history_equipment ON production_context_history (equipment_code, recorded_at DESC);

CREATE TABLE IF NOT EXISTS metric_values (
	id BIGSERIAL PRIMARY KEY,
	equipment_code TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	running BOOLEAN NOT NULL,
	speed DOUBLE PRECISION,
	product_count BIGINT,
	good_parts BIGINT,
	total_parts BIGINT,
	cycle_time DOUBLE PRECISION,
	temperature DOUBLE PRECISION,
	pressure DOUBLE PRECISION,
	vibration DOUBLE PRECISION
);
CREATE INDEX IF NOT EXISTS idx_metric_values_equipment_time ON metric_values (equipment_code, recorded_at DESC);

CREATE TABLE IF NOT EXISTS event_bus_drops (
	id BIGSERIAL PRIMARY KEY,
	subscriber_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	dropped_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
