package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSchemaDeclaresEveryPersistedTable(t *testing.T) {
	want := []string{
		"production_lines", "equipment_config", "product_types", "context",
		"downtime_events", "oee_calculations", "andon_events", "andon_escalations",
		"production_context_history", "metric_values", "event_bus_drops",
	}
	for _, table := range want {
		if !strings.Contains(Schema, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("Schema missing table %q", table)
		}
	}
}

func TestEquipmentContextCacheDisabledWithoutURL(t *testing.T) {
	cache, err := NewEquipmentContextCache(context.Background(), "", "", zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error constructing a disabled cache: %v", err)
	}
	if cache.enabled {
		t.Fatal("expected cache to be disabled when no redis URL is configured")
	}

	if _, ok := cache.Get(context.Background(), "EQ1"); ok {
		t.Fatal("expected a disabled cache to always miss")
	}

	// Set/Invalidate must be safe no-ops, not panics, on a disabled cache.
	cache.Set(context.Background(), "EQ1", nil)
	cache.Invalidate(context.Background(), "EQ1")

	if err := cache.Close(); err != nil {
		t.Fatalf("expected closing a disabled cache to be a no-op, got %v", err)
	}
}

func TestEquipmentContextCacheRejectsMalformedURL(t *testing.T) {
	_, err := NewEquipmentContextCache(context.Background(), "not-a-valid-redis-url://", "", zerolog.Nop())
	if err == nil {
		t.Fatal("expected an error for a malformed redis URL")
	}
}
