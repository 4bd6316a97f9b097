// Package transform implements the Metric Transformer (C3): a pure,
// deterministic function from a raw PLC snapshot and the current
// equipment context to derived production metrics. It performs no I/O
// and is the only place cycle time, efficiency and quality are computed;
// every other component must treat DerivedMetrics as already final.
package transform

import (
	"github.com/ms5/telemetry-engine/pkg/models"
)

const materialShortageBit = 10
const materialJamBit = 11

// speedEpsilon is the minimum speed that counts as "running" per spec §4.1.
const speedEpsilon = 0.1

// Derive computes DerivedMetrics from a raw snapshot and the equipment's
// current context snapshot. It never mutates either input.
func Derive(raw models.RawSnapshot, ctx models.EquipmentContext) models.DerivedMetrics {
	speed := floatTag(raw.TagValues, "speed")
	runningTag := boolTag(raw.TagValues, "running")
	running := runningTag && speed > speedEpsilon

	efficiency := 0.0
	if ctx.TargetSpeed > 0 {
		efficiency = clamp01(speed / ctx.TargetSpeed)
	}

	var goodParts, totalParts *int64
	qualityRate := defaultQuality(ctx)
	if gp, ok := intTag(raw.TagValues, "good_parts"); ok {
		goodParts = &gp
	}
	if tp, ok := intTag(raw.TagValues, "total_parts"); ok {
		totalParts = &tp
		if tp > 0 {
			gpv := int64(0)
			if goodParts != nil {
				gpv = *goodParts
			}
			qualityRate = clamp01(float64(gpv) / float64(tp))
		}
	}

	changeover := deriveChangeover(ctx, running, speed)

	dm := models.DerivedMetrics{
		EquipmentCode:        raw.EquipmentCode,
		Timestamp:            raw.Timestamp,
		Running:              running,
		Speed:                speed,
		ProductCount:         int64(floatTag(raw.TagValues, "product_count")),
		GoodParts:            goodParts,
		TotalParts:           totalParts,
		FaultBits:            raw.FaultBits,
		ActiveAlarms:         append([]string(nil), raw.ActiveAlarms...),
		ProductionEfficiency: efficiency,
		QualityRate:          qualityRate,
		ChangeoverStatus:     changeover,
		MaterialShortage:     raw.FaultBits[materialShortageBit],
		MaterialJam:          raw.FaultBits[materialJamBit],
	}

	if v, ok := optFloatTag(raw.TagValues, "cycle_time"); ok {
		dm.CycleTime = &v
	}
	if v, ok := optFloatTag(raw.TagValues, "temperature"); ok {
		dm.Temperature = &v
	}
	if v, ok := optFloatTag(raw.TagValues, "pressure"); ok {
		dm.Pressure = &v
	}
	if v, ok := optFloatTag(raw.TagValues, "vibration"); ok {
		dm.Vibration = &v
	}

	return dm
}

func defaultQuality(ctx models.EquipmentContext) float64 {
	if ctx.DefaultQualityRate > 0 {
		return ctx.DefaultQualityRate
	}
	return 1.0
}

// deriveChangeover implements spec §4.1's changeover inference: a
// planned stop while not running starts a changeover; recovering to
// running completes it; anything else carries no changeover state.
func deriveChangeover(ctx models.EquipmentContext, running bool, speed float64) models.ChangeoverStatus {
	switch ctx.ChangeoverStatus {
	case models.ChangeoverInProgress:
		if running && speed > speedEpsilon {
			return models.ChangeoverCompleted
		}
		return models.ChangeoverInProgress
	default:
		if !running && ctx.PlannedStop {
			return models.ChangeoverInProgress
		}
		return models.ChangeoverNone
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func floatTag(tags map[string]interface{}, key string) float64 {
	v, _ := optFloatTag(tags, key)
	return v
}

func optFloatTag(tags map[string]interface{}, key string) (float64, bool) {
	raw, ok := tags[key]
	if !ok {
		return 0, false
	}
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func intTag(tags map[string]interface{}, key string) (int64, bool) {
	v, ok := optFloatTag(tags, key)
	if !ok {
		return 0, false
	}
	return int64(v), true
}

func boolTag(tags map[string]interface{}, key string) bool {
	v, ok := tags[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
