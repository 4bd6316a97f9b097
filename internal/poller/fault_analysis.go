package poller

import (
	"fmt"
	"strings"

	"github.com/ms5/telemetry-engine/internal/faultcatalog"
	"github.com/ms5/telemetry-engine/pkg/models"
)

// faultCategory is the per-tick fault classification of spec.md §4.6,
// grounded on original_source's _categorize_fault/_load_fault_thresholds:
// every active fault bit is bucketed into one of these before the
// per-category Andon threshold table is consulted.
type faultCategory string

const (
	categoryCritical   faultCategory = "critical"
	categoryHigh       faultCategory = "high"
	categoryMedium     faultCategory = "medium"
	categoryLow        faultCategory = "low"
	categoryUpstream   faultCategory = "upstream"
	categoryDownstream faultCategory = "downstream"
	categoryMaterial   faultCategory = "material"
	categoryQuality    faultCategory = "quality"
)

// categoryThreshold is one row of spec.md §4.6's per-category table.
type categoryThreshold struct {
	Enabled   bool
	MinFaults int
	Priority  models.AndonPriority
}

// faultCategoryThresholds is spec.md §4.6's table verbatim.
var faultCategoryThresholds = map[faultCategory]categoryThreshold{
	categoryCritical:   {Enabled: true, MinFaults: 1, Priority: models.PriorityCritical},
	categoryHigh:       {Enabled: true, MinFaults: 1, Priority: models.PriorityHigh},
	categoryMedium:     {Enabled: true, MinFaults: 2, Priority: models.PriorityMedium},
	categoryLow:        {Enabled: false, MinFaults: 3, Priority: models.PriorityLow},
	categoryUpstream:   {Enabled: false, MinFaults: 1, Priority: models.PriorityMedium},
	categoryDownstream: {Enabled: false, MinFaults: 1, Priority: models.PriorityMedium},
	categoryMaterial:   {Enabled: true, MinFaults: 1, Priority: models.PriorityMedium},
	categoryQuality:    {Enabled: true, MinFaults: 1, Priority: models.PriorityMedium},
}

// categoryEventType maps a threshold category to the Andon event_type
// it raises. The four internal-severity categories all collapse onto
// "maintenance", matching original_source's category_mapping where
// critical/high_priority/medium_priority/low_priority all resolve to
// ("maintenance", <priority>).
func categoryEventType(cat faultCategory) models.AndonEventType {
	switch cat {
	case categoryMaterial:
		return models.AndonMaterial
	case categoryQuality:
		return models.AndonQuality
	case categoryUpstream:
		return models.AndonUpstream
	case categoryDownstream:
		return models.AndonDownstream
	default:
		return models.AndonMaintain
	}
}

// categorizeFault assigns one catalog definition to a threshold
// category. Material/quality reason codes take precedence over origin
// and severity (a material jam on an otherwise "medium" severity bit
// is still a material fault), then origin (upstream/downstream), then
// the internal severity tiers.
func categorizeFault(d *faultcatalog.Definition) faultCategory {
	switch d.ReasonCode {
	case models.ReasonMaterialShortage, models.ReasonMaterialJam, models.ReasonWrongMaterial:
		return categoryMaterial
	case models.ReasonMaterialQuality, models.ReasonQualityIssue, models.ReasonRejection, models.ReasonRework:
		return categoryQuality
	}

	switch d.Origin {
	case faultcatalog.OriginUpstream:
		return categoryUpstream
	case faultcatalog.OriginDownstream:
		return categoryDownstream
	}

	switch d.Severity {
	case faultcatalog.SeverityCritical:
		return categoryCritical
	case faultcatalog.SeverityHigh:
		return categoryHigh
	case faultcatalog.SeverityLow:
		return categoryLow
	default:
		return categoryMedium
	}
}

// analyzeFaults groups every fault-catalog definition behind fb's set
// bits into its threshold category, preserving catalog bit order
// within each group. Called on every tick regardless of running
// status, so a quality or material fault raises its category even
// while the equipment keeps running.
func analyzeFaults(catalog *faultcatalog.Catalog, fb models.FaultBits) map[faultCategory][]*faultcatalog.Definition {
	groups := make(map[faultCategory][]*faultcatalog.Definition)
	if catalog == nil {
		return groups
	}
	for _, d := range catalog.Active(fb) {
		cat := categorizeFault(d)
		groups[cat] = append(groups[cat], d)
	}
	return groups
}

// faultDescription builds the deterministic description of spec.md
// §4.6 from up to the first three fault names in a category.
func faultDescription(faults []*faultcatalog.Definition) string {
	limit := len(faults)
	if limit > 3 {
		limit = 3
	}
	names := make([]string, 0, limit)
	for _, d := range faults[:limit] {
		names = append(names, d.Name)
	}
	desc := strings.Join(names, ", ")
	if len(faults) > 3 {
		desc += fmt.Sprintf(" and %d more", len(faults)-3)
	}
	return desc
}
