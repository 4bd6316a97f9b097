package poller

import (
	"strings"
	"testing"

	"github.com/ms5/telemetry-engine/internal/faultcatalog"
	"github.com/ms5/telemetry-engine/pkg/models"
)

func TestCategorizeFaultReasonCodeTakesPrecedence(t *testing.T) {
	// A material reason code wins even when origin/severity would
	// otherwise route it to critical, since the threshold table's
	// material row would otherwise be unreachable.
	d := &faultcatalog.Definition{
		Origin:     faultcatalog.OriginInternal,
		Severity:   faultcatalog.SeverityCritical,
		ReasonCode: models.ReasonMaterialJam,
	}
	if got := categorizeFault(d); got != categoryMaterial {
		t.Errorf("categorizeFault() = %s, want material", got)
	}

	d.ReasonCode = models.ReasonQualityIssue
	if got := categorizeFault(d); got != categoryQuality {
		t.Errorf("categorizeFault() = %s, want quality", got)
	}
}

func TestCategorizeFaultOriginBeatsSeverity(t *testing.T) {
	d := &faultcatalog.Definition{
		Origin:     faultcatalog.OriginUpstream,
		Severity:   faultcatalog.SeverityCritical,
		ReasonCode: models.ReasonUpstreamStop,
	}
	if got := categorizeFault(d); got != categoryUpstream {
		t.Errorf("categorizeFault() = %s, want upstream", got)
	}

	d2 := &faultcatalog.Definition{
		Origin:     faultcatalog.OriginDownstream,
		Severity:   faultcatalog.SeverityLow,
		ReasonCode: models.ReasonDownstreamStop,
	}
	if got := categorizeFault(d2); got != categoryDownstream {
		t.Errorf("categorizeFault() = %s, want downstream", got)
	}
}

func TestCategorizeFaultFallsBackToSeverityTier(t *testing.T) {
	cases := []struct {
		sev  faultcatalog.Severity
		want faultCategory
	}{
		{faultcatalog.SeverityCritical, categoryCritical},
		{faultcatalog.SeverityHigh, categoryHigh},
		{faultcatalog.SeverityMedium, categoryMedium},
		{faultcatalog.SeverityLow, categoryLow},
	}
	for _, c := range cases {
		d := &faultcatalog.Definition{
			Origin:     faultcatalog.OriginInternal,
			Severity:   c.sev,
			ReasonCode: models.ReasonMechanicalFault,
		}
		if got := categorizeFault(d); got != c.want {
			t.Errorf("categorizeFault(severity=%s) = %s, want %s", c.sev, got, c.want)
		}
	}
}

func TestCategoryEventTypeCollapsesInternalTiersToMaintenance(t *testing.T) {
	for _, cat := range []faultCategory{categoryCritical, categoryHigh, categoryMedium, categoryLow} {
		if got := categoryEventType(cat); got != models.AndonMaintain {
			t.Errorf("categoryEventType(%s) = %s, want maintenance", cat, got)
		}
	}
	if got := categoryEventType(categoryMaterial); got != models.AndonMaterial {
		t.Errorf("categoryEventType(material) = %s, want material", got)
	}
	if got := categoryEventType(categoryQuality); got != models.AndonQuality {
		t.Errorf("categoryEventType(quality) = %s, want quality", got)
	}
	if got := categoryEventType(categoryUpstream); got != models.AndonUpstream {
		t.Errorf("categoryEventType(upstream) = %s, want upstream", got)
	}
	if got := categoryEventType(categoryDownstream); got != models.AndonDownstream {
		t.Errorf("categoryEventType(downstream) = %s, want downstream", got)
	}
}

func TestAnalyzeFaultsGroupsActiveDefinitionsByCategory(t *testing.T) {
	catalog := faultcatalog.LoadDefault()

	var fb models.FaultBits
	fb[2] = true // motor_overload -> high severity -> category high

	groups := analyzeFaults(catalog, fb)
	if len(groups[categoryHigh]) != 1 {
		t.Fatalf("expected 1 high-category fault, got %d", len(groups[categoryHigh]))
	}
	if groups[categoryHigh][0].Name != "motor_overload" {
		t.Errorf("expected motor_overload, got %s", groups[categoryHigh][0].Name)
	}
}

func TestAnalyzeFaultsNilCatalogIsSafe(t *testing.T) {
	groups := analyzeFaults(nil, models.FaultBits{})
	if len(groups) != 0 {
		t.Errorf("expected empty groups for nil catalog, got %d entries", len(groups))
	}
}

func TestFaultDescriptionTruncatesAtThree(t *testing.T) {
	defs := []*faultcatalog.Definition{
		{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}, {Name: "e"},
	}
	desc := faultDescription(defs)
	if !strings.Contains(desc, "a, b, c") {
		t.Errorf("expected first three names listed, got %q", desc)
	}
	if !strings.Contains(desc, "and 2 more") {
		t.Errorf("expected 'and 2 more' suffix, got %q", desc)
	}
}

func TestFaultDescriptionNoSuffixWhenThreeOrFewer(t *testing.T) {
	defs := []*faultcatalog.Definition{{Name: "a"}, {Name: "b"}}
	desc := faultDescription(defs)
	if desc != "a, b" {
		t.Errorf("faultDescription() = %q, want %q", desc, "a, b")
	}
}
