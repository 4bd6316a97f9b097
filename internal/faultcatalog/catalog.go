// Package faultcatalog loads the static bit-index -> fault-definition
// mapping (C2) used to classify PLC fault bits. The catalog is loaded
// once at start-up and is immutable thereafter.
package faultcatalog

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ms5/telemetry-engine/internal/apperrors"
	"github.com/ms5/telemetry-engine/pkg/models"
)

// Origin classifies where a fault originates.
type Origin string

const (
	OriginInternal   Origin = "internal"
	OriginUpstream   Origin = "upstream"
	OriginDownstream Origin = "downstream"
)

// Severity of a fault definition.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Definition is one entry of the fault catalog.
type Definition struct {
	Bit         int        `yaml:"bit"`
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Origin      Origin     `yaml:"origin"`
	Severity    Severity   `yaml:"severity"`
	ReasonCode  models.ReasonCode `yaml:"reason_code"`
}

// fileFormat is the on-disk YAML shape.
type fileFormat struct {
	Faults []Definition `yaml:"faults"`
}

// Catalog is the immutable, bit-indexed fault table.
type Catalog struct {
	byBit [models.FaultBitWidth]*Definition
}

// Load reads a YAML fault catalog from path. A definition naming a bit
// outside [0, FaultBitWidth) is a ConfigurationError.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Configuration("reading fault catalog %s: %v", path, err)
	}

	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, apperrors.Configuration("parsing fault catalog %s: %v", path, err)
	}

	return build(ff.Faults)
}

// LoadDefault returns the built-in catalog used by the simulator and
// tests when no catalog file is configured.
func LoadDefault() *Catalog {
	cat, err := build(defaultDefinitions())
	if err != nil {
		panic(err) // the built-in table is a compile-time constant; a failure here is a programmer error
	}
	return cat
}

func build(defs []Definition) (*Catalog, error) {
	cat := &Catalog{}
	for i := range defs {
		d := defs[i]
		if d.Bit < 0 || d.Bit >= models.FaultBitWidth {
			return nil, apperrors.Configuration("fault catalog: bit %d out of range [0,%d)", d.Bit, models.FaultBitWidth)
		}
		cat.byBit[d.Bit] = &d
	}
	return cat, nil
}

// Lookup returns the definition for a bit, or nil if unmapped.
func (c *Catalog) Lookup(bit int) *Definition {
	if bit < 0 || bit >= models.FaultBitWidth {
		return nil
	}
	return c.byBit[bit]
}

// Active returns the definitions for every set bit in fb, in bit order.
func (c *Catalog) Active(fb models.FaultBits) []*Definition {
	var out []*Definition
	for i, set := range fb {
		if set {
			if d := c.byBit[i]; d != nil {
				out = append(out, d)
			}
		}
	}
	return out
}

// defaultDefinitions is a small built-in catalog covering the fault
// families named by the reason-classification priority in spec.md §4.3,
// enough to drive the simulator and the documented test scenarios (e.g.
// S1's Motor Overload on bit 2).
func defaultDefinitions() []Definition {
	return []Definition{
		{Bit: 0, Name: "bearing_wear", Description: "Bearing Wear", Origin: OriginInternal, Severity: SeverityCritical, ReasonCode: models.ReasonBearingFailure},
		{Bit: 1, Name: "belt_slip", Description: "Belt Slip", Origin: OriginInternal, Severity: SeverityCritical, ReasonCode: models.ReasonBeltBreakage},
		{Bit: 2, Name: "motor_overload", Description: "Motor Overload", Origin: OriginInternal, Severity: SeverityHigh, ReasonCode: models.ReasonMotorFailure},
		{Bit: 3, Name: "gear_wear", Description: "Gear Wear", Origin: OriginInternal, Severity: SeverityCritical, ReasonCode: models.ReasonGearFailure},
		{Bit: 4, Name: "sensor_drift", Description: "Sensor Drift", Origin: OriginInternal, Severity: SeverityHigh, ReasonCode: models.ReasonSensorFailure},
		{Bit: 5, Name: "plc_comm_error", Description: "PLC Communication Error", Origin: OriginInternal, Severity: SeverityHigh, ReasonCode: models.ReasonPLCFault},
		{Bit: 6, Name: "power_dip", Description: "Power Dip", Origin: OriginInternal, Severity: SeverityHigh, ReasonCode: models.ReasonPowerLoss},
		{Bit: 7, Name: "wiring_fault", Description: "Wiring Fault", Origin: OriginInternal, Severity: SeverityHigh, ReasonCode: models.ReasonWiringFault},
		{Bit: 8, Name: "temperature_high", Description: "Temperature High", Origin: OriginInternal, Severity: SeverityMedium, ReasonCode: models.ReasonMechanicalFault},
		{Bit: 9, Name: "vibration_high", Description: "Vibration High", Origin: OriginInternal, Severity: SeverityMedium, ReasonCode: models.ReasonMechanicalFault},
		{Bit: 16, Name: "upstream_stopped", Description: "Upstream Equipment Stopped", Origin: OriginUpstream, Severity: SeverityMedium, ReasonCode: models.ReasonUpstreamStop},
		{Bit: 24, Name: "downstream_blocked", Description: "Downstream Equipment Blocked", Origin: OriginDownstream, Severity: SeverityMedium, ReasonCode: models.ReasonDownstreamStop},
	}
}
