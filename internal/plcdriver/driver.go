// Package plcdriver implements the Device Driver (C1): the pluggable
// contract the Poller reads one RawSnapshot through per equipment per
// tick. Two concrete drivers are provided, both grounded on the
// teacher's tick-driven synthetic/edge-buffered telemetry sources:
// SimulatedDriver (adapted from internal/digitaltwin.Simulator) and
// GatewayDriver (adapted from internal/edge.Gateway).
package plcdriver

import (
	"context"

	"github.com/ms5/telemetry-engine/internal/apperrors"
	"github.com/ms5/telemetry-engine/pkg/models"
)

// Driver is the synchronous-from-the-caller's-view contract every
// concrete driver implements. Implementations must honor ctx's
// deadline and return within it, or the caller treats the call as a
// timeout failure.
type Driver interface {
	ReadAllTags(ctx context.Context, equipmentCode string) (models.RawSnapshot, error)
}

func errUnknownEquipment(equipmentCode string) error {
	return apperrors.NotFound("equipment %q not configured on this driver", equipmentCode)
}
