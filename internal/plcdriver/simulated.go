package plcdriver

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/ms5/telemetry-engine/pkg/models"
)

// simState is one equipment's rolling synthetic process state, stepped
// forward on every ReadAllTags call the way the teacher's runSimulation
// loop advances a twin's state by one time step per iteration.
type simState struct {
	running      bool
	speed        float64
	targetSpeed  float64
	productCount float64
	goodParts    int64
	totalParts   int64
	temperature  float64
	pressure     float64
	vibration    float64
	faultBits    models.FaultBits
	failUntil    int // ReadAllTags calls remaining that report communication lost
}

// SimulatedDriver generates deterministic, seeded synthetic telemetry
// for a fixed set of equipment codes. Used by tests and local/demo
// runs in place of a real PLC gateway.
type SimulatedDriver struct {
	mu     sync.Mutex
	rng    *rand.Rand
	states map[string]*simState
}

// NewSimulatedDriver seeds one running process per equipment code.
// targetSpeed sets the steady-state speed each equipment's random walk
// drifts around.
func NewSimulatedDriver(equipmentCodes []string, targetSpeed float64, seed int64) *SimulatedDriver {
	d := &SimulatedDriver{
		rng:    rand.New(rand.NewSource(seed)),
		states: make(map[string]*simState, len(equipmentCodes)),
	}
	for _, code := range equipmentCodes {
		d.states[code] = &simState{
			running:     true,
			speed:       targetSpeed,
			targetSpeed: targetSpeed,
			temperature: 55,
			pressure:    4.0,
			vibration:   0.2,
		}
	}
	return d
}

// ReadAllTags advances the equipment's synthetic process by one tick
// and returns the resulting snapshot. A failure injected via
// InjectCommunicationLoss is consumed here, one tick at a time.
func (d *SimulatedDriver) ReadAllTags(ctx context.Context, equipmentCode string) (models.RawSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.states[equipmentCode]
	if !ok {
		return models.RawSnapshot{}, errUnknownEquipment(equipmentCode)
	}

	now := time.Now()
	if st.failUntil > 0 {
		st.failUntil--
		return models.RawSnapshot{
			EquipmentCode:       equipmentCode,
			Timestamp:           now,
			CommunicationStatus: models.CommLost,
		}, nil
	}

	d.step(st)

	tags := map[string]interface{}{
		"running":       st.running,
		"speed":         round2(st.speed),
		"product_count": round2(st.productCount),
		"good_parts":    st.goodParts,
		"total_parts":   st.totalParts,
		"temperature":   round2(st.temperature),
		"pressure":      round2(st.pressure),
		"vibration":     round2(st.vibration),
	}

	var alarms []string
	if st.faultBits.Any() {
		alarms = []string{"fault_active"}
	}

	return models.RawSnapshot{
		EquipmentCode:       equipmentCode,
		Timestamp:           now,
		TagValues:           tags,
		FaultBits:           st.faultBits,
		ActiveAlarms:        alarms,
		CommunicationStatus: models.CommOK,
	}, nil
}

// step advances one equipment's process by one tick, a random walk
// around target speed the way the teacher's simulatePhysics perturbs
// telemetry by a small fraction of the current value each step.
func (d *SimulatedDriver) step(st *simState) {
	if !st.running {
		return
	}

	variation := (d.rng.Float64() - 0.5) * 0.04 * st.targetSpeed
	st.speed += variation
	if st.speed < 0 {
		st.speed = 0
	}
	if st.speed > st.targetSpeed*1.1 {
		st.speed = st.targetSpeed * 1.1
	}

	if st.speed > 0.1 {
		produced := st.speed / 60
		st.productCount += produced
		good := produced * 0.97
		st.goodParts += int64(good)
		st.totalParts += int64(produced)
	}

	st.temperature += (d.rng.Float64() - 0.5) * 0.5
	st.pressure += (d.rng.Float64() - 0.5) * 0.05
	st.vibration += (d.rng.Float64() - 0.5) * 0.02
	if st.vibration < 0 {
		st.vibration = 0
	}
}

// SetRunning forces an equipment's running state, for scenario tests
// (e.g. an unplanned stop).
func (d *SimulatedDriver) SetRunning(equipmentCode string, running bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.states[equipmentCode]; ok {
		st.running = running
		if !running {
			st.speed = 0
		}
	}
}

// SetFaultBit sets or clears a fault bit for the equipment's next read.
func (d *SimulatedDriver) SetFaultBit(equipmentCode string, bit int, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.states[equipmentCode]; ok && bit >= 0 && bit < models.FaultBitWidth {
		st.faultBits[bit] = active
	}
}

// InjectCommunicationLoss makes the next n ReadAllTags calls for
// equipmentCode report communication_status = lost, for exercising the
// Poller's PLC_FAULT synthesis path.
func (d *SimulatedDriver) InjectCommunicationLoss(equipmentCode string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.states[equipmentCode]; ok {
		st.failUntil = n
	}
}

func round2(v float64) float64 {
	return float64(int64(v*100)) / 100
}
