package plcdriver

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ms5/telemetry-engine/internal/apperrors"
	"github.com/ms5/telemetry-engine/pkg/models"
)

// nodeConnection tracks one edge node's link health, adapted from the
// teacher's edge.NodeConnection (connected/last-activity/error-count
// bookkeeping) narrowed to the fields the Poller's communication
// status needs.
type nodeConnection struct {
	connected    bool
	lastActivity time.Time
	errorCount   int64
}

// snapshotBuffer holds the most recently received snapshot per
// equipment, adapted from the teacher's edge.MessageBuffer: a bounded
// buffer the gateway's message processor drains and the driver's
// ReadAllTags blocks on.
type snapshotBuffer struct {
	mu      sync.Mutex
	latest  map[string]models.RawSnapshot
	arrived map[string]chan struct{}
}

func newSnapshotBuffer() *snapshotBuffer {
	return &snapshotBuffer{
		latest:  make(map[string]models.RawSnapshot),
		arrived: make(map[string]chan struct{}),
	}
}

func (b *snapshotBuffer) put(snap models.RawSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest[snap.EquipmentCode] = snap
	if ch, ok := b.arrived[snap.EquipmentCode]; ok {
		close(ch)
		delete(b.arrived, snap.EquipmentCode)
	}
}

// waitFor returns the latest buffered snapshot for equipmentCode if one
// is already present, otherwise a channel that closes the next time one
// arrives.
func (b *snapshotBuffer) waitFor(equipmentCode string) (models.RawSnapshot, bool, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if snap, ok := b.latest[equipmentCode]; ok {
		return snap, true, nil
	}
	ch, ok := b.arrived[equipmentCode]
	if !ok {
		ch = make(chan struct{})
		b.arrived[equipmentCode] = ch
	}
	return models.RawSnapshot{}, false, ch
}

// GatewayDriver reads PLC snapshots arriving asynchronously from an
// edge gateway connection, adapted from the teacher's edge.Gateway:
// NodeConnection/MessageBuffer machinery repurposed from MQTT-style
// node messages to per-equipment tag snapshots. ReadAllTags blocks on
// the latest buffered snapshot, subject to ctx's deadline.
type GatewayDriver struct {
	mu          sync.RWMutex
	connections map[string]*nodeConnection
	buffer      *snapshotBuffer
	log         zerolog.Logger
}

// NewGatewayDriver constructs a driver with no connections registered;
// nodes register via HandleNodeConnect as they come online.
func NewGatewayDriver(log zerolog.Logger) *GatewayDriver {
	return &GatewayDriver{
		connections: make(map[string]*nodeConnection),
		buffer:      newSnapshotBuffer(),
		log:         log.With().Str("subsystem", "plcdriver.gateway").Logger(),
	}
}

// HandleNodeConnect registers an edge node as online.
func (g *GatewayDriver) HandleNodeConnect(equipmentCode string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connections[equipmentCode] = &nodeConnection{connected: true, lastActivity: time.Now()}
}

// HandleNodeDisconnect marks an edge node offline; subsequent
// ReadAllTags calls for it fail fast instead of waiting out the
// deadline.
func (g *GatewayDriver) HandleNodeDisconnect(equipmentCode string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if conn, ok := g.connections[equipmentCode]; ok {
		conn.connected = false
	}
}

// HandleSnapshot is the gateway's ingestion path: called whenever a new
// snapshot arrives over the edge connection for equipmentCode.
func (g *GatewayDriver) HandleSnapshot(snap models.RawSnapshot) {
	g.mu.Lock()
	if conn, ok := g.connections[snap.EquipmentCode]; ok {
		conn.lastActivity = time.Now()
	} else {
		g.connections[snap.EquipmentCode] = &nodeConnection{connected: true, lastActivity: time.Now()}
	}
	g.mu.Unlock()

	g.buffer.put(snap)
}

// ReadAllTags blocks until a snapshot for equipmentCode is available or
// ctx's deadline elapses, returning communication_status = lost on
// timeout or disconnect per spec.md §6.
func (g *GatewayDriver) ReadAllTags(ctx context.Context, equipmentCode string) (models.RawSnapshot, error) {
	g.mu.RLock()
	conn, known := g.connections[equipmentCode]
	g.mu.RUnlock()

	if !known || !conn.connected {
		return models.RawSnapshot{EquipmentCode: equipmentCode, Timestamp: time.Now(), CommunicationStatus: models.CommLost},
			apperrors.DriverUnavailable("edge node for equipment %q is not connected", equipmentCode)
	}

	if snap, ok, arrived := g.buffer.waitFor(equipmentCode); ok {
		return snap, nil
	} else {
		select {
		case <-arrived:
			snap, ok, _ := g.buffer.waitFor(equipmentCode)
			if ok {
				return snap, nil
			}
			return models.RawSnapshot{EquipmentCode: equipmentCode, Timestamp: time.Now(), CommunicationStatus: models.CommLost},
				apperrors.DriverTimeout("no snapshot received for equipment %q", equipmentCode)
		case <-ctx.Done():
			g.mu.Lock()
			if conn, ok := g.connections[equipmentCode]; ok {
				conn.errorCount++
			}
			g.mu.Unlock()
			return models.RawSnapshot{EquipmentCode: equipmentCode, Timestamp: time.Now(), CommunicationStatus: models.CommLost},
				apperrors.DriverTimeout("timed out waiting for snapshot from equipment %q", equipmentCode)
		}
	}
}

// ConnectionStats is a point-in-time view of edge node link health.
type ConnectionStats struct {
	TotalNodes  int `json:"total_nodes"`
	OnlineNodes int `json:"online_nodes"`
}

// Stats returns aggregate connection health for introspection.
func (g *GatewayDriver) Stats() ConnectionStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	stats := ConnectionStats{TotalNodes: len(g.connections)}
	for _, conn := range g.connections {
		if conn.connected {
			stats.OnlineNodes++
		}
	}
	return stats
}
