// Package netmgr implements the thin fan-out described in spec.md §4.5: it
// routes incoming claim and request frames to whichever claimer currently
// owns the targeted address, or to all claimers for a broadcast.
package netmgr

import (
	"sync"

	"github.com/guoh27/j1939/j1939"
)

// Claimer is the slice of claimer.Claimer the manager needs to route
// frames: its own NAME, and a way to deliver a frame to it.
type Claimer interface {
	Name() j1939.NAME
	Process(frame j1939.Frame)
}

// Directory is the slice of directory.Network the manager needs: applying
// an observed claim as fact, and resolving an address to its current
// holder for routing.
type Directory interface {
	TryAddressClaim(name j1939.NAME, addr uint8) bool
	GetName(addr uint8) (j1939.NAME, bool)
}

// Manager fans out claim/request frames to a map of claimers keyed by
// NAME.
type Manager struct {
	mu       sync.RWMutex
	dir      Directory
	claimers map[j1939.NAME]Claimer
}

// New constructs a Manager bound to dir.
func New(dir Directory) *Manager {
	return &Manager{dir: dir, claimers: make(map[j1939.NAME]Claimer)}
}

// Register adds c to the fan-out set.
func (m *Manager) Register(c Claimer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimers[c.Name()] = c
}

// Unregister removes the claimer for name from the fan-out set.
func (m *Manager) Unregister(name j1939.NAME) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claimers, name)
}

// Process dispatches a claim or request frame per spec.md §4.5. Any other
// frame is ignored.
func (m *Manager) Process(frame j1939.Frame) {
	switch {
	case frame.Header.IsClaim():
		other := j1939.NameFromPayload(frame.Data)
		addr := frame.Header.SourceAddress
		m.dir.TryAddressClaim(other, addr)
		m.route(frame, frame.Header.PDUSpecific)
	case frame.Header.IsRequest():
		m.route(frame, frame.Header.PDUSpecific)
	default:
		// Not claim-related; the network manager does not handle it.
	}
}

// route delivers frame to the single claimer currently holding ps, or to
// every registered claimer when ps is a broadcast/global destination.
func (m *Manager) route(frame j1939.Frame, ps uint8) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if ps > j1939.MaxUnicastAddress {
		for _, c := range m.claimers {
			c.Process(frame)
		}
		return
	}

	name, ok := m.dir.GetName(ps)
	if !ok {
		return
	}
	if c, ok := m.claimers[name]; ok {
		c.Process(frame)
	}
}
