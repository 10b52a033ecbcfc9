// Package directory implements the shared NAME <-> address bidirectional
// map described in spec.md §4.2: a single multiple-reader/single-writer
// table that the address claimer and user sessions both resolve addresses
// through.
package directory

import (
	"sync"

	"github.com/guoh27/j1939/j1939"
)

// NewNameFunc is called exactly once, the first time a NAME is observed by
// try_emplace or try_address_claim. It runs synchronously under the
// directory's write lock (spec.md §4.2/§5): it must not call back into the
// Network, and should defer any re-entrant work by copying its arguments
// onto a channel.
type NewNameFunc func(name j1939.NAME)

// Network is the bidirectional NAME <-> address directory. The zero value
// is not usable; construct with New.
type Network struct {
	mu         sync.RWMutex
	addrToName map[uint8]j1939.NAME
	nameToAddr map[j1939.NAME]uint8
	onNewName  NewNameFunc
}

// New creates an empty directory.
func New() *Network {
	return &Network{
		addrToName: make(map[uint8]j1939.NAME),
		nameToAddr: make(map[j1939.NAME]uint8),
	}
}

// SetNewNameCallback installs the "new name observed" callback. Not safe to
// call concurrently with directory operations.
func (n *Network) SetNewNameCallback(fn NewNameFunc) { n.onNewName = fn }

// emplaceLocked inserts name at IdleAddress if absent and fires the new-name
// callback on first insertion. Caller must hold the write lock.
func (n *Network) emplaceLocked(name j1939.NAME) bool {
	if _, ok := n.nameToAddr[name]; ok {
		return false
	}
	n.nameToAddr[name] = j1939.IdleAddress
	if n.onNewName != nil {
		n.onNewName(name)
	}
	return true
}

// TryEmplace inserts (name, IDLE) if absent. Returns whether the insertion
// happened.
func (n *Network) TryEmplace(name j1939.NAME) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.emplaceLocked(name)
}

// TryAddressClaim is the arbitration primitive of spec.md §4.2. It is
// evaluated atomically under the write lock:
//
//  1. absent name -> inserted at IDLE (fires callback); addr == current ->
//     succeeds with no change.
//  2. any previous address slot for name is cleared.
//  3. addr above MaxUnicastAddress -> name moves to IDLE, succeeds.
//  4. addr unoccupied -> bound to name, succeeds.
//  5. addr held by name2 -> succeeds (evicting name2 to IDLE) iff
//     name < name2; otherwise fails and name stays at IDLE.
func (n *Network) TryAddressClaim(name j1939.NAME, addr uint8) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	cur, known := n.nameToAddr[name]
	if !known {
		n.emplaceLocked(name)
		cur = j1939.IdleAddress
	} else if cur == addr {
		return true
	}

	if cur <= j1939.MaxUnicastAddress {
		delete(n.addrToName, cur)
	}
	n.nameToAddr[name] = j1939.IdleAddress

	if addr > j1939.MaxUnicastAddress {
		return true
	}

	holder, occupied := n.addrToName[addr]
	if !occupied {
		n.addrToName[addr] = name
		n.nameToAddr[name] = addr
		return true
	}

	if name < holder {
		n.nameToAddr[holder] = j1939.IdleAddress
		n.addrToName[addr] = name
		n.nameToAddr[name] = addr
		return true
	}

	return false
}

// Release sets name's slot to IDLE and removes the reverse entry.
// Idempotent.
func (n *Network) Release(name j1939.NAME) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.releaseLocked(name)
}

func (n *Network) releaseLocked(name j1939.NAME) {
	if addr, ok := n.nameToAddr[name]; ok && addr <= j1939.MaxUnicastAddress {
		delete(n.addrToName, addr)
	}
	n.nameToAddr[name] = j1939.IdleAddress
}

// EraseName removes name from both directions entirely.
func (n *Network) EraseName(name j1939.NAME) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if addr, ok := n.nameToAddr[name]; ok && addr <= j1939.MaxUnicastAddress {
		delete(n.addrToName, addr)
	}
	delete(n.nameToAddr, name)
}

// EraseAddress removes whichever NAME currently holds addr, from both
// directions.
func (n *Network) EraseAddress(addr uint8) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if name, ok := n.addrToName[addr]; ok {
		delete(n.nameToAddr, name)
		delete(n.addrToName, addr)
	}
}

// Available reports whether addr is unicast and currently unoccupied.
func (n *Network) Available(addr uint8) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.availableLocked(addr)
}

func (n *Network) availableLocked(addr uint8) bool {
	if addr > j1939.MaxUnicastAddress {
		return false
	}
	_, occupied := n.addrToName[addr]
	return !occupied
}

// Claimable reports whether name could claim addr right now: addr is
// unicast and either unoccupied or held by a NAME with lower priority
// (higher value) than name.
func (n *Network) Claimable(addr uint8, name j1939.NAME) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.claimableLocked(addr, name)
}

func (n *Network) claimableLocked(addr uint8, name j1939.NAME) bool {
	if addr > j1939.MaxUnicastAddress {
		return false
	}
	holder, occupied := n.addrToName[addr]
	if !occupied {
		return true
	}
	return name < holder
}

// FindAddress searches for an address name may take, per spec.md §4.2.
// Self-configurable (arbitrary-address-capable) NAMEs scan
// [preferred, IdleAddress) then [0, preferred) for the first empty or
// lower-priority-held slot; others may only take preferred, or nothing.
func (n *Network) FindAddress(name j1939.NAME, preferred uint8) uint8 {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if !name.ArbitraryAddressCapable() {
		if n.claimableLocked(preferred, name) {
			return preferred
		}
		return j1939.NoAddress
	}

	for addr := uint32(preferred); addr < uint32(j1939.IdleAddress); addr++ {
		if n.claimableLocked(uint8(addr), name) {
			return uint8(addr)
		}
	}
	for addr := uint32(0); addr < uint32(preferred); addr++ {
		if n.claimableLocked(uint8(addr), name) {
			return uint8(addr)
		}
	}
	return j1939.NoAddress
}

// InNetwork reports whether name has any entry in the directory.
func (n *Network) InNetwork(name j1939.NAME) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.nameToAddr[name]
	return ok
}

// Match reports whether name currently holds addr.
func (n *Network) Match(name j1939.NAME, addr uint8) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	cur, ok := n.nameToAddr[name]
	return ok && cur == addr
}

// GetAddress returns the address name currently holds (possibly IDLE) and
// whether name is known at all.
func (n *Network) GetAddress(name j1939.NAME) (uint8, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	addr, ok := n.nameToAddr[name]
	return addr, ok
}

// GetName returns the NAME currently holding addr, if any.
func (n *Network) GetName(addr uint8) (j1939.NAME, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	name, ok := n.addrToName[addr]
	return name, ok
}

// NameSize returns the number of NAMEs known to the directory, whether or
// not they currently hold an address.
func (n *Network) NameSize() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.nameToAddr)
}

// AddressSize returns the number of addresses currently bound.
func (n *Network) AddressSize() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.addrToName)
}

// IsFull reports whether every unicast address is bound.
func (n *Network) IsFull() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.addrToName) > int(j1939.MaxUnicastAddress)
}
