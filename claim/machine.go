// Package claim implements the pure per-NAME address state machine of
// spec.md §4.3. It performs no I/O and owns no timers: every guard is a
// pure function of the incoming event and a directory snapshot, and every
// side effect is reported through the Actions callback bundle so the
// caller (package claimer) decides how and when to actually send a frame
// or arm a timer.
package claim

import "github.com/guoh27/j1939/j1939"

// Kind enumerates the state machine's states.
type Kind int

const (
	KindNoAddress Kind = iota
	KindClaiming
	KindHasAddress
	KindAddressLost
)

func (k Kind) String() string {
	switch k {
	case KindNoAddress:
		return "no_address"
	case KindClaiming:
		return "claiming"
	case KindHasAddress:
		return "has_address"
	case KindAddressLost:
		return "address_lost"
	default:
		return "unknown"
	}
}

// State is the machine's current state plus the one piece of data every
// state needs: the working (Claiming) or owned (HasAddress) address byte.
type State struct {
	Kind Kind
	Addr uint8
}

// DirectoryView is the read-only slice of directory.Network the guards in
// this package need. directory.Network satisfies it directly.
type DirectoryView interface {
	IsFull() bool
	Claimable(addr uint8, name j1939.NAME) bool
	FindAddress(name j1939.NAME, preferred uint8) uint8
	Match(name j1939.NAME, addr uint8) bool
}

// Actions is the callback bundle through which the machine reports side
// effects. Any nil field is simply not called.
type Actions struct {
	OnAddress       func(name j1939.NAME, addr uint8)
	OnLoseAddress   func(name j1939.NAME)
	OnBeginClaiming func()
	OnAddressClaim  func(name j1939.NAME, addr uint8)
	OnRequest       func()
	OnCannotClaim   func(name j1939.NAME)
}

// Machine is one instance of the state machine, scoped to a single NAME.
type Machine struct {
	name      j1939.NAME
	state     State
	preferred uint8
	actions   Actions
}

// New constructs a machine in the cold no_address state. Call Start to run
// the initial entry action.
func New(name j1939.NAME, actions Actions) *Machine {
	return &Machine{name: name, state: State{Kind: KindNoAddress}, actions: actions}
}

// Name returns the NAME this machine is scoped to.
func (m *Machine) Name() j1939.NAME { return m.name }

// State returns the machine's current state.
func (m *Machine) State() State { return m.state }

func (m *Machine) emitAddressClaim(addr uint8) {
	if m.actions.OnAddressClaim != nil {
		m.actions.OnAddressClaim(m.name, addr)
	}
}

func (m *Machine) emitCannotClaim() {
	if m.actions.OnCannotClaim != nil {
		m.actions.OnCannotClaim(m.name)
	}
}

func (m *Machine) emitRequest() {
	if m.actions.OnRequest != nil {
		m.actions.OnRequest()
	}
}

// enterNoAddress runs the no_address entry action: spec.md §4.3 leaves the
// full-directory case with no defined action, which is the ambiguity
// flagged in spec.md §9 (re-entering no_address requests rather than
// announcing cannot-claim); implemented as specified.
func (m *Machine) enterNoAddress(dir DirectoryView) {
	m.state = State{Kind: KindNoAddress}
	if !dir.IsFull() {
		m.emitRequest()
	}
}

func (m *Machine) enterClaiming(dir DirectoryView, preferred uint8) {
	addr := dir.FindAddress(m.name, preferred)
	m.state = State{Kind: KindClaiming, Addr: addr}
	if m.actions.OnBeginClaiming != nil {
		m.actions.OnBeginClaiming()
	}
	m.emitAddressClaim(addr)
}

func (m *Machine) enterHasAddress(addr uint8) {
	m.state = State{Kind: KindHasAddress, Addr: addr}
	if m.actions.OnAddress != nil {
		m.actions.OnAddress(m.name, addr)
	}
}

func (m *Machine) exitHasAddress() {
	if m.state.Kind == KindHasAddress && m.actions.OnLoseAddress != nil {
		m.actions.OnLoseAddress(m.name)
	}
}

func (m *Machine) enterAddressLost() {
	m.state = State{Kind: KindAddressLost}
	m.emitCannotClaim()
}

// Start runs the initial no_address entry action. Call once, right after
// construction.
func (m *Machine) Start(dir DirectoryView) {
	m.enterNoAddress(dir)
}

// StartClaim handles the start_claim{preferred} event.
func (m *Machine) StartClaim(dir DirectoryView, preferred uint8) {
	switch m.state.Kind {
	case KindNoAddress:
		m.preferred = preferred
		if dir.IsFull() {
			m.emitCannotClaim()
			return
		}
		m.enterClaiming(dir, preferred)
	default:
		// spec.md §4.3: start_claim is only effective from no_address.
	}
}

// AddressRequest handles the address_request{dst} event: a request frame
// observed on the bus.
func (m *Machine) AddressRequest(dst uint8) {
	switch m.state.Kind {
	case KindNoAddress:
		if dst == j1939.GlobalAddress {
			m.emitCannotClaim()
		}
	case KindClaiming:
		if dst == m.state.Addr || dst == j1939.GlobalAddress {
			m.emitAddressClaim(m.state.Addr)
		}
	case KindHasAddress:
		if dst == m.state.Addr || dst == j1939.GlobalAddress {
			m.emitAddressClaim(m.state.Addr)
		}
	case KindAddressLost:
		if dst == j1939.GlobalAddress {
			m.emitCannotClaim()
		}
	}
}

// AddressClaim handles the address_claim{name, addr} event: a claim frame
// observed on the bus, from some other NAME (or a defended re-claim of our
// own, which the caller should not also feed back in — the caller applies
// this as fact to the directory first and derives name/addr from the wire
// frame, per spec.md §4.4).
func (m *Machine) AddressClaim(dir DirectoryView, other j1939.NAME, addr uint8) {
	switch m.state.Kind {
	case KindClaiming:
		if addr != m.state.Addr {
			return
		}
		if m.name < other {
			m.emitAddressClaim(m.state.Addr)
			return
		}
		if dir.IsFull() {
			m.enterAddressLost()
			return
		}
		m.enterClaiming(dir, m.state.Addr)
	case KindHasAddress:
		if addr != m.state.Addr {
			return
		}
		if m.name < other {
			m.emitAddressClaim(m.state.Addr)
			return
		}
		if dir.IsFull() {
			m.exitHasAddress()
			m.enterAddressLost()
			return
		}
		lost := m.state.Addr
		m.exitHasAddress()
		m.enterClaiming(dir, lost)
	}
}

// Timeout handles the 250 ms contention-window timeout event. Only
// meaningful from Claiming.
func (m *Machine) Timeout(dir DirectoryView) {
	if m.state.Kind != KindClaiming {
		return
	}
	addr := m.state.Addr
	if dir.Claimable(addr, m.name) || dir.Match(m.name, addr) {
		m.enterHasAddress(addr)
		return
	}
	m.enterNoAddress(dir)
}

// RandomRetry handles the post-cannot-claim random-delay timeout event.
// Only meaningful from AddressLost.
func (m *Machine) RandomRetry(dir DirectoryView) {
	if m.state.Kind != KindAddressLost {
		return
	}
	if m.name.ArbitraryAddressCapable() && !dir.IsFull() {
		m.enterClaiming(dir, m.preferred)
		return
	}
	m.emitCannotClaim()
	m.enterNoAddress(dir)
}
