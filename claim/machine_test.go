package claim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guoh27/j1939/j1939"
)

// fakeDirectory is a hand-rolled DirectoryView for isolating the pure
// state machine from the real directory.Network implementation.
type fakeDirectory struct {
	full      bool
	holders   map[uint8]j1939.NAME
	matches   map[j1939.NAME]uint8
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{holders: map[uint8]j1939.NAME{}, matches: map[j1939.NAME]uint8{}}
}

func (f *fakeDirectory) IsFull() bool { return f.full }

func (f *fakeDirectory) Claimable(addr uint8, name j1939.NAME) bool {
	if addr > j1939.MaxUnicastAddress {
		return false
	}
	holder, ok := f.holders[addr]
	if !ok {
		return true
	}
	return name < holder
}

func (f *fakeDirectory) FindAddress(name j1939.NAME, preferred uint8) uint8 {
	if f.Claimable(preferred, name) {
		return preferred
	}
	if name.ArbitraryAddressCapable() {
		for addr := int(preferred) + 1; addr <= int(j1939.MaxUnicastAddress); addr++ {
			if f.Claimable(uint8(addr), name) {
				return uint8(addr)
			}
		}
		for addr := 0; addr < int(preferred); addr++ {
			if f.Claimable(uint8(addr), name) {
				return uint8(addr)
			}
		}
	}
	return j1939.NoAddress
}

func (f *fakeDirectory) Match(name j1939.NAME, addr uint8) bool {
	return f.matches[name] == addr
}

func recordingActions() (*Actions, *[]string) {
	var trace []string
	a := &Actions{
		OnAddress:       func(n j1939.NAME, a uint8) { trace = append(trace, "on_address") },
		OnLoseAddress:   func(n j1939.NAME) { trace = append(trace, "on_lose_address") },
		OnBeginClaiming: func() { trace = append(trace, "on_begin_claiming") },
		OnAddressClaim:  func(n j1939.NAME, a uint8) { trace = append(trace, "on_address_claim") },
		OnRequest:       func() { trace = append(trace, "on_request") },
		OnCannotClaim:   func(n j1939.NAME) { trace = append(trace, "on_cannot_claim") },
	}
	return a, &trace
}

func TestColdStartEmitsRequest(t *testing.T) {
	acts, trace := recordingActions()
	m := New(j1939.NameFromUint64(1), *acts)
	dir := newFakeDirectory()
	m.Start(dir)
	assert.Equal(t, KindNoAddress, m.State().Kind)
	assert.Equal(t, []string{"on_request"}, *trace)
}

func TestGlobalRequestWhileNoAddressAnnouncesCannotClaim(t *testing.T) {
	acts, trace := recordingActions()
	m := New(j1939.NameFromUint64(1), *acts)
	dir := newFakeDirectory()
	m.Start(dir)
	*trace = nil
	m.AddressRequest(j1939.GlobalAddress)
	assert.Equal(t, []string{"on_cannot_claim"}, *trace)
	assert.Equal(t, KindNoAddress, m.State().Kind)
}

func TestStartClaimMovesToClaimingAndEmitsClaim(t *testing.T) {
	acts, trace := recordingActions()
	m := New(j1939.NameFromUint64(1), *acts)
	dir := newFakeDirectory()
	m.Start(dir)
	*trace = nil

	m.StartClaim(dir, 0x10)
	require.Equal(t, KindClaiming, m.State().Kind)
	assert.Equal(t, uint8(0x10), m.State().Addr)
	assert.Equal(t, []string{"on_begin_claiming", "on_address_claim"}, *trace)
}

func TestStartClaimWhenFullEmitsCannotClaimAndStaysNoAddress(t *testing.T) {
	acts, trace := recordingActions()
	m := New(j1939.NameFromUint64(1), *acts)
	dir := newFakeDirectory()
	dir.full = true
	m.Start(dir)
	*trace = nil

	m.StartClaim(dir, 0x10)
	assert.Equal(t, KindNoAddress, m.State().Kind)
	assert.Equal(t, []string{"on_cannot_claim"}, *trace)
}

func TestClaimingDefendsAgainstWeakerChallenger(t *testing.T) {
	strong := j1939.NameFromUint64(1)
	weak := j1939.NameFromUint64(500)
	acts, trace := recordingActions()
	m := New(strong, *acts)
	dir := newFakeDirectory()
	m.Start(dir)
	m.StartClaim(dir, 0x10)
	*trace = nil

	m.AddressClaim(dir, weak, 0x10)
	assert.Equal(t, KindClaiming, m.State().Kind)
	assert.Equal(t, uint8(0x10), m.State().Addr)
	assert.Equal(t, []string{"on_address_claim"}, *trace)
}

func TestClaimingLosesToStrongerChallengerAndRepicksAddress(t *testing.T) {
	weak := j1939.NameFromUint64(500)
	strong := j1939.NameFromUint64(1)
	acts, trace := recordingActions()
	m := New(weak, *acts)
	dir := newFakeDirectory()
	m.Start(dir)
	m.StartClaim(dir, 0x10)
	*trace = nil

	m.AddressClaim(dir, strong, 0x10)
	assert.Equal(t, KindClaiming, m.State().Kind)
	assert.Equal(t, []string{"on_begin_claiming", "on_address_claim"}, *trace)
}

func TestClaimingLosesToStrongerChallengerWhenFullGoesToAddressLost(t *testing.T) {
	weak := j1939.NameFromUint64(500)
	strong := j1939.NameFromUint64(1)
	acts, trace := recordingActions()
	m := New(weak, *acts)
	dir := newFakeDirectory()
	m.Start(dir)
	m.StartClaim(dir, 0x10)
	dir.full = true
	*trace = nil

	m.AddressClaim(dir, strong, 0x10)
	assert.Equal(t, KindAddressLost, m.State().Kind)
	assert.Equal(t, []string{"on_cannot_claim"}, *trace)
}

func TestTimeoutClaimableBecomesHasAddress(t *testing.T) {
	acts, trace := recordingActions()
	m := New(j1939.NameFromUint64(1), *acts)
	dir := newFakeDirectory()
	m.Start(dir)
	m.StartClaim(dir, 0x10)
	*trace = nil

	m.Timeout(dir)
	assert.Equal(t, KindHasAddress, m.State().Kind)
	assert.Equal(t, uint8(0x10), m.State().Addr)
	assert.Equal(t, []string{"on_address"}, *trace)
}

func TestTimeoutNotClaimableReturnsToNoAddress(t *testing.T) {
	me := j1939.NameFromUint64(500)
	blocker := j1939.NameFromUint64(1)
	acts, trace := recordingActions()
	m := New(me, *acts)
	dir := newFakeDirectory()
	dir.holders[0x10] = blocker
	m.Start(dir)
	m.StartClaim(dir, 0x10)
	*trace = nil

	m.Timeout(dir)
	assert.Equal(t, KindNoAddress, m.State().Kind)
	assert.Equal(t, []string{"on_request"}, *trace)
}

func TestHasAddressDefeatByLowerNameRoundTrip(t *testing.T) {
	// Scenario 3 from spec.md §8: has_address -> claiming -> has_address.
	us := j1939.NewName(j1939.NameFields{ArbitraryAddressCapable: true, IdentityNumber: 0xAA})
	lower := j1939.NameFromUint64(0x10)
	acts, trace := recordingActions()
	m := New(us, *acts)
	dir := newFakeDirectory()
	m.Start(dir)
	m.StartClaim(dir, 0x10)
	m.Timeout(dir)
	require.Equal(t, KindHasAddress, m.State().Kind)
	*trace = nil

	// The claimer applies the observed claim to the directory before the
	// machine sees it.
	dir.holders[0x10] = lower
	m.AddressClaim(dir, lower, 0x10)
	require.Equal(t, KindClaiming, m.State().Kind)
	assert.NotEqual(t, uint8(0x10), m.State().Addr)
	assert.Equal(t, []string{"on_lose_address", "on_begin_claiming", "on_address_claim"}, *trace)

	dir.holders[m.State().Addr] = us
	dir.matches[us] = m.State().Addr
	*trace = nil
	m.Timeout(dir)
	assert.Equal(t, KindHasAddress, m.State().Kind)
	assert.Equal(t, []string{"on_address"}, *trace)
}

func TestAddressLostRandomRetrySelfConfigurable(t *testing.T) {
	name := j1939.NewName(j1939.NameFields{ArbitraryAddressCapable: true, IdentityNumber: 7})
	acts, trace := recordingActions()
	m := New(name, *acts)
	dir := newFakeDirectory()
	m.Start(dir)
	m.StartClaim(dir, 0x10)
	dir.full = true
	m.AddressClaim(dir, j1939.NameFromUint64(1), 0x10)
	require.Equal(t, KindAddressLost, m.State().Kind)
	dir.full = false
	*trace = nil

	m.RandomRetry(dir)
	assert.Equal(t, KindClaiming, m.State().Kind)
	assert.Equal(t, uint8(0x10), m.State().Addr)
}

func TestAddressLostRandomRetryNonSelfConfigurable(t *testing.T) {
	name := j1939.NameFromUint64(1)
	acts, trace := recordingActions()
	m := New(name, *acts)
	dir := newFakeDirectory()
	m.Start(dir)
	m.StartClaim(dir, 0x10)
	dir.full = true
	m.AddressClaim(dir, j1939.NameFromUint64(0), 0x10)
	require.Equal(t, KindAddressLost, m.State().Kind)
	dir.full = false
	*trace = nil

	m.RandomRetry(dir)
	assert.Equal(t, KindNoAddress, m.State().Kind)
	assert.Equal(t, []string{"on_cannot_claim", "on_request"}, *trace)
}

func TestDeterminismSameEventSameSnapshotSameTrace(t *testing.T) {
	build := func() (*Machine, *fakeDirectory, *[]string) {
		acts, trace := recordingActions()
		m := New(j1939.NameFromUint64(1), *acts)
		dir := newFakeDirectory()
		m.Start(dir)
		m.StartClaim(dir, 0x10)
		*trace = nil
		return m, dir, trace
	}

	m1, dir1, trace1 := build()
	m2, dir2, trace2 := build()

	m1.AddressClaim(dir1, j1939.NameFromUint64(500), 0x10)
	m2.AddressClaim(dir2, j1939.NameFromUint64(500), 0x10)

	assert.Equal(t, m1.State(), m2.State())
	assert.Equal(t, *trace1, *trace2)
}
