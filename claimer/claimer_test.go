package claimer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guoh27/j1939/directory"
	"github.com/guoh27/j1939/j1939"
)

type frameSink struct {
	mu     sync.Mutex
	frames []j1939.Frame
}

func (s *frameSink) push(f j1939.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func (s *frameSink) snapshot() []j1939.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]j1939.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

func newTestClaimer(t *testing.T, name j1939.NAME) (*Claimer, *directory.Network, *frameSink, context.CancelFunc) {
	t.Helper()
	dir := directory.New()
	sink := &frameSink{}
	c := New(name, dir, nil)
	c.SetOnFrame(sink.push)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	t.Cleanup(cancel)
	return c, dir, sink, cancel
}

func TestColdCannotClaimOnGlobalRequest(t *testing.T) {
	name := j1939.NameFromUint64(0xFF)
	c, _, sink, _ := newTestClaimer(t, name)

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, time.Millisecond)

	c.Process(j1939.MakeAddressRequest(j1939.NoAddress))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, time.Millisecond)
	frames := sink.snapshot()
	last := frames[len(frames)-1]
	assert.Equal(t, j1939.PFAddressClaim, last.Header.PDUFormat)
	assert.Equal(t, j1939.IdleAddress, last.Header.SourceAddress)
	assert.Equal(t, name.ToPayload(), last.Data)
	assert.Equal(t, claimStateName(c), "no_address")
}

func TestSuccessfulColdClaim(t *testing.T) {
	name := j1939.NameFromUint64(0xFF)
	c, dir, sink, _ := newTestClaimer(t, name)
	require.Eventually(t, func() bool { return len(sink.snapshot()) >= 1 }, time.Second, time.Millisecond)

	c.StartAddressClaim(0x00)

	require.Eventually(t, func() bool {
		frames := sink.snapshot()
		for _, f := range frames {
			if f.Header.IsClaim() && f.Header.SourceAddress == 0x00 {
				return true
			}
		}
		return false
	}, 20*time.Millisecond+200*time.Millisecond, time.Millisecond)

	require.Eventually(t, func() bool {
		addr, ok := dir.GetAddress(name)
		return ok && addr == 0x00
	}, 500*time.Millisecond, time.Millisecond)
}

func TestDefeatByLowerName(t *testing.T) {
	us := j1939.NameFromUint64(0xAA)
	lower := j1939.NameFromUint64(0x10)
	c, dir, sink, _ := newTestClaimer(t, us)

	c.StartAddressClaim(0x10)
	require.Eventually(t, func() bool {
		addr, ok := dir.GetAddress(us)
		return ok && addr == 0x10
	}, 500*time.Millisecond, time.Millisecond)

	before := len(sink.snapshot())
	c.Process(j1939.MakeAddressClaim(lower, 0x10))

	require.Eventually(t, func() bool {
		addr, ok := dir.GetAddress(us)
		return ok && addr == j1939.IdleAddress
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return len(sink.snapshot()) > before }, 260*time.Millisecond, time.Millisecond)
	frames := sink.snapshot()
	last := frames[len(frames)-1]
	assert.True(t, last.Header.IsClaim())
	assert.NotEqual(t, uint8(0x10), last.Header.SourceAddress)
}

func claimStateName(c *Claimer) string {
	return c.State().Kind.String()
}
