package conn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guoh27/j1939/bus"
	"github.com/guoh27/j1939/directory"
	"github.com/guoh27/j1939/j1939"
	"github.com/guoh27/j1939/transport"
)

func newTestConnection(t *testing.T, b bus.Bus, dir Directory, addr uint8) *Connection {
	t.Helper()
	c := New(b, dir, func() uint8 { return addr }, nil)
	if b != nil {
		require.True(t, c.Open())
	}
	return c
}

func TestCheckAddressUnboundAcceptsEverything(t *testing.T) {
	dir := directory.New()
	c := newTestConnection(t, nil, dir, 0x20)
	frame := j1939.MakeAddressClaim(j1939.NameFromUint64(1), 0x10)
	assert.True(t, c.checkAddress(frame))
}

func TestCheckAddressBroadcastGatedByTarget(t *testing.T) {
	dir := directory.New()
	targetName := j1939.NameFromUint64(1)
	require.True(t, dir.TryAddressClaim(targetName, 0x10))

	c := newTestConnection(t, nil, dir, 0x20)
	c.SetTargetName(targetName)

	fromTarget := j1939.Frame{Header: j1939.Header{PDUFormat: 0xFE, PDUSpecific: 0x34, SourceAddress: 0x10}}
	require.True(t, fromTarget.Header.IsBroadcast())
	assert.True(t, c.checkAddress(fromTarget))

	fromOther := j1939.Frame{Header: j1939.Header{PDUFormat: 0xFE, PDUSpecific: 0x34, SourceAddress: 0x11}}
	assert.False(t, c.checkAddress(fromOther))
}

func TestCheckAddressNonBroadcastRequiresBothEnds(t *testing.T) {
	dir := directory.New()
	localName := j1939.NameFromUint64(1)
	targetName := j1939.NameFromUint64(2)
	require.True(t, dir.TryAddressClaim(localName, 0x20))
	require.True(t, dir.TryAddressClaim(targetName, 0x10))

	c := newTestConnection(t, nil, dir, 0x20)
	c.SetLocalName(localName)
	c.SetTargetName(targetName)

	good := j1939.Frame{Header: j1939.Header{PDUFormat: 0xEC, PDUSpecific: 0x20, SourceAddress: 0x10}}
	assert.True(t, c.checkAddress(good))

	wrongSource := j1939.Frame{Header: j1939.Header{PDUFormat: 0xEC, PDUSpecific: 0x20, SourceAddress: 0x11}}
	assert.False(t, c.checkAddress(wrongSource))

	wrongDest := j1939.Frame{Header: j1939.Header{PDUFormat: 0xEC, PDUSpecific: 0x21, SourceAddress: 0x10}}
	assert.False(t, c.checkAddress(wrongDest))
}

func TestSendSmallPayloadGoesOutAsSingleFrame(t *testing.T) {
	lb := bus.NewLoopback()
	defer lb.Close()
	a := lb.Open()
	defer a.Close()
	b := lb.Open()
	defer b.Close()

	dir := directory.New()
	c := newTestConnection(t, a, dir, 0x20)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	require.NoError(t, c.Send([]byte{1, 2, 3}, 0x30, 0x00FF00, 6))

	recvCtx, recvCancel := context.WithTimeout(context.Background(), time.Second)
	defer recvCancel()
	frame, err := b.Receive(recvCtx)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), frame.Length)
	assert.Equal(t, [8]byte{1, 2, 3, 0, 0, 0, 0, 0}, frame.Data)
	assert.Equal(t, uint8(0x20), frame.Header.SourceAddress)
}

func TestSendToResolvesAddressViaDirectory(t *testing.T) {
	lb := bus.NewLoopback()
	defer lb.Close()
	a := lb.Open()
	defer a.Close()
	b := lb.Open()
	defer b.Close()

	dir := directory.New()
	target := j1939.NameFromUint64(42)
	require.True(t, dir.TryAddressClaim(target, 0x30))

	c := newTestConnection(t, a, dir, 0x20)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	require.NoError(t, c.SendTo(target, []byte{9, 9}, 0x00E000, 6))

	recvCtx, recvCancel := context.WithTimeout(context.Background(), time.Second)
	defer recvCancel()
	frame, err := b.Receive(recvCtx)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x30), frame.Header.PDUSpecific)
}

func TestSendLargePayloadReassemblesAcrossConnections(t *testing.T) {
	lb := bus.NewLoopback()
	defer lb.Close()
	aEp := lb.Open()
	defer aEp.Close()
	bEp := lb.Open()
	defer bEp.Close()

	dirA := directory.New()
	dirB := directory.New()

	a := newTestConnection(t, aEp, dirA, 0x20)
	b := newTestConnection(t, bEp, dirB, 0x30)

	var gotHeader transport.Header
	var gotData []byte
	b.TP().SetRxHandler(func(h transport.Header, data []byte) {
		gotHeader = h
		gotData = append([]byte(nil), data...)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	b.Start(ctx)

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, a.Send(payload, 0x30, 0x001234, 7))

	require.Eventually(t, func() bool { return gotData != nil }, time.Second, 2*time.Millisecond)
	assert.Equal(t, payload, gotData)
	assert.Equal(t, uint8(0x20), gotHeader.SourceAddress)
}
