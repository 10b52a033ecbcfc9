// Package conn implements the dispatch glue described in spec.md §4.7: the
// single entry/exit point for one CAN interface, gating inbound frames by
// address before handing them to the transport engine and to the caller,
// and serializing every outbound send the same way claimer.Claimer
// serializes its own work.
package conn

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/guoh27/j1939/bus"
	"github.com/guoh27/j1939/j1939"
	"github.com/guoh27/j1939/transport"
)

// Directory is the slice of directory.Network the connection needs to
// resolve a NAME to its current address, both for the inbound gate and for
// SendTo.
type Directory interface {
	GetAddress(name j1939.NAME) (uint8, bool)
}

// Connection owns one CAN bus endpoint: it runs a read loop that applies
// the inbound address gate, feeds accepted traffic to its own
// transport.Engine, and serializes every outbound send through its own
// executor goroutine, exactly as claimer.Claimer serializes claim work
// (spec.md §5).
type Connection struct {
	bus bus.Bus
	dir Directory
	tp  *transport.Engine
	log *logrus.Entry

	sourceAddress func() uint8

	local  *j1939.NAME
	target *j1939.NAME

	onRawFrame func(j1939.Frame)
	onAccepted func(j1939.Frame)
	onError    func(error)

	cmds chan func()
	done chan struct{}

	opened bool
}

// New constructs a Connection over b, backed by dir for address
// resolution. sourceAddress reports this node's currently claimed address
// (typically claimer.Claimer.State().Addr), used both to stamp outgoing
// single frames and as the transport engine's notion of "us". It does
// nothing until Open and Start are called.
func New(b bus.Bus, dir Directory, sourceAddress func() uint8, log *logrus.Entry) *Connection {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Connection{
		bus:           b,
		dir:           dir,
		log:           log.WithField("component", "conn"),
		sourceAddress: sourceAddress,
		cmds:          make(chan func(), 64),
		done:          make(chan struct{}),
	}
	c.tp = transport.New(&engineBus{c}, log)
	return c
}

// engineBus adapts Connection to transport.Bus. Its Send bypasses the
// connection's own executor: it is only ever called from within a closure
// already running on that executor (transport.Engine.Send and
// OnCANFrame are only invoked from Connection's own goroutines), so
// round-tripping through the executor again would deadlock it.
type engineBus struct{ c *Connection }

func (a *engineBus) Send(frame j1939.Frame) bool {
	return a.c.bus.Send(context.Background(), frame) == nil
}

func (a *engineBus) SourceAddress() uint8 { return a.c.sourceAddress() }

// SetLocalName scopes the inbound gate to frames addressed to name's
// current address (spec.md §4.7: "local's address == PS").
func (c *Connection) SetLocalName(name j1939.NAME) { c.local = &name }

// SetTargetName scopes the inbound gate to frames originating from name's
// current address (spec.md §4.7: "target's address == SA").
func (c *Connection) SetTargetName(name j1939.NAME) { c.target = &name }

// SetOnRawFrame installs the callback that sees every received frame,
// accepted or not — the hook address-claim processing is meant to use.
func (c *Connection) SetOnRawFrame(fn func(j1939.Frame)) { c.onRawFrame = fn }

// SetOnAccepted installs the callback fired for every frame that passes
// the address gate, alongside delivery to the transport engine.
func (c *Connection) SetOnAccepted(fn func(j1939.Frame)) { c.onAccepted = fn }

// SetOnError installs the error callback for configuration and socket
// failures (spec.md §7).
func (c *Connection) SetOnError(fn func(error)) { c.onError = fn }

// TP returns the transport engine this connection feeds, so callers can
// wire transport.Engine.SetRxHandler for reassembled messages.
func (c *Connection) TP() *transport.Engine { return c.tp }

// Open validates the connection is ready to run. It returns false and
// fires the error callback on configuration failure, per spec.md §7.
func (c *Connection) Open() bool {
	if c.bus == nil {
		c.fireError(errConn("conn: no bus configured"))
		return false
	}
	c.opened = true
	return true
}

type errConn string

func (e errConn) Error() string { return string(e) }

// Start launches the connection's read loop and serial executor. ctx
// cancellation stops both.
func (c *Connection) Start(ctx context.Context) {
	go c.readLoop(ctx)
	go c.run(ctx)
}

func (c *Connection) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(transport.T2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.cmds:
			fn()
		case now := <-ticker.C:
			c.tp.Tick(now)
		}
	}
}

func (c *Connection) readLoop(ctx context.Context) {
	for {
		frame, err := c.bus.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fireError(err)
			return
		}
		select {
		case c.cmds <- func() { c.onReceived(frame) }:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connection) onReceived(frame j1939.Frame) {
	if c.onRawFrame != nil {
		c.onRawFrame(frame)
	}
	if !c.checkAddress(frame) {
		return
	}
	c.tp.OnCANFrame(frame)
	if c.onAccepted != nil {
		c.onAccepted(frame)
	}
}

// checkAddress implements the inbound gate of spec.md §4.7 exactly: raw
// CAN filters cannot re-scope on dynamic source addresses, so every frame
// is accepted at the socket and filtered here instead.
func (c *Connection) checkAddress(frame j1939.Frame) bool {
	localAddr, localBound := c.resolve(c.local)
	targetAddr, targetBound := c.resolve(c.target)

	if !localBound && !targetBound {
		return true
	}
	if frame.Header.IsBroadcast() {
		return !targetBound || targetAddr == frame.Header.SourceAddress
	}
	if targetBound && targetAddr != frame.Header.SourceAddress {
		return false
	}
	if localBound && localAddr != frame.Header.PDUSpecific {
		return false
	}
	return true
}

func (c *Connection) resolve(name *j1939.NAME) (uint8, bool) {
	if name == nil {
		return 0, false
	}
	return c.dir.GetAddress(*name)
}

// SendRaw queues frame for transmission, preserving the order in which
// send* calls complete on this connection's executor (spec.md §4.7).
func (c *Connection) SendRaw(frame j1939.Frame) error {
	return c.do(func() error {
		return c.bus.Send(context.Background(), frame)
	})
}

// Send transmits data to dest under pgn at priority, falling through to
// the transport engine when the payload exceeds a single frame (spec.md
// §4.7).
func (c *Connection) Send(data []byte, dest uint8, pgn uint32, priority uint8) error {
	if len(data) <= 8 {
		return c.SendRaw(c.singleFrame(data, dest, pgn, priority))
	}
	return c.do(func() error { return c.tp.Send(data, dest, pgn) })
}

// SendTo resolves name's current address via the directory and sends data
// to it under pgn at priority.
func (c *Connection) SendTo(name j1939.NAME, data []byte, pgn uint32, priority uint8) error {
	addr, ok := c.dir.GetAddress(name)
	if !ok {
		return errConn("conn: target NAME has no claimed address")
	}
	return c.Send(data, addr, pgn, priority)
}

// do runs fn on the connection's serial executor and returns its result,
// round-tripping through a response channel so ordering relative to other
// queued sends is preserved while the caller still gets a synchronous
// error return — the same pattern claimer.Claimer.State uses.
func (c *Connection) do(fn func() error) error {
	resp := make(chan error, 1)
	select {
	case c.cmds <- func() { resp <- fn() }:
	case <-c.done:
		return errConn("conn: connection stopped")
	}
	select {
	case err := <-resp:
		return err
	case <-c.done:
		return errConn("conn: connection stopped")
	}
}

func (c *Connection) singleFrame(data []byte, dest uint8, pgn uint32, priority uint8) j1939.Frame {
	pf := uint8(pgn >> 8)
	ps := uint8(pgn)
	if pf <= 0xEF {
		ps = dest
	}
	f := j1939.Frame{
		Header: j1939.Header{
			Priority:      priority,
			DataPage:      pgn&0x10000 != 0,
			Reserved:      pgn&0x20000 != 0,
			PDUFormat:     pf,
			PDUSpecific:   ps,
			SourceAddress: c.sourceAddress(),
		},
		Length: uint8(len(data)),
	}
	copy(f.Data[:], data)
	return f
}

func (c *Connection) fireError(err error) {
	c.log.WithError(err).Debug("conn: error")
	if c.onError != nil {
		c.onError(err)
	}
}
