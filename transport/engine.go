// Package transport implements the J1939-21 Transport Protocol described in
// spec.md §4.6: BAM broadcasts and RTS/CTS peer-to-peer sessions layered on
// top of single-frame CAN traffic, for payloads too large for one frame.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/guoh27/j1939/j1939"
)

// tpPriority is the priority byte used for every TP.CM and TP.DT frame this
// engine emits, per the standard's default transport-protocol priority.
const tpPriority uint8 = 7

// Bus is the narrow sending surface the engine needs: enough to emit a
// frame and to know which source address to stamp it with. It is
// deliberately smaller than bus.Bus, matching spec.md §6's pluggable Bus
// trait rather than the socket-level abstraction bus.Bus provides.
type Bus interface {
	Send(frame j1939.Frame) bool
	SourceAddress() uint8
}

// ErrPayloadTooShort and ErrPayloadTooLong bound what Engine.Send accepts.
var (
	ErrPayloadTooShort  = errors.New("transport: payload fits in a single frame, send it directly")
	ErrPayloadTooLong   = errors.New("transport: payload exceeds 1785 bytes (255 packets)")
	ErrSessionInUse     = errors.New("transport: a session to this destination is already active")
)

// Engine owns every in-flight BAM and RTS/CTS session for one node. It is
// driven by two external inputs: OnCANFrame for received traffic, and a
// caller-owned ticker invoking tick for timeout detection — mirroring the
// coordinator-owns-the-clock pattern claimer.Claimer uses for address
// claiming (spec.md §5).
type Engine struct {
	bus Bus
	log *logrus.Entry

	mu       sync.Mutex
	sessions map[sessionKey]*Session

	onData  func(Header, []byte)
	onError func(error)
}

// New constructs an Engine bound to bus.
func New(bus Bus, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		bus:      bus,
		log:      log.WithField("component", "transport"),
		sessions: make(map[sessionKey]*Session),
	}
}

// SetRxHandler installs the callback fired once a multi-packet message has
// been fully reassembled.
func (e *Engine) SetRxHandler(fn func(Header, []byte)) { e.onData = fn }

// SetErrorHandler installs the callback fired on abort and timeout.
func (e *Engine) SetErrorHandler(fn func(error)) { e.onError = fn }

// Sessions returns a snapshot of every session currently in flight. This is
// an observability addition beyond the literal protocol text, useful for
// diagnostics and tests.
func (e *Engine) Sessions() []Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, *s)
	}
	return out
}

// Send starts a multi-packet transfer of data to dest (j1939.NoAddress for
// a BAM broadcast) under pgn. Payloads of 8 bytes or fewer should be sent
// as a single CAN frame instead; Send rejects them.
func (e *Engine) Send(data []byte, dest uint8, pgn uint32) error {
	if len(data) < MinPayloadLength {
		return ErrPayloadTooShort
	}
	if len(data) > MaxPayloadLength {
		return ErrPayloadTooLong
	}

	src := e.bus.SourceAddress()
	bam := dest == j1939.NoAddress
	key := sessionKeyFor(src, dest)

	e.mu.Lock()
	if _, exists := e.sessions[key]; exists {
		e.mu.Unlock()
		return ErrSessionInUse
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	total := totalPackets(len(buf))
	sess := &Session{
		Key:          key,
		Direction:    DirTx,
		Buffer:       buf,
		Length:       uint16(len(buf)),
		TotalPackets: total,
		NextSeq:      1,
		BAM:          bam,
		PGN:          pgn,
		LastActivity: time.Now(),
	}
	if !bam {
		e.sessions[key] = sess
	}
	e.mu.Unlock()

	if bam {
		if !e.bus.Send(e.makeCM(src, j1939.GlobalAddress, ctrlBAM, sess)) {
			e.fireError(fmt.Errorf("transport: BAM control frame send failed"))
			return nil
		}
		for seq := uint8(1); seq <= total; seq++ {
			if !e.bus.Send(e.makeDT(src, j1939.GlobalAddress, seq, sess)) {
				e.fireError(fmt.Errorf("transport: BAM data transfer %d send failed", seq))
				return nil
			}
		}
		return nil
	}

	sess.WindowSize = total
	e.sendDuringSession(e.makeCM(src, dest, ctrlRTS, sess), key, src, dest, pgn)
	return nil
}

// OnCANFrame feeds a received frame into the engine. Frames that are
// neither TP.CM nor TP.DT are ignored.
func (e *Engine) OnCANFrame(frame j1939.Frame) {
	h := frame.Header
	switch {
	case isTPCM(h):
		e.onControl(frame)
	case isTPDT(h):
		e.onDataTransfer(frame)
	}
}

func (e *Engine) onControl(frame j1939.Frame) {
	if frame.Length < 1 {
		return
	}
	ctrl := frame.Data[0]
	peer := frame.Header.SourceAddress
	ps := frame.Header.PDUSpecific
	us := e.bus.SourceAddress()

	switch ctrl {
	case ctrlBAM:
		e.onRTSOrBAM(frame, peer, j1939.GlobalAddress, true)
	case ctrlRTS:
		if ps != us {
			return
		}
		e.onRTSOrBAM(frame, peer, us, false)
	case ctrlCTS:
		if ps != us {
			return
		}
		e.onCTS(frame, peer, us)
	case ctrlEOM:
		if ps != us {
			return
		}
		e.onEOM(peer, us)
	case ctrlAbort:
		if ps != us {
			return
		}
		e.onAbort(frame, peer, us)
	}
}

func (e *Engine) onRTSOrBAM(frame j1939.Frame, src, dst uint8, bam bool) {
	if frame.Length < 8 {
		return
	}
	length := uint16(frame.Data[1]) | uint16(frame.Data[2])<<8
	total := frame.Data[3]
	window := frame.Data[4]
	pgn := uint32(frame.Data[5]) | uint32(frame.Data[6])<<8 | uint32(frame.Data[7])<<16

	key := sessionKeyFor(src, dst)
	e.mu.Lock()
	if _, exists := e.sessions[key]; exists {
		e.mu.Unlock()
		if !bam {
			e.sendAbort(dst, src, pgn, AbortAlreadyInSession)
		}
		return
	}
	sess := &Session{
		Key:          key,
		Direction:    DirRx,
		Buffer:       make([]byte, length),
		Length:       length,
		TotalPackets: total,
		NextSeq:      1,
		WindowSize:   window,
		BAM:          bam,
		PGN:          pgn,
		LastActivity: time.Now(),
	}
	e.sessions[key] = sess
	e.mu.Unlock()

	if bam {
		return
	}

	us := e.bus.SourceAddress()
	e.sendDuringSession(e.makeCTS(us, src, window, 1, pgn), key, us, src, pgn)
}

// sendDuringSession attempts to send frame belonging to the session at
// key, addressed from us to peer under pgn. On failure it erases the
// session and emits a local ABORT{resources-busy} plus the error
// callback, per spec.md §4.6/§7 "Sender send-failure" — applied
// symmetrically to a receiver's own CTS/EOM sends, since the bus can
// refuse either side's frame mid-session. Returns whether frame was
// sent.
func (e *Engine) sendDuringSession(frame j1939.Frame, key sessionKey, us, peer uint8, pgn uint32) bool {
	if e.bus.Send(frame) {
		return true
	}
	e.mu.Lock()
	delete(e.sessions, key)
	e.mu.Unlock()
	e.sendAbort(us, peer, pgn, AbortResourcesBusy)
	e.fireError(fmt.Errorf("transport: send failed for session with %d", peer))
	return false
}

// makeCTS builds a TP.CM CTS frame requesting numPackets DT frames starting
// at nextSeq, addressed from us to peer.
func (e *Engine) makeCTS(us, peer uint8, numPackets, nextSeq uint8, pgn uint32) j1939.Frame {
	cts := j1939.Frame{
		Header: j1939.Header{
			Priority:      tpPriority,
			PDUFormat:     uint8(j1939.PGNTPConnMgmt >> 8),
			PDUSpecific:   peer,
			SourceAddress: us,
		},
		Length: 8,
	}
	cts.Data[0] = ctrlCTS
	cts.Data[1] = numPackets
	cts.Data[2] = nextSeq
	cts.Data[3] = 0xFF
	cts.Data[4] = 0xFF
	cts.Data[5] = byte(pgn)
	cts.Data[6] = byte(pgn >> 8)
	cts.Data[7] = byte(pgn >> 16)
	return cts
}

func (e *Engine) onCTS(frame j1939.Frame, peer, us uint8) {
	if frame.Length < 3 {
		return
	}
	numPackets := frame.Data[1]
	nextSeq := frame.Data[2]

	key := sessionKeyFor(us, peer)
	e.mu.Lock()
	sess, ok := e.sessions[key]
	if !ok || sess.Direction != DirTx {
		e.mu.Unlock()
		return
	}
	sess.NextSeq = nextSeq
	sess.LastActivity = time.Now()
	pgn := sess.PGN
	var toSend []j1939.Frame
	for i := uint8(0); i < numPackets && sess.NextSeq <= sess.TotalPackets; i++ {
		toSend = append(toSend, e.makeDT(us, peer, sess.NextSeq, sess))
		sess.NextSeq++
	}
	e.mu.Unlock()

	for _, f := range toSend {
		if !e.sendDuringSession(f, key, us, peer, pgn) {
			return
		}
	}
}

func (e *Engine) onEOM(peer, us uint8) {
	key := sessionKeyFor(us, peer)
	e.mu.Lock()
	sess, ok := e.sessions[key]
	if ok && sess.Direction == DirTx {
		delete(e.sessions, key)
	}
	e.mu.Unlock()
}

func (e *Engine) onAbort(frame j1939.Frame, peer, us uint8) {
	var reason AbortReason = AbortUnspecified
	if frame.Length >= 2 {
		reason = AbortReason(frame.Data[1])
	}
	candidates := []sessionKey{sessionKeyFor(us, peer), sessionKeyFor(peer, us)}
	e.mu.Lock()
	for _, key := range candidates {
		delete(e.sessions, key)
	}
	e.mu.Unlock()
	e.fireError(fmt.Errorf("transport: aborted by %d: %s", peer, reason))
}

func (e *Engine) onDataTransfer(frame j1939.Frame) {
	if frame.Length < 1 {
		return
	}
	seq := frame.Data[0]
	src := frame.Header.SourceAddress
	dst := frame.Header.PDUSpecific

	key := sessionKeyFor(src, dst)
	e.mu.Lock()
	sess, ok := e.sessions[key]
	if !ok || sess.Direction != DirRx {
		e.mu.Unlock()
		return
	}
	if seq < 1 || seq > sess.TotalPackets {
		// spec.md §4.6/§8: out-of-range sequence numbers are dropped
		// without protocol side effect, leaving the session alive; only the
		// diagnostic Dropped counter moves.
		sess.Dropped++
		dropped := sess.Dropped
		e.mu.Unlock()
		e.log.WithFields(logrus.Fields{"src": src, "seq": seq, "dropped": dropped}).
			Debug("transport: dropped out-of-range sequence")
		return
	}
	if seq != sess.NextSeq {
		delete(e.sessions, key)
		e.mu.Unlock()
		if !sess.BAM {
			e.sendAbort(dst, src, sess.PGN, AbortBadSequence)
		}
		e.fireError(fmt.Errorf("transport: unexpected sequence %d from %d, wanted %d", seq, src, sess.NextSeq))
		return
	}

	offset := int(seq-1) * dtPayloadBytes
	remaining := int(sess.Length) - offset
	n := dtPayloadBytes
	if remaining < n {
		n = remaining
	}
	if n > 0 {
		copy(sess.Buffer[offset:offset+n], frame.Data[1:1+n])
	}
	sess.NextSeq++
	sess.LastActivity = time.Now()

	done := sess.NextSeq > sess.TotalPackets
	window := sess.WindowSize
	needsCTS := !done && !sess.BAM && window > 0 && seq%window == 0
	var ctsFrame j1939.Frame
	if needsCTS {
		ctsFrame = e.makeCTS(dst, src, window, sess.NextSeq, sess.PGN)
	}
	if done {
		delete(e.sessions, key)
	}
	e.mu.Unlock()

	if needsCTS {
		e.sendDuringSession(ctsFrame, key, dst, src, sess.PGN)
		return
	}
	if !done {
		return
	}
	if !sess.BAM {
		e.sendDuringSession(e.makeCM(dst, src, ctrlEOM, sess), key, dst, src, sess.PGN)
	}
	if e.onData != nil {
		hdr := Header{PGN: sess.PGN, SourceAddress: src, DestAddress: dst}
		if sess.BAM {
			hdr.DestAddress = j1939.NoAddress
		}
		e.onData(hdr, sess.Buffer)
	}
}

// Tick scans every session for T2 (receiver) and T3 (sender) expiry and
// aborts any that have gone quiet too long, per spec.md §4.6's Timeouts
// paragraph.
func (e *Engine) Tick(now time.Time) {
	var aborts []*Session
	e.mu.Lock()
	for key, sess := range e.sessions {
		var limit time.Duration
		if sess.Direction == DirTx {
			limit = T3
		} else {
			limit = T2
		}
		if now.Sub(sess.LastActivity) > limit {
			delete(e.sessions, key)
			sess.Dropped++
			aborts = append(aborts, sess)
		}
	}
	e.mu.Unlock()

	for _, sess := range aborts {
		us := e.bus.SourceAddress()
		peer := sess.Key.dst
		if sess.Direction == DirRx {
			peer = sess.Key.src
		}
		if !sess.BAM {
			e.sendAbort(us, peer, sess.PGN, AbortTimeout)
		}
		e.fireError(fmt.Errorf("transport: session with %d timed out", peer))
	}
}

// StartTicker runs Tick every period until stop is closed, matching the
// "start_tick(period)" convenience entry point of spec.md §6.
func (e *Engine) StartTicker(period time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-t.C:
			e.Tick(now)
		}
	}
}

func (e *Engine) sendAbort(from, to uint8, pgn uint32, reason AbortReason) {
	f := j1939.Frame{
		Header: j1939.Header{
			Priority:      tpPriority,
			PDUFormat:     uint8(j1939.PGNTPConnMgmt >> 8),
			PDUSpecific:   to,
			SourceAddress: from,
		},
		Length: 8,
	}
	f.Data[0] = ctrlAbort
	f.Data[1] = byte(reason)
	f.Data[2] = 0xFF
	f.Data[3] = 0xFF
	f.Data[4] = 0xFF
	f.Data[5] = byte(pgn)
	f.Data[6] = byte(pgn >> 8)
	f.Data[7] = byte(pgn >> 16)
	e.bus.Send(f)
}

func (e *Engine) fireError(err error) {
	e.log.Debug(err.Error())
	if e.onError != nil {
		e.onError(err)
	}
}

func (e *Engine) makeCM(src, dst uint8, ctrl byte, sess *Session) j1939.Frame {
	f := j1939.Frame{
		Header: j1939.Header{
			Priority:      tpPriority,
			PDUFormat:     uint8(j1939.PGNTPConnMgmt >> 8),
			PDUSpecific:   dst,
			SourceAddress: src,
		},
		Length: 8,
	}
	f.Data[0] = ctrl
	f.Data[1] = byte(sess.Length)
	f.Data[2] = byte(sess.Length >> 8)
	f.Data[3] = sess.TotalPackets
	switch ctrl {
	case ctrlBAM:
		f.Data[4] = 0xFF
	case ctrlRTS:
		f.Data[4] = sess.TotalPackets
	case ctrlEOM:
		f.Data[4] = 0xFF
	}
	f.Data[5] = byte(sess.PGN)
	f.Data[6] = byte(sess.PGN >> 8)
	f.Data[7] = byte(sess.PGN >> 16)
	return f
}

func (e *Engine) makeDT(src, dst uint8, seq uint8, sess *Session) j1939.Frame {
	f := j1939.Frame{
		Header: j1939.Header{
			Priority:      tpPriority,
			PDUFormat:     uint8(j1939.PGNTPDataTransfer >> 8),
			PDUSpecific:   dst,
			SourceAddress: src,
		},
		Length: 8,
	}
	f.Data[0] = seq
	offset := int(seq-1) * dtPayloadBytes
	for i := 0; i < dtPayloadBytes; i++ {
		idx := offset + i
		if idx < len(sess.Buffer) {
			f.Data[1+i] = sess.Buffer[idx]
		} else {
			f.Data[1+i] = 0xFF
		}
	}
	return f
}
