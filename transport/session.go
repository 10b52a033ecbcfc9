package transport

import (
	"time"

	"github.com/guoh27/j1939/j1939"
)

// Control bytes (byte 0 of a TP.CM payload) and abort reason codes, per
// spec.md §4.6.
const (
	ctrlRTS    byte = 0x10
	ctrlCTS    byte = 0x11
	ctrlEOM    byte = 0x13
	ctrlBAM    byte = 0x20
	ctrlAbort  byte = 0xFF
)

// AbortReason is the byte-1 payload of a TP.CM ABORT frame.
type AbortReason byte

const (
	AbortAlreadyInSession AbortReason = 1
	AbortResourcesBusy    AbortReason = 2
	AbortTimeout          AbortReason = 3
	AbortCTSWhileDT       AbortReason = 4
	AbortMaxRetransmit    AbortReason = 5
	AbortUnexpected       AbortReason = 6
	AbortBadSequence      AbortReason = 7
	AbortDuplicateSeq     AbortReason = 8
	AbortLengthExceeded   AbortReason = 9
	AbortUnspecified      AbortReason = 250
)

func (r AbortReason) String() string {
	switch r {
	case AbortAlreadyInSession:
		return "already in session"
	case AbortResourcesBusy:
		return "resources busy"
	case AbortTimeout:
		return "timeout"
	case AbortCTSWhileDT:
		return "CTS received while sending DT"
	case AbortMaxRetransmit:
		return "max retransmit exceeded"
	case AbortUnexpected:
		return "unexpected data transfer"
	case AbortBadSequence:
		return "bad sequence number"
	case AbortDuplicateSeq:
		return "duplicate sequence number"
	case AbortLengthExceeded:
		return "length exceeded"
	default:
		return "unspecified"
	}
}

// Timers, per spec.md §4.6. T1 and Tr are carried as named constants for
// configuration completeness (config.Config exposes them) even though the
// tick-driven timeout model below only gates sessions on T2 and T3, exactly
// as spec.md's "Timeouts" paragraph specifies.
const (
	T1 = 750 * time.Millisecond
	T2 = 1250 * time.Millisecond
	T3 = 1250 * time.Millisecond
	Tr = 200 * time.Millisecond
)

// MinPayloadLength and MaxPayloadLength bound what Engine.Send accepts:
// shorter messages should go out as a single CAN frame, longer ones exceed
// what 255 DT packets of 7 bytes can carry.
const (
	MinPayloadLength = 9
	MaxPayloadLength = 1785
	dtPayloadBytes   = 7
	maxDTPackets     = 255
)

// Direction distinguishes a session this node is sending from one it is
// receiving.
type Direction int

const (
	DirTx Direction = iota
	DirRx
)

func (d Direction) String() string {
	if d == DirTx {
		return "tx"
	}
	return "rx"
}

type sessionKey struct {
	src uint8
	dst uint8
}

// Session is one in-flight multi-packet transfer, keyed by (src_sa, dst_sa)
// with dst_sa == j1939.NoAddress for BAM.
type Session struct {
	Key          sessionKey
	Direction    Direction
	Buffer       []byte
	Length       uint16
	TotalPackets uint8
	NextSeq      uint8
	WindowSize   uint8
	BAM          bool
	PGN          uint32
	LastActivity time.Time
	Dropped      int
}

func totalPackets(length int) uint8 {
	n := (length + dtPayloadBytes - 1) / dtPayloadBytes
	return uint8(n)
}

func sessionKeyFor(src, dst uint8) sessionKey { return sessionKey{src: src, dst: dst} }

// Header is the identity of a reassembled (or sent) message surfaced to
// the data callback: its PGN, its originator, and its destination
// (j1939.NoAddress for a BAM broadcast).
type Header struct {
	PGN           uint32
	SourceAddress uint8
	DestAddress   uint8
}

func isTPCM(h j1939.Header) bool {
	return h.PGN()&0x3FF00 == j1939.PGNTPConnMgmt
}

func isTPDT(h j1939.Header) bool {
	return h.PGN()&0x3FF00 == j1939.PGNTPDataTransfer
}
