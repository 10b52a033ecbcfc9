package j1939

// Address reserved points (spec.md §3).
const (
	MaxUnicastAddress uint8 = 0xFD
	IdleAddress       uint8 = 0xFE
	NoAddress         uint8 = 0xFF
	GlobalAddress     uint8 = NoAddress
)

// Wire constants (spec.md §3).
const (
	PFRequest       uint8 = 0xEA
	PFAddressClaim  uint8 = 0xEE
	PGNRequest         uint32 = 0xEA00
	PGNAddressClaimed  uint32 = 0xEE00
	PGNTPConnMgmt      uint32 = 0xEC00
	PGNTPDataTransfer  uint32 = 0xEB00

	// pgnPS1Mask keeps everything except the PS byte, used to compare PGNs
	// while ignoring a peer-to-peer destination address.
	pgnPS1Mask uint32 = 0x3FF00
)

// Header is the decomposed 29-bit J1939 CAN identifier: priority, reserved
// bit, data page, PDU format, PDU specific, and source address.
type Header struct {
	Priority      uint8 // 0-7, clamped, 0 = highest
	Reserved      bool  // bit 25, always false on the wire today
	DataPage      bool  // bit 24
	PDUFormat     uint8 // bits [23:16]
	PDUSpecific   uint8 // bits [15:8]
	SourceAddress uint8 // bits [7:0]
}

// ID packs the header into a 29-bit J1939 identifier.
func (h Header) ID() uint32 {
	prio := uint32(h.Priority) & 0x7
	var id uint32
	id |= prio << 26
	if h.Reserved {
		id |= 1 << 25
	}
	if h.DataPage {
		id |= 1 << 24
	}
	id |= uint32(h.PDUFormat) << 16
	id |= uint32(h.PDUSpecific) << 8
	id |= uint32(h.SourceAddress)
	return id & 0x1FFFFFFF
}

// HeaderFromID unpacks a 29-bit J1939 identifier into a Header.
func HeaderFromID(id uint32) Header {
	id &= 0x1FFFFFFF
	return Header{
		Priority:      uint8((id >> 26) & 0x7),
		Reserved:      (id>>25)&0x1 != 0,
		DataPage:      (id>>24)&0x1 != 0,
		PDUFormat:     uint8((id >> 16) & 0xFF),
		PDUSpecific:   uint8((id >> 8) & 0xFF),
		SourceAddress: uint8(id & 0xFF),
	}
}

// PGN computes the 18-bit Parameter Group Number bits[25:8]. Per spec.md
// §3, for peer-to-peer frames (PDUFormat <= 0xEF) the PS byte is masked to
// zero before computing the PGN, since PS there is a destination address,
// not part of the message type.
func (h Header) PGN() uint32 {
	ps := uint32(h.PDUSpecific)
	if h.PDUFormat <= 0xEF {
		ps = 0
	}
	var pgn uint32
	if h.Reserved {
		pgn |= 1 << 17
	}
	if h.DataPage {
		pgn |= 1 << 16
	}
	pgn |= uint32(h.PDUFormat) << 8
	pgn |= ps
	return pgn
}

// IsBroadcast reports whether the PDU is broadcast (PF >= 0xF0), in which
// case PDUSpecific is a group extension rather than a destination address.
func (h Header) IsBroadcast() bool { return h.PDUFormat > 0xEF }

// IsRequest reports whether this header carries PGN_REQUEST, ignoring the
// destination address embedded in PS.
func (h Header) IsRequest() bool { return h.PGN()&pgnPS1Mask == PGNRequest }

// IsClaim reports whether this header carries PGN_ADDRESS_CLAIMED.
func (h Header) IsClaim() bool { return h.PGN()&pgnPS1Mask == PGNAddressClaimed }
