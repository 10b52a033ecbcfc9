package j1939

import (
	"encoding/binary"
	"fmt"
)

// Frame is a fixed 16-byte value compatible with the Linux kernel's
// "struct can_frame" for an extended (29-bit) CAN identifier: EFF is always
// set, RTR and ERR are always clear for J1939 traffic. The trailing pad
// byte mirrors the kernel struct's own reserved byte and keeps
// unsafe.Sizeof(Frame{}) at 16, since every other field here is a single
// byte with no alignment padding of its own.
type Frame struct {
	Header Header
	Length uint8
	Data   [8]byte
	_pad   uint8
}

const (
	canEFFFlag uint32 = 0x80000000
	canRTRFlag uint32 = 0x40000000
	canEFFMask uint32 = 0x1FFFFFFF
)

// MakeAddressRequest builds a PGN_REQUEST frame requesting PGN_ADDRESS_CLAIMED
// from destination ps (use NoAddress for a global request).
func MakeAddressRequest(ps uint8) Frame {
	f := Frame{
		Header: Header{
			Priority:      6,
			PDUFormat:     PFRequest,
			PDUSpecific:   ps,
			SourceAddress: IdleAddress,
		},
		Length: 3,
	}
	f.Data[0] = 0x00
	f.Data[1] = 0xEE
	f.Data[2] = 0x00
	return f
}

// MakeAddressClaim builds an address-claim frame announcing that name holds
// addr.
func MakeAddressClaim(name NAME, addr uint8) Frame {
	f := Frame{
		Header: Header{
			Priority:      6,
			PDUFormat:     PFAddressClaim,
			PDUSpecific:   NoAddress,
			SourceAddress: addr,
		},
		Length: 8,
	}
	f.Data = name.ToPayload()
	return f
}

// MakeCannotClaim builds a cannot-claim frame: identical to an address claim
// but sent from IdleAddress, announcing that name could not secure an
// address.
func MakeCannotClaim(name NAME) Frame {
	f := MakeAddressClaim(name, IdleAddress)
	return f
}

// Validate reports whether the frame's length is within range.
func (f Frame) Validate() error {
	if f.Length > 8 {
		return fmt.Errorf("j1939: invalid data length %d", f.Length)
	}
	return nil
}

// MarshalBinary encodes the frame into the 16-byte Linux SocketCAN
// "struct can_frame" layout:
//
//	0..3  can_id (29-bit id | EFF, RTR flags)
//	4     can_dlc
//	5..7  padding (zero)
//	8..15 data
func (f Frame) MarshalBinary() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	id := f.Header.ID()&canEFFMask | canEFFFlag
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.Length
	copy(buf[8:16], f.Data[:])
	return buf, nil
}

// UnmarshalBinary decodes a frame from the SocketCAN can_frame layout.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("j1939: need 16 bytes, got %d", len(data))
	}
	rawID := binary.LittleEndian.Uint32(data[0:4])
	f.Header = HeaderFromID(rawID & canEFFMask)
	f.Length = data[4]
	copy(f.Data[:], data[8:16])
	return f.Validate()
}
