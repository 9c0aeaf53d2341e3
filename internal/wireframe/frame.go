// Package wireframe parses the Ethernet header fields the forwarding
// engine cares about and packs MAC addresses into the 64-bit keys the
// peer table uses.
package wireframe

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderLen is the Ethernet header length: dst MAC (0-5), src MAC
	// (6-11), EtherType (12-13).
	HeaderLen = 14

	// MinForwardableLen is the length of the two MAC fields; only frames
	// longer than this are ever written to TAP or forwarded. Frames of 12
	// bytes or fewer are degenerate:
	// their source MAC is still a valid learning event, but the frame
	// itself is never delivered or forwarded.
	MinForwardableLen = 12
)

// MAC64 is a 48-bit MAC address right-padded into a 64-bit word with
// the low 16 bits zero. This is the peer table's hash key.
type MAC64 uint64

// Broadcast is the sentinel for the Ethernet broadcast address and the
// bucket used for the configured upstream (core) peer when no specific
// MAC is known.
const Broadcast MAC64 = 0xFFFF_FFFF_FFFF_0000

// MACFromBytes reads six bytes starting at offset off into a MAC64.
// The six bytes are read in link order (byte 0 of the address becomes
// the most significant of the 48 populated bits) and right-padded with
// two zero bytes, matching the BROADCAST sentinel's shape.
func MACFromBytes(b []byte, off int) (MAC64, error) {
	if off < 0 || off+6 > len(b) {
		return 0, fmt.Errorf("wireframe: mac read out of range: off=%d len=%d", off, len(b))
	}
	var buf [8]byte
	copy(buf[0:6], b[off:off+6])
	return MAC64(binary.BigEndian.Uint64(buf[:])), nil
}

// Bytes returns the six MAC octets in link order.
func (m MAC64) Bytes() [6]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(m))
	var mac [6]byte
	copy(mac[:], buf[0:6])
	return mac
}

// String renders the MAC in lowercase colon-separated form.
func (m MAC64) String() string {
	b := m.Bytes()
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}

// ParseMAC parses a lowercase or uppercase colon-separated MAC string
// ("aa:bb:cc:dd:ee:ff") into a MAC64.
func ParseMAC(s string) (MAC64, error) {
	var b [6]byte
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x", &b[0], &b[1], &b[2], &b[3], &b[4], &b[5])
	if err != nil || n != 6 {
		return 0, fmt.Errorf("wireframe: invalid mac %q", s)
	}
	return MACFromBytes(b[:], 0)
}

// Header is the result of parsing the first 14 bytes of a frame. Only
// the first 12 are used by the forwarding engine; EtherType is carried
// for completeness and logging.
type Header struct {
	Dst       MAC64
	Src       MAC64
	EtherType uint16
}

// ParseHeader parses the destination/source MAC from frame. It
// succeeds on frames as short as MinForwardableLen bytes (12) so
// that EtherType is optional; a bare 12-byte frame still yields valid
// Dst/Src with EtherType left at zero, matching the control protocol's
// EtherType-less keep-alive payload.
func ParseHeader(frame []byte) (Header, error) {
	if len(frame) < MinForwardableLen {
		return Header{}, fmt.Errorf("wireframe: frame too short: %d bytes", len(frame))
	}
	dst, err := MACFromBytes(frame, 0)
	if err != nil {
		return Header{}, err
	}
	src, err := MACFromBytes(frame, 6)
	if err != nil {
		return Header{}, err
	}
	h := Header{Dst: dst, Src: src}
	if len(frame) >= HeaderLen {
		h.EtherType = binary.BigEndian.Uint16(frame[12:14])
	}
	return h, nil
}

// ReservedHighWord reports whether mac's top 32 bits are zero, the
// convention the switch's datagram handler uses to recognize a reserved
// (control-plane) destination MAC without depending on the control
// payload's textual prefix.
func ReservedHighWord(mac MAC64) bool {
	return uint64(mac)>>32 == 0
}
