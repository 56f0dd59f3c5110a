package mpegts

import "fmt"

const (
	// PacketSize is the length of a plain transport stream packet.
	PacketSize = 188
	// SyncByte starts every transport stream packet.
	SyncByte = 0x47

	// MaxPID is the largest value the 13-bit PID field can carry.
	MaxPID = 0x1FFF

	PIDPAT  uint16 = 0x0000
	PIDNull uint16 = 0x1FFF
)

// PID returns the 13-bit packet identifier of the packet starting at pkt[0].
// pkt must hold at least the first three header bytes.
func PID(pkt []byte) uint16 {
	return uint16(pkt[1]&0x1F)<<8 | uint16(pkt[2])
}

// PayloadUnitStart reports whether the packet's PUSI flag is set.
func PayloadUnitStart(pkt []byte) bool {
	return pkt[1]&0x40 != 0
}

// ParsePacket parses the header and payload of a single 188-byte packet.
// The returned payload is a copy.
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != SyncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	p := &Packet{}
	p.Header.TransportErrorIndicator = buf[1]&0x80 != 0
	p.Header.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	p.Header.PID = PID(buf)
	p.Header.HasAdaptationField = buf[3]&0x20 != 0
	p.Header.HasPayload = buf[3]&0x10 != 0
	p.Header.ContinuityCounter = buf[3] & 0x0F

	offset := 4

	if p.Header.HasAdaptationField {
		afLen := int(buf[offset])
		if afLen > 0 && offset+1 < PacketSize {
			p.Header.DiscontinuityIndicator = buf[offset+1]&0x80 != 0
		}
		offset += 1 + afLen
		if offset > PacketSize {
			offset = PacketSize
		}
	}

	if p.Header.HasPayload && offset < PacketSize {
		p.Payload = make([]byte, PacketSize-offset)
		copy(p.Payload, buf[offset:])
	}

	return p, nil
}

// PayloadOffset returns the index of the first payload byte in pkt, or -1
// when the packet carries no payload.
func PayloadOffset(pkt []byte) int {
	if len(pkt) < PacketSize || pkt[3]&0x10 == 0 {
		return -1
	}
	off := 4
	if pkt[3]&0x20 != 0 {
		off += 1 + int(pkt[4])
	}
	if off >= PacketSize {
		return -1
	}
	return off
}

// ContinuityCounter returns the 4-bit continuity counter of pkt.
func ContinuityCounter(pkt []byte) uint8 {
	return pkt[3] & 0x0F
}
