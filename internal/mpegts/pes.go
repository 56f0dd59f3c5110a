package mpegts

import "fmt"

// StreamIDPrivate1 is private_stream_1, used for timed metadata and
// subtitle data.
const StreamIDPrivate1 = 0xBD

// IsPESPayload checks for the PES start code prefix (0x000001).
func IsPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// ParsePES parses a reassembled PES packet. Data aliases payload and is cut
// at PES_packet_length when the packet is bounded.
func ParsePES(payload []byte) (*PESData, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("mpegts: PES packet too short (%d bytes)", len(payload))
	}
	if !IsPESPayload(payload) {
		return nil, fmt.Errorf("mpegts: invalid PES start code")
	}

	streamID := payload[3]
	packetLength := int(payload[4])<<8 | int(payload[5])

	pes := &PESData{
		Header: &PESHeader{
			StreamID:     streamID,
			PacketLength: packetLength,
		},
	}

	// Stream IDs that don't have an optional PES header:
	// padding_stream (0xBE), private_stream_2 (0xBF),
	// ECM (0xF0), EMM (0xF1), program_stream_directory (0xFF),
	// DSMCC (0xF2), ITU-T Rec. H.222.1 type E (0xF8)
	hasOptionalHeader := streamID != 0xBE && streamID != 0xBF &&
		streamID != 0xF0 && streamID != 0xF1 &&
		streamID != 0xF2 && streamID != 0xF8 && streamID != 0xFF

	if !hasOptionalHeader {
		if packetLength > 0 && 6+packetLength <= len(payload) {
			pes.Data = payload[6 : 6+packetLength]
		} else {
			pes.Data = payload[6:]
		}
		return pes, nil
	}

	if len(payload) < 9 {
		return nil, fmt.Errorf("mpegts: PES optional header too short")
	}

	// Optional header
	// payload[6]: marker(2) + scrambling(2) + priority(1) + alignment(1) + copyright(1) + original(1)
	// payload[7]: PTS_DTS_indicator(2) + ESCR(1) + ES_rate(1) + DSM_trick(1) + additional_copy(1) + CRC(1) + extension(1)
	// payload[8]: PES_header_data_length
	ptsDTSIndicator := (payload[7] >> 6) & 0x03
	headerDataLength := int(payload[8])

	dataStart := 9 + headerDataLength
	if dataStart > len(payload) {
		dataStart = len(payload)
	}

	pes.Header.OptionalHeader = &PESOptionalHeader{}

	switch ptsDTSIndicator {
	case 2: // PTS only
		if len(payload) >= 14 {
			pes.Header.OptionalHeader.PTS = parsePTSOrDTS(payload[9:14])
		}
	case 3: // PTS + DTS
		if len(payload) >= 19 {
			pes.Header.OptionalHeader.PTS = parsePTSOrDTS(payload[9:14])
			pes.Header.OptionalHeader.DTS = parsePTSOrDTS(payload[14:19])
		}
	}

	if packetLength > 0 {
		totalPES := 6 + packetLength
		if totalPES <= len(payload) {
			pes.Data = payload[dataStart:totalPES]
		} else {
			pes.Data = payload[dataStart:]
		}
	} else {
		// packetLength=0 means unbounded (video streams)
		pes.Data = payload[dataStart:]
	}

	return pes, nil
}

// parsePTSOrDTS extracts a 33-bit timestamp from 5 PES timestamp bytes.
func parsePTSOrDTS(bs []byte) *ClockReference {
	if len(bs) < 5 {
		return nil
	}
	base := int64(bs[0]>>1&0x07)<<30 |
		int64(bs[1])<<22 |
		int64(bs[2]>>1&0x7F)<<15 |
		int64(bs[3])<<7 |
		int64(bs[4]>>1&0x7F)
	return &ClockReference{Base: base}
}

// BuildPES assembles a bounded PES packet with a PTS-only optional header.
// A negative pts omits the timestamp.
func BuildPES(streamID byte, pts int64, data []byte) []byte {
	var opt []byte
	flags := byte(0)
	if pts >= 0 {
		flags = 0x80
		opt = encodeTimestamp(0x02, pts)
	}
	packetLength := 3 + len(opt) + len(data)
	if packetLength > 0xFFFF {
		packetLength = 0
	}

	buf := make([]byte, 0, 9+len(opt)+len(data))
	buf = append(buf, 0x00, 0x00, 0x01, streamID)
	buf = append(buf, byte(packetLength>>8), byte(packetLength))
	buf = append(buf, 0x84, flags, byte(len(opt))) // marker, data_alignment
	buf = append(buf, opt...)
	return append(buf, data...)
}

// encodeTimestamp writes a 33-bit PTS/DTS into 5 bytes with marker bits.
func encodeTimestamp(prefix byte, value int64) []byte {
	value &= 0x1FFFFFFFF
	return []byte{
		prefix<<4 | byte(value>>29)&0x0E | 0x01,
		byte(value >> 22),
		byte(value>>14)&0xFE | 0x01,
		byte(value >> 7),
		byte(value<<1)&0xFE | 0x01,
	}
}
