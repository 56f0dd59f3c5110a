package mpegts

// Packetize splits a PES packet into 188-byte TS packets on pid. The first
// packet carries PUSI; the last is padded with adaptation-field stuffing.
// cc is advanced once per emitted packet.
func Packetize(pes []byte, pid uint16, cc *uint8) []byte {
	var out []byte
	offset := 0
	first := true

	for offset < len(pes) {
		var pkt [PacketSize]byte
		writeHeader(pkt[:], pid, first, cc)
		first = false

		remaining := len(pes) - offset
		capacity := PacketSize - 4

		if remaining < capacity {
			stuffLen := capacity - remaining
			pkt[3] |= 0x20
			pkt[4] = byte(stuffLen - 1)
			if stuffLen > 1 {
				pkt[5] = 0 // no AF flags
				for i := 6; i < 4+stuffLen; i++ {
					pkt[i] = 0xFF
				}
			}
			copy(pkt[4+stuffLen:], pes[offset:])
			offset = len(pes)
		} else {
			copy(pkt[4:], pes[offset:offset+capacity])
			offset += capacity
		}
		out = append(out, pkt[:]...)
	}
	return out
}

// PacketizeSection carries a PSI section on pid behind a zero pointer
// field, filling the tail of the last packet with 0xFF.
func PacketizeSection(section []byte, pid uint16, cc *uint8) []byte {
	payload := make([]byte, 0, 1+len(section))
	payload = append(payload, 0x00)
	payload = append(payload, section...)

	var out []byte
	first := true
	for offset := 0; offset < len(payload); {
		var pkt [PacketSize]byte
		writeHeader(pkt[:], pid, first, cc)
		first = false

		n := copy(pkt[4:], payload[offset:])
		offset += n
		for i := 4 + n; i < PacketSize; i++ {
			pkt[i] = 0xFF
		}
		out = append(out, pkt[:]...)
	}
	return out
}

func writeHeader(pkt []byte, pid uint16, pusi bool, cc *uint8) {
	pkt[0] = SyncByte
	pkt[1] = byte(pid>>8) & 0x1F
	if pusi {
		pkt[1] |= 0x40
	}
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | *cc&0x0F
	*cc = (*cc + 1) & 0x0F
}
