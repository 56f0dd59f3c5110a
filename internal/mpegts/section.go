package mpegts

// BuildPATSection serializes pat into a complete section with CRC32.
func BuildPATSection(pat *PATData) []byte {
	sectionLength := 5 + 4*len(pat.Programs) + 4

	data := make([]byte, 0, 3+sectionLength)
	data = append(data,
		TableIDPAT,
		0xB0|byte(sectionLength>>8)&0x0F,
		byte(sectionLength),
		byte(pat.TransportStreamID>>8),
		byte(pat.TransportStreamID),
		0xC1|(pat.Version&0x1F)<<1,
		0x00, // section_number
		0x00, // last_section_number
	)
	for _, p := range pat.Programs {
		data = append(data,
			byte(p.ProgramNumber>>8),
			byte(p.ProgramNumber),
			0xE0|byte(p.ProgramMapID>>8)&0x1F,
			byte(p.ProgramMapID),
		)
	}
	return appendCRC32(data)
}

// BuildPMTSection serializes pmt into a complete section with CRC32,
// carrying program and ES descriptor loops verbatim.
func BuildPMTSection(pmt *PMTData) []byte {
	esLen := 0
	for _, es := range pmt.ElementaryStreams {
		esLen += 5 + len(es.Descriptors)
	}
	sectionLength := 9 + len(pmt.ProgramInfo) + esLen + 4

	data := make([]byte, 0, 3+sectionLength)
	data = append(data,
		TableIDPMT,
		0xB0|byte(sectionLength>>8)&0x0F,
		byte(sectionLength),
		byte(pmt.ProgramNumber>>8),
		byte(pmt.ProgramNumber),
		0xC1|(pmt.Version&0x1F)<<1,
		0x00,
		0x00,
		0xE0|byte(pmt.PCRPID>>8)&0x1F,
		byte(pmt.PCRPID),
		0xF0|byte(len(pmt.ProgramInfo)>>8)&0x0F,
		byte(len(pmt.ProgramInfo)),
	)
	data = append(data, pmt.ProgramInfo...)
	for _, es := range pmt.ElementaryStreams {
		data = append(data,
			es.StreamType,
			0xE0|byte(es.ElementaryPID>>8)&0x1F,
			byte(es.ElementaryPID),
			0xF0|byte(len(es.Descriptors)>>8)&0x0F,
			byte(len(es.Descriptors)),
		)
		data = append(data, es.Descriptors...)
	}
	return appendCRC32(data)
}

// SectionBuffer reassembles PSI sections carried on a single PID from raw
// 188-byte packets. The zero value is ready to use.
type SectionBuffer struct {
	buf     []byte
	started bool
	lastCC  uint8
}

// Feed consumes one packet and returns the sections it completed. Returned
// sections are owned by the caller.
func (s *SectionBuffer) Feed(pkt []byte) [][]byte {
	off := PayloadOffset(pkt)
	if off < 0 {
		return nil
	}
	payload := pkt[off:PacketSize]
	cc := ContinuityCounter(pkt)

	var out [][]byte
	if PayloadUnitStart(pkt) {
		ptr := int(payload[0])
		if 1+ptr > len(payload) {
			s.Reset()
			return nil
		}
		if s.started {
			s.buf = append(s.buf, payload[1:1+ptr]...)
			out = s.drain()
		}
		s.buf = append(s.buf[:0], payload[1+ptr:]...)
		s.started = true
	} else {
		if !s.started {
			return nil
		}
		if cc == s.lastCC {
			return nil // duplicate
		}
		if cc != (s.lastCC+1)&0x0F {
			s.Reset()
			return nil
		}
		s.buf = append(s.buf, payload...)
	}
	s.lastCC = cc
	return append(out, s.drain()...)
}

// Reset discards any partial section.
func (s *SectionBuffer) Reset() {
	s.buf = s.buf[:0]
	s.started = false
}

func (s *SectionBuffer) drain() [][]byte {
	var out [][]byte
	for {
		if len(s.buf) < 3 {
			return out
		}
		if s.buf[0] == 0xFF || s.buf[1]&0x80 == 0 {
			s.Reset()
			return out
		}
		n := 3 + sectionLength(s.buf)
		if len(s.buf) < n {
			return out
		}
		out = append(out, append([]byte(nil), s.buf[:n]...))
		s.buf = s.buf[:copy(s.buf, s.buf[n:])]
	}
}
