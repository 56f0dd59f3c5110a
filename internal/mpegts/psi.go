package mpegts

import "fmt"

const (
	TableIDPAT = 0x00
	TableIDPMT = 0x02
)

// sectionLength returns the 12-bit section_length of the section at
// section[0].
func sectionLength(section []byte) int {
	return int(section[1]&0x0F)<<8 | int(section[2])
}

// ParsePATSection parses one PAT section, starting at table_id and ending
// with its CRC32. Program number 0 (the NIT entry) is skipped.
func ParsePATSection(data []byte) (*PATData, error) {
	// [0]      table_id
	// [1-2]    syntax(1) zero(1) reserved(2) section_length(12)
	// [3-4]    transport_stream_id
	// [5]      reserved(2) version(5) current_next(1)
	// [6-7]    section_number, last_section_number
	// [8..N-4] program entries, 4 bytes each
	if len(data) < 12 {
		return nil, fmt.Errorf("mpegts: PAT too short")
	}
	if data[0] != TableIDPAT {
		return nil, fmt.Errorf("mpegts: PAT table_id 0x%02X", data[0])
	}
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PAT %w", err)
	}

	entryEnd := 3 + sectionLength(data) - 4
	if entryEnd > len(data)-4 {
		entryEnd = len(data) - 4
	}

	pat := &PATData{
		TransportStreamID: uint16(data[3])<<8 | uint16(data[4]),
		Version:           data[5] >> 1 & 0x1F,
	}
	for i := 8; i+4 <= entryEnd; i += 4 {
		programNumber := uint16(data[i])<<8 | uint16(data[i+1])
		pmtPID := uint16(data[i+2]&0x1F)<<8 | uint16(data[i+3])
		if programNumber == 0 {
			continue
		}
		pat.Programs = append(pat.Programs, &PATProgram{
			ProgramNumber: programNumber,
			ProgramMapID:  pmtPID,
		})
	}
	return pat, nil
}

// ParsePMTSection parses one PMT section including its descriptor loops.
// Descriptor slices alias data.
func ParsePMTSection(data []byte) (*PMTData, error) {
	// [0]      table_id
	// [1-2]    syntax(1) zero(1) reserved(2) section_length(12)
	// [3-4]    program_number
	// [5]      reserved(2) version(5) current_next(1)
	// [6-7]    section_number, last_section_number
	// [8-9]    reserved(3) PCR_PID(13)
	// [10-11]  reserved(4) program_info_length(12)
	// then program descriptors, ES entries, CRC32
	if len(data) < 16 {
		return nil, fmt.Errorf("mpegts: PMT too short")
	}
	if data[0] != TableIDPMT {
		return nil, fmt.Errorf("mpegts: PMT table_id 0x%02X", data[0])
	}
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PMT %w", err)
	}

	sectionEnd := 3 + sectionLength(data)
	if sectionEnd > len(data) {
		sectionEnd = len(data)
	}
	programInfoLength := int(data[10]&0x0F)<<8 | int(data[11])
	offset := 12 + programInfoLength
	if offset > sectionEnd-4 {
		return nil, fmt.Errorf("mpegts: PMT program_info_length %d out of range", programInfoLength)
	}

	pmt := &PMTData{
		ProgramNumber: uint16(data[3])<<8 | uint16(data[4]),
		Version:       data[5] >> 1 & 0x1F,
		PCRPID:        uint16(data[8]&0x1F)<<8 | uint16(data[9]),
		ProgramInfo:   data[12:offset],
	}
	for offset+5 <= sectionEnd-4 {
		esInfoLength := int(data[offset+3]&0x0F)<<8 | int(data[offset+4])
		end := offset + 5 + esInfoLength
		if end > sectionEnd-4 {
			return nil, fmt.Errorf("mpegts: PMT ES_info_length %d out of range", esInfoLength)
		}
		pmt.ElementaryStreams = append(pmt.ElementaryStreams, &PMTElementaryStream{
			StreamType:    data[offset],
			ElementaryPID: uint16(data[offset+1]&0x1F)<<8 | uint16(data[offset+2]),
			Descriptors:   data[offset+5 : end],
		})
		offset = end
	}
	return pmt, nil
}
