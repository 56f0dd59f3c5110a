package captiontrace

const (
	nalTypeSEI       = 6  // H.264
	hevcNALSEIPrefix = 39 // H.265
)

// seiUnits returns the SEI NAL units in an Annex B access unit, each
// without its start code but including the NAL header. Both 3- and 4-byte
// start codes are recognized.
func seiUnits(data []byte, hevc bool) [][]byte {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		scStart   int
		dataStart int
	}
	var positions []scPos
	for i := 0; i < n-2; {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{i, i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{i, i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units [][]byte
	for idx, pos := range positions {
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}
		nal := data[pos.dataStart:end]
		if hevc {
			if len(nal) > 2 && (nal[0]>>1)&0x3F == hevcNALSEIPrefix {
				units = append(units, nal)
			}
		} else if nal[0]&0x1F == nalTypeSEI {
			units = append(units, nal)
		}
	}
	return units
}
