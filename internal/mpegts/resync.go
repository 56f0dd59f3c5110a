package mpegts

// Unit sizes recognized by Resync, probed in this order: plain TS, TS with a
// 4-byte timestamp prefix (M2TS/TTS), and TS with 16 bytes of RS parity.
var UnitSizes = [...]int{188, 192, 204}

const (
	// resyncMinUnits is how many consecutive sync bytes at a constant stride
	// the window must show before alignment is accepted.
	resyncMinUnits = 3
	// resyncProbeUnits bounds how many unit starts are checked when the
	// window is long enough to hold them.
	resyncProbeUnits = 8
)

// Resync locates packet alignment in buf. It returns the offset of the first
// aligned sync byte and the detected unit size, or (0, 0) when buf does not
// yet hold enough evidence. Resync never modifies buf and may be called again
// with a longer window.
func Resync(buf []byte) (offset, unitSize int) {
	for i := 0; i < len(buf); i++ {
		if buf[i] != SyncByte {
			continue
		}
		for _, size := range UnitSizes {
			if alignedAt(buf, i, size) {
				return i, size
			}
		}
	}
	return 0, 0
}

func alignedAt(buf []byte, start, size int) bool {
	seen := 0
	for k := 0; k < resyncProbeUnits; k++ {
		pos := start + k*size
		if pos >= len(buf) {
			break
		}
		if buf[pos] != SyncByte {
			return false
		}
		seen++
	}
	return seen >= resyncMinUnits
}
