package mpegts

// PIDSet is a fixed-size membership set over the 13-bit PID space.
// The zero value is an empty set. Members are only ever added.
type PIDSet [(MaxPID + 1) / 64]uint64

// NewPIDSet returns a set containing pids. Values above MaxPID are ignored.
func NewPIDSet(pids ...uint16) PIDSet {
	var s PIDSet
	for _, pid := range pids {
		s.Add(pid)
	}
	return s
}

// Add inserts pid into the set.
func (s *PIDSet) Add(pid uint16) {
	if pid > MaxPID {
		return
	}
	s[pid>>6] |= 1 << (pid & 63)
}

// Has reports whether pid is in the set.
func (s *PIDSet) Has(pid uint16) bool {
	if pid > MaxPID {
		return false
	}
	return s[pid>>6]&(1<<(pid&63)) != 0
}

// PIDs returns the members in ascending order.
func (s *PIDSet) PIDs() []uint16 {
	var out []uint16
	for pid := uint16(0); pid <= MaxPID; pid++ {
		if s.Has(pid) {
			out = append(out, pid)
		}
	}
	return out
}
