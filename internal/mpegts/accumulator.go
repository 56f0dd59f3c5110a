package mpegts

import "slices"

// pesBuffer collects the packets of one PID until the PES unit they carry
// is complete: the next PUSI arrives, or a bounded PES reaches its declared
// length.
type pesBuffer struct {
	packets []*Packet
	size    int
	want    int // total unit length when bounded, else 0
}

// add appends p and returns the packets of the unit p completed or closed.
func (b *pesBuffer) add(p *Packet) []*Packet {
	if p.Header.TransportErrorIndicator {
		b.reset()
		return nil
	}
	if !p.Header.HasPayload {
		return nil
	}
	if n := len(b.packets); n > 0 && !p.Header.DiscontinuityIndicator {
		prev := b.packets[n-1].Header.ContinuityCounter
		switch p.Header.ContinuityCounter {
		case (prev + 1) & 0x0F:
		case prev:
			return nil // duplicate
		default:
			b.reset()
		}
	}

	var closed []*Packet
	if p.Header.PayloadUnitStartIndicator {
		closed = b.take()
		b.want = boundedPESLength(p.Payload)
	} else if len(b.packets) == 0 {
		return nil // no start to attach to
	}

	b.packets = append(b.packets, p)
	b.size += len(p.Payload)

	if closed != nil {
		return closed
	}
	if b.want > 0 && b.size >= b.want {
		return b.take()
	}
	return nil
}

func (b *pesBuffer) take() []*Packet {
	if len(b.packets) == 0 {
		return nil
	}
	out := b.packets
	b.reset()
	return out
}

func (b *pesBuffer) reset() {
	b.packets = nil
	b.size = 0
	b.want = 0
}

// boundedPESLength returns the total byte length of the PES packet that
// starts payload, or 0 when it is unbounded or not a PES.
func boundedPESLength(payload []byte) int {
	if len(payload) < 6 || !IsPESPayload(payload) {
		return 0
	}
	n := int(payload[4])<<8 | int(payload[5])
	if n == 0 {
		return 0
	}
	return 6 + n
}

// Assembler reassembles PES packets from raw 188-byte packets across any
// number of PIDs.
type Assembler struct {
	pids map[uint16]*pesBuffer
}

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{pids: make(map[uint16]*pesBuffer)}
}

// Add consumes one packet. It returns the PES unit the packet completed on
// its PID, or nil while the unit is still open.
func (a *Assembler) Add(pkt []byte) (*DemuxerData, error) {
	p, err := ParsePacket(pkt)
	if err != nil {
		return nil, err
	}
	b, ok := a.pids[p.Header.PID]
	if !ok {
		b = &pesBuffer{}
		a.pids[p.Header.PID] = b
	}
	return assemble(b.add(p))
}

// Flush returns the units still open, in PID order, and empties the
// Assembler. Units that fail to parse are dropped.
func (a *Assembler) Flush() []*DemuxerData {
	pids := make([]uint16, 0, len(a.pids))
	for pid := range a.pids {
		pids = append(pids, pid)
	}
	slices.Sort(pids)

	var out []*DemuxerData
	for _, pid := range pids {
		if d, err := assemble(a.pids[pid].take()); err == nil && d != nil {
			out = append(out, d)
		}
	}
	return out
}

// Reset drops every partially assembled unit.
func (a *Assembler) Reset() {
	clear(a.pids)
}

func assemble(packets []*Packet) (*DemuxerData, error) {
	if len(packets) == 0 {
		return nil, nil
	}
	payload := concatPayloads(packets)
	if !IsPESPayload(payload) {
		return nil, nil
	}
	pes, err := ParsePES(payload)
	if err != nil {
		return nil, err
	}
	return &DemuxerData{FirstPacket: packets[0], PES: pes}, nil
}

func concatPayloads(packets []*Packet) []byte {
	n := 0
	for _, p := range packets {
		n += len(p.Payload)
	}
	payload := make([]byte, 0, n)
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	return payload
}
