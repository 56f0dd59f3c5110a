package mpegts

import (
	"context"
	"errors"
	"io"
)

// demuxReadUnits is how many units one read from the source may cover.
const demuxReadUnits = 64

// Demuxer splits an aligned transport stream, such as the output of a filter
// session, into PAT, PMT and PES units. Tables are reassembled per PID with
// SectionBuffer and PES with an Assembler; PMT PIDs are learned from the PAT.
type Demuxer struct {
	ctx      context.Context
	r        io.Reader
	unitSize int

	buf  []byte
	held int

	pmtPIDs  PIDSet
	sections map[uint16]*SectionBuffer
	pes      *Assembler

	out []*DemuxerData
	eof bool
}

// DemuxerOption configures a Demuxer.
type DemuxerOption func(*Demuxer)

// WithUnitSize sets the size of one unit in the stream (default 188). For
// 192-byte units a leading timestamp is skipped; any other bytes beyond the
// 188-byte packet are ignored.
func WithUnitSize(size int) DemuxerOption {
	return func(d *Demuxer) { d.unitSize = size }
}

// NewDemuxer returns a Demuxer reading from r.
func NewDemuxer(ctx context.Context, r io.Reader, opts ...DemuxerOption) *Demuxer {
	d := &Demuxer{
		ctx:      ctx,
		r:        r,
		unitSize: PacketSize,
		sections: make(map[uint16]*SectionBuffer),
		pes:      NewAssembler(),
	}
	for _, o := range opts {
		o(d)
	}
	d.unitSize = max(d.unitSize, PacketSize)
	d.buf = make([]byte, demuxReadUnits*d.unitSize)
	return d
}

// NextData returns the next unit. Table units leave FirstPacket nil. At the
// end of input the PES units still open are returned, then io.EOF.
func (d *Demuxer) NextData() (*DemuxerData, error) {
	for len(d.out) == 0 {
		if d.eof {
			return nil, io.EOF
		}
		if err := d.ctx.Err(); err != nil {
			return nil, err
		}
		if err := d.fill(); err != nil {
			return nil, err
		}
	}
	data := d.out[0]
	d.out[0] = nil
	d.out = d.out[1:]
	return data, nil
}

func (d *Demuxer) fill() error {
	n, err := d.r.Read(d.buf[d.held:])
	d.held += n

	whole := d.held / d.unitSize * d.unitSize
	for off := 0; off < whole; off += d.unitSize {
		d.demux(d.packet(d.buf[off : off+d.unitSize]))
	}
	d.held = copy(d.buf, d.buf[whole:d.held])

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		d.eof = true
		d.out = append(d.out, d.pes.Flush()...)
		return nil
	}
	return err
}

func (d *Demuxer) packet(unit []byte) []byte {
	if unit[0] != SyncByte && len(unit) >= PacketSize+4 && unit[4] == SyncByte {
		return unit[4 : 4+PacketSize]
	}
	return unit[:PacketSize]
}

func (d *Demuxer) demux(pkt []byte) {
	if pkt[0] != SyncByte || pkt[1]&0x80 != 0 {
		return
	}
	pid := PID(pkt)
	if pid != PIDPAT && !d.pmtPIDs.Has(pid) {
		if data, err := d.pes.Add(pkt); err == nil && data != nil {
			d.out = append(d.out, data)
		}
		return
	}

	sb, ok := d.sections[pid]
	if !ok {
		sb = &SectionBuffer{}
		d.sections[pid] = sb
	}
	for _, section := range sb.Feed(pkt) {
		d.table(section)
	}
}

func (d *Demuxer) table(section []byte) {
	switch section[0] {
	case TableIDPAT:
		pat, err := ParsePATSection(section)
		if err != nil {
			return
		}
		for _, p := range pat.Programs {
			d.pmtPIDs.Add(p.ProgramMapID)
		}
		d.out = append(d.out, &DemuxerData{PAT: pat})
	case TableIDPMT:
		pmt, err := ParsePMTSection(section)
		if err != nil {
			return
		}
		d.out = append(d.out, &DemuxerData{PMT: pmt})
	}
}
