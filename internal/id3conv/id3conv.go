// Package id3conv implements the second transformation stage: ARIB caption
// and superimpose streams are re-carried as ID3 timed metadata so that
// players without an ARIB caption decoder can hand them to a script
// renderer.
package id3conv

import (
	"log/slog"

	"github.com/zsiec/tsfilter/internal/mpegts"
)

const (
	// ModeCaption converts caption streams (component tags 0x30..0x37).
	ModeCaption = 1 << 0
	// ModeSuperimpose converts superimpose streams (component tags 0x38..0x3F).
	ModeSuperimpose = 1 << 1

	streamTypePrivatePES = 0x06
	streamTypeMetadata   = 0x15
)

type pmtState struct {
	sections mpegts.SectionBuffer
	pending  [][]byte
	cc       uint8
}

// Converter is a pipeline stage. The zero value is not usable; call New.
type Converter struct {
	log  *slog.Logger
	mode int
	out  []byte

	pat     mpegts.SectionBuffer
	pmts    map[uint16]*pmtState
	targets mpegts.PIDSet
	pes     *mpegts.Assembler
	cc      map[uint16]*uint8

	converted int
}

// New creates a Converter for mode, a bit set of ModeCaption and
// ModeSuperimpose. Mode 0 passes every packet through. If log is nil,
// slog.Default() is used.
func New(mode int, log *slog.Logger) *Converter {
	if log == nil {
		log = slog.Default()
	}
	return &Converter{
		log:  log.With("component", "id3conv"),
		mode: mode & (ModeCaption | ModeSuperimpose),
		pmts: make(map[uint16]*pmtState),
		pes:  mpegts.NewAssembler(),
		cc:   make(map[uint16]*uint8),
	}
}

// Submit converts or forwards one packet.
func (c *Converter) Submit(pkt []byte) {
	if c.mode == 0 {
		c.out = append(c.out, pkt...)
		return
	}

	pid := mpegts.PID(pkt)
	if pid == mpegts.PIDPAT {
		for _, section := range c.pat.Feed(pkt) {
			c.handlePAT(section)
		}
		c.out = append(c.out, pkt...)
		return
	}
	if st, ok := c.pmts[pid]; ok {
		c.handlePMTPacket(pid, st, pkt)
		return
	}
	if c.targets.Has(pid) {
		c.handleCaptionPacket(pid, pkt)
		return
	}
	c.out = append(c.out, pkt...)
}

// Drain returns the packets produced since the last Reset.
func (c *Converter) Drain() []byte {
	return c.out
}

// Reset clears the batch output. Stream state is kept.
func (c *Converter) Reset() {
	c.out = c.out[:0]
}

// Converted returns the number of PES packets rewritten as ID3 so far.
func (c *Converter) Converted() int {
	return c.converted
}

func (c *Converter) handlePAT(section []byte) {
	pat, err := mpegts.ParsePATSection(section)
	if err != nil {
		c.log.Debug("ignoring PAT", "error", err)
		return
	}
	for _, p := range pat.Programs {
		if _, ok := c.pmts[p.ProgramMapID]; !ok {
			c.pmts[p.ProgramMapID] = &pmtState{}
		}
	}
}

func (c *Converter) handlePMTPacket(pid uint16, st *pmtState, pkt []byte) {
	if mpegts.PayloadUnitStart(pkt) {
		st.pending = st.pending[:0]
	}
	st.pending = append(st.pending, append([]byte(nil), pkt...))

	for _, section := range st.sections.Feed(pkt) {
		if section[0] != mpegts.TableIDPMT {
			continue
		}
		pmt, err := mpegts.ParsePMTSection(section)
		if err != nil {
			c.log.Debug("ignoring PMT", "pid", pid, "error", err)
			continue
		}
		c.applyPMT(pid, st, pmt)
	}
}

// applyPMT marks the caption PIDs of pmt for conversion and emits the PMT,
// rewritten when it announces any of them.
func (c *Converter) applyPMT(pid uint16, st *pmtState, pmt *mpegts.PMTData) {
	rewritten := false
	streams := make([]*mpegts.PMTElementaryStream, len(pmt.ElementaryStreams))
	for i, es := range pmt.ElementaryStreams {
		streams[i] = es
		if !c.convertible(es) {
			continue
		}
		if !c.targets.Has(es.ElementaryPID) {
			c.log.Info("converting stream to ID3", "program", pmt.ProgramNumber, "pid", es.ElementaryPID)
			c.targets.Add(es.ElementaryPID)
		}
		desc := make([]byte, 0, len(es.Descriptors)+len(metadataDescriptor))
		desc = append(desc, es.Descriptors...)
		desc = append(desc, metadataDescriptor...)
		streams[i] = &mpegts.PMTElementaryStream{
			StreamType:    streamTypeMetadata,
			ElementaryPID: es.ElementaryPID,
			Descriptors:   desc,
		}
		rewritten = true
	}

	if !rewritten {
		for _, p := range st.pending {
			p[3] = p[3]&0xF0 | st.cc
			st.cc = (st.cc + 1) & 0x0F
			c.out = append(c.out, p...)
		}
		st.pending = st.pending[:0]
		return
	}

	section := mpegts.BuildPMTSection(&mpegts.PMTData{
		ProgramNumber:     pmt.ProgramNumber,
		Version:           pmt.Version,
		PCRPID:            pmt.PCRPID,
		ProgramInfo:       pmt.ProgramInfo,
		ElementaryStreams: streams,
	})
	c.out = append(c.out, mpegts.PacketizeSection(section, pid, &st.cc)...)
	st.pending = st.pending[:0]
}

func (c *Converter) convertible(es *mpegts.PMTElementaryStream) bool {
	if es.StreamType != streamTypePrivatePES {
		return false
	}
	tag, ok := es.ComponentTag()
	if !ok {
		return false
	}
	switch {
	case tag >= 0x30 && tag <= 0x37:
		return c.mode&ModeCaption != 0
	case tag >= 0x38 && tag <= 0x3F:
		return c.mode&ModeSuperimpose != 0
	}
	return false
}

func (c *Converter) handleCaptionPacket(pid uint16, pkt []byte) {
	d, err := c.pes.Add(pkt)
	if err != nil {
		c.log.Debug("dropping caption packet", "pid", pid, "error", err)
		return
	}
	if d == nil {
		return
	}

	pts := int64(-1)
	if oh := d.PES.Header.OptionalHeader; oh != nil && oh.PTS != nil {
		pts = oh.PTS.Base
	}
	tag := privTag(PrivOwner, d.PES.Data)
	cc, ok := c.cc[pid]
	if !ok {
		cc = new(uint8)
		c.cc[pid] = cc
	}
	c.out = append(c.out, mpegts.Packetize(mpegts.BuildPES(mpegts.StreamIDPrivate1, pts, tag), pid, cc)...)
	c.converted++
}
