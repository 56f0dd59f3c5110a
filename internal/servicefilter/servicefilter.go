// Package servicefilter implements the first transformation stage: it keeps
// a single program of a multi-program transport stream and optionally
// removes its second audio, caption and superimpose streams.
package servicefilter

import (
	"log/slog"

	"github.com/zsiec/tsfilter/internal/mpegts"
	"github.com/zsiec/tsfilter/internal/options"
)

const (
	siFirstPID = 0x0010
	siLastPID  = 0x002F

	streamTypePrivatePES = 0x06

	captionTagFirst     = 0x30
	captionTagLast      = 0x37
	superimposeTagFirst = 0x38
	superimposeTagLast  = 0x3F
)

// Filter is a pipeline stage. The zero value is not usable; call New.
type Filter struct {
	log  *slog.Logger
	opts options.ServiceFilter
	out  []byte

	pat   mpegts.SectionBuffer
	patCC uint8

	// Selected program; pmtPID is 0 until a PAT selects one.
	programNumber uint16
	pmtPID        uint16
	pmt           mpegts.SectionBuffer
	pmtPending    [][]byte
	pmtCC         uint8

	pass    mpegts.PIDSet
	hasPMT  bool
	removed int
}

// New creates a Filter. If log is nil, slog.Default() is used.
func New(opts options.ServiceFilter, log *slog.Logger) *Filter {
	if log == nil {
		log = slog.Default()
	}
	f := &Filter{
		log:  log.With("component", "servicefilter"),
		opts: opts,
	}
	if opts.Audio1Mode != 0 || opts.Audio2Mode&^3 != 0 || opts.Audio2Mode&3 == 1 ||
		opts.CaptionMode&^3 != 0 || opts.CaptionMode&3 == 1 ||
		opts.SuperimposeMode&^3 != 0 || opts.SuperimposeMode&3 == 1 {
		f.log.Info("stream complement and conversion modes are accepted but not performed",
			"audio1", opts.Audio1Mode, "audio2", opts.Audio2Mode,
			"caption", opts.CaptionMode, "superimpose", opts.SuperimposeMode)
	}
	return f
}

// Submit filters one packet.
func (f *Filter) Submit(pkt []byte) {
	if f.opts.ProgramNumberOrIndex == 0 {
		f.out = append(f.out, pkt...)
		return
	}

	pid := mpegts.PID(pkt)
	switch {
	case pid == mpegts.PIDPAT:
		for _, section := range f.pat.Feed(pkt) {
			f.handlePAT(section)
		}
	case f.pmtPID != 0 && pid == f.pmtPID:
		f.handlePMTPacket(pkt)
	case pid >= siFirstPID && pid <= siLastPID:
		f.out = append(f.out, pkt...)
	case f.hasPMT && f.pass.Has(pid):
		f.out = append(f.out, pkt...)
	}
}

// Drain returns the packets kept since the last Reset.
func (f *Filter) Drain() []byte {
	return f.out
}

// Reset clears the batch output. Program state is kept.
func (f *Filter) Reset() {
	f.out = f.out[:0]
}

// Program reports the selected program number and its PMT PID, or zeros
// before a PAT has selected one.
func (f *Filter) Program() (programNumber, pmtPID uint16) {
	return f.programNumber, f.pmtPID
}

func (f *Filter) handlePAT(section []byte) {
	pat, err := mpegts.ParsePATSection(section)
	if err != nil {
		f.log.Debug("dropping PAT", "error", err)
		return
	}

	prog := f.selectProgram(pat.Programs)
	if prog == nil {
		if f.pmtPID != 0 {
			f.log.Warn("selected program left the PAT", "program", f.programNumber)
			f.unselect()
		}
		return
	}
	if prog.ProgramNumber != f.programNumber || prog.ProgramMapID != f.pmtPID {
		f.unselect()
		f.programNumber = prog.ProgramNumber
		f.pmtPID = prog.ProgramMapID
		f.log.Info("program selected", "program", f.programNumber, "pmt_pid", f.pmtPID)
	}

	out := mpegts.BuildPATSection(&mpegts.PATData{
		TransportStreamID: pat.TransportStreamID,
		Version:           pat.Version,
		Programs:          []*mpegts.PATProgram{prog},
	})
	f.out = append(f.out, mpegts.PacketizeSection(out, mpegts.PIDPAT, &f.patCC)...)
}

func (f *Filter) selectProgram(programs []*mpegts.PATProgram) *mpegts.PATProgram {
	n := f.opts.ProgramNumberOrIndex
	if n < 0 {
		if -n > len(programs) {
			return nil
		}
		return programs[-n-1]
	}
	for _, p := range programs {
		if int(p.ProgramNumber) == n {
			return p
		}
	}
	return nil
}

func (f *Filter) unselect() {
	f.programNumber = 0
	f.pmtPID = 0
	f.pmt.Reset()
	f.pmtPending = nil
	f.pass = mpegts.PIDSet{}
	f.hasPMT = false
}

func (f *Filter) handlePMTPacket(pkt []byte) {
	if mpegts.PayloadUnitStart(pkt) {
		f.pmtPending = f.pmtPending[:0]
	}
	f.pmtPending = append(f.pmtPending, append([]byte(nil), pkt...))

	for _, section := range f.pmt.Feed(pkt) {
		if section[0] != mpegts.TableIDPMT {
			continue
		}
		pmt, err := mpegts.ParsePMTSection(section)
		if err != nil {
			f.log.Debug("dropping PMT", "error", err)
			continue
		}
		if pmt.ProgramNumber != f.programNumber {
			continue
		}
		f.applyPMT(pmt)
	}
}

// applyPMT rebuilds the pass set from pmt and emits the PMT, regenerated
// when streams were removed and as received otherwise.
func (f *Filter) applyPMT(pmt *mpegts.PMTData) {
	kept := f.keptStreams(pmt.ElementaryStreams)

	var pass mpegts.PIDSet
	pass.Add(pmt.PCRPID)
	for _, es := range kept {
		pass.Add(es.ElementaryPID)
	}
	first := !f.hasPMT
	f.pass = pass
	f.hasPMT = true

	if removed := len(pmt.ElementaryStreams) - len(kept); first || removed != f.removed {
		f.log.Info("program streams updated", "program", pmt.ProgramNumber,
			"streams", len(kept), "removed", removed)
		f.removed = removed
	}

	if len(kept) == len(pmt.ElementaryStreams) {
		for _, pkt := range f.pmtPending {
			pkt[3] = pkt[3]&0xF0 | f.pmtCC
			f.pmtCC = (f.pmtCC + 1) & 0x0F
			f.out = append(f.out, pkt...)
		}
	} else {
		out := mpegts.BuildPMTSection(&mpegts.PMTData{
			ProgramNumber:     pmt.ProgramNumber,
			Version:           pmt.Version,
			PCRPID:            pmt.PCRPID,
			ProgramInfo:       pmt.ProgramInfo,
			ElementaryStreams: kept,
		})
		f.out = append(f.out, mpegts.PacketizeSection(out, f.pmtPID, &f.pmtCC)...)
	}
	f.pmtPending = f.pmtPending[:0]
}

func (f *Filter) keptStreams(streams []*mpegts.PMTElementaryStream) []*mpegts.PMTElementaryStream {
	kept := make([]*mpegts.PMTElementaryStream, 0, len(streams))
	audio := 0
	for _, es := range streams {
		if isAudio(es.StreamType) {
			audio++
			if audio == 2 && f.opts.Audio2Mode&3 == 3 {
				continue
			}
		}
		if tag, ok := es.ComponentTag(); ok && es.StreamType == streamTypePrivatePES {
			if tag >= captionTagFirst && tag <= captionTagLast && f.opts.CaptionMode&3 == 2 {
				continue
			}
			if tag >= superimposeTagFirst && tag <= superimposeTagLast && f.opts.SuperimposeMode&3 == 2 {
				continue
			}
		}
		kept = append(kept, es)
	}
	return kept
}

func isAudio(streamType uint8) bool {
	switch streamType {
	case 0x03, 0x04, 0x0F, 0x11, 0x81:
		return true
	}
	return false
}
