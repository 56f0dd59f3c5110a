// Package captiontrace provides a pass-through pipeline stage that decodes
// CEA-608/708 closed captions carried in H.264 or H.265 SEI messages and
// writes every caption change as a JSON line.
package captiontrace

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/zsiec/ccx"
	"github.com/zsiec/tsfilter/internal/mpegts"
)

const (
	streamTypeH264 = 0x1B
	streamTypeH265 = 0x24
)

// Caption is one trace record. PTS is in 90 kHz ticks; channels 1-4 are
// CEA-608 CC1-CC4 and 7-12 are CEA-708 services 1-6.
type Caption struct {
	PTS     int64  `json:"pts"`
	Channel int    `json:"channel"`
	Text    string `json:"text"`
}

// Tracer is a pipeline stage. Its output is always its input.
type Tracer struct {
	log    *slog.Logger
	enc    *json.Encoder
	closer io.Closer
	out    []byte

	pat      mpegts.SectionBuffer
	pmts     map[uint16]*mpegts.SectionBuffer
	videoPID uint16
	hevc     bool
	pes      *mpegts.Assembler

	cea608 map[int]*ccx.CEA608Decoder
	cea708 map[int]*ccx.CEA708Service
	dtvcc  []byte
	last   map[int]string

	lastCtrl      [2][2]byte
	lastWasCtrl   [2]bool
	written       int
	writeFailures int
}

// New creates a Tracer writing JSON lines to w. If log is nil,
// slog.Default() is used.
func New(w io.Writer, log *slog.Logger) *Tracer {
	if log == nil {
		log = slog.Default()
	}
	t := &Tracer{
		log:    log.With("component", "captiontrace"),
		enc:    json.NewEncoder(w),
		pmts:   make(map[uint16]*mpegts.SectionBuffer),
		pes:    mpegts.NewAssembler(),
		cea608: make(map[int]*ccx.CEA608Decoder),
		cea708: make(map[int]*ccx.CEA708Service),
		last:   make(map[int]string),
	}
	for ch := 1; ch <= 4; ch++ {
		t.cea608[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		t.cea708[svc] = ccx.NewCEA708Service()
	}
	return t
}

// Open creates a Tracer for path: "-" writes to stderr, anything else is
// created or truncated and closed by Close.
func Open(path string, log *slog.Logger) (*Tracer, error) {
	if path == "-" {
		return New(os.Stderr, log), nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("captiontrace: %w", err)
	}
	t := New(f, log)
	t.closer = f
	return t, nil
}

// Submit forwards pkt and inspects it for captions.
func (t *Tracer) Submit(pkt []byte) {
	t.out = append(t.out, pkt...)

	pid := mpegts.PID(pkt)
	switch {
	case pid == mpegts.PIDPAT:
		for _, section := range t.pat.Feed(pkt) {
			t.handlePAT(section)
		}
	case t.pmts[pid] != nil:
		for _, section := range t.pmts[pid].Feed(pkt) {
			t.handlePMT(section)
		}
	case t.videoPID != 0 && pid == t.videoPID:
		d, err := t.pes.Add(pkt)
		if err != nil || d == nil {
			return
		}
		var pts int64
		if oh := d.PES.Header.OptionalHeader; oh != nil && oh.PTS != nil {
			pts = oh.PTS.Base
		}
		for _, sei := range seiUnits(d.PES.Data, t.hevc) {
			t.handleSEI(sei, pts)
		}
	}
}

// Drain returns the packets submitted since the last Reset.
func (t *Tracer) Drain() []byte {
	return t.out
}

// Reset clears the batch output.
func (t *Tracer) Reset() {
	t.out = t.out[:0]
}

// Written returns the number of caption records written.
func (t *Tracer) Written() int {
	return t.written
}

// Close closes the trace file when Open created one.
func (t *Tracer) Close() error {
	if t.closer == nil {
		return nil
	}
	err := t.closer.Close()
	t.closer = nil
	return err
}

func (t *Tracer) handlePAT(section []byte) {
	pat, err := mpegts.ParsePATSection(section)
	if err != nil {
		return
	}
	for _, p := range pat.Programs {
		if t.pmts[p.ProgramMapID] == nil {
			t.pmts[p.ProgramMapID] = &mpegts.SectionBuffer{}
		}
	}
}

func (t *Tracer) handlePMT(section []byte) {
	if section[0] != mpegts.TableIDPMT {
		return
	}
	pmt, err := mpegts.ParsePMTSection(section)
	if err != nil {
		return
	}
	for _, es := range pmt.ElementaryStreams {
		if es.StreamType != streamTypeH264 && es.StreamType != streamTypeH265 {
			continue
		}
		if es.ElementaryPID != t.videoPID {
			t.videoPID = es.ElementaryPID
			t.hevc = es.StreamType == streamTypeH265
			t.pes.Reset()
			t.log.Info("tracing captions", "pid", t.videoPID, "hevc", t.hevc)
		}
		return
	}
}

func (t *Tracer) handleSEI(sei []byte, pts int64) {
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return
	}

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]

		// Control codes are transmitted twice; act on the first only.
		f := pair.Field
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			if t.lastWasCtrl[f] && t.lastCtrl[f] == cp {
				t.lastWasCtrl[f] = false
				continue
			}
			t.lastCtrl[f] = cp
			t.lastWasCtrl[f] = true
		} else {
			t.lastWasCtrl[f] = false
		}

		dec := t.cea608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			t.emit(Caption{PTS: pts, Channel: pair.Channel, Text: text})
		}
	}

	for _, tr := range cd.DTVCC {
		if tr.Start {
			t.drainDTVCC(pts)
			t.dtvcc = t.dtvcc[:0]
		}
		t.dtvcc = append(t.dtvcc, tr.Data[0], tr.Data[1])
	}
}

func (t *Tracer) drainDTVCC(pts int64) {
	if len(t.dtvcc) < 1 {
		return
	}
	size := ccx.DTVCCPacketSize(t.dtvcc[0])
	if len(t.dtvcc) < size {
		return
	}
	for _, block := range ccx.ParseDTVCCPacket(t.dtvcc[:size]) {
		svc := t.cea708[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			t.emit(Caption{PTS: pts, Channel: block.ServiceNum + 6, Text: text})
		}
	}
}

// emit writes c unless the channel already shows the same text.
func (t *Tracer) emit(c Caption) {
	if t.last[c.Channel] == c.Text {
		return
	}
	t.last[c.Channel] = c.Text
	if err := t.enc.Encode(c); err != nil {
		t.writeFailures++
		if t.writeFailures == 1 {
			t.log.Warn("caption trace write failed", "error", err)
		}
		return
	}
	t.written++
}
