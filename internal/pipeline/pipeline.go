// Package pipeline drives a filter session's ordered chain of packet
// transformation stages. Each batch of packets passes through every stage
// in strict submit, drain, reset cycles, so no stage ever sees output from
// two batches interleaved.
package pipeline

import (
	"errors"
	"io"
	"log/slog"

	"github.com/zsiec/tsfilter/internal/mpegts"
)

// Stage is one packet transformation. Submit receives a single 188-byte
// packet whose backing array is only valid during the call. Drain returns
// the 188-byte packets produced since the last Reset, concatenated; the
// returned bytes must stay intact until the stage's next Submit.
type Stage interface {
	Submit(pkt []byte)
	Drain() []byte
	Reset()
}

// Pipeline runs packets through its stages in order.
type Pipeline struct {
	log    *slog.Logger
	stages []Stage
	batch  [][]byte
}

// New creates a Pipeline over stages. If log is nil, slog.Default() is used.
func New(log *slog.Logger, stages ...Stage) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:    log.With("component", "pipeline"),
		stages: stages,
	}
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	return len(p.stages)
}

// Process submits pkts to the first stage and threads each stage's drained
// output into the next. The last stage's output is handed to sink, which
// must not retain the slice. With no stages, pkts are concatenated and
// handed to sink directly. sink is not called when the batch produces no
// output.
func (p *Pipeline) Process(pkts [][]byte, sink func([]byte)) {
	if len(pkts) == 0 {
		return
	}
	if len(p.stages) == 0 {
		out := make([]byte, 0, len(pkts)*mpegts.PacketSize)
		for _, pkt := range pkts {
			out = append(out, pkt...)
		}
		sink(out)
		return
	}

	in := pkts
	for i, st := range p.stages {
		for _, pkt := range in {
			st.Submit(pkt)
		}
		out := st.Drain()

		if i == len(p.stages)-1 {
			if len(out) > 0 {
				sink(out)
			}
			st.Reset()
			return
		}

		in = p.split(out, i)
		st.Reset()
		if len(in) == 0 {
			return
		}
	}
}

// split cuts drained stage output into packets. The result aliases out.
func (p *Pipeline) split(out []byte, stage int) [][]byte {
	if rem := len(out) % mpegts.PacketSize; rem != 0 {
		p.log.Warn("stage output not packet aligned, dropping tail",
			"stage", stage, "bytes", len(out), "tail", rem)
		out = out[:len(out)-rem]
	}
	batch := p.batch[:0]
	for off := 0; off < len(out); off += mpegts.PacketSize {
		batch = append(batch, out[off:off+mpegts.PacketSize])
	}
	p.batch = batch
	return batch
}

// Close closes every stage that implements io.Closer and joins their errors.
func (p *Pipeline) Close() error {
	var errs []error
	for _, st := range p.stages {
		if c, ok := st.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
