// Package session owns one filtering session: it restores packet alignment
// in arbitrarily chunked input, drops excluded PIDs, drives the surviving
// packets through the transformation pipeline, and buffers the result in a
// bounded queue for the consumer.
//
// A Session has a single producer (Push, Write, Process) and a single
// consumer (Pop). Only the output queue is shared between them.
package session

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zsiec/tsfilter/internal/captiontrace"
	"github.com/zsiec/tsfilter/internal/id3conv"
	"github.com/zsiec/tsfilter/internal/mpegts"
	"github.com/zsiec/tsfilter/internal/options"
	"github.com/zsiec/tsfilter/internal/pipeline"
	"github.com/zsiec/tsfilter/internal/queue"
	"github.com/zsiec/tsfilter/internal/servicefilter"
)

// ErrDestroyed is returned by Write on a destroyed session.
var ErrDestroyed = errors.New("session: destroyed")

// maxUnsynced bounds the bytes kept while no alignment has been found.
// Beyond it the oldest bytes are discarded.
const maxUnsynced = 64 * 1024

// Stats is a snapshot of session counters.
type Stats struct {
	BytesIn        int64 `json:"bytesIn"`
	BytesQueued    int64 `json:"bytesQueued"`
	BytesPopped    int64 `json:"bytesPopped"`
	Packets        int64 `json:"packets"`
	Excluded       int64 `json:"excluded"`
	Malformed      int64 `json:"malformed"`
	Skipped        int64 `json:"skipped"`
	DroppedBatches int64 `json:"droppedBatches"`
	DroppedBytes   int64 `json:"droppedBytes"`
	Buffered       int   `json:"buffered"`
	UnitSize       int   `json:"unitSize"`
}

type config struct {
	stages    []pipeline.Stage
	hasStages bool
	capacity  int
}

// Option customizes a Session beyond its option set.
type Option func(*config)

// WithStages replaces the default stage chain.
func WithStages(stages ...pipeline.Stage) Option {
	return func(c *config) {
		c.stages = stages
		c.hasStages = true
	}
}

// WithQueueCapacity overrides queue.DefaultCapacity.
func WithQueueCapacity(n int) Option {
	return func(c *config) { c.capacity = n }
}

// Session is one filtering session. Create it with New and release it with
// Destroy.
type Session struct {
	ID        string
	StartedAt time.Time

	log     *slog.Logger
	opts    options.Options
	exclude mpegts.PIDSet
	pipe    *pipeline.Pipeline
	queue   *queue.Queue

	// Producer state.
	unitSize atomic.Int32
	residual []byte
	batch    [][]byte

	destroyed atomic.Bool

	bytesIn        atomic.Int64
	bytesQueued    atomic.Int64
	bytesPopped    atomic.Int64
	packets        atomic.Int64
	excluded       atomic.Int64
	malformed      atomic.Int64
	skipped        atomic.Int64
	droppedBatches atomic.Int64
	droppedBytes   atomic.Int64
}

// New creates a session configured by opts. Unless WithStages is given, the
// pipeline is the service filter followed by the ID3 converter, plus a
// caption trace stage when opts.TracePath is set. If log is nil,
// slog.Default() is used.
func New(opts options.Options, log *slog.Logger, extra ...Option) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	var cfg config
	for _, o := range extra {
		o(&cfg)
	}

	id := uuid.New().String()
	log = log.With("component", "session", "session", id)

	stages := cfg.stages
	if !cfg.hasStages {
		stages = []pipeline.Stage{
			servicefilter.New(opts.ServiceFilter, log),
			id3conv.New(opts.ID3.Mode, log),
		}
		if opts.TracePath != "" {
			tr, err := captiontrace.Open(opts.TracePath, log)
			if err != nil {
				return nil, err
			}
			stages = append(stages, tr)
		}
	}

	s := &Session{
		ID:        id,
		StartedAt: time.Now(),
		log:       log,
		opts:      opts,
		exclude:   mpegts.NewPIDSet(opts.ExcludePIDs...),
		pipe:      pipeline.New(log, stages...),
		queue:     queue.New(cfg.capacity),
	}
	log.Debug("session created", "exclude", s.exclude.PIDs(), "stages", s.pipe.Len())
	return s, nil
}

// Options returns the option set the session was created with.
func (s *Session) Options() options.Options {
	return s.opts
}

// Push feeds a chunk of raw input. b may be reused by the caller once Push
// returns. Push on a nil or destroyed session is a no-op.
func (s *Session) Push(b []byte) {
	if s == nil || s.destroyed.Load() || len(b) == 0 {
		return
	}
	s.bytesIn.Add(int64(len(b)))

	buf := b
	if len(s.residual) > 0 {
		buf = append(s.residual, b...)
	}

	unit := int(s.unitSize.Load())
	if unit == 0 {
		off, size := mpegts.Resync(buf)
		if size == 0 {
			if len(buf) > maxUnsynced {
				s.skipped.Add(int64(len(buf) - maxUnsynced))
				buf = buf[len(buf)-maxUnsynced:]
			}
			s.residual = append(s.residual[:0], buf...)
			return
		}
		s.unitSize.Store(int32(size))
		s.skipped.Add(int64(off))
		unit = size
		buf = buf[off:]
		s.log.Info("stream synchronized", "unit_size", size, "skipped", off)
	}

	whole := len(buf) / unit * unit
	pkts := s.batch[:0]
	for off := 0; off < whole; off += unit {
		u := buf[off : off+unit]
		if u[0] != mpegts.SyncByte {
			s.malformed.Add(1)
			continue
		}
		pkt := u[:mpegts.PacketSize]
		if s.exclude.Has(mpegts.PID(pkt)) {
			s.excluded.Add(1)
			continue
		}
		pkts = append(pkts, pkt)
	}
	s.batch = pkts
	s.packets.Add(int64(len(pkts)))

	s.pipe.Process(pkts, s.enqueue)

	// The tail may alias the old residual storage; append copies forward.
	s.residual = append(s.residual[:0], buf[whole:]...)
}

func (s *Session) enqueue(out []byte) {
	if s.queue.Append(out) {
		s.bytesQueued.Add(int64(len(out)))
		return
	}
	if s.droppedBatches.Add(1) == 1 {
		s.log.Warn("output queue full, dropping batch", "bytes", len(out), "buffered", s.queue.Len())
	} else {
		s.log.Debug("output queue full, dropping batch", "bytes", len(out))
	}
	s.droppedBytes.Add(int64(len(out)))
}

// Write implements io.Writer over Push.
func (s *Session) Write(b []byte) (int, error) {
	if s == nil || s.destroyed.Load() {
		return 0, ErrDestroyed
	}
	s.Push(b)
	return len(b), nil
}

// Pop moves up to len(dst) bytes of output into dst and returns the count.
// It returns 0 on a nil or destroyed session.
func (s *Session) Pop(dst []byte) int {
	if s == nil || s.destroyed.Load() {
		return 0
	}
	n := s.queue.Pop(dst)
	s.bytesPopped.Add(int64(n))
	return n
}

// Process pushes in and then pops into out.
func (s *Session) Process(in, out []byte) int {
	s.Push(in)
	return s.Pop(out)
}

// Ready is signalled whenever output is queued. See queue.Queue.Ready.
func (s *Session) Ready() <-chan struct{} {
	return s.queue.Ready()
}

// Space is signalled whenever the consumer frees queued output. See
// queue.Queue.Space.
func (s *Session) Space() <-chan struct{} {
	return s.queue.Space()
}

// Capacity returns the output queue bound.
func (s *Session) Capacity() int {
	return s.queue.Cap()
}

// Synced reports whether packet alignment has been found.
func (s *Session) Synced() bool {
	return s != nil && s.unitSize.Load() != 0
}

// Buffered returns the number of bytes waiting in the output queue.
func (s *Session) Buffered() int {
	if s == nil || s.destroyed.Load() {
		return 0
	}
	return s.queue.Len()
}

// Stats returns a snapshot of the session counters. It may be called from
// any goroutine.
func (s *Session) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		BytesIn:        s.bytesIn.Load(),
		BytesQueued:    s.bytesQueued.Load(),
		BytesPopped:    s.bytesPopped.Load(),
		Packets:        s.packets.Load(),
		Excluded:       s.excluded.Load(),
		Malformed:      s.malformed.Load(),
		Skipped:        s.skipped.Load(),
		DroppedBatches: s.droppedBatches.Load(),
		DroppedBytes:   s.droppedBytes.Load(),
		Buffered:       s.Buffered(),
		UnitSize:       int(s.unitSize.Load()),
	}
}

// Destroy releases the session and closes stages that hold resources. Only
// the first call does anything; later calls and calls on nil return nil.
func (s *Session) Destroy() error {
	if s == nil || !s.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.pipe.Close()
	s.queue.Reset()
	s.residual = nil
	s.batch = nil
	s.log.Debug("session destroyed", "bytes_in", s.bytesIn.Load(), "dropped_batches", s.droppedBatches.Load())
	return err
}
