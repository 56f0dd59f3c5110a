package session

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/zsiec/tsfilter/internal/mpegts"
	"github.com/zsiec/tsfilter/internal/options"
)

// recorder is a pass-through stage that remembers every submitted packet.
type recorder struct {
	got [][]byte
	out []byte
}

func (r *recorder) Submit(pkt []byte) {
	r.got = append(r.got, append([]byte(nil), pkt...))
	r.out = append(r.out, pkt...)
}

func (r *recorder) Drain() []byte { return r.out }
func (r *recorder) Reset()        { r.out = r.out[:0] }

type closer struct {
	recorder
	closed int
}

func (c *closer) Close() error {
	c.closed++
	return nil
}

func packet(pid uint16, cc uint8) []byte {
	pkt := bytes.Repeat([]byte{0xFF}, mpegts.PacketSize)
	pkt[0] = mpegts.SyncByte
	pkt[1] = byte(pid>>8) & 0x1F
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | cc&0x0F
	return pkt
}

func stream(n int) []byte {
	var ts []byte
	for i := 0; i < n; i++ {
		ts = append(ts, packet(uint16(0x100+i%3), uint8(i))...)
	}
	return ts
}

func newSession(t *testing.T, opts options.Options, extra ...Option) *Session {
	t.Helper()
	s, err := New(opts, nil, extra...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Destroy() })
	return s
}

func popAll(s *Session) []byte {
	var out []byte
	buf := make([]byte, 1000)
	for {
		n := s.Pop(buf)
		if n == 0 {
			return out
		}
		out = append(out, buf[:n]...)
	}
}

func TestChunkingInvariance(t *testing.T) {
	t.Parallel()

	in := stream(40)
	for _, chunk := range []int{1, 7, 100, 187, 188, 189, 1000, len(in)} {
		s := newSession(t, options.Options{})
		for off := 0; off < len(in); off += chunk {
			end := min(off+chunk, len(in))
			s.Push(in[off:end])
		}
		if diff := cmp.Diff(in, popAll(s)); diff != "" {
			t.Errorf("chunk %d: output mismatch (-want +got):\n%s", chunk, diff)
		}
	}
}

// twoProgramStream carries two programs; program 1 has a video PID and an
// ARIB caption PID, program 2 a lone video PID. Tables repeat every cycle.
func twoProgramStream(cycles int) []byte {
	var ts []byte
	var patCC, pmt1CC, pmt2CC, v1CC, capCC, v2CC uint8
	for i := 0; i < cycles; i++ {
		ts = append(ts, mpegts.PacketizeSection(mpegts.BuildPATSection(&mpegts.PATData{
			TransportStreamID: 1,
			Programs: []*mpegts.PATProgram{
				{ProgramNumber: 1, ProgramMapID: 0x1F0},
				{ProgramNumber: 2, ProgramMapID: 0x1F1},
			},
		}), mpegts.PIDPAT, &patCC)...)
		ts = append(ts, mpegts.PacketizeSection(mpegts.BuildPMTSection(&mpegts.PMTData{
			ProgramNumber: 1,
			PCRPID:        0x111,
			ElementaryStreams: []*mpegts.PMTElementaryStream{
				{StreamType: 0x02, ElementaryPID: 0x111},
				{StreamType: 0x06, ElementaryPID: 0x130, Descriptors: []byte{0x52, 0x01, 0x30}},
			},
		}), 0x1F0, &pmt1CC)...)
		ts = append(ts, mpegts.PacketizeSection(mpegts.BuildPMTSection(&mpegts.PMTData{
			ProgramNumber:     2,
			PCRPID:            0x211,
			ElementaryStreams: []*mpegts.PMTElementaryStream{{StreamType: 0x02, ElementaryPID: 0x211}},
		}), 0x1F1, &pmt2CC)...)
		pts := int64(i) * 3003
		ts = append(ts, mpegts.Packetize(mpegts.BuildPES(0xE0, pts, bytes.Repeat([]byte{0x11}, 700)), 0x111, &v1CC)...)
		ts = append(ts, mpegts.Packetize(mpegts.BuildPES(mpegts.StreamIDPrivate1, pts, bytes.Repeat([]byte{byte(i)}, 250)), 0x130, &capCC)...)
		ts = append(ts, mpegts.Packetize(mpegts.BuildPES(0xE0, pts, bytes.Repeat([]byte{0x22}, 500)), 0x211, &v2CC)...)
	}
	return ts
}

func TestChunkingInvarianceStatefulStages(t *testing.T) {
	t.Parallel()

	opts, err := options.Parse([]string{"-n", "1", "-d", "1"})
	if err != nil {
		t.Fatal(err)
	}
	in := twoProgramStream(8)

	s := newSession(t, opts)
	s.Push(in)
	want := popAll(s)
	if len(want) == 0 {
		t.Fatal("no output")
	}
	if bytes.Equal(want, in) {
		t.Fatal("stages left the stream unchanged")
	}
	for off := 0; off < len(want); off += mpegts.PacketSize {
		if pid := mpegts.PID(want[off:]); pid == 0x1F1 || pid == 0x211 {
			t.Fatalf("program 2 PID %#x in output", pid)
		}
	}

	for _, chunk := range []int{1, 188, 4999} {
		s := newSession(t, opts)
		for off := 0; off < len(in); off += chunk {
			s.Push(in[off:min(off+chunk, len(in))])
		}
		if diff := cmp.Diff(want, popAll(s)); diff != "" {
			t.Errorf("chunk %d: output differs from one-shot (-want +got):\n%s", chunk, diff)
		}
	}
}

func TestPushReusesCallerBuffer(t *testing.T) {
	t.Parallel()

	in := stream(5)
	s := newSession(t, options.Options{}, WithStages())
	buf := make([]byte, 150)
	for off := 0; off < len(in); off += len(buf) {
		n := copy(buf, in[off:])
		s.Push(buf[:n])
		for i := range buf {
			buf[i] = 0xAA
		}
	}
	if diff := cmp.Diff(in, popAll(s)); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestExclusion(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := newSession(t, options.Options{ExcludePIDs: []uint16{0x100}}, WithStages(rec))

	var in []byte
	in = append(in, packet(0x100, 0)...)
	in = append(in, packet(0x200, 0)...)
	in = append(in, packet(0x100, 1)...)
	s.Push(in)

	if len(rec.got) != 1 {
		t.Fatalf("stage received %d packets, want 1", len(rec.got))
	}
	if pid := mpegts.PID(rec.got[0]); pid != 0x200 {
		t.Errorf("stage received PID %#x, want 0x200", pid)
	}
	if st := s.Stats(); st.Excluded != 2 || st.Packets != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestResyncAcrossPushes(t *testing.T) {
	t.Parallel()

	junk := bytes.Repeat([]byte{0x00}, 10)
	var in []byte
	in = append(in, junk...)
	in = append(in, stream(3)...)

	rec := &recorder{}
	s := newSession(t, options.Options{}, WithStages(rec))

	s.Push(in[:300])
	if s.Synced() {
		t.Fatal("synced on two sync bytes")
	}
	if n := len(popAll(s)); n != 0 {
		t.Fatalf("popped %d bytes before sync", n)
	}
	if got := len(s.residual); got != 300 {
		t.Fatalf("residual = %d bytes, want 300", got)
	}

	s.Push(in[300:388])
	if !s.Synced() {
		t.Fatal("not synced after 388 bytes")
	}
	out := popAll(s)
	if diff := cmp.Diff(in[10:10+2*mpegts.PacketSize], out); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	if got := len(s.residual); got != 2 {
		t.Errorf("residual = %d bytes, want 2", got)
	}

	s.Push(in[388:])
	if diff := cmp.Diff(in[10+2*mpegts.PacketSize:], popAll(s)); diff != "" {
		t.Errorf("tail mismatch (-want +got):\n%s", diff)
	}
	st := s.Stats()
	if st.Skipped != 10 || st.UnitSize != mpegts.PacketSize {
		t.Errorf("stats = %+v", st)
	}
}

func TestTimestampedUnits(t *testing.T) {
	t.Parallel()

	var in, want []byte
	for i := 0; i < 5; i++ {
		pkt := packet(0x101, uint8(i))
		in = append(in, 0x00, 0x00, 0x12, byte(i))
		in = append(in, pkt...)
		want = append(want, pkt...)
	}
	in = append(in, 0x00, 0x00, 0x12, 0x05)

	s := newSession(t, options.Options{}, WithStages())
	s.Push(in)
	if diff := cmp.Diff(want, popAll(s)); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	if st := s.Stats(); st.UnitSize != 192 || st.Skipped != 4 {
		t.Errorf("stats = %+v", st)
	}
}

func TestMalformedUnitDropped(t *testing.T) {
	t.Parallel()

	in := stream(12)
	in[9*mpegts.PacketSize] = 0x00

	s := newSession(t, options.Options{}, WithStages())
	s.Push(in)
	want := append(append([]byte(nil), in[:9*mpegts.PacketSize]...), in[10*mpegts.PacketSize:]...)
	if diff := cmp.Diff(want, popAll(s)); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	if st := s.Stats(); st.Malformed != 1 {
		t.Errorf("Malformed = %d, want 1", st.Malformed)
	}
}

func TestUnsyncedWindowBounded(t *testing.T) {
	t.Parallel()

	s := newSession(t, options.Options{}, WithStages())
	s.Push(make([]byte, maxUnsynced+500))
	if got := len(s.residual); got != maxUnsynced {
		t.Errorf("residual = %d, want %d", got, maxUnsynced)
	}
	if st := s.Stats(); st.Skipped != 500 {
		t.Errorf("Skipped = %d, want 500", st.Skipped)
	}

	in := stream(3)
	s.Push(in)
	if diff := cmp.Diff(in, popAll(s)); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestQueueOverflow(t *testing.T) {
	t.Parallel()

	s := newSession(t, options.Options{}, WithStages(), WithQueueCapacity(3*mpegts.PacketSize+1))

	first := stream(3)
	s.Push(first)
	if got := s.Buffered(); got != len(first) {
		t.Fatalf("Buffered = %d, want %d", got, len(first))
	}

	s.Push(packet(0x100, 3))
	if got := s.Buffered(); got != len(first) {
		t.Fatalf("Buffered after overflow = %d, want %d", got, len(first))
	}
	st := s.Stats()
	if st.DroppedBatches != 1 || st.DroppedBytes != mpegts.PacketSize {
		t.Errorf("stats = %+v", st)
	}

	if diff := cmp.Diff(first, popAll(s)); diff != "" {
		t.Errorf("queue content changed (-want +got):\n%s", diff)
	}

	next := packet(0x100, 4)
	s.Push(next)
	if diff := cmp.Diff(next, popAll(s)); diff != "" {
		t.Errorf("post-drain output (-want +got):\n%s", diff)
	}
}

func TestPopBounds(t *testing.T) {
	t.Parallel()

	in := stream(6)
	s := newSession(t, options.Options{}, WithStages())
	s.Push(in)

	var got []byte
	for _, n := range []int{0, 1, 50, 188, 377, 10000} {
		buf := make([]byte, n)
		k := s.Pop(buf)
		if k > n {
			t.Fatalf("Pop(%d) = %d", n, k)
		}
		got = append(got, buf[:k]...)
	}
	if diff := cmp.Diff(in, got); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestProcess(t *testing.T) {
	t.Parallel()

	in := stream(3)
	s := newSession(t, options.Options{}, WithStages())
	out := make([]byte, len(in))
	if n := s.Process(in, out); n != len(in) {
		t.Fatalf("Process = %d, want %d", n, len(in))
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestReadySignal(t *testing.T) {
	t.Parallel()

	s := newSession(t, options.Options{}, WithStages())
	select {
	case <-s.Ready():
		t.Fatal("ready before any output")
	default:
	}
	s.Push(stream(3))
	select {
	case <-s.Ready():
	default:
		t.Fatal("not ready after push")
	}
}

func TestDestroy(t *testing.T) {
	t.Parallel()

	c := &closer{}
	s, err := New(options.Options{}, nil, WithStages(c))
	if err != nil {
		t.Fatal(err)
	}
	s.Push(stream(3))

	if err := s.Destroy(); err != nil {
		t.Fatal(err)
	}
	if err := s.Destroy(); err != nil {
		t.Fatal(err)
	}
	if c.closed != 1 {
		t.Errorf("stage closed %d times, want 1", c.closed)
	}

	s.Push(stream(3))
	if n := s.Pop(make([]byte, 1000)); n != 0 {
		t.Errorf("Pop after Destroy = %d", n)
	}
	if _, err := s.Write(stream(3)); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Write after Destroy: %v", err)
	}
	if s.Buffered() != 0 {
		t.Errorf("Buffered after Destroy = %d", s.Buffered())
	}

	var nilSession *Session
	nilSession.Push(stream(3))
	if n := nilSession.Pop(make([]byte, 10)); n != 0 {
		t.Errorf("nil Pop = %d", n)
	}
	if err := nilSession.Destroy(); err != nil {
		t.Errorf("nil Destroy: %v", err)
	}
	if nilSession.Synced() {
		t.Error("nil session synced")
	}
}

func TestDefaultStagesTrace(t *testing.T) {
	t.Parallel()

	s := newSession(t, options.Options{TracePath: t.TempDir() + "/trace.jsonl"})
	if got := s.pipe.Len(); got != 3 {
		t.Errorf("stages = %d, want 3", got)
	}

	if _, err := New(options.Options{TracePath: t.TempDir() + "/missing/trace"}, nil); err == nil {
		t.Error("expected error for unwritable trace path")
	}
}
