package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/zsiec/tsfilter/internal/options"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestPump(t *testing.T) {
	t.Parallel()

	in := stream(500)
	for _, size := range []int{0, 100, 4096} {
		s := newSession(t, options.Options{})
		var out bytes.Buffer
		if err := s.Pump(context.Background(), bytes.NewReader(in), &out, size); err != nil {
			t.Fatalf("read size %d: %v", size, err)
		}
		if diff := cmp.Diff(in, out.Bytes()); diff != "" {
			t.Errorf("read size %d: output mismatch (-want +got):\n%s", size, diff)
		}
	}
}

// slowWriter stalls on every write so the reader outpaces it.
type slowWriter struct {
	bytes.Buffer
	delay time.Duration
}

func (w *slowWriter) Write(b []byte) (int, error) {
	time.Sleep(w.delay)
	return w.Buffer.Write(b)
}

func TestPumpSlowWriterBackpressure(t *testing.T) {
	t.Parallel()

	in := stream(2000)
	s := newSession(t, options.Options{}, WithQueueCapacity(32*1024))
	out := &slowWriter{delay: 50 * time.Microsecond}
	if err := s.Pump(context.Background(), bytes.NewReader(in), out, 1880); err != nil {
		t.Fatal(err)
	}
	if st := s.Stats(); st.DroppedBatches != 0 || st.DroppedBytes != 0 {
		t.Errorf("dropped %d batches (%d bytes)", st.DroppedBatches, st.DroppedBytes)
	}
	if diff := cmp.Diff(in, out.Bytes()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestPumpWriteError(t *testing.T) {
	t.Parallel()

	s := newSession(t, options.Options{})
	err := s.Pump(context.Background(), bytes.NewReader(stream(50)), failingWriter{}, 0)
	if err == nil || err.Error() != "session: write: disk full" {
		t.Errorf("Pump = %v", err)
	}
}

func TestPumpCancel(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())

	s := newSession(t, options.Options{})
	done := make(chan error, 1)
	go func() { done <- s.Pump(ctx, pr, io.Discard, 0) }()

	if _, err := pw.Write(stream(5)); err != nil {
		t.Fatal(err)
	}
	cancel()
	pw.CloseWithError(context.Canceled)

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Pump = %v, want context.Canceled", err)
	}
}
