package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// DefaultReadSize is ten 1316-byte datagrams, the usual SRT and UDP
// payload of seven packets.
const DefaultReadSize = 1316 * 10

// headroomReads is how many reads' worth of queue space the producer keeps
// free. One read may grow in the pipeline (regenerated tables, ID3 framing),
// so the margin is wider than a single read.
const headroomReads = 4

// Pump copies r through the session into w until r is exhausted, ctx is
// cancelled, or either side fails. Reading and Push run on one goroutine,
// Pop and writing on another. The reader is held back while the queue is
// near capacity, so a slow w slows reading instead of dropping output. If w
// is an http.Flusher it is flushed after every write. r is not closed.
func (s *Session) Pump(ctx context.Context, r io.Reader, w io.Writer, readSize int) error {
	if readSize <= 0 {
		readSize = DefaultReadSize
	}
	highWater := s.Capacity() - headroomReads*readSize
	if highWater < s.Capacity()/2 {
		highWater = s.Capacity() / 2
	}
	flusher, _ := w.(http.Flusher)
	produced := make(chan struct{})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(produced)
		buf := make([]byte, readSize)
		for {
			for s.Buffered() > highWater {
				select {
				case <-s.Space():
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			n, err := r.Read(buf)
			if n > 0 {
				s.Push(buf[:n])
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("session: read: %w", err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	})

	g.Go(func() error {
		buf := make([]byte, readSize)
		write := func(n int) error {
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("session: write: %w", err)
			}
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		}
		for {
			if n := s.Pop(buf); n > 0 {
				if err := write(n); err != nil {
					return err
				}
				continue
			}
			select {
			case <-s.Ready():
			case <-produced:
				for {
					n := s.Pop(buf)
					if n == 0 {
						return nil
					}
					if err := write(n); err != nil {
						return err
					}
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	return g.Wait()
}
