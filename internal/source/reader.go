package source

import (
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zsiec/tsfilter/internal/mpegts"
)

// pacedReader throttles reads to a byte rate. Each read is capped at the
// limiter burst so WaitN can always be satisfied.
type pacedReader struct {
	ctx   context.Context
	rc    io.ReadCloser
	lim   *rate.Limiter
	chunk int
}

func newPacedReader(ctx context.Context, rc io.ReadCloser, bytesPerSec int) *pacedReader {
	// About 20 reads per second, never less than one packet.
	chunk := max(bytesPerSec/20, mpegts.PacketSize)
	return &pacedReader{
		ctx:   ctx,
		rc:    rc,
		lim:   rate.NewLimiter(rate.Limit(bytesPerSec), chunk),
		chunk: chunk,
	}
}

func (r *pacedReader) Read(p []byte) (int, error) {
	if len(p) > r.chunk {
		p = p[:r.chunk]
	}
	n, err := r.rc.Read(p)
	if n > 0 {
		if werr := r.lim.WaitN(r.ctx, n); werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}

func (r *pacedReader) Close() error {
	return r.rc.Close()
}

type readResult struct {
	data []byte
	err  error
}

// idleReader fails or ends the stream when the underlying reader produces
// nothing for timeout. Reads happen on a background goroutine so a blocked
// source can be abandoned; Close releases it.
type idleReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	mode    int

	results chan readResult
	done    chan struct{}
	once    sync.Once

	pending []byte
	err     error
}

const idleReadSize = 64 * 1024

func newIdleReader(rc io.ReadCloser, timeout time.Duration, mode int) *idleReader {
	r := &idleReader{
		rc:      rc,
		timeout: timeout,
		mode:    mode,
		results: make(chan readResult),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *idleReader) loop() {
	for {
		buf := make([]byte, idleReadSize)
		n, err := r.rc.Read(buf)
		select {
		case r.results <- readResult{data: buf[:n], err: err}:
		case <-r.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (r *idleReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		t := time.NewTimer(r.timeout)
		select {
		case res := <-r.results:
			t.Stop()
			r.pending, r.err = res.data, res.err
		case <-t.C:
			if r.mode == TimeoutFail {
				r.err = ErrTimeout
			} else {
				r.err = io.EOF
			}
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *idleReader) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		err = r.rc.Close()
	})
	return err
}
