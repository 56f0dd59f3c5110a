package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

const (
	// srtLatencyNs is the receiver latency in nanoseconds (120ms).
	srtLatencyNs   = 120_000_000
	srtDialTimeout = 10 * time.Second
)

// srtConn adapts an SRT connection to io.ReadCloser.
type srtConn struct {
	conn *srtgo.Conn
}

func (c *srtConn) Read(p []byte) (int, error) {
	return c.conn.Read(p)
}

func (c *srtConn) Close() error {
	c.conn.Close()
	return nil
}

type srtTarget struct {
	addr     string
	streamID string
	listener bool
}

func parseSRT(raw string) (srtTarget, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return srtTarget{}, fmt.Errorf("source: %w", err)
	}
	if u.Port() == "" {
		return srtTarget{}, fmt.Errorf("source: %s: missing port", raw)
	}
	q := u.Query()
	mode := q.Get("mode")
	switch mode {
	case "", "caller", "listener":
	default:
		return srtTarget{}, fmt.Errorf("source: %s: unknown mode %q", raw, mode)
	}
	return srtTarget{
		addr:     u.Host,
		streamID: q.Get("streamid"),
		listener: mode == "listener" || (mode == "" && u.Hostname() == ""),
	}, nil
}

type dialResult struct {
	conn *srtgo.Conn
	err  error
}

func openSRT(ctx context.Context, raw string, log *slog.Logger) (*srtConn, error) {
	t, err := parseSRT(raw)
	if err != nil {
		return nil, err
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	if t.listener {
		l, err := srtgo.Listen(t.addr, cfg)
		if err != nil {
			return nil, fmt.Errorf("source: SRT listen on %s: %w", t.addr, err)
		}
		log.Info("SRT listening", "addr", t.addr)

		if t.streamID != "" {
			l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
				if req.StreamID != t.streamID {
					return srtgo.RejPeer
				}
				return 0
			})
		}

		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				l.Close()
			case <-stop:
			}
		}()

		conn, err := l.Accept()
		l.Close()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("source: SRT accept: %w", err)
		}
		log.Info("SRT publisher connected", "stream_id", conn.StreamID(), "remote", conn.RemoteAddr())
		return &srtConn{conn: conn}, nil
	}

	cfg.StreamID = t.streamID
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(t.addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("source: SRT dial %s: %w", t.addr, res.err)
		}
		log.Info("SRT connected", "addr", t.addr, "stream_id", t.streamID)
		return &srtConn{conn: res.conn}, nil
	case <-timer.C:
		go closeLate(ch)
		return nil, fmt.Errorf("source: SRT dial %s timed out after %s", t.addr, srtDialTimeout)
	case <-ctx.Done():
		go closeLate(ch)
		return nil, ctx.Err()
	}
}

// closeLate closes a connection whose dial finished after we gave up.
func closeLate(ch <-chan dialResult) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}
