// Package source opens the byte streams a filter session consumes: standard
// input, files, HTTP(S) URLs, SRT connections and UDP payloads recorded in
// pcap captures. Every source can be paced to a byte rate and bounded by an
// idle timeout.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/zsiec/tsfilter/internal/options"
)

// ErrTimeout is returned by a source that stays idle longer than its
// timeout when TimeoutMode is 1.
var ErrTimeout = errors.New("source: idle timeout")

// Timeout modes.
const (
	TimeoutEnd  = 0 // an idle source reports io.EOF
	TimeoutFail = 1 // an idle source reports ErrTimeout
)

// Config controls how a source is opened and read.
type Config struct {
	Seek        int64 // bytes; negative counts from the end where supported
	RateLimit   int   // bytes per second, 0 for unlimited
	Timeout     time.Duration
	TimeoutMode int
}

// ConfigFrom extracts the host settings from a parsed option set.
func ConfigFrom(o options.Options) Config {
	return Config{
		Seek:        o.SeekOffset,
		RateLimit:   o.RateLimit,
		Timeout:     time.Duration(o.Timeout) * time.Second,
		TimeoutMode: o.TimeoutMode,
	}
}

// Open opens the source named by spec:
//
//	-                          standard input
//	http://... https://...     HTTP GET, seeking with a Range header
//	srt://host:port?streamid=  SRT caller
//	srt://:port?mode=listener  SRT listener, first publisher wins
//	pcap://path?port=N         UDP payloads from a capture file
//	anything else              a file path
//
// ctx bounds connection setup and the life of network sources. If log is
// nil, slog.Default() is used.
func Open(ctx context.Context, spec string, cfg Config, log *slog.Logger) (io.ReadCloser, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "source")

	var (
		rc  io.ReadCloser
		err error
	)
	switch {
	case spec == "" || spec == "-":
		rc = os.Stdin
	case strings.HasPrefix(spec, "http://"), strings.HasPrefix(spec, "https://"):
		rc, err = openHTTP(ctx, spec, cfg.Seek, log)
	case strings.HasPrefix(spec, "srt://"):
		rc, err = openSRT(ctx, spec, log)
	case strings.HasPrefix(spec, "pcap://"):
		rc, err = openPcap(spec, log)
	default:
		rc, err = openFile(spec, cfg.Seek)
	}
	if err != nil {
		return nil, err
	}
	log.Info("source opened", "source", redact(spec), "seek", cfg.Seek,
		"rate_limit", cfg.RateLimit, "timeout", cfg.Timeout)

	if cfg.RateLimit > 0 {
		rc = newPacedReader(ctx, rc, cfg.RateLimit)
	}
	if cfg.Timeout > 0 {
		rc = newIdleReader(rc, cfg.Timeout, cfg.TimeoutMode)
	}
	return rc, nil
}

func openFile(path string, seek int64) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if seek != 0 {
		whence := io.SeekStart
		if seek < 0 {
			whence = io.SeekEnd
		}
		if _, err := f.Seek(seek, whence); err != nil {
			f.Close()
			return nil, fmt.Errorf("source: seek %s: %w", path, err)
		}
	}
	return f, nil
}

// redact drops credentials from URLs before they are logged.
func redact(spec string) string {
	u, err := url.Parse(spec)
	if err != nil || u.User == nil {
		return spec
	}
	return u.Redacted()
}
