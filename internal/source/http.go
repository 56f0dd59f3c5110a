package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// httpTimeout bounds connecting, waiting for response headers, and each
// idle gap while reading the body.
const httpTimeout = 8 * time.Second

var httpClient = &http.Client{
	Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: httpTimeout}).DialContext,
		TLSHandshakeTimeout:   httpTimeout,
		ResponseHeaderTimeout: httpTimeout,
	},
}

func openHTTP(ctx context.Context, rawURL string, seek int64, log *slog.Logger) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if seek > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", seek))
	} else if seek < 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d", seek))
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		if seek > 0 {
			// Range ignored by the server; skip forward ourselves.
			log.Debug("range not honoured, discarding", "bytes", seek)
			if _, err := io.CopyN(io.Discard, resp.Body, seek); err != nil {
				resp.Body.Close()
				return nil, fmt.Errorf("source: skip %d bytes: %w", seek, err)
			}
		}
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("source: GET %s: %s", redact(rawURL), resp.Status)
	}

	return newIdleReader(resp.Body, httpTimeout, TimeoutFail), nil
}
