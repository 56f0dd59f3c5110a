package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/zsiec/tsfilter/internal/certs"
	"github.com/zsiec/tsfilter/internal/mpegts"
	"github.com/zsiec/tsfilter/internal/source"
)

func tsStream(n int, pids ...uint16) []byte {
	var ts []byte
	for i := 0; i < n; i++ {
		pkt := bytes.Repeat([]byte{0xFF}, mpegts.PacketSize)
		pid := pids[i%len(pids)]
		pkt[0] = mpegts.SyncByte
		pkt[1] = byte(pid>>8) & 0x1F
		pkt[2] = byte(pid)
		pkt[3] = 0x10 | byte(i)&0x0F
		ts = append(ts, pkt...)
	}
	return ts
}

type fakeSources struct {
	mu     sync.Mutex
	data   map[string][]byte
	opened []source.Config
}

func (f *fakeSources) open(_ context.Context, spec string, cfg source.Config, _ *slog.Logger) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, cfg)
	data, ok := f.data[spec]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func newTestServer(t *testing.T, data map[string][]byte, mutate ...func(*Config)) (*Server, *httptest.Server, *fakeSources) {
	t.Helper()
	cert, err := certs.Generate(nil, time.Hour)
	if err != nil {
		t.Fatalf("certs.Generate: %v", err)
	}
	fake := &fakeSources{data: data}
	cfg := Config{
		Addr:           ":0",
		Cert:           cert,
		AllowedSchemes: []string{"http", "https", "srt"},
		MaxSessions:    4,
		Open:           fake.open,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	srv, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, fake
}

func streamURL(base, src string, args ...string) string {
	q := url.Values{"src": {src}}
	if len(args) > 0 {
		q.Set("args", strings.Join(args, " "))
	}
	return base + "/stream?" + q.Encode()
}

func getSessions(t *testing.T, base string) sessionsResponse {
	t.Helper()
	resp, err := http.Get(base + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out sessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestNewRequiresCert(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Addr: ":0"}, nil); err == nil {
		t.Error("expected error without Cert")
	}
}

func TestStreamFiltersSource(t *testing.T) {
	t.Parallel()

	in := tsStream(30, 0x100, 0x101, 0x102)
	_, ts, fake := newTestServer(t, map[string][]byte{"srt://cam:6000": in})

	resp, err := http.Get(streamURL(ts.URL, "srt://cam:6000", "-x", "0x101", "-l", "100"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "video/mp2t" {
		t.Errorf("Content-Type = %q", ct)
	}
	id := resp.Header.Get("X-Session-Id")
	if id == "" {
		t.Error("missing X-Session-Id")
	}

	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var want []byte
	for off := 0; off < len(in); off += mpegts.PacketSize {
		if mpegts.PID(in[off:]) != 0x101 {
			want = append(want, in[off:off+mpegts.PacketSize]...)
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}

	fake.mu.Lock()
	if len(fake.opened) != 1 || fake.opened[0].RateLimit != 100*1024 {
		t.Errorf("source opened with %+v", fake.opened)
	}
	fake.mu.Unlock()

	// The summary is recorded after the handler returns.
	var sessions sessionsResponse
	deadline := time.Now().Add(2 * time.Second)
	for {
		sessions = getSessions(t, ts.URL)
		if len(sessions.Closed) == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(sessions.Closed) != 1 {
		t.Fatalf("closed sessions = %+v", sessions.Closed)
	}
	closed := sessions.Closed[0]
	if closed.ID != id || closed.Source != "srt://cam:6000" || closed.EndedAt == nil {
		t.Errorf("closed summary = %+v", closed)
	}
	if closed.Stats.Excluded != 10 || closed.Stats.BytesPopped != int64(len(want)) {
		t.Errorf("closed stats = %+v", closed.Stats)
	}
	if len(sessions.Active) != 0 {
		t.Errorf("active sessions = %+v", sessions.Active)
	}
}

func TestStreamDefaultArgs(t *testing.T) {
	t.Parallel()

	in := tsStream(10, 0x100, 0x200)
	_, ts, _ := newTestServer(t, map[string][]byte{"http://origin/a.ts": in}, func(c *Config) {
		c.DefaultArgs = []string{"-x", "0x200"}
	})

	resp, err := http.Get(streamURL(ts.URL, "http://origin/a.ts"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	got, _ := io.ReadAll(resp.Body)
	if len(got) != 5*mpegts.PacketSize {
		t.Errorf("body = %d bytes, want %d", len(got), 5*mpegts.PacketSize)
	}
}

func TestStreamRejects(t *testing.T) {
	t.Parallel()

	_, ts, _ := newTestServer(t, map[string][]byte{})

	tests := []struct {
		name string
		url  string
		code int
	}{
		{"missing src", ts.URL + "/stream", http.StatusBadRequest},
		{"file path", streamURL(ts.URL, "/etc/passwd"), http.StatusBadRequest},
		{"pcap scheme", streamURL(ts.URL, "pcap:///tmp/x.pcap"), http.StatusBadRequest},
		{"bad args", streamURL(ts.URL, "http://origin/a.ts", "-x", "0x2000"), http.StatusBadRequest},
		{"trace path", streamURL(ts.URL, "http://origin/a.ts", "-r", "/tmp/x.json"), http.StatusBadRequest},
		{"source down", streamURL(ts.URL, "http://origin/missing.ts"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, err := http.Get(tt.url)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.code {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.code)
			}
			var body map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body["error"] == "" {
				t.Errorf("error body = %v, %v", body, err)
			}
		})
	}
}

func TestStreamClientTraceLeavesFilesAlone(t *testing.T) {
	t.Parallel()

	_, ts, fake := newTestServer(t, map[string][]byte{})
	victim := filepath.Join(t.TempDir(), "victim.conf")
	if err := os.WriteFile(victim, []byte("listen: 0.0.0.0:4443\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(streamURL(ts.URL, "http://unreachable.invalid/x.ts", "-r", victim))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	got, err := os.ReadFile(victim)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "listen: 0.0.0.0:4443\n" {
		t.Errorf("victim file changed to %q", got)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.opened) != 0 {
		t.Errorf("source opened %d times", len(fake.opened))
	}
}

func TestStreamSessionLimit(t *testing.T) {
	t.Parallel()

	srv, ts, _ := newTestServer(t, map[string][]byte{"http://origin/a.ts": tsStream(3, 0x100)}, func(c *Config) {
		c.MaxSessions = 1
	})
	srv.slots <- struct{}{}

	resp, err := http.Get(streamURL(ts.URL, "http://origin/a.ts"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}

	<-srv.slots
	resp, err = http.Get(streamURL(ts.URL, "http://origin/a.ts"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status after release = %d, want 200", resp.StatusCode)
	}
}

func TestHealthAndEmptySessions(t *testing.T) {
	t.Parallel()

	_, ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	sessions := getSessions(t, ts.URL)
	if sessions.Active == nil || sessions.Closed == nil {
		t.Errorf("expected empty arrays, got %+v", sessions)
	}
	if len(sessions.Active) != 0 || len(sessions.Closed) != 0 {
		t.Errorf("sessions = %+v", sessions)
	}
}
