// Package server exposes filter sessions over HTTPS and HTTP/3: clients
// request a source URL and receive the filtered transport stream.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsfilter/internal/certs"
	"github.com/zsiec/tsfilter/internal/options"
	"github.com/zsiec/tsfilter/internal/session"
	"github.com/zsiec/tsfilter/internal/source"
)

// OpenFunc opens a session input. source.Open is used when Config.Open is
// nil.
type OpenFunc func(ctx context.Context, spec string, cfg source.Config, log *slog.Logger) (io.ReadCloser, error)

// Config holds the server settings.
type Config struct {
	Addr           string
	Cert           *certs.Cert
	AllowedSchemes []string
	MaxSessions    int
	ClosedTTL      time.Duration
	ReadSize       int
	DefaultArgs    []string
	Open           OpenFunc
}

// SessionInfo describes an active or recently closed session in the
// /api/sessions response.
type SessionInfo struct {
	ID        string        `json:"id"`
	Handle    uint64        `json:"handle"`
	Source    string        `json:"source"`
	Args      []string      `json:"args"`
	Remote    string        `json:"remote"`
	StartedAt time.Time     `json:"startedAt"`
	EndedAt   *time.Time    `json:"endedAt,omitempty"`
	Error     string        `json:"error,omitempty"`
	Stats     session.Stats `json:"stats"`
}

type sessionsResponse struct {
	Active []SessionInfo `json:"active"`
	Closed []SessionInfo `json:"closed"`
}

// Server runs filter sessions on behalf of HTTP clients.
type Server struct {
	cfg      Config
	log      *slog.Logger
	registry *session.Registry
	closed   *cache.Cache
	slots    chan struct{}

	// Request metadata for active sessions, keyed by session ID.
	active *cache.Cache

	h3 *http3.Server
}

// New creates a Server. If log is nil, slog.Default() is used.
func New(cfg Config, log *slog.Logger) (*Server, error) {
	if cfg.Cert == nil {
		return nil, errors.New("server: Cert is required")
	}
	if cfg.Addr == "" {
		return nil, errors.New("server: Addr is required")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1
	}
	if cfg.ClosedTTL <= 0 {
		cfg.ClosedTTL = 10 * time.Minute
	}
	if cfg.Open == nil {
		cfg.Open = func(ctx context.Context, spec string, c source.Config, log *slog.Logger) (io.ReadCloser, error) {
			return source.Open(ctx, spec, c, log)
		}
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "server")
	return &Server{
		cfg:      cfg,
		log:      log,
		registry: session.NewRegistry(log),
		closed:   cache.New(cfg.ClosedTTL, cfg.ClosedTTL),
		active:   cache.New(cache.NoExpiration, 0),
		slots:    make(chan struct{}, cfg.MaxSessions),
	}, nil
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start serves HTTPS over TCP and HTTP/3 over UDP on the same address and
// blocks until ctx is cancelled or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{s.cfg.Cert.TLS},
	}

	s.h3 = &http3.Server{
		Addr:      s.cfg.Addr,
		Handler:   s.Handler(),
		TLSConfig: tlsConfig,
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
		},
	}

	handler := s.Handler()
	tcp := &http.Server{
		Addr: s.cfg.Addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Advertise HTTP/3 to TCP clients.
			if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
				s.log.Debug("alt-svc header", "error", err)
			}
			handler.ServeHTTP(w, r)
		}),
		TLSConfig: tlsConfig,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("HTTPS server listening", "addr", s.cfg.Addr)
		if err := tcp.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: HTTPS: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.log.Info("HTTP/3 server listening", "addr", s.cfg.Addr)
		err := s.h3.ListenAndServe()
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("server: HTTP/3: %w", err)
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.h3.Close()
		return tcp.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (s *Server) allowed(spec string) error {
	u, err := url.Parse(spec)
	if err != nil {
		return err
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" || !slices.Contains(s.cfg.AllowedSchemes, scheme) {
		return fmt.Errorf("source scheme %q not allowed", u.Scheme)
	}
	return nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	src := r.URL.Query().Get("src")
	if src == "" {
		writeError(w, http.StatusBadRequest, "src query parameter required")
		return
	}
	if err := s.allowed(src); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	args := s.cfg.DefaultArgs
	if v, ok := r.URL.Query()["args"]; ok {
		args = strings.Fields(strings.Join(v, " "))
		opts, err := options.Parse(args)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// The trace file is opened with the server's privileges.
		if opts.TracePath != "" {
			writeError(w, http.StatusBadRequest, "caption trace (-r) is not available to clients")
			return
		}
	}

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	default:
		writeError(w, http.StatusServiceUnavailable, "session limit reached")
		return
	}

	h, err := s.registry.Open(args)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, options.ErrValue) {
			code = http.StatusBadRequest
		}
		writeError(w, code, err.Error())
		return
	}
	sess, _ := s.registry.Get(h)
	info := SessionInfo{
		ID:        sess.ID,
		Handle:    uint64(h),
		Source:    src,
		Args:      args,
		Remote:    r.RemoteAddr,
		StartedAt: sess.StartedAt,
	}
	s.active.SetDefault(sess.ID, info)
	log := s.log.With("session", sess.ID)

	var runErr error
	defer func() {
		s.active.Delete(sess.ID)
		info.Stats = sess.Stats()
		s.registry.Close(h)
		ended := time.Now()
		info.EndedAt = &ended
		if runErr != nil {
			info.Error = runErr.Error()
		}
		s.closed.SetDefault(sess.ID, info)
		log.Info("stream finished", "bytes_in", info.Stats.BytesIn,
			"bytes_out", info.Stats.BytesPopped, "dropped_batches", info.Stats.DroppedBatches)
	}()

	in, err := s.cfg.Open(r.Context(), src, source.ConfigFrom(sess.Options()), log)
	if err != nil {
		runErr = err
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer in.Close()
	stop := context.AfterFunc(r.Context(), func() { in.Close() })
	defer stop()

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Session-Id", sess.ID)
	w.WriteHeader(http.StatusOK)

	if err := sess.Pump(r.Context(), in, w, s.cfg.ReadSize); err != nil && r.Context().Err() == nil {
		runErr = err
		log.Warn("stream ended with error", "error", err)
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	resp := sessionsResponse{
		Active: make([]SessionInfo, 0),
		Closed: make([]SessionInfo, 0),
	}
	for _, e := range s.registry.List() {
		item, ok := s.active.Get(e.Session.ID)
		if !ok {
			continue
		}
		info := item.(SessionInfo)
		info.Stats = e.Session.Stats()
		resp.Active = append(resp.Active, info)
	}
	for _, item := range s.closed.Items() {
		resp.Closed = append(resp.Closed, item.Object.(SessionInfo))
	}
	sort.Slice(resp.Closed, func(i, j int) bool {
		return resp.Closed[i].StartedAt.Before(resp.Closed[j].StartedAt)
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.registry.List()),
	})
}
