package session

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/zsiec/tsfilter/internal/options"
)

// Handle identifies a session held by a Registry. The zero Handle is never
// issued.
type Handle uint64

// Registry maps opaque handles to owned sessions for hosts that cannot hold
// a *Session directly. Every Open must be paired with a Close.
type Registry struct {
	log      *slog.Logger
	mu       sync.RWMutex
	next     Handle
	sessions map[Handle]*Session
}

// NewRegistry creates an empty Registry. If log is nil, slog.Default() is
// used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		sessions: make(map[Handle]*Session),
	}
}

// Open parses args, creates a session and returns its handle.
func (r *Registry) Open(args []string, extra ...Option) (Handle, error) {
	opts, err := options.Parse(args)
	if err != nil {
		return 0, err
	}
	s, err := New(opts, r.log, extra...)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.next++
	h := r.next
	r.sessions[h] = s
	r.mu.Unlock()

	r.log.Info("session opened", "handle", uint64(h), "session", s.ID)
	return h, nil
}

// Get returns the session for h, or false if h is unknown.
func (r *Registry) Get(h Handle) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[h]
	return s, ok
}

// Push feeds b to the session for h. Unknown handles are ignored.
func (r *Registry) Push(h Handle, b []byte) {
	if s, ok := r.Get(h); ok {
		s.Push(b)
	}
}

// Pop drains output for h into dst. It returns -1 for an unknown handle.
func (r *Registry) Pop(h Handle, dst []byte) int {
	s, ok := r.Get(h)
	if !ok {
		return -1
	}
	return s.Pop(dst)
}

// Process pushes in and pops into out for h. It returns -1 for an unknown
// handle.
func (r *Registry) Process(h Handle, in, out []byte) int {
	s, ok := r.Get(h)
	if !ok {
		return -1
	}
	return s.Process(in, out)
}

// Close removes and destroys the session for h. It reports whether h was
// known; closing twice is harmless.
func (r *Registry) Close(h Handle) bool {
	r.mu.Lock()
	s, ok := r.sessions[h]
	if ok {
		delete(r.sessions, h)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if err := s.Destroy(); err != nil {
		r.log.Warn("session close", "handle", uint64(h), "session", s.ID, "error", err)
	}
	r.log.Info("session closed", "handle", uint64(h), "session", s.ID)
	return true
}

// Entry pairs a handle with its session.
type Entry struct {
	Handle  Handle
	Session *Session
}

// List returns the open sessions ordered by handle.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.sessions))
	for h, s := range r.sessions {
		entries = append(entries, Entry{Handle: h, Session: s})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Handle < entries[j].Handle })
	return entries
}
