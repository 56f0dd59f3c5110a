// Package queue provides the bounded byte queue that decouples a filter
// session's producer from its consumer. Appends are all-or-nothing and no
// operation blocks.
package queue

import "sync"

// DefaultCapacity is the queue bound used by filter sessions.
const DefaultCapacity = 8 * 1024 * 1024

// Queue is a FIFO of bytes with a hard capacity. A batch is admitted only if
// the queue stays strictly below capacity afterwards, so a full queue drops
// whole batches and never splits one.
type Queue struct {
	mu    sync.Mutex
	buf   []byte
	head  int
	cap   int
	ready chan struct{}
	space chan struct{}
}

// New returns an empty queue bounded at capacity bytes. A non-positive
// capacity selects DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		cap:   capacity,
		ready: make(chan struct{}, 1),
		space: make(chan struct{}, 1),
	}
}

// Append adds b to the tail if Len()+len(b) < Cap() and reports whether it
// did. An empty b is a no-op that reports true.
func (q *Queue) Append(b []byte) bool {
	if len(b) == 0 {
		return true
	}

	q.mu.Lock()
	if q.lenLocked()+len(b) >= q.cap {
		q.mu.Unlock()
		return false
	}
	if q.head > 0 && len(q.buf)+len(b) > cap(q.buf) {
		q.compactLocked()
	}
	q.buf = append(q.buf, b...)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Pop moves min(Len(), len(dst)) bytes from the head into dst and returns
// the count.
func (q *Queue) Pop(dst []byte) int {
	q.mu.Lock()
	n := copy(dst, q.buf[q.head:])
	q.head += n
	if q.head == len(q.buf) {
		q.buf = q.buf[:0]
		q.head = 0
	}
	q.mu.Unlock()

	if n > 0 {
		select {
		case q.space <- struct{}{}:
		default:
		}
	}
	return n
}

// Len returns the number of queued bytes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Cap returns the capacity bound.
func (q *Queue) Cap() int {
	return q.cap
}

// Ready is signalled after an append lands. Signals coalesce: one pending
// notification may stand for several appends, so a consumer should drain
// with Pop until it returns 0 before waiting again.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Space is signalled after a Pop frees bytes. It coalesces like Ready, so
// a producer waiting for room should recheck Len after each wakeup.
func (q *Queue) Space() <-chan struct{} {
	return q.space
}

// Reset discards all queued bytes and releases the backing storage.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.buf = nil
	q.head = 0
	q.mu.Unlock()
}

func (q *Queue) lenLocked() int {
	return len(q.buf) - q.head
}

func (q *Queue) compactLocked() {
	n := copy(q.buf, q.buf[q.head:])
	q.buf = q.buf[:n]
	q.head = 0
}
