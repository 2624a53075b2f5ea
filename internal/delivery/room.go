package delivery

import (
	"sync"

	"github.com/example/kpane/internal/panes"
)

// ring is a fixed-size FIFO that overwrites its oldest entry when full.
type ring struct {
	entries []panes.Event
	head    int
	count   int
}

func newRing(capacity int) ring {
	return ring{entries: make([]panes.Event, capacity)}
}

// push appends ev and reports whether the oldest entry had to be dropped.
func (r *ring) push(ev panes.Event) bool {
	capacity := len(r.entries)
	tail := (r.head + r.count) % capacity
	r.entries[tail] = ev
	if r.count < capacity {
		r.count++
		return false
	}
	r.head = (r.head + 1) % capacity
	return true
}

func (r *ring) pop() (panes.Event, bool) {
	if r.count == 0 {
		return panes.Event{}, false
	}
	ev := r.entries[r.head]
	r.entries[r.head] = panes.Event{}
	r.head = (r.head + 1) % len(r.entries)
	r.count--
	return ev, true
}

func (r *ring) reset() {
	for i := range r.entries {
		r.entries[i] = panes.Event{}
	}
	r.head = 0
	r.count = 0
}

// room buffers one pane's events until its pump hands them to the client.
type room struct {
	id string

	mu       sync.Mutex
	buf      ring
	closed   bool
	dropped  uint64
	dropping bool

	// sending is held while an event is popped and delivered, so Discard and
	// Close can wait out an in-flight delivery.
	sending sync.Mutex
	wake    chan struct{}
	done    chan struct{}
}

func newRoom(id string, capacity int) *room {
	return &room{
		id:   id,
		buf:  newRing(capacity),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// publish buffers ev. It returns false when the room is closed and reports
// whether an old event was dropped to make space.
func (r *room) publish(ev panes.Event) (accepted bool, firstDrop bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, false
	}
	if r.buf.push(ev) {
		r.dropped++
		firstDrop = !r.dropping
		r.dropping = true
	}
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true, firstDrop
}

func (r *room) next() (ev panes.Event, ok bool, closed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return panes.Event{}, false, true
	}
	ev, ok = r.buf.pop()
	if !ok {
		r.dropping = false
	}
	return ev, ok, false
}

func (r *room) discard() {
	r.mu.Lock()
	r.buf.reset()
	r.mu.Unlock()
	r.sending.Lock()
	r.sending.Unlock() //nolint:staticcheck // waits for an in-flight delivery
}

func (r *room) close() {
	r.mu.Lock()
	r.closed = true
	r.buf.reset()
	r.mu.Unlock()
	r.sending.Lock()
	r.sending.Unlock() //nolint:staticcheck // waits for an in-flight delivery
}

func (r *room) droppedCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
