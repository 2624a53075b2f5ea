package panes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStream struct {
	key      string
	lines    chan LogLine
	once     sync.Once
	closeMu  sync.Mutex
	closed   bool
	canceled chan struct{}
	err      error
}

func newFakeStream(key string) *fakeStream {
	return &fakeStream{
		key:      key,
		lines:    make(chan LogLine, 64),
		canceled: make(chan struct{}),
	}
}

func (s *fakeStream) Lines() <-chan LogLine { return s.lines }
func (s *fakeStream) Err() error            { return s.err }

func (s *fakeStream) Cancel() {
	s.once.Do(func() { close(s.canceled) })
}

func (s *fakeStream) Canceled() bool {
	select {
	case <-s.canceled:
		return true
	default:
		return false
	}
}

// emit queues a line unless the stream was already finished.
func (s *fakeStream) emit(pod, container, text string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.lines <- LogLine{Pod: pod, Container: container, Text: text, ProducedAt: time.Now()}
}

func (s *fakeStream) finish(err error) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.lines)
}

type fakeSource struct {
	mu      sync.Mutex
	streams map[string][]*fakeStream
	fail    map[string]error
}

func newFakeSource() *fakeSource {
	return &fakeSource{streams: make(map[string][]*fakeStream), fail: make(map[string]error)}
}

func (f *fakeSource) OpenStream(_ context.Context, namespace, pod, container string) (Stream, error) {
	key := namespace + "/" + pod + "/" + container
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[key]; err != nil {
		return nil, err
	}
	s := newFakeStream(key)
	f.streams[key] = append(f.streams[key], s)
	return s, nil
}

// latest returns the most recently opened stream for key.
func (f *fakeSource) latest(key string) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.streams[key]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (f *fakeSource) all() []*fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeStream
	for _, list := range f.streams {
		out = append(out, list...)
	}
	return out
}

// recordingDelivery stores events per room and flags publishes to closed rooms.
type recordingDelivery struct {
	mu       sync.Mutex
	open     map[string]bool
	closed   map[string]bool
	events   map[string][]Event
	late     []Event
	discards map[string]int
}

func newRecordingDelivery() *recordingDelivery {
	return &recordingDelivery{
		open:     make(map[string]bool),
		closed:   make(map[string]bool),
		events:   make(map[string][]Event),
		discards: make(map[string]int),
	}
}

func (r *recordingDelivery) Open(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open[room] = true
	delete(r.closed, room)
}

func (r *recordingDelivery) Publish(room string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed[room] {
		r.late = append(r.late, ev)
		return
	}
	r.events[room] = append(r.events[room], ev)
}

func (r *recordingDelivery) Discard(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discards[room]++
}

func (r *recordingDelivery) Close(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.open, room)
	r.closed[room] = true
}

func (r *recordingDelivery) roomEvents(room string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events[room]...)
}

func (r *recordingDelivery) lateEvents() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.late...)
}

func (r *recordingDelivery) logLines(room string) []string {
	var out []string
	for _, ev := range r.roomEvents(room) {
		if ev.Kind == EventLog {
			out = append(out, ev.Line)
		}
	}
	return out
}

func (r *recordingDelivery) lastBinding(room string) (Event, bool) {
	events := r.roomEvents(room)
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == EventBinding {
			return events[i], true
		}
	}
	return Event{}, false
}

func waitForCondition(t *testing.T, ok func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatalf("condition not met before timeout")
		case <-ticker.C:
			if ok() {
				return
			}
		}
	}
}

var errBoom = errors.New("boom")
