package delivery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/example/kpane/internal/panes"
)

type collector struct {
	mu     sync.Mutex
	events map[string][]string
	gate   chan struct{}
}

func newCollector() *collector {
	return &collector{events: make(map[string][]string)}
}

func (c *collector) deliver(ctx context.Context, ev panes.Event) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[ev.Room] = append(c.events[ev.Room], ev.Line)
	return nil
}

func (c *collector) lines(room string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events[room]...)
}

func logEvent(room, line string) panes.Event {
	return panes.Event{Kind: panes.EventLog, Room: room, Line: line}
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

func TestHubDeliversInOrderPerRoom(t *testing.T) {
	c := newCollector()
	h := NewHub(context.Background(), c.deliver, logr.Discard(), 64)
	defer h.Shutdown()
	h.Open("a")
	h.Open("b")

	for i := 0; i < 20; i++ {
		h.Publish("a", logEvent("a", fmt.Sprintf("a-%d", i)))
		h.Publish("b", logEvent("b", fmt.Sprintf("b-%d", i)))
	}

	waitForCondition(t, func() bool { return len(c.lines("a")) == 20 && len(c.lines("b")) == 20 })
	for i, line := range c.lines("a") {
		if line != fmt.Sprintf("a-%d", i) {
			t.Fatalf("room a out of order at %d: %q", i, line)
		}
	}
	for _, line := range c.lines("b") {
		if line[0] != 'b' {
			t.Fatalf("room b received foreign event %q", line)
		}
	}
}

func TestHubDropsOldestWhenFull(t *testing.T) {
	c := newCollector()
	c.gate = make(chan struct{})
	h := NewHub(context.Background(), c.deliver, logr.Discard(), 3)
	defer h.Shutdown()
	h.Open("a")

	// The pump takes "first" and blocks on the gate; the rest queue up.
	h.Publish("a", logEvent("a", "first"))
	waitForCondition(t, func() bool {
		r := h.room("a")
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.buf.count == 0
	})
	for i := 0; i < 5; i++ {
		h.Publish("a", logEvent("a", fmt.Sprintf("n%d", i)))
	}
	if got := h.Dropped("a"); got != 2 {
		t.Fatalf("expected 2 dropped events, got %d", got)
	}
	close(c.gate)

	waitForCondition(t, func() bool { return len(c.lines("a")) == 4 })
	want := []string{"first", "n2", "n3", "n4"}
	got := c.lines("a")
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered %v, want %v", got, want)
		}
	}

	h.Open("b")
	h.Close("a")
	if got := h.TotalDropped(); got != 2 {
		t.Fatalf("closed room drops should stay counted, got %d", got)
	}
}

func TestHubSlowRoomDoesNotBlockOthers(t *testing.T) {
	gate := make(chan struct{})
	c := newCollector()
	deliver := func(ctx context.Context, ev panes.Event) error {
		if ev.Room == "slow" {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return c.deliver(ctx, ev)
	}
	h := NewHub(context.Background(), deliver, logr.Discard(), 4)
	defer h.Shutdown()
	defer close(gate)
	h.Open("slow")
	h.Open("fast")

	for i := 0; i < 10; i++ {
		h.Publish("slow", logEvent("slow", "x"))
	}
	h.Publish("fast", logEvent("fast", "hello"))
	waitForCondition(t, func() bool { return len(c.lines("fast")) == 1 })
}

func TestHubDiscardDropsPending(t *testing.T) {
	c := newCollector()
	c.gate = make(chan struct{})
	h := NewHub(context.Background(), c.deliver, logr.Discard(), 8)
	defer h.Shutdown()
	h.Open("a")

	h.Publish("a", logEvent("a", "in-flight"))
	h.Publish("a", logEvent("a", "stale-1"))
	h.Publish("a", logEvent("a", "stale-2"))
	waitForCondition(t, func() bool {
		r := h.room("a")
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.buf.count == 2
	})

	done := make(chan struct{})
	go func() {
		h.Discard("a")
		close(done)
	}()
	// Discard waits for the in-flight delivery.
	select {
	case <-done:
		t.Fatalf("Discard returned while a delivery was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(c.gate)
	<-done

	h.Publish("a", logEvent("a", "fresh"))
	waitForCondition(t, func() bool { return len(c.lines("a")) == 2 })
	got := c.lines("a")
	if got[0] != "in-flight" || got[1] != "fresh" {
		t.Fatalf("unexpected deliveries %v", got)
	}
}

func TestHubCloseStopsRoom(t *testing.T) {
	c := newCollector()
	h := NewHub(context.Background(), c.deliver, logr.Discard(), 8)
	defer h.Shutdown()
	h.Open("a")
	h.Publish("a", logEvent("a", "one"))
	waitForCondition(t, func() bool { return len(c.lines("a")) == 1 })

	h.Close("a")
	h.Publish("a", logEvent("a", "two"))
	time.Sleep(20 * time.Millisecond)
	if got := c.lines("a"); len(got) != 1 {
		t.Fatalf("closed room received %v", got)
	}
	if rooms := h.Rooms(); len(rooms) != 0 {
		t.Fatalf("expected no rooms, got %v", rooms)
	}
	h.Close("a")
}

func TestHubShutdownStopsPumps(t *testing.T) {
	c := newCollector()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(ctx, c.deliver, logr.Discard(), 8)
	h.Open("a")
	h.Open("b")

	done := make(chan struct{})
	go func() {
		h.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Shutdown did not return")
	}
	h.Open("c")
	if rooms := h.Rooms(); len(rooms) != 0 {
		t.Fatalf("expected no rooms after shutdown, got %v", rooms)
	}
}
