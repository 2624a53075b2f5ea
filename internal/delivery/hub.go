// File: internal/delivery/hub.go
// Brief: Internal delivery package implementation for 'hub'.

// Package delivery implements the per-pane delivery channel: one isolated,
// ordered room per pane, each drained by its own pump so a slow client or a
// noisy pane never stalls the others. Rooms are bounded and drop their oldest
// events when the client falls behind.
package delivery

import (
	"context"
	"sort"
	"sync"

	"github.com/go-logr/logr"

	"github.com/example/kpane/internal/panes"
)

// DefaultRoomBuffer is the per-room event capacity used when none is configured.
const DefaultRoomBuffer = 256

// DeliverFunc hands one event to the client. Calls for a single room are
// sequential and in publish order.
type DeliverFunc func(ctx context.Context, ev panes.Event) error

// Hub owns the rooms of one client session.
type Hub struct {
	ctx      context.Context
	cancel   context.CancelFunc
	deliver  DeliverFunc
	log      logr.Logger
	capacity int

	mu    sync.Mutex
	rooms map[string]*room
	// closedDropped keeps the drop counts of rooms that were closed.
	closedDropped uint64
	wg            sync.WaitGroup
}

var _ panes.Delivery = (*Hub)(nil)

// NewHub creates a hub whose rooms deliver through deliver until ctx ends.
func NewHub(ctx context.Context, deliver DeliverFunc, logger logr.Logger, capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultRoomBuffer
	}
	hubCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		ctx:      hubCtx,
		cancel:   cancel,
		deliver:  deliver,
		log:      logger.WithName("delivery"),
		capacity: capacity,
		rooms:    make(map[string]*room),
	}
}

// Open creates the room and starts its pump. Opening an existing room is a no-op.
func (h *Hub) Open(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return
	}
	if _, ok := h.rooms[id]; ok {
		return
	}
	r := newRoom(id, h.capacity)
	h.rooms[id] = r
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.pump(r)
	}()
}

// Publish buffers ev for the room. Events for unknown or closed rooms are dropped.
func (h *Hub) Publish(id string, ev panes.Event) {
	r := h.room(id)
	if r == nil {
		h.log.V(1).Info("dropping event for unknown room", "room", id, "event", ev.Kind)
		return
	}
	accepted, firstDrop := r.publish(ev)
	if !accepted {
		return
	}
	if firstDrop {
		h.log.V(1).Info("room buffer full, dropping oldest events", "room", id, "capacity", h.capacity)
	}
}

// Discard drops the room's undelivered events and waits for an in-flight
// delivery to finish.
func (h *Hub) Discard(id string) {
	if r := h.room(id); r != nil {
		r.discard()
	}
}

// Close discards the room's events and stops its pump. Nothing is delivered
// for the room after Close returns.
func (h *Hub) Close(id string) {
	h.mu.Lock()
	r, ok := h.rooms[id]
	delete(h.rooms, id)
	h.mu.Unlock()
	if !ok {
		return
	}
	r.close()
	close(r.done)
	dropped := r.droppedCount()
	if dropped == 0 {
		return
	}
	h.mu.Lock()
	h.closedDropped += dropped
	h.mu.Unlock()
	h.log.V(1).Info("room closed", "room", id, "dropped", dropped)
}

// Dropped returns how many events the room discarded because the client fell behind.
func (h *Hub) Dropped(id string) uint64 {
	if r := h.room(id); r != nil {
		return r.droppedCount()
	}
	return 0
}

// TotalDropped returns the events dropped across every room the hub has
// held, closed rooms included.
func (h *Hub) TotalDropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := h.closedDropped
	for _, r := range h.rooms {
		total += r.droppedCount()
	}
	return total
}

// Rooms lists the open rooms.
func (h *Hub) Rooms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Shutdown closes every room and waits for the pumps to exit.
func (h *Hub) Shutdown() {
	for _, id := range h.Rooms() {
		h.Close(id)
	}
	h.cancel()
	h.wg.Wait()
}

func (h *Hub) room(id string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[id]
}

func (h *Hub) pump(r *room) {
	for {
		r.sending.Lock()
		ev, ok, closed := r.next()
		if closed {
			r.sending.Unlock()
			return
		}
		if ok {
			if err := h.deliver(h.ctx, ev); err != nil && h.ctx.Err() == nil {
				h.log.V(1).Info("deliver event failed", "room", r.id, "event", ev.Kind, "error", err.Error())
			}
			r.sending.Unlock()
			continue
		}
		r.sending.Unlock()
		select {
		case <-h.ctx.Done():
			return
		case <-r.done:
			return
		case <-r.wake:
		}
	}
}
