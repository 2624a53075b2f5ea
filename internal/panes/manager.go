// File: internal/panes/manager.go
// Brief: Internal panes package implementation for 'manager'.

package panes

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// PaneSet answers whether a pane id is currently open.
type PaneSet interface {
	Has(id string) bool
}

type target struct {
	Namespace string
	Pod       string
	Container string
}

func (t target) empty() bool {
	return t.Pod == "" && t.Container == ""
}

// slot holds the streaming state of one pane. mu serializes Bind and Unbind
// for the pane; the manager lock is only taken inside it.
type slot struct {
	mu     sync.Mutex
	paneID string
	target target
	sub    *subscription
	// current is the generation allowed to publish, zero when none is.
	current atomic.Uint64
}

func (s *slot) isCurrent(gen uint64) bool {
	return gen != 0 && s.current.Load() == gen
}

type subscription struct {
	paneID string
	gen    uint64
	target target
	stream Stream
	cancel context.CancelFunc
	done   chan struct{}
	ended  atomic.Bool
}

// Manager runs at most one log subscription per pane and forwards every
// line it yields to the pane's room.
type Manager struct {
	source   Source
	delivery Delivery
	log      logr.Logger
	panes    PaneSet

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	slots      map[string]*slot
	generation atomic.Uint64
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

type paneSetFunc func(id string) bool

func (f paneSetFunc) Has(id string) bool { return f(id) }

// WithPaneSet makes Bind reject pane ids the set does not know.
func WithPaneSet(set PaneSet) ManagerOption {
	return func(m *Manager) {
		m.panes = set
	}
}

// NewManager creates a Manager that opens streams from source and publishes
// to delivery.
func NewManager(source Source, delivery Delivery, logger logr.Logger, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		source:   source,
		delivery: delivery,
		log:      logger.WithName("subscriptions"),
		ctx:      ctx,
		cancel:   cancel,
		slots:    make(map[string]*slot),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Bind replaces the pane's subscription with one streaming
// namespace/pod/container. The previous subscription, if any, has stopped
// forwarding and its undelivered events are discarded before the new one
// starts. Bind returns once the new forwarder is running.
func (m *Manager) Bind(paneID, namespace, pod, container string) error {
	if m.ctx.Err() != nil {
		return errors.New("subscription manager closed")
	}
	if m.panes != nil && !m.panes.Has(paneID) {
		return paneNotFound(paneID)
	}
	want := target{Namespace: namespace, Pod: pod, Container: container}

	s := m.lockSlot(paneID, true)
	defer s.mu.Unlock()

	m.mu.Lock()
	for id, other := range m.slots {
		if id != paneID && other.target == want {
			m.mu.Unlock()
			return &ConflictError{Pod: pod, Container: container, Holder: id}
		}
	}
	s.target = want
	m.mu.Unlock()

	m.stopLocked(s)

	gen := m.generation.Add(1)
	ctx, cancel := context.WithCancel(m.ctx)
	stream, err := m.source.OpenStream(ctx, namespace, pod, container)
	if err != nil {
		cancel()
		m.log.Error(err, "open log stream", "pane", paneID, "namespace", namespace, "pod", pod, "container", container)
		m.delivery.Publish(paneID, Event{
			Kind:       EventSourceEnded,
			Room:       paneID,
			Pod:        pod,
			Container:  container,
			Generation: gen,
			Reason:     err.Error(),
		})
		return nil
	}
	sub := &subscription{
		paneID: paneID,
		gen:    gen,
		target: want,
		stream: stream,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.sub = sub
	s.current.Store(gen)
	m.log.V(1).Info("subscription started", "pane", paneID, "namespace", namespace, "pod", pod, "container", container, "generation", gen)
	go m.forward(ctx, s, sub)
	return nil
}

// Unbind stops the pane's subscription. It is a no-op when none is running.
func (m *Manager) Unbind(paneID string) {
	s := m.lockSlot(paneID, false)
	if s == nil {
		return
	}
	defer s.mu.Unlock()
	m.stopLocked(s)
	m.mu.Lock()
	delete(m.slots, paneID)
	m.mu.Unlock()
}

// Active reports whether the pane has a subscription that is still forwarding.
func (m *Manager) Active(paneID string) bool {
	s := m.lookup(paneID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub != nil && !s.sub.ended.Load()
}

// Generation returns the generation currently allowed to publish for the pane.
func (m *Manager) Generation(paneID string) uint64 {
	s := m.lookup(paneID)
	if s == nil {
		return 0
	}
	return s.current.Load()
}

// Close stops every subscription. The manager cannot be reused afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.slots))
	for id := range m.slots {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Unbind(id)
	}
	m.cancel()
}

func (m *Manager) lookup(paneID string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[paneID]
}

// lockSlot returns the pane's slot with its lock held. A slot removed by a
// concurrent Unbind while we waited for its lock is never returned.
func (m *Manager) lockSlot(paneID string, create bool) *slot {
	for {
		m.mu.Lock()
		s, ok := m.slots[paneID]
		if !ok {
			if !create {
				m.mu.Unlock()
				return nil
			}
			s = &slot{paneID: paneID}
			m.slots[paneID] = s
		}
		m.mu.Unlock()

		s.mu.Lock()
		m.mu.Lock()
		live := m.slots[paneID] == s
		m.mu.Unlock()
		if live {
			return s
		}
		s.mu.Unlock()
	}
}

// stopLocked cancels the slot's subscription and waits for its forwarder to
// exit. Callers hold s.mu.
func (m *Manager) stopLocked(s *slot) {
	sub := s.sub
	s.current.Store(0)
	if sub == nil {
		return
	}
	s.sub = nil
	sub.cancel()
	sub.stream.Cancel()
	<-sub.done
	m.delivery.Discard(sub.paneID)
	m.log.V(1).Info("subscription stopped", "pane", sub.paneID, "pod", sub.target.Pod, "container", sub.target.Container, "generation", sub.gen)
}

func (m *Manager) forward(ctx context.Context, s *slot, sub *subscription) {
	defer close(sub.done)
	defer sub.stream.Cancel()
	lines := sub.stream.Lines()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if ctx.Err() != nil || !s.isCurrent(sub.gen) {
				return
			}
			if !ok {
				m.end(s, sub, sub.stream.Err())
				return
			}
			m.delivery.Publish(sub.paneID, Event{
				Kind:       EventLog,
				Room:       sub.paneID,
				Pod:        line.Pod,
				Container:  line.Container,
				Line:       line.Text,
				ProducedAt: line.ProducedAt,
				Generation: sub.gen,
			})
		}
	}
}

func (m *Manager) end(s *slot, sub *subscription, err error) {
	if !sub.ended.CompareAndSwap(false, true) {
		return
	}
	reason := "stream ended"
	if err != nil {
		reason = err.Error()
		m.log.Info("log stream failed", "pane", sub.paneID, "pod", sub.target.Pod, "container", sub.target.Container, "error", reason)
	} else {
		m.log.V(1).Info("log stream ended", "pane", sub.paneID, "pod", sub.target.Pod, "container", sub.target.Container)
	}
	if !s.isCurrent(sub.gen) {
		return
	}
	m.delivery.Publish(sub.paneID, Event{
		Kind:       EventSourceEnded,
		Room:       sub.paneID,
		Pod:        sub.target.Pod,
		Container:  sub.target.Container,
		Generation: sub.gen,
		Reason:     reason,
	})
}
