// File: internal/panes/types.go
// Brief: Internal panes package implementation for 'types'.

// Package panes implements kpane's multi-pane streaming core: the pane registry,
// the per-pane subscription manager, and the selection coordinator that keeps
// every (pod, container) claim unique across panes.
package panes

import (
	"context"
	"time"
)

// MaxPanes bounds how many panes a single dashboard session may hold.
const MaxPanes = 4

// LogLine is a single line produced by a Source. It is never mutated after creation.
type LogLine struct {
	Pod        string
	Container  string
	Text       string
	ProducedAt time.Time
}

// Stream is a live, possibly endless sequence of lines for one container.
//
// Lines is closed by the producer once the sequence is over; Err then reports
// why (nil for a clean end of stream). Cancel may be called any number of
// times from any goroutine.
type Stream interface {
	Lines() <-chan LogLine
	Err() error
	Cancel()
}

// Source opens log streams. OpenStream must not block on the first line.
type Source interface {
	OpenStream(ctx context.Context, namespace, pod, container string) (Stream, error)
}

// EventKind labels an Event on the wire.
type EventKind string

const (
	EventLog         EventKind = "log"
	EventSourceEnded EventKind = "sourceEnded"
	EventBinding     EventKind = "binding"
)

// Event is the payload published to a pane's room.
type Event struct {
	Kind        EventKind `json:"event"`
	Room        string    `json:"room"`
	Pod         string    `json:"pod,omitempty"`
	Container   string    `json:"container,omitempty"`
	Line        string    `json:"line,omitempty"`
	ProducedAt  time.Time `json:"producedAt,omitzero"`
	Generation  uint64    `json:"generation,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Available   []string  `json:"available,omitempty"`
	Unavailable bool      `json:"unavailable,omitempty"`
}

// Delivery carries events to the client, one isolated room per pane.
// Publish must never block on a slow client.
type Delivery interface {
	Open(room string)
	Publish(room string, ev Event)
	// Discard drops events that were published to room but not yet delivered.
	Discard(room string)
	Close(room string)
}

// Pane is a point-in-time copy of a registry entry.
type Pane struct {
	ID        string
	Namespace string
	Pod       string
	// Container is empty when the pane holds no valid container.
	Container string
	CreatedAt time.Time
}

// Bound reports whether the pane currently claims a container.
func (p Pane) Bound() bool {
	return p.Pod != "" && p.Container != ""
}

// PodContainers lists one pod's containers in cluster order.
type PodContainers struct {
	Pod        string   `json:"pod"`
	Containers []string `json:"containers"`
}

// Catalog is the ordered pod/container listing of a namespace.
type Catalog []PodContainers

// Containers returns the containers of pod, or nil when the pod is not listed.
func (c Catalog) Containers(pod string) []string {
	for _, entry := range c {
		if entry.Pod == pod {
			return entry.Containers
		}
	}
	return nil
}

// Has reports whether pod/container is present in the catalog.
func (c Catalog) Has(pod, container string) bool {
	for _, name := range c.Containers(pod) {
		if name == container {
			return true
		}
	}
	return false
}
